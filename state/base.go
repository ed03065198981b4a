// This package implements the conflict-free replicated config engine: one
// independently mergeable store per namespace, a dirty/clean/waiting push
// state machine, dump serialization for local persistence, and the group key
// generation sub-engine.
package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/plait-im/go-plait/bencode"
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/crypto"
	"github.com/plait-im/go-plait/record"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type ConfState int

const (
	// Clean means the config is confirmed stored on the swarm and we haven't
	// changed anything.
	StateClean ConfState = iota
	// Dirty means we have local changes which haven't been serialized for
	// pushing yet.
	StateDirty
	// Waiting means the data was serialized and handed to the transport but
	// storage hasn't been confirmed, and nothing changed since.
	StateWaiting
)

// One config message fetched from the swarm.
type RemoteConfig struct {
	Hash        string
	TimestampMs uint64
	Data        []byte
}

// The unit handed to the transport for one push.
type PushData struct {
	Payload []byte
	Seqno   int64
}

type payload struct {
	Seqno   int64             `bencode:"q"`
	Records [][]byte          `bencode:"r"`
	Tombs   map[string]uint64 `bencode:"t"`
}

type dumpData struct {
	State         int64             `bencode:"s"`
	Seqno         int64             `bencode:"q"`
	Keys          [][]byte          `bencode:"k"`
	Records       [][]byte          `bencode:"r"`
	Tombs         map[string]uint64 `bencode:"t"`
	LastAppliedMs uint64            `bencode:"a"`
}

// A Store holds the merged state of one namespace. It is not safe for
// concurrent use; callers serialize access through the owning identity's
// mutation scope.
type Store struct {
	log       *zap.SugaredLogger
	config    *config.Config
	clock     clock.Clock
	namespace Namespace
	domain    string
	maxFields map[string]bool

	// keys[0] encrypts; decryption tries all in order
	keys    [][]byte
	records map[string]*record.Record
	tombs   map[string]uint64

	state         ConfState
	seqno         int64
	lastAppliedMs uint64
	needsDump     bool
}

func newStore(c *config.Config, cl clock.Clock, ns Namespace, maxFields map[string]bool) *Store {
	return &Store{
		log:       c.Logger(fmt.Sprintf("state/%s", ns)),
		config:    c,
		clock:     cl,
		namespace: ns,
		domain:    ns.String(),
		maxFields: maxFields,
		keys:      make([][]byte, 0, 1),
		records:   make(map[string]*record.Record),
		tombs:     make(map[string]uint64),
	}
}

func (s *Store) Namespace() Namespace {
	return s.namespace
}

// Adds an encryption/decryption key. A high-priority key moves to the front
// and becomes the encryption key; otherwise the key is appended and used for
// decryption only. Re-adding a known key with high priority repositions it.
func (s *Store) AddKey(key []byte, highPriority bool) error {
	if len(key) != crypto.KeySize {
		return fmt.Errorf("state: expected key of length %d, got %d", crypto.KeySize, len(key))
	}
	for i, k := range s.keys {
		if bytes.Equal(k, key) {
			if highPriority && i != 0 {
				s.keys = append(s.keys[:i], s.keys[i+1:]...)
				s.keys = append([][]byte{key}, s.keys...)
				s.needsDump = true
			}
			return nil
		}
	}
	if highPriority {
		s.keys = append([][]byte{key}, s.keys...)
	} else {
		s.keys = append(s.keys, key)
	}
	s.needsDump = true
	return nil
}

func (s *Store) KeyCount() int {
	return len(s.keys)
}

// Returns a copy of the record, or false without constructing anything.
func (s *Store) Get(key string) (*record.Record, bool) {
	r, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Returns a copy of the record, or a zero-valued record with the key
// populated. Nothing is inserted until the record is passed back to Set.
func (s *Store) GetOrConstruct(key string) *record.Record {
	if r, ok := s.records[key]; ok {
		return r.Clone()
	}
	return record.New(key)
}

// Validates and stores a record, dirtying the namespace if anything actually
// changed. Rejects the write outright if a field exceeds its byte limit or
// the namespace would exceed the ciphertext budget.
func (s *Store) Set(rec *record.Record) error {
	for name, c := range rec.Cells {
		if c.Tomb {
			continue
		}
		if err := record.CheckLimit(name, c.Value); err != nil {
			return err
		}
	}

	prior, existed := s.records[rec.Key]
	stored := rec.Clone()
	if existed {
		before, err := prior.Encode()
		if err != nil {
			return err
		}
		after, err := stored.Encode()
		if err != nil {
			return err
		}
		if bytes.Equal(before, after) {
			return nil
		}
	}

	s.records[rec.Key] = stored
	oversize, err := s.overBudget()
	if err == nil && oversize {
		err = fmt.Errorf("%w: namespace %s would exceed %d bytes", ErrTooLarge, s.namespace, CiphertextBudget)
	}
	if err != nil {
		if existed {
			s.records[rec.Key] = prior
		} else {
			delete(s.records, rec.Key)
		}
		return err
	}
	s.markDirty()
	return nil
}

// Erases a record, writing a tombstone so the erase wins over older remote
// copies. Erasing an absent key is not an error and changes nothing.
func (s *Store) Erase(key string) bool {
	if _, ok := s.records[key]; !ok {
		return false
	}
	delete(s.records, key)
	s.tombs[key] = s.clock.CurrentTimeMs()
	s.markDirty()
	return true
}

func (s *Store) Size() int {
	return len(s.records)
}

// Calls fn once per record in key order over a snapshot of the store.
// Iteration is bounded: exceeding the loop guard fails fast with
// ErrLoopLimitReached rather than hanging on malformed state.
func (s *Store) Iterate(fn func(*record.Record) error) error {
	keys := maps.Keys(s.records)
	sort.Strings(keys)
	count := 0
	for _, key := range keys {
		count++
		if count > s.config.LoopGuardLimit {
			return ErrLoopLimitReached
		}
		r, ok := s.records[key]
		if !ok {
			continue
		}
		if err := fn(r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Reports whether local state diverges from the last-known-pushed state.
func (s *Store) NeedsPush() bool {
	return s.state != StateClean
}

// Reports whether in-memory state changed since the last Dump, which is
// independent of NeedsPush: a pure remote merge needs persisting even when
// nothing needs pushing.
func (s *Store) NeedsDump() bool {
	return s.needsDump
}

func (s *Store) State() ConfState {
	return s.state
}

func (s *Store) Seqno() int64 {
	return s.seqno
}

// Server timestamp of the newest merged remote message; consumers use it for
// the local-edit buffering window.
func (s *Store) LastAppliedMs() uint64 {
	return s.lastAppliedMs
}

// Serializes and encrypts the current state for pushing. Moves Dirty to
// Waiting; callable in any state to re-obtain the current payload, e.g. when
// re-submitting after a network error.
func (s *Store) Push() (*PushData, error) {
	if len(s.keys) == 0 {
		return nil, fmt.Errorf("state: no encryption key for %s", s.namespace)
	}
	plain, err := s.encodePlaintext(s.seqno)
	if err != nil {
		return nil, err
	}
	if crypto.SealedSize(len(plain)) > CiphertextBudget {
		return nil, fmt.Errorf("%w: namespace %s exceeds %d bytes", ErrTooLarge, s.namespace, CiphertextBudget)
	}
	sealed, err := crypto.SealWithKey(s.keys[0], plain, s.domain)
	if err != nil {
		return nil, err
	}
	if s.state == StateDirty {
		s.state = StateWaiting
		s.needsDump = true
	}
	return &PushData{Payload: sealed, Seqno: s.seqno}, nil
}

// Reports that a pushed payload was confirmed stored. Stale and out-of-order
// seqnos are ignored; repeated confirmation is safe.
func (s *Store) ConfirmPushed(seqno int64) {
	if s.state != StateWaiting || seqno != s.seqno {
		return
	}
	s.state = StateClean
	s.needsDump = true
}

// Merges remote-fetched ciphertexts into the store. Deterministic and
// commutative across arrival orders: fields fold by last-write-wins (or max
// for monotonic fields) and tombstones by maximum timestamp. Individual
// unparseable messages are skipped; the count of successfully merged
// messages is returned.
func (s *Store) Merge(remotes []RemoteConfig) (int, error) {
	merged := 0
	preDirty := s.state == StateDirty
	var maxRemoteSeqno int64 = -1
	remoteContents := make([][]byte, 0, len(remotes))
	remoteSeqnos := make([]int64, 0, len(remotes))

	for _, rc := range remotes {
		plain, ok := s.open(rc.Data)
		if !ok {
			s.log.Warnf("skipping undecryptable message %s", rc.Hash)
			continue
		}
		var p payload
		if err := bencode.Deserialize(plain, &p); err != nil {
			s.log.Warnf("skipping unparseable message %s: %v", rc.Hash, err)
			continue
		}
		merged++
		if p.Seqno > maxRemoteSeqno {
			maxRemoteSeqno = p.Seqno
		}
		if rc.TimestampMs > s.lastAppliedMs {
			s.lastAppliedMs = rc.TimestampMs
			s.needsDump = true
		}

		remoteRecords := make([]*record.Record, 0, len(p.Records))
		for key, ts := range p.Tombs {
			s.foldTomb(key, ts)
		}
		for _, rb := range p.Records {
			rec, err := record.Decode(rb)
			if err != nil {
				s.log.Warnf("skipping malformed record in %s: %v", rc.Hash, err)
				continue
			}
			remoteRecords = append(remoteRecords, rec)
			s.foldRecord(rec)
		}

		content, err := canonicalContent(remoteRecords, p.Tombs)
		if err != nil {
			return merged, err
		}
		remoteContents = append(remoteContents, content)
		remoteSeqnos = append(remoteSeqnos, p.Seqno)
	}

	if merged == 0 {
		return 0, nil
	}

	localContent, err := s.content()
	if err != nil {
		return merged, err
	}

	// If the merged result matches a remote message exactly then that message
	// already represents us on the swarm and no push is needed. Otherwise the
	// merge produced a combination nobody has pushed yet.
	matchSeqno := int64(-1)
	for i, rcont := range remoteContents {
		if bytes.Equal(localContent, rcont) && remoteSeqnos[i] > matchSeqno {
			matchSeqno = remoteSeqnos[i]
		}
	}
	switch {
	case matchSeqno >= 0 && !preDirty:
		s.state = StateClean
		if matchSeqno > s.seqno {
			s.seqno = matchSeqno
		}
	case preDirty:
		s.state = StateDirty
		if s.seqno <= maxRemoteSeqno {
			s.seqno = maxRemoteSeqno + 1
		}
	default:
		s.state = StateDirty
		if maxRemoteSeqno >= s.seqno {
			s.seqno = maxRemoteSeqno + 1
		} else {
			s.seqno++
		}
	}
	s.needsDump = true
	return merged, nil
}

// Serializes the full store state for local persistence.
func (s *Store) Dump() ([]byte, error) {
	recs, err := s.encodedRecords()
	if err != nil {
		return nil, err
	}
	d := &dumpData{
		State:         int64(s.state),
		Seqno:         s.seqno,
		Keys:          s.keys,
		Records:       recs,
		Tombs:         s.tombs,
		LastAppliedMs: s.lastAppliedMs,
	}
	out, err := bencode.Serialize(d)
	if err != nil {
		return nil, err
	}
	s.needsDump = false
	return out, nil
}

// Restores a store from a Dump blob, replacing current contents.
func (s *Store) LoadDump(dump []byte) error {
	d := &dumpData{}
	if err := bencode.Deserialize(dump, d); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDump, err)
	}
	records := make(map[string]*record.Record, len(d.Records))
	for _, rb := range d.Records {
		rec, err := record.Decode(rb)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidDump, err)
		}
		records[rec.Key] = rec
	}
	for _, k := range d.Keys {
		if len(k) != crypto.KeySize {
			return fmt.Errorf("%w: bad key length %d", ErrInvalidDump, len(k))
		}
	}
	s.state = ConfState(d.State)
	s.seqno = d.Seqno
	s.keys = d.Keys
	s.records = records
	s.tombs = d.Tombs
	if s.tombs == nil {
		s.tombs = make(map[string]uint64)
	}
	s.lastAppliedMs = d.LastAppliedMs
	s.needsDump = false
	return nil
}

func (s *Store) markDirty() {
	if s.state != StateDirty {
		s.state = StateDirty
		s.seqno++
	}
	s.needsDump = true
}

func (s *Store) open(data []byte) ([]byte, bool) {
	for _, key := range s.keys {
		plain, err := crypto.OpenWithKey(key, data, s.domain)
		if err == nil {
			return plain, true
		}
	}
	return nil, false
}

func (s *Store) foldTomb(key string, ts uint64) {
	if s.tombs[key] >= ts {
		return
	}
	s.tombs[key] = ts
	if local, ok := s.records[key]; ok {
		for name, c := range local.Cells {
			// A cell stamped at the same instant as the tombstone
			// survives, matching cell-level tie breaking.
			if c.TimeMs < ts {
				delete(local.Cells, name)
			}
		}
		if len(local.Cells) == 0 {
			delete(s.records, key)
		}
	}
	s.needsDump = true
}

func (s *Store) foldRecord(rec *record.Record) {
	incoming := rec.Clone()
	if ts, ok := s.tombs[incoming.Key]; ok {
		for name, c := range incoming.Cells {
			if c.TimeMs < ts {
				delete(incoming.Cells, name)
			}
		}
		if len(incoming.Cells) == 0 {
			return
		}
	}
	local, ok := s.records[incoming.Key]
	if !ok {
		s.records[incoming.Key] = incoming
		s.needsDump = true
		return
	}
	if local.Merge(incoming, s.maxFields) {
		s.needsDump = true
	}
}

func (s *Store) encodedRecords() ([][]byte, error) {
	keys := maps.Keys(s.records)
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, key := range keys {
		rb, err := s.records[key].Encode()
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, nil
}

func (s *Store) encodePlaintext(seqno int64) ([]byte, error) {
	recs, err := s.encodedRecords()
	if err != nil {
		return nil, err
	}
	return bencode.Serialize(&payload{Seqno: seqno, Records: recs, Tombs: s.tombs})
}

// Content encoding with the seqno zeroed, used for divergence comparison.
func (s *Store) content() ([]byte, error) {
	return s.encodePlaintext(0)
}

func canonicalContent(records []*record.Record, tombs map[string]uint64) ([]byte, error) {
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	recs := make([][]byte, 0, len(records))
	for _, r := range records {
		rb, err := r.Encode()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rb)
	}
	return bencode.Serialize(&payload{Seqno: 0, Records: recs, Tombs: tombs})
}

func (s *Store) overBudget() (bool, error) {
	plain, err := s.encodePlaintext(s.seqno)
	if err != nil {
		return false, err
	}
	return crypto.SealedSize(len(plain)) > CiphertextBudget, nil
}
