package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"

	"github.com/plait-im/go-plait/bencode"
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/crypto"
	"github.com/plait-im/go-plait/ids"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/exp/maps"
)

// A group's key ring, replicated as sealed key messages instead of mergeable
// records. Each message carries a generation number and one sealed box per
// member; only the addressed members can recover the symmetric keys inside.
// The outer layer is sealed with a key every member can derive from the group
// id, so the swarm never sees generation contents in the clear.
//
// Generations only move forward. Two admins rekeying concurrently produce two
// distinct keys at the same generation; the collision is resolved by a
// converged rekey that both sides derive identically from the colliding keys,
// so the ring settles after one more round instead of ping-ponging.
type GroupKeys struct {
	log      *zap.SugaredLogger
	config   *config.Config
	clock    clock.Clock
	groupID  ids.GroupID
	groupPub []byte
	userID   ids.AccountID
	userPriv []byte
	adminKey []byte
	outerKey []byte

	gens          map[uint64][][]byte
	pending       []*PushData
	msgSeq        int64
	lastAppliedMs uint64
	needsDump     bool
}

const keysDomain = "GroupKeys"

type keysMessage struct {
	Generation uint64            `bencode:"g"`
	Supplement bool              `bencode:"s"`
	Boxes      map[string][]byte `bencode:"b"`
}

type keyBundle struct {
	Keys map[string][]byte `bencode:"k"`
}

type keysDump struct {
	Gens          map[string][][]byte `bencode:"g"`
	Pending       []pendingMessage    `bencode:"p"`
	MsgSeq        int64               `bencode:"q"`
	LastAppliedMs uint64              `bencode:"a"`
}

type pendingMessage struct {
	Seqno   int64  `bencode:"s"`
	Payload []byte `bencode:"d"`
}

// adminKey is the group's secret scalar and may be nil for ordinary members;
// userPriv is the account's own secret and is required to open key boxes.
func NewGroupKeys(c *config.Config, cl clock.Clock, groupID ids.GroupID, userID ids.AccountID, userPriv, adminKey, dump []byte) (*GroupKeys, error) {
	groupPub, err := groupID.PublicKey()
	if err != nil {
		return nil, err
	}
	if len(userPriv) != crypto.KeySize {
		return nil, fmt.Errorf("state: expected account key of length %d, got %d", crypto.KeySize, len(userPriv))
	}
	outerKey, err := crypto.DeriveKey(groupPub, keysDomain)
	if err != nil {
		return nil, err
	}
	gk := &GroupKeys{
		log:      c.Logger("state/group_keys"),
		config:   c,
		clock:    cl,
		groupID:  groupID,
		groupPub: groupPub,
		userID:   userID,
		userPriv: userPriv,
		adminKey: adminKey,
		outerKey: outerKey,
		gens:     make(map[uint64][][]byte),
	}
	if dump != nil {
		if err := gk.LoadDump(dump); err != nil {
			return nil, err
		}
	}
	return gk, nil
}

func (gk *GroupKeys) GroupID() ids.GroupID {
	return gk.groupID
}

// IsAdmin verifies the held secret actually belongs to the group rather than
// trusting the caller's word for it.
func (gk *GroupKeys) IsAdmin() bool {
	if len(gk.adminKey) != crypto.KeySize {
		return false
	}
	pub, err := curve25519.X25519(gk.adminKey, curve25519.Basepoint)
	if err != nil {
		return false
	}
	return bytes.Equal(pub, gk.groupPub)
}

// CurrentGeneration is the highest generation with a recovered key, zero when
// no key material has been seen yet.
func (gk *GroupKeys) CurrentGeneration() uint64 {
	var max uint64
	for gen := range gk.gens {
		if gen > max {
			max = gen
		}
	}
	return max
}

// EncryptionKey picks the key new config pushes should seal with. With a
// collision outstanding every member deterministically picks the same one of
// the colliding keys, so pushes stay mutually readable until the converged
// rekey lands.
func (gk *GroupKeys) EncryptionKey() ([]byte, bool) {
	keys := gk.gens[gk.CurrentGeneration()]
	if len(keys) == 0 {
		return nil, false
	}
	return keys[len(keys)-1], true
}

// AllKeys returns every known key, newest generation first, for hydrating the
// group's config namespaces: the head encrypts, the rest decrypt.
func (gk *GroupKeys) AllKeys() [][]byte {
	gens := maps.Keys(gk.gens)
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	var out [][]byte
	for _, gen := range gens {
		keys := gk.gens[gen]
		for i := len(keys) - 1; i >= 0; i-- {
			out = append(out, keys[i])
		}
	}
	return out
}

// NeedsRekey reports a generation collision: more than one distinct key at
// the current generation.
func (gk *GroupKeys) NeedsRekey() bool {
	return len(gk.gens[gk.CurrentGeneration()]) > 1
}

// Rekey advances the generation and issues the new key to every listed
// member. When a collision is outstanding the new key is derived from the
// colliding keys so concurrent admins converge on an identical generation
// rather than racing each other indefinitely; otherwise the key is random.
func (gk *GroupKeys) Rekey(members []ids.AccountID) ([]byte, error) {
	if !gk.IsAdmin() {
		return nil, ErrNotAdmin
	}
	gen := gk.CurrentGeneration()
	var newKey []byte
	if colliding := gk.gens[gen]; len(colliding) > 1 {
		newKey = convergedKey(gen+1, colliding)
	} else {
		k, err := crypto.NewKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToRekey, err)
		}
		newKey = k
	}
	bundle := keyBundle{Keys: map[string][]byte{
		strconv.FormatUint(gen+1, 10): newKey,
	}}
	if err := gk.issue(gen+1, false, bundle, members); err != nil {
		return nil, err
	}
	gk.addGeneration(gen+1, newKey)
	return newKey, nil
}

// KeySupplement reissues every historic key to newly added members without
// advancing the generation, so they can read config pushed before they
// joined.
func (gk *GroupKeys) KeySupplement(members []ids.AccountID) error {
	if !gk.IsAdmin() {
		return ErrNotAdmin
	}
	if len(gk.gens) == 0 {
		return ErrFailedToRekey
	}
	bundle := keyBundle{Keys: make(map[string][]byte)}
	for gen, keys := range gk.gens {
		for i, key := range keys {
			name := strconv.FormatUint(gen, 10)
			if i > 0 {
				name = fmt.Sprintf("%s.%d", name, i)
			}
			bundle.Keys[name] = key
		}
	}
	return gk.issue(gk.CurrentGeneration(), true, bundle, members)
}

func (gk *GroupKeys) issue(gen uint64, supplement bool, bundle keyBundle, members []ids.AccountID) error {
	plain, err := bencode.Serialize(&bundle)
	if err != nil {
		return err
	}
	msg := keysMessage{
		Generation: gen,
		Supplement: supplement,
		Boxes:      make(map[string][]byte, len(members)),
	}
	for _, m := range members {
		pub, err := m.PublicKey()
		if err != nil {
			return err
		}
		sealed, err := crypto.SealToMember(pub, gk.adminKey, plain)
		if err != nil {
			return err
		}
		msg.Boxes[string(m)] = sealed
	}
	encoded, err := bencode.Serialize(&msg)
	if err != nil {
		return err
	}
	payload, err := crypto.SealWithKey(gk.outerKey, encoded, keysDomain)
	if err != nil {
		return err
	}
	gk.msgSeq++
	gk.pending = append(gk.pending, &PushData{Payload: payload, Seqno: gk.msgSeq})
	gk.needsDump = true
	return nil
}

// Merge applies remote key messages. Messages that fail to parse or carry no
// box for this account are skipped, not fatal; the count covers messages that
// yielded key material.
func (gk *GroupKeys) Merge(remotes []RemoteConfig) (int, error) {
	applied := 0
	for _, remote := range remotes {
		encoded, err := crypto.OpenWithKey(gk.outerKey, remote.Data, keysDomain)
		if err != nil {
			gk.log.Debugf("skipping undecryptable keys message %s", remote.Hash)
			continue
		}
		var msg keysMessage
		if err := bencode.Deserialize(encoded, &msg); err != nil {
			gk.log.Debugf("skipping malformed keys message %s: %v", remote.Hash, err)
			continue
		}
		sealed, ok := msg.Boxes[string(gk.userID)]
		if !ok {
			continue
		}
		plain, err := crypto.OpenFromAdmin(gk.groupPub, gk.userPriv, sealed)
		if err != nil {
			gk.log.Debugf("skipping unopenable key box in %s: %v", remote.Hash, err)
			continue
		}
		var bundle keyBundle
		if err := bencode.Deserialize(plain, &bundle); err != nil {
			continue
		}
		for name, key := range bundle.Keys {
			gen, err := parseGeneration(name)
			if err != nil || len(key) != crypto.KeySize {
				continue
			}
			gk.addGeneration(gen, key)
		}
		if remote.TimestampMs > gk.lastAppliedMs {
			gk.lastAppliedMs = remote.TimestampMs
		}
		applied++
	}
	return applied, nil
}

func (gk *GroupKeys) NeedsPush() bool {
	return len(gk.pending) > 0
}

// PendingPushes returns the sealed key messages awaiting delivery, oldest
// first. Each stays pending until confirmed by seqno.
func (gk *GroupKeys) PendingPushes() []*PushData {
	out := make([]*PushData, len(gk.pending))
	for i, p := range gk.pending {
		out[i] = &PushData{Payload: append([]byte(nil), p.Payload...), Seqno: p.Seqno}
	}
	return out
}

// ConfirmPushed drops a delivered key message. Unknown or repeated seqnos are
// ignored.
func (gk *GroupKeys) ConfirmPushed(seqno int64) {
	for i, p := range gk.pending {
		if p.Seqno == seqno {
			gk.pending = append(gk.pending[:i], gk.pending[i+1:]...)
			gk.needsDump = true
			return
		}
	}
}

func (gk *GroupKeys) NeedsDump() bool {
	return gk.needsDump
}

func (gk *GroupKeys) LastAppliedMs() uint64 {
	return gk.lastAppliedMs
}

func (gk *GroupKeys) Dump() ([]byte, error) {
	d := keysDump{
		Gens:          make(map[string][][]byte, len(gk.gens)),
		Pending:       make([]pendingMessage, len(gk.pending)),
		MsgSeq:        gk.msgSeq,
		LastAppliedMs: gk.lastAppliedMs,
	}
	for gen, keys := range gk.gens {
		d.Gens[strconv.FormatUint(gen, 10)] = keys
	}
	for i, p := range gk.pending {
		d.Pending[i] = pendingMessage{Seqno: p.Seqno, Payload: p.Payload}
	}
	out, err := bencode.Serialize(&d)
	if err != nil {
		return nil, err
	}
	gk.needsDump = false
	return out, nil
}

func (gk *GroupKeys) LoadDump(dump []byte) error {
	var d keysDump
	if err := bencode.Deserialize(dump, &d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDump, err)
	}
	gens := make(map[uint64][][]byte, len(d.Gens))
	for name, keys := range d.Gens {
		gen, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad generation %q", ErrInvalidDump, name)
		}
		gens[gen] = keys
	}
	gk.gens = gens
	gk.pending = make([]*PushData, len(d.Pending))
	for i, p := range d.Pending {
		gk.pending[i] = &PushData{Payload: p.Payload, Seqno: p.Seqno}
	}
	gk.msgSeq = d.MsgSeq
	gk.lastAppliedMs = d.LastAppliedMs
	gk.needsDump = false
	return nil
}

// addGeneration records a key, keeping the per-generation key list sorted and
// deduplicated so collision detection and key selection are order
// independent.
func (gk *GroupKeys) addGeneration(gen uint64, key []byte) {
	for _, k := range gk.gens[gen] {
		if bytes.Equal(k, key) {
			return
		}
	}
	keys := append(gk.gens[gen], append([]byte(nil), key...))
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	gk.gens[gen] = keys
	gk.needsDump = true
}

// Both colliding admins hold the same set of keys once they have merged each
// other's rekeys, so hashing the sorted set with the target generation yields
// the same replacement key on both sides with no further coordination.
func convergedKey(gen uint64, colliding [][]byte) []byte {
	sorted := make([][]byte, len(colliding))
	copy(sorted, colliding)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	h, _ := blake2b.New256(nil)
	h.Write([]byte("converged-rekey"))
	var genBytes [8]byte
	binary.BigEndian.PutUint64(genBytes[:], gen)
	h.Write(genBytes[:])
	for _, k := range sorted {
		h.Write(k)
	}
	return h.Sum(nil)
}

// Supplement bundles may carry several keys for one generation; the suffix
// disambiguates without changing the generation they map to.
func parseGeneration(name string) (uint64, error) {
	if i := bytes.IndexByte([]byte(name), '.'); i >= 0 {
		name = name[:i]
	}
	return strconv.ParseUint(name, 10, 64)
}
