package plait

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/plait-im/go-plait/bencode"
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/crypto"
	"github.com/plait-im/go-plait/ids"
	"github.com/plait-im/go-plait/internal/db"
	"github.com/plait-im/go-plait/migration"
	"github.com/plait-im/go-plait/recon"
	"github.com/plait-im/go-plait/state"
	"github.com/plait-im/go-plait/transport"
	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/exp/maps"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

var (
	ErrNotRunning   = errors.New("plait: not running")
	ErrUnknownGroup = errors.New("plait: unknown group")
)

// GroupCreated is delivered on the updates channel after CreateGroup commits.
// SecretKey is the group's admin secret; hand it to co-admins out of band.
type GroupCreated struct {
	ID        ids.GroupID
	SecretKey []byte
}

// A configStore is the push/dump surface shared by every namespace store.
type configStore interface {
	NeedsPush() bool
	NeedsDump() bool
	Push() (*state.PushData, error)
	ConfirmPushed(seqno int64)
	Dump() ([]byte, error)
}

// groupHandle holds the three per-group namespaces. info and members stay nil
// until key material exists for the group; Sync hydrates them once the first
// keys message merges.
type groupHandle struct {
	lock    sync.Mutex
	entry   *state.GroupEntry
	keys    *state.GroupKeys
	info    *state.GroupInfo
	members *state.GroupMembers
}

type Plait struct {
	DB *db.Database

	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	state      int
	swarm      transport.Swarm
	transport  *transport.Manager
	recon      *recon.Manager
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup

	accountID   ids.AccountID
	accountPriv []byte
	seed        []byte
	linked      *identityExport

	userLock   sync.Mutex
	profile    *state.UserProfile
	contacts   *state.Contacts
	convos     *state.ConvoInfoVolatile
	userGroups *state.UserGroups

	groupsLock sync.Mutex
	groups     map[ids.GroupID]*groupHandle

	cursorLock sync.Mutex
	cursors    map[string]uint64
}

// Create a plait instance backed by the given swarm.
func NewPlait(c *config.Config, swarm transport.Swarm) (*Plait, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making plait, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, filepath.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	st := StateNew
	if database.Initialized() {
		st = StateInitialized
	}

	return &Plait{
		DB:      database,
		config:  c,
		log:     log,
		clock:   cl,
		state:   st,
		swarm:   swarm,
		updates: make(chan interface{}, 100),
		groups:  make(map[ids.GroupID]*groupHandle),
		cursors: make(map[string]uint64),
	}, nil
}

// Makes a key from a password.
func (p *Plait) NewKey(password string) ([]byte, error) {
	return newKey(password, p.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce
// *GroupCreated and transport.Confirmation values.
func (p *Plait) Updates() chan interface{} {
	return p.updates
}

// Returns true if plait is in NEW state.
func (p *Plait) New() bool {
	return p.state == StateNew
}

// Returns true if plait is in INITIALIZED state.
func (p *Plait) Initialized() bool {
	return p.state == StateInitialized
}

// Returns true if plait is in RUNNING state.
func (p *Plait) Running() bool {
	return p.state == StateRunning
}

func (p *Plait) AccountID() ids.AccountID {
	return p.accountID
}

type identityExport struct {
	ID   string `bencode:"i"`
	Priv []byte `bencode:"p"`
	Seed []byte `bencode:"s"`
}

// ExportIdentity serializes the account's identity material for linking
// another device. Anyone holding the export IS this account; transport it
// accordingly.
func (p *Plait) ExportIdentity() ([]byte, error) {
	if p.state != StateRunning {
		return nil, ErrNotRunning
	}
	return bencode.Serialize(identityExport{
		ID:   string(p.accountID),
		Priv: p.accountPriv,
		Seed: p.seed,
	})
}

// InitializeLinked is Initialize for a second device of an existing account,
// adopting the exported identity instead of generating a fresh one.
func (p *Plait) InitializeLinked(key []byte, identity []byte) error {
	var exp identityExport
	if err := bencode.Deserialize(identity, &exp); err != nil {
		return err
	}
	if _, err := ids.ParseAccountID(exp.ID); err != nil {
		return err
	}
	p.linked = &exp
	return p.Initialize(key)
}

// Initialize plait with a given key.
func (p *Plait) Initialize(key []byte) error {
	if p.state != StateNew {
		return errors.New("plait: cannot initialize unless in state new")
	}
	if err := p.DB.Initialize(key); err != nil {
		return err
	}
	p.state = StateInitialized
	return p.open(key)
}

// Open an existing plait with a given key.
func (p *Plait) Open(key []byte) error {
	return p.open(key)
}

func (p *Plait) open(key []byte) error {
	if p.state != StateInitialized {
		return errors.New("plait: cannot open unless in state initialized")
	}
	if err := p.DB.Open(key); err != nil {
		return err
	}
	if err := p.DB.Migrate("plait", []*migration.Migration{
		{
			Name: "Create account table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE account (
	id TEXT PRIMARY KEY,
	priv BLOB NOT NULL,
	seed BLOB NOT NULL
)`)
				return err
			},
		},
	}); err != nil {
		return err
	}
	rec, err := recon.NewManager(p.config, p.clock, p.DB)
	if err != nil {
		return err
	}
	p.recon = rec
	p.transport = transport.NewManager(p.config, p.clock, p.swarm)
	if err := p.transport.Start(); err != nil {
		return err
	}

	if err := p.DB.Run("open plait", func() error {
		if err := p.loadIdentity(); err != nil {
			return err
		}
		if err := p.loadUserStores(); err != nil {
			return err
		}
		return p.loadGroupHandles()
	}); err != nil {
		_ = p.transport.Shutdown()
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	p.cancelFunc = cancelFunc
	p.startUpdatePassing(ctx)
	p.state = StateRunning
	return nil
}

func (p *Plait) Shutdown() error {
	if p.state != StateRunning {
		return nil
	}
	p.state = StateClosing
	if err := p.transport.Shutdown(); err != nil {
		return err
	}
	p.cancelFunc()
	p.finished.Wait()
	if err := p.DB.Shutdown(); err != nil {
		return err
	}
	p.state = StateClosed
	return nil
}

func (p *Plait) loadIdentity() error {
	var row struct {
		ID   string `db:"id"`
		Priv []byte `db:"priv"`
		Seed []byte `db:"seed"`
	}
	err := p.DB.Tx.Get(&row, "SELECT id, priv, seed FROM account LIMIT 1")
	switch {
	case err == nil:
		p.accountID = ids.AccountID(row.ID)
		p.accountPriv = row.Priv
		p.seed = row.Seed
		return nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	var id ids.AccountID
	var priv, seed []byte
	if p.linked != nil {
		id = ids.AccountID(p.linked.ID)
		priv = p.linked.Priv
		seed = p.linked.Seed
		p.linked = nil
	} else {
		priv = make([]byte, 32)
		if _, err := rand.Read(priv); err != nil {
			return err
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return err
		}
		if seed, err = crypto.NewKey(); err != nil {
			return err
		}
		id = ids.AccountIDFromKey(pub)
	}
	if _, err := p.DB.Tx.Exec("INSERT INTO account (id, priv, seed) VALUES (?, ?, ?)", string(id), priv, seed); err != nil {
		return err
	}
	p.accountID = id
	p.accountPriv = priv
	p.seed = seed
	p.log.Debugf("created identity %s", id)
	return nil
}

// restoreStore loads the persisted dump for a namespace and hands it to the
// store constructor. A dump that no longer decodes must not hold the whole
// account hostage: the namespace restarts empty and re-merges from the
// swarm on the next sync, while every other namespace keeps its state.
func (p *Plait) restoreStore(ns state.Namespace, owner string, construct func(dump []byte) error) error {
	blob, _, err := p.recon.LoadDump(ns, owner)
	if err != nil {
		return err
	}
	err = construct(blob)
	if err == nil || !errors.Is(err, state.ErrInvalidDump) {
		return err
	}
	p.log.Warnf("discarding unreadable %s dump for %s: %v", ns, owner, err)
	return construct(nil)
}

func (p *Plait) loadUserStores() error {
	owner := string(p.accountID)
	if err := p.restoreStore(state.NamespaceUserProfile, owner, func(dump []byte) (err error) {
		p.profile, err = state.NewUserProfile(p.config, p.clock, p.seed, dump)
		return
	}); err != nil {
		return err
	}
	if err := p.restoreStore(state.NamespaceContacts, owner, func(dump []byte) (err error) {
		p.contacts, err = state.NewContacts(p.config, p.clock, p.seed, dump)
		return
	}); err != nil {
		return err
	}
	if err := p.restoreStore(state.NamespaceConvoInfoVolatile, owner, func(dump []byte) (err error) {
		p.convos, err = state.NewConvoInfoVolatile(p.config, p.clock, p.seed, dump)
		return
	}); err != nil {
		return err
	}
	return p.restoreStore(state.NamespaceUserGroups, owner, func(dump []byte) (err error) {
		p.userGroups, err = state.NewUserGroups(p.config, p.clock, p.seed, dump)
		return
	})
}

func (p *Plait) loadGroupHandles() error {
	entries, err := p.userGroups.AllGroups()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		h, err := p.buildHandle(entry)
		if err != nil {
			return err
		}
		p.groups[entry.ID] = h
	}
	return nil
}

// buildHandle constructs a group's in-memory stores from persisted dumps.
// Must be called inside a Run scope.
func (p *Plait) buildHandle(entry *state.GroupEntry) (*groupHandle, error) {
	owner := string(entry.ID)
	var keys *state.GroupKeys
	if err := p.restoreStore(state.NamespaceGroupKeys, owner, func(dump []byte) (err error) {
		keys, err = state.NewGroupKeys(p.config, p.clock, entry.ID, p.accountID, p.accountPriv, entry.AdminKey, dump)
		return
	}); err != nil {
		return nil, err
	}
	h := &groupHandle{entry: entry, keys: keys}
	if len(keys.AllKeys()) == 0 {
		return h, nil
	}
	if err := p.restoreStore(state.NamespaceGroupInfo, owner, func(dump []byte) (err error) {
		h.info, err = state.NewGroupInfo(p.config, p.clock, entry.ID, keys, dump)
		return
	}); err != nil {
		return nil, err
	}
	if err := p.restoreStore(state.NamespaceGroupMembers, owner, func(dump []byte) (err error) {
		h.members, err = state.NewGroupMembers(p.config, p.clock, entry.ID, keys, dump)
		return
	}); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Plait) handle(groupID ids.GroupID) *groupHandle {
	p.groupsLock.Lock()
	defer p.groupsLock.Unlock()
	return p.groups[groupID]
}

// persistStore saves the store's dump and schedules a push if it diverges
// from server state. Must be called inside a Run scope; the push submits
// after commit so a rollback never leaks unpersisted state to the swarm.
func (p *Plait) persistStore(owner string, ns state.Namespace, s configStore) error {
	if s.NeedsPush() {
		pd, err := s.Push()
		if err != nil {
			return err
		}
		p.DB.AfterCommit(func() {
			if _, err := p.transport.Submit(owner, ns, pd.Payload, pd.Seqno); err != nil {
				p.log.Warnf("submitting %s/%s: %v", owner, ns, err)
			}
		})
	}
	if s.NeedsDump() {
		blob, err := s.Dump()
		if err != nil {
			return err
		}
		if err := p.recon.SaveDump(ns, owner, p.clock.CurrentTimeMs(), blob); err != nil {
			return err
		}
	}
	return nil
}

// persistKeys is persistStore for the group-keys sub-engine: every pending
// keys message must reach the swarm individually, so they bypass the
// debounced queue.
func (p *Plait) persistKeys(h *groupHandle) error {
	owner := string(h.keys.GroupID())
	for _, pd := range h.keys.PendingPushes() {
		pd := pd
		p.DB.AfterCommit(func() {
			if _, err := p.transport.SubmitImmediate(owner, state.NamespaceGroupKeys, pd.Payload, pd.Seqno); err != nil {
				p.log.Warnf("submitting keys for %s: %v", owner, err)
			}
		})
	}
	if h.keys.NeedsDump() {
		blob, err := h.keys.Dump()
		if err != nil {
			return err
		}
		if err := p.recon.SaveDump(state.NamespaceGroupKeys, owner, p.clock.CurrentTimeMs(), blob); err != nil {
			return err
		}
	}
	return nil
}

// Profile operations.

func (p *Plait) ProfileName() string {
	p.userLock.Lock()
	defer p.userLock.Unlock()
	return p.profile.Name()
}

func (p *Plait) SetProfileName(name string) error {
	return p.mutateUser("set profile name", func() error {
		if err := p.profile.SetName(name); err != nil {
			return err
		}
		if err := p.recon.ApplyUserProfile(string(p.accountID), p.profile); err != nil {
			return err
		}
		return p.persistStore(string(p.accountID), state.NamespaceUserProfile, p.profile)
	})
}

func (p *Plait) SetProfilePic(pic state.Pic) error {
	return p.mutateUser("set profile pic", func() error {
		if err := p.profile.SetPic(pic); err != nil {
			return err
		}
		if err := p.recon.ApplyUserProfile(string(p.accountID), p.profile); err != nil {
			return err
		}
		return p.persistStore(string(p.accountID), state.NamespaceUserProfile, p.profile)
	})
}

// Contact operations.

func (p *Plait) Contact(id ids.AccountID) (*state.Contact, bool) {
	p.userLock.Lock()
	defer p.userLock.Unlock()
	return p.contacts.Get(id)
}

func (p *Plait) Contacts() ([]*state.Contact, error) {
	p.userLock.Lock()
	defer p.userLock.Unlock()
	return p.contacts.All()
}

func (p *Plait) SetContact(ct *state.Contact) error {
	return p.mutateUser("set contact", func() error {
		if err := p.contacts.Set(ct); err != nil {
			return err
		}
		if err := p.recon.ApplyContacts(p.contacts); err != nil {
			return err
		}
		return p.persistStore(string(p.accountID), state.NamespaceContacts, p.contacts)
	})
}

// SetContactAsOf applies an edit carrying its own logical timestamp, e.g. one
// replayed from an import or a queued offline change. Edits older than the
// buffering window land in the local table only and are not written back into
// config, so they cannot clobber a fresher remote update. Reports whether the
// edit entered config state.
func (p *Plait) SetContactAsOf(ct *state.Contact, editMs uint64) (bool, error) {
	applied := false
	err := p.mutateUser("set contact as of", func() error {
		if p.recon.FreshEnough(p.contacts.LastAppliedMs(), editMs) {
			applied = true
			if err := p.contacts.Set(ct); err != nil {
				return err
			}
			if err := p.recon.ApplyContacts(p.contacts); err != nil {
				return err
			}
			return p.persistStore(string(p.accountID), state.NamespaceContacts, p.contacts)
		}
		return p.recon.UpsertContactRow(ct, editMs)
	})
	return applied, err
}

// EraseContact tombstones the contact. Erasing an account that was never a
// contact is rejected with state.ErrNotFound before anything mutates.
func (p *Plait) EraseContact(id ids.AccountID) error {
	return p.mutateUser("erase contact", func() error {
		if !p.contacts.Erase(id) {
			return state.ErrNotFound
		}
		if err := p.recon.ApplyContacts(p.contacts); err != nil {
			return err
		}
		return p.persistStore(string(p.accountID), state.NamespaceContacts, p.contacts)
	})
}

// Conversation operations.

// SetLastRead advances a conversation's read cursor. Reports whether the
// cursor actually moved; it never moves backwards.
func (p *Plait) SetLastRead(convo string, ms uint64) (bool, error) {
	advanced := false
	err := p.mutateUser("set last read", func() error {
		var err error
		if advanced, err = p.convos.SetLastRead(convo, ms); err != nil {
			return err
		}
		if !advanced {
			return nil
		}
		if err := p.recon.ApplyConvos(p.convos); err != nil {
			return err
		}
		return p.persistStore(string(p.accountID), state.NamespaceConvoInfoVolatile, p.convos)
	})
	return advanced, err
}

func (p *Plait) Convo(key string) (*state.Convo, bool) {
	p.userLock.Lock()
	defer p.userLock.Unlock()
	return p.convos.Get(key)
}

// Community operations.

func (p *Plait) SetCommunity(e *state.CommunityEntry) error {
	return p.mutateUser("set community", func() error {
		if err := p.userGroups.SetCommunity(e); err != nil {
			return err
		}
		if err := p.recon.ApplyUserGroups(p.userGroups); err != nil {
			return err
		}
		return p.persistStore(string(p.accountID), state.NamespaceUserGroups, p.userGroups)
	})
}

func (p *Plait) Communities() ([]*state.CommunityEntry, error) {
	p.userLock.Lock()
	defer p.userLock.Unlock()
	return p.userGroups.AllCommunities()
}

// Message operations.

// AddMessage records a received or sent conversation message and returns its
// local id. serverHash may be empty when the message has no swarm presence.
func (p *Plait) AddMessage(convo string, body []byte, hasAttachment bool, serverHash string) (string, error) {
	if p.state != StateRunning {
		return "", ErrNotRunning
	}
	id := uuid.NewString()
	err := p.DB.Run("add message", func() error {
		return p.recon.InsertMessage(id, convo, body, p.clock.CurrentTimeMs(), hasAttachment, serverHash)
	})
	return id, err
}

func (p *Plait) MessageCount(convo string) (int, error) {
	var count int
	err := p.DB.RunReadOnly("count messages", func() error {
		var err error
		count, err = p.recon.MessageCount(convo)
		return err
	})
	return count, err
}

func (p *Plait) HasMessage(id string) (bool, error) {
	var has bool
	err := p.DB.RunReadOnly("has message", func() error {
		var err error
		has, err = p.recon.HasMessage(id)
		return err
	})
	return has, err
}

// Group operations.

// CreateGroup atomically initializes key, info and members namespaces for a
// fresh group with the caller as its first admin, plus the user-groups entry
// holding the admin secret. A GroupCreated update carrying the secret follows
// so it can be handed to co-admins.
func (p *Plait) CreateGroup(name string) (ids.GroupID, error) {
	if p.state != StateRunning {
		return "", ErrNotRunning
	}
	groupPriv := make([]byte, 32)
	if _, err := rand.Read(groupPriv); err != nil {
		return "", err
	}
	groupPub, err := curve25519.X25519(groupPriv, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	groupID := ids.GroupIDFromKey(groupPub)

	keys, err := state.NewGroupKeys(p.config, p.clock, groupID, p.accountID, p.accountPriv, groupPriv, nil)
	if err != nil {
		return "", err
	}
	if _, err := keys.Rekey([]ids.AccountID{p.accountID}); err != nil {
		return "", err
	}
	info, err := state.NewGroupInfo(p.config, p.clock, groupID, keys, nil)
	if err != nil {
		return "", err
	}
	if err := info.SetName(name); err != nil {
		return "", err
	}
	if err := info.SetFormedMs(p.clock.CurrentTimeMs()); err != nil {
		return "", err
	}
	members, err := state.NewGroupMembers(p.config, p.clock, groupID, keys, nil)
	if err != nil {
		return "", err
	}
	if err := members.Set(&state.Member{ID: p.accountID, Admin: true}); err != nil {
		return "", err
	}
	entry := &state.GroupEntry{
		ID:       groupID,
		Name:     name,
		JoinedMs: p.clock.CurrentTimeMs(),
		AdminKey: groupPriv,
	}
	h := &groupHandle{entry: entry, keys: keys, info: info, members: members}

	p.userLock.Lock()
	defer p.userLock.Unlock()
	if err := p.DB.Run("create group", func() error {
		if err := p.userGroups.SetGroup(entry); err != nil {
			return err
		}
		if err := p.recon.ApplyUserGroups(p.userGroups); err != nil {
			return err
		}
		if _, err := p.recon.ApplyGroupInfo(info, true); err != nil {
			return err
		}
		if err := p.recon.ApplyGroupMembers(members); err != nil {
			return err
		}
		owner := string(groupID)
		if err := p.persistStore(string(p.accountID), state.NamespaceUserGroups, p.userGroups); err != nil {
			return err
		}
		if err := p.persistStore(owner, state.NamespaceGroupInfo, info); err != nil {
			return err
		}
		if err := p.persistStore(owner, state.NamespaceGroupMembers, members); err != nil {
			return err
		}
		return p.persistKeys(h)
	}); err != nil {
		return "", err
	}

	p.groupsLock.Lock()
	p.groups[groupID] = h
	p.groupsLock.Unlock()
	p.emit(&GroupCreated{ID: groupID, SecretKey: groupPriv})
	return groupID, nil
}

// JoinGroup registers membership in a group learned out of band. Key material
// arrives on the next Sync; until then the group's config namespaces are
// unreadable.
func (p *Plait) JoinGroup(groupID ids.GroupID, name string, authData []byte) error {
	if p.state != StateRunning {
		return ErrNotRunning
	}
	entry := &state.GroupEntry{
		ID:       groupID,
		Name:     name,
		JoinedMs: p.clock.CurrentTimeMs(),
		AuthData: authData,
	}
	p.userLock.Lock()
	defer p.userLock.Unlock()
	var h *groupHandle
	if err := p.DB.Run("join group", func() error {
		if err := p.userGroups.SetGroup(entry); err != nil {
			return err
		}
		if err := p.recon.ApplyUserGroups(p.userGroups); err != nil {
			return err
		}
		var err error
		if h, err = p.buildHandle(entry); err != nil {
			return err
		}
		return p.persistStore(string(p.accountID), state.NamespaceUserGroups, p.userGroups)
	}); err != nil {
		return err
	}
	p.groupsLock.Lock()
	p.groups[groupID] = h
	p.groupsLock.Unlock()
	return nil
}

// AcceptPromotion upgrades the caller to admin of a group using a secret
// received from an existing admin.
func (p *Plait) AcceptPromotion(groupID ids.GroupID, secretKey []byte) error {
	h := p.handle(groupID)
	if h == nil {
		return ErrUnknownGroup
	}
	p.userLock.Lock()
	defer p.userLock.Unlock()
	h.lock.Lock()
	defer h.lock.Unlock()
	return p.DB.Run("accept promotion", func() error {
		entry := p.userGroups.GetOrConstructGroup(groupID)
		entry.AdminKey = secretKey
		if err := p.userGroups.SetGroup(entry); err != nil {
			return err
		}
		if err := p.recon.ApplyUserGroups(p.userGroups); err != nil {
			return err
		}
		keys, err := state.NewGroupKeys(p.config, p.clock, groupID, p.accountID, p.accountPriv, secretKey, nil)
		if err != nil {
			return err
		}
		dump, err := h.keys.Dump()
		if err != nil {
			return err
		}
		if err := keys.LoadDump(dump); err != nil {
			return err
		}
		h.entry = entry
		h.keys = keys
		return p.persistStore(string(p.accountID), state.NamespaceUserGroups, p.userGroups)
	})
}

func (p *Plait) Groups() ([]*state.GroupEntry, error) {
	p.userLock.Lock()
	defer p.userLock.Unlock()
	return p.userGroups.AllGroups()
}

func (p *Plait) GroupName(groupID ids.GroupID) (string, error) {
	h := p.handle(groupID)
	if h == nil {
		return "", ErrUnknownGroup
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.info == nil {
		return "", state.ErrNoGroupKeys
	}
	return h.info.Name(), nil
}

func (p *Plait) SetGroupName(groupID ids.GroupID, name string) error {
	return p.mutateGroupInfo(groupID, "set group name", func(h *groupHandle) error {
		return h.info.SetName(name)
	})
}

// SetGroupDeleteBefore instructs every member to delete messages sent before
// the given time, expressed in whole seconds.
func (p *Plait) SetGroupDeleteBefore(groupID ids.GroupID, secs uint64) error {
	return p.mutateGroupInfo(groupID, "set delete before", func(h *groupHandle) error {
		return h.info.SetDeleteBefore(secs * 1000)
	})
}

// SetGroupAttachDeleteBefore is SetGroupDeleteBefore restricted to messages
// with attachments.
func (p *Plait) SetGroupAttachDeleteBefore(groupID ids.GroupID, secs uint64) error {
	return p.mutateGroupInfo(groupID, "set attach delete before", func(h *groupHandle) error {
		return h.info.SetAttachDeleteBefore(secs * 1000)
	})
}

// AddGroupMember admits an account to the group: a roster entry plus a key
// supplement so the newcomer can read existing config and history keys.
// Admin-only.
func (p *Plait) AddGroupMember(groupID ids.GroupID, memberID ids.AccountID, name string) error {
	h := p.handle(groupID)
	if h == nil {
		return ErrUnknownGroup
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.members == nil {
		return state.ErrNoGroupKeys
	}
	if !h.keys.IsAdmin() {
		return state.ErrNotAdmin
	}
	return p.DB.Run("add group member", func() error {
		if err := h.members.Set(&state.Member{ID: memberID, Name: name, Invited: state.Pending}); err != nil {
			return err
		}
		if err := h.keys.KeySupplement([]ids.AccountID{memberID}); err != nil {
			return err
		}
		if err := p.recon.ApplyGroupMembers(h.members); err != nil {
			return err
		}
		if err := p.persistStore(string(groupID), state.NamespaceGroupMembers, h.members); err != nil {
			return err
		}
		return p.persistKeys(h)
	})
}

// RemoveGroupMember marks a member removed and rotates the group keys so the
// next generation excludes them. purge additionally asks members to delete
// the removed account's message history. Admin-only; removing an account
// that is not on the roster is state.ErrNotFound and changes nothing.
func (p *Plait) RemoveGroupMember(groupID ids.GroupID, memberID ids.AccountID, purge bool) error {
	h := p.handle(groupID)
	if h == nil {
		return ErrUnknownGroup
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.members == nil {
		return state.ErrNoGroupKeys
	}
	if !h.keys.IsAdmin() {
		return state.ErrNotAdmin
	}
	mem, ok := h.members.Get(memberID)
	if !ok {
		return state.ErrNotFound
	}
	return p.DB.Run("remove group member", func() error {
		mem.Removed = state.Pending
		if purge {
			mem.Removed = state.Failed
		}
		if err := h.members.Set(mem); err != nil {
			return err
		}
		remaining, err := p.activeMemberIDs(h)
		if err != nil {
			return err
		}
		if _, err := h.keys.Rekey(remaining); err != nil {
			return err
		}
		if err := h.info.RefreshKeys(h.keys); err != nil {
			return err
		}
		if err := h.members.RefreshKeys(h.keys); err != nil {
			return err
		}
		if err := p.recon.ApplyGroupMembers(h.members); err != nil {
			return err
		}
		if err := p.persistStore(string(groupID), state.NamespaceGroupMembers, h.members); err != nil {
			return err
		}
		return p.persistKeys(h)
	})
}

// DestroyGroup marks the group permanently dead in both its own config and the
// user-groups entry. The flag propagates to every member on their next sync.
func (p *Plait) DestroyGroup(groupID ids.GroupID) error {
	h := p.handle(groupID)
	if h == nil {
		return ErrUnknownGroup
	}
	p.userLock.Lock()
	defer p.userLock.Unlock()
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.info == nil {
		return state.ErrNoGroupKeys
	}
	if !h.keys.IsAdmin() {
		return state.ErrNotAdmin
	}
	return p.DB.Run("destroy group", func() error {
		if err := h.info.Destroy(); err != nil {
			return err
		}
		entry := p.userGroups.GetOrConstructGroup(groupID)
		entry.Destroyed = true
		if err := p.userGroups.SetGroup(entry); err != nil {
			return err
		}
		if err := p.recon.ApplyUserGroups(p.userGroups); err != nil {
			return err
		}
		if _, err := p.recon.ApplyGroupInfo(h.info, true); err != nil {
			return err
		}
		if err := p.persistStore(string(p.accountID), state.NamespaceUserGroups, p.userGroups); err != nil {
			return err
		}
		return p.persistStore(string(groupID), state.NamespaceGroupInfo, h.info)
	})
}

func (p *Plait) activeMemberIDs(h *groupHandle) ([]ids.AccountID, error) {
	all, err := h.members.All()
	if err != nil {
		return nil, err
	}
	active := make([]ids.AccountID, 0, len(all))
	for _, m := range all {
		if m.Removed == state.NotPending {
			active = append(active, m.ID)
		}
	}
	return active, nil
}

// Sync pulls new config messages for every namespace, merges them, reconciles
// the relational tables and pushes back anything that diverged.
func (p *Plait) Sync(ctx context.Context) error {
	if p.state != StateRunning {
		return ErrNotRunning
	}
	if err := p.syncUser(ctx); err != nil {
		return err
	}
	p.groupsLock.Lock()
	groupIDs := maps.Keys(p.groups)
	p.groupsLock.Unlock()
	for _, groupID := range groupIDs {
		if err := p.syncGroup(ctx, groupID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plait) syncUser(ctx context.Context) error {
	owner := string(p.accountID)
	profRem, profNewest, err := p.fetch(ctx, owner, state.NamespaceUserProfile)
	if err != nil {
		return err
	}
	contactRem, contactNewest, err := p.fetch(ctx, owner, state.NamespaceContacts)
	if err != nil {
		return err
	}
	convoRem, convoNewest, err := p.fetch(ctx, owner, state.NamespaceConvoInfoVolatile)
	if err != nil {
		return err
	}
	groupRem, groupNewest, err := p.fetch(ctx, owner, state.NamespaceUserGroups)
	if err != nil {
		return err
	}

	p.userLock.Lock()
	defer p.userLock.Unlock()
	err = p.DB.Run("sync user", func() error {
		if _, err := p.profile.Merge(profRem); err != nil {
			return err
		}
		if err := p.recon.ApplyUserProfile(owner, p.profile); err != nil {
			return err
		}
		if err := p.persistStore(owner, state.NamespaceUserProfile, p.profile); err != nil {
			return err
		}

		if _, err := p.contacts.Merge(contactRem); err != nil {
			return err
		}
		if err := p.recon.ApplyContacts(p.contacts); err != nil {
			return err
		}
		if err := p.persistStore(owner, state.NamespaceContacts, p.contacts); err != nil {
			return err
		}

		if _, err := p.convos.Merge(convoRem); err != nil {
			return err
		}
		if err := p.recon.ApplyConvos(p.convos); err != nil {
			return err
		}
		if err := p.persistStore(owner, state.NamespaceConvoInfoVolatile, p.convos); err != nil {
			return err
		}

		if _, err := p.userGroups.Merge(groupRem); err != nil {
			return err
		}
		if err := p.recon.ApplyUserGroups(p.userGroups); err != nil {
			return err
		}
		if err := p.persistStore(owner, state.NamespaceUserGroups, p.userGroups); err != nil {
			return err
		}
		return p.adoptGroups()
	})
	if err != nil {
		return err
	}
	p.advanceCursor(owner, state.NamespaceUserProfile, profNewest)
	p.advanceCursor(owner, state.NamespaceContacts, contactNewest)
	p.advanceCursor(owner, state.NamespaceConvoInfoVolatile, convoNewest)
	p.advanceCursor(owner, state.NamespaceUserGroups, groupNewest)
	return nil
}

// adoptGroups builds handles for groups newly learned from a user-groups
// merge, typically entries created on another device of the same account.
// Must be called inside a Run scope.
func (p *Plait) adoptGroups() error {
	entries, err := p.userGroups.AllGroups()
	if err != nil {
		return err
	}
	p.groupsLock.Lock()
	defer p.groupsLock.Unlock()
	for _, entry := range entries {
		if _, ok := p.groups[entry.ID]; ok {
			continue
		}
		h, err := p.buildHandle(entry)
		if err != nil {
			return err
		}
		p.groups[entry.ID] = h
	}
	return nil
}

func (p *Plait) syncGroup(ctx context.Context, groupID ids.GroupID) error {
	owner := string(groupID)
	keysRem, keysNewest, err := p.fetch(ctx, owner, state.NamespaceGroupKeys)
	if err != nil {
		return err
	}
	infoRem, infoNewest, err := p.fetch(ctx, owner, state.NamespaceGroupInfo)
	if err != nil {
		return err
	}
	memRem, memNewest, err := p.fetch(ctx, owner, state.NamespaceGroupMembers)
	if err != nil {
		return err
	}
	h := p.handle(groupID)
	if h == nil {
		return nil
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	var expired []string
	mergedConfigs := false
	if err := p.DB.Run("sync group", func() error {
		applied, err := h.keys.Merge(keysRem)
		if err != nil {
			return err
		}
		if h.info == nil && len(h.keys.AllKeys()) > 0 {
			if h.info, err = state.NewGroupInfo(p.config, p.clock, groupID, h.keys, nil); err != nil {
				return err
			}
			if h.members, err = state.NewGroupMembers(p.config, p.clock, groupID, h.keys, nil); err != nil {
				return err
			}
		} else if h.info != nil && applied > 0 {
			if err := h.info.RefreshKeys(h.keys); err != nil {
				return err
			}
			if err := h.members.RefreshKeys(h.keys); err != nil {
				return err
			}
		}
		if h.info == nil {
			return p.persistKeys(h)
		}

		if _, err := h.info.Merge(infoRem); err != nil {
			return err
		}
		if _, err := h.members.Merge(memRem); err != nil {
			return err
		}
		mergedConfigs = true

		admin := h.keys.IsAdmin()
		// Two admins who rekeyed concurrently converge here: the next rekey is
		// derived from the colliding keys themselves, so both sides produce
		// the identical generation and stop.
		if admin && h.keys.NeedsRekey() {
			members, err := p.activeMemberIDs(h)
			if err != nil {
				return err
			}
			if _, err := h.keys.Rekey(members); err != nil {
				return err
			}
			if err := h.info.RefreshKeys(h.keys); err != nil {
				return err
			}
			if err := h.members.RefreshKeys(h.keys); err != nil {
				return err
			}
		}

		if expired, err = p.recon.ApplyGroupInfo(h.info, admin); err != nil {
			return err
		}
		if err := p.recon.ApplyGroupMembers(h.members); err != nil {
			return err
		}
		if err := p.persistStore(owner, state.NamespaceGroupInfo, h.info); err != nil {
			return err
		}
		if err := p.persistStore(owner, state.NamespaceGroupMembers, h.members); err != nil {
			return err
		}
		return p.persistKeys(h)
	}); err != nil {
		return err
	}
	p.advanceCursor(owner, state.NamespaceGroupKeys, keysNewest)
	// Until keys arrive the info and members buckets go unconsumed; their
	// cursors hold so the next sync replays those messages.
	if mergedConfigs {
		p.advanceCursor(owner, state.NamespaceGroupInfo, infoNewest)
		p.advanceCursor(owner, state.NamespaceGroupMembers, memNewest)
	}

	if len(expired) != 0 {
		if err := p.transport.DeleteMessages(ctx, owner, state.NamespaceDefault, expired); err != nil {
			p.log.Warnf("deleting expired messages for %s: %v", owner, err)
		}
	}
	return nil
}

// fetch pulls a bucket's new messages and reports the newest timestamp seen.
// It never moves the cursor itself: the caller advances it only after the
// merge that consumed the messages has committed, so a rolled-back sync
// retries the same messages instead of skipping them. Cursors reset on
// restart; re-merging old messages is idempotent.
func (p *Plait) fetch(ctx context.Context, owner string, ns state.Namespace) ([]state.RemoteConfig, uint64, error) {
	p.cursorLock.Lock()
	since := p.cursors[cursorKey(owner, ns)]
	p.cursorLock.Unlock()

	remotes, err := p.transport.Fetch(ctx, owner, ns, since)
	if err != nil {
		return nil, 0, err
	}
	newest := since
	for _, r := range remotes {
		if r.TimestampMs > newest {
			newest = r.TimestampMs
		}
	}
	return remotes, newest, nil
}

func (p *Plait) advanceCursor(owner string, ns state.Namespace, newest uint64) {
	key := cursorKey(owner, ns)
	p.cursorLock.Lock()
	if newest > p.cursors[key] {
		p.cursors[key] = newest
	}
	p.cursorLock.Unlock()
}

func cursorKey(owner string, ns state.Namespace) string {
	return fmt.Sprintf("%s/%d", owner, ns)
}

func (p *Plait) mutateUser(label string, fn func() error) error {
	if p.state != StateRunning {
		return ErrNotRunning
	}
	p.userLock.Lock()
	defer p.userLock.Unlock()
	return p.DB.Run(label, fn)
}

func (p *Plait) mutateGroupInfo(groupID ids.GroupID, label string, fn func(*groupHandle) error) error {
	if p.state != StateRunning {
		return ErrNotRunning
	}
	h := p.handle(groupID)
	if h == nil {
		return ErrUnknownGroup
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.info == nil {
		return state.ErrNoGroupKeys
	}
	return p.DB.Run(label, func() error {
		if err := fn(h); err != nil {
			return err
		}
		if _, err := p.recon.ApplyGroupInfo(h.info, h.keys.IsAdmin()); err != nil {
			return err
		}
		return p.persistStore(string(groupID), state.NamespaceGroupInfo, h.info)
	})
}

func (p *Plait) startUpdatePassing(ctx context.Context) {
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-p.transport.Updates():
				if c, ok := u.(transport.Confirmation); ok {
					p.handleConfirmation(c)
				}
				select {
				case <-ctx.Done():
					return
				case p.updates <- u:
				}
			}
		}
	}()
}

func (p *Plait) handleConfirmation(c transport.Confirmation) {
	switch c.Namespace {
	case state.NamespaceUserProfile, state.NamespaceContacts, state.NamespaceConvoInfoVolatile, state.NamespaceUserGroups:
		if c.Owner != string(p.accountID) {
			return
		}
		p.userLock.Lock()
		defer p.userLock.Unlock()
		var s configStore
		switch c.Namespace {
		case state.NamespaceUserProfile:
			s = p.profile
		case state.NamespaceContacts:
			s = p.contacts
		case state.NamespaceConvoInfoVolatile:
			s = p.convos
		case state.NamespaceUserGroups:
			s = p.userGroups
		}
		if err := p.DB.Run("confirm push", func() error {
			s.ConfirmPushed(c.Seqno)
			if !s.NeedsDump() {
				return nil
			}
			blob, err := s.Dump()
			if err != nil {
				return err
			}
			return p.recon.SaveDump(c.Namespace, c.Owner, p.clock.CurrentTimeMs(), blob)
		}); err != nil {
			p.log.Warnf("confirming push %s: %v", c.ID, err)
		}
	case state.NamespaceGroupInfo, state.NamespaceGroupMembers, state.NamespaceGroupKeys:
		h := p.handle(ids.GroupID(c.Owner))
		if h == nil {
			return
		}
		h.lock.Lock()
		defer h.lock.Unlock()
		if err := p.DB.Run("confirm group push", func() error {
			switch c.Namespace {
			case state.NamespaceGroupKeys:
				h.keys.ConfirmPushed(c.Seqno)
				if !h.keys.NeedsDump() {
					return nil
				}
				blob, err := h.keys.Dump()
				if err != nil {
					return err
				}
				return p.recon.SaveDump(c.Namespace, c.Owner, p.clock.CurrentTimeMs(), blob)
			case state.NamespaceGroupInfo:
				if h.info == nil {
					return nil
				}
				h.info.ConfirmPushed(c.Seqno)
				return p.persistStore(c.Owner, c.Namespace, h.info)
			default:
				if h.members == nil {
					return nil
				}
				h.members.ConfirmPushed(c.Seqno)
				return p.persistStore(c.Owner, c.Namespace, h.members)
			}
		}); err != nil {
			p.log.Warnf("confirming group push %s: %v", c.ID, err)
		}
	}
}

func (p *Plait) emit(u interface{}) {
	select {
	case p.updates <- u:
	default:
		p.log.Warnf("updates channel full, dropping %T", u)
	}
}
