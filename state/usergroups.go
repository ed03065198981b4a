package state

import (
	"strings"

	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/community"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/ids"
	"github.com/plait-im/go-plait/record"
)

// A group the account belongs to. AdminKey is the group's signing secret and
// is only present for admins; AuthData is the delegated credential issued to
// ordinary members. When both are present the admin key wins.
type GroupEntry struct {
	ID        ids.GroupID
	Name      string
	Priority  int64
	JoinedMs  uint64
	AdminKey  []byte
	AuthData  []byte
	Invited   bool
	Destroyed bool
}

func (g *GroupEntry) Visible() bool {
	return ShouldBeVisible(g.Priority)
}

func (g *GroupEntry) IsAdmin() bool {
	return len(g.AdminKey) > 0
}

// Credential returns the strongest authentication material held for the
// group, preferring the admin key over delegated auth data.
func (g *GroupEntry) Credential() []byte {
	if len(g.AdminKey) > 0 {
		return g.AdminKey
	}
	return g.AuthData
}

// A community the account has joined, identified by server plus room plus
// server pubkey. Stored under the composite community key.
type CommunityEntry struct {
	BaseURL   string
	Room      string
	PubKeyHex string
	Priority  int64
}

func (c *CommunityEntry) Visible() bool {
	return ShouldBeVisible(c.Priority)
}

func (c *CommunityEntry) URL() (string, error) {
	return community.URL(c.BaseURL, c.Room, c.PubKeyHex)
}

// The user-groups namespace tracks both group and community memberships in
// one store. Record keys self-describe the kind: group ids carry the group
// prefix, community keys embed the server URL.
type UserGroups struct {
	*Store
}

func NewUserGroups(c *config.Config, cl clock.Clock, seed []byte, dump []byte) (*UserGroups, error) {
	s := newStore(c, cl, NamespaceUserGroups, nil)
	key, err := deriveNamespaceKey(seed, s.namespace)
	if err != nil {
		return nil, err
	}
	if err := s.AddKey(key, true); err != nil {
		return nil, err
	}
	if dump != nil {
		if err := s.LoadDump(dump); err != nil {
			return nil, err
		}
	}
	return &UserGroups{Store: s}, nil
}

func (u *UserGroups) Group(id ids.GroupID) (*GroupEntry, bool) {
	r, ok := u.Store.Get(string(id))
	if !ok {
		return nil, false
	}
	return GroupEntryFromRecord(r), true
}

func (u *UserGroups) GetOrConstructGroup(id ids.GroupID) *GroupEntry {
	return GroupEntryFromRecord(u.Store.GetOrConstruct(string(id)))
}

func (u *UserGroups) SetGroup(g *GroupEntry) error {
	if _, err := ids.ParseGroupID(string(g.ID)); err != nil {
		return err
	}
	ts := u.clock.CurrentTimeMs()
	r := u.Store.GetOrConstruct(string(g.ID))
	putString(r, record.FieldName, g.Name, ts)
	putInt64(r, record.FieldPriority, g.Priority, ts)
	putUint64(r, record.FieldCreatedMs, g.JoinedMs, ts)
	putBytes(r, record.FieldAdminKey, g.AdminKey, ts)
	putBytes(r, record.FieldAuthData, g.AuthData, ts)
	putBool(r, record.FieldInvited, g.Invited, ts)
	putBool(r, record.FieldDestroyed, g.Destroyed, ts)
	return u.Store.Set(r)
}

func (u *UserGroups) EraseGroup(id ids.GroupID) bool {
	return u.Store.Erase(string(id))
}

func (u *UserGroups) Community(baseURL, room, pubKeyHex string) (*CommunityEntry, bool) {
	r, ok := u.Store.Get(ids.CommunityKey(baseURL, room, pubKeyHex))
	if !ok {
		return nil, false
	}
	return CommunityEntryFromRecord(r), true
}

func (u *UserGroups) SetCommunity(e *CommunityEntry) error {
	joinURL, err := community.URL(e.BaseURL, e.Room, e.PubKeyHex)
	if err != nil {
		return err
	}
	parsed := community.Parse(joinURL)
	if parsed == nil {
		return ErrInvalidCommunity
	}
	ts := u.clock.CurrentTimeMs()
	r := u.Store.GetOrConstruct(ids.CommunityKey(parsed.BaseURL, parsed.Room, parsed.PublicKey))
	putString(r, record.FieldCommunityURL, parsed.BaseURL, ts)
	putString(r, record.FieldCommunityRoom, parsed.Room, ts)
	putString(r, record.FieldCommunityKey, parsed.PublicKey, ts)
	putInt64(r, record.FieldPriority, e.Priority, ts)
	return u.Store.Set(r)
}

func (u *UserGroups) EraseCommunity(baseURL, room, pubKeyHex string) bool {
	return u.Store.Erase(ids.CommunityKey(baseURL, room, pubKeyHex))
}

func (u *UserGroups) AllGroups() ([]*GroupEntry, error) {
	out := make([]*GroupEntry, 0, u.Size())
	err := u.Iterate(func(r *record.Record) error {
		if strings.HasPrefix(r.Key, ids.GroupPrefix) {
			out = append(out, GroupEntryFromRecord(r))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (u *UserGroups) AllCommunities() ([]*CommunityEntry, error) {
	out := make([]*CommunityEntry, 0, u.Size())
	err := u.Iterate(func(r *record.Record) error {
		if !strings.HasPrefix(r.Key, ids.GroupPrefix) {
			out = append(out, CommunityEntryFromRecord(r))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func GroupEntryFromRecord(r *record.Record) *GroupEntry {
	return &GroupEntry{
		ID:        ids.GroupID(r.Key),
		Name:      r.String(record.FieldName),
		Priority:  r.Int64(record.FieldPriority),
		JoinedMs:  r.Uint64(record.FieldCreatedMs),
		AdminKey:  r.Bytes(record.FieldAdminKey),
		AuthData:  r.Bytes(record.FieldAuthData),
		Invited:   r.Bool(record.FieldInvited),
		Destroyed: r.Bool(record.FieldDestroyed),
	}
}

func CommunityEntryFromRecord(r *record.Record) *CommunityEntry {
	return &CommunityEntry{
		BaseURL:   r.String(record.FieldCommunityURL),
		Room:      r.String(record.FieldCommunityRoom),
		PubKeyHex: r.String(record.FieldCommunityKey),
		Priority:  r.Int64(record.FieldPriority),
	}
}
