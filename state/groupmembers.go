package state

import (
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/ids"
	"github.com/plait-im/go-plait/record"
)

// A group roster entry. Invited, Promoted and Removed are independent
// workflow dimensions: each is not-pending, pending, or failed. For Removed,
// Failed doubles as "remove and purge history".
type Member struct {
	ID       ids.AccountID
	Name     string
	Pic      Pic
	Admin    bool
	Invited  TriState
	Promoted TriState
	Removed  TriState
}

// PurgeHistory reports whether the member's messages should be deleted along
// with the membership.
func (m *Member) PurgeHistory() bool {
	return m.Removed == Failed
}

// The group-members namespace, sealed under the same generation keys as group
// info.
type GroupMembers struct {
	*Store
	groupID ids.GroupID
}

func NewGroupMembers(c *config.Config, cl clock.Clock, groupID ids.GroupID, keys *GroupKeys, dump []byte) (*GroupMembers, error) {
	if _, err := ids.ParseGroupID(string(groupID)); err != nil {
		return nil, err
	}
	s := newStore(c, cl, NamespaceGroupMembers, nil)
	gm := &GroupMembers{Store: s, groupID: groupID}
	if err := gm.RefreshKeys(keys); err != nil {
		return nil, err
	}
	if dump != nil {
		if err := s.LoadDump(dump); err != nil {
			return nil, err
		}
	}
	return gm, nil
}

func (g *GroupMembers) GroupID() ids.GroupID {
	return g.groupID
}

func (g *GroupMembers) RefreshKeys(keys *GroupKeys) error {
	all := keys.AllKeys()
	if len(all) == 0 {
		return ErrNoGroupKeys
	}
	for i := len(all) - 1; i >= 0; i-- {
		if err := g.AddKey(all[i], true); err != nil {
			return err
		}
	}
	return nil
}

func (g *GroupMembers) Get(id ids.AccountID) (*Member, bool) {
	r, ok := g.Store.Get(string(id))
	if !ok {
		return nil, false
	}
	return MemberFromRecord(r), true
}

func (g *GroupMembers) GetOrConstruct(id ids.AccountID) *Member {
	return MemberFromRecord(g.Store.GetOrConstruct(string(id)))
}

func (g *GroupMembers) Set(m *Member) error {
	if _, err := ids.ParseAccountID(string(m.ID)); err != nil {
		return err
	}
	ts := g.clock.CurrentTimeMs()
	r := g.Store.GetOrConstruct(string(m.ID))
	putString(r, record.FieldName, m.Name, ts)
	putPic(r, m.Pic, ts)
	putBool(r, record.FieldRole, m.Admin, ts)
	putInt64(r, record.FieldInvited, int64(m.Invited), ts)
	putInt64(r, record.FieldPromoted, int64(m.Promoted), ts)
	putInt64(r, record.FieldRemoved, int64(m.Removed), ts)
	return g.Store.Set(r)
}

func (g *GroupMembers) Erase(id ids.AccountID) bool {
	return g.Store.Erase(string(id))
}

func (g *GroupMembers) All() ([]*Member, error) {
	out := make([]*Member, 0, g.Size())
	err := g.Iterate(func(r *record.Record) error {
		out = append(out, MemberFromRecord(r))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Admins returns the members carrying the admin role, in id order.
func (g *GroupMembers) Admins() ([]*Member, error) {
	all, err := g.All()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.Admin {
			out = append(out, m)
		}
	}
	return out, nil
}

func MemberFromRecord(r *record.Record) *Member {
	return &Member{
		ID:       ids.AccountID(r.Key),
		Name:     r.String(record.FieldName),
		Pic:      getPic(r),
		Admin:    r.Bool(record.FieldRole),
		Invited:  TriState(r.Int64(record.FieldInvited)),
		Promoted: TriState(r.Int64(record.FieldPromoted)),
		Removed:  TriState(r.Int64(record.FieldRemoved)),
	}
}
