package state

import (
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/ids"
	"github.com/plait-im/go-plait/record"
)

const infoKey = "info"

// Shared group metadata: one record sealed under the group's generation keys.
// The namespace cannot be opened until at least one generation key has been
// recovered, since there is nothing it could encrypt or decrypt with.
type GroupInfo struct {
	*Store
	groupID ids.GroupID
}

func NewGroupInfo(c *config.Config, cl clock.Clock, groupID ids.GroupID, keys *GroupKeys, dump []byte) (*GroupInfo, error) {
	if _, err := ids.ParseGroupID(string(groupID)); err != nil {
		return nil, err
	}
	s := newStore(c, cl, NamespaceGroupInfo, nil)
	gi := &GroupInfo{Store: s, groupID: groupID}
	if err := gi.RefreshKeys(keys); err != nil {
		return nil, err
	}
	if dump != nil {
		if err := s.LoadDump(dump); err != nil {
			return nil, err
		}
	}
	return gi, nil
}

func (g *GroupInfo) GroupID() ids.GroupID {
	return g.groupID
}

// RefreshKeys re-hydrates the key ring after a rekey or key merge. The newest
// generation key becomes the encryption key; older ones stay for decryption.
func (g *GroupInfo) RefreshKeys(keys *GroupKeys) error {
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

func (g *GroupInfo) Name() string {
	return g.str(record.FieldName)
}

func (g *GroupInfo) SetName(name string) error {
	return g.mutate(func(r *record.Record, ts uint64) {
		putString(r, record.FieldName, name, ts)
	})
}

func (g *GroupInfo) Description() string {
	return g.str(record.FieldDescription)
}

func (g *GroupInfo) SetDescription(desc string) error {
	return g.mutate(func(r *record.Record, ts uint64) {
		putString(r, record.FieldDescription, desc, ts)
	})
}

func (g *GroupInfo) Pic() Pic {
	r, ok := g.Store.Get(infoKey)
	if !ok {
		return Pic{}
	}
	return getPic(r)
}

func (g *GroupInfo) SetPic(pic Pic) error {
	return g.mutate(func(r *record.Record, ts uint64) {
		putPic(r, pic, ts)
	})
}

func (g *GroupInfo) FormedMs() uint64 {
	return g.u64(record.FieldFormedMs)
}

func (g *GroupInfo) SetFormedMs(ms uint64) error {
	return g.mutate(func(r *record.Record, ts uint64) {
		putUint64(r, record.FieldFormedMs, ms, ts)
	})
}

func (g *GroupInfo) Expiry() DisappearPolicy {
	r, ok := g.Store.Get(infoKey)
	if !ok {
		return DisappearPolicy{}
	}
	return getExpiry(r)
}

func (g *GroupInfo) SetExpiry(p DisappearPolicy) error {
	return g.mutate(func(r *record.Record, ts uint64) {
		putExpiry(r, p, ts)
	})
}

// DeleteBefore instructs every member to delete messages sent before the
// returned timestamp, zero when unset.
func (g *GroupInfo) DeleteBefore() uint64 {
	return g.u64(record.FieldDeleteBefore)
}

func (g *GroupInfo) SetDeleteBefore(ms uint64) error {
	return g.mutate(func(r *record.Record, ts uint64) {
		putUint64(r, record.FieldDeleteBefore, ms, ts)
	})
}

// AttachDeleteBefore is DeleteBefore restricted to messages with attachments.
func (g *GroupInfo) AttachDeleteBefore() uint64 {
	return g.u64(record.FieldAttachDelBefore)
}

func (g *GroupInfo) SetAttachDeleteBefore(ms uint64) error {
	return g.mutate(func(r *record.Record, ts uint64) {
		putUint64(r, record.FieldAttachDelBefore, ms, ts)
	})
}

func (g *GroupInfo) Destroyed() bool {
	r, ok := g.Store.Get(infoKey)
	if !ok {
		return false
	}
	return r.Bool(record.FieldDestroyed)
}

// Destroy marks the group permanently dead. The flag only ever goes from
// false to true; there is no SetDestroyed(false).
func (g *GroupInfo) Destroy() error {
	return g.mutate(func(r *record.Record, ts uint64) {
		putBool(r, record.FieldDestroyed, true, ts)
	})
}

func (g *GroupInfo) str(field string) string {
	r, ok := g.Store.Get(infoKey)
	if !ok {
		return ""
	}
	return r.String(field)
}

func (g *GroupInfo) u64(field string) uint64 {
	r, ok := g.Store.Get(infoKey)
	if !ok {
		return 0
	}
	return r.Uint64(field)
}

func (g *GroupInfo) mutate(fn func(*record.Record, uint64)) error {
	r := g.Store.GetOrConstruct(infoKey)
	fn(r, g.clock.CurrentTimeMs())
	return g.Store.Set(r)
}
