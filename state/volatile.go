package state

import (
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/record"
)

// Per-conversation ephemera: the last-read cursor and the manual unread flag.
// The cursor merges by maximum rather than last-write-wins so a device that
// was offline can never rewind read state another device advanced.
type Convo struct {
	Key        string
	LastReadMs uint64
	Unread     bool
}

type ConvoInfoVolatile struct {
	*Store
}

func NewConvoInfoVolatile(c *config.Config, cl clock.Clock, seed []byte, dump []byte) (*ConvoInfoVolatile, error) {
	s := newStore(c, cl, NamespaceConvoInfoVolatile, map[string]bool{
		record.FieldLastReadMs: true,
	})
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
	return &ConvoInfoVolatile{Store: s}, nil
}

func (v *ConvoInfoVolatile) Get(key string) (*Convo, bool) {
	r, ok := v.Store.Get(key)
	if !ok {
		return nil, false
	}
	return ConvoFromRecord(r), true
}

func (v *ConvoInfoVolatile) GetOrConstruct(key string) *Convo {
	return ConvoFromRecord(v.Store.GetOrConstruct(key))
}

// SetLastRead only moves the cursor forward. Returns true if it advanced.
func (v *ConvoInfoVolatile) SetLastRead(key string, ms uint64) (bool, error) {
	r := v.Store.GetOrConstruct(key)
	if ms <= r.Uint64(record.FieldLastReadMs) {
		return false, nil
	}
	r.SetUint64(record.FieldLastReadMs, ms, v.clock.CurrentTimeMs())
	return true, v.Store.Set(r)
}

func (v *ConvoInfoVolatile) SetUnread(key string, unread bool) error {
	r := v.Store.GetOrConstruct(key)
	putBool(r, record.FieldUnread, unread, v.clock.CurrentTimeMs())
	return v.Store.Set(r)
}

func (v *ConvoInfoVolatile) Erase(key string) bool {
	return v.Store.Erase(key)
}

func (v *ConvoInfoVolatile) All() ([]*Convo, error) {
	out := make([]*Convo, 0, v.Size())
	err := v.Iterate(func(r *record.Record) error {
		out = append(out, ConvoFromRecord(r))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func ConvoFromRecord(r *record.Record) *Convo {
	return &Convo{
		Key:        r.Key,
		LastReadMs: r.Uint64(record.FieldLastReadMs),
		Unread:     r.Bool(record.FieldUnread),
	}
}
