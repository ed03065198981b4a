package state

import (
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/record"
)

const profileKey = "profile"

// The user-profile namespace holds a single record with the account's own
// display name, picture, note-to-self settings, and synced booleans.
type UserProfile struct {
	*Store
}

func NewUserProfile(c *config.Config, cl clock.Clock, seed []byte, dump []byte) (*UserProfile, error) {
	s := newStore(c, cl, NamespaceUserProfile, nil)
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
	return &UserProfile{Store: s}, nil
}

func (u *UserProfile) Name() string {
	r, ok := u.Store.Get(profileKey)
	if !ok {
		return ""
	}
	return r.String(record.FieldName)
}

// SetName with an empty string removes the name.
func (u *UserProfile) SetName(name string) error {
	return u.mutate(func(r *record.Record, ts uint64) {
		putString(r, record.FieldName, name, ts)
	})
}

func (u *UserProfile) Pic() Pic {
	r, ok := u.Store.Get(profileKey)
	if !ok {
		return Pic{}
	}
	return getPic(r)
}

func (u *UserProfile) SetPic(pic Pic) error {
	return u.mutate(func(r *record.Record, ts uint64) {
		putPic(r, pic, ts)
	})
}

// NoteToSelfPriority orders the self-conversation like any other: negative
// hides it, zero shows it unpinned, positive pins it.
func (u *UserProfile) NoteToSelfPriority() int64 {
	r, ok := u.Store.Get(profileKey)
	if !ok {
		return 0
	}
	return r.Int64(record.FieldPriority)
}

func (u *UserProfile) SetNoteToSelfPriority(priority int64) error {
	return u.mutate(func(r *record.Record, ts uint64) {
		putInt64(r, record.FieldPriority, priority, ts)
	})
}

func (u *UserProfile) NoteToSelfExpirySecs() uint64 {
	r, ok := u.Store.Get(profileKey)
	if !ok {
		return 0
	}
	return r.Uint64(record.FieldExpSeconds)
}

func (u *UserProfile) SetNoteToSelfExpirySecs(secs uint64) error {
	return u.mutate(func(r *record.Record, ts uint64) {
		putUint64(r, record.FieldExpSeconds, secs, ts)
	})
}

func (u *UserProfile) BlocksCommunityMessageRequests() bool {
	r, ok := u.Store.Get(profileKey)
	if !ok {
		return false
	}
	return r.Bool(record.FieldBlocksRequests)
}

func (u *UserProfile) SetBlocksCommunityMessageRequests(blocked bool) error {
	return u.mutate(func(r *record.Record, ts uint64) {
		putBool(r, record.FieldBlocksRequests, blocked, ts)
	})
}

func (u *UserProfile) mutate(fn func(*record.Record, uint64)) error {
	r := u.Store.GetOrConstruct(profileKey)
	fn(r, u.clock.CurrentTimeMs())
	return u.Store.Set(r)
}
