package state

import (
	"bytes"

	"github.com/plait-im/go-plait/record"
)

// A display picture reference: the upload URL plus the symmetric key that
// decrypts it. Both must be present or the picture counts as unset.
type Pic struct {
	URL string
	Key []byte
}

func (p Pic) Empty() bool {
	return p.URL == "" || len(p.Key) == 0
}

type ExpiryMode int64

const (
	ExpiryModeNone ExpiryMode = iota
	ExpiryModeAfterSend
	ExpiryModeAfterRead
)

// A disappearing-message policy with the timestamp of its last change, which
// arbitrates between devices editing the policy concurrently.
type DisappearPolicy struct {
	Enabled       bool
	DurationSecs  uint64
	Mode          ExpiryMode
	LastChangedMs uint64
}

// One dimension of a member workflow: not pending, pending, or failed.
type TriState int64

const (
	NotPending TriState = 0
	Pending    TriState = 1
	Failed     TriState = 2
)

// Priority semantics shared by everything orderable: negative hides the
// conversation, zero is visible and unpinned, positive is a pin rank.
func ShouldBeVisible(priority int64) bool {
	return priority >= 0
}

// Field write helpers. Values only get a fresh timestamp when they actually
// change, so an unrelated save doesn't steal wins from remote edits. Writing
// an empty value removes the field.

func putString(r *record.Record, field, val string, ts uint64) {
	if val == "" {
		if r.Has(field) {
			r.Clear(field, ts)
		}
		return
	}
	if r.Has(field) && r.String(field) == val {
		return
	}
	r.SetString(field, val, ts)
}

func putBytes(r *record.Record, field string, val []byte, ts uint64) {
	if len(val) == 0 {
		if r.Has(field) {
			r.Clear(field, ts)
		}
		return
	}
	if r.Has(field) && bytes.Equal(r.Bytes(field), val) {
		return
	}
	r.SetBytes(field, val, ts)
}

func putInt64(r *record.Record, field string, val int64, ts uint64) {
	if r.Has(field) && r.Int64(field) == val {
		return
	}
	r.SetInt64(field, val, ts)
}

func putUint64(r *record.Record, field string, val uint64, ts uint64) {
	if r.Has(field) && r.Uint64(field) == val {
		return
	}
	r.SetUint64(field, val, ts)
}

func putBool(r *record.Record, field string, val bool, ts uint64) {
	if r.Has(field) && r.Bool(field) == val {
		return
	}
	r.SetBool(field, val, ts)
}

func putPic(r *record.Record, pic Pic, ts uint64) {
	if pic.Empty() {
		putString(r, record.FieldPicURL, "", ts)
		putBytes(r, record.FieldPicKey, nil, ts)
		return
	}
	putString(r, record.FieldPicURL, pic.URL, ts)
	putBytes(r, record.FieldPicKey, pic.Key, ts)
}

func getPic(r *record.Record) Pic {
	url := r.String(record.FieldPicURL)
	key := r.Bytes(record.FieldPicKey)
	if url == "" || len(key) == 0 {
		return Pic{}
	}
	return Pic{URL: url, Key: key}
}

func putExpiry(r *record.Record, p DisappearPolicy, ts uint64) {
	putBool(r, record.FieldExpEnabled, p.Enabled, ts)
	putUint64(r, record.FieldExpSeconds, p.DurationSecs, ts)
	putInt64(r, record.FieldExpMode, int64(p.Mode), ts)
	putUint64(r, record.FieldExpChangedMs, p.LastChangedMs, ts)
}

func getExpiry(r *record.Record) DisappearPolicy {
	return DisappearPolicy{
		Enabled:       r.Bool(record.FieldExpEnabled),
		DurationSecs:  r.Uint64(record.FieldExpSeconds),
		Mode:          ExpiryMode(r.Int64(record.FieldExpMode)),
		LastChangedMs: r.Uint64(record.FieldExpChangedMs),
	}
}
