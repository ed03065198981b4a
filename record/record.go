// This package defines the flat keyed record format used for one
// conversation, contact, group or setting entity. Each field carries its own
// write timestamp so that two divergent copies of a record can be folded
// together field by field.
package record

import (
	"bytes"
	"strconv"
)

// A single field value plus the timestamp of the write that produced it. A
// tombstone marks a field (or whole record) as erased at that time.
type Cell struct {
	TimeMs uint64
	Tomb   bool
	Value  []byte
}

// A Record is the field set for one entity, keyed by a stable identity
// string.
type Record struct {
	Key   string
	Cells map[string]*Cell
}

func New(key string) *Record {
	return &Record{Key: key, Cells: make(map[string]*Cell)}
}

// Reports which of a and b wins a field merge. Later write wins; exact
// timestamp ties are broken by byte comparison of the values so the outcome
// is independent of arrival order.
func winner(a, b *Cell) *Cell {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.TimeMs != b.TimeMs {
		if a.TimeMs > b.TimeMs {
			return a
		}
		return b
	}
	// tombstones lose ties so a same-instant set survives an erase
	if a.Tomb != b.Tomb {
		if a.Tomb {
			return b
		}
		return a
	}
	if bytes.Compare(a.Value, b.Value) >= 0 {
		return a
	}
	return b
}

// Merges other into r field-by-field. Fields named in maxFields use
// monotonic max semantics on their integer value instead of last-write-wins.
// Returns true if r changed.
func (r *Record) Merge(other *Record, maxFields map[string]bool) bool {
	changed := false
	for name, theirs := range other.Cells {
		ours := r.Cells[name]
		if maxFields != nil && maxFields[name] {
			if merged := mergeMax(ours, theirs); merged != ours {
				r.Cells[name] = merged
				changed = true
			}
			continue
		}
		if w := winner(ours, theirs); w != ours {
			r.Cells[name] = w
			changed = true
		}
	}
	return changed
}

// Max-merge: the larger integer value wins regardless of write time, so the
// field never regresses under merge.
func mergeMax(ours, theirs *Cell) *Cell {
	if ours == nil {
		return theirs
	}
	if theirs == nil {
		return ours
	}
	ourVal, _ := strconv.ParseUint(string(ours.Value), 10, 64)
	theirVal, _ := strconv.ParseUint(string(theirs.Value), 10, 64)
	if theirVal > ourVal {
		return theirs
	}
	return ours
}

func (r *Record) Has(name string) bool {
	c, ok := r.Cells[name]
	return ok && !c.Tomb
}

func (r *Record) SetBytes(name string, val []byte, ts uint64) {
	r.Cells[name] = &Cell{TimeMs: ts, Value: val}
}

func (r *Record) SetString(name, val string, ts uint64) {
	r.SetBytes(name, []byte(val), ts)
}

func (r *Record) SetInt64(name string, val int64, ts uint64) {
	r.SetBytes(name, []byte(strconv.FormatInt(val, 10)), ts)
}

func (r *Record) SetUint64(name string, val uint64, ts uint64) {
	r.SetBytes(name, []byte(strconv.FormatUint(val, 10)), ts)
}

func (r *Record) SetBool(name string, val bool, ts uint64) {
	if val {
		r.SetBytes(name, []byte("1"), ts)
	} else {
		r.SetBytes(name, []byte("0"), ts)
	}
}

// Writes a tombstone for the field.
func (r *Record) Clear(name string, ts uint64) {
	r.Cells[name] = &Cell{TimeMs: ts, Tomb: true}
}

func (r *Record) Bytes(name string) []byte {
	c, ok := r.Cells[name]
	if !ok || c.Tomb {
		return nil
	}
	return c.Value
}

func (r *Record) String(name string) string {
	return string(r.Bytes(name))
}

func (r *Record) Int64(name string) int64 {
	i, err := strconv.ParseInt(string(r.Bytes(name)), 10, 64)
	if err != nil {
		return 0
	}
	return i
}

func (r *Record) Uint64(name string) uint64 {
	u, err := strconv.ParseUint(string(r.Bytes(name)), 10, 64)
	if err != nil {
		return 0
	}
	return u
}

func (r *Record) Bool(name string) bool {
	return string(r.Bytes(name)) == "1"
}

// The most recent write timestamp across all fields.
func (r *Record) Mtime() uint64 {
	var mtime uint64
	for _, c := range r.Cells {
		if c.TimeMs > mtime {
			mtime = c.TimeMs
		}
	}
	return mtime
}

func (r *Record) Clone() *Record {
	out := New(r.Key)
	for name, c := range r.Cells {
		val := make([]byte, len(c.Value))
		copy(val, c.Value)
		out.Cells[name] = &Cell{TimeMs: c.TimeMs, Tomb: c.Tomb, Value: val}
	}
	return out
}
