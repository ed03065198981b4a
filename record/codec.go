package record

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Binary layout, all integers big-endian:
//
// record
// 1 2 2 n
// version cellcount keylen key, then cells
//
// cell
// 1 n 8 1 4 n
// namelen name time flags vallen val
//
// Cells are written in sorted name order so encoding is deterministic.

const (
	codecVersion = 0
	tombFlag     = 1

	maxNameLen = 255
	maxKeyLen  = 65535
)

func (r *Record) EncodedSize() int {
	size := 5 + len(r.Key)
	for name, c := range r.Cells {
		size += 1 + len(name) + 8 + 1 + 4 + len(c.Value)
	}
	return size
}

func (r *Record) Encode() ([]byte, error) {
	if len(r.Key) > maxKeyLen {
		return nil, fmt.Errorf("record: key of %d bytes exceeds maximum", len(r.Key))
	}
	names := make([]string, 0, len(r.Cells))
	for name := range r.Cells {
		if len(name) == 0 || len(name) > maxNameLen {
			return nil, fmt.Errorf("record: bad field name length %d", len(name))
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]byte, 0, r.EncodedSize())
	out = append(out, codecVersion)
	out = binary.BigEndian.AppendUint16(out, uint16(len(names)))
	out = binary.BigEndian.AppendUint16(out, uint16(len(r.Key)))
	out = append(out, r.Key...)
	for _, name := range names {
		c := r.Cells[name]
		out = append(out, uint8(len(name)))
		out = append(out, name...)
		out = binary.BigEndian.AppendUint64(out, c.TimeMs)
		if c.Tomb {
			out = append(out, uint8(tombFlag))
		} else {
			out = append(out, uint8(0))
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(c.Value)))
		out = append(out, c.Value...)
	}
	return out, nil
}

func Decode(in []byte) (*Record, error) {
	if len(in) < 5 {
		return nil, fmt.Errorf("record: input of %d bytes too short", len(in))
	}
	if in[0] != codecVersion {
		return nil, fmt.Errorf("record: expected version %d, got %d", codecVersion, in[0])
	}
	count := binary.BigEndian.Uint16(in[1:])
	keyLen := int(binary.BigEndian.Uint16(in[3:]))
	pos := 5
	if pos+keyLen > len(in) {
		return nil, fmt.Errorf("record: truncated key")
	}
	r := New(string(in[pos : pos+keyLen]))
	pos += keyLen

	for i := uint16(0); i != count; i++ {
		if pos >= len(in) {
			return nil, fmt.Errorf("record: truncated cell header")
		}
		nameLen := int(in[pos])
		pos++
		if pos+nameLen+13 > len(in) {
			return nil, fmt.Errorf("record: truncated cell")
		}
		name := string(in[pos : pos+nameLen])
		pos += nameLen
		ts := binary.BigEndian.Uint64(in[pos:])
		flags := in[pos+8]
		valLen := int(binary.BigEndian.Uint32(in[pos+9:]))
		pos += 13
		if pos+valLen > len(in) {
			return nil, fmt.Errorf("record: truncated value")
		}
		val := make([]byte, valLen)
		copy(val, in[pos:pos+valLen])
		pos += valLen
		r.Cells[name] = &Cell{TimeMs: ts, Tomb: flags&tombFlag != 0, Value: val}
	}
	if pos != len(in) {
		return nil, fmt.Errorf("record: %d trailing bytes", len(in)-pos)
	}
	return r, nil
}
