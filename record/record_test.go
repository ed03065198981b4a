package record

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeLastWriteWins(t *testing.T) {
	require := require.New(t)

	a := New("05aa")
	a.SetString(FieldName, "alice", 100)
	b := New("05aa")
	b.SetString(FieldName, "alicia", 200)

	require.True(a.Merge(b, nil))
	require.Equal("alicia", a.String(FieldName))

	// older write does not regress
	c := New("05aa")
	c.SetString(FieldName, "al", 150)
	require.False(a.Merge(c, nil))
	require.Equal("alicia", a.String(FieldName))
}

func TestMergeTieBreaksOnValue(t *testing.T) {
	require := require.New(t)

	a := New("05aa")
	a.SetString(FieldName, "aaa", 100)
	b := New("05aa")
	b.SetString(FieldName, "zzz", 100)

	x := a.Clone()
	x.Merge(b, nil)
	y := b.Clone()
	y.Merge(a, nil)
	require.Equal(x.String(FieldName), y.String(FieldName))
	require.Equal("zzz", x.String(FieldName))
}

func TestMaxMergeNeverRegresses(t *testing.T) {
	require := require.New(t)
	maxFields := map[string]bool{FieldLastReadMs: true}

	a := New("05aa")
	a.SetUint64(FieldLastReadMs, 2000, 50)
	b := New("05aa")
	// newer write but smaller value
	b.SetUint64(FieldLastReadMs, 1000, 900)

	require.False(a.Merge(b, maxFields))
	require.Equal(uint64(2000), a.Uint64(FieldLastReadMs))

	b.SetUint64(FieldLastReadMs, 3000, 10)
	require.True(a.Merge(b, maxFields))
	require.Equal(uint64(3000), a.Uint64(FieldLastReadMs))
}

func TestTombstoneLosesTies(t *testing.T) {
	require := require.New(t)

	a := New("05aa")
	a.SetString(FieldName, "alice", 100)
	b := New("05aa")
	b.Clear(FieldName, 100)

	a.Merge(b, nil)
	require.True(a.Has(FieldName))

	b.Clear(FieldName, 101)
	a.Merge(b, nil)
	require.False(a.Has(FieldName))
}

func TestCodecRoundTrip(t *testing.T) {
	require := require.New(t)

	r := New("05" + strings.Repeat("ab", 32))
	r.SetString(FieldName, "bob", 123)
	r.SetInt64(FieldPriority, -1, 124)
	r.SetBool(FieldBlocked, true, 125)
	r.Clear(FieldNickname, 126)
	r.SetBytes(FieldPicKey, make([]byte, 32), 127)

	b, err := r.Encode()
	require.Nil(err)
	require.Equal(r.EncodedSize(), len(b))

	out, err := Decode(b)
	require.Nil(err)
	require.Equal(r.Key, out.Key)
	require.Equal(len(r.Cells), len(out.Cells))
	require.Equal("bob", out.String(FieldName))
	require.Equal(int64(-1), out.Int64(FieldPriority))
	require.True(out.Bool(FieldBlocked))
	require.False(out.Has(FieldNickname))
	require.True(out.Cells[FieldNickname].Tomb)

	// deterministic
	b2, err := r.Encode()
	require.Nil(err)
	require.Equal(b, b2)
}

func TestDecodeTruncated(t *testing.T) {
	require := require.New(t)

	r := New("05aa")
	r.SetString(FieldName, "carol", 1)
	b, err := r.Encode()
	require.Nil(err)
	for i := 1; i < len(b); i++ {
		_, err := Decode(b[:i])
		require.NotNil(err)
	}
}

func TestCheckLimit(t *testing.T) {
	require := require.New(t)

	require.Nil(CheckLimit(FieldName, []byte(strings.Repeat("a", NameMaxBytes))))
	require.ErrorIs(CheckLimit(FieldName, []byte(strings.Repeat("a", NameMaxBytes+1))), ErrTooLarge)
	require.ErrorIs(CheckLimit(FieldDescription, []byte(strings.Repeat("a", DescriptionMaxBytes+1))), ErrTooLarge)
	require.Nil(CheckLimit(FieldPicKey, make([]byte, 32)))
	require.ErrorIs(CheckLimit(FieldPicKey, make([]byte, 31)), ErrTooLarge)
	// unlimited field
	require.Nil(CheckLimit("zz", make([]byte, 100000)))
}
