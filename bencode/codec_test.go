package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type inner struct {
	Name  string `bencode:"n"`
	Count uint64 `bencode:"c"`
}

type outer struct {
	Blob    []byte            `bencode:"b"`
	Items   []inner           `bencode:"i"`
	Labels  map[string]string `bencode:"l"`
	Signed  int64             `bencode:"s"`
	Flag    bool              `bencode:"f"`
	private string
}

func TestRoundTrip(t *testing.T) {
	require := require.New(t)

	in := &outer{
		Blob:   []byte{0, 1, 2, 255},
		Items:  []inner{{"a", 1}, {"b", 2}},
		Labels: map[string]string{"x": "y", "a": "b"},
		Signed: -42,
		Flag:   true,
	}
	b, err := Serialize(in)
	require.Nil(err)

	out := &outer{}
	require.Nil(Deserialize(b, out))
	require.Equal(in.Blob, out.Blob)
	require.Equal(in.Items, out.Items)
	require.Equal(in.Labels, out.Labels)
	require.Equal(in.Signed, out.Signed)
	require.Equal(in.Flag, out.Flag)
}

func TestDeterministicEncoding(t *testing.T) {
	require := require.New(t)

	in := &outer{Labels: map[string]string{"z": "1", "a": "2", "m": "3"}}
	b1, err := Serialize(in)
	require.Nil(err)
	b2, err := Serialize(in)
	require.Nil(err)
	require.Equal(b1, b2)
}

func TestUnknownKeysSkipped(t *testing.T) {
	require := require.New(t)

	// dict with a key the struct does not declare
	b := []byte("d1:fi1e1:q3:abc1:si-1ee")
	out := &outer{}
	require.Nil(Deserialize(b, out))
	require.True(out.Flag)
	require.Equal(int64(-1), out.Signed)
}

func TestTruncatedInput(t *testing.T) {
	require := require.New(t)

	in := &outer{Blob: []byte("hello")}
	b, err := Serialize(in)
	require.Nil(err)
	out := &outer{}
	require.NotNil(Deserialize(b[:len(b)-2], out))
}
