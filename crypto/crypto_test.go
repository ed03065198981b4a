package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	require := require.New(t)

	key, err := NewKey()
	require.Nil(err)
	msg := []byte("hello there")
	enc, err := SealWithKey(key, msg, "UserProfile")
	require.Nil(err)
	require.Equal(SealedSize(len(msg)), len(enc))

	dec, err := OpenWithKey(key, enc, "UserProfile")
	require.Nil(err)
	require.Equal(msg, dec)
}

func TestDomainSeparation(t *testing.T) {
	require := require.New(t)

	key, err := NewKey()
	require.Nil(err)
	enc, err := SealWithKey(key, []byte("hi"), "UserProfile")
	require.Nil(err)
	_, err = OpenWithKey(key, enc, "Contacts")
	require.ErrorIs(err, ErrDecryptFailed)
}

func TestDeriveKeyDiffersByDomain(t *testing.T) {
	require := require.New(t)

	seed := make([]byte, 32)
	a, err := DeriveKey(seed, "UserProfile")
	require.Nil(err)
	b, err := DeriveKey(seed, "Contacts")
	require.Nil(err)
	require.NotEqual(a, b)

	a2, err := DeriveKey(seed, "UserProfile")
	require.Nil(err)
	require.Equal(a, a2)

	_, err = DeriveKey(seed, "")
	require.NotNil(err)
	_, err = DeriveKey(seed, "ThisDomainNameIsMuchTooLong")
	require.NotNil(err)
}

func TestPaddingHidesLength(t *testing.T) {
	require := require.New(t)

	key, err := NewKey()
	require.Nil(err)
	a, err := SealWithKey(key, make([]byte, 10), "GroupInfo")
	require.Nil(err)
	b, err := SealWithKey(key, make([]byte, 200), "GroupInfo")
	require.Nil(err)
	require.Equal(len(a), len(b))
}
