// This package defines the identity strings used throughout plait. Every
// synchronized entity is keyed by one: an account id, a group id, or a
// composite server/room key for communities. Account and group ids embed a
// 32-byte curve25519 public key behind a one-byte prefix.
package ids

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// Hex length of an account or group id: a one byte prefix plus a
	// 32-byte public key.
	IDLength = 66

	AccountPrefix = "05"
	GroupPrefix   = "03"
)

var ErrInvalidIdentity = errors.New("ids: invalid identity")

type AccountID string

type GroupID string

// Parses an account id, being a "05"-prefixed, 66-hex-char string.
func ParseAccountID(s string) (AccountID, error) {
	if err := checkID(s, AccountPrefix); err != nil {
		return "", err
	}
	return AccountID(strings.ToLower(s)), nil
}

// Parses a group id, being a "03"-prefixed, 66-hex-char string.
func ParseGroupID(s string) (GroupID, error) {
	if err := checkID(s, GroupPrefix); err != nil {
		return "", err
	}
	return GroupID(strings.ToLower(s)), nil
}

func AccountIDFromKey(pub []byte) AccountID {
	return AccountID(AccountPrefix + hex.EncodeToString(pub))
}

func GroupIDFromKey(pub []byte) GroupID {
	return GroupID(GroupPrefix + hex.EncodeToString(pub))
}

func (a AccountID) PublicKey() ([]byte, error) {
	return publicKey(string(a), AccountPrefix)
}

func (g GroupID) PublicKey() ([]byte, error) {
	return publicKey(string(g), GroupPrefix)
}

// IsGroupID reports whether s parses as a group id.
func IsGroupID(s string) bool {
	return checkID(s, GroupPrefix) == nil
}

// The composite key used for a community entry: lower-cased server, then the
// case-preserved room token, then the server public key.
func CommunityKey(baseURL, room, pubkeyHex string) string {
	return fmt.Sprintf("%s|%s|%s", strings.ToLower(baseURL), room, strings.ToLower(pubkeyHex))
}

func publicKey(s, prefix string) ([]byte, error) {
	if err := checkID(s, prefix); err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.ToLower(s)[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIdentity, s)
	}
	return b, nil
}

func checkID(s, prefix string) error {
	if len(s) != IDLength {
		return fmt.Errorf("%w: expected length %d, got %d", ErrInvalidIdentity, IDLength, len(s))
	}
	ls := strings.ToLower(s)
	if !strings.HasPrefix(ls, prefix) {
		return fmt.Errorf("%w: expected prefix %s", ErrInvalidIdentity, prefix)
	}
	if _, err := hex.DecodeString(ls); err != nil {
		return fmt.Errorf("%w: not hex", ErrInvalidIdentity)
	}
	return nil
}
