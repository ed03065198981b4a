// Encryption helpers for namespace ciphertexts and key-supplement envelopes.
// Each namespace seals its payloads with a symmetric key derived from the
// owner's signing seed and a per-namespace domain string, so that one leaked
// namespace key exposes nothing about the others.
package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize = 32

	// Sealed payloads are padded up to the next multiple of this before
	// encryption so ciphertext length leaks less about content.
	padBlock = 256
)

var ErrDecryptFailed = errors.New("crypto: decryption failed")

// Derives a 32-byte namespace key from a signing seed and a domain string of
// 1 to 24 characters.
func DeriveKey(seed []byte, domain string) ([]byte, error) {
	if len(seed) != KeySize {
		return nil, fmt.Errorf("crypto: expected seed of length %d, got %d", KeySize, len(seed))
	}
	if len(domain) == 0 || len(domain) > 24 {
		return nil, fmt.Errorf("crypto: domain length %d out of range", len(domain))
	}
	h, err := blake2b.New256(seed)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write([]byte(domain)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// The ciphertext size produced by sealing a plaintext of length n.
func SealedSize(n int) int {
	padded := ((n + 8 + padBlock - 1) / padBlock) * padBlock
	return chacha20poly1305.NonceSizeX + padded + chacha20poly1305.Overhead
}

// Seals msg with key, padding it first. The domain doubles as associated
// data.
func SealWithKey(key, msg []byte, domain string) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", KeySize, len(key))
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, pad(msg), []byte(domain)), nil
}

// Opens a payload produced by SealWithKey.
func OpenWithKey(key, enc []byte, domain string) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", KeySize, len(key))
	}
	if len(enc) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrDecryptFailed
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	padded, err := cipher.Open(nil, enc[:chacha20poly1305.NonceSizeX], enc[chacha20poly1305.NonceSizeX:], []byte(domain))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return unpad(padded)
}

// Seals a key-supplement envelope to a member's curve25519 public key so
// only the newly added member can recover the historic group keys.
func SealToMember(memberPub, ourPriv, msg []byte) ([]byte, error) {
	key := box.Precompute(nacl.Key(memberPub), nacl.Key(ourPriv))
	return SealWithKey(key[:], msg, "KeySupplement")
}

func OpenFromAdmin(adminPub, ourPriv, enc []byte) ([]byte, error) {
	key := box.Precompute(nacl.Key(adminPub), nacl.Key(ourPriv))
	return OpenWithKey(key[:], enc, "KeySupplement")
}

// Pads to the next padBlock multiple, with an 8-byte big-endian length
// trailer inside the padding.
func pad(msg []byte) []byte {
	padded := ((len(msg) + 8 + padBlock - 1) / padBlock) * padBlock
	out := make([]byte, padded)
	copy(out, msg)
	n := uint64(len(msg))
	for i := 0; i != 8; i++ {
		out[padded-1-i] = byte(n >> (8 * i))
	}
	return out
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 8 || len(padded)%padBlock != 0 {
		return nil, ErrDecryptFailed
	}
	var n uint64
	for i := 0; i != 8; i++ {
		n = n<<8 | uint64(padded[len(padded)-8+i])
	}
	if n > uint64(len(padded)-8) {
		return nil, ErrDecryptFailed
	}
	return padded[:n], nil
}

// Makes a fresh random 32-byte symmetric key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
