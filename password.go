package plait

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltLen = 16

// newKey derives the database key from a password with argon2id. The salt is
// created once and kept beside the database; losing it makes the database
// unrecoverable, so it is written with O_SYNC before first use.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadOrCreateSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if _, err := crypto_rand.Read(salt); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(salt); err != nil {
			_ = f.Close()
			return nil, err
		}
		return salt, f.Close()
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	n, err := io.ReadFull(f, salt)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if n != saltLen {
		_ = f.Close()
		return nil, fmt.Errorf("expected %d bytes, got %d", saltLen, n)
	}
	return salt, f.Close()
}
