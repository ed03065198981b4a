// Helpers shared by tests across packages.
package test

import (
	"crypto/rand"
	"os"

	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/ids"
	"golang.org/x/crypto/curve25519"
)

func NewConfig(opts ...config.Option) *config.Config {
	dir, err := os.MkdirTemp("", "plait")
	if err != nil {
		panic(err)
	}
	base := []config.Option{
		config.WithRootDir(dir),
		config.WithLoggingPrefix("test"),
		config.WithPushDebounceMs(10),
	}
	return config.NewConfig(append(base, opts...)...)
}

func NewKey() []byte {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		panic(err)
	}
	return k
}

// NewAccount generates a throwaway account keypair and returns the id with
// its secret.
func NewAccount() (ids.AccountID, []byte) {
	priv := NewKey()
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	return ids.AccountIDFromKey(pub), priv
}

// NewGroup generates a throwaway group keypair and returns the id with its
// admin secret.
func NewGroup() (ids.GroupID, []byte) {
	priv := NewKey()
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	return ids.GroupIDFromKey(pub), priv
}
