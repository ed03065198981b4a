// An in-memory swarm for tests and single-process use. Buckets live only as
// long as the process; timestamps come from the supplied clock and are forced
// strictly monotonic per bucket so retrieval-since cursors behave like a real
// storage server.
package local

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/state"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

type bucket struct {
	messages []state.RemoteConfig
	lastMs   uint64
}

type Swarm struct {
	log   *zap.SugaredLogger
	clock clock.Clock

	lock     sync.Mutex
	buckets  map[string]*bucket
	failures int
}

func NewSwarm(c *config.Config, cl clock.Clock) *Swarm {
	return &Swarm{
		log:     c.Logger("transport/local"),
		clock:   cl,
		buckets: make(map[string]*bucket),
	}
}

// FailNext makes the next n Store calls fail, to exercise retry behavior.
func (s *Swarm) FailNext(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures = n
}

func (s *Swarm) Store(ctx context.Context, owner string, ns state.Namespace, data []byte) (string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failures > 0 {
		s.failures--
		return "", 0, fmt.Errorf("local: store unavailable")
	}

	b := s.bucket(owner, ns)
	ts := s.clock.CurrentTimeMs()
	if ts <= b.lastMs {
		ts = b.lastMs + 1
	}
	b.lastMs = ts
	sum := blake2b.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	b.messages = append(b.messages, state.RemoteConfig{
		Hash:        hash,
		TimestampMs: ts,
		Data:        append([]byte(nil), data...),
	})
	s.log.Debugf("stored %s in %s/%s at %d", hash, owner, ns, ts)
	return hash, ts, nil
}

func (s *Swarm) Retrieve(ctx context.Context, owner string, ns state.Namespace, sinceMs uint64) ([]state.RemoteConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	b := s.bucket(owner, ns)
	var out []state.RemoteConfig
	for _, msg := range b.messages {
		if msg.TimestampMs > sinceMs {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *Swarm) Delete(ctx context.Context, owner string, ns state.Namespace, hashes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	doomed := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		doomed[h] = true
	}
	b := s.bucket(owner, ns)
	kept := b.messages[:0]
	for _, msg := range b.messages {
		if !doomed[msg.Hash] {
			kept = append(kept, msg)
		}
	}
	b.messages = kept
	return nil
}

// Size reports how many messages a bucket holds.
func (s *Swarm) Size(owner string, ns state.Namespace) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.bucket(owner, ns).messages)
}

func (s *Swarm) bucket(owner string, ns state.Namespace) *bucket {
	key := fmt.Sprintf("%s/%d", owner, ns)
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	return b
}
