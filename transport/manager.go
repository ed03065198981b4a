// This package schedules config pushes to the storage swarm. Pushes are
// debounced so a burst of mutations collapses into one payload, deduplicated
// so only the newest payload per namespace is ever sent, and limited to one
// in-flight store per namespace. Failed stores retry with capped exponential
// backoff until shutdown.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/state"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Swarm is the storage network holding sealed config messages, bucketed by
// owner (an account or group id) and namespace.
type Swarm interface {
	// Store persists a sealed message and returns its hash and the server
	// timestamp assigned to it.
	Store(ctx context.Context, owner string, ns state.Namespace, data []byte) (string, uint64, error)
	// Retrieve returns all messages for the bucket with a server timestamp
	// strictly greater than sinceMs.
	Retrieve(ctx context.Context, owner string, ns state.Namespace, sinceMs uint64) ([]state.RemoteConfig, error)
	// Delete removes messages by hash, for obsolete config and expired
	// content. Requires whatever authority the swarm demands for the owner.
	Delete(ctx context.Context, owner string, ns state.Namespace, hashes []string) error
}

// A Confirmation reports that a submitted payload is durably stored; the
// consumer routes it to the owning store's ConfirmPushed.
type Confirmation struct {
	ID          uuid.UUID
	Owner       string
	Namespace   state.Namespace
	Seqno       int64
	Hash        string
	TimestampMs uint64
}

type job struct {
	id      uuid.UUID
	payload []byte
	seqno   int64
}

type queue struct {
	owner    string
	ns       state.Namespace
	pending  *job
	timer    *time.Timer
	inflight bool
}

type Manager struct {
	log      *zap.SugaredLogger
	config   *config.Config
	clock    clock.Clock
	swarm    Swarm
	updates  chan interface{}
	finished sync.WaitGroup

	lock       sync.Mutex
	queues     map[string]*queue
	ctx        context.Context
	cancelFunc context.CancelFunc
	started    bool
}

func NewManager(c *config.Config, cl clock.Clock, swarm Swarm) *Manager {
	return &Manager{
		log:     c.Logger("transport/manager"),
		config:  c,
		clock:   cl,
		swarm:   swarm,
		updates: make(chan interface{}, 100),
		queues:  make(map[string]*queue),
	}
}

func (m *Manager) Start() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.started {
		return fmt.Errorf("transport: already started")
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.ctx = ctx
	m.cancelFunc = cancelFunc
	m.started = true
	return nil
}

func (m *Manager) Shutdown() error {
	m.lock.Lock()
	if !m.started {
		m.lock.Unlock()
		return nil
	}
	m.started = false
	m.cancelFunc()
	for _, q := range m.queues {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.pending = nil
	}
	m.lock.Unlock()
	m.finished.Wait()
	return nil
}

// Updates delivers Confirmation values as pushes complete.
func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// Submit schedules a payload for pushing after the debounce interval. A newer
// payload for the same owner and namespace replaces one still waiting, so
// only the latest state is ever stored.
func (m *Manager) Submit(owner string, ns state.Namespace, payload []byte, seqno int64) (uuid.UUID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.started {
		return uuid.Nil, fmt.Errorf("transport: not started")
	}

	key := queueKey(owner, ns)
	q, ok := m.queues[key]
	if !ok {
		q = &queue{owner: owner, ns: ns}
		m.queues[key] = q
	}
	j := &job{id: uuid.New(), payload: payload, seqno: seqno}
	if q.pending != nil {
		m.log.Debugf("superseding pending push %s for %s/%s", q.pending.id, owner, ns)
	}
	q.pending = j
	if q.timer == nil && !q.inflight {
		q.timer = time.AfterFunc(time.Duration(m.config.PushDebounceMs)*time.Millisecond, func() {
			m.fire(key)
		})
	}
	return j.id, nil
}

// SubmitImmediate pushes a payload without debouncing or dedup. Key
// distribution messages must each reach the swarm, unlike config payloads
// where only the newest matters.
func (m *Manager) SubmitImmediate(owner string, ns state.Namespace, payload []byte, seqno int64) (uuid.UUID, error) {
	m.lock.Lock()
	if !m.started {
		m.lock.Unlock()
		return uuid.Nil, fmt.Errorf("transport: not started")
	}
	ctx := m.ctx
	m.lock.Unlock()

	j := &job{id: uuid.New(), payload: payload, seqno: seqno}
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		m.deliver(ctx, queueKey(owner, ns), owner, ns, j)
	}()
	return j.id, nil
}

// Fetch pulls new messages for a bucket since the given server timestamp.
func (m *Manager) Fetch(ctx context.Context, owner string, ns state.Namespace, sinceMs uint64) ([]state.RemoteConfig, error) {
	return m.swarm.Retrieve(ctx, owner, ns, sinceMs)
}

// DeleteMessages removes stored messages by hash.
func (m *Manager) DeleteMessages(ctx context.Context, owner string, ns state.Namespace, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	return m.swarm.Delete(ctx, owner, ns, hashes)
}

func (m *Manager) fire(key string) {
	m.lock.Lock()
	q, ok := m.queues[key]
	if !ok || !m.started {
		m.lock.Unlock()
		return
	}
	q.timer = nil
	j := q.pending
	if j == nil || q.inflight {
		m.lock.Unlock()
		return
	}
	q.pending = nil
	q.inflight = true
	ctx := m.ctx
	m.lock.Unlock()

	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		m.deliver(ctx, key, q.owner, q.ns, j)
	}()
}

func (m *Manager) deliver(ctx context.Context, key string, owner string, ns state.Namespace, j *job) {
	backoff := retry.WithCappedDuration(
		time.Duration(m.config.PushRetryMaxMs)*time.Millisecond,
		retry.NewExponential(time.Duration(m.config.PushDebounceMs)*time.Millisecond))

	var hash string
	var timestampMs uint64
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		hash, timestampMs, err = m.swarm.Store(ctx, owner, ns, j.payload)
		if err != nil {
			m.log.Warnf("push %s to %s/%s failed, will retry: %v", j.id, owner, ns, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		m.log.Warnf("push %s to %s/%s abandoned: %v", j.id, owner, ns, err)
		m.settle(key)
		return
	}

	m.updates <- Confirmation{
		ID:          j.id,
		Owner:       owner,
		Namespace:   ns,
		Seqno:       j.seqno,
		Hash:        hash,
		TimestampMs: timestampMs,
	}
	m.settle(key)
}

// settle clears the in-flight mark and reschedules if a newer payload arrived
// while this one was being stored.
func (m *Manager) settle(key string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	q, ok := m.queues[key]
	if !ok {
		return
	}
	q.inflight = false
	if q.pending != nil && m.started && q.timer == nil {
		q.timer = time.AfterFunc(time.Duration(m.config.PushDebounceMs)*time.Millisecond, func() {
			m.fire(key)
		})
	}
}

func queueKey(owner string, ns state.Namespace) string {
	return fmt.Sprintf("%s/%d", owner, ns)
}
