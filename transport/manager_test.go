package transport

import (
	"context"
	"testing"
	"time"

	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/internal/test"
	"github.com/plait-im/go-plait/state"
	"github.com/plait-im/go-plait/transport/local"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *local.Swarm, string) {
	t.Helper()
	cfg := test.NewConfig()
	cl := clock.NewTestClock(1_000_000)
	swarm := local.NewSwarm(cfg, cl)
	m := NewManager(cfg, cl, swarm)
	require.Nil(t, m.Start())
	t.Cleanup(func() {
		require.Nil(t, m.Shutdown())
	})
	owner, _ := test.NewAccount()
	return m, swarm, string(owner)
}

func waitConfirm(t *testing.T, m *Manager) Confirmation {
	t.Helper()
	select {
	case u := <-m.Updates():
		c, ok := u.(Confirmation)
		require.True(t, ok)
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for confirmation")
		return Confirmation{}
	}
}

func TestSubmitConfirms(t *testing.T) {
	require := require.New(t)
	m, swarm, owner := newTestManager(t)

	id, err := m.Submit(owner, state.NamespaceContacts, []byte("payload-1"), 1)
	require.Nil(err)

	c := waitConfirm(t, m)
	require.Equal(id, c.ID)
	require.Equal(owner, c.Owner)
	require.Equal(state.NamespaceContacts, c.Namespace)
	require.Equal(int64(1), c.Seqno)
	require.NotEmpty(c.Hash)
	require.Equal(1, swarm.Size(owner, state.NamespaceContacts))

	got, err := m.Fetch(context.Background(), owner, state.NamespaceContacts, 0)
	require.Nil(err)
	require.Len(got, 1)
	require.Equal([]byte("payload-1"), got[0].Data)
	require.Equal(c.Hash, got[0].Hash)
}

func TestSubmitDebounceCollapses(t *testing.T) {
	require := require.New(t)
	m, swarm, owner := newTestManager(t)

	// both land inside the debounce window: only the later one is stored
	_, err := m.Submit(owner, state.NamespaceContacts, []byte("old"), 1)
	require.Nil(err)
	id, err := m.Submit(owner, state.NamespaceContacts, []byte("new"), 2)
	require.Nil(err)

	c := waitConfirm(t, m)
	require.Equal(id, c.ID)
	require.Equal(int64(2), c.Seqno)
	require.Equal(1, swarm.Size(owner, state.NamespaceContacts))

	got, err := m.Fetch(context.Background(), owner, state.NamespaceContacts, 0)
	require.Nil(err)
	require.Equal([]byte("new"), got[0].Data)
}

func TestSubmitSeparateNamespaces(t *testing.T) {
	require := require.New(t)
	m, swarm, owner := newTestManager(t)

	_, err := m.Submit(owner, state.NamespaceContacts, []byte("c"), 1)
	require.Nil(err)
	_, err = m.Submit(owner, state.NamespaceUserProfile, []byte("p"), 1)
	require.Nil(err)

	waitConfirm(t, m)
	waitConfirm(t, m)
	require.Equal(1, swarm.Size(owner, state.NamespaceContacts))
	require.Equal(1, swarm.Size(owner, state.NamespaceUserProfile))
}

func TestSubmitRetriesAfterFailure(t *testing.T) {
	require := require.New(t)
	m, swarm, owner := newTestManager(t)

	swarm.FailNext(2)
	_, err := m.Submit(owner, state.NamespaceContacts, []byte("persistent"), 1)
	require.Nil(err)

	c := waitConfirm(t, m)
	require.Equal(int64(1), c.Seqno)
	require.Equal(1, swarm.Size(owner, state.NamespaceContacts))
}

func TestSubmitWhileInFlight(t *testing.T) {
	require := require.New(t)
	m, swarm, owner := newTestManager(t)

	// stretch the first delivery with failures so the second submit arrives
	// while it is in flight rather than inside the debounce window
	swarm.FailNext(3)
	_, err := m.Submit(owner, state.NamespaceContacts, []byte("first"), 1)
	require.Nil(err)
	time.Sleep(30 * time.Millisecond)
	_, err = m.Submit(owner, state.NamespaceContacts, []byte("second"), 2)
	require.Nil(err)

	first := waitConfirm(t, m)
	second := waitConfirm(t, m)
	require.Equal(int64(1), first.Seqno)
	require.Equal(int64(2), second.Seqno)
	require.Equal(2, swarm.Size(owner, state.NamespaceContacts))
}

func TestDeleteMessages(t *testing.T) {
	require := require.New(t)
	m, swarm, owner := newTestManager(t)

	_, err := m.Submit(owner, state.NamespaceContacts, []byte("doomed"), 1)
	require.Nil(err)
	c := waitConfirm(t, m)

	require.Nil(m.DeleteMessages(context.Background(), owner, state.NamespaceContacts, []string{c.Hash}))
	require.Equal(0, swarm.Size(owner, state.NamespaceContacts))

	// deleting nothing is a no-op
	require.Nil(m.DeleteMessages(context.Background(), owner, state.NamespaceContacts, nil))
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	require := require.New(t)
	cfg := test.NewConfig()
	cl := clock.NewTestClock(1_000_000)
	m := NewManager(cfg, cl, local.NewSwarm(cfg, cl))
	require.Nil(m.Start())
	require.Nil(m.Shutdown())
	owner, _ := test.NewAccount()
	_, err := m.Submit(string(owner), state.NamespaceContacts, []byte("late"), 1)
	require.NotNil(err)
}
