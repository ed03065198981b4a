package state

import (
	"strings"
	"testing"

	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/ids"
	"github.com/plait-im/go-plait/internal/test"
	"github.com/plait-im/go-plait/record"
	"github.com/stretchr/testify/require"
)

func newTestContacts(t *testing.T, cl clock.Clock, seed []byte, opts ...config.Option) *Contacts {
	t.Helper()
	c, err := NewContacts(test.NewConfig(opts...), cl, seed, nil)
	require.Nil(t, err)
	return c
}

func remote(t *testing.T, ts uint64, hash string, src interface{ Push() (*PushData, error) }) RemoteConfig {
	t.Helper()
	p, err := src.Push()
	require.Nil(t, err)
	return RemoteConfig{Hash: hash, TimestampMs: ts, Data: p.Payload}
}

func TestContactsLifecycle(t *testing.T) {
	require := require.New(t)
	cl := clock.NewTestClock(1_000_000)
	accountID, _ := test.NewAccount()
	c := newTestContacts(t, cl, test.NewKey())

	require.False(c.NeedsPush())
	_, ok := c.Get(accountID)
	require.False(ok)

	ct := c.GetOrConstruct(accountID)
	ct.Name = "alice"
	ct.Nickname = "al"
	ct.Approved = true
	require.Nil(c.Set(ct))
	require.True(c.NeedsPush())
	require.Equal(int64(1), c.Seqno())

	got, ok := c.Get(accountID)
	require.True(ok)
	require.Equal("alice", got.Name)
	require.Equal("al", got.DisplayName())
	require.True(got.Approved)
	require.False(got.Blocked)

	// writing identical values must not dirty again
	c.ConfirmPushed(1)
	_, err := c.Push()
	require.Nil(err)
	c.ConfirmPushed(1)
	require.Nil(c.Set(got))
	require.Equal(int64(1), c.Seqno())

	require.True(c.Erase(accountID))
	require.False(c.Erase(accountID))
	_, ok = c.Get(accountID)
	require.False(ok)
}

func TestContactsRejectsBadID(t *testing.T) {
	require := require.New(t)
	c := newTestContacts(t, clock.NewTestClock(1_000_000), test.NewKey())
	err := c.Set(&Contact{ID: "05short"})
	require.ErrorIs(err, ids.ErrInvalidIdentity)
}

func TestPushConfirmLifecycle(t *testing.T) {
	require := require.New(t)
	cl := clock.NewTestClock(1_000_000)
	accountID, _ := test.NewAccount()
	c := newTestContacts(t, cl, test.NewKey())

	ct := c.GetOrConstruct(accountID)
	ct.Name = "alice"
	require.Nil(c.Set(ct))
	require.Equal(StateDirty, c.State())

	p, err := c.Push()
	require.Nil(err)
	require.Equal(int64(1), p.Seqno)
	require.Equal(StateWaiting, c.State())
	require.True(c.NeedsPush())

	// a stale confirmation is ignored
	c.ConfirmPushed(0)
	require.Equal(StateWaiting, c.State())

	// mutating while waiting returns to dirty with a higher seqno
	ct.Name = "alicia"
	require.Nil(c.Set(ct))
	require.Equal(StateDirty, c.State())
	require.Equal(int64(2), c.Seqno())

	// the old confirmation no longer applies
	c.ConfirmPushed(1)
	require.Equal(StateDirty, c.State())

	p, err = c.Push()
	require.Nil(err)
	c.ConfirmPushed(p.Seqno)
	require.Equal(StateClean, c.State())
	require.False(c.NeedsPush())

	// confirming twice is harmless
	c.ConfirmPushed(p.Seqno)
	require.Equal(StateClean, c.State())
}

func TestMergeCommutative(t *testing.T) {
	require := require.New(t)
	seed := test.NewKey()
	accountID, _ := test.NewAccount()

	a := newTestContacts(t, clock.NewTestClock(1_000_000), seed)
	ct := a.GetOrConstruct(accountID)
	ct.Name = "alice"
	ct.Approved = true
	require.Nil(a.Set(ct))

	b := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	ct = b.GetOrConstruct(accountID)
	ct.Name = "alicia"
	ct.Nickname = "al"
	require.Nil(b.Set(ct))

	ra := remote(t, 1000, "a", a)
	rb := remote(t, 2000, "b", b)

	m1 := newTestContacts(t, clock.NewTestClock(3_000_000), seed)
	m2 := newTestContacts(t, clock.NewTestClock(3_000_000), seed)
	n, err := m1.Merge([]RemoteConfig{ra, rb})
	require.Nil(err)
	require.Equal(2, n)
	n, err = m2.Merge([]RemoteConfig{rb, ra})
	require.Nil(err)
	require.Equal(2, n)

	c1, ok := m1.Get(accountID)
	require.True(ok)
	c2, ok := m2.Get(accountID)
	require.True(ok)
	require.Equal(c1, c2)

	// the later write wins per field; fields only one side set survive
	require.Equal("alicia", c1.Name)
	require.Equal("al", c1.Nickname)
	require.True(c1.Approved)
}

func TestMergeTieBreakDeterministic(t *testing.T) {
	require := require.New(t)
	seed := test.NewKey()
	accountID, _ := test.NewAccount()

	// identical timestamps on both devices force the value tie-break
	a := newTestContacts(t, clock.NewTestClock(1_000_000), seed)
	ct := a.GetOrConstruct(accountID)
	ct.Name = "aaa"
	require.Nil(a.Set(ct))

	b := newTestContacts(t, clock.NewTestClock(1_000_000), seed)
	ct = b.GetOrConstruct(accountID)
	ct.Name = "zzz"
	require.Nil(b.Set(ct))

	ra := remote(t, 1000, "a", a)
	rb := remote(t, 1000, "b", b)

	m1 := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	m2 := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	_, err := m1.Merge([]RemoteConfig{ra, rb})
	require.Nil(err)
	_, err = m2.Merge([]RemoteConfig{rb, ra})
	require.Nil(err)

	c1, _ := m1.Get(accountID)
	c2, _ := m2.Get(accountID)
	require.Equal("zzz", c1.Name)
	require.Equal(c1, c2)
}

func TestMergeCleanWhenRemoteMatches(t *testing.T) {
	require := require.New(t)
	seed := test.NewKey()
	accountID, _ := test.NewAccount()

	a := newTestContacts(t, clock.NewTestClock(1_000_000), seed)
	ct := a.GetOrConstruct(accountID)
	ct.Name = "alice"
	require.Nil(a.Set(ct))

	b := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	n, err := b.Merge([]RemoteConfig{remote(t, 1000, "a", a)})
	require.Nil(err)
	require.Equal(1, n)

	// a pure remote merge is already represented on the swarm
	require.False(b.NeedsPush())
	require.Equal(StateClean, b.State())
	require.Equal(a.Seqno(), b.Seqno())
	require.True(b.NeedsDump())

	got, ok := b.Get(accountID)
	require.True(ok)
	require.Equal("alice", got.Name)
}

func TestMergeDivergentStateDirties(t *testing.T) {
	require := require.New(t)
	seed := test.NewKey()
	accountID, _ := test.NewAccount()

	a := newTestContacts(t, clock.NewTestClock(1_000_000), seed)
	ct := a.GetOrConstruct(accountID)
	ct.Name = "alice"
	require.Nil(a.Set(ct))

	b := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	otherID, _ := test.NewAccount()
	ct = b.GetOrConstruct(otherID)
	ct.Name = "bob"
	require.Nil(b.Set(ct))

	// b holds a combination (alice + bob) nobody has pushed
	n, err := b.Merge([]RemoteConfig{remote(t, 1000, "a", a)})
	require.Nil(err)
	require.Equal(1, n)
	require.True(b.NeedsPush())
	require.Equal(StateDirty, b.State())
	require.Greater(b.Seqno(), a.Seqno())
}

func TestMergeSkipsUndecryptable(t *testing.T) {
	require := require.New(t)
	accountID, _ := test.NewAccount()

	a := newTestContacts(t, clock.NewTestClock(1_000_000), test.NewKey())
	ct := a.GetOrConstruct(accountID)
	ct.Name = "alice"
	require.Nil(a.Set(ct))
	good := remote(t, 1000, "good", a)

	// same namespace, different key: undecryptable but not fatal
	b := newTestContacts(t, clock.NewTestClock(1_000_000), test.NewKey())
	n, err := b.Merge([]RemoteConfig{
		{Hash: "junk", TimestampMs: 900, Data: []byte("not a config message")},
		good,
	})
	require.Nil(err)
	require.Equal(0, n)
	_, ok := b.Get(accountID)
	require.False(ok)
}

func TestEraseTombstoneAndResurrection(t *testing.T) {
	require := require.New(t)
	seed := test.NewKey()
	accountID, _ := test.NewAccount()

	clA := clock.NewTestClock(1_000_000)
	a := newTestContacts(t, clA, seed)
	ct := a.GetOrConstruct(accountID)
	ct.Name = "alice"
	require.Nil(a.Set(ct))
	staleA := remote(t, 1000, "a1", a)

	b := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	_, err := b.Merge([]RemoteConfig{staleA})
	require.Nil(err)
	require.True(b.Erase(accountID))

	// the stale copy arriving again must not resurrect the contact
	_, err = b.Merge([]RemoteConfig{staleA})
	require.Nil(err)
	_, ok := b.Get(accountID)
	require.False(ok)

	// a merging b's tombstone drops its local record too
	_, err = a.Merge([]RemoteConfig{remote(t, 2000, "b1", b)})
	require.Nil(err)
	_, ok = a.Get(accountID)
	require.False(ok)

	// a genuinely newer write resurrects as a fresh record
	clA.SetMicro(3_000_000)
	ct = a.GetOrConstruct(accountID)
	ct.Name = "alice again"
	require.Nil(a.Set(ct))
	_, err = b.Merge([]RemoteConfig{remote(t, 3000, "a2", a)})
	require.Nil(err)
	got, ok := b.Get(accountID)
	require.True(ok)
	require.Equal("alice again", got.Name)
	require.False(got.Approved)
}

func TestEraseSameInstantWriteSurvives(t *testing.T) {
	require := require.New(t)
	seed := test.NewKey()
	accountID, _ := test.NewAccount()

	clA := clock.NewTestClock(500_000)
	a := newTestContacts(t, clA, seed)
	ct := a.GetOrConstruct(accountID)
	ct.Name = "early"
	require.Nil(a.Set(ct))
	early := remote(t, 500, "a0", a)

	// b erases at the exact millisecond a rewrites
	b := newTestContacts(t, clock.NewTestClock(1_000_000), seed)
	_, err := b.Merge([]RemoteConfig{early})
	require.Nil(err)
	require.True(b.Erase(accountID))
	erased := remote(t, 1000, "b0", b)

	clA.SetMicro(1_000_000)
	ct = a.GetOrConstruct(accountID)
	ct.Name = "same instant"
	require.Nil(a.Set(ct))
	rewrite := remote(t, 1000, "a1", a)

	// both merge orders keep the same-instant write, matching the
	// cell-level rule that a set beats an erase on an exact tie
	m1 := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	m2 := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	_, err = m1.Merge([]RemoteConfig{rewrite, erased})
	require.Nil(err)
	_, err = m2.Merge([]RemoteConfig{erased, rewrite})
	require.Nil(err)

	c1, ok := m1.Get(accountID)
	require.True(ok)
	c2, ok := m2.Get(accountID)
	require.True(ok)
	require.Equal("same instant", c1.Name)
	require.Equal(c1, c2)

	// the strictly older write still falls to the tombstone
	m3 := newTestContacts(t, clock.NewTestClock(2_000_000), seed)
	_, err = m3.Merge([]RemoteConfig{early, erased})
	require.Nil(err)
	_, ok = m3.Get(accountID)
	require.False(ok)
}

func TestLastReadMonotonic(t *testing.T) {
	require := require.New(t)
	seed := test.NewKey()
	accountID, _ := test.NewAccount()
	cfg := test.NewConfig()

	clA := clock.NewTestClock(1_000_000)
	a, err := NewConvoInfoVolatile(cfg, clA, seed, nil)
	require.Nil(err)
	advanced, err := a.SetLastRead(string(accountID), 5000)
	require.Nil(err)
	require.True(advanced)

	// rewinding locally is refused
	advanced, err = a.SetLastRead(string(accountID), 4000)
	require.Nil(err)
	require.False(advanced)

	// a remote with a smaller cursor but newer field timestamp cannot rewind
	clB := clock.NewTestClock(9_000_000)
	b, err := NewConvoInfoVolatile(cfg, clB, seed, nil)
	require.Nil(err)
	_, err = b.SetLastRead(string(accountID), 3000)
	require.Nil(err)

	_, err = a.Merge([]RemoteConfig{remote(t, 9000, "b", b)})
	require.Nil(err)
	convo, ok := a.Get(string(accountID))
	require.True(ok)
	require.Equal(uint64(5000), convo.LastReadMs)

	// but a genuinely larger cursor advances even with an older timestamp
	_, err = b.SetLastRead(string(accountID), 8000)
	require.Nil(err)
	_, err = a.Merge([]RemoteConfig{remote(t, 9001, "b2", b)})
	require.Nil(err)
	convo, _ = a.Get(string(accountID))
	require.Equal(uint64(8000), convo.LastReadMs)
}

func TestFieldLimitRejected(t *testing.T) {
	require := require.New(t)
	accountID, _ := test.NewAccount()
	c := newTestContacts(t, clock.NewTestClock(1_000_000), test.NewKey())

	ct := c.GetOrConstruct(accountID)
	ct.Name = strings.Repeat("a", record.NameMaxBytes+1)
	require.ErrorIs(c.Set(ct), ErrTooLarge)

	// the rejected write left nothing behind
	_, ok := c.Get(accountID)
	require.False(ok)
	require.False(c.NeedsPush())
}

func TestCiphertextBudgetStableBound(t *testing.T) {
	require := require.New(t)
	cl := clock.NewTestClock(1_000_000)
	s := newStore(test.NewConfig(), cl, NamespaceContacts, nil)
	require.Nil(s.AddKey(test.NewKey(), true))

	// records with a fixed-size unlimited field fill until the budget trips
	val := []byte(strings.Repeat("v", 8000))
	accepted := 0
	var rejected error
	for i := 0; i < 64; i++ {
		id, _ := test.NewAccount()
		r := s.GetOrConstruct(string(id))
		r.SetBytes("z", val, cl.CurrentTimeMs())
		if err := s.Set(r); err != nil {
			rejected = err
			break
		}
		accepted++
	}
	require.ErrorIs(rejected, ErrTooLarge)
	require.GreaterOrEqual(accepted, 5)
	require.Equal(accepted, s.Size())

	// the store remains pushable after a rejected write
	_, err := s.Push()
	require.Nil(err)
}

func TestIterateLoopGuard(t *testing.T) {
	require := require.New(t)
	c := newTestContacts(t, clock.NewTestClock(1_000_000), test.NewKey(), config.WithLoopGuardLimit(3))

	for i := 0; i < 5; i++ {
		id, _ := test.NewAccount()
		ct := c.GetOrConstruct(id)
		ct.Name = "x"
		require.Nil(c.Set(ct))
	}
	_, err := c.All()
	require.ErrorIs(err, ErrLoopLimitReached)
}

func TestDumpRestore(t *testing.T) {
	require := require.New(t)
	seed := test.NewKey()
	accountID, _ := test.NewAccount()
	cfg := test.NewConfig()

	a, err := NewContacts(cfg, clock.NewTestClock(1_000_000), seed, nil)
	require.Nil(err)
	ct := a.GetOrConstruct(accountID)
	ct.Name = "alice"
	ct.Priority = 7
	require.Nil(a.Set(ct))
	p, err := a.Push()
	require.Nil(err)

	require.True(a.NeedsDump())
	dump, err := a.Dump()
	require.Nil(err)
	require.False(a.NeedsDump())

	b, err := NewContacts(cfg, clock.NewTestClock(5_000_000), seed, dump)
	require.Nil(err)
	require.Equal(StateWaiting, b.State())
	require.Equal(a.Seqno(), b.Seqno())
	got, ok := b.Get(accountID)
	require.True(ok)
	require.Equal("alice", got.Name)
	require.Equal(int64(7), got.Priority)

	// the restored store completes the push lifecycle where it left off
	b.ConfirmPushed(p.Seqno)
	require.Equal(StateClean, b.State())

	_, err = NewContacts(cfg, clock.NewTestClock(1_000_000), seed, []byte("garbage"))
	require.ErrorIs(err, ErrInvalidDump)
}

func TestKeyRotationOldMessagesStillReadable(t *testing.T) {
	require := require.New(t)
	oldSeed := test.NewKey()
	accountID, _ := test.NewAccount()

	a := newTestContacts(t, clock.NewTestClock(1_000_000), oldSeed)
	ct := a.GetOrConstruct(accountID)
	ct.Name = "alice"
	require.Nil(a.Set(ct))
	oldMsg := remote(t, 1000, "old", a)

	// reader holds the new key first but keeps the old for decryption
	b := newTestContacts(t, clock.NewTestClock(2_000_000), test.NewKey())
	oldKey, err := deriveNamespaceKey(oldSeed, NamespaceContacts)
	require.Nil(err)
	require.Nil(b.AddKey(oldKey, false))

	n, err := b.Merge([]RemoteConfig{oldMsg})
	require.Nil(err)
	require.Equal(1, n)
	got, ok := b.Get(accountID)
	require.True(ok)
	require.Equal("alice", got.Name)
}

func TestUserProfile(t *testing.T) {
	require := require.New(t)
	cfg := test.NewConfig()
	u, err := NewUserProfile(cfg, clock.NewTestClock(1_000_000), test.NewKey(), nil)
	require.Nil(err)

	require.Equal("", u.Name())
	require.Nil(u.SetName("alice"))
	require.Equal("alice", u.Name())

	pic := Pic{URL: "http://files.example.org/abc", Key: test.NewKey()}
	require.Nil(u.SetPic(pic))
	require.Equal(pic, u.Pic())

	require.Nil(u.SetNoteToSelfPriority(-1))
	require.Equal(int64(-1), u.NoteToSelfPriority())
	require.False(ShouldBeVisible(u.NoteToSelfPriority()))

	require.Nil(u.SetBlocksCommunityMessageRequests(true))
	require.True(u.BlocksCommunityMessageRequests())

	// clearing the name removes the field entirely
	require.Nil(u.SetName(""))
	require.Equal("", u.Name())

	// a pic without a key counts as unset
	require.Nil(u.SetPic(Pic{URL: "http://files.example.org/abc"}))
	require.True(u.Pic().Empty())
}

func TestUserGroupsEntries(t *testing.T) {
	require := require.New(t)
	cfg := test.NewConfig()
	u, err := NewUserGroups(cfg, clock.NewTestClock(1_000_000), test.NewKey(), nil)
	require.Nil(err)

	groupID, adminKey := test.NewGroup()
	require.Nil(u.SetGroup(&GroupEntry{
		ID:       groupID,
		Name:     "club",
		Priority: 3,
		AuthData: []byte("delegated"),
	}))
	g, ok := u.Group(groupID)
	require.True(ok)
	require.False(g.IsAdmin())
	require.Equal([]byte("delegated"), g.Credential())

	// the admin key takes precedence once held
	g.AdminKey = adminKey
	require.Nil(u.SetGroup(g))
	g, _ = u.Group(groupID)
	require.True(g.IsAdmin())
	require.Equal(adminKey, g.Credential())

	require.Nil(u.SetCommunity(&CommunityEntry{
		BaseURL:   "HTTP://Example.ORG:80",
		Room:      "Gardening",
		PubKeyHex: strings.ToUpper(strings.Repeat("a1", 32)),
		Priority:  1,
	}))
	// lookup works with un-canonicalized coordinates
	e, ok := u.Community("http://example.org", "Gardening", strings.Repeat("a1", 32))
	require.True(ok)
	require.Equal("http://example.org", e.BaseURL)
	require.Equal("Gardening", e.Room)

	groups, err := u.AllGroups()
	require.Nil(err)
	require.Len(groups, 1)
	comms, err := u.AllCommunities()
	require.Nil(err)
	require.Len(comms, 1)

	require.True(u.EraseCommunity("http://example.org", "Gardening", strings.Repeat("a1", 32)))
	comms, err = u.AllCommunities()
	require.Nil(err)
	require.Len(comms, 0)
}
