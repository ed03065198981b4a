package state

import (
	"testing"

	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/ids"
	"github.com/plait-im/go-plait/internal/test"
	"github.com/stretchr/testify/require"
)

func newTestGroupKeys(t *testing.T, groupID ids.GroupID, userID ids.AccountID, userPriv, adminKey []byte) *GroupKeys {
	t.Helper()
	gk, err := NewGroupKeys(test.NewConfig(), clock.NewTestClock(1_000_000), groupID, userID, userPriv, adminKey, nil)
	require.Nil(t, err)
	return gk
}

func flush(t *testing.T, from, to *GroupKeys) {
	t.Helper()
	var remotes []RemoteConfig
	for _, p := range from.PendingPushes() {
		remotes = append(remotes, RemoteConfig{Hash: "h", TimestampMs: 1000, Data: p.Payload})
	}
	_, err := to.Merge(remotes)
	require.Nil(t, err)
}

func TestGroupKeysRekeyDistributes(t *testing.T) {
	require := require.New(t)
	groupID, adminSecret := test.NewGroup()
	adminID, adminPriv := test.NewAccount()
	memberID, memberPriv := test.NewAccount()

	admin := newTestGroupKeys(t, groupID, adminID, adminPriv, adminSecret)
	require.True(admin.IsAdmin())
	require.Equal(uint64(0), admin.CurrentGeneration())
	_, ok := admin.EncryptionKey()
	require.False(ok)

	key, err := admin.Rekey([]ids.AccountID{adminID, memberID})
	require.Nil(err)
	require.Len(key, 32)
	require.Equal(uint64(1), admin.CurrentGeneration())
	require.True(admin.NeedsPush())

	member := newTestGroupKeys(t, groupID, memberID, memberPriv, nil)
	require.False(member.IsAdmin())
	flush(t, admin, member)
	require.Equal(uint64(1), member.CurrentGeneration())
	got, ok := member.EncryptionKey()
	require.True(ok)
	require.Equal(key, got)

	// a non-member learns nothing from the same message
	strangerID, strangerPriv := test.NewAccount()
	stranger := newTestGroupKeys(t, groupID, strangerID, strangerPriv, nil)
	flush(t, admin, stranger)
	require.Equal(uint64(0), stranger.CurrentGeneration())
}

func TestGroupKeysAdminOnly(t *testing.T) {
	require := require.New(t)
	groupID, _ := test.NewGroup()
	memberID, memberPriv := test.NewAccount()

	member := newTestGroupKeys(t, groupID, memberID, memberPriv, nil)
	_, err := member.Rekey([]ids.AccountID{memberID})
	require.ErrorIs(err, ErrNotAdmin)
	require.ErrorIs(member.KeySupplement([]ids.AccountID{memberID}), ErrNotAdmin)

	// a secret for some other group does not grant admin either
	_, wrongSecret := test.NewGroup()
	impostor := newTestGroupKeys(t, groupID, memberID, memberPriv, wrongSecret)
	require.False(impostor.IsAdmin())
	_, err = impostor.Rekey([]ids.AccountID{memberID})
	require.ErrorIs(err, ErrNotAdmin)
}

func TestGroupKeysCollisionConverges(t *testing.T) {
	require := require.New(t)
	groupID, adminSecret := test.NewGroup()
	aID, aPriv := test.NewAccount()
	bID, bPriv := test.NewAccount()
	members := []ids.AccountID{aID, bID}

	a := newTestGroupKeys(t, groupID, aID, aPriv, adminSecret)
	b := newTestGroupKeys(t, groupID, bID, bPriv, adminSecret)

	// both admins rekey concurrently: distinct keys at the same generation
	_, err := a.Rekey(members)
	require.Nil(err)
	_, err = b.Rekey(members)
	require.Nil(err)
	flush(t, a, b)
	flush(t, b, a)
	require.Equal(uint64(1), a.CurrentGeneration())
	require.True(a.NeedsRekey())
	require.True(b.NeedsRekey())

	// while colliding, both sides pick the same interim encryption key
	ka, _ := a.EncryptionKey()
	kb, _ := b.EncryptionKey()
	require.Equal(ka, kb)

	// the converged rekey is derived, so both produce the identical key and
	// the rings settle without exchanging a single message
	ra, err := a.Rekey(members)
	require.Nil(err)
	rb, err := b.Rekey(members)
	require.Nil(err)
	require.Equal(ra, rb)
	require.Equal(uint64(2), a.CurrentGeneration())
	require.False(a.NeedsRekey())

	// cross-merging the converged rekeys changes nothing
	flush(t, a, b)
	flush(t, b, a)
	require.False(a.NeedsRekey())
	require.False(b.NeedsRekey())
	require.Equal(uint64(2), b.CurrentGeneration())
}

func TestGroupKeysSupplement(t *testing.T) {
	require := require.New(t)
	groupID, adminSecret := test.NewGroup()
	adminID, adminPriv := test.NewAccount()

	admin := newTestGroupKeys(t, groupID, adminID, adminPriv, adminSecret)
	require.ErrorIs(admin.KeySupplement([]ids.AccountID{adminID}), ErrFailedToRekey)

	k1, err := admin.Rekey([]ids.AccountID{adminID})
	require.Nil(err)
	k2, err := admin.Rekey([]ids.AccountID{adminID})
	require.Nil(err)
	for _, p := range admin.PendingPushes() {
		admin.ConfirmPushed(p.Seqno)
	}

	// a late joiner gets every historic key without the generation moving
	lateID, latePriv := test.NewAccount()
	require.Nil(admin.KeySupplement([]ids.AccountID{lateID}))
	require.Equal(uint64(2), admin.CurrentGeneration())

	late := newTestGroupKeys(t, groupID, lateID, latePriv, nil)
	flush(t, admin, late)
	require.Equal(uint64(2), late.CurrentGeneration())
	all := late.AllKeys()
	require.Len(all, 2)
	require.Equal(k2, all[0])
	require.Equal(k1, all[1])
}

func TestGroupKeysPushConfirm(t *testing.T) {
	require := require.New(t)
	groupID, adminSecret := test.NewGroup()
	adminID, adminPriv := test.NewAccount()

	admin := newTestGroupKeys(t, groupID, adminID, adminPriv, adminSecret)
	require.False(admin.NeedsPush())
	_, err := admin.Rekey([]ids.AccountID{adminID})
	require.Nil(err)
	_, err = admin.Rekey([]ids.AccountID{adminID})
	require.Nil(err)

	pushes := admin.PendingPushes()
	require.Len(pushes, 2)
	admin.ConfirmPushed(pushes[0].Seqno)
	require.Len(admin.PendingPushes(), 1)
	// repeated and unknown confirmations are ignored
	admin.ConfirmPushed(pushes[0].Seqno)
	admin.ConfirmPushed(9999)
	require.Len(admin.PendingPushes(), 1)
	admin.ConfirmPushed(pushes[1].Seqno)
	require.False(admin.NeedsPush())
}

func TestGroupKeysDumpRestore(t *testing.T) {
	require := require.New(t)
	groupID, adminSecret := test.NewGroup()
	adminID, adminPriv := test.NewAccount()

	admin := newTestGroupKeys(t, groupID, adminID, adminPriv, adminSecret)
	k, err := admin.Rekey([]ids.AccountID{adminID})
	require.Nil(err)
	require.True(admin.NeedsDump())

	dump, err := admin.Dump()
	require.Nil(err)
	require.False(admin.NeedsDump())

	restored, err := NewGroupKeys(test.NewConfig(), clock.NewTestClock(1_000_000), groupID, adminID, adminPriv, adminSecret, dump)
	require.Nil(err)
	require.Equal(uint64(1), restored.CurrentGeneration())
	got, ok := restored.EncryptionKey()
	require.True(ok)
	require.Equal(k, got)
	require.Len(restored.PendingPushes(), 1)

	_, err = NewGroupKeys(test.NewConfig(), clock.NewTestClock(1_000_000), groupID, adminID, adminPriv, adminSecret, []byte("junk"))
	require.ErrorIs(err, ErrInvalidDump)
}

func TestGroupInfoAndMembersNeedKeys(t *testing.T) {
	require := require.New(t)
	cfg := test.NewConfig()
	cl := clock.NewTestClock(1_000_000)
	groupID, adminSecret := test.NewGroup()
	adminID, adminPriv := test.NewAccount()

	empty := newTestGroupKeys(t, groupID, adminID, adminPriv, adminSecret)
	_, err := NewGroupInfo(cfg, cl, groupID, empty, nil)
	require.ErrorIs(err, ErrNoGroupKeys)
	_, err = NewGroupMembers(cfg, cl, groupID, empty, nil)
	require.ErrorIs(err, ErrNoGroupKeys)

	_, err = empty.Rekey([]ids.AccountID{adminID})
	require.Nil(err)
	info, err := NewGroupInfo(cfg, cl, groupID, empty, nil)
	require.Nil(err)
	require.Nil(info.SetName("reading club"))
	require.Equal("reading club", info.Name())
}

func TestGroupConfigAcrossRekey(t *testing.T) {
	require := require.New(t)
	cfg := test.NewConfig()
	groupID, adminSecret := test.NewGroup()
	adminID, adminPriv := test.NewAccount()
	memberID, memberPriv := test.NewAccount()
	members := []ids.AccountID{adminID, memberID}

	adminKeys := newTestGroupKeys(t, groupID, adminID, adminPriv, adminSecret)
	_, err := adminKeys.Rekey(members)
	require.Nil(err)

	adminInfo, err := NewGroupInfo(cfg, clock.NewTestClock(1_000_000), groupID, adminKeys, nil)
	require.Nil(err)
	require.Nil(adminInfo.SetName("reading club"))
	oldPush, err := adminInfo.Push()
	require.Nil(err)
	adminInfo.ConfirmPushed(oldPush.Seqno)

	// rotate, then push an update under the new generation key
	_, err = adminKeys.Rekey(members)
	require.Nil(err)
	require.Nil(adminInfo.RefreshKeys(adminKeys))
	require.Nil(adminInfo.SetDescription("weekly"))
	newPush, err := adminInfo.Push()
	require.Nil(err)

	memberKeys := newTestGroupKeys(t, groupID, memberID, memberPriv, nil)
	flush(t, adminKeys, memberKeys)
	memberInfo, err := NewGroupInfo(cfg, clock.NewTestClock(2_000_000), groupID, memberKeys, nil)
	require.Nil(err)

	// both generations decrypt: the old message and the new one
	n, err := memberInfo.Merge([]RemoteConfig{
		{Hash: "old", TimestampMs: 1000, Data: oldPush.Payload},
		{Hash: "new", TimestampMs: 2000, Data: newPush.Payload},
	})
	require.Nil(err)
	require.Equal(2, n)
	require.Equal("reading club", memberInfo.Name())
	require.Equal("weekly", memberInfo.Description())
}

func TestGroupMembersTriState(t *testing.T) {
	require := require.New(t)
	cfg := test.NewConfig()
	groupID, adminSecret := test.NewGroup()
	adminID, adminPriv := test.NewAccount()

	keys := newTestGroupKeys(t, groupID, adminID, adminPriv, adminSecret)
	_, err := keys.Rekey([]ids.AccountID{adminID})
	require.Nil(err)
	gm, err := NewGroupMembers(cfg, clock.NewTestClock(1_000_000), groupID, keys, nil)
	require.Nil(err)

	memberID, _ := test.NewAccount()
	m := gm.GetOrConstruct(memberID)
	m.Name = "bob"
	m.Invited = Pending
	require.Nil(gm.Set(m))

	got, ok := gm.Get(memberID)
	require.True(ok)
	require.Equal(Pending, got.Invited)
	require.Equal(NotPending, got.Removed)
	require.False(got.PurgeHistory())

	got.Invited = NotPending
	got.Removed = Failed
	require.Nil(gm.Set(got))
	got, _ = gm.Get(memberID)
	require.True(got.PurgeHistory())

	admin := gm.GetOrConstruct(adminID)
	admin.Admin = true
	require.Nil(gm.Set(admin))
	admins, err := gm.Admins()
	require.Nil(err)
	require.Len(admins, 1)
	require.Equal(adminID, admins[0].ID)
}
