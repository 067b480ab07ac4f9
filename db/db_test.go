package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvid-mail/rook/bounce"
	"github.com/corvid-mail/rook/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "rook.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testListRow() List {
	return List{
		Name:                   "announce",
		AdminAddress:           "admin@example.com",
		Owners:                 []string{"owner@example.com"},
		MinimumRemovalDate:     5,
		MinimumPostCount:       3,
		AutomaticBounceAction:  1,
		MaxPostsBetweenBounces: 5,
	}
}

func TestCreateAndGetList(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateList(ctx, testListRow()))

	l, err := d.GetList(ctx, "announce")
	require.NoError(t, err)
	assert.Equal(t, "announce", l.Name)
	assert.Equal(t, "admin@example.com", l.AdminAddress)
	assert.Equal(t, []string{"owner@example.com"}, l.Owners)
	assert.Equal(t, int64(0), l.PostID)
	assert.Equal(t, 5, l.MinimumRemovalDate)
}

func TestCreateListDuplicate(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateList(ctx, testListRow()))
	err := d.CreateList(ctx, testListRow())
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrListExists))
}

func TestGetListNotFound(t *testing.T) {
	d := newTestDB(t)
	_, err := d.GetList(context.Background(), "missing")
	assert.True(t, errors.Is(err, consts.ErrListNotFound))
}

func TestListNameIsCaseInsensitive(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateList(ctx, testListRow()))
	l, err := d.GetList(ctx, "ANNOUNCE")
	require.NoError(t, err)
	assert.Equal(t, "announce", l.Name)
}

func TestCounters(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))

	for want := int64(1); want <= 3; want++ {
		got, err := d.IncrementPostID(ctx, "announce")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	v, err := d.IncrementVolume(ctx, "announce")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = d.IncrementPostID(ctx, "missing")
	assert.True(t, errors.Is(err, consts.ErrListNotFound))
}

func TestAddAndGetMember(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))

	require.NoError(t, d.AddMember(ctx, "announce", "User@Example.COM", "$2a$10$hash", "en", false))

	m, err := d.GetMember(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", m.Address, "addresses are normalized on write")
	assert.True(t, m.DeliveryEnabled)
	assert.False(t, m.Digest)
	assert.Equal(t, "$2a$10$hash", m.PasswordHash)

	err = d.AddMember(ctx, "announce", "user@example.com", "x", "en", false)
	assert.True(t, errors.Is(err, consts.ErrMemberExists))
}

func TestMemberKind(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))
	require.NoError(t, d.AddMember(ctx, "announce", "plain@example.com", "h", "en", false))
	require.NoError(t, d.AddMember(ctx, "announce", "digest@example.com", "h", "en", true))

	kind, err := d.MemberKind(ctx, "announce", "plain@example.com")
	require.NoError(t, err)
	assert.Equal(t, bounce.MemberRegular, kind)

	kind, err = d.MemberKind(ctx, "announce", "digest@example.com")
	require.NoError(t, err)
	assert.Equal(t, bounce.MemberDigest, kind)

	kind, err = d.MemberKind(ctx, "announce", "stranger@example.com")
	require.NoError(t, err, "an unknown address is not an error")
	assert.Equal(t, bounce.MemberNone, kind)
}

func TestDisableDeliveryIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))
	require.NoError(t, d.AddMember(ctx, "announce", "user@example.com", "h", "en", false))

	changed, err := d.DisableDelivery(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = d.DisableDelivery(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	assert.False(t, changed, "second disable must report no state change")

	_, err = d.DisableDelivery(ctx, "announce", "stranger@example.com")
	assert.True(t, errors.Is(err, consts.ErrNotAMember))

	changed, err = d.EnableDelivery(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	assert.True(t, changed)

	m, err := d.GetMember(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	assert.True(t, m.DeliveryEnabled)
}

func TestRemoveMemberClearsBounceRecord(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))
	require.NoError(t, d.AddMember(ctx, "announce", "user@example.com", "h", "en", false))
	require.NoError(t, d.PutRecord(ctx, "announce", "user@example.com", bounce.Record{
		FirstBounceAt: time.Now(),
		WindowStart:   1,
		WindowEnd:     2,
	}))

	require.NoError(t, d.RemoveMember(ctx, "announce", "user@example.com"))

	_, err := d.GetMember(ctx, "announce", "user@example.com")
	assert.True(t, errors.Is(err, consts.ErrNotAMember))

	rec, err := d.GetRecord(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	assert.Nil(t, rec)

	err = d.RemoveMember(ctx, "announce", "user@example.com")
	assert.True(t, errors.Is(err, consts.ErrNotAMember))
}

func TestChangeAddress(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))
	require.NoError(t, d.AddMember(ctx, "announce", "old@example.com", "keepme", "de", true))
	require.NoError(t, d.PutRecord(ctx, "announce", "old@example.com", bounce.Record{
		FirstBounceAt: time.Now(),
		WindowStart:   1,
		WindowEnd:     2,
	}))

	require.NoError(t, d.ChangeAddress(ctx, "announce", "old@example.com", "new@example.com"))

	m, err := d.GetMember(ctx, "announce", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "keepme", m.PasswordHash, "options carry over to the new address")
	assert.True(t, m.Digest)
	assert.Equal(t, "de", m.Language)

	_, err = d.GetMember(ctx, "announce", "old@example.com")
	assert.True(t, errors.Is(err, consts.ErrNotAMember))

	rec, err := d.GetRecord(ctx, "announce", "old@example.com")
	require.NoError(t, err)
	assert.Nil(t, rec, "bounce history belongs to the old address")

	err = d.ChangeAddress(ctx, "announce", "gone@example.com", "x@example.com")
	assert.True(t, errors.Is(err, consts.ErrNotAMember))
}

func TestBounceRecordRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))

	rec, err := d.GetRecord(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	assert.Nil(t, rec, "absent record is nil, not an error")

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.PutRecord(ctx, "announce", "user@example.com", bounce.Record{
		FirstBounceAt: first,
		WindowStart:   5,
		WindowEnd:     5,
	}))

	// Upsert extends the window in place.
	require.NoError(t, d.PutRecord(ctx, "announce", "user@example.com", bounce.Record{
		FirstBounceAt: first,
		WindowStart:   5,
		WindowEnd:     9,
	}))

	rec, err = d.GetRecord(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.FirstBounceAt.Equal(first))
	assert.Equal(t, int64(5), rec.WindowStart)
	assert.Equal(t, int64(9), rec.WindowEnd)

	require.NoError(t, d.DeleteRecord(ctx, "announce", "user@example.com"))
	rec, err = d.GetRecord(ctx, "announce", "user@example.com")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Deleting again is fine.
	require.NoError(t, d.DeleteRecord(ctx, "announce", "user@example.com"))
}

func TestPutRecordRejectsInvertedWindow(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))

	err := d.PutRecord(ctx, "announce", "user@example.com", bounce.Record{
		FirstBounceAt: time.Now(),
		WindowStart:   9,
		WindowEnd:     5,
	})
	require.Error(t, err)
}

func TestCullStale(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.CreateList(ctx, testListRow()))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.PutRecord(ctx, "announce", "old@example.com", bounce.Record{
		FirstBounceAt: now.Add(-40 * 24 * time.Hour), WindowStart: 1, WindowEnd: 1,
	}))
	require.NoError(t, d.PutRecord(ctx, "announce", "fresh@example.com", bounce.Record{
		FirstBounceAt: now.Add(-time.Hour), WindowStart: 1, WindowEnd: 1,
	}))

	n, err := d.CullStale(ctx, "announce", now.Add(-25*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := d.GetRecord(ctx, "announce", "old@example.com")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = d.GetRecord(ctx, "announce", "fresh@example.com")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestListInfoConversion(t *testing.T) {
	l := testListRow()
	l.PostID = 42
	l.Volume = 7

	info, err := l.Info(5)
	require.NoError(t, err)
	assert.Equal(t, "announce", info.Name)
	assert.Equal(t, int64(42), info.PostID)
	assert.Equal(t, int64(7), info.Volume)
	assert.Equal(t, bounce.ActionDisableNotice, info.Action)
	assert.Equal(t, 5, info.Thresholds.StaleWindowMultiplier)

	l.AutomaticBounceAction = 9
	_, err = l.Info(5)
	require.Error(t, err, "out-of-range action must not reach the engine")
}
