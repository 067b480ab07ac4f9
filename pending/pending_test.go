package pending

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/corvid-mail/rook/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable time source shared with the store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestStore(t *testing.T, life time.Duration, clock *testClock) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pending.db")
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	s, err := NewStore(path, life, opts...)
	require.NoError(t, err)
	return s
}

func TestNewAndConfirm(t *testing.T) {
	s := newTestStore(t, time.Hour, nil)
	ctx := context.Background()

	cookie, err := s.New(ctx, KindSubscription, "announce", "user@example.com", "hash", "false", "en")
	require.NoError(t, err)
	assert.Len(t, cookie, 64, "cookie should be 256 bits of hex")

	kind, payload, err := s.Confirm(ctx, cookie, true)
	require.NoError(t, err)
	assert.Equal(t, KindSubscription, kind)
	assert.Equal(t, []string{"announce", "user@example.com", "hash", "false", "en"}, payload)
}

func TestConfirmConsumesExactlyOnce(t *testing.T) {
	s := newTestStore(t, time.Hour, nil)
	ctx := context.Background()

	cookie, err := s.New(ctx, KindUnsubscription, "announce", "user@example.com")
	require.NoError(t, err)

	_, _, err = s.Confirm(ctx, cookie, true)
	require.NoError(t, err)

	_, _, err = s.Confirm(ctx, cookie, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrPendingNotFound), "second confirm must not succeed")
}

func TestConfirmWithoutExpungeRetains(t *testing.T) {
	s := newTestStore(t, time.Hour, nil)
	ctx := context.Background()

	cookie, err := s.New(ctx, KindHeldMessage, "announce", "msg-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		kind, payload, err := s.Confirm(ctx, cookie, false)
		require.NoError(t, err)
		assert.Equal(t, KindHeldMessage, kind)
		assert.Equal(t, []string{"announce", "msg-1"}, payload)
	}

	// Still consumable afterwards.
	_, _, err = s.Confirm(ctx, cookie, true)
	require.NoError(t, err)
}

func TestConfirmUnknownCookie(t *testing.T) {
	s := newTestStore(t, time.Hour, nil)
	_, _, err := s.Confirm(context.Background(), "no-such-cookie", true)
	assert.True(t, errors.Is(err, consts.ErrPendingNotFound))
}

func TestNewPanicsOnUnknownKind(t *testing.T) {
	s := newTestStore(t, time.Hour, nil)
	assert.Panics(t, func() {
		_, _ = s.New(context.Background(), Kind("X"), "whatever")
	})
}

func TestCookiesAreUnique(t *testing.T) {
	s := newTestStore(t, time.Hour, nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		cookie, err := s.New(ctx, KindSubscription, "announce", "user@example.com", "hash", "false", "en")
		require.NoError(t, err)
		assert.False(t, seen[cookie], "cookie %s minted twice", cookie)
		seen[cookie] = true
	}
}

func TestExpiryBoundary(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newTestClock(base)
	s := newTestStore(t, time.Hour, clock)
	ctx := context.Background()

	cookie, err := s.New(ctx, KindSubscription, "announce", "user@example.com", "hash", "false", "en")
	require.NoError(t, err)

	// Exactly at the deadline the entry is still live.
	clock.Set(base.Add(time.Hour))
	require.NoError(t, s.Cull(ctx))
	_, _, err = s.Confirm(ctx, cookie, false)
	require.NoError(t, err, "entry at exactly its eviction time must survive")

	// One step past the deadline it is gone.
	clock.Set(base.Add(time.Hour + time.Nanosecond))
	require.NoError(t, s.Cull(ctx))
	_, _, err = s.Confirm(ctx, cookie, true)
	assert.True(t, errors.Is(err, consts.ErrPendingNotFound), "expired entry must be evicted")
}

func TestExpiryIsPerEntry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newTestClock(base)
	s := newTestStore(t, time.Hour, clock)
	ctx := context.Background()

	oldCookie, err := s.New(ctx, KindSubscription, "announce", "old@example.com", "hash", "false", "en")
	require.NoError(t, err)

	clock.Set(base.Add(45 * time.Minute))
	newCookie, err := s.New(ctx, KindSubscription, "announce", "new@example.com", "hash", "false", "en")
	require.NoError(t, err)

	clock.Set(base.Add(90 * time.Minute))
	require.NoError(t, s.Cull(ctx))

	_, _, err = s.Confirm(ctx, oldCookie, true)
	assert.True(t, errors.Is(err, consts.ErrPendingNotFound))

	_, _, err = s.Confirm(ctx, newCookie, true)
	assert.NoError(t, err, "younger entry must outlive the older one")
}

func TestPersistenceAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.db")
	ctx := context.Background()

	s1, err := NewStore(path, time.Hour)
	require.NoError(t, err)
	cookie, err := s1.New(ctx, KindChangeOfAddress, "announce", "old@example.com", "new@example.com")
	require.NoError(t, err)

	// A different worker process opens the same store.
	s2, err := NewStore(path, time.Hour)
	require.NoError(t, err)
	kind, payload, err := s2.Confirm(ctx, cookie, true)
	require.NoError(t, err)
	assert.Equal(t, KindChangeOfAddress, kind)
	assert.Equal(t, []string{"announce", "old@example.com", "new@example.com"}, payload)

	// And the consumption is visible to the first one.
	_, _, err = s1.Confirm(ctx, cookie, true)
	assert.True(t, errors.Is(err, consts.ErrPendingNotFound))
}

func TestLegacyStoreMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.db")
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	legacy := map[string]any{
		"version": 1,
		"entries": map[string]any{
			"aabbcc": []string{"announce", "user@example.com", "hash", "false", "1769904000"},
			"broken": []string{"announce", "user@example.com", "hash", "false", "not-a-time"},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0640))

	clock := newTestClock(created.Add(time.Hour))
	s, err := NewStore(path, 72*time.Hour, WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	kind, payload, err := s.Confirm(ctx, "aabbcc", false)
	require.NoError(t, err)
	assert.Equal(t, KindSubscription, kind, "legacy entries are subscription requests")
	assert.Equal(t, []string{"announce", "user@example.com", "hash", "false"}, payload,
		"creation time must be stripped from the payload")

	// The unparseable entry was dropped on migration.
	_, _, err = s.Confirm(ctx, "broken", false)
	assert.True(t, errors.Is(err, consts.ErrPendingNotFound))

	// After a save the file is on the current schema.
	require.NoError(t, s.Cull(ctx))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var db rawDatabase
	require.NoError(t, json.Unmarshal(raw, &db))
	assert.Equal(t, SchemaVersion, db.Version)
}

func TestOrphanedBookkeepingIsPruned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.db")
	future := time.Now().Add(time.Hour)

	store := map[string]any{
		"version": SchemaVersion,
		"entries": map[string]any{
			"noeviction": map[string]any{"kind": "S", "payload": []string{"announce", "a@example.com"}},
			"good":       map[string]any{"kind": "U", "payload": []string{"announce", "b@example.com"}},
		},
		"evictions": map[string]any{
			"good":    future,
			"noentry": future,
		},
	}
	data, err := json.Marshal(store)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0640))

	s, err := NewStore(path, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Cull(ctx))

	// The entry with no eviction timestamp is gone.
	_, _, err = s.Confirm(ctx, "noeviction", false)
	assert.True(t, errors.Is(err, consts.ErrPendingNotFound))

	// The intact entry survived the pruning pass.
	kind, _, err := s.Confirm(ctx, "good", false)
	require.NoError(t, err)
	assert.Equal(t, KindUnsubscription, kind)

	// The dangling eviction timestamp is gone from the file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var db rawDatabase
	require.NoError(t, json.Unmarshal(raw, &db))
	_, hasOrphan := db.Evictions["noentry"]
	assert.False(t, hasOrphan)
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.db")
	ctx := context.Background()

	s, err := NewStore(path, time.Hour)
	require.NoError(t, err)
	_, err = s.New(ctx, KindSubscription, "announce", "user@example.com", "hash", "false", "en")
	require.NoError(t, err)

	// No temp files left behind after a successful save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"pending.db"}, names)
}
