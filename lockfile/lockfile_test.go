package lockfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvid-mail/rook/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	l := New(path)

	require.NoError(t, l.Acquire(context.Background()))
	_, err := os.Stat(path)
	require.NoError(t, err, "lock file should exist while held")

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "lock file should be gone after release")
}

func TestAcquireTwiceSameHandle(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "store.lock"))
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	err := l.Acquire(context.Background())
	require.Error(t, err)
}

func TestContentionTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")

	holder := New(path)
	require.NoError(t, holder.Acquire(context.Background()))
	defer holder.Release()

	waiter := New(path, WithTimeout(250*time.Millisecond))
	start := time.Now()
	err := waiter.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrLockTimeout), "expected ErrLockTimeout, got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestContentionSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")

	holder := New(path)
	require.NoError(t, holder.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		waiter := New(path, WithTimeout(5*time.Second))
		done <- waiter.Acquire(context.Background())
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, holder.Release())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestStaleLockIsReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")

	// A lock left behind by a dead worker.
	require.NoError(t, os.WriteFile(path, []byte("999999 ghost 0 dead\n"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	l := New(path, WithTimeout(5*time.Second), WithStaleAge(time.Minute))
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "ghost", "stale token should be replaced")
}

func TestFreshLockIsNotReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	require.NoError(t, os.WriteFile(path, []byte("1234 other 0 live\n"), 0644))

	l := New(path, WithTimeout(200*time.Millisecond), WithStaleAge(time.Hour))
	err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrLockTimeout))
}

func TestReleaseLeavesReclaimedLockAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	l := New(path)
	require.NoError(t, l.Acquire(context.Background()))

	// Another worker broke the lock as stale and took it over.
	require.NoError(t, os.WriteFile(path, []byte("4321 rival 1 nonce\n"), 0644))

	require.NoError(t, l.Release())
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4321 rival 1 nonce\n", string(content), "rival's lock must survive our release")
}

func TestAcquireCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	holder := New(path)
	require.NoError(t, holder.Acquire(context.Background()))
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	waiter := New(path, WithTimeout(time.Minute))
	err := waiter.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWithLockReleasesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	l := New(path)

	wantErr := errors.New("boom")
	err := l.WithLock(context.Background(), func() error { return wantErr })
	assert.True(t, errors.Is(err, wantErr))

	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "lock must be released when fn fails")
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	l := New(path)

	func() {
		defer func() { recover() }()
		_ = l.WithLock(context.Background(), func() error { panic("worker died") })
	}()

	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "lock must be released when fn panics")
}
