// Package lockfile provides named, timeout-bounded exclusive locks over
// durable resources shared by independent worker processes.
//
// A lock is a file created with O_EXCL next to the resource it guards.
// Contending workers poll with backoff until the configured timeout,
// which surfaces as consts.ErrLockTimeout. A lock file older than the
// stale age is presumed abandoned by a dead worker and is reclaimed, so
// a crashed holder can never wedge the store for everyone else.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/corvid-mail/rook/consts"
	"github.com/corvid-mail/rook/logger"
	"github.com/corvid-mail/rook/pkg/metrics"
	"github.com/corvid-mail/rook/pkg/retry"
)

// LockFile is a handle on one named lock. A handle is not safe for
// concurrent use; each worker goroutine takes its own.
type LockFile struct {
	path     string
	name     string
	timeout  time.Duration
	staleAge time.Duration

	token string // content written on acquisition, proves ownership on release
	held  bool
}

type Option func(*LockFile)

// WithTimeout bounds how long Acquire waits before ErrLockTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *LockFile) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithStaleAge sets the age past which a held lock is reclaimed.
func WithStaleAge(d time.Duration) Option {
	return func(l *LockFile) {
		if d > 0 {
			l.staleAge = d
		}
	}
}

// New returns a handle on the lock file at path.
func New(path string, opts ...Option) *LockFile {
	l := &LockFile{
		path:     path,
		name:     filepath.Base(path),
		timeout:  consts.DefaultLockTimeout,
		staleAge: consts.DefaultLockStaleAge,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock, polling with backoff until the timeout or
// context cancellation. Timeout expiry is a reported failure
// (consts.ErrLockTimeout), never a silent fallback.
func (l *LockFile) Acquire(ctx context.Context) error {
	if l.held {
		return fmt.Errorf("lock %s already held by this handle", l.name)
	}

	start := time.Now()
	deadline := start.Add(l.timeout)
	backoff := retry.ExponentialBackoff(retry.BackoffConfig{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          true,
	})

	for attempt := 0; ; attempt++ {
		ok, err := l.tryAcquire()
		if err != nil {
			metrics.LockAcquisitionsTotal.WithLabelValues(l.name, "error").Inc()
			return err
		}
		if ok {
			metrics.LockAcquisitionsTotal.WithLabelValues(l.name, "acquired").Inc()
			metrics.LockWaitDuration.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
			return nil
		}

		l.breakIfStale()

		delay := backoff(attempt)
		if time.Now().Add(delay).After(deadline) {
			// One last immediate attempt at the deadline edge.
			if remaining := time.Until(deadline); remaining > 0 {
				delay = remaining
			} else {
				metrics.LockAcquisitionsTotal.WithLabelValues(l.name, "timeout").Inc()
				return fmt.Errorf("lock %s not acquired within %s: %w", l.name, l.timeout, consts.ErrLockTimeout)
			}
		}

		select {
		case <-ctx.Done():
			metrics.LockAcquisitionsTotal.WithLabelValues(l.name, "cancelled").Inc()
			return fmt.Errorf("lock %s acquisition cancelled: %w", l.name, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (l *LockFile) tryAcquire() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("lock %s: %w", l.name, err)
	}

	host, _ := os.Hostname()
	nonce := make([]byte, 8)
	rand.Read(nonce)
	token := fmt.Sprintf("%d %s %d %s\n", os.Getpid(), host, time.Now().Unix(), hex.EncodeToString(nonce))

	if _, err := f.WriteString(token); err != nil {
		f.Close()
		os.Remove(l.path)
		return false, fmt.Errorf("lock %s: %w", l.name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("lock %s: %w", l.name, err)
	}

	l.token = token
	l.held = true
	return true, nil
}

// breakIfStale removes a lock file whose holder is presumed dead. Two
// workers may race to break the same stale lock; the loser of the
// subsequent O_EXCL create simply keeps waiting.
func (l *LockFile) breakIfStale() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}
	age := time.Since(info.ModTime())
	if age <= l.staleAge {
		return
	}
	logger.Warn("breaking stale lock", "lock", l.name, "age", age.String())
	metrics.LockAcquisitionsTotal.WithLabelValues(l.name, "stale_break").Inc()
	os.Remove(l.path)
}

// Release drops the lock. It removes the lock file only if this handle
// still owns it; a lock reclaimed by another worker is left alone.
func (l *LockFile) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	content, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("lock %s release: %w", l.name, err)
	}
	if string(content) != l.token {
		logger.Warn("lock was reclaimed by another worker, not removing", "lock", l.name)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock %s release: %w", l.name, err)
	}
	return nil
}

// WithLock runs fn while holding the lock. The lock is released on
// every exit path, including panics and context cancellation, so an
// aborted worker never leaves the resource wedged.
func (l *LockFile) WithLock(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Error("lock release failed", "lock", l.name, "error", err)
		}
	}()
	return fn()
}
