// Package pending tracks confirmable operations awaiting out-of-band
// approval: subscriptions, unsubscriptions, address changes and held
// messages.
//
// New registers an operation and returns an unpredictable cookie for
// it. Confirm resolves a cookie back to its payload and, by default,
// expunges it in the same locked cycle, so two concurrent confirms of
// one cookie can never both succeed. Entries expire after the
// configured request lifetime and are culled opportunistically on
// every save; there is no background timer.
package pending

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/corvid-mail/rook/consts"
	"github.com/corvid-mail/rook/lockfile"
	"github.com/corvid-mail/rook/logger"
	"github.com/corvid-mail/rook/pkg/metrics"
	"lukechampine.com/blake3"
)

// Kind tags the type of a pending operation.
type Kind string

const (
	KindSubscription    Kind = "S"
	KindUnsubscription  Kind = "U"
	KindChangeOfAddress Kind = "C"
	KindHeldMessage     Kind = "H"
)

func (k Kind) String() string {
	switch k {
	case KindSubscription:
		return "subscription"
	case KindUnsubscription:
		return "unsubscription"
	case KindChangeOfAddress:
		return "address_change"
	case KindHeldMessage:
		return "held_message"
	default:
		return string(k)
	}
}

// Valid reports whether k is one of the four known tags.
func (k Kind) Valid() bool {
	switch k {
	case KindSubscription, KindUnsubscription, KindChangeOfAddress, KindHeldMessage:
		return true
	}
	return false
}

// SchemaVersion is stamped into every persisted store. Version 1 stores
// (no kind tag, creation time tacked onto the payload) are migrated on
// load.
const SchemaVersion = 2

// Store is the durable pending-request database. All operations wrap a
// full load-mutate-save cycle in the store's named lock.
type Store struct {
	path        string
	lock        *lockfile.LockFile
	requestLife time.Duration

	now func() time.Time
}

type entry struct {
	Kind    Kind     `json:"kind"`
	Payload []string `json:"payload"`
}

type database struct {
	Version   int                  `json:"version"`
	Entries   map[string]entry     `json:"entries"`
	Evictions map[string]time.Time `json:"evictions"`
}

// rawDatabase defers entry decoding until the schema version is known.
type rawDatabase struct {
	Version   int                        `json:"version"`
	Entries   map[string]json.RawMessage `json:"entries"`
	Evictions map[string]time.Time       `json:"evictions"`
}

type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockTimeout bounds lock acquisition for every store operation.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lock = lockfile.New(filepath.Join(filepath.Dir(s.path), consts.PendingLockName), lockfile.WithTimeout(d))
	}
}

// NewStore opens (or prepares to create) the pending store at path. The
// lock file lives next to the store file.
func NewStore(path string, requestLife time.Duration, opts ...Option) (*Store, error) {
	if requestLife <= 0 {
		return nil, fmt.Errorf("pending request lifetime must be positive, got %s", requestLife)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pending store directory %s: %w", dir, err)
	}
	s := &Store{
		path:        path,
		lock:        lockfile.New(filepath.Join(dir, consts.PendingLockName)),
		requestLife: requestLife,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// New registers a pending operation and returns its cookie. The store
// is durably persisted before New returns. Passing an unknown kind is a
// programming error and panics rather than storing malformed data.
func (s *Store) New(ctx context.Context, kind Kind, payload ...string) (string, error) {
	if !kind.Valid() {
		panic(fmt.Sprintf("pending: unknown record kind %q", kind))
	}

	var cookie string
	err := s.lock.WithLock(ctx, func() error {
		db, err := s.load()
		if err != nil {
			return err
		}

		// Derive a cookie that cannot collide with a live one. The hash
		// input mixes wall clock, fresh randomness and the content.
		for {
			cookie = deriveCookie(s.now(), kind, payload)
			if _, exists := db.Entries[cookie]; !exists {
				break
			}
		}

		db.Entries[cookie] = entry{Kind: kind, Payload: payload}
		db.Evictions[cookie] = s.now().Add(s.requestLife)
		return s.save(db)
	})
	if err != nil {
		metrics.PendingOperationsTotal.WithLabelValues("new", "error").Inc()
		return "", err
	}
	metrics.PendingOperationsTotal.WithLabelValues("new", "ok").Inc()
	return cookie, nil
}

// Confirm resolves a cookie to its kind and payload. An absent or
// already-culled cookie yields consts.ErrPendingNotFound, which is a
// normal outcome, not a failure. With expunge (the default for
// consumption) the entry is removed within the same locked cycle;
// without it the entry stays usable until expunged or expired.
func (s *Store) Confirm(ctx context.Context, cookie string, expunge bool) (Kind, []string, error) {
	var kind Kind
	var payload []string
	err := s.lock.WithLock(ctx, func() error {
		db, err := s.load()
		if err != nil {
			return err
		}
		e, ok := db.Entries[cookie]
		if !ok {
			return consts.ErrPendingNotFound
		}
		kind = e.Kind
		payload = e.Payload
		if expunge {
			delete(db.Entries, cookie)
			delete(db.Evictions, cookie)
			return s.save(db)
		}
		return nil
	})
	if err != nil {
		result := "error"
		if errors.Is(err, consts.ErrPendingNotFound) {
			result = "not_found"
		}
		metrics.PendingOperationsTotal.WithLabelValues("confirm", result).Inc()
		return "", nil, err
	}
	metrics.PendingOperationsTotal.WithLabelValues("confirm", "ok").Inc()
	return kind, payload, nil
}

// Cull runs one load-save cycle, dropping expired entries and pruning
// orphaned bookkeeping. Eviction also happens on every mutating
// operation; Cull exists for operators who want to force a pass.
func (s *Store) Cull(ctx context.Context) error {
	return s.lock.WithLock(ctx, func() error {
		db, err := s.load()
		if err != nil {
			return err
		}
		return s.save(db)
	})
}

// load reads the store file. The lock must be held. A missing file
// initializes a fresh database; a version 1 file is migrated in memory
// and rewritten at the next save.
func (s *Store) load() (*database, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &database{
				Version:   SchemaVersion,
				Entries:   make(map[string]entry),
				Evictions: make(map[string]time.Time),
			}, nil
		}
		return nil, fmt.Errorf("failed to read pending store %s: %w", s.path, err)
	}

	var raw rawDatabase
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pending store %s: %w", s.path, err)
	}

	db := &database{
		Version:   SchemaVersion,
		Entries:   make(map[string]entry, len(raw.Entries)),
		Evictions: raw.Evictions,
	}
	if db.Evictions == nil {
		db.Evictions = make(map[string]time.Time)
	}

	if raw.Version >= SchemaVersion {
		for cookie, msg := range raw.Entries {
			var e entry
			if err := json.Unmarshal(msg, &e); err != nil {
				return nil, fmt.Errorf("failed to parse pending store %s entry: %w", s.path, err)
			}
			db.Entries[cookie] = e
		}
		return db, nil
	}

	// Version 1: entries are bare payload tuples whose last element is
	// the creation time, and there is no eviction bookkeeping. The old
	// format could only represent subscription requests. Convert the
	// creation time into an eviction deadline.
	for cookie, msg := range raw.Entries {
		var tuple []string
		if err := json.Unmarshal(msg, &tuple); err != nil {
			return nil, fmt.Errorf("failed to migrate pending store %s entry: %w", s.path, err)
		}
		if len(tuple) == 0 {
			logger.Warn("dropping empty legacy pending entry", "cookie", cookie)
			continue
		}
		created, err := parseLegacyTime(tuple[len(tuple)-1])
		if err != nil {
			logger.Warn("dropping legacy pending entry with unparseable creation time",
				"cookie", cookie, "error", err)
			continue
		}
		db.Entries[cookie] = entry{Kind: KindSubscription, Payload: tuple[:len(tuple)-1]}
		db.Evictions[cookie] = created.Add(s.requestLife)
	}
	logger.Info("migrated pending store to current schema",
		"path", s.path, "from_version", raw.Version, "entries", len(db.Entries))
	return db, nil
}

func parseLegacyTime(v string) (time.Time, error) {
	var unix int64
	if _, err := fmt.Sscanf(v, "%d", &unix); err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

// save evicts stale entries, reconciles the two mappings, stamps the
// schema version and atomically replaces the store file. The lock must
// be held. The file is never edited in place, so a killed worker leaves
// the last fully-committed state behind.
func (s *Store) save(db *database) error {
	now := s.now()

	for cookie := range db.Entries {
		deadline, ok := db.Evictions[cookie]
		if !ok {
			// Content without an eviction timestamp is corruption from a
			// torn legacy writer. Prune rather than propagate.
			logger.Warn("pruning pending entry with no eviction timestamp",
				"cookie", cookie, "error", consts.ErrCorruptEntry)
			metrics.PendingEvictionsTotal.WithLabelValues("orphan").Inc()
			delete(db.Entries, cookie)
			continue
		}
		// Strictly past the deadline: an entry at exactly its eviction
		// time is still live.
		if now.After(deadline) {
			metrics.PendingEvictionsTotal.WithLabelValues("expired").Inc()
			delete(db.Entries, cookie)
			delete(db.Evictions, cookie)
		}
	}
	for cookie := range db.Evictions {
		if _, ok := db.Entries[cookie]; !ok {
			logger.Warn("pruning eviction timestamp with no pending entry",
				"cookie", cookie, "error", consts.ErrCorruptEntry)
			metrics.PendingEvictionsTotal.WithLabelValues("orphan").Inc()
			delete(db.Evictions, cookie)
		}
	}

	db.Version = SchemaVersion
	data, err := json.Marshal(db)
	if err != nil {
		return fmt.Errorf("failed to encode pending store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("failed to create pending store temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write pending store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync pending store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close pending store temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod pending store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace pending store: %w", err)
	}

	metrics.PendingEntriesCurrent.Set(float64(len(db.Entries)))
	return nil
}

// deriveCookie hashes (time, randomness, content) into a 256-bit hex
// cookie. Collisions against the live key set are rejected by the
// caller under the store lock.
func deriveCookie(now time.Time, kind Kind, payload []string) string {
	h := blake3.New(32, nil)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
	h.Write(ts[:])

	nonce := make([]byte, 32)
	rand.Read(nonce)
	h.Write(nonce)

	h.Write([]byte(kind))
	for _, p := range payload {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
