package consts

import "time"

// PendingLockName is the lock file guarding the pending token store's
// load-mutate-save cycle.
const PendingLockName = "pending.lock"

// DefaultLockTimeout bounds how long a worker waits for a named lock
// before giving up with ErrLockTimeout.
const DefaultLockTimeout = 30 * time.Second

// DefaultLockStaleAge is the age past which a lock file is presumed
// abandoned by a dead worker and may be reclaimed by a future acquirer.
const DefaultLockStaleAge = 5 * time.Minute
