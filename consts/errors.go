package consts

import "errors"

var (
	// ErrLockTimeout is returned when a named lock could not be acquired
	// within its configured bound. It is never retried silently.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrPendingNotFound is a normal outcome: the cookie is absent,
	// already consumed, or was culled after expiry.
	ErrPendingNotFound = errors.New("pending request not found or already used")

	// ErrCorruptEntry marks a pending entry whose content and eviction
	// bookkeeping disagree. Such entries are pruned, not propagated.
	ErrCorruptEntry = errors.New("corrupt pending entry")

	ErrListNotFound = errors.New("list not found")
	ErrNotAMember   = errors.New("address is not a member")
	ErrMemberExists = errors.New("address is already a member")
	ErrListExists   = errors.New("list already exists")

	// ErrActionFailed covers membership mutations that failed for a
	// reason other than not-found (I/O, constraint violations). The
	// bounce record is left intact so the next event can retry.
	ErrActionFailed = errors.New("membership action failed")
)
