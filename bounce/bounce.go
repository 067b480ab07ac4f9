// Package bounce tracks delivery-failure history per list member and
// decides when accumulated evidence warrants disabling or removing the
// address.
//
// The engine is pure decision logic: it reads and writes the bounce
// ledger and asks its collaborators for membership mutations and
// notice dispatch, but performs no I/O of its own beyond those
// interfaces. Callers hold the list's lock for the whole
// evaluate-and-act cycle so two workers never race on one member's
// window bounds.
package bounce

import (
	"context"
	"fmt"
	"time"
)

// Record is one member's unresolved bounce run. It exists only while
// the member has at least one unresolved bounce: it is deleted when the
// run goes stale, when the address is disabled or removed, or when the
// address turns out not to be a member.
type Record struct {
	// FirstBounceAt is the wall-clock start of the current run. It is
	// set on creation and on reset, not on every counted bounce, so the
	// time threshold measures the span of the whole run.
	FirstBounceAt time.Time

	// WindowStart and WindowEnd are the post ids (digest: volume
	// numbers) of the first and most recent bounce in the run.
	// Invariant: WindowStart <= WindowEnd.
	WindowStart int64
	WindowEnd   int64
}

// MemberKind classifies how an address receives list traffic.
type MemberKind int

const (
	MemberNone MemberKind = iota
	MemberRegular
	MemberDigest
)

// Action is the list-wide automatic bounce action setting.
type Action int

const (
	ActionNone          Action = 0 // record the escalation, do nothing
	ActionDisableNotice Action = 1 // disable delivery, notify if state changed
	ActionDisableSilent Action = 2 // disable delivery, never notify
	ActionRemoveNotice  Action = 3 // unsubscribe, always notify
)

// ParseAction validates a stored action setting.
func ParseAction(v int) (Action, error) {
	if v < 0 || v > 3 {
		return ActionNone, fmt.Errorf("automatic bounce action out of range: %d", v)
	}
	return Action(v), nil
}

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDisableNotice:
		return "disable"
	case ActionDisableSilent:
		return "disable-silent"
	case ActionRemoveNotice:
		return "remove"
	default:
		return "unknown"
	}
}

// Thresholds are the per-list escalation settings.
type Thresholds struct {
	// MinimumRemovalDate is the number of days a run must span before
	// escalation. A burst of posts in one day must not escalate.
	MinimumRemovalDate int

	// MinimumPostCount is the number of posts a run must span before
	// escalation for regular members. A single post lingering for
	// months must not escalate either; both gates must pass.
	MinimumPostCount int

	// MaxPostsBetweenBounces is the clean-post gap after which a new
	// bounce starts a fresh run instead of extending the old one.
	MaxPostsBetweenBounces int

	// StaleWindowMultiplier scales MinimumRemovalDate into the grace
	// window for culling unresolved records. Deliberately wider than
	// the escalation window.
	StaleWindowMultiplier int
}

// ListInfo is the slice of list state the engine needs for one event.
type ListInfo struct {
	Name         string
	AdminAddress string
	Owners       []string
	PostID       int64
	Volume       int64
	Action       Action
	Thresholds   Thresholds
}

// Membership mutates and inspects the external membership store. All
// mutations are fallible and idempotent; acting on an address that is
// not a member returns consts.ErrNotAMember.
type Membership interface {
	MemberKind(ctx context.Context, list, address string) (MemberKind, error)
	DisableDelivery(ctx context.Context, list, address string) (changed bool, err error)
	RemoveMember(ctx context.Context, list, address string) error
}

// Ledger stores bounce records. GetRecord returns nil for an absent
// record.
type Ledger interface {
	GetRecord(ctx context.Context, list, address string) (*Record, error)
	PutRecord(ctx context.Context, list, address string, rec Record) error
	DeleteRecord(ctx context.Context, list, address string) error
	CullStale(ctx context.Context, list string, before time.Time) (int64, error)
}

// Notice is a dispatch request for the admin notification. The engine
// decides whether and what; the notifier owns composition and network
// I/O.
type Notice struct {
	Recipient string
	List      string
	Member    string
	Did       string // "disabled" or "removed"
	Succeeded bool   // false when the address was not a member
	Reenable  bool   // include re-enable instructions (disable that took effect)
	Original  []byte // the bounced message, attached to the notice
}

// Notifier hands a notice to the mail composition/delivery layer.
type Notifier interface {
	SendNotice(ctx context.Context, n Notice) error
}

// Disposition labels what one bounce event did to the member's record.
type Disposition string

const (
	DispositionFirst     Disposition = "first"      // new record created
	DispositionFreshRun  Disposition = "fresh_run"  // gap exceeded, window reset
	DispositionCounted   Disposition = "counted"    // run extended, thresholds not met
	DispositionEscalated Disposition = "escalated"  // action dispatched
	DispositionNotMember Disposition = "not_member" // address matches no member
)

// Outcome reports what happened to one bounce event.
type Outcome struct {
	Disposition Disposition
	Action      Action // action applied when Disposition is escalated
	ActionOK    bool   // membership mutation succeeded
	Notified    bool
	Suppressed  bool // notice skipped by loop prevention
}
