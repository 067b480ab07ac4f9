package bounce

import (
	"context"
	"fmt"
	"time"

	"github.com/corvid-mail/rook/helpers"
	"github.com/corvid-mail/rook/logger"
	"github.com/corvid-mail/rook/pkg/metrics"
)

// Engine consumes bounce events and maintains the per-member ledger.
type Engine struct {
	members  Membership
	ledger   Ledger
	notifier Notifier

	now func() time.Time
}

type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine to its collaborators. notifier may be nil
// when the deployment sends no notices.
func NewEngine(members Membership, ledger Ledger, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{members: members, ledger: ledger, notifier: notifier, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// RegisterBounce processes one delivery failure for a member address.
// The caller must hold the list's lock for the duration.
func (e *Engine) RegisterBounce(ctx context.Context, list ListInfo, address string, original []byte) (Outcome, error) {
	address = helpers.NormalizeAddress(address)
	now := e.now()
	log := logger.With("list", list.Name, "member", address)

	// Take the opportunity to cull records whose run went stale. The
	// grace window is minimum_removal_date scaled by the stale
	// multiplier so records are not culled merely for reaching the
	// escalation threshold.
	staleBefore := now.Add(-days(list.Thresholds.MinimumRemovalDate * list.Thresholds.StaleWindowMultiplier))
	if culled, err := e.ledger.CullStale(ctx, list.Name, staleBefore); err != nil {
		return Outcome{}, fmt.Errorf("stale bounce record cull failed: %w", err)
	} else if culled > 0 {
		metrics.BounceRecordsCulledTotal.WithLabelValues(list.Name).Add(float64(culled))
		log.Info("culled stale bounce records", "count", culled)
	}

	rec, err := e.ledger.GetRecord(ctx, list.Name, address)
	if err != nil {
		return Outcome{}, fmt.Errorf("bounce record lookup failed: %w", err)
	}
	if rec == nil {
		// No (or expired) priors: start a new run.
		if err := e.ledger.PutRecord(ctx, list.Name, address, Record{
			FirstBounceAt: now,
			WindowStart:   list.PostID,
			WindowEnd:     list.PostID,
		}); err != nil {
			return Outcome{}, fmt.Errorf("bounce record create failed: %w", err)
		}
		log.Info("bounce", "disposition", DispositionFirst)
		return e.done(list, Outcome{Disposition: DispositionFirst}), nil
	}

	kind, err := e.members.MemberKind(ctx, list.Name, address)
	if err != nil {
		return Outcome{}, fmt.Errorf("membership lookup failed: %w", err)
	}
	elapsed := now.Sub(rec.FirstBounceAt)

	switch kind {
	case MemberRegular:
		if list.PostID-rec.WindowEnd > int64(list.Thresholds.MaxPostsBetweenBounces) {
			// Enough clean posts since the last bounce: restart rather
			// than penalizing a long-past incident.
			if err := e.ledger.PutRecord(ctx, list.Name, address, Record{
				FirstBounceAt: now,
				WindowStart:   list.PostID,
				WindowEnd:     list.PostID,
			}); err != nil {
				return Outcome{}, fmt.Errorf("bounce record reset failed: %w", err)
			}
			log.Info("bounce", "disposition", DispositionFreshRun)
			return e.done(list, Outcome{Disposition: DispositionFreshRun}), nil
		}

		rec.WindowEnd = list.PostID
		if err := e.ledger.PutRecord(ctx, list.Name, address, *rec); err != nil {
			return Outcome{}, fmt.Errorf("bounce record update failed: %w", err)
		}

		if list.PostID-rec.WindowStart > int64(list.Thresholds.MinimumPostCount) &&
			elapsed > days(list.Thresholds.MinimumRemovalDate) {
			log.Info("bounce", "disposition", DispositionEscalated)
			out, err := e.escalate(ctx, list, address, original, log)
			return e.done(list, out), err
		}

		postsLeft := int64(list.Thresholds.MinimumPostCount) - (list.PostID - rec.WindowStart)
		if postsLeft < 0 {
			postsLeft = 0
		}
		log.Info("bounce", "disposition", DispositionCounted,
			"posts_remaining", postsLeft,
			"time_remaining", (days(list.Thresholds.MinimumRemovalDate) - elapsed).String())
		return e.done(list, Outcome{Disposition: DispositionCounted}), nil

	case MemberDigest:
		// Digest cadence makes post counts meaningless: runs are keyed
		// on volume numbers and escalation uses only the time gate.
		if list.Volume > rec.WindowStart {
			if err := e.ledger.PutRecord(ctx, list.Name, address, Record{
				FirstBounceAt: now,
				WindowStart:   list.Volume,
				WindowEnd:     list.Volume,
			}); err != nil {
				return Outcome{}, fmt.Errorf("bounce record reset failed: %w", err)
			}
			log.Info("bounce", "disposition", DispositionFreshRun, "digest", true)
			return e.done(list, Outcome{Disposition: DispositionFreshRun}), nil
		}
		if elapsed > days(list.Thresholds.MinimumRemovalDate) {
			log.Info("bounce", "disposition", DispositionEscalated, "digest", true)
			out, err := e.escalate(ctx, list, address, original, log)
			return e.done(list, out), err
		}
		log.Info("bounce", "disposition", DispositionCounted, "digest", true)
		return e.done(list, Outcome{Disposition: DispositionCounted}), nil

	default:
		// Removed independently of bounce processing. Logged, never
		// escalated.
		log.Info("bounce from address that is not a member")
		return e.done(list, Outcome{Disposition: DispositionNotMember}), nil
	}
}

func (e *Engine) done(list ListInfo, out Outcome) Outcome {
	metrics.BounceEventsTotal.WithLabelValues(list.Name, string(out.Disposition)).Inc()
	return out
}
