package bounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/corvid-mail/rook/consts"
	"github.com/corvid-mail/rook/pkg/metrics"
)

type actionResult struct {
	succeeded bool // the membership mutation took effect (or was already in effect)
	notify    bool
}

// escalate dispatches the configured membership action for a member
// whose run crossed both thresholds, then decides on notification.
// Escalation is terminal for the run: on success (or not-a-member) the
// record is deleted so the next bounce starts fresh. A failed mutation
// leaves the record intact for retry on the next event.
func (e *Engine) escalate(ctx context.Context, list ListInfo, address string, original []byte, log *slog.Logger) (Outcome, error) {
	out := Outcome{Disposition: DispositionEscalated, Action: list.Action}

	var res actionResult
	var did string
	var err error

	switch list.Action {
	case ActionNone:
		log.Info("bounce action is none, escalation recorded only")
		metrics.BounceActionsTotal.WithLabelValues(list.Action.String(), "noop").Inc()
		return out, nil
	case ActionDisableNotice:
		res, err = e.disableAddress(ctx, list, address, log)
		did = "disabled"
	case ActionDisableSilent:
		res, err = e.disableAddress(ctx, list, address, log)
		res.notify = false
		did = "disabled"
	case ActionRemoveNotice:
		res, err = e.removeAddress(ctx, list, address, log)
		res.notify = true
		did = "removed"
	default:
		return out, fmt.Errorf("unknown automatic bounce action %d", list.Action)
	}

	if err != nil {
		metrics.BounceActionsTotal.WithLabelValues(list.Action.String(), "error").Inc()
		return out, fmt.Errorf("%w: %s %s on %s: %v", consts.ErrActionFailed, did, address, list.Name, err)
	}
	out.ActionOK = res.succeeded
	metrics.BounceActionsTotal.WithLabelValues(list.Action.String(), actionLabel(res.succeeded)).Inc()

	if res.succeeded {
		if derr := e.ledger.DeleteRecord(ctx, list.Name, address); derr != nil {
			log.Error("failed to clear bounce record after action", "error", derr)
		}
	}

	if !res.notify {
		return out, nil
	}

	recipient := list.AdminAddress
	if address == recipient || contains(list.Owners, address) {
		// A bounce of a bounce notice: do not perpetuate the loop. The
		// membership action stands, only the notice is dropped.
		log.Error("bounce recipient loop encountered, suppressing notice",
			"recipient", recipient)
		metrics.BounceNoticesSuppressedTotal.Inc()
		out.Suppressed = true
		return out, nil
	}

	if e.notifier == nil {
		log.Warn("no notifier configured, bounce notice dropped")
		return out, nil
	}

	notice := Notice{
		Recipient: recipient,
		List:      list.Name,
		Member:    address,
		Did:       did,
		Succeeded: res.succeeded,
		Reenable:  res.succeeded && did == "disabled",
		Original:  original,
	}
	if nerr := e.notifier.SendNotice(ctx, notice); nerr != nil {
		// Operator-visible failure; the action already took effect.
		log.Error("bounce notice dispatch failed", "error", nerr)
		metrics.NoticesSentTotal.WithLabelValues("error").Inc()
		return out, nil
	}
	metrics.NoticesSentTotal.WithLabelValues("ok").Inc()
	out.Notified = true
	return out, nil
}

// disableAddress turns off delivery for a bouncing member. Disabling an
// already-disabled member succeeds without a notice. An address that is
// no longer a member yields a "not disabled" result and its stale
// record is cleared instead of retried.
func (e *Engine) disableAddress(ctx context.Context, list ListInfo, address string, log *slog.Logger) (actionResult, error) {
	changed, err := e.members.DisableDelivery(ctx, list.Name, address)
	if err != nil {
		if errors.Is(err, consts.ErrNotAMember) {
			log.Info("not disabled: address is not a member")
			if derr := e.ledger.DeleteRecord(ctx, list.Name, address); derr != nil {
				log.Error("failed to clear bounce record for non-member", "error", derr)
			}
			return actionResult{succeeded: false, notify: true}, nil
		}
		return actionResult{}, err
	}
	if !changed {
		log.Info("already disabled, no notification")
		return actionResult{succeeded: true, notify: false}, nil
	}
	log.Info("delivery disabled")
	return actionResult{succeeded: true, notify: true}, nil
}

// removeAddress unsubscribes a bouncing member.
func (e *Engine) removeAddress(ctx context.Context, list ListInfo, address string, log *slog.Logger) (actionResult, error) {
	err := e.members.RemoveMember(ctx, list.Name, address)
	if err != nil {
		if errors.Is(err, consts.ErrNotAMember) {
			log.Info("not removed: address is not a member")
			if derr := e.ledger.DeleteRecord(ctx, list.Name, address); derr != nil {
				log.Error("failed to clear bounce record for non-member", "error", derr)
			}
			return actionResult{succeeded: false, notify: true}, nil
		}
		return actionResult{}, err
	}
	log.Info("member removed")
	return actionResult{succeeded: true, notify: true}, nil
}

func actionLabel(succeeded bool) string {
	if succeeded {
		return "ok"
	}
	return "not_member"
}

func contains(addrs []string, addr string) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
