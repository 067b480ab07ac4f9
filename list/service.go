// Package list binds the pending token store, the membership store and
// the bounce engine into the narrow surface the workflow layers call:
// request-* operations mint confirmation cookies, Confirm applies the
// confirmed operation, HandleBounce runs one locked
// evaluate-and-act cycle.
package list

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/corvid-mail/rook/bounce"
	"github.com/corvid-mail/rook/consts"
	"github.com/corvid-mail/rook/db"
	"github.com/corvid-mail/rook/helpers"
	"github.com/corvid-mail/rook/lockfile"
	"github.com/corvid-mail/rook/logger"
	"github.com/corvid-mail/rook/pending"
	"golang.org/x/crypto/bcrypt"
)

// Options configures the service.
type Options struct {
	LockDir               string        // directory for per-list lock files
	LockTimeout           time.Duration // bound on list lock acquisition
	StaleWindowMultiplier int
	DefaultLanguage       string // applied to legacy subscription payloads that carry none
}

// Service is the orchestration layer over the core stores.
type Service struct {
	db      *db.Database
	pending *pending.Store
	engine  *bounce.Engine
	opts    Options
}

// NewService wires the service. notifier may be nil to disable notices.
func NewService(database *db.Database, store *pending.Store, notifier bounce.Notifier, opts Options, engineOpts ...bounce.Option) *Service {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = consts.DefaultLockTimeout
	}
	if opts.StaleWindowMultiplier <= 0 {
		opts.StaleWindowMultiplier = 5
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	return &Service{
		db:      database,
		pending: store,
		engine:  bounce.NewEngine(database, database, notifier, engineOpts...),
		opts:    opts,
	}
}

// Subscription payloads are ordered tuples:
//
//	[list, address, password-hash, digest-flag, language]
//
// Older stores carried the same tuple without the language; Confirm
// falls back to the configured default for those.

// RequestSubscription validates and registers a pending subscription,
// returning the cookie to be confirmed out of band. The password is
// hashed before it touches the store; plaintext is never persisted.
func (s *Service) RequestSubscription(ctx context.Context, list, address, password, language string, digest bool) (string, error) {
	if _, err := s.db.GetList(ctx, list); err != nil {
		return "", err
	}
	if !helpers.ValidAddress(address) {
		return "", fmt.Errorf("malformed subscriber address %q", address)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash subscription password: %w", err)
	}
	if language == "" {
		language = s.opts.DefaultLanguage
	}
	return s.pending.New(ctx, pending.KindSubscription,
		list, helpers.NormalizeAddress(address), string(hash), strconv.FormatBool(digest), language)
}

// RequestUnsubscription registers a pending unsubscription.
func (s *Service) RequestUnsubscription(ctx context.Context, list, address string) (string, error) {
	if _, err := s.db.GetMember(ctx, list, address); err != nil {
		return "", err
	}
	return s.pending.New(ctx, pending.KindUnsubscription, list, helpers.NormalizeAddress(address))
}

// RequestAddressChange registers a pending re-keying of a membership.
func (s *Service) RequestAddressChange(ctx context.Context, list, oldAddress, newAddress string) (string, error) {
	if _, err := s.db.GetMember(ctx, list, oldAddress); err != nil {
		return "", err
	}
	if !helpers.ValidAddress(newAddress) {
		return "", fmt.Errorf("malformed new address %q", newAddress)
	}
	return s.pending.New(ctx, pending.KindChangeOfAddress,
		list, helpers.NormalizeAddress(oldAddress), helpers.NormalizeAddress(newAddress))
}

// HoldMessage registers a held message awaiting moderator approval and
// returns its cookie. The message body stays with the MTA layer; only
// the reference is tracked here.
func (s *Service) HoldMessage(ctx context.Context, list, messageID string) (string, error) {
	if _, err := s.db.GetList(ctx, list); err != nil {
		return "", err
	}
	return s.pending.New(ctx, pending.KindHeldMessage, list, messageID)
}

// ConfirmResult describes the operation a confirmed cookie applied.
type ConfirmResult struct {
	Kind    pending.Kind
	List    string
	Address string // the affected (for address changes: new) address
	Detail  string // kind-specific, e.g. the held message id
}

// Confirm resolves a cookie and applies its operation. With expunge the
// cookie is consumed exactly once; a second confirm reports
// consts.ErrPendingNotFound. Without expunge the operation is resolved
// but not applied, for preview.
func (s *Service) Confirm(ctx context.Context, cookie string, expunge bool) (*ConfirmResult, error) {
	kind, payload, err := s.pending.Confirm(ctx, cookie, expunge)
	if err != nil {
		return nil, err
	}
	if !expunge {
		return describe(kind, payload)
	}

	switch kind {
	case pending.KindSubscription:
		return s.applySubscription(ctx, payload)
	case pending.KindUnsubscription:
		if len(payload) != 2 {
			return nil, fmt.Errorf("%w: unsubscription payload has %d fields", consts.ErrCorruptEntry, len(payload))
		}
		if err := s.db.RemoveMember(ctx, payload[0], payload[1]); err != nil {
			return nil, err
		}
		return &ConfirmResult{Kind: kind, List: payload[0], Address: payload[1]}, nil
	case pending.KindChangeOfAddress:
		if len(payload) != 3 {
			return nil, fmt.Errorf("%w: address change payload has %d fields", consts.ErrCorruptEntry, len(payload))
		}
		if err := s.db.ChangeAddress(ctx, payload[0], payload[1], payload[2]); err != nil {
			return nil, err
		}
		return &ConfirmResult{Kind: kind, List: payload[0], Address: payload[2]}, nil
	case pending.KindHeldMessage:
		if len(payload) != 2 {
			return nil, fmt.Errorf("%w: held message payload has %d fields", consts.ErrCorruptEntry, len(payload))
		}
		// Approval itself belongs to the moderation layer; consuming the
		// cookie releases the hold.
		return &ConfirmResult{Kind: kind, List: payload[0], Detail: payload[1]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown pending kind %q", consts.ErrCorruptEntry, kind)
	}
}

func (s *Service) applySubscription(ctx context.Context, payload []string) (*ConfirmResult, error) {
	var list, address, hash, language string
	var digest bool
	switch len(payload) {
	case 5:
		list, address, hash, language = payload[0], payload[1], payload[2], payload[4]
		digest = payload[3] == "true"
	case 4:
		// Legacy tuple without a language.
		list, address, hash = payload[0], payload[1], payload[2]
		digest = payload[3] == "true"
		language = s.opts.DefaultLanguage
	default:
		return nil, fmt.Errorf("%w: subscription payload has %d fields", consts.ErrCorruptEntry, len(payload))
	}
	if err := s.db.AddMember(ctx, list, address, hash, language, digest); err != nil {
		return nil, err
	}
	return &ConfirmResult{Kind: pending.KindSubscription, List: list, Address: address}, nil
}

func describe(kind pending.Kind, payload []string) (*ConfirmResult, error) {
	res := &ConfirmResult{Kind: kind}
	if len(payload) > 0 {
		res.List = payload[0]
	}
	if len(payload) > 1 {
		res.Address = payload[1]
	}
	return res, nil
}

// HandleBounce processes one delivery failure under the list's lock, so
// concurrent workers cannot race on one member's window bounds. The
// lock also covers the resulting membership action and record cleanup.
func (s *Service) HandleBounce(ctx context.Context, listName, address string, original []byte) (bounce.Outcome, error) {
	lock := lockfile.New(
		filepath.Join(s.opts.LockDir, listName+".lock"),
		lockfile.WithTimeout(s.opts.LockTimeout),
	)

	var out bounce.Outcome
	err := lock.WithLock(ctx, func() error {
		l, err := s.db.GetList(ctx, listName)
		if err != nil {
			return err
		}
		info, err := l.Info(s.opts.StaleWindowMultiplier)
		if err != nil {
			return err
		}
		out, err = s.engine.RegisterBounce(ctx, info, address, original)
		return err
	})
	if err != nil {
		logger.Error("bounce processing failed", "list", listName, "member", address, "error", err)
		return out, err
	}
	return out, nil
}

// MemberStatus reports a member row for the inspection API.
func (s *Service) MemberStatus(ctx context.Context, list, address string) (*db.Member, error) {
	return s.db.GetMember(ctx, list, address)
}
