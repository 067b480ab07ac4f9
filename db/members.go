package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corvid-mail/rook/bounce"
	"github.com/corvid-mail/rook/consts"
	"github.com/corvid-mail/rook/helpers"
)

// Member is one subscription row.
type Member struct {
	List            string
	Address         string
	Digest          bool
	DeliveryEnabled bool
	PasswordHash    string
	Language        string
	CreatedAt       time.Time
}

// AddMember subscribes an address. The password must already be hashed;
// plaintext never reaches the store.
func (d *Database) AddMember(ctx context.Context, list, address, passwordHash, language string, digest bool) error {
	list = strings.ToLower(strings.TrimSpace(list))
	if !helpers.ValidAddress(address) {
		return fmt.Errorf("malformed member address %q", address)
	}
	_, err := d.exec(ctx, `
		INSERT INTO members (list_name, address, digest, delivery_enabled, password_hash, language, created_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)`,
		list, helpers.NormalizeAddress(address), digest, passwordHash, language, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s on %s: %w", address, list, consts.ErrMemberExists)
		}
		return fmt.Errorf("failed to add member %s to %s: %w", address, list, err)
	}
	return nil
}

// GetMember loads one subscription row.
func (d *Database) GetMember(ctx context.Context, list, address string) (*Member, error) {
	var m Member
	err := d.queryRow(ctx, `
		SELECT list_name, address, digest, delivery_enabled, password_hash, language, created_at
		FROM members WHERE list_name = ? AND address = ?`,
		strings.ToLower(list), helpers.NormalizeAddress(address)).Scan(
		&m.List, &m.Address, &m.Digest, &m.DeliveryEnabled, &m.PasswordHash, &m.Language, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s on %s: %w", address, list, consts.ErrNotAMember)
		}
		return nil, fmt.Errorf("failed to load member %s of %s: %w", address, list, err)
	}
	return &m, nil
}

// MemberKind classifies an address for the bounce engine. An unknown
// address is MemberNone, not an error.
func (d *Database) MemberKind(ctx context.Context, list, address string) (bounce.MemberKind, error) {
	var digest bool
	err := d.queryRow(ctx,
		`SELECT digest FROM members WHERE list_name = ? AND address = ?`,
		strings.ToLower(list), helpers.NormalizeAddress(address)).Scan(&digest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bounce.MemberNone, nil
		}
		return bounce.MemberNone, fmt.Errorf("failed to classify member %s of %s: %w", address, list, err)
	}
	if digest {
		return bounce.MemberDigest, nil
	}
	return bounce.MemberRegular, nil
}

// DisableDelivery turns delivery off for a member. It reports whether
// the call changed state, so callers can avoid duplicate notifications
// for an already-disabled member. A missing member is ErrNotAMember.
func (d *Database) DisableDelivery(ctx context.Context, list, address string) (bool, error) {
	list = strings.ToLower(strings.TrimSpace(list))
	address = helpers.NormalizeAddress(address)

	res, err := d.exec(ctx, `
		UPDATE members SET delivery_enabled = 0
		WHERE list_name = ? AND address = ? AND delivery_enabled = 1`,
		list, address)
	if err != nil {
		return false, fmt.Errorf("failed to disable %s on %s: %w", address, list, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to disable %s on %s: %w", address, list, err)
	}
	if n > 0 {
		return true, nil
	}

	// Nothing changed: either already disabled, or not a member at all.
	var enabled bool
	err = d.queryRow(ctx,
		`SELECT delivery_enabled FROM members WHERE list_name = ? AND address = ?`,
		list, address).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%s on %s: %w", address, list, consts.ErrNotAMember)
		}
		return false, fmt.Errorf("failed to disable %s on %s: %w", address, list, err)
	}
	return false, nil
}

// EnableDelivery re-enables delivery, reporting whether state changed.
func (d *Database) EnableDelivery(ctx context.Context, list, address string) (bool, error) {
	res, err := d.exec(ctx, `
		UPDATE members SET delivery_enabled = 1
		WHERE list_name = ? AND address = ? AND delivery_enabled = 0`,
		strings.ToLower(list), helpers.NormalizeAddress(address))
	if err != nil {
		return false, fmt.Errorf("failed to enable %s on %s: %w", address, list, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to enable %s on %s: %w", address, list, err)
	}
	return n > 0, nil
}

// RemoveMember unsubscribes an address and drops any bounce record it
// still carries. A missing member is ErrNotAMember.
func (d *Database) RemoveMember(ctx context.Context, list, address string) error {
	list = strings.ToLower(strings.TrimSpace(list))
	address = helpers.NormalizeAddress(address)

	res, err := d.exec(ctx,
		`DELETE FROM members WHERE list_name = ? AND address = ?`, list, address)
	if err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", address, list, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", address, list, err)
	}
	if n == 0 {
		return fmt.Errorf("%s on %s: %w", address, list, consts.ErrNotAMember)
	}

	if err := d.DeleteRecord(ctx, list, address); err != nil {
		return fmt.Errorf("failed to clear bounce record of removed member %s: %w", address, err)
	}
	return nil
}

// ChangeAddress re-keys a subscription, carrying options and password
// over and clearing any bounce record held under the old address.
func (d *Database) ChangeAddress(ctx context.Context, list, oldAddress, newAddress string) error {
	list = strings.ToLower(strings.TrimSpace(list))
	oldAddress = helpers.NormalizeAddress(oldAddress)
	if !helpers.ValidAddress(newAddress) {
		return fmt.Errorf("malformed member address %q", newAddress)
	}
	newAddress = helpers.NormalizeAddress(newAddress)

	res, err := d.exec(ctx, `
		UPDATE members SET address = ?
		WHERE list_name = ? AND address = ?`,
		newAddress, list, oldAddress)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s on %s: %w", newAddress, list, consts.ErrMemberExists)
		}
		return fmt.Errorf("failed to change address %s on %s: %w", oldAddress, list, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to change address %s on %s: %w", oldAddress, list, err)
	}
	if n == 0 {
		return fmt.Errorf("%s on %s: %w", oldAddress, list, consts.ErrNotAMember)
	}

	// Bounce history belongs to the old address, not the person.
	if err := d.DeleteRecord(ctx, list, oldAddress); err != nil {
		return fmt.Errorf("failed to clear bounce record of %s: %w", oldAddress, err)
	}
	return nil
}
