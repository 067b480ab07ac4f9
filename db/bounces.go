package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corvid-mail/rook/bounce"
	"github.com/corvid-mail/rook/helpers"
)

// The bounce ledger lives beside the membership rows it describes and
// is mutated only while the per-list lock is held, the same discipline
// as the rest of the list's state.

// GetRecord returns a member's unresolved bounce run, or nil.
func (d *Database) GetRecord(ctx context.Context, list, address string) (*bounce.Record, error) {
	var rec bounce.Record
	err := d.queryRow(ctx, `
		SELECT first_bounce_at, window_start, window_end
		FROM bounce_records WHERE list_name = ? AND address = ?`,
		strings.ToLower(list), helpers.NormalizeAddress(address)).Scan(
		&rec.FirstBounceAt, &rec.WindowStart, &rec.WindowEnd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load bounce record %s/%s: %w", list, address, err)
	}
	return &rec, nil
}

// PutRecord creates or replaces a member's bounce run.
func (d *Database) PutRecord(ctx context.Context, list, address string, rec bounce.Record) error {
	if rec.WindowStart > rec.WindowEnd {
		return fmt.Errorf("bounce record window inverted: [%d, %d]", rec.WindowStart, rec.WindowEnd)
	}
	_, err := d.exec(ctx, `
		INSERT INTO bounce_records (list_name, address, first_bounce_at, window_start, window_end)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (list_name, address) DO UPDATE SET
			first_bounce_at = excluded.first_bounce_at,
			window_start = excluded.window_start,
			window_end = excluded.window_end`,
		strings.ToLower(list), helpers.NormalizeAddress(address),
		rec.FirstBounceAt.UTC(), rec.WindowStart, rec.WindowEnd)
	if err != nil {
		return fmt.Errorf("failed to store bounce record %s/%s: %w", list, address, err)
	}
	return nil
}

// DeleteRecord drops a member's bounce run. Deleting an absent record
// is not an error.
func (d *Database) DeleteRecord(ctx context.Context, list, address string) error {
	_, err := d.exec(ctx,
		`DELETE FROM bounce_records WHERE list_name = ? AND address = ?`,
		strings.ToLower(list), helpers.NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("failed to delete bounce record %s/%s: %w", list, address, err)
	}
	return nil
}

// CullStale removes records whose run started before the cutoff,
// returning how many were dropped.
func (d *Database) CullStale(ctx context.Context, list string, before time.Time) (int64, error) {
	res, err := d.exec(ctx,
		`DELETE FROM bounce_records WHERE list_name = ? AND first_bounce_at < ?`,
		strings.ToLower(list), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cull stale bounce records of %s: %w", list, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to cull stale bounce records of %s: %w", list, err)
	}
	return n, nil
}
