package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/corvid-mail/rook/bounce"
	"github.com/corvid-mail/rook/consts"
	"github.com/corvid-mail/rook/helpers"
)

// List is one mailing list's stored configuration and posting counters.
type List struct {
	Name                   string
	AdminAddress           string
	Owners                 []string
	PostID                 int64
	Volume                 int64
	MinimumRemovalDate     int
	MinimumPostCount       int
	AutomaticBounceAction  int
	MaxPostsBetweenBounces int
}

// Info converts the stored row into the engine's view of the list.
// staleMultiplier is deployment-wide.
func (l *List) Info(staleMultiplier int) (bounce.ListInfo, error) {
	action, err := bounce.ParseAction(l.AutomaticBounceAction)
	if err != nil {
		return bounce.ListInfo{}, fmt.Errorf("list %s: %w", l.Name, err)
	}
	return bounce.ListInfo{
		Name:         l.Name,
		AdminAddress: l.AdminAddress,
		Owners:       l.Owners,
		PostID:       l.PostID,
		Volume:       l.Volume,
		Action:       action,
		Thresholds: bounce.Thresholds{
			MinimumRemovalDate:     l.MinimumRemovalDate,
			MinimumPostCount:       l.MinimumPostCount,
			MaxPostsBetweenBounces: l.MaxPostsBetweenBounces,
			StaleWindowMultiplier:  staleMultiplier,
		},
	}, nil
}

// CreateList inserts a new list with its thresholds and owners.
func (d *Database) CreateList(ctx context.Context, list List) error {
	name := strings.ToLower(strings.TrimSpace(list.Name))
	if name == "" {
		return fmt.Errorf("list name must not be empty")
	}
	if !helpers.ValidAddress(list.AdminAddress) {
		return fmt.Errorf("list %s: malformed admin address %q", name, list.AdminAddress)
	}

	_, err := d.exec(ctx, `
		INSERT INTO lists (name, admin_address, post_id, volume,
			minimum_removal_date, minimum_post_count,
			automatic_bounce_action, max_posts_between_bounces)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name, helpers.NormalizeAddress(list.AdminAddress), list.PostID, list.Volume,
		list.MinimumRemovalDate, list.MinimumPostCount,
		list.AutomaticBounceAction, list.MaxPostsBetweenBounces)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("list %s: %w", name, consts.ErrListExists)
		}
		return fmt.Errorf("failed to create list %s: %w", name, err)
	}

	for _, owner := range list.Owners {
		if err := d.AddOwner(ctx, name, owner); err != nil {
			return err
		}
	}
	return nil
}

// GetList loads a list with its owners.
func (d *Database) GetList(ctx context.Context, name string) (*List, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	var l List
	err := d.queryRow(ctx, `
		SELECT name, admin_address, post_id, volume,
			minimum_removal_date, minimum_post_count,
			automatic_bounce_action, max_posts_between_bounces
		FROM lists WHERE name = ?`, name).Scan(
		&l.Name, &l.AdminAddress, &l.PostID, &l.Volume,
		&l.MinimumRemovalDate, &l.MinimumPostCount,
		&l.AutomaticBounceAction, &l.MaxPostsBetweenBounces)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("list %s: %w", name, consts.ErrListNotFound)
		}
		return nil, fmt.Errorf("failed to load list %s: %w", name, err)
	}

	rows, err := d.query(ctx, `SELECT address FROM list_owners WHERE list_name = ? ORDER BY address`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load owners of %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan owner of %s: %w", name, err)
		}
		l.Owners = append(l.Owners, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load owners of %s: %w", name, err)
	}
	return &l, nil
}

// AddOwner registers an owner address for loop-prevention checks.
func (d *Database) AddOwner(ctx context.Context, list, address string) error {
	if !helpers.ValidAddress(address) {
		return fmt.Errorf("malformed owner address %q", address)
	}
	_, err := d.exec(ctx, `
		INSERT INTO list_owners (list_name, address) VALUES (?, ?)
		ON CONFLICT (list_name, address) DO NOTHING`,
		strings.ToLower(list), helpers.NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("failed to add owner to %s: %w", list, err)
	}
	return nil
}

// IncrementPostID bumps the list's post counter, returning the new id.
// The delivery pipeline calls this once per accepted post.
func (d *Database) IncrementPostID(ctx context.Context, list string) (int64, error) {
	return d.bumpCounter(ctx, list, "post_id")
}

// IncrementVolume bumps the digest volume number.
func (d *Database) IncrementVolume(ctx context.Context, list string) (int64, error) {
	return d.bumpCounter(ctx, list, "volume")
}

func (d *Database) bumpCounter(ctx context.Context, list, column string) (int64, error) {
	list = strings.ToLower(strings.TrimSpace(list))
	var v int64
	err := d.queryRow(ctx,
		`UPDATE lists SET `+column+` = `+column+` + 1 WHERE name = ? RETURNING `+column, list).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("list %s: %w", list, consts.ErrListNotFound)
		}
		return 0, fmt.Errorf("failed to bump %s of %s: %w", column, list, err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// there is no portable sentinel across database/sql drivers.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
