package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/pickupbot/internal/pickup"
)

// CreateParent registers a parent. Registration itself lives outside the
// bot; this exists for the import path and tests.
func (s *Store) CreateParent(ctx context.Context, p pickup.Parent) (*pickup.Parent, error) {
	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO parents (telegram_id, full_name, phone, is_verified, is_blocked)
			VALUES (?, ?, ?, ?, ?);
		`, p.TelegramID, p.FullName, p.Phone, p.IsVerified, p.IsBlocked)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create parent: %w", err)
	}
	return s.GetParent(ctx, id)
}

func (s *Store) CreateChild(ctx context.Context, c pickup.Child) (*pickup.Child, error) {
	if _, err := s.GetParent(ctx, c.ParentID); err != nil {
		return nil, err
	}
	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO children (parent_id, full_name, class_name) VALUES (?, ?, ?);
		`, c.ParentID, c.FullName, c.ClassName)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create child: %w", err)
	}
	c.ID = id
	return &c, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const parentColumns = `id, telegram_id, full_name, phone, is_verified, is_blocked, created_at`

func scanParent(row rowScanner) (*pickup.Parent, error) {
	var p pickup.Parent
	if err := row.Scan(&p.ID, &p.TelegramID, &p.FullName, &p.Phone, &p.IsVerified, &p.IsBlocked, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pickup.ErrNotFound
		}
		return nil, fmt.Errorf("scan parent: %w", err)
	}
	return &p, nil
}

func getParentTx(ctx context.Context, q queryer, id int64) (*pickup.Parent, error) {
	return scanParent(q.QueryRowContext(ctx, `SELECT `+parentColumns+` FROM parents WHERE id = ?;`, id))
}

func getChildTx(ctx context.Context, q queryer, id int64) (*pickup.Child, error) {
	var c pickup.Child
	err := q.QueryRowContext(ctx, `
		SELECT id, parent_id, full_name, class_name FROM children WHERE id = ?;
	`, id).Scan(&c.ID, &c.ParentID, &c.FullName, &c.ClassName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pickup.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan child: %w", err)
	}
	return &c, nil
}

func (s *Store) GetParent(ctx context.Context, id int64) (*pickup.Parent, error) {
	return getParentTx(ctx, s.db, id)
}

// GetParentByTelegramID resolves a chat identity to a parent record.
func (s *Store) GetParentByTelegramID(ctx context.Context, telegramID int64) (*pickup.Parent, error) {
	return scanParent(s.db.QueryRowContext(ctx, `SELECT `+parentColumns+` FROM parents WHERE telegram_id = ?;`, telegramID))
}

func (s *Store) GetChild(ctx context.Context, id int64) (*pickup.Child, error) {
	return getChildTx(ctx, s.db, id)
}

func (s *Store) ListChildren(ctx context.Context, parentID int64) ([]pickup.Child, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, full_name, class_name FROM children
		WHERE parent_id = ? ORDER BY full_name ASC, id ASC;
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []pickup.Child
	for rows.Next() {
		var c pickup.Child
		if err := rows.Scan(&c.ID, &c.ParentID, &c.FullName, &c.ClassName); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetParentVerified(ctx context.Context, id int64, verified bool) error {
	return s.setParentFlag(ctx, id, "is_verified", verified)
}

func (s *Store) SetParentBlocked(ctx context.Context, id int64, blocked bool) error {
	return s.setParentFlag(ctx, id, "is_blocked", blocked)
}

func (s *Store) setParentFlag(ctx context.Context, id int64, column string, v bool) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE parents SET `+column+` = ? WHERE id = ?;`, v, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set parent %s: %w", column, err)
	}
	if affected == 0 {
		return pickup.ErrNotFound
	}
	return nil
}

// DeleteParent removes a parent with their children and every pickup row
// that references them. It is the only path that physically deletes pickups.
func (s *Store) DeleteParent(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getParentTx(ctx, tx, id); err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM pickup_requests WHERE parent_id = ?;`,
			`DELETE FROM children WHERE parent_id = ?;`,
			`DELETE FROM parents WHERE id = ?;`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete parent: %w", err)
			}
		}
		return nil
	})
}

// DeleteChild removes a child record. Pickup rows are kept; a later handoff
// on them reports an invalid state.
func (s *Store) DeleteChild(ctx context.Context, id int64) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM children WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete child: %w", err)
	}
	if affected == 0 {
		return pickup.ErrNotFound
	}
	return nil
}
