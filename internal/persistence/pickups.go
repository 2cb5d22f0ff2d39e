package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/pickupbot/internal/pickup"
)

const pickupColumns = `id, parent_id, child_id, arrival_minutes, status, created_at, updated_at,
	handed_over_at, handed_over_by, last_announce_at, next_announce_at, announce_count`

const openStatusSQL = `('PENDING', 'ANNOUNCED')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPickup(row rowScanner) (*pickup.Request, error) {
	var (
		req                              pickup.Request
		status                           string
		handedOverAt, lastAnnounce, next sql.NullTime
	)
	if err := row.Scan(
		&req.ID, &req.ParentID, &req.ChildID, &req.ArrivalMinutes, &status,
		&req.CreatedAt, &req.UpdatedAt,
		&handedOverAt, &req.HandedOverBy, &lastAnnounce, &next, &req.AnnounceCount,
	); err != nil {
		return nil, err
	}
	parsed, err := pickup.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	req.Status = parsed
	req.HandedOverAt = nullTimePtr(handedOverAt)
	req.LastAnnounceAt = nullTimePtr(lastAnnounce)
	req.NextAnnounceAt = nullTimePtr(next)
	return &req, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// CreatePickup inserts a PENDING request that is due for announcement at once.
func (s *Store) CreatePickup(ctx context.Context, parentID, childID int64, minutes int, now time.Time) (*pickup.Request, error) {
	return s.insertPickup(ctx, parentID, childID, minutes, now, now)
}

// CreateClaimedPickup inserts a PENDING request whose first announcement is
// already claimed by the caller: the row is not due until claimUntil, so a
// scheduler tick cannot speak it while the caller does. The caller settles
// the claim with ConfirmAnnouncement or ReleaseAnnouncement.
func (s *Store) CreateClaimedPickup(ctx context.Context, parentID, childID int64, minutes int, now, claimUntil time.Time) (*pickup.Request, error) {
	return s.insertPickup(ctx, parentID, childID, minutes, now, claimUntil)
}

func (s *Store) insertPickup(ctx context.Context, parentID, childID int64, minutes int, now, due time.Time) (*pickup.Request, error) {
	now, due = now.UTC(), due.UTC()
	req := &pickup.Request{
		ID:             uuid.NewString(),
		ParentID:       parentID,
		ChildID:        childID,
		ArrivalMinutes: minutes,
		Status:         pickup.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextAnnounceAt: &due,
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pickup_requests (
				id, parent_id, child_id, arrival_minutes, status,
				created_at, updated_at, next_announce_at, announce_count
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0);
		`, req.ID, parentID, childID, minutes, string(pickup.StatusPending), dbTime(now), dbTime(now), dbTime(due))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create pickup: %w", err)
	}
	return req, nil
}

// FindOpenPickup returns the most recently created open request for the pair,
// or nil when there is none.
func (s *Store) FindOpenPickup(ctx context.Context, parentID, childID int64) (*pickup.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pickupColumns+`
		FROM pickup_requests
		WHERE parent_id = ? AND child_id = ? AND status IN `+openStatusSQL+`
		ORDER BY created_at DESC
		LIMIT 1;
	`, parentID, childID)
	req, err := scanPickup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open pickup: %w", err)
	}
	return req, nil
}

// GetPickup loads a request by id.
func (s *Store) GetPickup(ctx context.Context, id string) (*pickup.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pickupColumns+` FROM pickup_requests WHERE id = ?;`, id)
	req, err := scanPickup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pickup.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pickup: %w", err)
	}
	return req, nil
}

// ListPickups returns requests newest first.
func (s *Store) ListPickups(ctx context.Context, f pickup.Filter) ([]pickup.Request, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ParentID != 0 {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	q := `SELECT ` + pickupColumns + ` FROM pickup_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pickups: %w", err)
	}
	defer rows.Close()
	return collectPickups(rows)
}

func collectPickups(rows *sql.Rows) ([]pickup.Request, error) {
	var out []pickup.Request
	for rows.Next() {
		req, err := scanPickup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pickup: %w", err)
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pickups: %w", err)
	}
	return out, nil
}

// UpdateArrival amends the ETA of an open request. A request that closed in
// the meantime reports ErrInvalidState.
func (s *Store) UpdateArrival(ctx context.Context, id string, minutes int, now time.Time) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pickup_requests
			SET arrival_minutes = ?, updated_at = ?
			WHERE id = ? AND status IN `+openStatusSQL+`;
		`, minutes, dbTime(now), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update arrival: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetPickup(ctx, id); err != nil {
			return err
		}
		return pickup.ErrInvalidState
	}
	return nil
}

// ExpireStale moves open requests created before the cutoff to EXPIRED and
// returns how many rows changed. Rows already terminal are never touched.
func (s *Store) ExpireStale(ctx context.Context, before, now time.Time) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pickup_requests
			SET status = 'EXPIRED', next_announce_at = NULL, updated_at = ?
			WHERE status IN `+openStatusSQL+` AND created_at < ?;
		`, dbTime(now), dbTime(before))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("expire stale pickups: %w", err)
	}
	return affected, nil
}

// DueAnnouncements lists open requests whose next announcement is at or
// before now, oldest schedule first.
func (s *Store) DueAnnouncements(ctx context.Context, now time.Time) ([]pickup.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pickupColumns+`
		FROM pickup_requests
		WHERE status IN `+openStatusSQL+`
		  AND next_announce_at IS NOT NULL
		  AND next_announce_at <= ?
		ORDER BY next_announce_at ASC, created_at ASC;
	`, dbTime(now))
	if err != nil {
		return nil, fmt.Errorf("due announcements: %w", err)
	}
	defer rows.Close()
	return collectPickups(rows)
}

// RecordAnnouncement advances the schedule of one request. It reports false
// when the row was no longer open or due.
func (s *Store) RecordAnnouncement(ctx context.Context, id string, now time.Time, interval time.Duration) (bool, error) {
	n, err := s.RecordAnnouncements(ctx, []string{id}, now, interval)
	return n == 1, err
}

// RecordAnnouncements applies the announcement bookkeeping for a whole tick
// in one transaction. Each row is conditioned on still being open and due at
// now, so a concurrent handoff or expiry wins over a stale announcement.
func (s *Store) RecordAnnouncements(ctx context.Context, ids []string, now time.Time, interval time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	next := now.Add(interval)
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		total = 0
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE pickup_requests
			SET last_announce_at = ?,
				next_announce_at = ?,
				announce_count = announce_count + 1,
				status = CASE WHEN status = 'PENDING' THEN 'ANNOUNCED' ELSE status END,
				updated_at = ?
			WHERE id = ?
			  AND status IN `+openStatusSQL+`
			  AND next_announce_at IS NOT NULL
			  AND next_announce_at <= ?;
		`)
		if err != nil {
			return fmt.Errorf("prepare record announcement: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, dbTime(now), dbTime(next), dbTime(now), id, dbTime(now))
			if err != nil {
				return fmt.Errorf("record announcement %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ConfirmAnnouncement books a spoken announcement against a claim taken by
// CreateClaimedPickup. The schedule stays at claimUntil. It reports false
// when the request closed meanwhile or the claim no longer holds.
func (s *Store) ConfirmAnnouncement(ctx context.Context, id string, now, claimUntil time.Time) (bool, error) {
	return s.settleClaim(ctx, `
		UPDATE pickup_requests
		SET last_announce_at = ?,
			announce_count = announce_count + 1,
			status = CASE WHEN status = 'PENDING' THEN 'ANNOUNCED' ELSE status END,
			updated_at = ?
		WHERE id = ?
		  AND status IN `+openStatusSQL+`
		  AND next_announce_at = ?;
	`, dbTime(now), dbTime(now), id, dbTime(claimUntil))
}

// ReleaseAnnouncement gives a claim back after a failed announcement, making
// the request due at now so the scheduler retries it.
func (s *Store) ReleaseAnnouncement(ctx context.Context, id string, now, claimUntil time.Time) (bool, error) {
	return s.settleClaim(ctx, `
		UPDATE pickup_requests
		SET next_announce_at = ?
		WHERE id = ?
		  AND status IN `+openStatusSQL+`
		  AND next_announce_at = ?;
	`, dbTime(now), id, dbTime(claimUntil))
}

func (s *Store) settleClaim(ctx context.Context, query string, args ...any) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("settle announcement claim: %w", err)
	}
	return affected == 1, nil
}

// MarkHandedOver closes an open request as a compare-and-set. It verifies
// the parent and child inside the same transaction so nothing is committed
// when either record is missing.
func (s *Store) MarkHandedOver(ctx context.Context, id string, now time.Time, operatorID string) (*pickup.Handoff, error) {
	var (
		result  *pickup.Handoff
		already bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, already = nil, false
		req, err := scanPickup(tx.QueryRowContext(ctx, `SELECT `+pickupColumns+` FROM pickup_requests WHERE id = ?;`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return pickup.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load pickup: %w", err)
		}
		switch req.Status {
		case pickup.StatusHandedOver:
			result = &pickup.Handoff{Request: *req}
			already = true
			return nil
		case pickup.StatusExpired:
			return fmt.Errorf("%w: request %s expired", pickup.ErrInvalidState, id)
		}

		parent, err := getParentTx(ctx, tx, req.ParentID)
		if err != nil {
			if errors.Is(err, pickup.ErrNotFound) {
				return fmt.Errorf("%w: parent %d missing", pickup.ErrInvalidState, req.ParentID)
			}
			return err
		}
		child, err := getChildTx(ctx, tx, req.ChildID)
		if err != nil {
			if errors.Is(err, pickup.ErrNotFound) {
				return fmt.Errorf("%w: child %d missing", pickup.ErrInvalidState, req.ChildID)
			}
			return err
		}
		if child.ParentID != parent.ID {
			return fmt.Errorf("%w: child %d does not belong to parent %d", pickup.ErrInvalidState, child.ID, parent.ID)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE pickup_requests
			SET status = 'HANDED_OVER', handed_over_at = ?, handed_over_by = ?,
				next_announce_at = NULL, updated_at = ?
			WHERE id = ? AND status IN `+openStatusSQL+`;
		`, dbTime(now), operatorID, dbTime(now), id)
		if err != nil {
			return fmt.Errorf("mark handed over: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result = &pickup.Handoff{Request: *req, Parent: *parent, Child: *child}
			already = true
			return nil
		}

		at := now.UTC()
		req.Status = pickup.StatusHandedOver
		req.HandedOverAt = &at
		req.HandedOverBy = operatorID
		req.NextAnnounceAt = nil
		req.UpdatedAt = at
		result = &pickup.Handoff{Request: *req, Parent: *parent, Child: *child}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return result, pickup.ErrAlreadyDone
	}
	return result, nil
}

// CountOpenToday counts the distinct children of the parent with a request
// created in [dayStart, dayEnd) that was not abandoned by expiry: still open
// or already handed over. A child collected twice in a day counts once.
func (s *Store) CountOpenToday(ctx context.Context, parentID int64, dayStart, dayEnd time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT child_id) FROM pickup_requests
		WHERE parent_id = ?
		  AND status != 'EXPIRED'
		  AND created_at >= ? AND created_at < ?;
	`, parentID, dbTime(dayStart), dbTime(dayEnd)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open today: %w", err)
	}
	return n, nil
}
