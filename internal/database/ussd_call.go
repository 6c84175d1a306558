package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/ussdgw/internal/database/models"
)

const ussdCallColumns = `sid, account_sid, call_id, direction, from_addr, to_addr, status,
	 api_version, start_time, end_time, created_at, updated_at`

// ussdCallRepo implements UssdCallRepository.
type ussdCallRepo struct {
	db *DB
}

// NewUssdCallRepository creates a new UssdCallRepository.
func NewUssdCallRepository(db *DB) UssdCallRepository {
	return &ussdCallRepo{db: db}
}

// Create inserts a new call record. A sid is assigned when empty.
func (r *ussdCallRepo) Create(ctx context.Context, call *models.UssdCall) error {
	if call.Sid == "" {
		call.Sid = NewSid(SidPrefixCall)
	}
	now := time.Now().UTC()
	if call.StartTime.IsZero() {
		call.StartTime = now
	}
	_, err := r.db.exec(ctx,
		`INSERT INTO ussd_calls (`+ussdCallColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.Sid, call.AccountSid, call.CallID, call.Direction, call.From, call.To, call.Status,
		call.APIVersion, call.StartTime, call.EndTime, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting ussd call: %w", err)
	}
	call.CreatedAt = now
	call.UpdatedAt = now
	return nil
}

// Update persists the mutable fields of a call record.
func (r *ussdCallRepo) Update(ctx context.Context, call *models.UssdCall) error {
	now := time.Now().UTC()
	_, err := r.db.exec(ctx,
		`UPDATE ussd_calls SET account_sid = ?, call_id = ?, status = ?, api_version = ?,
		 end_time = ?, updated_at = ?
		 WHERE sid = ?`,
		call.AccountSid, call.CallID, call.Status, call.APIVersion, call.EndTime, now, call.Sid,
	)
	if err != nil {
		return fmt.Errorf("updating ussd call: %w", err)
	}
	call.UpdatedAt = now
	return nil
}

// GetBySid returns a call record by sid, or nil if not found.
func (r *ussdCallRepo) GetBySid(ctx context.Context, sid string) (*models.UssdCall, error) {
	var c models.UssdCall
	err := r.db.queryRow(ctx,
		`SELECT `+ussdCallColumns+` FROM ussd_calls WHERE sid = ?`, sid,
	).Scan(ussdCallDest(&c)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ussd call: %w", err)
	}
	return &c, nil
}

// ListByAccount returns a page of an account's calls, most recent first.
func (r *ussdCallRepo) ListByAccount(ctx context.Context, accountSid string, limit, offset int) ([]models.UssdCall, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.query(ctx,
		`SELECT `+ussdCallColumns+` FROM ussd_calls
		 WHERE account_sid = ? ORDER BY start_time DESC, sid LIMIT ? OFFSET ?`, accountSid, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying ussd calls: %w", err)
	}
	defer rows.Close()

	var calls []models.UssdCall
	for rows.Next() {
		var c models.UssdCall
		if err := rows.Scan(ussdCallDest(&c)...); err != nil {
			return nil, fmt.Errorf("scanning ussd call row: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CountByAccount returns the number of calls recorded for an account.
func (r *ussdCallRepo) CountByAccount(ctx context.Context, accountSid string) (int, error) {
	var n int
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM ussd_calls WHERE account_sid = ?`, accountSid,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting account ussd calls: %w", err)
	}
	return n, nil
}

// CountByDirection returns call totals grouped by direction.
func (r *ussdCallRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.query(ctx, `SELECT direction, COUNT(*) FROM ussd_calls GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting ussd calls: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning ussd call count: %w", err)
		}
		counts[dir] = n
	}
	return counts, rows.Err()
}

// DeleteEndedBefore removes records of calls that ended before cutoff.
// Calls still in progress are kept regardless of age.
func (r *ussdCallRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.exec(ctx,
		`DELETE FROM ussd_calls WHERE end_time IS NOT NULL AND end_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired ussd calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading deleted ussd call count: %w", err)
	}
	return n, nil
}

func ussdCallDest(c *models.UssdCall) []any {
	return []any{
		&c.Sid, &c.AccountSid, &c.CallID, &c.Direction, &c.From, &c.To, &c.Status,
		&c.APIVersion, &c.StartTime, &c.EndTime, &c.CreatedAt, &c.UpdatedAt,
	}
}
