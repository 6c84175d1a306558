package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/ussdgw/internal/database/models"
)

const incomingNumberColumns = `sid, account_sid, phone_number, friendly_name, api_version,
	 ussd_url, ussd_method, ussd_fallback_url, ussd_fallback_method, ussd_application_sid,
	 status_callback, status_callback_method, created_at, updated_at`

// incomingNumberRepo implements IncomingNumberRepository.
type incomingNumberRepo struct {
	db *DB
}

// NewIncomingNumberRepository creates a new IncomingNumberRepository.
func NewIncomingNumberRepository(db *DB) IncomingNumberRepository {
	return &incomingNumberRepo{db: db}
}

// Create inserts a new incoming number binding. A sid is assigned when empty.
func (r *incomingNumberRepo) Create(ctx context.Context, num *models.IncomingNumber) error {
	if num.Sid == "" {
		num.Sid = NewSid(SidPrefixNumber)
	}
	now := time.Now().UTC()
	_, err := r.db.exec(ctx,
		`INSERT INTO incoming_numbers (`+incomingNumberColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		num.Sid, num.AccountSid, num.PhoneNumber, num.FriendlyName, num.APIVersion,
		num.UssdURL, num.UssdMethod, num.UssdFallbackURL, num.UssdFallbackMethod,
		num.UssdApplicationSid, num.StatusCallback, num.StatusCallbackMethod, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting incoming number: %w", err)
	}
	num.CreatedAt = now
	num.UpdatedAt = now
	return nil
}

// GetBySid returns an incoming number by sid, or nil if not found.
func (r *incomingNumberRepo) GetBySid(ctx context.Context, sid string) (*models.IncomingNumber, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT `+incomingNumberColumns+` FROM incoming_numbers WHERE sid = ?`, sid,
	))
}

// GetByNumber returns the binding for a destination, or nil if none exists.
func (r *incomingNumberRepo) GetByNumber(ctx context.Context, number string) (*models.IncomingNumber, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT `+incomingNumberColumns+` FROM incoming_numbers WHERE phone_number = ?`, number,
	))
}

// ListByAccount returns the numbers owned by an account.
func (r *incomingNumberRepo) ListByAccount(ctx context.Context, accountSid string) ([]models.IncomingNumber, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+incomingNumberColumns+` FROM incoming_numbers
		 WHERE account_sid = ? ORDER BY phone_number`, accountSid)
	if err != nil {
		return nil, fmt.Errorf("querying incoming numbers: %w", err)
	}
	defer rows.Close()

	var nums []models.IncomingNumber
	for rows.Next() {
		var n models.IncomingNumber
		if err := rows.Scan(incomingNumberDest(&n)...); err != nil {
			return nil, fmt.Errorf("scanning incoming number row: %w", err)
		}
		nums = append(nums, n)
	}
	return nums, rows.Err()
}

// Update modifies an existing incoming number.
func (r *incomingNumberRepo) Update(ctx context.Context, num *models.IncomingNumber) error {
	now := time.Now().UTC()
	_, err := r.db.exec(ctx,
		`UPDATE incoming_numbers SET phone_number = ?, friendly_name = ?, api_version = ?,
		 ussd_url = ?, ussd_method = ?, ussd_fallback_url = ?, ussd_fallback_method = ?,
		 ussd_application_sid = ?, status_callback = ?, status_callback_method = ?, updated_at = ?
		 WHERE sid = ?`,
		num.PhoneNumber, num.FriendlyName, num.APIVersion,
		num.UssdURL, num.UssdMethod, num.UssdFallbackURL, num.UssdFallbackMethod,
		num.UssdApplicationSid, num.StatusCallback, num.StatusCallbackMethod, now, num.Sid,
	)
	if err != nil {
		return fmt.Errorf("updating incoming number: %w", err)
	}
	num.UpdatedAt = now
	return nil
}

// Delete removes an incoming number by sid.
func (r *incomingNumberRepo) Delete(ctx context.Context, sid string) error {
	_, err := r.db.exec(ctx, `DELETE FROM incoming_numbers WHERE sid = ?`, sid)
	if err != nil {
		return fmt.Errorf("deleting incoming number: %w", err)
	}
	return nil
}

func (r *incomingNumberRepo) scanOne(row *sql.Row) (*models.IncomingNumber, error) {
	var n models.IncomingNumber
	err := row.Scan(incomingNumberDest(&n)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning incoming number: %w", err)
	}
	return &n, nil
}

func incomingNumberDest(n *models.IncomingNumber) []any {
	return []any{
		&n.Sid, &n.AccountSid, &n.PhoneNumber, &n.FriendlyName, &n.APIVersion,
		&n.UssdURL, &n.UssdMethod, &n.UssdFallbackURL, &n.UssdFallbackMethod, &n.UssdApplicationSid,
		&n.StatusCallback, &n.StatusCallbackMethod, &n.CreatedAt, &n.UpdatedAt,
	}
}
