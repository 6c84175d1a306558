package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/ussdgw/internal/database/models"
)

// accountRepo implements AccountRepository.
type accountRepo struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *DB) AccountRepository {
	return &accountRepo{db: db}
}

// Create inserts a new account. A sid is assigned when empty.
func (r *accountRepo) Create(ctx context.Context, acct *models.Account) error {
	if acct.Sid == "" {
		acct.Sid = NewSid(SidPrefixAccount)
	}
	if acct.Status == "" {
		acct.Status = models.AccountStatusActive
	}
	now := time.Now().UTC()
	_, err := r.db.exec(ctx,
		`INSERT INTO accounts (sid, friendly_name, email_address, status, auth_token,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.Sid, acct.FriendlyName, acct.EmailAddress, acct.Status, acct.AuthToken, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	acct.CreatedAt = now
	acct.UpdatedAt = now
	return nil
}

// GetBySid returns an account by sid, or nil if not found.
func (r *accountRepo) GetBySid(ctx context.Context, sid string) (*models.Account, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT sid, friendly_name, email_address, status, auth_token, created_at, updated_at
		 FROM accounts WHERE sid = ?`, sid,
	))
}

// List returns all accounts.
func (r *accountRepo) List(ctx context.Context) ([]models.Account, error) {
	rows, err := r.db.query(ctx,
		`SELECT sid, friendly_name, email_address, status, auth_token, created_at, updated_at
		 FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.Sid, &a.FriendlyName, &a.EmailAddress, &a.Status,
			&a.AuthToken, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		accts = append(accts, a)
	}
	return accts, rows.Err()
}

// UpdateStatus changes an account's status.
func (r *accountRepo) UpdateStatus(ctx context.Context, sid, status string) error {
	_, err := r.db.exec(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE sid = ?`,
		status, time.Now().UTC(), sid,
	)
	if err != nil {
		return fmt.Errorf("updating account status: %w", err)
	}
	return nil
}

// Delete removes an account and everything it owns.
func (r *accountRepo) Delete(ctx context.Context, sid string) error {
	_, err := r.db.exec(ctx, `DELETE FROM accounts WHERE sid = ?`, sid)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}

func (r *accountRepo) scanOne(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.Sid, &a.FriendlyName, &a.EmailAddress, &a.Status,
		&a.AuthToken, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}
