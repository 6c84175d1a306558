package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/ussdgw/internal/database/models"
)

// applicationRepo implements ApplicationRepository.
type applicationRepo struct {
	db *DB
}

// NewApplicationRepository creates a new ApplicationRepository.
func NewApplicationRepository(db *DB) ApplicationRepository {
	return &applicationRepo{db: db}
}

// Create inserts a new application. A sid is assigned when empty.
func (r *applicationRepo) Create(ctx context.Context, app *models.Application) error {
	if app.Sid == "" {
		app.Sid = NewSid(SidPrefixApplication)
	}
	now := time.Now().UTC()
	_, err := r.db.exec(ctx,
		`INSERT INTO applications (sid, account_sid, friendly_name, api_version, rcml_url,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		app.Sid, app.AccountSid, app.FriendlyName, app.APIVersion, app.RcmlURL, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting application: %w", err)
	}
	app.CreatedAt = now
	app.UpdatedAt = now
	return nil
}

// GetBySid returns an application by sid, or nil if not found.
func (r *applicationRepo) GetBySid(ctx context.Context, sid string) (*models.Application, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT sid, account_sid, friendly_name, api_version, rcml_url, created_at, updated_at
		 FROM applications WHERE sid = ?`, sid,
	))
}

// ListByAccount returns the applications owned by an account.
func (r *applicationRepo) ListByAccount(ctx context.Context, accountSid string) ([]models.Application, error) {
	rows, err := r.db.query(ctx,
		`SELECT sid, account_sid, friendly_name, api_version, rcml_url, created_at, updated_at
		 FROM applications WHERE account_sid = ? ORDER BY friendly_name`, accountSid)
	if err != nil {
		return nil, fmt.Errorf("querying applications: %w", err)
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		var a models.Application
		if err := rows.Scan(&a.Sid, &a.AccountSid, &a.FriendlyName, &a.APIVersion,
			&a.RcmlURL, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning application row: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// Update modifies an existing application.
func (r *applicationRepo) Update(ctx context.Context, app *models.Application) error {
	now := time.Now().UTC()
	_, err := r.db.exec(ctx,
		`UPDATE applications SET friendly_name = ?, api_version = ?, rcml_url = ?, updated_at = ?
		 WHERE sid = ?`,
		app.FriendlyName, app.APIVersion, app.RcmlURL, now, app.Sid,
	)
	if err != nil {
		return fmt.Errorf("updating application: %w", err)
	}
	app.UpdatedAt = now
	return nil
}

// Delete removes an application by sid.
func (r *applicationRepo) Delete(ctx context.Context, sid string) error {
	_, err := r.db.exec(ctx, `DELETE FROM applications WHERE sid = ?`, sid)
	if err != nil {
		return fmt.Errorf("deleting application: %w", err)
	}
	return nil
}

func (r *applicationRepo) scanOne(row *sql.Row) (*models.Application, error) {
	var a models.Application
	err := row.Scan(&a.Sid, &a.AccountSid, &a.FriendlyName, &a.APIVersion,
		&a.RcmlURL, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning application: %w", err)
	}
	return &a, nil
}
