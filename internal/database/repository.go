package database

import (
	"context"
	"time"

	"github.com/flowpbx/ussdgw/internal/database/models"
)

// AccountRepository manages accounts.
type AccountRepository interface {
	Create(ctx context.Context, acct *models.Account) error
	GetBySid(ctx context.Context, sid string) (*models.Account, error)
	List(ctx context.Context) ([]models.Account, error)
	UpdateStatus(ctx context.Context, sid, status string) error
	Delete(ctx context.Context, sid string) error
}

// ApplicationRepository manages hosted USSD applications.
type ApplicationRepository interface {
	Create(ctx context.Context, app *models.Application) error
	GetBySid(ctx context.Context, sid string) (*models.Application, error)
	ListByAccount(ctx context.Context, accountSid string) ([]models.Application, error)
	Update(ctx context.Context, app *models.Application) error
	Delete(ctx context.Context, sid string) error
}

// IncomingNumberRepository manages destination bindings.
type IncomingNumberRepository interface {
	Create(ctx context.Context, num *models.IncomingNumber) error
	GetBySid(ctx context.Context, sid string) (*models.IncomingNumber, error)
	GetByNumber(ctx context.Context, number string) (*models.IncomingNumber, error)
	ListByAccount(ctx context.Context, accountSid string) ([]models.IncomingNumber, error)
	Update(ctx context.Context, num *models.IncomingNumber) error
	Delete(ctx context.Context, sid string) error
}

// UssdCallRepository manages USSD call records.
type UssdCallRepository interface {
	Create(ctx context.Context, call *models.UssdCall) error
	Update(ctx context.Context, call *models.UssdCall) error
	GetBySid(ctx context.Context, sid string) (*models.UssdCall, error)
	ListByAccount(ctx context.Context, accountSid string, limit, offset int) ([]models.UssdCall, error)
	CountByAccount(ctx context.Context, accountSid string) (int, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
