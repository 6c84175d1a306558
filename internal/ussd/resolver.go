package ussd

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/flowpbx/ussdgw/internal/database/models"
)

// Resolution misses. The router answers all of them with 404.
var (
	ErrBindingNotFound     = errors.New("no binding for destination")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountInactive     = errors.New("account not active")
	ErrApplicationNotFound = errors.New("application not found")
	ErrInvalidURL          = errors.New("invalid application url")
)

// NumberStore looks up the binding for a destination.
type NumberStore interface {
	GetByNumber(ctx context.Context, number string) (*models.IncomingNumber, error)
}

// AccountStore looks up accounts.
type AccountStore interface {
	GetBySid(ctx context.Context, sid string) (*models.Account, error)
}

// ApplicationStore looks up hosted applications.
type ApplicationStore interface {
	GetBySid(ctx context.Context, sid string) (*models.Application, error)
}

// Resolution is a destination resolved to the interpreter it should run.
type Resolution struct {
	NumberSid            string
	AccountSid           string
	APIVersion           string
	EmailAddress         string
	URL                  string
	Method               string
	FallbackURL          string
	FallbackMethod       string
	StatusCallback       string
	StatusCallbackMethod string
}

// Settings converts the resolution into interpreter settings.
func (r *Resolution) Settings() InterpreterSettings {
	return InterpreterSettings{
		Account:              r.AccountSid,
		APIVersion:           r.APIVersion,
		URL:                  r.URL,
		Method:               r.Method,
		FallbackURL:          r.FallbackURL,
		FallbackMethod:       r.FallbackMethod,
		StatusCallback:       r.StatusCallback,
		StatusCallbackMethod: r.StatusCallbackMethod,
		EmailAddress:         r.EmailAddress,
	}
}

// IsResolutionMiss reports whether err means no application owns the
// destination, as opposed to a storage failure.
func IsResolutionMiss(err error) bool {
	return errors.Is(err, ErrBindingNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrApplicationNotFound) ||
		errors.Is(err, ErrInvalidURL)
}

// ApplicationResolver maps a destination to its binding, account and
// application. It holds no per-request state.
type ApplicationResolver struct {
	numbers      NumberStore
	accounts     AccountStore
	applications ApplicationStore
	base         *url.URL
}

// NewApplicationResolver creates a resolver. Relative application URLs are
// resolved against base when it is non-nil.
func NewApplicationResolver(numbers NumberStore, accounts AccountStore, applications ApplicationStore, base *url.URL) *ApplicationResolver {
	return &ApplicationResolver{
		numbers:      numbers,
		accounts:     accounts,
		applications: applications,
		base:         base,
	}
}

// Resolve returns the interpreter configuration for destination. An
// application bound to the number takes precedence over the number's URL.
func (r *ApplicationResolver) Resolve(ctx context.Context, destination string) (*Resolution, error) {
	number, err := r.numbers.GetByNumber(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("looking up binding for %q: %w", destination, err)
	}
	if number == nil {
		return nil, fmt.Errorf("destination %q: %w", destination, ErrBindingNotFound)
	}

	account, err := r.accounts.GetBySid(ctx, number.AccountSid)
	if err != nil {
		return nil, fmt.Errorf("looking up account %s: %w", number.AccountSid, err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %s: %w", number.AccountSid, ErrAccountNotFound)
	}
	if !account.Active() {
		return nil, fmt.Errorf("account %s is %s: %w", account.Sid, account.Status, ErrAccountInactive)
	}

	rawURL := number.UssdURL
	if number.UssdApplicationSid != nil && *number.UssdApplicationSid != "" {
		app, err := r.applications.GetBySid(ctx, *number.UssdApplicationSid)
		if err != nil {
			return nil, fmt.Errorf("looking up application %s: %w", *number.UssdApplicationSid, err)
		}
		if app == nil {
			return nil, fmt.Errorf("application %s: %w", *number.UssdApplicationSid, ErrApplicationNotFound)
		}
		rawURL = app.RcmlURL
	}

	docURL, err := r.resolveURL(rawURL)
	if err != nil {
		return nil, err
	}
	fallbackURL, err := r.resolveURL(number.UssdFallbackURL)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		NumberSid:            number.Sid,
		AccountSid:           number.AccountSid,
		APIVersion:           number.APIVersion,
		EmailAddress:         account.EmailAddress,
		URL:                  docURL,
		Method:               number.UssdMethod,
		FallbackURL:          fallbackURL,
		FallbackMethod:       number.UssdFallbackMethod,
		StatusCallback:       number.StatusCallback,
		StatusCallbackMethod: number.StatusCallbackMethod,
	}, nil
}

func (r *ApplicationResolver) resolveURL(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidURL, raw, err)
	}
	if u.IsAbs() || r.base == nil {
		return u.String(), nil
	}
	return r.base.ResolveReference(u).String(), nil
}
