package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flowpbx/ussdgw/internal/database"
	"github.com/flowpbx/ussdgw/internal/database/models"
	"github.com/go-chi/chi/v5"
)

type contextKey string

const (
	// accountKey is the context key for the authenticated account.
	accountKey contextKey = "account"

	// holderKey is the context key StructuredLogger uses to learn which
	// account a request authenticated as.
	holderKey contextKey = "account_holder"
)

// AccountSidParam is the chi URL parameter holding the account sid.
const AccountSidParam = "accountSid"

// AccountLookup loads accounts by sid. A missing account is (nil, nil).
type AccountLookup interface {
	GetBySid(ctx context.Context, sid string) (*models.Account, error)
}

// errorEnvelope matches the api package's envelope format for error responses.
type errorEnvelope struct {
	Error string `json:"error,omitempty"`
}

// RequireAccount returns middleware that authenticates the account named in
// the URL. Credentials are either HTTP Basic (account sid and auth token) or
// a bearer token issued by GenerateAccountToken. Sources that keep failing
// are locked out by guard; guard may be nil.
func RequireAccount(accounts AccountLookup, secret []byte, guard *AuthGuard, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			source := r.RemoteAddr
			if guard != nil && guard.IsBlocked(source) {
				writeAuthError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
				return
			}

			sid := chi.URLParam(r, AccountSidParam)
			acct, status, msg := authenticate(r, accounts, secret, sid)
			if acct == nil {
				if status == http.StatusUnauthorized && guard != nil {
					guard.RecordFailure(source)
				}
				if status == http.StatusInternalServerError {
					logger.Error("account lookup failed", "account_sid", sid, "error", msg)
					msg = "internal error"
				} else {
					logger.Debug("api authentication rejected", "account_sid", sid, "reason", msg, "remote_addr", source)
				}
				if status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", `Basic realm="ussdgw"`)
				}
				writeAuthError(w, status, msg)
				return
			}
			if guard != nil {
				guard.RecordSuccess(source)
			}
			if h, ok := r.Context().Value(holderKey).(*accountHolder); ok {
				h.sid = acct.Sid
			}

			ctx := context.WithValue(r.Context(), accountKey, acct)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate resolves the request credentials to the account sid. On
// failure it returns the HTTP status and message to send.
func authenticate(r *http.Request, accounts AccountLookup, secret []byte, sid string) (*models.Account, int, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, http.StatusUnauthorized, "authentication required"
	}

	scheme, credential, _ := strings.Cut(authHeader, " ")
	var tokenChecked bool
	switch {
	case strings.EqualFold(scheme, "bearer"):
		claims, err := ParseAccountToken(secret, credential)
		if err != nil {
			return nil, http.StatusUnauthorized, "invalid or expired token"
		}
		if claims.AccountSid != sid {
			return nil, http.StatusForbidden, "token does not grant access to this account"
		}
		tokenChecked = true
	case strings.EqualFold(scheme, "basic"):
		user, _, ok := r.BasicAuth()
		if !ok {
			return nil, http.StatusUnauthorized, "invalid authorization header"
		}
		if user != sid {
			return nil, http.StatusUnauthorized, "invalid credentials"
		}
	default:
		return nil, http.StatusUnauthorized, "invalid authorization header"
	}

	acct, err := accounts.GetBySid(r.Context(), sid)
	if err != nil {
		return nil, http.StatusInternalServerError, err.Error()
	}
	if acct == nil {
		return nil, http.StatusUnauthorized, "invalid credentials"
	}

	if !tokenChecked {
		_, password, _ := r.BasicAuth()
		ok, err := database.CheckAuthToken(password, acct.AuthToken)
		if err != nil || !ok {
			return nil, http.StatusUnauthorized, "invalid credentials"
		}
	}

	if !acct.Active() {
		return nil, http.StatusForbidden, "account is " + acct.Status
	}
	return acct, 0, ""
}

// AccountFromContext retrieves the authenticated account from the context.
// Returns nil if the request was not authenticated.
func AccountFromContext(ctx context.Context) *models.Account {
	a, _ := ctx.Value(accountKey).(*models.Account)
	return a
}

// WithAccount returns a copy of ctx carrying acct. Intended for tests of
// handlers mounted behind RequireAccount.
func WithAccount(ctx context.Context, acct *models.Account) context.Context {
	return context.WithValue(ctx, accountKey, acct)
}

type accountHolder struct {
	sid string
}

func withAccountHolder(ctx context.Context, h *accountHolder) context.Context {
	return context.WithValue(ctx, holderKey, h)
}

// writeAuthError writes a JSON error matching the API envelope format.
// This avoids importing the api package (which would create a circular dependency).
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
