package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/ussdgw/internal/api/middleware"
	"github.com/flowpbx/ussdgw/internal/config"
	"github.com/flowpbx/ussdgw/internal/database/models"
	"github.com/flowpbx/ussdgw/internal/ussd"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// guardCleanupInterval is how often expired auth lockouts are dropped.
const guardCleanupInterval = 5 * time.Minute

// SessionOriginator starts outbound USSD sessions. *ussd.SessionRouter
// implements it.
type SessionOriginator interface {
	Originate(ctx context.Context, order ussd.OutboundCallOrder) (ussd.Handle, error)
	Tell(msg ussd.Message)
}

// CallRecords reads persisted USSD call records.
type CallRecords interface {
	GetBySid(ctx context.Context, sid string) (*models.UssdCall, error)
	ListByAccount(ctx context.Context, accountSid string, limit, offset int) ([]models.UssdCall, error)
	CountByAccount(ctx context.Context, accountSid string) (int, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	sessions SessionOriginator
	accounts middleware.AccountLookup
	calls    CallRecords
	gatherer prometheus.Gatherer
	secret   []byte
	logger   *slog.Logger

	guard       *middleware.AuthGuard
	ipLimiter   *middleware.RateLimiter
	pushLimiter *middleware.RateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. gatherer
// backs /metrics and may be nil to disable it.
func NewServer(cfg *config.Config, sessions SessionOriginator, accounts middleware.AccountLookup,
	calls CallRecords, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, fmt.Errorf("loading api token secret: %w", err)
	}

	logger = logger.With("subsystem", "api")
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		sessions:    sessions,
		accounts:    accounts,
		calls:       calls,
		gatherer:    gatherer,
		secret:      secret,
		logger:      logger,
		guard:       middleware.NewAuthGuard(logger),
		ipLimiter:   middleware.NewRateLimiter(middleware.DefaultRateLimitConfig(), logger),
		pushLimiter: middleware.NewRateLimiter(middleware.PushRateLimitConfig(), logger),
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs background maintenance until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(guardCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.guard.Cleanup()
			}
		}
	}()
}

// Close stops the rate limiters' cleanup goroutines.
func (s *Server) Close() {
	s.ipLimiter.Stop()
	s.pushLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(false))

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.ipLimiter, middleware.ByIP))

		r.Route("/Accounts/{"+middleware.AccountSidParam+"}", func(r chi.Router) {
			r.Use(middleware.RequireAccount(s.accounts, s.secret, s.guard, s.logger))

			r.Post("/Tokens", s.handleCreateToken)

			r.With(middleware.RateLimit(s.pushLimiter, middleware.ByAccount)).
				Post("/UssdPush", s.handleUssdPush)

			r.Get("/UssdCalls", s.handleListUssdCalls)
			r.Get("/UssdCalls/{callSid}", s.handleGetUssdCall)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tokenResponse is the JSON response for an issued API token.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleCreateToken issues a bearer token for the authenticated account.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	acct := middleware.AccountFromContext(r.Context())
	token, expiresAt, err := middleware.GenerateAccountToken(s.secret, acct.Sid)
	if err != nil {
		s.logger.Error("create token: failed to sign", "account_sid", acct.Sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}
