package middleware

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// maxFailedAttempts is the number of failed API credential checks
	// before a source address is locked out.
	maxFailedAttempts = 10

	// lockoutDuration is the first lockout length. Repeat offences double it.
	lockoutDuration = 5 * time.Minute

	// maxLockoutDuration caps the progressive backoff.
	maxLockoutDuration = 24 * time.Hour

	// failureWindow is the sliding window in which failures are counted.
	failureWindow = 10 * time.Minute
)

// sourceRecord tracks per-address authentication failure state.
type sourceRecord struct {
	failures  []time.Time
	locked    bool
	lockedAt  time.Time
	lockedFor time.Duration
}

// AuthGuard locks out source addresses that keep presenting bad account
// credentials. After maxFailedAttempts failures within failureWindow the
// address is rejected for lockoutDuration, doubling on each repeat up to
// maxLockoutDuration.
type AuthGuard struct {
	mu      sync.Mutex
	records map[string]*sourceRecord
	now     func() time.Time
	logger  *slog.Logger
}

// NewAuthGuard creates a guard with empty state.
func NewAuthGuard(logger *slog.Logger) *AuthGuard {
	return &AuthGuard{
		records: make(map[string]*sourceRecord),
		now:     time.Now,
		logger:  logger.With("component", "authguard"),
	}
}

// IsBlocked reports whether source ("ip:port" or "ip") is locked out.
func (g *AuthGuard) IsBlocked(source string) bool {
	ip := sourceIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.locked {
		return false
	}
	if g.now().Sub(rec.lockedAt) > rec.lockedFor {
		rec.locked = false
		rec.failures = nil
		return false
	}
	return true
}

// RecordFailure counts a failed credential check from source and locks the
// address out once the threshold is reached.
func (g *AuthGuard) RecordFailure(source string) {
	ip := sourceIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &sourceRecord{lockedFor: lockoutDuration}
		g.records[ip] = rec
	}
	if rec.locked {
		return
	}

	now := g.now()
	rec.failures = pruneFailures(rec.failures, now.Add(-failureWindow))
	rec.failures = append(rec.failures, now)
	if len(rec.failures) < maxFailedAttempts {
		return
	}

	rec.locked = true
	rec.lockedAt = now
	rec.failures = nil
	g.logger.Warn("api source locked out after repeated authentication failures",
		"ip", ip,
		"duration", rec.lockedFor.String(),
	)
	rec.lockedFor = min(rec.lockedFor*2, maxLockoutDuration)
}

// RecordSuccess clears the failure count for source. The backoff level is
// kept so repeat offenders still get longer lockouts.
func (g *AuthGuard) RecordSuccess(source string) {
	ip := sourceIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup drops expired lockouts and idle records.
func (g *AuthGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, rec := range g.records {
		if rec.locked && now.Sub(rec.lockedAt) > rec.lockedFor {
			rec.locked = false
			rec.failures = nil
		}
		rec.failures = pruneFailures(rec.failures, now.Add(-failureWindow))
		if !rec.locked && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// sourceIP returns the IP of a "host:port" address, or source itself when
// it is already a bare IP.
func sourceIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

func pruneFailures(failures []time.Time, cutoff time.Time) []time.Time {
	var kept []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
