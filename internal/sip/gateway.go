package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

const (
	// gatewayCheckInterval is how often the USSD gateway is pinged.
	gatewayCheckInterval = 30 * time.Second
	// gatewayCheckTimeout is the max time to wait for an OPTIONS response.
	gatewayCheckTimeout = 5 * time.Second
)

// GatewayState is the last known reachability of the USSD gateway.
type GatewayState struct {
	Healthy             bool
	LastCheckAt         *time.Time
	FailedAt            *time.Time
	LastError           string
	ConsecutiveFailures int
}

// GatewayMonitor sends periodic OPTIONS pings to the USSD gateway that
// outbound sessions are sent to.
type GatewayMonitor struct {
	client   transactor
	target   sip.Uri
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	state GatewayState
}

// NewGatewayMonitor creates a monitor for gatewayURI, given as
// host[:port][;transport=x].
func NewGatewayMonitor(client transactor, gatewayURI string, logger *slog.Logger) (*GatewayMonitor, error) {
	var target sip.Uri
	if err := sip.ParseUri("sip:"+gatewayURI, &target); err != nil {
		return nil, fmt.Errorf("parsing gateway uri %q: %w", gatewayURI, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("gateway uri %q has no host", gatewayURI)
	}
	return &GatewayMonitor{
		client:   client,
		target:   target,
		interval: gatewayCheckInterval,
		timeout:  gatewayCheckTimeout,
		logger:   logger.With("subsystem", "gateway", "gateway", gatewayURI),
	}, nil
}

// Run pings the gateway immediately and then every interval until ctx is
// done.
func (m *GatewayMonitor) Run(ctx context.Context) {
	m.logger.Info("starting gateway health check", "interval", m.interval.String())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("gateway health check failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check sends one OPTIONS ping and records the outcome.
func (m *GatewayMonitor) Check(ctx context.Context) error {
	err := m.ping(ctx)
	if ctx.Err() != nil {
		return err
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.LastCheckAt = &now
	if err == nil {
		if !m.state.Healthy && m.state.FailedAt != nil {
			m.logger.Info("gateway reachable again")
		}
		m.state.Healthy = true
		m.state.FailedAt = nil
		m.state.LastError = ""
		m.state.ConsecutiveFailures = 0
		return nil
	}

	m.state.Healthy = false
	m.state.LastError = err.Error()
	m.state.ConsecutiveFailures++
	if m.state.FailedAt == nil {
		m.state.FailedAt = &now
	}
	return err
}

func (m *GatewayMonitor) ping(ctx context.Context) error {
	req := sip.NewRequest(sip.OPTIONS, *m.target.Clone())
	if t, ok := m.target.UriParams.Get("transport"); ok && t != "" {
		req.SetTransport(strings.ToUpper(t))
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tx, err := m.client.Send(pingCtx, req)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-pingCtx.Done():
			return fmt.Errorf("waiting for options response: %w", pingCtx.Err())
		case <-tx.Done():
			return fmt.Errorf("options transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode >= 300 {
				return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
			}
			return nil
		}
	}
}

// State returns a copy of the last known gateway state.
func (m *GatewayMonitor) State() GatewayState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Healthy reports whether the last ping succeeded.
func (m *GatewayMonitor) Healthy() bool {
	return m.State().Healthy
}
