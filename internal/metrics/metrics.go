package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/flowpbx/ussdgw/internal/database/models"
	"github.com/flowpbx/ussdgw/internal/ussd"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter exposes live dialog sessions per kind.
type SessionCounter interface {
	ActiveCount() map[ussd.SessionKind]int
}

// ActiveCallsProvider exposes the number of live call actors.
type ActiveCallsProvider interface {
	ActiveCalls() int
}

// InterpreterCounter exposes the number of running interpreters.
type InterpreterCounter interface {
	Active() int
}

// CallDirectionCounter returns USSD call record counts grouped by direction.
type CallDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers ussdgw metrics at scrape time.
type Collector struct {
	sessions     SessionCounter
	calls        ActiveCallsProvider
	interpreters InterpreterCounter
	records      CallDirectionCounter
	startTime    time.Time

	activeSessionsDesc *prometheus.Desc
	activeCallsDesc    *prometheus.Desc
	interpretersDesc   *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionCounter,
	calls ActiveCallsProvider,
	interpreters InterpreterCounter,
	records CallDirectionCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:     sessions,
		calls:        calls,
		interpreters: interpreters,
		records:      records,
		startTime:    startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"ussdgw_active_sessions",
			"Number of live USSD dialog sessions",
			[]string{"kind"}, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"ussdgw_active_calls",
			"Number of live USSD call actors",
			nil, nil,
		),
		interpretersDesc: prometheus.NewDesc(
			"ussdgw_active_interpreters",
			"Number of running application interpreters",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"ussdgw_calls_total",
			"Total number of USSD calls recorded",
			[]string{"direction"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"ussdgw_uptime_seconds",
			"Seconds since the ussdgw process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.activeCallsDesc
	ch <- c.interpretersDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		counts := c.sessions.ActiveCount()
		for _, kind := range []ussd.SessionKind{ussd.SessionUSSD, ussd.SessionUSSDOutbound} {
			ch <- prometheus.MustNewConstMetric(
				c.activeSessionsDesc, prometheus.GaugeValue,
				float64(counts[kind]), string(kind),
			)
		}
	}

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCalls()),
		)
	}

	if c.interpreters != nil {
		ch <- prometheus.MustNewConstMetric(
			c.interpretersDesc, prometheus.GaugeValue,
			float64(c.interpreters.Active()),
		)
	}

	// Call volume counters by direction.
	if c.records != nil {
		counts, err := c.records.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count ussd calls by direction", "error", err)
		} else {
			for _, dir := range []string{models.DirectionInbound, models.DirectionOutboundAPI, models.DirectionOutbound} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// RouterMetrics counts session router events. It implements ussd.Metrics.
type RouterMetrics struct {
	dispatched       *prometheus.CounterVec
	responses        *prometheus.CounterVec
	creationFailures *prometheus.CounterVec
}

// NewRouterMetrics creates the router counters and registers them with reg.
func NewRouterMetrics(reg prometheus.Registerer) *RouterMetrics {
	m := &RouterMetrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ussdgw_router_messages_total",
			Help: "Messages dispatched by the session router",
		}, []string{"kind", "method"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ussdgw_router_responses_total",
			Help: "SIP responses sent by the session router",
		}, []string{"code"}),
		creationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ussdgw_call_creation_failures_total",
			Help: "Call actor creations that failed",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.dispatched, m.responses, m.creationFailures)
	return m
}

// MessageDispatched implements ussd.Metrics.
func (m *RouterMetrics) MessageDispatched(kind, method string) {
	m.dispatched.WithLabelValues(kind, method).Inc()
}

// ResponseSent implements ussd.Metrics.
func (m *RouterMetrics) ResponseSent(code int) {
	m.responses.WithLabelValues(strconv.Itoa(code)).Inc()
}

// CreationFailed implements ussd.Metrics.
func (m *RouterMetrics) CreationFailed(reason string) {
	m.creationFailures.WithLabelValues(reason).Inc()
}

// GatewayHealth reports whether the USSD gateway answered its last ping.
type GatewayHealth interface {
	Healthy() bool
}

// NewGatewayUpGauge returns a gauge that reads 1 while the gateway is
// reachable and 0 otherwise.
func NewGatewayUpGauge(gw GatewayHealth) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ussdgw_gateway_up",
		Help: "Whether the USSD gateway answered the last OPTIONS ping",
	}, func() float64 {
		if gw.Healthy() {
			return 1
		}
		return 0
	})
}
