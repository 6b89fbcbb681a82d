package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	TabsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_tabs_active",
			Help: "Number of authenticated browser connections",
		},
	)

	UsersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_users_active",
			Help: "Number of users with at least one open tab",
		},
	)

	LinksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_links_active",
			Help: "Number of live sprite links",
		},
	)

	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_auth_failures_total",
			Help: "Browser connections rejected during authentication by reason",
		},
		[]string{"reason"},
	)

	// Recovery metrics
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_recoveries_total",
			Help: "Completed recovery attempts by outcome",
		},
		[]string{"outcome"}, // connected, exhausted, cancelled
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_recovery_duration_seconds",
			Help:    "Time from recovery start to outcome",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	LinkDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_link_dials_total",
			Help: "Sprite link dial attempts by result",
		},
		[]string{"result"}, // ok, error
	)

	RestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_sprite_restarts_total",
			Help: "Sprite restarts requested during recovery",
		},
	)

	// Buffer metrics
	BufferedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_buffered_messages_total",
			Help: "Browser messages held during recovery by outcome",
		},
		[]string{"outcome"}, // buffered, rejected, replayed, expired
	)

	// Router metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_total",
			Help: "Messages handled by the router by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_proxy_requests_total",
			Help: "LLM proxy requests by provider and status code",
		},
		[]string{"provider", "status"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_proxy_request_duration_seconds",
			Help:    "LLM proxy request duration including streamed responses",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"provider"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TabsActive)
	prometheus.MustRegister(UsersActive)
	prometheus.MustRegister(LinksActive)
	prometheus.MustRegister(AuthFailures)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(LinkDialsTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(BufferedTotal)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on h.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
