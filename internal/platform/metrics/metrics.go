package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	SessionsStarted       *prometheus.CounterVec
	VerificationsComplete *prometheus.CounterVec
	StageFailures         *prometheus.CounterVec
	UpstreamRetries       *prometheus.CounterVec
	SessionsSwept         prometheus.Counter
	CallbackDuration      *prometheus.HistogramVec
	CircuitState          *prometheus.GaugeVec
	RequestLatency        *prometheus.HistogramVec
	EventsPublished       prometheus.Counter
	EventsDropped         *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers on reg; tests pass a fresh prometheus.NewRegistry().
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "humanscore_sessions_started_total",
			Help: "Verification sessions created, by provider",
		}, []string{"provider"}),
		VerificationsComplete: f.NewCounterVec(prometheus.CounterOpts{
			Name: "humanscore_verifications_completed_total",
			Help: "Verification sessions that reached a terminal state, by provider and outcome",
		}, []string{"provider", "outcome"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "humanscore_verification_stage_failures_total",
			Help: "Verification attempts that failed, by provider and stage",
		}, []string{"provider", "stage"}),
		UpstreamRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "humanscore_upstream_retries_total",
			Help: "Outbound requests retried after a rate limit response, by host",
		}, []string{"host"}),
		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "humanscore_sessions_swept_total",
			Help: "Expired sessions removed by the sweeper",
		}),
		CallbackDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "humanscore_callback_duration_seconds",
			Help:    "Time spent completing a verification callback",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "humanscore_circuit_open",
			Help: "1 when the named circuit breaker is open",
		}, []string{"name"}),
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "humanscore_http_request_duration_seconds",
			Help:    "HTTP request latency, by route pattern, method and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		EventsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "humanscore_events_published_total",
			Help: "Verification events delivered to the event sink",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "humanscore_events_dropped_total",
			Help: "Verification events lost before delivery, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncSessionStarted(provider string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(provider).Inc()
}

// ObserveCompletion records a terminal outcome ("verified" or "failed").
func (m *Metrics) ObserveCompletion(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.VerificationsComplete.WithLabelValues(provider, outcome).Inc()
	m.CallbackDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) IncStageFailure(provider, stage string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(provider, stage).Inc()
}

func (m *Metrics) IncUpstreamRetry(host string) {
	if m == nil {
		return
	}
	m.UpstreamRetries.WithLabelValues(host).Inc()
}

func (m *Metrics) AddSessionsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsSwept.Add(float64(n))
}

func (m *Metrics) SetCircuitOpen(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitState.WithLabelValues(name).Set(v)
}

// ObserveRequest records one HTTP request against its route pattern.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestLatency.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) AddEventsPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsPublished.Add(float64(n))
}

func (m *Metrics) AddEventsDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Add(float64(n))
}
