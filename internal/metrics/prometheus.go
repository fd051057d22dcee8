// Package metrics provides Prometheus metrics for the decision pipeline
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	StrategyMode     *prometheus.CounterVec
	EarlyWins        prometheus.Counter
	WinnerCPM        prometheus.Histogram

	// Source call metrics
	SourceCalls    *prometheus.CounterVec
	SourceLatency  *prometheus.HistogramVec
	SourceTimeouts *prometheus.CounterVec
	SourceErrors   *prometheus.CounterVec
	BidCPM         *prometheus.HistogramVec

	// Unwrap metrics
	UnwrapsTotal    *prometheus.CounterVec
	UnwrapDuration  prometheus.Histogram
	WrapperDepth    prometheus.Histogram
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	UnwrapHopErrors *prometheus.CounterVec

	// Quality metrics
	QualityScore     prometheus.Histogram
	QualityBlocked   *prometheus.CounterVec
	ServeableReports *prometheus.CounterVec

	// Health metrics
	BlockedCreatives     prometheus.Gauge
	HealthEvents         *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
	NotifierCircuitState prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "addecision"
	}

	m := &Metrics{
		// Request metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		// Decision metrics
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of ad decisions",
			},
			[]string{"outcome"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Full decision duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, .75, 1, 1.5, 2, 3, 5},
			},
			[]string{"mode"},
		),
		StrategyMode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_mode_total",
				Help:      "Planner mode selected per decision",
			},
			[]string{"mode"},
		),
		EarlyWins: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "early_wins_total",
				Help:      "Decisions short-circuited by the early-win threshold",
			},
		),
		WinnerCPM: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "winner_cpm",
				Help:      "Winning bid CPM distribution",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
		),

		// Source call metrics
		SourceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_calls_total",
				Help:      "Total bid requests to each demand source",
			},
			[]string{"source"},
		),
		SourceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "source_latency_seconds",
				Help:      "Demand source response latency in seconds",
				Buckets:   []float64{.05, .1, .2, .4, .6, .8, 1, 1.5, 2},
			},
			[]string{"source"},
		),
		SourceTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_timeouts_total",
				Help:      "Total timeouts from demand sources",
			},
			[]string{"source"},
		),
		SourceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Total errors from demand sources",
			},
			[]string{"source"},
		),
		BidCPM: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_cpm",
				Help:      "Bid CPM distribution",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"source"},
		),

		// Unwrap metrics
		UnwrapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unwraps_total",
				Help:      "Total VAST unwrap operations",
			},
			[]string{"resolved"},
		),
		UnwrapDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unwrap_duration_seconds",
				Help:      "Wrapper chain resolution duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8, 12},
			},
		),
		WrapperDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wrapper_depth",
				Help:      "Wrapper chain depth distribution",
				Buckets:   []float64{0, 1, 2, 3, 4, 5},
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unwrap_cache_hits_total",
				Help:      "Unwrap cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unwrap_cache_misses_total",
				Help:      "Unwrap cache misses",
			},
		),
		UnwrapHopErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unwrap_hop_errors_total",
				Help:      "Hop-level errors during wrapper chain resolution",
			},
			[]string{"kind"},
		),

		// Quality metrics
		QualityScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "quality_score",
				Help:      "Overall creative quality score distribution",
				Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		QualityBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quality_blocked_total",
				Help:      "Creatives blocked from serving by the quality gate",
			},
			[]string{"reason"},
		),
		ServeableReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "serve_verdicts_total",
				Help:      "Serve / no-serve verdicts",
			},
			[]string{"verdict"},
		),

		// Health metrics
		BlockedCreatives: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocked_creatives",
				Help:      "Number of (creative, source) keys currently blocked",
			},
		),
		HealthEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_events_total",
				Help:      "Playback telemetry events received",
			},
			[]string{"type"},
		),
		NotificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Health notifications dropped due to a full queue",
			},
		),
		NotifierCircuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notifier_circuit_breaker_state",
				Help:      "Notifier circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.StrategyMode,
		m.EarlyWins,
		m.WinnerCPM,
		m.SourceCalls,
		m.SourceLatency,
		m.SourceTimeouts,
		m.SourceErrors,
		m.BidCPM,
		m.UnwrapsTotal,
		m.UnwrapDuration,
		m.WrapperDepth,
		m.CacheHits,
		m.CacheMisses,
		m.UnwrapHopErrors,
		m.QualityScore,
		m.QualityBlocked,
		m.ServeableReports,
		m.BlockedCreatives,
		m.HealthEvents,
		m.NotificationsDropped,
		m.NotifierCircuitState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordDecision records the outcome of one full decision
func (m *Metrics) RecordDecision(outcome, mode string, duration time.Duration, earlyWin bool) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
	m.DecisionDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.StrategyMode.WithLabelValues(mode).Inc()
	if earlyWin {
		m.EarlyWins.Inc()
	}
}

// RecordSourceCall records one bid request to a demand source
func (m *Metrics) RecordSourceCall(source string, latency time.Duration, cpm float64, hasError, timedOut bool) {
	m.SourceCalls.WithLabelValues(source).Inc()
	m.SourceLatency.WithLabelValues(source).Observe(latency.Seconds())

	if hasError {
		m.SourceErrors.WithLabelValues(source).Inc()
	}
	if timedOut {
		m.SourceTimeouts.WithLabelValues(source).Inc()
	}
	if cpm > 0 {
		m.BidCPM.WithLabelValues(source).Observe(cpm)
	}
}

// RecordWinner records the winning bid of a decision
func (m *Metrics) RecordWinner(cpm float64) {
	m.WinnerCPM.Observe(cpm)
}

// RecordUnwrap records a completed unwrap operation
func (m *Metrics) RecordUnwrap(resolved bool, depth int, duration time.Duration, hopErrors int) {
	verdict := "false"
	if resolved {
		verdict = "true"
	}
	m.UnwrapsTotal.WithLabelValues(verdict).Inc()
	m.UnwrapDuration.Observe(duration.Seconds())
	m.WrapperDepth.Observe(float64(depth))
	if hopErrors > 0 {
		m.UnwrapHopErrors.WithLabelValues("hop").Add(float64(hopErrors))
	}
}

// RecordCacheLookup records an unwrap cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordQuality records a quality verdict
func (m *Metrics) RecordQuality(overall float64, shouldServe bool, blockReason string) {
	m.QualityScore.Observe(overall)
	if shouldServe {
		m.ServeableReports.WithLabelValues("serve").Inc()
	} else {
		m.ServeableReports.WithLabelValues("no_serve").Inc()
		if blockReason != "" {
			m.QualityBlocked.WithLabelValues(blockReason).Inc()
		}
	}
}

// RecordHealthEvent records one telemetry event by type
func (m *Metrics) RecordHealthEvent(eventType string) {
	m.HealthEvents.WithLabelValues(eventType).Inc()
}

// SetBlockedCreatives updates the blocked key gauge
func (m *Metrics) SetBlockedCreatives(n int) {
	m.BlockedCreatives.Set(float64(n))
}

// SetNotifierCircuitState sets the notifier circuit breaker state metric
func (m *Metrics) SetNotifierCircuitState(state string) {
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	m.NotifierCircuitState.Set(value)
}
