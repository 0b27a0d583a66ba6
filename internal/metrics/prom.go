package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "udsgate_build_info",
			Help:        "Build information for the gateway",
			ConstLabels: prometheus.Labels{"component": "gateway"},
		},
		[]string{"date", "sha", "version"},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsgate_requests_total",
			Help: "Number of proxied requests by outcome",
		},
		[]string{"outcome"},
	)

	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "udsgate_request_duration_seconds",
			Help:    "Duration of one backend exchange",
			Buckets: prometheus.DefBuckets,
		},
	)

	poolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "udsgate_pool_idle_connections",
			Help: "Idle backend connections held by the pool",
		},
	)

	poolCheckouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsgate_pool_checkouts_total",
			Help: "Connection checkouts by source (idle or new)",
		},
		[]string{"source"},
	)

	poolDials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsgate_pool_dials_total",
			Help: "Backend connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	poolDiscards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsgate_pool_discards_total",
			Help: "Backend connections released instead of pooled, by reason",
		},
		[]string{"reason"},
	)

	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsgate_frame_bytes_total",
			Help: "Frame payload bytes exchanged with the backend",
		},
		[]string{"direction"},
	)

	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsgate_retry_attempts_total",
			Help: "Retried operation attempts by label and outcome",
		},
		[]string{"label", "outcome"},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "udsgate_inflight_requests",
			Help: "Requests currently being served",
		},
	)

	workerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "udsgate_worker_up",
			Help: "Whether the supervised backend worker is running",
		},
	)

	staticRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsgate_static_requests_total",
			Help: "Static file requests by outcome",
		},
		[]string{"outcome"},
	)
)

// Register registers all gateway collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, requests, requestDuration, poolIdle, poolCheckouts, poolDials, poolDiscards, frameBytes, retryAttempts, inflight, workerUp, staticRequests)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRequest counts one proxied request. Outcome is one of ok, unavailable,
// protocol, backend_error, invalid_response or draining.
func RecordRequest(outcome string, d time.Duration) {
	requests.WithLabelValues(outcome).Inc()
	if d > 0 {
		requestDuration.Observe(d.Seconds())
	}
}

// SetPoolIdle records the current idle connection count.
func SetPoolIdle(n int) { poolIdle.Set(float64(n)) }

// RecordCheckout counts a checkout served from the idle set or a new dial.
func RecordCheckout(reused bool) {
	source := "new"
	if reused {
		source = "idle"
	}
	poolCheckouts.WithLabelValues(source).Inc()
}

// RecordDial counts one connection attempt.
func RecordDial(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	poolDials.WithLabelValues(outcome).Inc()
}

// RecordDiscard counts a released connection.
func RecordDiscard(reason string) { poolDiscards.WithLabelValues(reason).Inc() }

// RecordFrame counts payload bytes; direction is "in" or "out".
func RecordFrame(direction string, n int) { frameBytes.WithLabelValues(direction).Add(float64(n)) }

// RecordRetryAttempt counts one attempt of a retried operation.
func RecordRetryAttempt(label string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	retryAttempts.WithLabelValues(label, outcome).Inc()
}

// RecordStatic counts a static file request; outcome is "hit" or "miss".
func RecordStatic(found bool) {
	outcome := "hit"
	if !found {
		outcome = "miss"
	}
	staticRequests.WithLabelValues(outcome).Inc()
}

// SetInflight records the number of requests being served.
func SetInflight(n int64) { inflight.Set(float64(n)) }

// SetWorkerUp records whether the backend worker process is running.
func SetWorkerUp(up bool) {
	if up {
		workerUp.Set(1)
		return
	}
	workerUp.Set(0)
}
