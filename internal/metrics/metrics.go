// Package metrics provides Prometheus instrumentation for the scoring service.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sybilscan"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ExplorerRequestsTotal counts block-explorer retrievals by final outcome.
	ExplorerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explorer",
			Name:      "requests_total",
			Help:      "Block-explorer retrievals by chain, category, and outcome.",
		},
		[]string{"chain", "category", "outcome"},
	)

	// ExplorerRateLimitedTotal counts rate-limit responses from the explorer.
	ExplorerRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explorer",
			Name:      "rate_limited_total",
			Help:      "Rate-limit signals received from the block explorer by chain.",
		},
		[]string{"chain"},
	)

	// ScoresTotal counts produced score results by provenance and risk band.
	ScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_total",
			Help:      "Score results by data source and risk band.",
		},
		[]string{"source", "risk"},
	)

	// ScoreDuration observes per-address scoring latency by path.
	ScoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_duration_seconds",
			Help:      "Per-address scoring latency by path (cached, live).",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.25, 1, 2.5, 5, 15, 30},
		},
		[]string{"path"},
	)

	// JobsSubmittedTotal counts accepted batch jobs.
	JobsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total batch scoring jobs accepted.",
	})

	// JobsCompletedTotal counts batch jobs that reached complete.
	JobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total batch scoring jobs completed.",
	})

	// JobAddressesTotal counts addresses processed by batch jobs.
	JobAddressesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "addresses_total",
		Help:      "Total addresses processed by batch jobs.",
	})

	// ActiveJobs tracks jobs currently running.
	ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Number of batch jobs currently running.",
	})

	// FeatureTableRows reports the size of the loaded reference table.
	FeatureTableRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feature_table_rows",
		Help:      "Rows in the loaded reference feature table.",
	})

	// WebhookDeliveriesTotal counts job callback deliveries by event and result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by event type and result (delivered, failed, rejected).",
		},
		[]string{"event", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ExplorerRequestsTotal,
		ExplorerRateLimitedTotal,
		ScoresTotal,
		ScoreDuration,
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobAddressesTotal,
		ActiveJobs,
		FeatureTableRows,
		WebhookDeliveriesTotal,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, keeps job ids out of the label set
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
