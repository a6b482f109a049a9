// Package metrics provides Prometheus instrumentation for the wardex shield.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardex",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wardex",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EvaluationsTotal counts pipeline evaluations by final verdict action.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardex",
			Name:      "evaluations_total",
			Help:      "Total transaction evaluations by verdict action.",
		},
		[]string{"action"},
	)

	// StageDuration observes per-stage latency in the evaluation pipeline.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wardex",
			Name:      "stage_duration_seconds",
			Help:      "Evaluation stage duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// RiskTierTotal counts evaluations resolved into each security tier.
	RiskTierTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardex",
			Name:      "risk_tier_total",
			Help:      "Total evaluations resolved into each security tier.",
		},
		[]string{"tier"},
	)

	// AutoFreezeTotal counts automatic policy freeze events.
	AutoFreezeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wardex",
		Name:      "auto_freeze_total",
		Help:      "Total automatic policy freezes triggered by the block-rate heuristic.",
	})

	// ApprovalTokensIssuedTotal counts approval tokens minted for the signer.
	ApprovalTokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wardex",
		Name:      "approval_tokens_issued_total",
		Help:      "Total approval tokens issued to the isolated signer.",
	})

	// SignerRequestsTotal counts requests made to the isolated signer process by kind and outcome.
	SignerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardex",
			Name:      "signer_requests_total",
			Help:      "Total requests sent to the isolated signer process.",
		},
		[]string{"kind", "outcome"},
	)

	// RedactionsTotal counts output-filter redactions by marker kind.
	RedactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardex",
			Name:      "redactions_total",
			Help:      "Total secrets redacted from tool/model output.",
		},
		[]string{"kind"},
	)

	// ActiveSessionKeys tracks current active delegated session keys.
	ActiveSessionKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardex",
			Name:      "active_session_keys",
			Help:      "Number of currently active delegated session keys.",
		},
	)

	// ActiveAuditStreamClients tracks WebSocket clients subscribed to the live audit feed.
	ActiveAuditStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardex",
			Name:      "active_audit_stream_clients",
			Help:      "Number of currently connected live audit stream clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wardex", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wardex", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wardex", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wardex", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wardex", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wardex", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		StageDuration,
		RiskTierTotal,
		AutoFreezeTotal,
		ApprovalTokensIssuedTotal,
		SignerRequestsTotal,
		RedactionsTotal,
		ActiveSessionKeys,
		ActiveAuditStreamClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
