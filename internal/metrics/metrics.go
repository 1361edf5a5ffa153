// Package metrics provides Prometheus instrumentation for the sentinel.
//
// Every collector below is registered and exposed on /metrics. The ones the
// sentinel updates are the admin HTTP pair (Middleware), RPCRetriesTotal
// (chain RPC calls), the DB pool and goroutine gauges
// (StartDBStatsCollector) and ActiveWebSocketClients (the admin hub).
// RunsTotal, RunDuration, TransitionsTotal, CurrentLevel, PaymentsTotal,
// PaymentPipelineStageDuration, the two budget gauges and
// ReconciliationMismatchTotal are not written by any code and stay at zero.
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
	// HTTPRequestsTotal counts admin HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "http_requests_total",
			Help:      "Total admin HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes admin request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RunsTotal counts scheduler runs by outcome.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "runs_total",
			Help:      "Total monitoring runs by outcome (ok, error, skipped_overlap).",
		},
		[]string{"outcome"},
	)

	// RunDuration observes the wall-clock time of a full run.
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "run_duration_seconds",
		Help:      "Duration of a full monitoring run in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// TransitionsTotal counts escalation state transitions by resulting level.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "transitions_total",
			Help:      "Total escalation state machine transitions by resulting level.",
		},
		[]string{"to_level"},
	)

	// CurrentLevel reports the current escalation level as an ordinal gauge.
	CurrentLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "current_level",
		Help:      "Ordinal of the current escalation level (0=L0_IDLE .. 5=L5_EMERGENCY, 6=BUDGET_BLOCKED).",
	})

	// PaymentsTotal counts x402 payment pipeline outcomes.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "payments_total",
			Help:      "Total payment pipeline attempts by outcome and endpoint.",
		},
		[]string{"outcome", "endpoint"},
	)

	// PaymentPipelineStageDuration observes time spent per pipeline stage.
	PaymentPipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "payment_pipeline_stage_duration_seconds",
			Help:      "Duration of each payment pipeline stage in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	// BudgetSpentMicroUSDC tracks committed spend for the active budget window.
	BudgetSpentMicroUSDC = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "budget_spent_micro_usdc",
		Help:      "Committed spend in micro-USDC for the current budget window.",
	})

	// BudgetRemainingMicroUSDC tracks remaining headroom for the active budget window.
	BudgetRemainingMicroUSDC = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "budget_remaining_micro_usdc",
		Help:      "Remaining budget in micro-USDC for the current budget window.",
	})

	// RPCRetriesTotal counts retry attempts made against chain RPC endpoints.
	RPCRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "rpc_retries_total",
			Help:      "Total RPC retry attempts by chain and method.",
		},
		[]string{"chain", "method"},
	)

	// ReconciliationMismatchTotal counts reconciliation runs that found a mismatch.
	ReconciliationMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "reconciliation_mismatch_total",
		Help:      "Total reconciliation runs that found a mismatch beyond threshold.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
	// ActiveWebSocketClients tracks connected admin console subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "active_websocket_clients",
		Help: "Current number of connected admin console WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RunsTotal,
		RunDuration,
		TransitionsTotal,
		CurrentLevel,
		PaymentsTotal,
		PaymentPipelineStageDuration,
		BudgetSpentMicroUSDC,
		BudgetRemainingMicroUSDC,
		RPCRetriesTotal,
		ReconciliationMismatchTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
		ActiveWebSocketClients,
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records admin request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path, avoids cardinality explosion
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

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
