package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// OperationsTotal counts book operations by action and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_operations_total",
			Help: "Total number of book operations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// TradesTotal counts executed trades.
	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_trades_total",
			Help: "Total number of trades executed by symbol",
		},
		[]string{"symbol"},
	)

	// RestingOrders tracks how many orders rest on the book.
	RestingOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_resting_orders",
			Help: "Number of orders currently resting on the book",
		},
	)

	// OperationSequence tracks the last assigned operation sequence id.
	OperationSequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_operation_sequence",
			Help: "Last assigned operation sequence id",
		},
	)

	// DroppedReports tracks execution reports dropped under backpressure.
	DroppedReports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_dropped_reports",
			Help: "Execution reports dropped because the report channel was full",
		},
	)
)

// Outcome labels for OperationsTotal.
const (
	OutcomeApplied  = "applied"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// Prometheus records request metrics.
func Prometheus() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Observe(duration)
	}
}
