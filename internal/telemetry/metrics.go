// Package telemetry provides application-level observability for the usbgate
// server.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<USBGATE_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text
// exposition format and is intended to be scraped every 15-60 seconds. It is
// NOT served by the Gin router, so admission API auth and rate limiting never
// apply to it.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template,
//     not raw URL)
//   - Device admission decision counters
//   - Authorization request lifecycle counters
//   - Push notification delivery counters and connected-client gauge
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/requests/:id/approve)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments. Decision metrics are labelled by decision value,
// never by username or serial: those are sensitive identifiers and would also
// explode cardinality.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Admission decision metrics.
//
// DeviceChecksTotal is a CounterVec with label {decision} holding the outcome
// of each device admission check: "allowed", "denied", or "unknown".
//
// Example PromQL queries:
//   - Denial rate:            sum(rate(device_checks_total{decision="denied"}[1h]))
//   - Unknown-device influx:  increase(device_checks_total{decision="unknown"}[24h])
var DeviceChecksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "device_checks_total",
		Help: "Total number of device admission checks, by decision.",
	},
	[]string{"decision"},
)

// Authorization request lifecycle metrics.
//
// RequestsCreatedTotal counts new pending authorization requests; idempotent
// re-submissions of an already-pending request do not increment it.
// RequestsResolvedTotal is labelled by terminal outcome ("approved" or
// "denied").
//
// Example PromQL queries:
//   - Backlog growth: increase(authorization_requests_created_total[24h]) - increase(authorization_requests_resolved_total[24h])
var (
	RequestsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authorization_requests_created_total",
			Help: "Total number of new pending authorization requests created.",
		},
	)

	RequestsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authorization_requests_resolved_total",
			Help: "Total number of authorization requests resolved, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Push notification metrics.
//
// PushEventsTotal is a CounterVec with labels {event, room} counting events
// emitted to the push channel. Room values are "admin" or "user"; per-user
// room names are folded into "user" to keep cardinality bounded.
//
// PushClientsConnected is a Gauge of currently connected push clients.
//
// Example PromQL queries:
//   - Delivery rate by event:  sum by (event) (rate(push_events_total[5m]))
//   - Agent fleet size:        push_clients_connected
var (
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_events_total",
			Help: "Total number of push events emitted, by event type and room class.",
		},
		[]string{"event", "room"},
	)

	PushClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_clients_connected",
			Help: "Current number of connected push notification clients.",
		},
	)
)

// RequestsCleanedTotal is a plain Counter incremented by the request cleanup
// job once per deleted processed request. A stalled counter with a growing
// requests table suggests the cleanup job has stopped.
var RequestsCleanedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "authorization_requests_cleaned_total",
		Help: "Total number of processed authorization requests deleted by the cleanup job.",
	},
)

// DBOpenConnections is a Gauge tracking open connections in the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than
// per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits when the database becomes unreachable, which happens
// automatically once the application shuts down and defers db.Close().
//
// Call this once, immediately after the database connects in main.go.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
