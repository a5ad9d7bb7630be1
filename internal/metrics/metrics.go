// Package metrics holds the Prometheus collectors shared by the loader and
// the API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rows partitioned by outcome (new_product, existing_product, rejected)
	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_dedup_rows_total",
			Help: "Scraped rows processed, by outcome",
		},
		[]string{"outcome"},
	)

	// Snapshot merge results (inserted, updated, skipped)
	Snapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_dedup_snapshots_total",
			Help: "Price snapshot merge results",
		},
		[]string{"result"},
	)

	DegenerateIdentifiers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_dedup_identifier_degenerate_total",
			Help: "Identifiers generated without brand, model or spec",
		},
	)

	PriceInversions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_dedup_price_inversions_total",
			Help: "Rows whose offer or card price exceeds the normal price",
		},
	)

	BatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_dedup_batch_retries_total",
			Help: "Batches retried after a transient storage error",
		},
	)

	BatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_dedup_batch_failures_total",
			Help: "Batches abandoned after exhausting retries",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_dedup_batch_duration_seconds",
			Help:    "Time spent committing one batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_dedup_ingest_queue_depth",
			Help: "Observations waiting in the ingest queue",
		},
	)

	EventsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_dedup_events_relayed_total",
			Help: "Outbox events relayed to the stream, by status",
		},
		[]string{"status"},
	)

	// Total HTTP requests partitioned by method, route, and status code
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// HTTP records request counts and latencies. Labels use the matched chi
// route pattern to keep cardinality low.
func HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
