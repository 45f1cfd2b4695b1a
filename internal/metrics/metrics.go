// Package metrics exposes prometheus collectors for alignment runs and the
// HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pairsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thermalign_pairs_total",
		Help: "Pairs processed, by alignment method and fallback reason.",
	}, []string{"method", "reason"})
	pairsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thermalign_pair_failures_total",
		Help: "Pairs that produced no output, by stage.",
	}, []string{"stage"})
	pairDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "thermalign_pair_duration_seconds",
		Help:    "Wall time to decode, align and write one pair.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"method"})
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thermalign_runs_total",
		Help: "Alignment runs by final status.",
	}, []string{"status"})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thermalign_queue_depth",
		Help: "Jobs waiting for a worker.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_response_time_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Number of HTTP requests.",
	}, []string{"path"})
)

// ObservePair records a pair that produced output.
func ObservePair(method, reason string, d time.Duration) {
	if reason == "" {
		reason = "none"
	}
	pairsProcessed.WithLabelValues(method, reason).Inc()
	pairDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveFailure records a pair that was skipped at stage.
func ObserveFailure(stage string) {
	pairsFailed.WithLabelValues(stage).Inc()
}

// ObserveRun records a finished run.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth reports the number of queued jobs.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// unmatchedRoute labels requests that reached no mux route.
const unmatchedRoute = "unmatched"

// Middleware times every request, labelled by its route template so ids in
// the path do not explode cardinality. Requests without a route share the
// unmatchedRoute label.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		path := unmatchedRoute
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		httpDuration.WithLabelValues(path).Observe(duration.Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}
