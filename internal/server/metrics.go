package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	intentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeyard_api_intent_outcomes_total",
		Help: "Intent creations by admission outcome",
	}, []string{"outcome"})

	matchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeyard_api_match_decisions_total",
		Help: "Match confirmations and rejections",
	}, []string{"decision"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeyard_api_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func observeIntentOutcome(outcome string) {
	intentOutcomes.WithLabelValues(outcome).Inc()
}

func observeMatchDecision(decision string) {
	matchDecisions.WithLabelValues(decision).Inc()
}

// httpMetricsMiddleware records latency per chi route pattern. The pattern is
// read after the handler runs so path parameters stay collapsed into one
// series per route.
func httpMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func registerMetrics(r chi.Router) {
	r.Handle("/metrics", promhttp.Handler())
}
