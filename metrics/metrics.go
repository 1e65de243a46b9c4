// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts completed gateway requests by tier and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartroute",
		Name:      "requests_total",
		Help:      "Completed chat-completion requests by tier and outcome.",
	}, []string{"tier", "status"})

	// AttemptsTotal counts individual upstream attempts by outcome reason.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartroute",
		Name:      "upstream_attempts_total",
		Help:      "Upstream model attempts by tier and outcome.",
	}, []string{"tier", "outcome"})

	// TTFTSeconds observes per-attempt time to first token.
	TTFTSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "smartroute",
		Name:      "ttft_seconds",
		Help:      "Time from dispatch to upstream response headers.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"tier"})

	// RequestSeconds observes end-to-end request duration.
	RequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "smartroute",
		Name:      "request_seconds",
		Help:      "End-to-end request duration including failover.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"tier"})
)

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
