package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Submissions    *prometheus.CounterVec
	Completions    *prometheus.CounterVec
	GatewayLatency prometheus.Histogram
	CleanupRemoved prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Query submissions by outcome (accepted, rejected_validation, rejected_rate_limit).",
		}, []string{"outcome"}),
		Completions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Asynchronous completions by terminal status.",
		}, []string{"status"}),
		GatewayLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_latency_ms",
			Help:      "Wall-clock latency of outbound AI calls in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		CleanupRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Records removed by retention cleanup.",
		}),
	}
}

func (m *Metrics) ObserveGatewayLatency(d time.Duration) {
	m.GatewayLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
