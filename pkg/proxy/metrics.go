package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics carries its own registry so multiple server instances (tests run
// several) never fight over collector registration.
type metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	guardRejections *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_requests_total",
			Help: "Requests handled, by path prefix and status code.",
		}, []string{"path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelgate_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"path"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_tokens_total",
			Help: "Tokens billed upstream, by endpoint.",
		}, []string{"endpoint"}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_guard_rejections_total",
			Help: "Requests rejected before reaching the upstream, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.requestsTotal, m.requestDuration, m.tokensTotal, m.guardRejections)
	return m
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := metricPath(r.URL.Path)
		s.metrics.requestsTotal.WithLabelValues(path, strconv.Itoa(ww.Status())).Inc()
		s.metrics.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

// metricPath collapses parameterized paths so prediction IDs never become
// label values.
func metricPath(p string) string {
	const predPrefix = "/v1/replicate/predictions/"
	if len(p) > len(predPrefix) && p[:len(predPrefix)] == predPrefix {
		return predPrefix + "{id}"
	}
	return p
}
