package server

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type requestMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newRequestMetrics(registry *prometheus.Registry) (*requestMetrics, error) {
	m := &requestMetrics{
		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"handler", "code", "method"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of response latency (seconds) of http requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "method"}),
	}
	if registry != nil {
		if err := registry.Register(m.requestCounter); err != nil {
			return nil, err
		}
		if err := registry.Register(m.requestDuration); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func instrumentHandler(handlerName string, handler http.Handler, m *requestMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := httpsnoop.CaptureMetrics(handler, w, r)
		m.requestCounter.With(prometheus.Labels{
			"handler": handlerName,
			"code":    strconv.Itoa(metrics.Code),
			"method":  r.Method,
		}).Inc()
		m.requestDuration.With(prometheus.Labels{
			"handler": handlerName,
			"method":  r.Method,
		}).Observe(metrics.Duration.Seconds())
	})
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
