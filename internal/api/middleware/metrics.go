// metrics.go — Prometheus-метрики HTTP-слоя.
// Пути нормализуются до известного набора endpoint-ов,
// иначе кардинальность меток растёт с каждым опечатанным URL.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "us_http_requests_total",
			Help: "Общее количество HTTP-запросов к Upload Service",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "us_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Upload Service в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware считает запросы и их длительность по endpoint-ам.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath схлопывает незнакомые пути в статические метки.
// Эндпоинтов немного, поэтому известные перечислены явно.
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/upload", "/api/v1/fileSize", "/api/v1/sizeLimit":
		return path
	}
	if strings.HasPrefix(path, "/api/v1/") {
		return "/api/v1/{unknown}"
	}
	return "{unknown}"
}
