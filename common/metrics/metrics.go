package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Common metrics every gateway process exposes regardless of which
// components are enabled.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of admin/metrics HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Admin/metrics HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ServiceUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "service_up",
			Help: "Whether the gateway process is up (1 = up, 0 = down)",
		},
	)
)

// MetricsServer is a Prometheus metrics + health HTTP server, listening on
// its own address separate from the control socket.
type MetricsServer struct {
	addr   string
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a metrics server bound to addr (host:port).
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	return &MetricsServer{addr: addr, logger: logger}
}

// Start starts the metrics HTTP server. It blocks until Stop is called.
func (m *MetricsServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:         m.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	m.logger.Info("starting metrics server", zap.String("addr", m.addr))
	return m.server.ListenAndServe()
}

// Stop gracefully stops the metrics server.
func (m *MetricsServer) Stop() error {
	if m.server != nil {
		return m.server.Close()
	}
	return nil
}

// RecordHTTPRequest records one admin/metrics HTTP request.
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// SetServiceUp sets the gateway's own health gauge.
func SetServiceUp(up bool) {
	if up {
		ServiceUp.Set(1)
	} else {
		ServiceUp.Set(0)
	}
}
