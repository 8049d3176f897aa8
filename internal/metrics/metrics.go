package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all the Prometheus metrics for previewguard
type Metrics struct {
	// Counters
	RecordsWritten     *prometheus.CounterVec
	SinkErrors         *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	Validations        *prometheus.CounterVec
	EventsAppended     *prometheus.CounterVec
	IncidentsDelivered prometheus.Counter
	IncidentsRetried   prometheus.Counter
	IncidentsDropped   prometheus.Counter

	// Gauges
	ActiveSessions     prometheus.Gauge
	IncidentQueueDepth prometheus.Gauge

	// Histograms
	ValidationDuration *prometheus.HistogramVec
	HTTPDuration       *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled     bool
	Addr        string
	TLSCert     string
	TLSKey      string
	ClientCA    string
	RequireTLS  bool
	RequireAuth bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:     getBool("METRICS_ENABLED", false),
		Addr:        getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:     getOr("METRICS_TLS_CERT", ""),
		TLSKey:      getOr("METRICS_TLS_KEY", ""),
		ClientCA:    getOr("METRICS_CLIENT_CA", ""),
		RequireTLS:  getBool("METRICS_REQUIRE_TLS", false),
		RequireAuth: getBool("METRICS_REQUIRE_AUTH", false),
	}
}

// NewMetrics creates the metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewguard_records_written_total",
				Help: "Audit records written by sink and record kind",
			},
			[]string{"sink", "kind"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewguard_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewguard_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		Validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewguard_validations_total",
				Help: "Session validations by outcome",
			},
			[]string{"outcome"},
		),

		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "previewguard_security_events_total",
				Help: "Security events appended to the audit log by type",
			},
			[]string{"type"},
		),

		IncidentsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "previewguard_incidents_delivered_total",
			Help: "Incidents delivered to the reporting endpoint",
		}),
		IncidentsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "previewguard_incident_retries_total",
			Help: "Incident batch delivery retries",
		}),
		IncidentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "previewguard_incidents_dropped_total",
			Help: "Incidents dropped after the last delivery attempt failed",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "previewguard_active_sessions",
			Help: "Sessions registered and not yet revoked",
		}),
		IncidentQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "previewguard_incident_queue_depth",
			Help: "Incidents waiting for delivery",
		}),

		ValidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "previewguard_validation_duration_seconds",
				Help:    "Latency of session validation calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "previewguard_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	reg.MustRegister(
		m.RecordsWritten,
		m.SinkErrors,
		m.HTTPRequests,
		m.Validations,
		m.EventsAppended,
		m.IncidentsDelivered,
		m.IncidentsRetried,
		m.IncidentsDropped,
		m.ActiveSessions,
		m.IncidentQueueDepth,
		m.ValidationDuration,
		m.HTTPDuration,
	)
	return m
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
}

// NewServer creates a new metrics server
func NewServer(config Config) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS when a client CA is provided
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				log.Error().Err(err).Str("ca", config.ClientCA).Msg("metrics: failed to load client CA")
			} else {
				tlsConfig.ClientCAs = clientCAs
				tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				log.Info().Str("ca", config.ClientCA).Msg("metrics: mTLS enabled")
			}
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
	}
}

// Start starts the metrics server in a separate goroutine
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Info().Msg("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			log.Info().Str("addr", s.config.Addr).Msg("metrics: HTTPS server listening")
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			log.Info().Str("addr", s.config.Addr).Msg("metrics: HTTP server listening")
			err = s.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics: server error")
		}
	}()

	// Give the listener a moment to bind.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	log.Info().Msg("metrics: shutting down server")
	return s.server.Shutdown(ctx)
}

// Helper functions
func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// InitMetrics returns the process-wide metrics, registered on the default
// Prometheus registry on first use.
func InitMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Convenience methods for common operations. All are safe on a nil
// *Metrics so callers can run without metrics.

func (m *Metrics) IncrementRecordsWritten(sink, kind string) {
	if m == nil {
		return
	}
	m.RecordsWritten.WithLabelValues(sink, kind).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (m *Metrics) IncrementEventsAppended(eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AddActiveSessions(delta float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(delta)
}

// ObserveValidation records one validation attempt.
func (m *Metrics) ObserveValidation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(outcome).Inc()
	m.ValidationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncidentsSent(n int) {
	if m == nil {
		return
	}
	m.IncidentsDelivered.Add(float64(n))
}

func (m *Metrics) IncidentRetry() {
	if m == nil {
		return
	}
	m.IncidentsRetried.Inc()
}

func (m *Metrics) IncidentsLost(n int) {
	if m == nil {
		return
	}
	m.IncidentsDropped.Add(float64(n))
}

func (m *Metrics) SetIncidentQueueDepth(n int) {
	if m == nil {
		return
	}
	m.IncidentQueueDepth.Set(float64(n))
}
