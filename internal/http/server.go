// Package http serves health, readiness and Prometheus metrics for the poll loop.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"buddyfeed/internal/core"
)

const serviceName = "buddyfeed"

// Status is what /readyz reports about the poll loop.
type Status struct {
	// Ready is false until the first cycle finished and after a fatal cycle.
	Ready      bool      `json:"-"`
	LastResult string    `json:"lastResult,omitempty"`
	LastCycle  time.Time `json:"lastCycle,omitzero"`
	Error      string    `json:"error,omitempty"`
}

// StatusFunc reports the poll loop's current status.
type StatusFunc func() Status

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
}

type Metrics struct {
	registry          *prometheus.Registry
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     *prometheus.HistogramVec
	AppendsTotal      *prometheus.CounterVec
	RolloversTotal    *prometheus.CounterVec
	PlaylistsCreated  prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	Buddies           prometheus.Gauge
	PlaylistsKnown    prometheus.Gauge
	TokenExpiryUnixTS prometheus.Gauge
}

// newMetrics registers the collectors on a private registry so several servers
// can coexist in one process.
func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buddyfeed_cycles_total",
				Help: "Total number of poll cycles by result",
			},
			[]string{"result"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buddyfeed_cycle_duration_seconds",
				Help:    "Time spent in one poll cycle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		AppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buddyfeed_appends_total",
				Help: "Total number of tracks appended to playlists",
			},
			[]string{"kind"},
		),
		RolloversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buddyfeed_rollovers_total",
				Help: "Total number of full playlists archived and replaced",
			},
			[]string{"kind"},
		),
		PlaylistsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "buddyfeed_playlists_created_total",
				Help: "Total number of playlists created",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buddyfeed_errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "type"},
		),
		Buddies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "buddyfeed_buddies",
				Help: "Number of buddies in the last changed snapshot",
			},
		),
		PlaylistsKnown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "buddyfeed_playlists_known",
				Help: "Number of logical playlist names resolved to an id",
			},
		),
		TokenExpiryUnixTS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "buddyfeed_token_expiry_timestamp_seconds",
				Help: "Expiry of the current web player token",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CyclesTotal,
		m.CycleDuration,
		m.AppendsTotal,
		m.RolloversTotal,
		m.PlaylistsCreated,
		m.ErrorsTotal,
		m.Buddies,
		m.PlaylistsKnown,
		m.TokenExpiryUnixTS,
	)
	return m
}

func NewServer(config *core.ServerConfig, logger *zap.Logger, status StatusFunc) *Server {
	metrics := newMetrics()
	mux := setupRoutes(logger, metrics, status)

	return &Server{
		config:  config,
		logger:  logger,
		server:  createHTTPServer(config, mux),
		metrics: metrics,
	}
}

func createHTTPServer(config *core.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

func setupRoutes(logger *zap.Logger, metrics *Metrics, status StatusFunc) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(logger, w, http.StatusOK, map[string]any{"status": "ok", "service": serviceName})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		s := Status{Ready: true}
		if status != nil {
			s = status()
		}
		code, state := http.StatusOK, "ready"
		if !s.Ready {
			code, state = http.StatusServiceUnavailable, "not ready"
		}
		writeJSON(logger, w, code, map[string]any{"status": state, "service": serviceName, "poller": s})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	return mux
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

// Recorder exposes the metrics as a core.MetricsRecorder.
func (s *Server) Recorder() core.MetricsRecorder {
	return s.metrics
}

func (m *Metrics) RecordCycle(result string, duration time.Duration) {
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *Metrics) RecordAppend(kind core.PlaylistKind) {
	m.AppendsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordRollover(kind core.PlaylistKind) {
	m.RolloversTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordPlaylistCreated() {
	m.PlaylistsCreated.Inc()
}

func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

func (m *Metrics) SetBuddies(count int) {
	m.Buddies.Set(float64(count))
}

func (m *Metrics) SetPlaylistsKnown(count int) {
	m.PlaylistsKnown.Set(float64(count))
}

func (m *Metrics) SetTokenExpiry(expiry time.Time) {
	m.TokenExpiryUnixTS.Set(float64(expiry.Unix()))
}
