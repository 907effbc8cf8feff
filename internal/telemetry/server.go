package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig configures the telemetry HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9090". Empty disables the server.
	Addr string `mapstructure:"addr" json:"addr"`
}

// Server exposes /metrics (Prometheus), /health and /status while a run is
// in flight.
type Server struct {
	logger    *zap.Logger
	collector *Collector
	http      *http.Server
	started   time.Time
}

// NewServer builds the HTTP server around a collector's registry.
func NewServer(logger *zap.Logger, config ServerConfig, collector *Collector) *Server {
	s := &Server{
		logger:    logger.With(zap.String("component", "http-server")),
		collector: collector,
		started:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background. Bind failures are
// returned synchronously so a bad address fails the run at startup.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.http.Addr)
	}
	s.logger.Info("Telemetry server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Telemetry server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"uptime_sec": time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sample := s.collector.LastSample()
	avg, min, max, count := s.collector.counters.LatencyStats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "running",
		"sample": sample,
		"latency": map[string]interface{}{
			"avg_ms": float64(avg) / float64(time.Millisecond),
			"min_ms": float64(min) / float64(time.Millisecond),
			"max_ms": float64(max) / float64(time.Millisecond),
			"count":  count,
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Response encoding failed", zap.Error(err))
	}
}
