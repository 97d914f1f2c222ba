// Package statusd serves the agent's local status endpoint: liveness,
// the cloud client state as JSON, and traffic counters for Prometheus.
package statusd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pithecene-io/skylink/cloud"
	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/metrics"
)

// Source is the view of the cloud client the server exposes.
type Source interface {
	State() cloud.State
	Metrics() metrics.Snapshot
	PollImmediately() error
}

// Server is the status HTTP server.
type Server struct {
	src    Source
	logger *log.Logger
	router chi.Router
	http   *http.Server
}

// New builds a server for src. It registers its own Prometheus registry.
func New(src Source, logger *log.Logger) *Server {
	s := &Server{src: src, logger: log.OrNop(logger)}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Get("/state", s.state)
	r.Post("/poll", s.poll)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on l until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(l) }()
	s.logger.Info("status server listening", map[string]any{"addr": l.Addr().String()})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := "ok\n"
	if !s.src.State().Initialized {
		status = http.StatusServiceUnavailable
		body = "initializing\n"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.State())
}

func (s *Server) poll(w http.ResponseWriter, _ *http.Request) {
	if err := s.src.PollImmediately(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
