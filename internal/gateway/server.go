// Package gateway terminates the external surfaces of the process: the
// telephony voice WebSocket at /ws and the HTTP endpoints for health,
// metrics, and the mobile managed-AV controller.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ringdown/ringdown/internal/config"
	"github.com/ringdown/ringdown/internal/mobile"
	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/internal/session"
)

// Server is the process's single HTTP listener.
type Server struct {
	cfg      config.ServerConfig
	sessions *session.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

// ServerOptions bundles the components the listener exposes.
type ServerOptions struct {
	Config   config.ServerConfig
	Sessions *session.Manager

	// Mobile is optional; nil leaves the /v1/mobile endpoints unmounted.
	Mobile *mobile.Controller

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewServer builds the HTTP server and its route table.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}

	s := &Server{
		cfg:      opts.Config,
		sessions: opts.Sessions,
		logger:   logger.WithComponent("gateway"),
		metrics:  opts.Metrics,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/ws", newVoiceHandler(opts.Sessions, logger, opts.Metrics))
	if opts.Mobile != nil {
		opts.Mobile.Mount(mux)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Config.Addr,
		Handler:           s.withRequestID(mux),
		ReadHeaderTimeout: opts.Config.ReadHeaderTimeout,
	}
	return s
}

// Start listens and serves until Shutdown or a listener error. A graceful
// shutdown returns nil.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	s.logger.Info(context.Background(), "http server listening", "addr", listener.Addr().String())
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, asks every live voice session to
// end, and drains handlers within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sessions != nil {
		if err := s.sessions.Shutdown(ctx); err != nil {
			s.logger.Warn(ctx, "session drain incomplete", "error", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withRequestID tags each request with a correlation ID and logs its
// completion. WebSocket upgrades skip the latency log; their lifetime is
// the call's, reported by the session.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := observability.WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)

		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
