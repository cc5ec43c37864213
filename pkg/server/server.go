package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/internal/tracing"
	"github.com/harun/codepipe/pkg/backend"
	"github.com/harun/codepipe/pkg/pipeline"
	"github.com/harun/codepipe/pkg/session"
)

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	Orchestrator *pipeline.Orchestrator
	Sessions     *session.Store
	// Backend is pinged by /health when it implements backend.Pinger.
	Backend backend.Backend
	Version string
	// ShutdownTimeout bounds the wait for in-flight requests on Stop.
	ShutdownTimeout time.Duration
	// WSWriteTimeout bounds each WebSocket write.
	WSWriteTimeout time.Duration
	Logger         zerolog.Logger
}

// Server serves the pipeline API
type Server struct {
	cfg       Config
	server    *http.Server
	upgrader  websocket.Upgrader
	validator *requestValidator
	logger    zerolog.Logger
	startTime time.Time
	pingGroup singleflight.Group

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// New creates a new Server
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	observability.EnsureRegistered()

	return &Server{
		cfg:       cfg,
		validator: validator,
		logger:    cfg.Logger,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the web UI may be served from another origin
			},
		},
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ask", s.track(s.handleAsk))
	mux.HandleFunc("POST /ask_stream", s.track(s.handleAskStream))
	mux.HandleFunc("GET /ws", s.track(s.handleWebSocket))
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions/{user_id}/{session_id}", s.handleSession)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	return s.withTrace(mux)
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called. It closes ln and returns nil
// at once if Stop already ran.
func (s *Server) Serve(ln net.Listener) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting codepipe server")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop refuses new pipeline requests, waits for in-flight ones up to the
// shutdown timeout, then shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down codepipe server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-timer.C:
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Codepipe server stopped")
	return nil
}

// track rejects requests during shutdown and counts the rest as in flight.
func (s *Server) track(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		next(w, r)
	}
}

// withTrace attaches a trace id to the request context and response.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Trace-Id"); id != "" {
			ctx = tracing.WithTraceID(ctx, id)
		}
		ctx = tracing.NewRequestContext(ctx)
		w.Header().Set("X-Trace-Id", tracing.GetTraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
