package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/internal/tracing"
	"github.com/harun/codepipe/pkg/backend"
	"github.com/harun/codepipe/pkg/errkind"
	"github.com/harun/codepipe/pkg/session"
	"github.com/harun/codepipe/pkg/stage"
	"github.com/harun/codepipe/pkg/stream"
)

func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (AskRequest, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return AskRequest{}, errkind.New(errkind.StageInputInvalid, "server.read", err)
	}
	return s.validator.Decode(data)
}

// logStreamEnd records a stream that stopped before its terminal chunk.
// Only a client that went away counts as a disconnect.
func logStreamEnd(logger zerolog.Logger, route string, err error) {
	if errkind.Is(err, errkind.ClientDisconnected) {
		logDisconnect(logger, route, err)
		return
	}
	logger.Warn().
		Str("route", route).
		Str("error_kind", string(errkind.KindOf(err))).
		Err(err).
		Msg("Stream ended without a terminal event")
}

// logDisconnect records a client that went away mid-run.
func logDisconnect(logger zerolog.Logger, route string, err error) {
	observability.RecordClientDisconnect(route)
	logger.Info().
		Str("route", route).
		Str("error_kind", string(errkind.ClientDisconnected)).
		Err(err).
		Msg("Client disconnected")
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	req, err := s.readRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := s.cfg.Orchestrator.Start(ctx, req.toPipeline())
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info().
		Str("run_id", run.ID()).
		Str("user_id", run.UserID()).
		Str("session_id", run.SessionID()).
		Msg("Aggregate request")

	agg, err := stream.Collect(ctx, run.Events())
	if err != nil {
		kind := errkind.KindOf(err)
		if kind == errkind.ClientDisconnected && ctx.Err() != nil {
			logDisconnect(logger, "/ask", err)
			return
		}
		_ = writeJSON(w, statusFor(kind), agg)
		return
	}

	if err := writeJSON(w, http.StatusOK, agg); err != nil {
		logger.Debug().Err(err).Msg("Failed to write aggregate response")
	}
}

func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	req, err := s.readRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := s.cfg.Orchestrator.Start(ctx, req.toPipeline())
	if err != nil {
		writeError(w, err)
		return
	}

	contentType := stream.ContentTypeNDJSON
	var enc stream.Encoder = stream.NewNDJSON(w)
	if strings.Contains(r.Header.Get("Accept"), stream.ContentTypeSSE) {
		contentType = stream.ContentTypeSSE
		enc = stream.NewSSE(w)
	}
	stream.PrepareHTTP(w, contentType)

	logger.Info().
		Str("run_id", run.ID()).
		Str("session_id", run.SessionID()).
		Str("encoding", enc.Name()).
		Msg("Streaming request")

	if _, err := stream.Forward(ctx, run.Events(), enc); err != nil {
		cancel()
		logStreamEnd(logger, "/ask_stream", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(tracing.Detach(r.Context()))
	defer cancel()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("ip", r.RemoteAddr).Msg("WebSocket client connected")

	conn.SetReadLimit(maxBodyBytes)

	// The reader owns conn reads; closing the socket cancels ctx and with it
	// any run in flight.
	messages := make(chan []byte)
	go func() {
		defer cancel()
		defer close(messages)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("WebSocket read error")
				}
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	enc := stream.NewWebSocket(conn, s.cfg.WSWriteTimeout)
	for msg := range messages {
		req, err := s.validator.Decode(msg)
		if err != nil {
			if s.writeWSError(conn, err) != nil {
				return
			}
			continue
		}

		run, err := s.cfg.Orchestrator.Start(ctx, req.toPipeline())
		if err != nil {
			if s.writeWSError(conn, err) != nil {
				return
			}
			continue
		}

		if _, err := stream.Forward(ctx, run.Events(), enc); err != nil {
			cancel()
			logStreamEnd(logger, "/ws", err)
			return
		}
	}
	logger.Info().Msg("WebSocket client disconnected")
}

func (s *Server) writeWSError(conn *websocket.Conn, err error) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
	return conn.WriteJSON(ErrorResponse{Error: err.Error(), ErrorKind: string(errkind.KindOf(err))})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"message": "Multi-Agent Code Generation Pipeline API",
		"version": s.cfg.Version,
	})
}

// HealthResponse is the readiness report.
type HealthResponse struct {
	Status    string            `json:"status"`
	Stages    map[string]string `json:"stages"`
	Services  map[string]string `json:"services"`
	Sessions  int               `json:"sessions"`
	Uptime    float64           `json:"uptime_seconds"`
	Timestamp string            `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Stages:    make(map[string]string),
		Services:  map[string]string{"session_store": "active", "model_backend": "unchecked"},
		Sessions:  s.cfg.Sessions.Len(),
		Uptime:    time.Since(s.startTime).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, name := range stage.Names(s.cfg.Orchestrator.Stages()) {
		resp.Stages[name] = "active"
	}

	status := http.StatusOK
	if p, ok := s.cfg.Backend.(backend.Pinger); ok {
		err := s.pingBackend(p)
		switch {
		case err == nil:
			resp.Services["model_backend"] = "active"
		case errors.Is(err, backend.ErrPingUnsupported):
		default:
			resp.Status = "unhealthy"
			resp.Services["model_backend"] = "unavailable"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	_ = writeJSON(w, status, resp)
}

// pingBackend checks the backend once for all concurrent /health callers.
// The probe runs on its own context so one caller leaving does not fail
// the others.
func (s *Server) pingBackend(p backend.Pinger) error {
	_, err, _ := s.pingGroup.Do("ping", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return nil, p.Ping(ctx)
	})
	return err
}

// SessionResponse is the history of one session.
type SessionResponse struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	CreatedAt time.Time      `json:"created_at"`
	Turns     []session.Turn `json:"turns"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key{UserID: r.PathValue("user_id"), SessionID: r.PathValue("session_id")}
	sess, ok := s.cfg.Sessions.Get(key)
	if !ok {
		_ = writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "session not found: " + key.String(), ErrorKind: "NotFound"})
		return
	}

	turns := sess.History()
	if turns == nil {
		turns = []session.Turn{}
	}
	_ = writeJSON(w, http.StatusOK, SessionResponse{
		UserID:    sess.UserID(),
		SessionID: sess.ID(),
		CreatedAt: sess.CreatedAt(),
		Turns:     turns,
	})
}
