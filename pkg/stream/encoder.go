package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Encoder writes chunks to a client, flushing each one.
type Encoder interface {
	Encode(c Chunk) error
	// Name labels the encoding in metrics.
	Name() string
}

// Content types.
const (
	ContentTypeNDJSON = "application/x-ndjson"
	ContentTypeSSE    = "text/event-stream"
)

type flusher interface {
	Flush()
}

// NDJSON writes one JSON object per line.
type NDJSON struct {
	w   io.Writer
	enc *json.Encoder
}

// NewNDJSON creates an NDJSON encoder. w is flushed after every chunk when
// it implements http.Flusher.
func NewNDJSON(w io.Writer) *NDJSON {
	return &NDJSON{w: w, enc: json.NewEncoder(w)}
}

func (e *NDJSON) Name() string { return "ndjson" }

// Encode implements Encoder
func (e *NDJSON) Encode(c Chunk) error {
	if err := e.enc.Encode(c); err != nil {
		return err
	}
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// SSE writes server-sent events named after the chunk type.
type SSE struct {
	w io.Writer
}

// NewSSE creates an SSE encoder.
func NewSSE(w io.Writer) *SSE {
	return &SSE{w: w}
}

func (e *SSE) Name() string { return "sse" }

// Encode implements Encoder
func (e *SSE) Encode(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "id: %d\nevent: %s\ndata: %s\n\n", c.Seq, c.Type, data); err != nil {
		return err
	}
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// WebSocket sends each chunk as a JSON text message.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocket creates a WebSocket encoder. A zero writeTimeout disables
// the per-message deadline.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration) *WebSocket {
	return &WebSocket{conn: conn, writeTimeout: writeTimeout}
}

func (e *WebSocket) Name() string { return "websocket" }

// Encode implements Encoder
func (e *WebSocket) Encode(c Chunk) error {
	if e.writeTimeout > 0 {
		if err := e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
			return err
		}
	}
	return e.conn.WriteJSON(c)
}

// PrepareHTTP sets the streaming headers for contentType and commits the
// response. Write deadlines are cleared so long runs are not cut off.
func PrepareHTTP(w http.ResponseWriter, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()
}
