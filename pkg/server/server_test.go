package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/codepipe/pkg/backend/backendtest"
	"github.com/harun/codepipe/pkg/errkind"
	"github.com/harun/codepipe/pkg/pipeline"
	"github.com/harun/codepipe/pkg/session"
	"github.com/harun/codepipe/pkg/stage"
	"github.com/harun/codepipe/pkg/stream"
)

type testEnv struct {
	server  *Server
	http    *httptest.Server
	backend *backendtest.Scripted
	store   *session.Store
}

func setupTestServer(t *testing.T, replies ...backendtest.Reply) *testEnv {
	t.Helper()

	b := backendtest.New(replies...)
	store := session.New(session.Config{Logger: zerolog.Nop()})
	orch, err := pipeline.New(pipeline.Config{
		Backend:  b,
		Sessions: store,
		Stages:   stage.Defaults(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	srv, err := New(Config{
		Orchestrator: orch,
		Sessions:     store,
		Backend:      b,
		Version:      "1.2.3",
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, http: ts, backend: b, store: store}
}

func (e *testEnv) post(t *testing.T, path, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "orchestrator is required")
}

func TestAsk_Success(t *testing.T) {
	env := setupTestServer(t,
		backendtest.Text("code"), backendtest.Text("review"), backendtest.Text("refactored"),
	)

	resp := env.post(t, "/ask", `{"query":"write a function that adds two numbers","user_id":"dev"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))

	agg := decode[stream.Aggregate](t, resp)
	assert.Equal(t, []string{"code", "review", "refactored"}, agg.Responses)
	assert.Equal(t, "refactored", agg.Final)
	assert.Equal(t, "dev", agg.UserID)
	assert.NotEmpty(t, agg.SessionID)

	sess, ok := env.store.Get(session.Key{UserID: "dev", SessionID: agg.SessionID})
	require.True(t, ok)
	assert.Len(t, sess.History(), 1)
}

func TestAsk_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty query", body: `{"query":""}`},
		{name: "whitespace query", body: `{"query":"   "}`},
		{name: "missing query", body: `{"user_id":"u"}`},
		{name: "wrong type", body: `{"query":42}`},
		{name: "malformed json", body: `{"query":`},
		{name: "session id too long", body: `{"query":"q","session_id":"` + strings.Repeat("x", 200) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)

			resp := env.post(t, "/ask", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, string(errkind.StageInputInvalid), body.ErrorKind)
			assert.Empty(t, env.backend.Calls())
		})
	}
}

func TestAsk_NullOptionalFields(t *testing.T) {
	env := setupTestServer(t)

	resp := env.post(t, "/ask", `{"query":"q","user_id":null,"session_id":null}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agg := decode[stream.Aggregate](t, resp)
	assert.Equal(t, session.DefaultUserID, agg.UserID)
}

func TestAsk_SessionResolutionFailed(t *testing.T) {
	env := setupTestServer(t)

	resp := env.post(t, "/ask", `{"query":"q","session_id":"a/b"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, string(errkind.SessionResolutionFailed), body.ErrorKind)
}

func TestAsk_BackendFailure(t *testing.T) {
	env := setupTestServer(t,
		backendtest.Text("code"),
		backendtest.Fail(errkind.BackendUnavailable, "connection refused"),
	)

	resp := env.post(t, "/ask", `{"query":"q"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	agg := decode[stream.Aggregate](t, resp)
	assert.Equal(t, []string{"code"}, agg.Responses)
	assert.Equal(t, string(errkind.BackendUnavailable), agg.ErrorKind)
	assert.Contains(t, agg.Error, "connection refused")
}

func TestAskStream_NDJSON(t *testing.T) {
	env := setupTestServer(t)

	resp := env.post(t, "/ask_stream", `{"query":"q","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stream.ContentTypeNDJSON, resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	var chunks []stream.Chunk
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var c stream.Chunk
		require.NoError(t, json.Unmarshal(sc.Bytes(), &c))
		chunks = append(chunks, c)
	}
	require.NotEmpty(t, chunks)
	assert.Equal(t, "RunStarted", chunks[0].Type)
	assert.Equal(t, "RunCompleted", chunks[len(chunks)-1].Type)
	for _, c := range chunks {
		assert.Equal(t, "s1", c.SessionID)
	}
}

func TestAskStream_SSE(t *testing.T) {
	env := setupTestServer(t)

	resp := env.post(t, "/ask_stream", `{"query":"q"}`, "Accept", "text/event-stream")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stream.ContentTypeSSE, resp.Header.Get("Content-Type"))

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "RunStarted", events[0])
	assert.Equal(t, "RunCompleted", events[len(events)-1])
}

func TestAskStream_EmptyQueryEmitsNothing(t *testing.T) {
	env := setupTestServer(t)

	resp := env.post(t, "/ask_stream", `{"query":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, env.backend.Calls())
}

func TestAskStream_FailureEndsWithRunFailed(t *testing.T) {
	env := setupTestServer(t, backendtest.Fail(errkind.BackendRejected, "refusal"))

	resp := env.post(t, "/ask_stream", `{"query":"q"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var last stream.Chunk
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		require.NoError(t, json.Unmarshal(sc.Bytes(), &last))
	}
	assert.Equal(t, "RunFailed", last.Type)
	assert.Equal(t, string(errkind.BackendRejected), last.ErrorKind)
}

func TestAskStream_ClientDisconnectAbortsRun(t *testing.T) {
	env := setupTestServer(t,
		backendtest.Text("code"),
		backendtest.Reply{Deltas: []string{"partial"}, Hang: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.http.URL+"/ask_stream", strings.NewReader(`{"query":"q","session_id":"s1"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var c stream.Chunk
		require.NoError(t, json.Unmarshal(sc.Bytes(), &c))
		if c.Type == "StageChunk" && c.Ordinal == 2 {
			cancel()
			break
		}
	}

	// The backend call for stage 2 was the second one; the run must not
	// reach stage 3 or append history.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.backend.Calls(), 2)
	sess, ok := env.store.Get(session.Key{UserID: session.DefaultUserID, SessionID: "s1"})
	require.True(t, ok)
	assert.Empty(t, sess.History())
}

func TestWebSocket(t *testing.T) {
	env := setupTestServer(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"query":""}`)))
	var errResp ErrorResponse
	require.NoError(t, conn.ReadJSON(&errResp))
	assert.Equal(t, string(errkind.StageInputInvalid), errResp.ErrorKind)

	for range 2 {
		require.NoError(t, conn.WriteJSON(map[string]string{"query": "q", "session_id": "ws"}))
		for {
			var c stream.Chunk
			require.NoError(t, conn.ReadJSON(&c))
			assert.Equal(t, "ws", c.SessionID)
			if c.Terminal() {
				assert.Equal(t, "RunCompleted", c.Type)
				break
			}
		}
	}

	sess, ok := env.store.Get(session.Key{UserID: session.DefaultUserID, SessionID: "ws"})
	require.True(t, ok)
	assert.Len(t, sess.History(), 2)
}

func TestRoot(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])

	resp2, err := http.Get(env.http.URL + "/nope")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHealth(t *testing.T) {
	t.Run("backend reachable", func(t *testing.T) {
		env := setupTestServer(t)

		resp, err := http.Get(env.http.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[HealthResponse](t, resp)
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "active", body.Services["model_backend"])
		assert.Equal(t, "active", body.Services["session_store"])
		assert.Equal(t, map[string]string{
			"CodeWriter": "active", "CodeReviewer": "active", "CodeRefactorer": "active",
		}, body.Stages)
	})

	t.Run("backend down", func(t *testing.T) {
		env := setupTestServer(t)
		env.backend.PingErr = errkind.Errorf(errkind.BackendUnavailable, "ping", "connection refused")

		resp, err := http.Get(env.http.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		body := decode[HealthResponse](t, resp)
		assert.Equal(t, "unhealthy", body.Status)
		assert.Equal(t, "unavailable", body.Services["model_backend"])
	})

	t.Run("concurrent probes", func(t *testing.T) {
		env := setupTestServer(t)

		var wg sync.WaitGroup
		codes := make(chan int, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := http.Get(env.http.URL + "/health")
				if err != nil {
					codes <- 0
					return
				}
				resp.Body.Close()
				codes <- resp.StatusCode
			}()
		}
		wg.Wait()
		close(codes)

		for code := range codes {
			assert.Equal(t, http.StatusOK, code)
		}
	})
}

func TestSessionHistory(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.http.URL + "/sessions/dev/s1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ask := env.post(t, "/ask", `{"query":"first","user_id":"dev","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, ask.StatusCode)

	resp, err = http.Get(env.http.URL + "/sessions/dev/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[SessionResponse](t, resp)
	assert.Equal(t, "dev", body.UserID)
	require.Len(t, body.Turns, 1)
	assert.Equal(t, "first", body.Turns[0].Query)
	assert.Len(t, body.Turns[0].Outputs, 3)
}

func TestMetrics(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	env := setupTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.server.Stop(context.Background()))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestStopBeforeServe(t *testing.T) {
	env := setupTestServer(t)
	require.NoError(t, env.server.Stop(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Serve(ln) }()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept serving after Stop")
	}

	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener is closed")
}

func TestShuttingDownRejectsRuns(t *testing.T) {
	env := setupTestServer(t)
	require.NoError(t, env.server.Stop(context.Background()))

	resp := env.post(t, "/ask", `{"query":"q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind errkind.Kind
		want int
	}{
		{errkind.StageInputInvalid, http.StatusUnprocessableEntity},
		{errkind.SessionResolutionFailed, http.StatusConflict},
		{errkind.BackendUnavailable, http.StatusBadGateway},
		{errkind.BackendRejected, http.StatusBadGateway},
		{errkind.Internal, http.StatusInternalServerError},
		{errkind.ClientDisconnected, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"boom","error_kind":"Internal"}`, rec.Body.String())
}
