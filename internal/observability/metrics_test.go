package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRun(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.runTotal.WithLabelValues("completed"))

	RecordRun("completed", 2*time.Second)
	RecordRun("completed", time.Second)

	assert.Equal(t, before+2, testutil.ToFloat64(m.runTotal.WithLabelValues("completed")))
}

func TestRecordStage(t *testing.T) {
	m := getMetrics()
	okBefore := testutil.ToFloat64(m.stageTotal.WithLabelValues("CodeWriter", "success"))
	errBefore := testutil.ToFloat64(m.stageTotal.WithLabelValues("CodeWriter", "error"))

	RecordStage("CodeWriter", time.Second, true)
	RecordStage("CodeWriter", time.Second, false)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(m.stageTotal.WithLabelValues("CodeWriter", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(m.stageTotal.WithLabelValues("CodeWriter", "error")))
}

func TestBackendStream(t *testing.T) {
	m := getMetrics()
	inFlight := m.backendInFlight.WithLabelValues("test")

	BackendStreamStarted("test")
	assert.Equal(t, float64(1), testutil.ToFloat64(inFlight))

	BackendStreamFinished("test", "ok", 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(inFlight))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.backendCallsTotal.WithLabelValues("test", "ok")), float64(1))
}

func TestSessionGauges(t *testing.T) {
	m := getMetrics()

	RecordSessionCreated(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.activeSessions))

	RecordSessionsEvicted(2, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeSessions))

	SetActiveSessions(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeSessions))
}

func TestLaneMetrics(t *testing.T) {
	m := getMetrics()

	RecordLaneEnqueue(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.laneDepth.WithLabelValues("session")))

	RecordLaneCompletion(5*time.Millisecond, true, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.laneDepth.WithLabelValues("session")))
}

func TestMetricsHandler(t *testing.T) {
	RecordChunk("ndjson")
	RecordClientDisconnect("/ask_stream")
	RecordRun("failed", time.Second)

	server := httptest.NewServer(MetricsHandler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "codepipe_stream_chunks_total")
	assert.Contains(t, text, "codepipe_client_disconnects_total")
	assert.Contains(t, text, "codepipe_pipeline_runs_total")
}
