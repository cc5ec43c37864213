package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/codepipe/pkg/backend/backendtest"
	"github.com/harun/codepipe/pkg/errkind"
	"github.com/harun/codepipe/pkg/pipeline"
	"github.com/harun/codepipe/pkg/stream"
)

func TestAsk_Streaming(t *testing.T) {
	a := setupApp(t, backendtest.New())

	var out bytes.Buffer
	err := ask(context.Background(), a.orch, pipeline.Request{Query: "sort a list", UserID: "u1", SessionID: "s1"}, false, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)

	var first, last stream.Chunk
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, pipeline.RunStarted, first.Type)
	assert.Equal(t, pipeline.RunCompleted, last.Type)
	assert.Equal(t, "u1", last.UserID)
	assert.Equal(t, "s1", last.SessionID)
	assert.Len(t, last.Responses, 3)
}

func TestAsk_Aggregate(t *testing.T) {
	a := setupApp(t, backendtest.New(
		backendtest.Text("code"),
		backendtest.Text("review"),
		backendtest.Text("final code"),
	))

	var out bytes.Buffer
	err := ask(context.Background(), a.orch, pipeline.Request{Query: "sort a list"}, true, &out)
	require.NoError(t, err)

	var agg stream.Aggregate
	require.NoError(t, json.Unmarshal(out.Bytes(), &agg))
	assert.Equal(t, []string{"code", "review", "final code"}, agg.Responses)
	assert.Equal(t, "final code", agg.Final)
	assert.Equal(t, "default_user", agg.UserID)
	assert.NotEmpty(t, agg.SessionID)
}

func TestAsk_Failure(t *testing.T) {
	t.Run("streaming", func(t *testing.T) {
		a := setupApp(t, backendtest.New(backendtest.Fail(errkind.BackendUnavailable, "connection refused")))

		var out bytes.Buffer
		err := ask(context.Background(), a.orch, pipeline.Request{Query: "q"}, false, &out)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.BackendUnavailable))
		assert.Contains(t, out.String(), string(pipeline.RunFailed))
	})

	t.Run("aggregate", func(t *testing.T) {
		a := setupApp(t, backendtest.New(
			backendtest.Text("code"),
			backendtest.Fail(errkind.BackendRejected, "bad request"),
		))

		var out bytes.Buffer
		err := ask(context.Background(), a.orch, pipeline.Request{Query: "q"}, true, &out)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.BackendRejected))

		var agg stream.Aggregate
		require.NoError(t, json.Unmarshal(out.Bytes(), &agg))
		assert.Equal(t, []string{"code"}, agg.Responses)
		assert.Equal(t, string(errkind.BackendRejected), agg.ErrorKind)
	})

	t.Run("empty query", func(t *testing.T) {
		a := setupApp(t, backendtest.New())

		var out bytes.Buffer
		err := ask(context.Background(), a.orch, pipeline.Request{Query: "  "}, false, &out)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.StageInputInvalid))
		assert.Empty(t, out.String())
	})
}
