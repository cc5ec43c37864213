package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/codepipe/pkg/backend"
	"github.com/harun/codepipe/pkg/backend/backendtest"
	"github.com/harun/codepipe/pkg/errkind"
)

func collect(e *Execution) ([]string, error) {
	var deltas []string
	for d, err := range e.Deltas() {
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

func TestRun_AccumulatesDeltas(t *testing.T) {
	b := backendtest.New(backendtest.Reply{Deltas: []string{"def ", "add", "(a, b)"}})
	d := Defaults()[0]

	exec := d.Run(context.Background(), b, Input{Query: "add numbers"}, nil)
	deltas, err := collect(exec)

	require.NoError(t, err)
	assert.Equal(t, []string{"def ", "add", "(a, b)"}, deltas)
	assert.Equal(t, "def add(a, b)", exec.Text())
	assert.NoError(t, exec.Err())
}

func TestRun_BuildsRequest(t *testing.T) {
	b := backendtest.New()
	d := Defaults()[1]
	history := []backend.Message{
		{Role: backend.RoleUser, Content: "earlier"},
		{Role: backend.RoleAssistant, Content: "answer"},
	}
	prior := []Output{{Stage: "CodeWriter", OutputKey: "generated_code", Text: "CODE"}}

	exec := d.Run(context.Background(), b, Input{Query: "now", Prior: prior}, history)
	_, err := collect(exec)
	require.NoError(t, err)

	calls := b.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Instruction, "CODE")
	assert.Equal(t, append(history, backend.Message{Role: backend.RoleUser, Content: "now"}), calls[0].Context)
	assert.Equal(t, calls[0], exec.Request())
}

func TestRun_EmptyCompletionRejected(t *testing.T) {
	b := backendtest.New(backendtest.Reply{Deltas: []string{" ", "\n"}})

	exec := Defaults()[0].Run(context.Background(), b, Input{Query: "q"}, nil)
	_, err := collect(exec)

	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.BackendRejected))
	assert.ErrorContains(t, err, "empty completion")
}

func TestRun_BackendErrorKeepsKind(t *testing.T) {
	b := backendtest.New(backendtest.Reply{
		Deltas: []string{"partial"},
		Err:    errkind.Errorf(errkind.BackendUnavailable, "test", "connection reset"),
	})

	exec := Defaults()[0].Run(context.Background(), b, Input{Query: "q"}, nil)
	deltas, err := collect(exec)

	assert.Equal(t, []string{"partial"}, deltas)
	assert.True(t, errkind.Is(err, errkind.BackendUnavailable))
	assert.Equal(t, err, exec.Err())
}

func TestRun_InstructionErrorSkipsBackend(t *testing.T) {
	b := backendtest.New()
	d := &Definition{Name: "bad", Ordinal: 1, OutputKey: "k", Template: "{{.Outputs.missing}}"}

	exec := d.Run(context.Background(), b, Input{Query: "q"}, nil)
	_, err := collect(exec)

	assert.True(t, errkind.Is(err, errkind.StageInputInvalid))
	assert.Empty(t, b.Calls())
}

func TestRun_CancelAbortsStream(t *testing.T) {
	b := backendtest.New(backendtest.Reply{Deltas: []string{"a"}, Hang: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := Defaults()[0].Run(ctx, b, Input{Query: "q"}, nil)
	var err error
	for d, serr := range exec.Deltas() {
		if serr != nil {
			err = serr
			break
		}
		if d == "a" {
			cancel()
		}
	}

	assert.True(t, errkind.Is(err, errkind.ClientDisconnected))
}
