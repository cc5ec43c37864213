package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/codepipe/pkg/backend"
	"github.com/harun/codepipe/pkg/backend/backendtest"
	"github.com/harun/codepipe/pkg/errkind"
)

func drain(ctx context.Context, b backend.Backend) (string, error) {
	var out string
	for d, err := range b.Stream(ctx, backend.Request{Instruction: "x"}) {
		if err != nil {
			return out, err
		}
		out += d
	}
	return out, nil
}

func TestLimitSerializesStreams(t *testing.T) {
	gate := make(chan struct{})
	fake := backendtest.New(
		backendtest.Reply{Deltas: []string{"first"}, Gate: gate},
		backendtest.Text("second"),
	)
	limited := backend.Limit(fake, 1)

	done := make(chan string, 2)
	go func() {
		out, _ := drain(context.Background(), limited)
		done <- out
	}()
	<-fake.Started()

	go func() {
		out, _ := drain(context.Background(), limited)
		done <- out
	}()

	select {
	case <-fake.Started():
		t.Fatal("second stream started while the first held the only slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	assert.Equal(t, "first", <-done)
	assert.Equal(t, "second", <-done)
}

func TestLimitAcquireRespectsContext(t *testing.T) {
	fake := backendtest.New(backendtest.Reply{Hang: true})
	limited := backend.Limit(fake, 1)

	holdCtx, release := context.WithCancel(context.Background())
	defer release()
	go func() { _, _ = drain(holdCtx, limited) }()
	<-fake.Started()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := drain(ctx, limited)
	assert.Equal(t, errkind.ClientDisconnected, errkind.KindOf(err))
}

func TestInstrumentPassesThrough(t *testing.T) {
	fake := backendtest.New(backendtest.Text("hello"), backendtest.Fail(errkind.BackendRejected, "no"))
	b := backend.Instrument(fake, "fake", zerolog.Nop())

	out, err := drain(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = drain(context.Background(), b)
	assert.Equal(t, errkind.BackendRejected, errkind.KindOf(err))

	fake.PingErr = nil
	assert.NoError(t, b.Ping(context.Background()))
}
