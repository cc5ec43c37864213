package cli

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/codepipe/internal/config"
	"github.com/harun/codepipe/pkg/backend/backendtest"
	"github.com/harun/codepipe/pkg/server"
)

func TestServe(t *testing.T) {
	a := setupApp(t, backendtest.New(), func(c *config.Config) {
		c.Server.ShutdownTimeout = time.Second
		c.Session.IdleTTL = time.Hour
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, a, ln) }()

	var health server.HealthResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "healthy", health.Status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	_, err = http.Get(addr + "/health")
	assert.Error(t, err)
}

func TestServe_ContextDoneBeforeStart(t *testing.T) {
	a := setupApp(t, backendtest.New(), func(c *config.Config) {
		c.Server.ShutdownTimeout = time.Second
	})

	for range 20 {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- serve(ctx, a, ln) }()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("serve kept running with a cancelled context")
		}
	}
}
