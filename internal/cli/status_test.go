package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/codepipe/pkg/server"
)

func TestStatusCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		found := false
		for _, c := range GetRootCmd().Commands() {
			if c.Name() == "status" {
				found = true
				break
			}
		}
		assert.True(t, found, "status command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)
		assert.Contains(t, output.String(), "/health")
	})
}

func TestPrintStatus(t *testing.T) {
	t.Run("healthy server", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			_ = json.NewEncoder(w).Encode(server.HealthResponse{
				Status:   "healthy",
				Sessions: 2,
				Uptime:   150,
				Services: map[string]string{"model_backend": "active", "session_store": "active"},
				Stages:   map[string]string{"CodeWriter": "active"},
			})
		}))
		defer ts.Close()

		var out bytes.Buffer
		require.NoError(t, printStatus(context.Background(), ts.Client(), ts.URL, &out))

		text := out.String()
		assert.Contains(t, text, "Status: healthy")
		assert.Contains(t, text, "Uptime: 2m30s")
		assert.Contains(t, text, "Sessions: 2")
		assert.Contains(t, text, "Service model_backend: active")
		assert.Contains(t, text, "Stage CodeWriter: active")
	})

	t.Run("unhealthy server is reported", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(server.HealthResponse{Status: "unhealthy", Error: "backend down"})
		}))
		defer ts.Close()

		var out bytes.Buffer
		require.NoError(t, printStatus(context.Background(), ts.Client(), ts.URL, &out))
		assert.Contains(t, out.String(), "Status: unhealthy")
		assert.Contains(t, out.String(), "Error: backend down")
	})

	t.Run("unreachable server", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		var out bytes.Buffer
		err := printStatus(context.Background(), http.DefaultClient, url, &out)
		require.Error(t, err)
		assert.Contains(t, out.String(), "Status: stopped")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
