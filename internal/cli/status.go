package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/codepipe/pkg/server"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Query the /health endpoint of a running codepipe server.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "server base URL (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		addr = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return printStatus(ctx, http.DefaultClient, addr, cmd.OutOrStdout())
}

// printStatus fetches addr/health and prints a short report. An unhealthy
// server is reported, not returned as an error; an unreachable one is.
func printStatus(ctx context.Context, client *http.Client, addr string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(out, "Status: stopped")
		return fmt.Errorf("server not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var health server.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Duration(health.Uptime*float64(time.Second))))
	fmt.Fprintf(out, "Sessions: %d\n", health.Sessions)
	for _, name := range sortedKeys(health.Services) {
		fmt.Fprintf(out, "Service %s: %s\n", name, health.Services[name])
	}
	for _, name := range sortedKeys(health.Stages) {
		fmt.Fprintf(out, "Stage %s: %s\n", name, health.Stages[name])
	}
	if health.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", health.Error)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
