package cli

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harun/codepipe/pkg/server"
	"github.com/harun/codepipe/pkg/session"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline HTTP server",
	Long: `Run the pipeline HTTP server in the foreground. The server exposes
/ask, /ask_stream, /ws, /health, /sessions and /metrics and stops cleanly on
SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return serve(ctx, a, ln)
}

// serve runs the HTTP server and the session sweeper on ln until ctx is
// done, then drains in-flight runs.
func serve(ctx context.Context, a *app, ln net.Listener) error {
	srv, err := server.New(server.Config{
		Host:            a.cfg.Server.Host,
		Port:            a.cfg.Server.Port,
		Orchestrator:    a.orch,
		Sessions:        a.sessions,
		Backend:         a.backend,
		Version:         version,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		Logger:          a.logger,
	})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	var sweeper *session.Sweeper
	if a.cfg.Session.IdleTTL > 0 {
		sweeper, err = session.NewSweeper(a.sessions, session.SweeperConfig{
			IdleTTL:  a.cfg.Session.IdleTTL,
			Schedule: a.cfg.Session.SweepSchedule,
			Logger:   a.logger,
		})
		if err != nil {
			_ = ln.Close()
			return err
		}
		sweeper.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout+5*time.Second)
		defer cancel()
		if sweeper != nil {
			if err := sweeper.Stop(stopCtx); err != nil {
				a.logger.Warn().Err(err).Msg("Session sweeper did not stop cleanly")
			}
		}
		return srv.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info().Msg("Shutdown complete")
	return nil
}
