package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/codepipe/pkg/errkind"
	"github.com/harun/codepipe/pkg/pipeline"
	"github.com/harun/codepipe/pkg/stream"
)

var (
	askUser      string
	askSession   string
	askAggregate bool
)

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Run one query through the pipeline",
	Long: `Run one query through the three stages without starting a server.
By default every stage event is printed as one JSON line as it arrives;
--aggregate prints only the final response document.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "", "user id (default from config)")
	askCmd.Flags().StringVar(&askSession, "session", "", "session id (new session when empty)")
	askCmd.Flags().BoolVar(&askAggregate, "aggregate", false, "print only the aggregate response")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	req := pipeline.Request{
		Query:     strings.Join(args, " "),
		UserID:    askUser,
		SessionID: askSession,
	}
	return ask(ctx, a.orch, req, askAggregate, cmd.OutOrStdout())
}

// ask runs req and writes either the NDJSON event stream or the aggregate
// document to out.
func ask(ctx context.Context, orch *pipeline.Orchestrator, req pipeline.Request, aggregate bool, out io.Writer) error {
	run, err := orch.Start(ctx, req)
	if err != nil {
		return err
	}

	if !aggregate {
		summary, err := stream.Forward(ctx, run.Events(), stream.NewNDJSON(out))
		if err != nil {
			return err
		}
		if summary.Final != nil && summary.Final.Error != nil {
			return errkind.Errorf(errkind.Kind(summary.Final.ErrorKind), "ask", "%s", *summary.Final.Error)
		}
		return nil
	}

	agg, runErr := stream.Collect(ctx, run.Events())
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if _, err := fmt.Fprintln(out, string(data)); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return runErr
}
