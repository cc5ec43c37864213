package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/codepipe/internal/config"
	"github.com/harun/codepipe/internal/logger"
	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/internal/tracing"
	"github.com/harun/codepipe/pkg/backend"
	"github.com/harun/codepipe/pkg/pipeline"
	"github.com/harun/codepipe/pkg/runqueue"
	"github.com/harun/codepipe/pkg/session"
	"github.com/harun/codepipe/pkg/stage"
)

// newBackend builds the model backend. Tests replace it.
var newBackend = func(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	return backend.New(ctx, cfg)
}

// loadConfig reads the config file and environment, applies flag overrides
// and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).WithEnvFile(envFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is the wired pipeline shared by serve and ask.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	logger   zerolog.Logger
	backend  backend.Backend
	sessions *session.Store
	queue    *runqueue.Queue
	orch     *pipeline.Orchestrator
}

// newApp builds every component from cfg. console controls whether logs go
// to stderr.
func newApp(ctx context.Context, cfg *config.Config, console bool) (*app, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := log.Zerolog()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, version); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing")
		}
	}
	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	stages, err := stage.Load(cfg.StagesFile)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	b, err := newBackend(ctx, backend.Config{
		Provider:    cfg.Backend.Provider,
		Model:       cfg.Backend.Model,
		BaseURL:     cfg.Backend.BaseURL,
		APIKey:      cfg.Backend.APIKey,
		Temperature: cfg.Backend.Temperature,
		MaxTokens:   cfg.Backend.MaxTokens,
		Timeout:     cfg.Backend.Timeout,
	})
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	b = backend.Instrument(b, cfg.Backend.Provider, zl)
	if cfg.Backend.MaxConcurrent > 0 {
		b = backend.Limit(b, cfg.Backend.MaxConcurrent)
	}

	sessions := session.New(session.Config{
		DefaultUser: cfg.Session.DefaultUser,
		Logger:      zl,
	})
	queue := runqueue.New(runqueue.Config{Logger: zl})

	orch, err := pipeline.New(pipeline.Config{
		Backend:        b,
		Sessions:       sessions,
		Stages:         stages,
		Queue:          queue,
		Logger:         zl,
		RunTimeout:     cfg.Server.RunTimeout,
		QueueWarnAfter: cfg.Server.QueueWarnAfter,
	})
	if err != nil {
		_ = queue.Close()
		_ = log.Close()
		return nil, err
	}

	zl.Debug().
		Str("provider", cfg.Backend.Provider).
		Str("model", cfg.Backend.Model).
		Strs("stages", stage.Names(stages)).
		Msg("Pipeline ready")

	return &app{
		cfg:      cfg,
		log:      log,
		logger:   zl,
		backend:  b,
		sessions: sessions,
		queue:    queue,
		orch:     orch,
	}, nil
}

// Close stops the queue and flushes logs and traces.
func (a *app) Close(ctx context.Context) error {
	_ = a.queue.Close()
	if a.cfg.Tracing.Enabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to shut down tracing")
		}
	}
	_ = observability.GetAuditLogger().Close()
	return a.log.Close()
}
