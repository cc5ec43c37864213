package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the idle sweep every ten minutes.
const DefaultSweepSchedule = "@every 10m"

// SweeperConfig holds idle eviction settings
type SweeperConfig struct {
	IdleTTL  time.Duration
	Schedule string
	Logger   zerolog.Logger
}

// Sweeper evicts idle sessions on a cron schedule.
type Sweeper struct {
	store  *Store
	ttl    time.Duration
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewSweeper creates a sweeper. IdleTTL must be positive.
func NewSweeper(store *Store, cfg SweeperConfig) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.IdleTTL <= 0 {
		return nil, fmt.Errorf("idle TTL must be positive")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}

	sw := &Sweeper{
		store:  store,
		ttl:    cfg.IdleTTL,
		cron:   cron.New(),
		logger: cfg.Logger,
	}
	if _, err := sw.cron.AddFunc(cfg.Schedule, func() { sw.SweepOnce() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return sw, nil
}

// Start begins scheduled sweeps.
func (sw *Sweeper) Start() {
	sw.cron.Start()
	sw.logger.Info().Dur("idle_ttl", sw.ttl).Msg("Session sweeper started")
}

// Stop halts scheduling and waits for a running sweep, or for ctx.
func (sw *Sweeper) Stop(ctx context.Context) error {
	done := sw.cron.Stop()
	select {
	case <-done.Done():
		sw.logger.Info().Msg("Session sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepOnce evicts sessions idle longer than the TTL.
func (sw *Sweeper) SweepOnce() int {
	n := sw.store.EvictIdle(sw.store.now().Add(-sw.ttl))
	if n > 0 {
		sw.logger.Info().Int("evicted", n).Int("remaining", sw.store.Len()).Msg("Evicted idle sessions")
	}
	return n
}
