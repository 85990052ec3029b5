// Package janitor prunes expired overrides and aged transition history.
//
// Sweeps fire on a five-field cron schedule evaluated in UTC. Deletions are
// idempotent, so an extra sweep after a restart is harmless and a failed
// sweep is simply retried at the next firing.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Store defines the pruning operations the janitor runs.
type Store interface {
	DeleteExpiredOverrides(ctx context.Context, before time.Time) (int64, error)
	DeleteOldTransitions(ctx context.Context, before time.Time) (int64, error)
}

// Config holds janitor configuration.
type Config struct {
	// Schedule is a five-field cron expression (minute hour dom month dow)
	// evaluated in UTC. Default: "0 3 * * *" (daily at 03:00).
	Schedule string

	// Retention is how long terminal transitions and their attempts are
	// kept. Default: 720h (30 days).
	Retention time.Duration
}

// DefaultConfig returns the default janitor configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:  "0 3 * * *",
		Retention: 720 * time.Hour,
	}
}

// Janitor runs scheduled retention sweeps.
type Janitor struct {
	config Config
	store  Store
	sched  cron.Schedule
	log    zerolog.Logger
	clock  func() time.Time
}

// New parses the sweep schedule and builds a Janitor.
func New(config Config, store Store, log zerolog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", config.Schedule, err)
	}
	return &Janitor{
		config: config,
		store:  store,
		sched:  sched,
		log:    log.With().Str("component", "janitor").Logger(),
		clock:  time.Now,
	}, nil
}

// Run executes sweeps on the configured schedule until ctx is cancelled.
// One sweep runs immediately on startup so a firing missed during downtime
// does not leave expired rows sitting for another full cycle.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info().
		Str("schedule", j.config.Schedule).
		Dur("retention", j.config.Retention).
		Msg("janitor started")

	j.sweep(ctx)

	for {
		now := j.clock().UTC()
		next := j.sched.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			j.log.Info().Msg("janitor stopped")
			return
		case <-timer.C:
			j.sweep(ctx)
		}
	}
}

// sweep deletes overrides past their expiry and transitions older than the
// retention cutoff. Attempt rows go with their transition.
func (j *Janitor) sweep(ctx context.Context) {
	now := j.clock().UTC()

	overrides, err := j.store.DeleteExpiredOverrides(ctx, now)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to prune expired overrides")
	}

	cutoff := now.Add(-j.config.Retention)
	transitions, err := j.store.DeleteOldTransitions(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to prune old transitions")
	}

	j.log.Info().
		Int64("overrides_deleted", overrides).
		Int64("transitions_deleted", transitions).
		Time("transition_cutoff", cutoff).
		Msg("sweep complete")
}
