package main

import (
	"github.com/rs/zerolog"

	"github.com/nogataka/autocoder/internal/config"
)

// logConfigWarnings audits the effective configuration for combinations
// that work but degrade the deployment, so an operator reading the first
// screen of logs knows what they have turned off. [P0] marks settings
// that lose data or strand agents, [P1] marks lost visibility.
func logConfigWarnings(log zerolog.Logger, cfg *config.Config) {
	if !cfg.ReconcileEnabled {
		log.Warn().Msg("[P0] RECONCILE_ENABLED=false: the event bus is in-memory, so commands emitted just before a crash stay 'emitted' forever and agents are left in their last state")
	}

	if !cfg.JanitorEnabled {
		log.Warn().Msg("[P0] JANITOR_ENABLED=false: expired overrides and old transition history are never pruned and the tables grow without bound")
	}

	if !cfg.MetricsEnabled {
		log.Warn().Msg("[P1] METRICS_ENABLED=false: no visibility into tick drift, delivery outcomes or leadership changes")
	}

	if !cfg.ProjectsWatch {
		log.Warn().Msg("[P1] PROJECTS_WATCH=false: edits to the projects file require a restart to take effect")
	}

	if cfg.DispatcherWorkers == 1 {
		log.Info().Msg("DISPATCHER_WORKERS=1: one slow control endpoint delays every other project's commands; raise it if projects run on separate hosts")
	}

	if cfg.CircuitBreakerThreshold == 0 {
		log.Info().Msg("CIRCUIT_BREAKER_THRESHOLD=0: circuit breaker disabled, dead endpoints eat the full retry schedule on every command")
	}
}
