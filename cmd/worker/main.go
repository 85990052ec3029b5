// Command worker is a headless autocoder instance: it joins leader
// election and dispatches commands but serves no dashboard API. Run it
// alongside the main binary as a hot standby, or on its own when the
// dashboard lives elsewhere.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nogataka/autocoder/internal/analytics"
	"github.com/nogataka/autocoder/internal/circuitbreaker"
	"github.com/nogataka/autocoder/internal/config"
	"github.com/nogataka/autocoder/internal/dispatcher"
	"github.com/nogataka/autocoder/internal/janitor"
	"github.com/nogataka/autocoder/internal/leaderelection"
	"github.com/nogataka/autocoder/internal/logging"
	"github.com/nogataka/autocoder/internal/reconciler"
	"github.com/nogataka/autocoder/internal/registry"
	"github.com/nogataka/autocoder/internal/scheduler"
	"github.com/nogataka/autocoder/internal/store/postgres"
	"github.com/nogataka/autocoder/internal/transport/channel"

	_ "github.com/lib/pq"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat).With().Str("role", "worker").Logger()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		return 1
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return 1
	}

	store := postgres.New(db)

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.EnsureSchema(schemaCtx)
	cancelSchema()
	if err != nil {
		logger.Error().Err(err).Msg("failed to apply schema")
		return 1
	}

	projects := registry.New(cfg.ProjectsFile, logger)
	if err := projects.Load(); err != nil {
		logger.Error().Err(err).Str("path", cfg.ProjectsFile).Msg("failed to load projects file")
		return 2
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize)

	engine := scheduler.New(
		scheduler.Config{TickInterval: cfg.TickInterval},
		store,
		projects,
		bus,
		logger,
	)

	disp := dispatcher.New(store, dispatcher.NewHTTPControlSender(), projects, logger).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, analytics.DefaultRetention, logger))
	}

	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			},
			store,
			bus,
			logger,
		)
	}

	var jan *janitor.Janitor
	if cfg.JanitorEnabled {
		jan, err = janitor.New(
			janitor.Config{Schedule: cfg.JanitorSchedule, Retention: cfg.JanitorRetention},
			store,
			logger,
		)
		if err != nil {
			logger.Error().Err(err).Msg("invalid janitor schedule")
			return 2
		}
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	var watchWg sync.WaitGroup
	if cfg.ProjectsWatch {
		watchWg.Add(1)
		go func() {
			defer watchWg.Done()
			if err := projects.Watch(watchCtx); err != nil {
				logger.Error().Err(err).Msg("registry watcher error")
			}
		}()
	}

	var dutiesWg sync.WaitGroup
	onElected := func(ctx context.Context) {
		dutiesWg.Add(1)
		go func() {
			defer dutiesWg.Done()
			engine.Run(ctx)
		}()
		if recon != nil {
			dutiesWg.Add(1)
			go func() {
				defer dutiesWg.Done()
				recon.Run(ctx)
			}()
		}
		if jan != nil {
			dutiesWg.Add(1)
			go func() {
				defer dutiesWg.Done()
				jan.Run(ctx)
			}()
		}
	}
	onDemoted := func() {
		dutiesWg.Wait()
	}

	elector := leaderelection.New(
		db,
		cfg.LeaderLockKey,
		cfg.LeaderRetryInterval,
		cfg.LeaderHeartbeatInterval,
		onElected,
		onDemoted,
		logger,
	)

	electorCtx, cancelElector := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var electorWg sync.WaitGroup
	var dispatcherWg sync.WaitGroup

	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	for i := 0; i < cfg.DispatcherWorkers; i++ {
		dispatcherWg.Add(1)
		go func() {
			defer dispatcherWg.Done()
			disp.Run(dispatcherCtx, bus.Channel())
		}()
	}

	logger.Info().Dur("tick", cfg.TickInterval).Msg("worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info().Str("signal", received.String()).Msg("shutting down")

	// Elector first so demotion stops the engine before the dispatcher
	// drains what it already emitted.
	cancelElector()
	electorWg.Wait()

	cancelDispatcher()
	dispatcherWg.Wait()

	cancelWatch()
	watchWg.Wait()

	logger.Info().Msg("worker stopped")
	return 0
}
