package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nogataka/autocoder/internal/analytics"
	"github.com/nogataka/autocoder/internal/api"
	"github.com/nogataka/autocoder/internal/circuitbreaker"
	"github.com/nogataka/autocoder/internal/config"
	"github.com/nogataka/autocoder/internal/dispatcher"
	"github.com/nogataka/autocoder/internal/janitor"
	"github.com/nogataka/autocoder/internal/leaderelection"
	"github.com/nogataka/autocoder/internal/logging"
	"github.com/nogataka/autocoder/internal/metrics"
	"github.com/nogataka/autocoder/internal/reconciler"
	"github.com/nogataka/autocoder/internal/registry"
	"github.com/nogataka/autocoder/internal/schedule"
	"github.com/nogataka/autocoder/internal/scheduler"
	"github.com/nogataka/autocoder/internal/store/postgres"
	"github.com/nogataka/autocoder/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`autocoder - schedules autonomous coding agents per project

Usage:
  autocoder <command>

Commands:
  serve      Start the engine, dispatcher and dashboard API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  PROJECTS_FILE             YAML registry of managed projects (default: "projects.yaml")
  PROJECTS_WATCH            Reload the registry on file change (default: "false")
  REDIS_ADDR                Redis address for command analytics (optional)
  HTTP_ADDR                 Dashboard API address (default: ":8080")
  TICK_INTERVAL             Engine tick interval (default: "30s")

  DB_OP_TIMEOUT             Startup database probe timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_WORKERS        Concurrent delivery loops (default: "1")
  DISPATCHER_DRAIN_TIMEOUT  Event drain budget on shutdown (default: "30s")
  EVENTBUS_BUFFER_SIZE      Control event buffer size (default: "100")
  CIRCUIT_BREAKER_THRESHOLD Failures before an endpoint opens, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-circuit cooldown (default: "2m")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable the orphaned-command reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for orphans (default: "5m")
  RECONCILE_THRESHOLD       Age before a command is orphaned (default: "15m")
  RECONCILE_BATCH_SIZE      Max orphans per cycle (default: "100")

  JANITOR_ENABLED           Enable retention sweeps (default: "false")
  JANITOR_SCHEDULE          Sweep cron expression, UTC (default: "0 3 * * *")
  JANITOR_RETENTION         Transition history retention (default: "720h")

  LEADER_LOCK_KEY           Advisory lock key shared by all instances (default: "917442")
  LEADER_RETRY_INTERVAL     Lock retry interval for standbys (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection heartbeat (default: "2s")

  API_WRITE_RPS             Mutating request rate limit (default: "5")
  DISPLAY_TZ                Default dashboard timezone (default: "UTC")
  DISPLAY_CLOCK             Default clock style, 12 or 24 (default: "24")
  LOG_LEVEL                 trace, debug, info, warn or error (default: "info")
  LOG_FORMAT                json or console (default: "json")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	logConfigWarnings(logger, &cfg)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	logger.Info().
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Dur("max_lifetime", cfg.DBConnMaxLifetime).
		Dur("max_idle_time", cfg.DBConnMaxIdleTime).
		Msg("db pool configured")

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return exitRuntimeError
	}

	store := postgres.New(db)

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.EnsureSchema(schemaCtx)
	cancelSchema()
	if err != nil {
		logger.Error().Err(err).Msg("failed to apply schema")
		return exitRuntimeError
	}

	projects := registry.New(cfg.ProjectsFile, logger)
	if err := projects.Load(); err != nil {
		logger.Error().Err(err).Str("path", cfg.ProjectsFile).Msg("failed to load projects file")
		return exitInvalidConfig
	}
	logger.Info().Int("projects", projects.Len()).Str("path", cfg.ProjectsFile).Msg("project registry loaded")

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		logger.Info().Str("port", cfg.MetricsPort).Str("path", cfg.MetricsPath).Msg("metrics enabled")

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			logger.Info().Str("addr", metricsServer.Addr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	engine := scheduler.New(
		scheduler.Config{TickInterval: cfg.TickInterval},
		store,
		projects,
		bus,
		logger,
	)
	if metricsSink != nil {
		engine = engine.WithMetrics(metricsSink)
	}

	disp := dispatcher.New(store, dispatcher.NewHTTPControlSender(), projects, logger).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		logger.Info().
			Int("threshold", cfg.CircuitBreakerThreshold).
			Dur("cooldown", cfg.CircuitBreakerCooldown).
			Msg("circuit breaker enabled")
	}

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, analytics.DefaultRetention, logger))
		logger.Info().Str("redis", cfg.RedisAddr).Msg("analytics enabled")
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
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
		logger.Info().
			Dur("interval", cfg.ReconcileInterval).
			Dur("threshold", cfg.ReconcileThreshold).
			Int("batch", cfg.ReconcileBatchSize).
			Msg("reconciler enabled")
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
			return exitInvalidConfig
		}
		logger.Info().
			Str("schedule", cfg.JanitorSchedule).
			Dur("retention", cfg.JanitorRetention).
			Msg("janitor enabled")
	}

	location, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		location = time.UTC
	}
	apiHandler := api.NewHandler(store, projects, logger).
		WithWriteLimit(float64(cfg.APIWriteRPS)).
		WithDisplayLocale(schedule.Locale{
			Location:   location,
			TwelveHour: cfg.DisplayClock == "12",
		})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// Registry watcher runs for the whole process lifetime; commands and
	// API reads should see file edits whether or not this instance leads.
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

	// Leader duties: only the instance holding the advisory lock commands
	// agents, rescues orphans and sweeps retention. The API and dispatcher
	// run on every instance.
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
	if metricsSink != nil {
		elector = elector.WithMetrics(metricsSink)
	}

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

	logger.Info().
		Str("version", version).
		Dur("tick", cfg.TickInterval).
		Str("http", cfg.HTTPAddr).
		Int("dispatch_workers", cfg.DispatcherWorkers).
		Msg("started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info().Str("signal", received.String()).Msg("shutting down")

	// Phase 1: Stop the elector. Demotion stops the engine, reconciler and
	// janitor, so no new commands are emitted past this point.
	cancelElector()
	electorWg.Wait()
	logger.Info().Msg("elector stopped")

	// Phase 2: Stop the dispatcher workers (they drain buffered events
	// before returning).
	cancelDispatcher()
	dispatcherWg.Wait()
	logger.Info().Msg("dispatcher stopped")

	// Phase 3: Stop the registry watcher.
	cancelWatch()
	watchWg.Wait()

	// Phase 4: Stop the HTTP server with graceful shutdown.
	httpShutdownCtx, cancelHTTPShutdown := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancelHTTPShutdown()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	logger.Info().Msg("http server stopped")

	// Phase 5: Stop the metrics server if running.
	if metricsServer != nil {
		metricsShutdownCtx, cancelMetricsShutdown := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancelMetricsShutdown()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
		logger.Info().Msg("metrics server stopped")
	}

	logger.Info().Msg("stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("autocoder version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
