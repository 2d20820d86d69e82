package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"yieldfarm/core/events"
	"yieldfarm/native/common"
	"yieldfarm/native/farming"
	"yieldfarm/native/storagerent"
	"yieldfarm/observability/logging"
	telemetry "yieldfarm/observability/otel"
	"yieldfarm/services/farmingd/config"
	"yieldfarm/services/farmingd/outbox"
	"yieldfarm/services/farmingd/reports"
	"yieldfarm/services/farmingd/scheduler"
	"yieldfarm/services/farmingd/server"
	"yieldfarm/services/farmingd/stream"
	"yieldfarm/state/farmstore"
	"yieldfarm/storage"
)

const jobTimeout = 2 * time.Minute

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/farmingd/config.yaml", "path to farmingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "farmingd",
		Env:     cfg.Env,
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("farmingd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	tel := telemetry.Config{
		ServiceName: "farmingd",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,

		ServiceVersion: serviceVersion(cfg.Telemetry.ServiceVersion),
		ExportInterval: cfg.Telemetry.ExportInterval.Duration,
	}
	if tel.Enabled() {
		shutdownTelemetry, err := telemetry.Init(ctx, tel)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	db, err := openState(cfg.Engine.Backend, cfg.Engine.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	state := farmstore.New(db)

	byteCost := uint256.NewInt(0)
	if cfg.Engine.ByteCost != "" {
		if byteCost, err = common.ParseAmount(cfg.Engine.ByteCost); err != nil {
			return fmt.Errorf("engine: byte_cost: %w", err)
		}
	}
	engine := farming.NewEngine()
	engine.SetState(state)
	engine.SetAdmin(cfg.Engine.Admin)
	engine.SetStorageAsset(cfg.Engine.StorageAsset)
	engine.SetRentLedger(storagerent.NewLedger(byteCost))
	engine.SetLogger(logger.With(slog.String("component", "engine")))

	outboxDB, err := outbox.Open(cfg.Outbox.Driver, cfg.Outbox.DSN)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	if sqlDB, err := outboxDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	transfers, err := outbox.NewStore(outboxDB)
	if err != nil {
		return err
	}
	var sender outbox.Sender = outbox.LogSender{Logger: logger}
	if cfg.Outbox.Endpoint != "" {
		sender = outbox.NewHTTPSender(cfg.Outbox.Endpoint, cfg.Outbox.Timeout.Duration)
	} else {
		logger.Warn("outbox endpoint not configured; transfers are logged only")
	}
	dispatcher, err := outbox.NewDispatcher(outbox.DispatcherConfig{
		Store:       transfers,
		Sender:      sender,
		Logger:      logger.With(slog.String("component", "outbox")),
		Workers:     cfg.Outbox.Workers,
		QueueSize:   cfg.Outbox.QueueSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Stop()
	go dispatcher.Run(ctx)
	engine.SetTransferGateway(outbox.NewGateway(transfers, dispatcher))

	hub := stream.NewHub(cfg.Events.SubscriberBuffer, logger.With(slog.String("component", "events")))
	sinks := []events.Emitter{hub, stream.MetricsObserver{}}
	if cfg.RedisEnabled() {
		rdb, err := stream.NewRedisClient(ctx, stream.RedisOptions{
			Addr:     cfg.Events.Redis.Addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		publisher := stream.NewRedisPublisher(rdb, cfg.Events.Redis.Stream, cfg.Events.Redis.MaxLen, 0, logger)
		go publisher.Run(ctx)
		sinks = append(sinks, publisher)
	}
	engine.SetEmitter(stream.NewFanout(sinks...))

	jobs := scheduler.New(logger.With(slog.String("component", "scheduler")), jobTimeout)
	if err := jobs.Add("outbox-retry", cfg.Outbox.RetrySchedule, func(ctx context.Context) error {
		_, err := dispatcher.DispatchDue(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := jobs.Add("outbox-prune", cfg.Outbox.PruneSchedule, func(ctx context.Context) error {
		removed, err := transfers.Prune(ctx, time.Now().Add(-cfg.Outbox.Retention.Duration))
		if removed > 0 {
			logger.Info("pruned completed transfers", slog.Int64("rows", removed))
		}
		return err
	}); err != nil {
		return err
	}
	if cfg.ReportsEnabled() {
		snapshots, err := reports.NewSnapshotter(engine, state, cfg.Reports.Dir, cfg.Reports.Retain, logger)
		if err != nil {
			return err
		}
		if err := jobs.Add("stake-snapshot", cfg.Reports.Schedule, func(ctx context.Context) error {
			_, err := snapshots.Run(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	jobs.Start()
	defer jobs.Stop()

	auth, err := server.NewAuthenticator(server.AuthConfig{
		JWTSecret:      cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		Audience:       cfg.Auth.JWT.Audience,
		NotifierTokens: cfg.Auth.NotifierTokens,
		Leeway:         30 * time.Second,
	})
	if err != nil {
		return err
	}
	api, err := server.New(server.Config{
		Engine:    engine,
		Transfers: transfers,
		DB:        outboxDB,
		Auth:      auth,
		RateLimiter: server.NewRateLimiter(server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}, logger),
		Events: hub,
		Logger: logger.With(slog.String("component", "http")),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("farmingd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("admin", engine.Admin()),
			slog.String("state", stateLabel(cfg.Engine.DataDir)),
			slog.String("backend", cfg.Engine.Backend))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.Any("error", err))
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func openState(backend, dir string) (storage.Database, error) {
	if dir == "" {
		return storage.NewMemDB(), nil
	}
	if backend == config.BackendBolt {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
		path := filepath.Join(dir, "state.db")
		db, err := storage.NewBoltDB(path, nil)
		if err != nil {
			return nil, fmt.Errorf("open state %s: %w", path, err)
		}
		return db, nil
	}
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", dir, err)
	}
	return db, nil
}

func serviceVersion(configured string) string {
	if configured != "" {
		return configured
	}
	return version
}

func stateLabel(dir string) string {
	if strings.TrimSpace(dir) == "" {
		return "memory"
	}
	return dir
}
