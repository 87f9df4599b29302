package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-hailing/internal/bus"
	"github.com/example/ride-hailing/internal/config"
	"github.com/example/ride-hailing/internal/dispatch"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/httpapi"
	"github.com/example/ride-hailing/internal/locks"
	"github.com/example/ride-hailing/internal/logging"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/payments"
	"github.com/example/ride-hailing/internal/storage"
	"github.com/example/ride-hailing/internal/surge"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("bad configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infrastructure: Redis, Postgres, and Kafka when configured, in-memory
	// fallbacks otherwise so the binary runs standalone.
	var (
		rdb       *redis.Client
		geoIndex  geo.Index
		locker    locks.Locker
		flagStore flags.Store
		window    surge.Window
		idemCache dispatch.IdempotencyCache
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		geoIndex = geo.NewRedisIndex(rdb)
		locker = locks.NewRedisLocker(rdb)
		flagStore = flags.NewRedisStore(rdb, logger)
		window = surge.NewRedisWindow(rdb)
		idemCache = dispatch.NewRedisIdempotencyCache(rdb)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory geo/locks/flags")
		geoIndex = geo.NewMemoryIndex()
		locker = locks.NewMemoryLocker()
		flagStore = flags.NewMemoryStore()
		window = surge.NewMemoryWindow()
		idemCache = dispatch.NewMemoryIdempotencyCache()
	}

	var store interface {
		storage.DispatchStore
		storage.PaymentStore
		storage.OutboxStore
		storage.CellStore
	}
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql")); err == nil {
				if _, err := pg.DB().Exec(string(b)); err != nil {
					logger.Error("migration exec error", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_init.sql")
				}
			}
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var publisher bus.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := bus.NewKafkaPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
	} else {
		logger.Warn("KAFKA_BROKERS not set, using in-memory bus")
		publisher = bus.NewMemoryBus()
	}

	if err := flagStore.InitDefaults(ctx, models.DefaultTenant); err != nil {
		logger.Warn("flag defaults init failed", "error", err)
	}

	// PSP: Stripe when a key is configured, the stub otherwise.
	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, using stub PSP")
		gateway = payments.NewStubGateway()
	}
	charger := payments.NewChargePolicy("psp-gateway", gateway)
	orchestrator := payments.NewOrchestrator(store, flagStore, charger, logger)
	relay := payments.NewRelay(store, publisher, logger, cfg.OutboxBatchSize, cfg.MaxOutboxRetries)
	reconciler := payments.NewReconciler(store, orchestrator, logger, cfg.MaxReconcileRetries, cfg.StalePendingThreshold)

	engineCfg := dispatch.Config{
		MaxAttempts:     cfg.MaxDispatchAttempts,
		OfferTTLSeconds: cfg.OfferTTLSeconds,
		SearchRadiusKm:  cfg.SearchRadiusKm,
		SearchLimit:     cfg.SearchLimit,
		LockWait:        cfg.DispatchLockWait,
		LockLease:       cfg.DispatchLockLease,
	}
	engine := dispatch.NewEngine(store, geoIndex, locker, flagStore, publisher, logger, engineCfg)
	engine.SetIdempotencyCache(idemCache)
	wsreg := dispatch.NewWSRegistry(logger)
	engine.SetNotifier(wsreg)
	scheduler := dispatch.NewTimeoutScheduler(engine, store, logger)

	calc := surge.NewCalculator(window, store, flagStore, logger)

	// Cooperative sweeps; all exit when the root context is cancelled.
	go scheduler.Run(ctx, cfg.OfferSweepInterval)
	go relay.Run(ctx, cfg.OutboxPollInterval)
	go reconciler.RunFailedSweep(ctx, cfg.ReconcileFailedEvery)
	go reconciler.RunStaleSweep(ctx, cfg.ReconcileStaleEvery)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, calc, geoIndex, publisher, wsreg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("ride-hailing api listening", "addr", cfg.HTTPAddr, "region", cfg.RegionID)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
