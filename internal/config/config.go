package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process and
// its background sweeps. Values are primarily loaded from environment
// variables with sane defaults so the binary can run locally without
// excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string

	PGDSN string

	RegionID string

	SnapshotInterval       time.Duration
	OutboxPollInterval     time.Duration
	OfferSweepInterval     time.Duration
	ReconcileFailedEvery   time.Duration
	ReconcileStaleEvery    time.Duration
	StalePendingThreshold  time.Duration
	MaxReconcileRetries    int
	MaxOutboxRetries       int
	MaxDispatchAttempts    int
	OutboxBatchSize        int
	SearchRadiusKm         float64
	SearchLimit            int
	OfferTTLSeconds        int
	DispatchLockWait       time.Duration
	DispatchLockLease      time.Duration

	StripeAPIKey string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RegionID: "default",

		SnapshotInterval:      10 * time.Second,
		OutboxPollInterval:    500 * time.Millisecond,
		OfferSweepInterval:    5 * time.Second,
		ReconcileFailedEvery:  300 * time.Second,
		ReconcileStaleEvery:   600 * time.Second,
		StalePendingThreshold: 10 * time.Minute,
		MaxReconcileRetries:   5,
		MaxOutboxRetries:      5,
		MaxDispatchAttempts:   3,
		OutboxBatchSize:       50,
		SearchRadiusKm:        5.0,
		SearchLimit:           50,
		OfferTTLSeconds:       15,
		DispatchLockWait:      2 * time.Second,
		DispatchLockLease:     5 * time.Second,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.RegionID, "REGION_ID")

	setDurationFromEnv(&cfg.SnapshotInterval, "SNAPSHOT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.OutboxPollInterval, "OUTBOX_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.OfferSweepInterval, "OFFER_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReconcileFailedEvery, "RECONCILE_FAILED_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReconcileStaleEvery, "RECONCILE_STALE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.StalePendingThreshold, "STALE_PENDING_THRESHOLD", &errs)
	setIntFromEnv(&cfg.MaxReconcileRetries, "MAX_RECONCILE_RETRIES", &errs)
	setIntFromEnv(&cfg.MaxOutboxRetries, "MAX_OUTBOX_RETRIES", &errs)
	setIntFromEnv(&cfg.MaxDispatchAttempts, "MAX_DISPATCH_ATTEMPTS", &errs)
	setIntFromEnv(&cfg.OutboxBatchSize, "OUTBOX_BATCH_SIZE", &errs)
	setFloatFromEnv(&cfg.SearchRadiusKm, "SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.SearchLimit, "SEARCH_LIMIT", &errs)
	setIntFromEnv(&cfg.OfferTTLSeconds, "OFFER_TTL_SECONDS", &errs)
	setDurationFromEnv(&cfg.DispatchLockWait, "DISPATCH_LOCK_WAIT", &errs)
	setDurationFromEnv(&cfg.DispatchLockLease, "DISPATCH_LOCK_LEASE", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MaxDispatchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_DISPATCH_ATTEMPTS must be > 0"))
	}
	if cfg.OutboxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_BATCH_SIZE must be > 0"))
	}
	if cfg.OfferTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL_SECONDS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
