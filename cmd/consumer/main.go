// The consumer binary runs the three bus-driven ingest paths: driver
// locations into the geo index, trip.ended events into the payment
// orchestrator, and supply/demand snapshots into the surge calculator.
// Offsets are committed manually after successful processing.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-hailing/internal/config"
	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/logging"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/payments"
	"github.com/example/ride-hailing/internal/storage"
	"github.com/example/ride-hailing/internal/surge"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed per topic",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received per topic",
	}, []string{"topic"})
	handlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_handler_errors_total",
		Help: "Total handler failures per topic",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, handlerErrors)
}

const pollBatchBytes = 10e6

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("bad configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":2112"
	}

	var (
		rdb       *redis.Client
		geoIndex  geo.Index
		flagStore flags.Store
		window    surge.Window
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		geoIndex = geo.NewRedisIndex(rdb)
		flagStore = flags.NewRedisStore(rdb, logger)
		window = surge.NewRedisWindow(rdb)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory geo/flags/window")
		geoIndex = geo.NewMemoryIndex()
		flagStore = flags.NewMemoryStore()
		window = surge.NewMemoryWindow()
	}

	var store interface {
		storage.PaymentStore
		storage.CellStore
	}
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, using stub PSP")
		gateway = payments.NewStubGateway()
	}
	charger := payments.NewChargePolicy("psp-gateway", gateway)
	orchestrator := payments.NewOrchestrator(store, flagStore, charger, logger)
	calc := surge.NewCalculator(window, store, flagStore, logger)

	// metrics + readiness
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if rdb != nil {
				if err := rdb.Ping(r.Context()).Err(); err != nil {
					http.Error(w, "redis not ready", http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	var wg sync.WaitGroup

	// Driver locations feed the geo index; Redis writes retry with backoff
	// before the message is dropped.
	runReader(ctx, &wg, logger, brokers, events.TopicDriverLocationUpdated, "ride-hailing-locations",
		func(ctx context.Context, m kafka.Message) error {
			var evt events.DriverLocationUpdated
			if err := json.Unmarshal(m.Value, &evt); err != nil {
				msgsInvalid.WithLabelValues(events.TopicDriverLocationUpdated).Inc()
				logger.Warn("invalid location message", "error", err)
				return nil // poison message, commit and move on
			}
			meta := models.DriverMeta{
				DriverID:    evt.DriverID,
				Status:      evt.Status,
				Tier:        evt.Tier,
				Rating:      evt.Rating,
				RegionID:    evt.RegionID,
				Location:    models.Coord{Lat: evt.Latitude, Lng: evt.Longitude},
			}
			return upsertWithRetry(ctx, geoIndex, meta, 3, 200*time.Millisecond)
		})

	// trip.ended drives payment initiation. Failures are committed anyway:
	// initiate is idempotent on trip id and the reconciler covers the gap.
	runReader(ctx, &wg, logger, brokers, events.TopicTripEnded, "payment-service",
		func(ctx context.Context, m kafka.Message) error {
			var evt events.TripEvent
			if err := json.Unmarshal(m.Value, &evt); err != nil {
				msgsInvalid.WithLabelValues(events.TopicTripEnded).Inc()
				logger.Warn("invalid trip message", "error", err)
				return nil
			}
			if err := orchestrator.Initiate(ctx, evt); err != nil {
				logger.Error("payment initiate failed", "trip_id", evt.TripID, "error", err)
			}
			return nil
		})

	// Supply/demand snapshots drive the surge window. Processing errors are
	// returned so the offset is not committed and the broker redelivers.
	runReader(ctx, &wg, logger, brokers, events.TopicSupplyDemandSnapshot, "surge-pricing-service",
		func(ctx context.Context, m kafka.Message) error {
			var evt events.SupplyDemandSnapshot
			if err := json.Unmarshal(m.Value, &evt); err != nil {
				msgsInvalid.WithLabelValues(events.TopicSupplyDemandSnapshot).Inc()
				logger.Warn("invalid snapshot message", "error", err)
				return nil
			}
			_, err := calc.ProcessSnapshot(ctx, evt)
			return err
		})

	wg.Wait()
	logger.Info("consumer stopped")
}

// runReader consumes one topic with manual commit-after-process and
// exponential read backoff.
func runReader(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger,
	brokers []string, topic, group string, handle func(context.Context, kafka.Message) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 10e3,
			MaxBytes: pollBatchBytes,
		})
		defer r.Close()
		logger.Info("consumer listening", "topic", topic, "group", group, "brokers", brokers)

		backoff := time.Second
		const maxBackoff = 30 * time.Second
		for {
			m, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka fetch error", "topic", topic, "error", err, "backoff", backoff)
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
			msgsConsumed.WithLabelValues(topic).Inc()

			if err := handle(ctx, m); err != nil {
				handlerErrors.WithLabelValues(topic).Inc()
				logger.Error("handler failed, offset not committed", "topic", topic, "error", err)
				continue
			}
			if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				logger.Error("offset commit failed", "topic", topic, "error", err)
			}
		}
	}()
}

// upsertWithRetry updates the geo index with retry/backoff; transient Redis
// hiccups must not drop location updates.
func upsertWithRetry(ctx context.Context, index geo.Index, meta models.DriverMeta, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = index.Upsert(ctx, meta); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
