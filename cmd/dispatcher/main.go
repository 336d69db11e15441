package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/campus-dispatch/internal/commands"
	"github.com/example/campus-dispatch/internal/config"
	"github.com/example/campus-dispatch/internal/dispatch"
	"github.com/example/campus-dispatch/internal/eta"
	"github.com/example/campus-dispatch/internal/funds"
	"github.com/example/campus-dispatch/internal/geo"
	"github.com/example/campus-dispatch/internal/logging"
	"github.com/example/campus-dispatch/internal/notify"
	"github.com/example/campus-dispatch/internal/rank"
	"github.com/example/campus-dispatch/internal/session"
	"github.com/example/campus-dispatch/internal/storage"
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadDispatcherConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	gidx := geo.NewRedisIndexWithClient(rc, cfg.RedisGeoKey)
	sessions := session.NewRedisStoreWithClient(rc)
	bus := commands.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer bus.Close()
	timers := commands.NewRedisScheduler(&commands.RedisSchedulerStore{C: rc}, bus, logging.WithComponent(logger, "scheduler"))

	ranker := &rank.GeoRanker{
		Geo:             gidx,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		TopN:            cfg.MatcherTopN,
		ETACache:        eta.NewCache(5 * time.Minute),
	}
	if cfg.OSRMEndpoint != "" {
		ranker.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	wsreg := notify.NewWSRegistry()
	gateway := notify.NewPushGateway(cfg.PushEndpoint, wsreg)

	d := &dispatch.Dispatcher{
		Sessions:        sessions,
		Requests:        store,
		Ranker:          ranker,
		Drivers:         gidx,
		Bus:             bus,
		Timers:          timers,
		Notifier:        gateway,
		Funds:           funds.NewStripeCoordinator(store),
		Logger:          logging.WithComponent(logger, "dispatcher"),
		OfferTimeout:    cfg.OfferTimeout,
		SessionTTL:      cfg.SessionTTL,
		SkewTolerance:   cfg.SkewTolerance,
		BroadcastFanout: cfg.BroadcastFanout,
	}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go timers.Run(ctx, cfg.TimerPoll)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("dispatcher consuming", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down dispatcher")
				return
			}
			log.Printf("kafka fetch error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		var cmd commands.Command
		if err := json.Unmarshal(m.Value, &cmd); err != nil {
			logger.Error("invalid command dropped", "error", err)
			_ = r.CommitMessages(ctx, m)
			continue
		}

		// A session-store read failure is the one retryable error:
		// keep ordering by retrying in place before giving up.
		handleDelay := 200 * time.Millisecond
		for attempt := 0; ; attempt++ {
			err := d.Handle(ctx, cmd)
			if err == nil {
				break
			}
			if attempt >= 4 {
				logger.Error("command abandoned after retries", "request_id", cmd.RequestID, "type", cmd.Type, "error", err)
				break
			}
			time.Sleep(handleDelay)
			handleDelay *= 2
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Error("offset commit failed", "error", err)
		}
	}
}
