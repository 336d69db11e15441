package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	PushEndpoint     string
	RequestBudget    time.Duration
	DefaultFareCents int64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		KafkaTopic:       "dispatch-commands",
		RequestBudget:    3 * time.Minute,
		DefaultFareCents: 500,
		LogLevel:         "info",
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
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setDurationFromEnv(&cfg.RequestBudget, "REQUEST_BUDGET", &errs)
	setInt64FromEnv(&cfg.DefaultFareCents, "DEFAULT_FARE_CENTS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RequestBudget <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_BUDGET must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// DispatcherConfig captures the tunables of the command-consumer process.
type DispatcherConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	PGDSN string

	PushEndpoint string

	OfferTimeout    time.Duration
	SessionTTL      time.Duration
	SkewTolerance   time.Duration
	TimerPoll       time.Duration
	BroadcastFanout int
	MatcherTopN     int
	DefaultSpeedMps float64
	OSRMEndpoint    string

	LogLevel string
}

func defaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MetricsAddr:     ":2112",
		KafkaTopic:      "dispatch-commands",
		KafkaGroup:      "campus-dispatch",
		RedisGeoKey:     "drivers_geo",
		OfferTimeout:    25 * time.Second,
		SessionTTL:      30 * time.Minute,
		SkewTolerance:   5 * time.Second,
		TimerPoll:       time.Second,
		BroadcastFanout: 50,
		MatcherTopN:     8,
		DefaultSpeedMps: 10,
		LogLevel:        "info",
	}
}

func LoadDispatcherConfig() (DispatcherConfig, error) {
	cfg := defaultDispatcherConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SessionTTL, "SESSION_TTL", &errs)
	setDurationFromEnv(&cfg.SkewTolerance, "SKEW_TOLERANCE", &errs)
	setDurationFromEnv(&cfg.TimerPoll, "TIMER_POLL", &errs)
	setIntFromEnv(&cfg.BroadcastFanout, "BROADCAST_FANOUT", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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
