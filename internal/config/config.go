package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string

	PGDSN string

	// Reconciler thresholds. SearchCancelAfter is the unmatched-ride
	// lifetime; rebroadcast happens once, earlier.
	RideSweepInterval        time.Duration
	NegotiationSweepInterval time.Duration
	SearchRebroadcastAfter   time.Duration
	SearchCancelAfter        time.Duration
	JoinPendingAfter         time.Duration
	EarlyStopPendingAfter    time.Duration

	MaxRideCapacity int

	OSRMEndpoint   string
	StripeAPIKey   string
	StripeCurrency string

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

		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaEventTopic:    "ride-events",

		RideSweepInterval:        30 * time.Second,
		NegotiationSweepInterval: 15 * time.Second,
		SearchRebroadcastAfter:   2 * time.Minute,
		SearchCancelAfter:        15 * time.Minute,
		JoinPendingAfter:         3 * time.Minute,
		EarlyStopPendingAfter:    90 * time.Second,

		MaxRideCapacity: 6,
		StripeCurrency:  "usd",
		LogLevel:        "info",
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
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.RideSweepInterval, "RIDE_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.NegotiationSweepInterval, "NEGOTIATION_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SearchRebroadcastAfter, "SEARCH_REBROADCAST_AFTER", &errs)
	setDurationFromEnv(&cfg.SearchCancelAfter, "SEARCH_CANCEL_AFTER", &errs)
	setDurationFromEnv(&cfg.JoinPendingAfter, "JOIN_PENDING_AFTER", &errs)
	setDurationFromEnv(&cfg.EarlyStopPendingAfter, "EARLY_STOP_PENDING_AFTER", &errs)

	setIntFromEnv(&cfg.MaxRideCapacity, "MAX_RIDE_CAPACITY", &errs)

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MaxRideCapacity <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RIDE_CAPACITY must be > 0"))
	}
	if cfg.SearchRebroadcastAfter >= cfg.SearchCancelAfter {
		errs = append(errs, fmt.Errorf("SEARCH_REBROADCAST_AFTER must be shorter than SEARCH_CANCEL_AFTER"))
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
