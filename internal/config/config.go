package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ServerConfig captures all tunable parameters for the gateway process.
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

	SessionSendBuffer int
	SessionPongWait   time.Duration
	SessionRateLimit  float64
	SessionRateBurst  int

	// Zero disables the corresponding janitor job.
	PendingRequestTTL      time.Duration
	ClosedRequestRetention time.Duration
	JanitorSchedule        string

	LogLevel      string
	RunMigrations bool
}

// PingPeriod is how often the server pings an idle session. It must stay
// below the pong deadline.
func (c ServerConfig) PingPeriod() time.Duration {
	return c.SessionPongWait * 9 / 10
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "workers_geo",
		KafkaTopic:        "service-request-lifecycle",
		SessionSendBuffer: 64,
		SessionPongWait:   60 * time.Second,
		SessionRateLimit:  20,
		SessionRateBurst:  40,
		JanitorSchedule:   "@every 1m",
		LogLevel:          "info",
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

	setIntFromEnv(&cfg.SessionSendBuffer, "SESSION_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.SessionPongWait, "SESSION_PONG_WAIT", &errs)
	setFloatFromEnv(&cfg.SessionRateLimit, "SESSION_RATE_LIMIT", &errs)
	setIntFromEnv(&cfg.SessionRateBurst, "SESSION_RATE_BURST", &errs)

	setDurationFromEnv(&cfg.PendingRequestTTL, "PENDING_REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.ClosedRequestRetention, "CLOSED_REQUEST_RETENTION", &errs)
	setStringFromEnv(&cfg.JanitorSchedule, "JANITOR_SCHEDULE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.SessionSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_SEND_BUFFER must be > 0"))
	}
	if cfg.SessionPongWait < time.Second {
		errs = append(errs, fmt.Errorf("SESSION_PONG_WAIT must be at least 1s"))
	}
	if cfg.SessionRateLimit <= 0 || cfg.SessionRateBurst <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_RATE_LIMIT and SESSION_RATE_BURST must be > 0"))
	}
	if cfg.PendingRequestTTL < 0 || cfg.ClosedRequestRetention < 0 {
		errs = append(errs, fmt.Errorf("PENDING_REQUEST_TTL and CLOSED_REQUEST_RETENTION must not be negative"))
	}
	if _, err := cron.ParseStandard(cfg.JanitorSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid JANITOR_SCHEDULE: %w", err))
	}

	return cfg, errors.Join(errs...)
}

// ArchiverConfig drives the lifecycle archiver process.
type ArchiverConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN         string
	RunMigrations bool

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func defaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "service-request-lifecycle",
		KafkaGroup:    "service-matching-archiver",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadArchiverConfig() (ArchiverConfig, error) {
	cfg := defaultArchiverConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setIntFromEnv(&cfg.RetryAttempts, "ARCHIVE_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "ARCHIVE_RETRY_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ARCHIVE_RETRY_ATTEMPTS must be > 0"))
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
