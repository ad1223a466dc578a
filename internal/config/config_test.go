package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

var serverKeys = []string{
	"HTTP_ADDR", "HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT", "HTTP_IDLE_TIMEOUT", "HTTP_SHUTDOWN_TIMEOUT",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_GEO_KEY", "KAFKA_BROKERS", "KAFKA_TOPIC", "PG_DSN", "MIGRATE",
	"SESSION_SEND_BUFFER", "SESSION_PONG_WAIT", "SESSION_RATE_LIMIT", "SESSION_RATE_BURST",
	"PENDING_REQUEST_TTL", "CLOSED_REQUEST_RETENTION", "JANITOR_SCHEDULE", "LOG_LEVEL",
}

func TestLoadServerConfigDefaults(t *testing.T) {
	clearEnv(t, serverKeys...)
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "workers_geo", cfg.RedisGeoKey)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 60*time.Second, cfg.SessionPongWait)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod())
	assert.Zero(t, cfg.PendingRequestTTL)
	assert.Equal(t, "@every 1m", cfg.JanitorSchedule)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	clearEnv(t, serverKeys...)
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PENDING_REQUEST_TTL", "30m")
	t.Setenv("SESSION_RATE_LIMIT", "5.5")
	t.Setenv("JANITOR_SCHEDULE", "*/5 * * * *")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Minute, cfg.PendingRequestTTL)
	assert.Equal(t, 5.5, cfg.SessionRateLimit)
	assert.Equal(t, "*/5 * * * *", cfg.JanitorSchedule)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	clearEnv(t, serverKeys...)
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("SESSION_SEND_BUFFER", "0")
	t.Setenv("JANITOR_SCHEDULE", "whenever")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "SESSION_SEND_BUFFER")
	assert.Contains(t, err.Error(), "JANITOR_SCHEDULE")
}

func TestLoadArchiverConfigRequiresDSN(t *testing.T) {
	clearEnv(t, "KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP", "PG_DSN", "ARCHIVE_RETRY_ATTEMPTS", "ARCHIVE_RETRY_DELAY")
	_, err := LoadArchiverConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PG_DSN")

	t.Setenv("PG_DSN", "postgres://localhost/matching?sslmode=disable")
	t.Setenv("KAFKA_GROUP", "archiver-2")
	cfg, err := LoadArchiverConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "archiver-2", cfg.KafkaGroup)
	assert.Equal(t, 3, cfg.RetryAttempts)
}
