package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/service-matching/internal/config"
	"github.com/example/service-matching/internal/logging"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_messages_consumed_total",
		Help: "Total lifecycle messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_messages_invalid_total",
		Help: "Total undecodable lifecycle messages",
	})
	archiveWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_writes_total",
		Help: "Total request snapshots written to postgres",
	})
	archiveErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_write_errors_total",
		Help: "Total snapshots dropped after exhausting retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, archiveWrites, archiveErrors)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadArchiverConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flagSet := pflag.NewFlagSet("matching-archiver", pflag.ContinueOnError)
	metricsAddr := flagSet.String("metrics-addr", ":2112", "address to serve prometheus metrics on")
	migrationsDir := flagSet.String("migrations-dir", "migrations", "directory holding the archive schema")
	flagSet.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "apply the archive schema on startup")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel).With("component", "archiver")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := storage.NewPostgresArchive(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("postgres archive: %w", err)
	}
	defer pg.Close()

	if cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join(*migrationsDir, "001_create_service_requests.sql"))
		if err != nil {
			return fmt.Errorf("read migration: %w", err)
		}
		if err := pg.Migrate(ctx, string(b)); err != nil {
			return err
		}
		logger.Info("migration applied")
	}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := pg.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("archiver listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down archiver")
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var ev models.LifecycleEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Request.ID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid lifecycle message", "offset", m.Offset, "error", err)
			continue
		}

		if err := archiveWithRetry(ctx, pg, ev.Request, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			archiveErrors.Inc()
			logger.Error("archive failed", "request_id", ev.RequestID, "type", ev.Type, "error", err)
			continue
		}
		archiveWrites.Inc()
	}
}

// archiveWithRetry writes one snapshot, doubling delay between attempts.
func archiveWithRetry(ctx context.Context, a storage.Archiver, req models.ServiceRequest, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.Archive(ctx, req); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
