package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/example/service-matching/internal/bidding"
	"github.com/example/service-matching/internal/config"
	"github.com/example/service-matching/internal/dispatch"
	"github.com/example/service-matching/internal/gateway"
	"github.com/example/service-matching/internal/geo"
	httpapi "github.com/example/service-matching/internal/http"
	"github.com/example/service-matching/internal/ingest"
	"github.com/example/service-matching/internal/jobs"
	"github.com/example/service-matching/internal/logging"
	"github.com/example/service-matching/internal/matcher"
	"github.com/example/service-matching/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flagSet := pflag.NewFlagSet("matching-server", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "listen address (overrides HTTP_ADDR)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "apply the archive schema on startup")
	migrationsDir := flagSet.String("migrations-dir", "migrations", "directory holding the archive schema")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		index   geo.Geo
		checks  = map[string]func(context.Context) error{}
		closers []func() error
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		ri := geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		if err := ri.Reset(ctx); err != nil {
			_ = rc.Close()
			return fmt.Errorf("redis geo index: %w", err)
		}
		index = ri
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		closers = append(closers, rc.Close)
		logger.Info("geo index backed by redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewIndex()
		logger.Info("geo index in memory")
	}

	var events bidding.EventSink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		events = kp
		closers = append(closers, kp.Close)
		logger.Info("lifecycle events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var archive storage.Archiver
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresArchive(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres archive: %w", err)
		}
		closers = append(closers, pg.Close)
		checks["postgres"] = pg.Ping
		archive = pg
		if cfg.RunMigrations {
			if err := migrate(ctx, pg, *migrationsDir, logger); err != nil {
				return err
			}
		}
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	store := storage.NewRequestStore()
	registry := dispatch.NewRegistry()
	m := &matcher.Service{Geo: index, Requests: store}
	gw := gateway.New(registry, index, m, bidding.New(store, m, events, logger), logger)

	srv := httpapi.NewServer(gw, httpapi.SessionOptions{
		SendBuffer: cfg.SessionSendBuffer,
		PongWait:   cfg.SessionPongWait,
		PingPeriod: cfg.PingPeriod(),
		RateLimit:  rate.Limit(cfg.SessionRateLimit),
		RateBurst:  cfg.SessionRateBurst,
	}, logger)
	for name, check := range checks {
		srv.AddReadinessCheck(name, check)
	}

	jm := jobs.NewJobManager(jobs.Config{
		Schedule:        cfg.JanitorSchedule,
		PendingTTL:      cfg.PendingRequestTTL,
		ClosedRetention: cfg.ClosedRequestRetention,
	}, gw, store, archive, logger)
	if err := jm.StartAll(); err != nil {
		return err
	}
	defer jm.StopAll()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("service matching gateway listening", "addr", cfg.HTTPAddr, "radius_km", matcher.FixedRadiusKm)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, pg *storage.PostgresArchive, dir string, logger *slog.Logger) error {
	const name = "001_create_service_requests.sql"
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if err := pg.Migrate(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", name)
	return nil
}
