package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/counter-service/internal/config"
	"qms/counter-service/internal/httpapi"
	"qms/counter-service/internal/hub"
	"qms/counter-service/internal/metrics"
	"qms/counter-service/internal/notify"
	"qms/counter-service/internal/queue"
	"qms/counter-service/internal/settlement"
	"qms/counter-service/internal/store"
	"qms/counter-service/internal/store/memory"
	"qms/counter-service/internal/store/postgres"
	"qms/counter-service/internal/telemetry"
)

const serviceName = "counter-service"

// backend is what both store implementations provide.
type backend interface {
	store.QueueStore
	store.CounterAssigner
	store.LedgerStore
	store.Archiver
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("counter-service stopped")
	}
}

func run() error {
	var envFile, countersPath, port string
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "config-env", "", "env file to load before reading the environment (default: .env if present)")
	flagSet.StringVar(&countersPath, "counters", "", "YAML file of counters to create at boot (overrides COUNTERS_FILE)")
	flagSet.StringVar(&port, "port", "", "listen port (overrides PORT)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
	}
	if countersPath != "" {
		cfg.CountersFile = countersPath
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, serviceName)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()
	metrics.Register()

	st, closeStore, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.CountersFile != "" {
		if err := seedCounters(ctx, st, cfg.CountersFile); err != nil {
			return err
		}
	}

	realtime := hub.New()
	broadcaster := notify.NewBroadcaster(cfg.NotifyBuffer, realtime, notify.LogSink{})
	archive := queue.NewArchiveWorker(st)
	orchestrator := queue.New(st, st, broadcaster, archive, queue.Options{
		ConflictRetries:    cfg.ConflictRetries,
		DefaultServiceTime: cfg.AverageServiceTime,
		ServiceTimeWindow:  cfg.ServiceTimeWindow,
	})
	settlements := settlement.NewService(st, st, broadcaster, settlement.Options{ConflictRetries: cfg.ConflictRetries})

	handler := httpapi.NewHandler(orchestrator, settlements)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		ActorPerMinute: cfg.ActorRateLimitPerMinute,
		ActorBurst:     cfg.ActorRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/realtime/", realtime.Handler("/realtime"))
	mux.Handle("/", limiter.Middleware(httpapi.ActorMiddleware(handler.Routes())))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.RequestIDMiddleware(httpapi.LoggingMiddleware(mux)), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return broadcaster.Run(groupCtx)
	})
	group.Go(func() error {
		return archive.Run(groupCtx)
	})
	group.Go(func() error {
		log.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("counter-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
		return nil
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Int("archive_pending", archive.Pending()).Msg("counter-service stopped")
	return nil
}

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

func openBackend(ctx context.Context, cfg config.Config) (backend, func(), error) {
	if cfg.StoreDriver != config.DriverPostgres {
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	pg := postgres.NewStore(pool)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	return pg, pool.Close, nil
}

func seedCounters(ctx context.Context, counters store.CounterAssigner, path string) error {
	loaded, err := config.LoadCounters(path)
	if err != nil {
		return err
	}
	for _, counter := range loaded {
		if err := counters.UpsertCounter(ctx, counter); err != nil {
			return fmt.Errorf("create counter %s: %w", counter.CounterID, err)
		}
	}
	log.Info().Int("counters", len(loaded)).Str("file", path).Msg("counters loaded")
	return nil
}
