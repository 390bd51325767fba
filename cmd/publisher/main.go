package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"edition-publisher/internal/api"
	"edition-publisher/internal/archive"
	"edition-publisher/internal/config"
	"edition-publisher/internal/demand"
	"edition-publisher/internal/models"
	"edition-publisher/internal/publisher"
	"edition-publisher/internal/ratelimit"
	"edition-publisher/internal/store"
	"edition-publisher/internal/tasks"
	"edition-publisher/internal/telemetry"
	"edition-publisher/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		logStore publisher.LogStore
		catalog  publisher.EditionCatalog
	)
	if cfg.PostgresDSN != "" {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to postgres")
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		logStore, catalog = pg, pg
	} else {
		log.Warn().Msg("POSTGRES_DSN not set, publish log and edition catalog are in memory")
		mem := store.NewMemory()
		logStore, catalog = mem, mem
	}

	var (
		demandQueue demand.Queue      = demand.NewMemoryQueue()
		limiter     ratelimit.Limiter = ratelimit.Unlimited{}
		rdb         *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to reach redis")
		}
		demandQueue = demand.NewRedisQueue(rdb, "")
		limiter = ratelimit.NewTokenBucket(rdb, cfg.DemandRateCapacity, cfg.DemandRateRefill, time.Hour)
	}

	var mirror archive.Mirror
	if s3Mirror, err := archive.NewS3Mirror(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure archive mirror")
	} else if s3Mirror != nil {
		mirror = s3Mirror
	}

	svc := publisher.New(publisher.Options{
		Config:  cfg,
		Store:   logStore,
		Catalog: catalog,
		Demand:  demandQueue,
		Limiter: limiter,
		Tasks:   builtinTasks(),
		Archive: archive.NewWriter(cfg.ArchiveDir, mirror),
	})

	var dispatcher publisher.Dispatcher
	if rdb != nil {
		dispatcher = publisher.NewRedisDispatcher(rdb, "")
		svc.SetCommitter(publisher.NewRedisCommitter(svc, rdb, ""))
	} else {
		log.Warn().Msg("REDIS_ADDR not set, queued items are delivered and committed by loopback")
		dispatcher = publisher.NewLoopbackDispatcher(svc)
		svc.SetCommitter(publisher.NewLoopbackCommitter(svc))
	}
	svc.SetQueuer(publisher.NewContentListQueuer(svc, dispatcher))

	if cfg.EditionsFile != "" {
		n, err := seedEditions(ctx, svc, cfg.EditionsFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.EditionsFile).Msg("Failed to load editions")
		}
		log.Info().Int("editions", n).Str("file", cfg.EditionsFile).Msg("Loaded editions")
	}

	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		_ = worker.NewFlusher(cfg, svc).Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(cfg, svc).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Publisher API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down publisher")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush item statuses")
	}
	<-flusherDone
}

// seedEditions saves every edition listed in a JSON array file.
func seedEditions(ctx context.Context, svc *publisher.Service, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read editions file: %w", err)
	}
	var editions []models.Edition
	if err := json.Unmarshal(raw, &editions); err != nil {
		return 0, fmt.Errorf("decode editions file: %w", err)
	}
	for _, ed := range editions {
		if err := svc.PutEdition(ctx, ed); err != nil {
			return 0, err
		}
	}
	return len(editions), nil
}

func setupLogging(cfg config.Config) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.LogFormat == "json" {
		writer = os.Stdout
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(writer).
		With().
		Timestamp().
		Str("service", "edition-publisher").
		Logger().
		Level(level)
}

// builtinTasks are the edition tasks every deployment can bind by name.
func builtinTasks() *tasks.Runner {
	r := tasks.NewRunner()
	r.Register("sys_LogEditionSummary", tasks.TaskFunc(func(_ context.Context, p tasks.Params) error {
		ev := log.Info().Int64("job_id", p.JobID).Int64("edition_id", p.Edition.ID).Int64("site_id", p.SiteID)
		if p.EndTime.IsZero() {
			ev.Msg("Edition starting")
			return nil
		}
		st := p.Status.JobStatus()
		failed := 0
		for _, it := range p.Status.ItemStatuses() {
			if it.State == models.ItemFailed {
				failed++
			}
		}
		ev.Bool("success", p.Success).
			Dur("duration", p.Duration).
			Int("delivered", st.Delivered).
			Int("failed_items", failed).
			Msg("Edition finished")
		return nil
	}))
	return r
}
