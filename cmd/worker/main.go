package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"clip-scheduler/internal/config"
	"clip-scheduler/internal/models"
	"clip-scheduler/internal/queue"
	"clip-scheduler/internal/scheduler"
	"clip-scheduler/internal/store"
	"clip-scheduler/internal/telemetry"
	"clip-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	topo := queue.NewTopology(cfg)
	q := queue.NewRedisQueue(cfg, topo)
	binding := scheduler.New(q, topo)

	media, err := worker.NewMediaStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init media store")
	}
	covers := worker.NewCoverPreparer(cfg, media)
	publisher := worker.NewGatewayPublisher(cfg.PublishGatewayURL)

	processor := worker.NewProcessor(cfg, q, st, topo, log)
	processor.RegisterHandler(models.JobTypePublish, worker.NewPublishHandler(st, media, covers, publisher, log).Handle)
	processor.RegisterHandler(models.JobTypeAnalytics, worker.NewAnalyticsHandler(cfg.AnalyticsGatewayURL))
	processor.RegisterHandler(models.JobTypeTokenRefresh, worker.NewTokenRefreshHandler(cfg.TokenGatewayURL))

	sweeper := worker.NewSweeper(st, binding, topo, cfg.SweepInterval, log)
	go sweeper.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_base", cfg.BackoffBase).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "worker").Logger()
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
