package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nexoriau/modelforu-sub001/internal/config"
	"github.com/nexoriau/modelforu-sub001/internal/genapi"
	"github.com/nexoriau/modelforu-sub001/internal/logging"
	"github.com/nexoriau/modelforu-sub001/internal/media"
	"github.com/nexoriau/modelforu-sub001/internal/notify"
	"github.com/nexoriau/modelforu-sub001/internal/queue"
	"github.com/nexoriau/modelforu-sub001/internal/repository"
	"github.com/nexoriau/modelforu-sub001/internal/service"
	"github.com/nexoriau/modelforu-sub001/internal/worker"
)

func main() {
	_ = godotenv.Load(".env", ".env.local")

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.New(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresGenerationsRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer repo.Close()

	notifier, activity := setupCollaborators(cfg, logger)
	compensator := service.NewCompensator(repo, logger)
	aggregator := service.NewAggregator(service.AggregatorDependencies{
		Repo:               repo,
		Notifier:           notifier,
		Activity:           activity,
		LowCreditThreshold: cfg.LowCreditThreshold,
		Logger:             logger,
	})

	generator := genapi.NewClient(genapi.ClientConfig{
		Endpoint:        cfg.GenerationAPIURL,
		APIKey:          cfg.GenerationAPIKey,
		Timeout:         cfg.GenerationAPITimeout,
		HTTPClient:      &http.Client{},
		BusyWait:        cfg.BusyRetryWait,
		BusyMaxRetries:  cfg.BusyRetryMax,
		NetworkRetries:  cfg.NetworkRetryMax,
		SubmitPerSecond: cfg.SubmitRatePerSec,
		SubmitBurst:     cfg.SubmitBurst,
	})
	relay := media.NewRelay(media.RelayConfig{
		UploadURL: cfg.MediaUploadURL,
		APIKey:    cfg.MediaAPIKey,
		Timeout:   cfg.MediaTimeout,
	})

	consumer, streams, queueCloser := setupQueue(ctx, cfg, compensator, logger)
	defer queueCloser()

	processor := worker.NewProcessor(consumer, generator, relay, aggregator, worker.PollPolicy{
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.PollMaxAttempts,
	}, logger)

	for slot := 0; slot < cfg.WorkerSlots; slot++ {
		go processor.Start(ctx)
	}
	logger.Info().Int("slots", cfg.WorkerSlots).Msg("worker: started")

	schedule := cron.New(cron.WithSeconds())
	if streams != nil {
		_, err = schedule.AddFunc("* * * * * *", func() {
			if err := streams.MoveDue(ctx, time.Now().UTC(), 200); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("worker: move due jobs failed")
			}
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: schedule due mover failed")
		}
	}
	if cfg.SweepEnabled {
		sweeper := worker.NewSweeper(repo, compensator, cfg.StaleAfter, cfg.SweepBatch, logger)
		_, err = schedule.AddFunc("0 */5 * * * *", func() { sweeper.Sweep(ctx) })
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: schedule sweeper failed")
		}
	}
	schedule.Start()

	<-ctx.Done()
	logger.Info().Msg("worker: shutdown signal received")

	stopCtx := schedule.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
	}
	logger.Info().Msg("worker: stopped")
}

func setupCollaborators(cfg config.Config, logger zerolog.Logger) (notify.Notifier, notify.ActivityTracker) {
	if cfg.NotifyBaseURL == "" || cfg.ActivityBaseURL == "" {
		logger.Warn().Msg("collaborator endpoints not configured, logging notifications only")
		fallback := notify.NewLogCollaborator(logger)
		return fallback, fallback
	}
	collaborator := notify.NewHTTPCollaborator(notify.HTTPConfig{
		NotifyBaseURL:   cfg.NotifyBaseURL,
		ActivityBaseURL: cfg.ActivityBaseURL,
	})
	return collaborator, collaborator
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	compensator *service.Compensator,
	logger zerolog.Logger,
) (queue.Consumer, *queue.StreamsQueue, func()) {
	if cfg.RedisAddr == "" {
		logger.Warn().Msg("REDIS_ADDR not configured, using in-process queue")
		local := queue.NewLocalQueue(queue.LocalConfig{
			MaxAttempts: cfg.QueueMaxAttempts,
			RetryDelay:  cfg.RedeliveryBase,
			OnExhausted: compensator.HandleJobExhausted,
			Logger:      logger,
		})
		return local, nil, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.QueueStream,
		DLQStream:   cfg.QueueDLQStream,
		DelaySet:    cfg.QueueDelaySet,
		Group:       cfg.QueueGroup,
		Consumer:    cfg.QueueConsumer,
		MaxAttempts: cfg.QueueMaxAttempts,
		Redelivery: queue.RedeliveryPolicy{
			Base: cfg.RedeliveryBase,
			Max:  cfg.RedeliveryMax,
		},
		OnExhausted: compensator.HandleJobExhausted,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis queue setup failed")
	}
	return streams, streams, func() {
		if err := streams.Close(); err != nil {
			logger.Error().Err(err).Msg("worker: queue close failed")
		}
	}
}
