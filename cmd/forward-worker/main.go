package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/alert"
	"github.com/example/pos-relay/internal/backoff"
	"github.com/example/pos-relay/internal/breaker"
	"github.com/example/pos-relay/internal/config"
	"github.com/example/pos-relay/internal/forwarder"
	"github.com/example/pos-relay/internal/kafka/producer"
	kafkapublisher "github.com/example/pos-relay/internal/kafka/publisher"
	"github.com/example/pos-relay/internal/logger"
	"github.com/example/pos-relay/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "forward-worker").Logger()

	db, err := repository.Open(cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}()

	redisOpts, err := redis.ParseURL(cfg.Storage.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}()

	kafkaLogger := log.With().Str("component", "kafka").Logger()
	prod, err := producer.New(cfg.Kafka.Brokers, kafkaLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}()

	statusPublisher := kafkapublisher.NewStatusPublisher(prod, cfg.Topics.Status, log.With().Str("component", "status-publisher").Logger())
	dlqPublisher := kafkapublisher.NewDLQPublisher(prod, cfg.Topics.DLQ, log.With().Str("component", "dlq-publisher").Logger())

	monitor, err := newMonitor(cfg, redisClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise failure monitor")
	}

	registry := breaker.NewRegistry(
		breaker.NewRedisStore(redisClient),
		breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		},
		log.With().Str("component", "breaker").Logger(),
		time.Now,
	)

	client, err := forwarder.NewClient(cfg.Forward.DownstreamURL, cfg.Forward.RequestTimeout, log.With().Str("component", "downstream-client").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise downstream client")
	}

	forwards := repository.NewForwardAttemptRepository(db, cfg.Forward.ClaimLease)

	fw, err := forwarder.New(forwarder.Deps{
		Client:       client,
		Transactions: repository.NewTransactionRepository(db),
		Forwards:     forwards,
		Submissions:  repository.NewSubmissionRepository(db),
		Breakers:     registry,
		Status:       statusPublisher,
		DLQ:          dlqPublisher,
		Monitor:      monitor,
		Logger:       log.With().Str("component", "forwarder").Logger(),
		Now:          time.Now,
	}, cfg.Forward.ServiceName, backoff.Policy{
		Base:   cfg.Forward.BaseBackoff,
		Factor: cfg.Forward.BackoffFactor,
		Cap:    cfg.Forward.MaxBackoff,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise forwarder")
	}

	dispatcher, err := forwarder.NewDispatcher(
		forwards,
		fw,
		cfg.Forward.BatchSize,
		cfg.Forward.Concurrency,
		cfg.Forward.PollInterval,
		log.With().Str("component", "dispatcher").Logger(),
		time.Now,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dispatcher")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("downstream_url", cfg.Forward.DownstreamURL).
		Int("batch_size", cfg.Forward.BatchSize).
		Msg("forward worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("dispatcher terminated with error")
		}
	}
}

func newMonitor(cfg *config.Config, redisClient *redis.Client, log zerolog.Logger) (*alert.Monitor, error) {
	var notifier alert.Notifier
	if cfg.Alerts.WebhookURL != "" {
		webhook, err := alert.NewWebhookNotifier(cfg.Alerts.WebhookURL, 5*time.Second, log)
		if err != nil {
			return nil, err
		}
		notifier = webhook
	} else {
		notifier = alert.NewLogNotifier(log)
	}

	return alert.NewMonitor(alert.Config{
		WindowSize:  cfg.Alerts.WindowSize,
		Threshold:   cfg.Alerts.Threshold,
		CooldownTTL: cfg.Alerts.CooldownTTL,
	},
		alert.NewRedisWindow(redisClient, cfg.Alerts.WindowSize),
		alert.NewRedisCooldown(redisClient),
		notifier,
		log.With().Str("component", "failure-monitor").Logger(),
		time.Now,
	)
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("forward worker init failed")
}
