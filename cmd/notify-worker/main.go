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
	"github.com/example/pos-relay/internal/config"
	"github.com/example/pos-relay/internal/kafka/consumer"
	"github.com/example/pos-relay/internal/kafka/producer"
	kafkapublisher "github.com/example/pos-relay/internal/kafka/publisher"
	"github.com/example/pos-relay/internal/logger"
	"github.com/example/pos-relay/internal/notify"
	"github.com/example/pos-relay/internal/worker"
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
	log := baseLogger.With().Str("service", "notify-worker").Logger()

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

	consumerLogger := log.With().Str("component", "consumer").Logger()
	cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Groups.Notify, consumerLogger, true)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	statusPublisher := kafkapublisher.NewStatusPublisher(prod, cfg.Topics.Status, log.With().Str("component", "status-publisher").Logger())
	dlqPublisher := kafkapublisher.NewDLQPublisher(prod, cfg.Topics.DLQ, log.With().Str("component", "dlq-publisher").Logger())

	monitor, err := newMonitor(cfg, redisClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise failure monitor")
	}

	processor, err := notify.NewProcessor(
		cfg.Notify.RequestTimeout,
		statusPublisher,
		monitor,
		log.With().Str("component", "notify-processor").Logger(),
		time.Now,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise notify processor")
	}

	engine, err := worker.NewEngine(worker.Config{
		JobKind:     "notify",
		MsgMaxBytes: cfg.Validation.MsgMaxBytes,
		MaxAttempts: cfg.Notify.MaxAttempts,
		Backoff: backoff.Policy{
			Base:   cfg.Notify.BaseBackoff,
			Factor: 2,
			Cap:    cfg.Notify.MaxBackoff,
		},
		Concurrency: cfg.Notify.Concurrency,
	}, worker.Dependencies{
		Processor:       processor,
		StatusPublisher: statusPublisher,
		DLQPublisher:    dlqPublisher,
		Logger:          log.With().Str("component", "worker-engine").Logger(),
		Now:             time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise worker engine")
	}

	topics := []string{cfg.Topics.NotifyRequest}
	handler := worker.KafkaHandler(engine, cons)

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Consume(ctx, topics, handler); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Str("request_topic", cfg.Topics.NotifyRequest).Msg("notify worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
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
	logger.Fatal().Err(err).Str("stage", stage).Msg("notify worker init failed")
}
