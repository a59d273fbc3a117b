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

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/config"
	"github.com/example/pos-relay/internal/idempotency"
	"github.com/example/pos-relay/internal/ingest"
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
	log := baseLogger.With().Str("service", "ingest-api").Logger()

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

	submissions := repository.NewSubmissionRepository(db)
	transactions := repository.NewTransactionRepository(db)
	forwards := repository.NewForwardAttemptRepository(db, cfg.Forward.ClaimLease)

	guard, err := idempotency.NewGuard(submissions, log.With().Str("component", "idempotency").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise idempotency guard")
	}

	statusPublisher := kafkapublisher.NewStatusPublisher(prod, cfg.Topics.Status, log.With().Str("component", "status-publisher").Logger())
	jobPublisher := kafkapublisher.NewJobPublisher(prod, cfg.Topics.ValidationRequest, log.With().Str("component", "job-publisher").Logger())

	svc, err := ingest.NewService(ingest.ServiceDeps{
		Guard:        guard,
		Transactions: transactions,
		Jobs:         jobPublisher,
		Status:       statusPublisher,
		Logger:       log,
		Now:          time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise ingest service")
	}

	handler, err := ingest.NewHandler(ingest.HandlerDeps{
		Service:      svc,
		Submissions:  submissions,
		Transactions: transactions,
		Forwards:     forwards,
		MaxBodyBytes: int64(cfg.Validation.MsgMaxBytes),
		Logger:       log,
		Health: []ingest.HealthCheck{
			{Name: "postgres", Check: db.PingContext},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
			{Name: "kafka", Check: func(context.Context) error {
				if !prod.IsReady() {
					return errors.New("producer metadata not refreshed")
				}
				return nil
			}},
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise http handler")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Int("port", cfg.App.Port).Msg("ingest api started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server terminated with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("ingest api init failed")
}
