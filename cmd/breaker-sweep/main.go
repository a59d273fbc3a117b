package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/breaker"
	"github.com/example/pos-relay/internal/config"
	"github.com/example/pos-relay/internal/logger"
)

// breaker-sweep walks every persisted breaker and moves expired OPEN windows
// to HALF_OPEN, so cooldowns progress even when no forward traffic touches
// the tripped key.
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
	log := baseLogger.With().Str("service", "breaker-sweep").Logger()

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

	store := breaker.NewRedisStore(redisClient)
	sweeper := breaker.NewSweeper(store, store, log.With().Str("component", "sweeper").Logger(), time.Now)

	log.Info().Dur("interval", cfg.Breaker.SweepInterval).Msg("breaker sweeper started")

	sweeper.Run(ctx, cfg.Breaker.SweepInterval)

	log.Info().Msg("shutdown signal received")
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("breaker sweeper init failed")
}
