package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config captures all runtime configuration for the relay. Every retry,
// breaker and alert constant is external input; nothing in the pipeline
// hardcodes policy.
type Config struct {
	App        AppConfig
	Kafka      KafkaConfig
	Topics     TopicConfig
	Groups     ConsumerGroupConfig
	Storage    StorageConfig
	Validation ValidationConfig
	Forward    ForwardConfig
	Notify     NotifyConfig
	Jobs       JobConfig
	Breaker    BreakerConfig
	Alerts     AlertConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// KafkaConfig defines broker information.
type KafkaConfig struct {
	Brokers []string
}

// TopicConfig enumerates the pipeline topics.
type TopicConfig struct {
	ValidationRequest string
	NotifyRequest     string
	Status            string
	DLQ               string
}

// ConsumerGroupConfig provides the consumer group name per worker.
type ConsumerGroupConfig struct {
	Validation string
	Notify     string
}

// StorageConfig holds the Postgres and Redis endpoints.
type StorageConfig struct {
	DatabaseURL string
	RedisURL    string
}

// ValidationConfig holds the rule-engine limits.
type ValidationConfig struct {
	Epsilon     decimal.Decimal
	MsgMaxBytes int
}

// ForwardConfig controls delivery to the downstream web application.
type ForwardConfig struct {
	DownstreamURL  string
	ServiceName    string
	RequestTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
	BatchSize      int
	PollInterval   time.Duration
	Concurrency    int
	ClaimLease     time.Duration
}

// NotifyConfig controls terminal callback delivery.
type NotifyConfig struct {
	RequestTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Concurrency    int
}

// JobConfig controls the queued validation workers.
type JobConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Concurrency int
}

// BreakerConfig controls the downstream circuit breakers.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SweepInterval    time.Duration
}

// AlertConfig controls the failure threshold monitor.
type AlertConfig struct {
	WindowSize  time.Duration
	Threshold   int
	CooldownTTL time.Duration
	WebhookURL  string
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", true)

	cfg.Topics.ValidationRequest = ldr.getString("KAFKA_VALIDATION_REQUEST_TOPIC", "pos.validation.request", false)
	cfg.Topics.NotifyRequest = ldr.getString("KAFKA_NOTIFY_REQUEST_TOPIC", "pos.notify.request", false)
	cfg.Topics.Status = ldr.getString("KAFKA_STATUS_TOPIC", "pos.pipeline.status", false)
	cfg.Topics.DLQ = ldr.getString("KAFKA_DLQ_TOPIC", "pos.pipeline.dlq", false)

	cfg.Groups.Validation = ldr.getString("VALIDATION_CONSUMER_GROUP", "pos-relay-validation", false)
	cfg.Groups.Notify = ldr.getString("NOTIFY_CONSUMER_GROUP", "pos-relay-notify", false)

	cfg.Storage.DatabaseURL = ldr.getString("DATABASE_URL", "", true)
	cfg.Storage.RedisURL = ldr.getString("REDIS_URL", "", true)

	cfg.Validation.Epsilon = ldr.getDecimal("VALIDATION_EPSILON", "0.02")
	cfg.Validation.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 200000, false)

	cfg.Forward.DownstreamURL = ldr.getString("DOWNSTREAM_URL", "", true)
	cfg.Forward.ServiceName = ldr.getString("DOWNSTREAM_SERVICE_NAME", "downstream-webapp", false)
	cfg.Forward.RequestTimeout = ldr.getSeconds("DOWNSTREAM_TIMEOUT_SECONDS", 15)
	cfg.Forward.MaxAttempts = ldr.getInt("FORWARD_MAX_ATTEMPTS", 5, false)
	cfg.Forward.BaseBackoff = ldr.getSeconds("FORWARD_BASE_BACKOFF_SECONDS", 5)
	cfg.Forward.BackoffFactor = ldr.getFloat("FORWARD_BACKOFF_FACTOR", 2.0)
	cfg.Forward.MaxBackoff = ldr.getSeconds("FORWARD_MAX_BACKOFF_SECONDS", 300)
	cfg.Forward.BatchSize = ldr.getInt("FORWARD_BATCH_SIZE", 20, false)
	cfg.Forward.PollInterval = ldr.getSeconds("FORWARD_POLL_INTERVAL_SECONDS", 2)
	cfg.Forward.Concurrency = ldr.getInt("FORWARD_CONCURRENCY", 8, false)
	cfg.Forward.ClaimLease = ldr.getSeconds("FORWARD_CLAIM_LEASE_SECONDS", 120)

	cfg.Notify.RequestTimeout = ldr.getSeconds("NOTIFY_TIMEOUT_SECONDS", 10)
	cfg.Notify.MaxAttempts = ldr.getInt("NOTIFY_MAX_ATTEMPTS", 3, false)
	cfg.Notify.BaseBackoff = ldr.getSeconds("NOTIFY_BASE_BACKOFF_SECONDS", 10)
	cfg.Notify.MaxBackoff = ldr.getSeconds("NOTIFY_MAX_BACKOFF_SECONDS", 120)
	cfg.Notify.Concurrency = ldr.getInt("NOTIFY_CONCURRENCY", 10, false)

	cfg.Jobs.MaxAttempts = ldr.getInt("JOB_MAX_ATTEMPTS", 3, false)
	cfg.Jobs.BaseBackoff = ldr.getSeconds("JOB_BASE_BACKOFF_SECONDS", 5)
	cfg.Jobs.MaxBackoff = ldr.getSeconds("JOB_MAX_BACKOFF_SECONDS", 60)
	cfg.Jobs.Concurrency = ldr.getInt("JOB_CONCURRENCY", 10, false)

	cfg.Breaker.FailureThreshold = ldr.getInt("BREAKER_FAILURE_THRESHOLD", 5, false)
	cfg.Breaker.ResetTimeout = ldr.getSeconds("BREAKER_RESET_TIMEOUT_SECONDS", 30)
	cfg.Breaker.SweepInterval = ldr.getSeconds("BREAKER_SWEEP_INTERVAL_SECONDS", 10)

	cfg.Alerts.WindowSize = ldr.getSeconds("ALERT_WINDOW_SECONDS", 300)
	cfg.Alerts.Threshold = ldr.getInt("ALERT_THRESHOLD", 10, false)
	cfg.Alerts.CooldownTTL = ldr.getSeconds("ALERT_COOLDOWN_SECONDS", 900)
	cfg.Alerts.WebhookURL = ldr.getString("ALERT_WEBHOOK_URL", "", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getFloat(key string, def float64) float64 {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(l.getInt(key, defSeconds, false)) * time.Second
}

func (l *envLoader) getDecimal(key, def string) decimal.Decimal {
	raw := l.getString(key, def, false)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid decimal", key))
		d, _ = decimal.NewFromString(def)
	}
	return d
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
