package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Queue modes for handing reservation jobs to the workers.
const (
	QueueModeStream = "stream" // Redis Stream outbox, relayed to Kafka
	QueueModeKafka  = "kafka"  // publish to Kafka directly
)

// AppConfig holds runtime configuration; everything comes from the environment.
type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"checkout.db"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	// Kafka cluster (comma separated), topic and consumer group of the order job queue
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"checkout-order-jobs"`
	KafkaGroupID string   `envconfig:"KAFKA_GROUP_ID" default:"checkout-order-worker"`

	// Redis Stream outbox (coordinator XADDs, relay forwards to Kafka)
	QueueMode        string `envconfig:"QUEUE_MODE" default:"stream"`
	OrderJobStream   string `envconfig:"ORDER_JOB_STREAM" default:"checkout:order_jobs"`
	OrderJobGroup    string `envconfig:"ORDER_JOB_GROUP" default:"checkout-relay-group"`
	OrderJobConsumer string `envconfig:"ORDER_JOB_CONSUMER" default:"checkout-relay-1"`

	WorkerCount    int           `envconfig:"WORKER_COUNT" default:"2"`
	JobMaxAttempts int           `envconfig:"JOB_MAX_ATTEMPTS" default:"3"`
	JobBackoff     time.Duration `envconfig:"JOB_BACKOFF" default:"1s"`

	ReservationWindow  time.Duration `envconfig:"RESERVATION_WINDOW" default:"10m"`
	ResultTTL          time.Duration `envconfig:"RESULT_TTL" default:"60s"`
	ResultPollInterval time.Duration `envconfig:"RESULT_POLL_INTERVAL" default:"1s"`
	ResultPollAttempts int           `envconfig:"RESULT_POLL_ATTEMPTS" default:"10"`
	CheckoutLockTTL    time.Duration `envconfig:"CHECKOUT_LOCK_TTL" default:"10s"`
	IdempotencyTTL     time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	SweepBatchSize int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
	CancelGrace    time.Duration `envconfig:"CANCEL_GRACE" default:"10m"`
	HoldGrace      time.Duration `envconfig:"HOLD_GRACE" default:"1m"`

	ListingCacheTTL time.Duration `envconfig:"LISTING_CACHE_TTL" default:"5m"`

	// checkout rate limit
	BuyRateLimit  int           `envconfig:"BUY_RATE_LIMIT" default:"1000"`
	BuyRateWindow time.Duration `envconfig:"BUY_RATE_WINDOW" default:"1s"`

	// simple token guarding the administrative endpoints
	AdminToken string `envconfig:"ADMIN_TOKEN" default:"dev-admin-token"`
}

// Load reads .env (if any) and the environment, then validates the result.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("process env: %w", err)
	}
	cfg.KafkaBrokers = trimCSV(cfg.KafkaBrokers)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c AppConfig) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	switch c.QueueMode {
	case QueueModeStream, QueueModeKafka:
	default:
		return fmt.Errorf("QUEUE_MODE must be stream or kafka, got %q", c.QueueMode)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if c.KafkaGroupID == "" {
		return fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if c.OrderJobStream == "" {
		return fmt.Errorf("ORDER_JOB_STREAM must not be empty")
	}
	if c.OrderJobGroup == "" {
		return fmt.Errorf("ORDER_JOB_GROUP must not be empty")
	}
	if c.OrderJobConsumer == "" {
		return fmt.Errorf("ORDER_JOB_CONSUMER must not be empty")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be > 0")
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be > 0")
	}
	if c.ResultPollAttempts <= 0 {
		return fmt.Errorf("RESULT_POLL_ATTEMPTS must be > 0")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be > 0")
	}
	if c.BuyRateLimit <= 0 {
		return fmt.Errorf("BUY_RATE_LIMIT must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"JOB_BACKOFF":          c.JobBackoff,
		"RESERVATION_WINDOW":   c.ReservationWindow,
		"RESULT_TTL":           c.ResultTTL,
		"RESULT_POLL_INTERVAL": c.ResultPollInterval,
		"CHECKOUT_LOCK_TTL":    c.CheckoutLockTTL,
		"IDEMPOTENCY_TTL":      c.IdempotencyTTL,
		"SWEEP_INTERVAL":       c.SweepInterval,
		"CANCEL_GRACE":         c.CancelGrace,
		"LISTING_CACHE_TTL":    c.ListingCacheTTL,
		"BUY_RATE_WINDOW":      c.BuyRateWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.HoldGrace < 0 {
		return fmt.Errorf("HOLD_GRACE must be >= 0")
	}
	return nil
}

// trimCSV drops blanks left over from a comma separated value.
func trimCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
