package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config centralizes runtime settings for the generation worker.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	DatabaseURL string `env:"DATABASE_URL,notEmpty"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	QueueStream      string `env:"QUEUE_STREAM" envDefault:"generation_jobs"`
	QueueDLQStream   string `env:"QUEUE_DLQ_STREAM" envDefault:"generation_jobs_dlq"`
	QueueDelaySet    string `env:"QUEUE_DELAY_SET" envDefault:"generation_jobs_delayed"`
	QueueGroup       string `env:"QUEUE_GROUP" envDefault:"generation_workers"`
	QueueConsumer    string `env:"QUEUE_CONSUMER" envDefault:"worker-1"`
	QueueMaxAttempts int    `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	WorkerSlots      int    `env:"WORKER_SLOTS" envDefault:"4"`

	// Three independent backoff policies: queue redelivery, the busy
	// sentinel inside submit, and the status-poll loop.
	RedeliveryBase   time.Duration `env:"REDELIVERY_BASE" envDefault:"5s"`
	RedeliveryMax    time.Duration `env:"REDELIVERY_MAX" envDefault:"2m"`
	BusyRetryWait    time.Duration `env:"BUSY_RETRY_WAIT" envDefault:"3s"`
	BusyRetryMax     int           `env:"BUSY_RETRY_MAX" envDefault:"15"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"2500ms"`
	PollMaxAttempts  int           `env:"POLL_MAX_ATTEMPTS" envDefault:"240"`
	NetworkRetryMax  int           `env:"NETWORK_RETRY_MAX" envDefault:"2"`
	SubmitRatePerSec float64       `env:"SUBMIT_RATE_PER_SEC" envDefault:"2"`
	SubmitBurst      int           `env:"SUBMIT_BURST" envDefault:"4"`

	GenerationAPIURL     string        `env:"GENERATION_API_URL,notEmpty"`
	GenerationAPIKey     string        `env:"GENERATION_API_KEY"`
	GenerationAPITimeout time.Duration `env:"GENERATION_API_TIMEOUT" envDefault:"60s"`

	MediaUploadURL string        `env:"MEDIA_UPLOAD_URL,notEmpty"`
	MediaAPIKey    string        `env:"MEDIA_API_KEY"`
	MediaTimeout   time.Duration `env:"MEDIA_TIMEOUT" envDefault:"120s"`

	NotifyBaseURL   string `env:"NOTIFY_BASE_URL"`
	ActivityBaseURL string `env:"ACTIVITY_BASE_URL"`

	LowCreditThreshold int `env:"LOW_CREDIT_THRESHOLD" envDefault:"5"`

	SweepEnabled bool          `env:"SWEEP_ENABLED" envDefault:"true"`
	StaleAfter   time.Duration `env:"STALE_AFTER" envDefault:"30m"`
	SweepBatch   int           `env:"SWEEP_BATCH" envDefault:"100"`
}

// Load parses configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.QueueMaxAttempts <= 0 {
		cfg.QueueMaxAttempts = 3
	}
	if cfg.WorkerSlots <= 0 {
		cfg.WorkerSlots = 1
	}
	return cfg, nil
}
