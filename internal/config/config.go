// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_SERVER_PORT.
const EnvPrefix = "HARVESTER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	AI        AIConfig        `mapstructure:"ai"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Monitors  []MonitorConfig `mapstructure:"monitors" validate:"dive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"min=1,max=65535"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key" validate:"required_if=Enabled true"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SchedulerConfig bounds job admission.
type SchedulerConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs" validate:"min=1"`
}

// CrawlerConfig governs the fetch provider.
type CrawlerConfig struct {
	UserAgent     string        `mapstructure:"user_agent" validate:"required"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxPages      int           `mapstructure:"max_pages" validate:"min=1"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes" validate:"min=0"`
	HostRPS       float64       `mapstructure:"host_rps" validate:"min=0"`
	HostBurst     int           `mapstructure:"host_burst" validate:"min=0"`
}

// PipelineConfig tunes fetch retries and archival paths.
type PipelineConfig struct {
	FetchAttempts  int           `mapstructure:"fetch_attempts" validate:"min=1,max=10"`
	FetchBaseDelay time.Duration `mapstructure:"fetch_base_delay"`
	FetchMaxDelay  time.Duration `mapstructure:"fetch_max_delay"`
	BlobPrefix     string        `mapstructure:"blob_prefix"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel" validate:"required_if=Enabled true,min=0"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold" validate:"min=0"`
}

// StorageConfig selects the raw artifact archive.
type StorageConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=none memory local gcs"`
	GCSBucket string `mapstructure:"gcs_bucket" validate:"required_if=Backend gcs"`
	LocalDir  string `mapstructure:"local_dir" validate:"required_if=Backend local"`
}

// DBConfig selects the job, content and record stores.
type DBConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=memory postgres"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"min=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"min=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// AIConfig selects the extraction model and pre-filter constants.
type AIConfig struct {
	Provider    string        `mapstructure:"provider" validate:"oneof=none gemini claude"`
	APIKey      string        `mapstructure:"api_key" validate:"required_unless=Provider none"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"min=0"`
	MinLength   int           `mapstructure:"min_length" validate:"min=0"`
	MaxChars    int           `mapstructure:"max_chars" validate:"min=0"`
	Attempts    int           `mapstructure:"attempts" validate:"min=1,max=5"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Keywords    []string      `mapstructure:"keywords"`
}

// WebhookConfig controls completion callbacks.
type WebhookConfig struct {
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic" validate:"required_with=ProjectID"`
}

// EventsConfig sizes the asynchronous event fan-out to sinks.
type EventsConfig struct {
	BufferSize   int           `mapstructure:"buffer_size" validate:"min=1"`
	MaxBatch     int           `mapstructure:"max_batch" validate:"min=1"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait" validate:"gt=0"`
}

// TelemetryConfig controls tracing. Spans are exported to Cloud Trace only
// when ProjectID is set.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ProjectID   string  `mapstructure:"project_id"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"min=0,max=1"`
}

// MonitorConfig schedules a recurring monitor job.
type MonitorConfig struct {
	URL      string `mapstructure:"url" validate:"required,url"`
	Schedule string `mapstructure:"schedule" validate:"required"`
	Priority int    `mapstructure:"priority" validate:"min=0,max=10"`
	OwnerID  string `mapstructure:"owner_id"`
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.heartbeat_interval", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("scheduler.tick_interval", "5s")
	v.SetDefault("scheduler.max_concurrent_jobs", 3)
	v.SetDefault("crawler.user_agent", "grant-harvester/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.timeout", "15s")
	v.SetDefault("crawler.max_pages", 100)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.host_rps", 2)
	v.SetDefault("crawler.host_burst", 1)
	v.SetDefault("pipeline.fetch_attempts", 3)
	v.SetDefault("pipeline.fetch_base_delay", "500ms")
	v.SetDefault("pipeline.fetch_max_delay", "5s")
	v.SetDefault("pipeline.blob_prefix", "raw")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("ai.provider", "none")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.temperature", 0.1)
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.min_length", 200)
	v.SetDefault("ai.max_chars", 12000)
	v.SetDefault("ai.attempts", 2)
	v.SetDefault("ai.backoff", "2s")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch", 100)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

var validate = validator.New()

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
