// Package config provides the configuration structure for the tts-gateway.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
	_ "time/tzdata"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/generation"
	"github.com/book-expert/tts-gateway/internal/text"
	"github.com/pelletier/go-toml/v2"
)

// Defaults applied to fields left empty.
const (
	DefaultNATSURL          = "nats://127.0.0.1:4222"
	DefaultRequestSubject   = "tts.generation.requested"
	DefaultCompletedSubject = "tts.generation.completed"
	DefaultProgressSubject  = "tts.generation.progress"
	DefaultQueueGroup       = "tts-gateway"
	DefaultAudioBucket      = "TTS_AUDIO"
	DefaultProviderURL      = "https://api.elevenlabs.io/v1"
	DefaultProviderTimeout  = 60
	DefaultRequestTimeout   = 600
	DefaultMaxAttempts      = 3
	DefaultRetryDelayMS     = 1000
	DefaultCreditBuffer     = 500
	DefaultOutputFormat     = "mp3_44100_128"
	DefaultResetSchedule    = "0 0 1 * *"
	DefaultSnapshotSchedule = "@every 1m"
	DefaultTimezone         = "UTC"
	DefaultPoolDatabase     = "data/pool.db"
	DefaultLedgerDatabase   = "data/ledger.db"
	DefaultHistoryDatabase  = "data/history.db"
	DefaultMetricsListen    = ":9464"
	DefaultLogsDir          = "logs"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const errFmtInvalid = "%w: %s"

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	RequestSubject         string `toml:"request_subject"`
	CompletedSubject       string `toml:"completed_subject"`
	ProgressSubject        string `toml:"progress_subject"`
	QueueGroup             string `toml:"queue_group"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// ProviderConfig holds the outbound speech provider settings.
type ProviderConfig struct {
	BaseURL           string   `toml:"base_url"`
	TimeoutSeconds    int      `toml:"timeout_seconds"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	UserAgent         string   `toml:"user_agent"`
	Proxies           []string `toml:"proxies"`
}

// GenerationConfig holds the pipeline tuning.
type GenerationConfig struct {
	MaxTextLength         int    `toml:"max_text_length"`
	ChunkSize             int    `toml:"chunk_size"`
	MaxAttempts           int    `toml:"max_attempts"`
	RetryDelayMS          int    `toml:"retry_delay_ms"`
	CreditBuffer          int64  `toml:"credit_buffer"`
	DefaultFormat         string `toml:"default_format"`
	DefaultModel          string `toml:"default_model"`
	AutoDetectLanguage    bool   `toml:"auto_detect_language"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// PoolConfig holds the credential pool storage and maintenance schedule.
type PoolConfig struct {
	DatabasePath     string `toml:"database_path"`
	ResetSchedule    string `toml:"reset_schedule"`
	SnapshotSchedule string `toml:"snapshot_schedule"`
	Timezone         string `toml:"timezone"`
}

// DatabaseConfig points at one SQLite file.
type DatabaseConfig struct {
	DatabasePath string `toml:"database_path"`
}

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS       NATSConfig         `toml:"nats"`
	Provider   ProviderConfig     `toml:"provider"`
	Generation GenerationConfig   `toml:"generation"`
	Models     []generation.Model `toml:"models"`
	Pool       PoolConfig         `toml:"pool"`
	Ledger     DatabaseConfig     `toml:"ledger"`
	History    DatabaseConfig     `toml:"history"`
	Metrics    MetricsConfig      `toml:"metrics"`
	Paths      PathsConfig        `toml:"paths"`
}

// Load loads the project configuration through the configurator, applies
// defaults and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// Parse decodes a TOML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every empty field with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, DefaultNATSURL)
	setString(&c.NATS.RequestSubject, DefaultRequestSubject)
	setString(&c.NATS.CompletedSubject, DefaultCompletedSubject)
	setString(&c.NATS.ProgressSubject, DefaultProgressSubject)
	setString(&c.NATS.QueueGroup, DefaultQueueGroup)
	setString(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)

	setString(&c.Provider.BaseURL, DefaultProviderURL)
	setInt(&c.Provider.TimeoutSeconds, DefaultProviderTimeout)

	setInt(&c.Generation.MaxTextLength, generation.DefaultMaxTextLength)
	setInt(&c.Generation.ChunkSize, text.DefaultChunkSize)
	setInt(&c.Generation.MaxAttempts, DefaultMaxAttempts)
	setInt(&c.Generation.RetryDelayMS, DefaultRetryDelayMS)
	setInt(&c.Generation.RequestTimeoutSeconds, DefaultRequestTimeout)
	setString(&c.Generation.DefaultFormat, DefaultOutputFormat)
	setString(&c.Generation.DefaultModel, generation.ModelFlash)

	if c.Generation.CreditBuffer == 0 {
		c.Generation.CreditBuffer = DefaultCreditBuffer
	}

	if len(c.Models) == 0 {
		c.Models = generation.DefaultModels()
	}

	setString(&c.Pool.DatabasePath, DefaultPoolDatabase)
	setString(&c.Pool.ResetSchedule, DefaultResetSchedule)
	setString(&c.Pool.SnapshotSchedule, DefaultSnapshotSchedule)
	setString(&c.Pool.Timezone, DefaultTimezone)
	setString(&c.Ledger.DatabasePath, DefaultLedgerDatabase)
	setString(&c.History.DatabasePath, DefaultHistoryDatabase)
	setString(&c.Metrics.Listen, DefaultMetricsListen)
	setString(&c.Paths.BaseLogsDir, DefaultLogsDir)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Generation.ChunkSize > c.Generation.MaxTextLength:
		return fmt.Errorf(errFmtInvalid, ErrInvalidConfig, "generation.chunk_size exceeds max_text_length")
	case c.Generation.MaxAttempts < 1:
		return fmt.Errorf(errFmtInvalid, ErrInvalidConfig, "generation.max_attempts must be at least 1")
	case c.Generation.RetryDelayMS < 0:
		return fmt.Errorf(errFmtInvalid, ErrInvalidConfig, "generation.retry_delay_ms must not be negative")
	case c.Generation.CreditBuffer < 0:
		return fmt.Errorf(errFmtInvalid, ErrInvalidConfig, "generation.credit_buffer must not be negative")
	case c.Provider.RequestsPerSecond < 0:
		return fmt.Errorf(errFmtInvalid, ErrInvalidConfig, "provider.requests_per_second must not be negative")
	}

	for _, model := range c.Models {
		if model.ID == "" || model.CreditsPerChar <= 0 {
			return fmt.Errorf(errFmtInvalid, ErrInvalidConfig, "every model needs an id and a positive credits_per_char")
		}
	}

	for _, proxy := range c.Provider.Proxies {
		parsed, err := url.Parse(proxy)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf(errFmtInvalid, ErrInvalidConfig, "provider.proxies needs scheme://host[:port] URLs, got "+proxy)
		}
	}

	if _, err := time.LoadLocation(c.Pool.Timezone); err != nil {
		return fmt.Errorf(errFmtInvalid, ErrInvalidConfig, "pool.timezone: "+err.Error())
	}

	return nil
}

// RetryDelay returns the pause between provider attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Generation.RetryDelayMS) * time.Millisecond
}

// ProviderTimeout returns the per-call HTTP timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the deadline for one whole generation.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Generation.RequestTimeoutSeconds) * time.Second
}

// Location returns the pool maintenance timezone.
func (c *Config) Location() *time.Location {
	location, err := time.LoadLocation(c.Pool.Timezone)
	if err != nil {
		return time.UTC
	}

	return location
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
