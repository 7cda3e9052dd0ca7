// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmpumuro/judex/internal/stage"
	"github.com/jmpumuro/judex/internal/stream"
)

// Transport names accepted by stream.transport.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig       `mapstructure:"server"`
	Logging  LoggingConfig      `mapstructure:"logging"`
	Stream   StreamConfig       `mapstructure:"stream"`
	Coalesce CoalesceConfig     `mapstructure:"coalesce"`
	Retry    RetryConfig        `mapstructure:"retry"`
	Progress ProgressConfig     `mapstructure:"progress"`
	Stages   []stage.Descriptor `mapstructure:"stages"`
	Database DBConfig           `mapstructure:"database"`
	PubSub   PubSubConfig       `mapstructure:"pubsub"`
	Loop     LoopConfig         `mapstructure:"loop"`
}

// ServerConfig controls the control/read API.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StreamConfig points the engine at the upstream event stream.
type StreamConfig struct {
	BaseURL      string            `mapstructure:"base_url"`
	Transport    string            `mapstructure:"transport"`
	PathTemplate string            `mapstructure:"path_template"`
	Headers      map[string]string `mapstructure:"headers"`
}

// CoalesceConfig sets the update coalescing window.
type CoalesceConfig struct {
	FlushDelayMs  int `mapstructure:"flush_delay_ms"`
	SinkTimeoutMs int `mapstructure:"sink_timeout_ms"`
}

// RetryConfig bounds reconnect attempts.
type RetryConfig struct {
	MaxRetries    int `mapstructure:"max_retries"`
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
}

// ProgressConfig tunes how percentages reach the view model.
type ProgressConfig struct {
	Monotonic  bool `mapstructure:"monotonic"`
	LogEnabled bool `mapstructure:"log_enabled"`
}

// DBConfig controls the optional Postgres snapshot store.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for session outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoopConfig sizes the event loop.
type LoopConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JUDEX")
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
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("stream.base_url", "http://localhost:8012")
	v.SetDefault("stream.transport", TransportHTTP)
	v.SetDefault("stream.path_template", stream.DefaultPathTemplate)
	v.SetDefault("coalesce.flush_delay_ms", 50)
	v.SetDefault("coalesce.sink_timeout_ms", 5000)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_base_ms", 2000)
	v.SetDefault("progress.monotonic", false)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "entity_snapshots")
	v.SetDefault("database.ensure_schema", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("loop.buffer_size", 1024)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Stream.BaseURL == "" {
		return fmt.Errorf("stream.base_url is required")
	}
	if _, err := stream.Endpoint(c.Stream.BaseURL, c.Stream.PathTemplate, "probe"); err != nil {
		return fmt.Errorf("stream.base_url: %w", err)
	}
	switch c.Stream.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("stream.transport must be %q or %q, got %q", TransportHTTP, TransportWebSocket, c.Stream.Transport)
	}
	if c.Coalesce.FlushDelayMs <= 0 {
		return fmt.Errorf("coalesce.flush_delay_ms must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffBaseMs <= 0 {
		return fmt.Errorf("retry.backoff_base_ms must be > 0")
	}
	if len(c.Stages) > 0 {
		if _, err := stage.NewCatalog(c.Stages...); err != nil {
			return fmt.Errorf("stages: %w", err)
		}
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// Catalog returns the configured stage catalog, or the default pipeline when
// no stages are configured.
func (c Config) Catalog() (*stage.Catalog, error) {
	if len(c.Stages) == 0 {
		return stage.DefaultCatalog(), nil
	}
	catalog, err := stage.NewCatalog(c.Stages...)
	if err != nil {
		return nil, fmt.Errorf("stages: %w", err)
	}
	return catalog, nil
}

// FlushDelay returns the coalescing window.
func (c Config) FlushDelay() time.Duration {
	return time.Duration(c.Coalesce.FlushDelayMs) * time.Millisecond
}

// SinkTimeout returns the per-sink deadline used while flushing.
func (c Config) SinkTimeout() time.Duration {
	return time.Duration(c.Coalesce.SinkTimeoutMs) * time.Millisecond
}

// BackoffBase returns the unit of reconnect backoff.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMs) * time.Millisecond
}

// ShutdownTimeout returns how long shutdown may take.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
