// Package config loads engine configuration from ferrite.toml and FERRITE_*
// environment overrides, and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig is the ops HTTP surface.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LanguageConfig selects the external execution lane.
type LanguageConfig struct {
	// Name is "typescript", "starlark", or "go".
	Name string `mapstructure:"name"`

	// ProjectRoot anchors handler source resolution.
	ProjectRoot string `mapstructure:"project_root"`

	// TimeoutSeconds bounds every external dispatch.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AdapterConfig selects the pub/sub transport.
type AdapterConfig struct {
	// Type is "memory" or "redis".
	Type string `mapstructure:"type"`

	// BufferSize is the per-subscriber queue depth for the memory adapter.
	BufferSize int `mapstructure:"buffer_size"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	// Path is the SQLite file for durable traces; empty keeps traces in
	// memory only.
	Path string `mapstructure:"path"`

	// MaxTraces bounds the in-memory store.
	MaxTraces int `mapstructure:"max_traces"`

	// RetentionDays drives the hourly sweep; 0 keeps traces forever.
	RetentionDays int `mapstructure:"retention_days"`
}

// WorkerConfig tunes the script lane's subprocess pool.
type WorkerConfig struct {
	MaxWorkers int      `mapstructure:"max_workers"`
	Bin        string   `mapstructure:"bin"`
	Args       []string `mapstructure:"args"`
}

// EventConfig tunes the bus.
type EventConfig struct {
	// MaxTriggerDepth caps cascade republishes; 0 disables the guard, -1
	// means the bus default.
	MaxTriggerDepth int `mapstructure:"max_trigger_depth"`
}

// Config is the full engine configuration.
type Config struct {
	SchemaPath string `mapstructure:"schema_path"`
	LogLevel   string `mapstructure:"log_level"`

	Server    ServerConfig    `mapstructure:"server"`
	Language  LanguageConfig  `mapstructure:"language"`
	Adapter   AdapterConfig   `mapstructure:"adapter"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Event     EventConfig     `mapstructure:"event"`
}

// Load reads ferrite.toml from the given path (or the working directory when
// empty), applies FERRITE_* environment overrides, and fills defaults. A
// missing config file is not an error; defaults plus environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("ferrite")
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FERRITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("schema_path", "schema.yaml")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("language.name", "typescript")
	v.SetDefault("language.project_root", ".")
	v.SetDefault("language.timeout_seconds", 30)
	v.SetDefault("adapter.type", "memory")
	v.SetDefault("adapter.buffer_size", 256)
	v.SetDefault("adapter.redis_addr", "localhost:6379")
	v.SetDefault("telemetry.max_traces", 1000)
	v.SetDefault("telemetry.retention_days", 7)
	v.SetDefault("worker.max_workers", 4)
	v.SetDefault("event.max_trigger_depth", -1)
}

// Level parses the configured log level, defaulting to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
