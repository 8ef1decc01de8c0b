package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config represents the main cmdq configuration
type Config struct {
	// Command queue
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Remote peer the send command dials
	Peer PeerConfig `json:"peer" mapstructure:"peer"`

	// Peer emulator served by the serve command
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Command journal
	Journal JournalConfig `json:"journal" mapstructure:"journal"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// QueueConfig holds command queue settings
type QueueConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	WarnAfterMs int    `json:"warn_after_ms" mapstructure:"warn_after_ms"`
}

// PeerConfig holds signaling client settings
type PeerConfig struct {
	URL              string `json:"url" mapstructure:"url"`
	RequestTimeoutMs int    `json:"request_timeout_ms" mapstructure:"request_timeout_ms"` // 0 waits forever
}

// ServerConfig holds peer emulator settings
type ServerConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	SchemaDir         string `json:"schema_dir" mapstructure:"schema_dir"`
	DedupTTLSeconds   int    `json:"dedup_ttl_seconds" mapstructure:"dedup_ttl_seconds"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"` // per connection, 0 = unlimited
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`           // per connection, 0 = unlimited
}

// JournalConfig holds command journal settings
type JournalConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	Path           string `json:"path" mapstructure:"path"`
	RetentionHours int    `json:"retention_hours" mapstructure:"retention_hours"`
	PruneSchedule  string `json:"prune_schedule" mapstructure:"prune_schedule"` // cron spec, empty disables
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Name:        "main",
			WarnAfterMs: 5000,
		},
		Peer: PeerConfig{
			URL:              "ws://127.0.0.1:4443/ws",
			RequestTimeoutMs: 15000,
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              4443,
			SchemaDir:         "",
			DedupTTLSeconds:   300,
			RequestsPerMinute: 600,
			MaxConcurrent:     10,
		},
		Journal: JournalConfig{
			Enabled:        false,
			RetentionHours: 24 * 7,
			PruneSchedule:  "@every 1h",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "cmdq",
			SampleRatio: 1,
		},
	}
}

// WarnAfter returns the queue warning threshold
func (c *Config) WarnAfter() time.Duration {
	return time.Duration(c.Queue.WarnAfterMs) * time.Millisecond
}

// RequestTimeout returns the signaling request timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Peer.RequestTimeoutMs) * time.Millisecond
}

// DedupTTL returns how long the peer emulator replays cached responses
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Server.DedupTTLSeconds) * time.Second
}

// Retention returns how long journal rows are kept
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Journal.RetentionHours) * time.Hour
}

// ListenAddr returns the peer emulator listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
