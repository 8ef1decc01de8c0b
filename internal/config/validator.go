package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePeerURL validates a signaling peer URL
func (v *Validator) ValidatePeerURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("peer url cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid peer url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid peer url scheme: %s (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("peer url is missing a host")
	}

	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateCronSchedule validates a journal prune schedule. Empty disables pruning.
func (v *Validator) ValidateCronSchedule(spec string) error {
	if spec == "" {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateSampleRatio validates a trace sampling ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("invalid sample ratio: %v (must be between 0 and 1)", ratio)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if strings.TrimSpace(cfg.Queue.Name) == "" {
		errors = append(errors, fmt.Errorf("queue.name is required"))
	}
	if cfg.Queue.WarnAfterMs < 0 {
		errors = append(errors, fmt.Errorf("queue.warn_after_ms must be >= 0"))
	}

	if err := v.ValidatePeerURL(cfg.Peer.URL); err != nil {
		errors = append(errors, err)
	}
	if cfg.Peer.RequestTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("peer.request_timeout_ms must be >= 0"))
	}

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}
	if cfg.Server.DedupTTLSeconds < 0 {
		errors = append(errors, fmt.Errorf("server.dedup_ttl_seconds must be >= 0"))
	}
	if cfg.Server.RequestsPerMinute < 0 || cfg.Server.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("server request limits must be >= 0"))
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Path == "" {
			errors = append(errors, fmt.Errorf("journal.path is required when the journal is enabled"))
		}
		if cfg.Journal.RetentionHours <= 0 {
			errors = append(errors, fmt.Errorf("journal.retention_hours must be > 0"))
		}
		if err := v.ValidateCronSchedule(cfg.Journal.PruneSchedule); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Tracing.Enabled {
		if err := v.ValidateSampleRatio(cfg.Tracing.SampleRatio); err != nil {
			errors = append(errors, err)
		}
	}

	return errors
}
