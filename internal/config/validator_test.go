package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePeerURL(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:4443/ws", false},
		{"wss", "wss://peer.example.com/ws", false},
		{"empty", "", true},
		{"http scheme", "http://localhost:4443", true},
		{"missing host", "ws:///ws", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePeerURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort(1))
	assert.NoError(t, v.ValidatePort(65535))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(70000))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidateCronSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCronSchedule(""))
	assert.NoError(t, v.ValidateCronSchedule("@every 1h"))
	assert.NoError(t, v.ValidateCronSchedule("0 3 * * *"))
	assert.Error(t, v.ValidateCronSchedule("every hour"))
}

func TestValidateSampleRatio(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSampleRatio(0))
	assert.NoError(t, v.ValidateSampleRatio(0.25))
	assert.Error(t, v.ValidateSampleRatio(1.5))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	assert.Empty(t, v.ValidateConfig(DefaultConfig()))

	cfg := DefaultConfig()
	cfg.Queue.WarnAfterMs = -1
	cfg.Peer.RequestTimeoutMs = -1
	cfg.Tracing.Enabled = true
	cfg.Tracing.SampleRatio = 2

	errs := v.ValidateConfig(cfg)
	assert.Len(t, errs, 3)
}
