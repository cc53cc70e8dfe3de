package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, Validate("session", DefaultSessionConfig()))
	assert.NoError(t, Validate("tasks", DefaultTaskManagerConfig()))
	assert.NoError(t, Validate("rate_limit", DefaultRateLimitConfig()))
	assert.NoError(t, Validate("context", DefaultContextConfig()))
	assert.NoError(t, Validate("error_recovery", DefaultErrorRecoveryConfig()))
	assert.NoError(t, Validate("recovery", DefaultRecoveryConfig()))
	assert.NoError(t, Validate("logging", DefaultLoggingConfig()))
}

func TestSessionConfigRejectsZeroIntervals(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.AutoSaveIntervalMinutes = 0
	assert.Error(t, Validate("session", cfg))

	cfg = DefaultSessionConfig()
	cfg.SignificantProgressThreshold = 150
	assert.Error(t, Validate("session", cfg))
}

func TestRateLimitConfigBounds(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.MaxTokensPerMinute = 0
	assert.Error(t, Validate("rate_limit", cfg))

	cfg = DefaultRateLimitConfig()
	cfg.BackoffMultiplier = 0.5
	assert.Error(t, Validate("rate_limit", cfg))
}

func TestContextConfigBounds(t *testing.T) {
	cfg := DefaultContextConfig()
	cfg.CompressionThreshold = 1.5
	assert.Error(t, Validate("context", cfg))

	cfg = DefaultContextConfig()
	cfg.MaxHistoryLength = 3
	assert.Error(t, Validate("context", cfg), "history shorter than the hard keep-last-5 floor")
}

func TestContainerConfigRequiresImageAndPaths(t *testing.T) {
	cfg := ContainerConfig{WorkspacePath: "/w", ACAPath: "/w/.aca"}
	assert.Error(t, Validate("container", cfg))

	cfg.Image = "ubuntu:24.04"
	assert.NoError(t, Validate("container", cfg))
}

func TestValidationErrorNamesComponent(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.AutoCheckpointIntervalMinutes = -1
	err := Validate("session", cfg)
	assert.ErrorContains(t, err, "session")
}

func TestDefaultErrorRecoveryTimeout(t *testing.T) {
	assert.Equal(t, 60*time.Second, DefaultErrorRecoveryConfig().CircuitBreakerTimeout)
}
