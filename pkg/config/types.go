// Package config holds the plain configuration structs consumed by every
// subsystem of the agent runtime. It intentionally does not parse config
// files or CLI flags — an operator-facing front end owns that and hands
// these structs to each component as already-decoded construction
// parameters.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation and wraps the first failure in a
// ValidationError so callers get a component name in the error text.
func Validate(component string, cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		return NewValidationError(component, "", err)
	}
	return nil
}

// SessionConfig controls the Session Manager's background loops and
// recovery behavior.
type SessionConfig struct {
	AutoSaveIntervalMinutes        int  `validate:"min=1"`
	AutoCheckpointIntervalMinutes  int  `validate:"min=1"`
	CheckpointOnSignificantProgress bool
	SignificantProgressThreshold   float64 `validate:"min=0,max=100"`
	MaxSessionDurationHours        int     `validate:"min=0"`
	EnableCrashRecovery            bool
	ValidateOnSave                 bool
	CompressCheckpoints            bool
	AutoCleanup                    bool
	MaxCheckpointAgeHours          int `validate:"min=0"`
}

// DefaultSessionConfig returns the standard background-loop intervals.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AutoSaveIntervalMinutes:          5,
		AutoCheckpointIntervalMinutes:    15,
		CheckpointOnSignificantProgress:  true,
		SignificantProgressThreshold:     25,
		MaxSessionDurationHours:          0,
		EnableCrashRecovery:              true,
		ValidateOnSave:                   true,
		CompressCheckpoints:              false,
		AutoCleanup:                      true,
		MaxCheckpointAgeHours:            168,
	}
}

// TaskManagerConfig controls retry, cleanup and concurrency policy for the
// Task Manager.
type TaskManagerConfig struct {
	AutoRetryFailedTasks  bool
	MaxRetryAttempts      int `validate:"min=0"`
	RetryDelayMinutes     int `validate:"min=0"`
	AutoCleanupCompleted  bool
	CleanupAfterHours     int `validate:"min=0"`
	MaxConcurrentTasks    int `validate:"min=1"`
}

// DefaultTaskManagerConfig returns sane defaults for retry and cleanup.
func DefaultTaskManagerConfig() TaskManagerConfig {
	return TaskManagerConfig{
		AutoRetryFailedTasks: true,
		MaxRetryAttempts:     3,
		RetryDelayMinutes:    5,
		AutoCleanupCompleted: true,
		CleanupAfterHours:    24,
		MaxConcurrentTasks:   4,
	}
}

// RateLimitConfig is the per-provider token+request bucket configuration.
type RateLimitConfig struct {
	MaxTokensPerMinute   uint64        `validate:"min=1"`
	MaxRequestsPerMinute uint32        `validate:"min=1"`
	BurstAllowance       uint64        `validate:"min=0"`
	BackoffMultiplier    float64       `validate:"min=1"`
	MaxBackoffDelay      time.Duration `validate:"min=0"`
}

// DefaultRateLimitConfig returns limits sized for a typical Claude-tier provider.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxTokensPerMinute:   100_000,
		MaxRequestsPerMinute: 50,
		BurstAllowance:       10_000,
		BackoffMultiplier:    2.0,
		MaxBackoffDelay:      30 * time.Second,
	}
}

// ContextConfig controls the conversation Context Manager's pruning policy.
type ContextConfig struct {
	CompressionThreshold float64 `validate:"min=0,max=1"`
	MaxHistoryLength     int     `validate:"min=5"`
	RelevanceThreshold   float64 `validate:"min=0,max=1"`
}

// DefaultContextConfig returns the standard context pruning thresholds.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		CompressionThreshold: 0.8,
		MaxHistoryLength:     50,
		RelevanceThreshold:   0.3,
	}
}

// ErrorRecoveryConfig controls retry ceilings and the circuit breaker.
type ErrorRecoveryConfig struct {
	MaxRetries              int           `validate:"min=0"`
	CircuitBreakerThreshold int           `validate:"min=1"`
	CircuitBreakerTimeout   time.Duration `validate:"min=0"`
	EnableFallbackModels    bool
}

// DefaultErrorRecoveryConfig returns the standard retry and breaker settings.
func DefaultErrorRecoveryConfig() ErrorRecoveryConfig {
	return ErrorRecoveryConfig{
		MaxRetries:              3,
		CircuitBreakerThreshold: 1,
		CircuitBreakerTimeout:   60 * time.Second,
		EnableFallbackModels:    false,
	}
}

// RecoveryConfig controls the Recovery Engine's auto-recovery and
// validation behavior.
type RecoveryConfig struct {
	AutoRecoveryEnabled     bool
	MaxRecoveryAttempts     int           `validate:"min=1"`
	RecoveryTimeout         time.Duration `validate:"min=0"`
	ValidateStateOnRecovery bool
	CreateRecoveryCheckpoint bool
	PreserveCorruptedData   bool
}

// DefaultRecoveryConfig returns conservative crash-recovery settings.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		AutoRecoveryEnabled:      true,
		MaxRecoveryAttempts:      3,
		RecoveryTimeout:          30 * time.Minute,
		ValidateStateOnRecovery:  true,
		CreateRecoveryCheckpoint: true,
		PreserveCorruptedData:    true,
	}
}

// ContainerConfig describes the per-session sandbox image and resource
// limits.
type ContainerConfig struct {
	Image         string `validate:"required"`
	WorkspacePath string `validate:"required"`
	ACAPath       string `validate:"required"`
	MemoryBytes   int64  `validate:"min=0"`
	CPUQuota      int64  `validate:"min=0"`
	AutoRemove    bool
}

// LoggingConfig controls provider-interaction logging.
type LoggingConfig struct {
	Enabled         bool
	TrackToolUses   bool
	TrackCommands   bool
	MaxPreviewChars int `validate:"min=0"`
}

// DefaultLoggingConfig enables full interaction logging with a 500-char preview.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Enabled:         true,
		TrackToolUses:   true,
		TrackCommands:   true,
		MaxPreviewChars: 500,
	}
}

// SchedulerWeights holds the configurable multi-factor scoring weights used
// by the Scheduler. All factors default to 1.0 (the raw
// formula's output is used as-is); an operator may tune them to bias
// selection without touching the scoring code.
type SchedulerWeights struct {
	Priority           float64
	Dependency         float64
	ContextSimilarity  float64
	Resource           float64
	HistoryPenalty     float64
	AgeBonus           float64
	Complexity         float64
	// Randomization selects the policy: 0 = argmax, 1 = uniform random,
	// otherwise weighted-random proportional to score.
	Randomization float64
}

// DefaultSchedulerWeights returns neutral (1.0) weights for every factor.
func DefaultSchedulerWeights() SchedulerWeights {
	return SchedulerWeights{
		Priority:          1,
		Dependency:        1,
		ContextSimilarity: 1,
		Resource:          1,
		HistoryPenalty:    1,
		AgeBonus:          1,
		Complexity:        1,
		Randomization:     0,
	}
}
