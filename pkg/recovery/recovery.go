package recovery

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/agentrt/aca/pkg/config"
	"github.com/agentrt/aca/pkg/persistence"
)

// Engine is the C9 recovery engine: crash recovery and state validation
// layered on top of a persistence.Engine.
type Engine struct {
	store *persistence.Engine
	cfg   config.RecoveryConfig
	log   *slog.Logger
}

func NewEngine(store *persistence.Engine, cfg config.RecoveryConfig, log *slog.Logger) *Engine {
	return &Engine{store: store, cfg: cfg, log: log}
}

// ShouldAutoRecover reports whether automatic recovery is enabled.
func (e *Engine) ShouldAutoRecover() bool { return e.cfg.AutoRecoveryEnabled }

// AutoRecover tries the canonical session file first, then every checkpoint
// in newest-first order, stopping at the first state that loads (and, if
// ValidateStateOnRecovery is set, validates cleanly).
func (e *Engine) AutoRecover() Result {
	var attempts []Attempt

	if state, err := e.store.LoadSession(); err == nil {
		if !e.cfg.ValidateStateOnRecovery {
			return Result{Success: true, State: &state, Source: SourceSessionFile, Identifier: "session.json", Attempts: attempts}
		}
		validation := Validate(state)
		if validation.Valid {
			return Result{Success: true, State: &state, Source: SourceSessionFile, Identifier: "session.json",
				Attempts: attempts, Warnings: issueDetails(validation.Warnings)}
		}
		attempts = append(attempts, Attempt{Source: SourceSessionFile, Identifier: "session.json",
			Error: "validation failed: " + issueDetails(validation.Errors)[0]})
	} else if !errors.Is(err, persistence.ErrNotFound) {
		attempts = append(attempts, Attempt{Source: SourceSessionFile, Identifier: "session.json", Error: err.Error()})
	}

	checkpoints, err := e.store.ListCheckpoints()
	if err != nil {
		attempts = append(attempts, Attempt{Source: SourceCheckpoint, Identifier: "<list>", Error: err.Error()})
	}

	for _, cp := range checkpoints {
		state, err := e.store.LoadCheckpoint(cp.ID)
		if err != nil {
			attempts = append(attempts, Attempt{Source: SourceCheckpoint, Identifier: cp.ID, Error: err.Error()})
			continue
		}
		if !e.cfg.ValidateStateOnRecovery {
			return Result{Success: true, State: &state, Source: SourceCheckpoint, Identifier: cp.ID, Attempts: attempts}
		}
		validation := Validate(state)
		if validation.Valid {
			return Result{Success: true, State: &state, Source: SourceCheckpoint, Identifier: cp.ID,
				Attempts: attempts, Warnings: issueDetails(validation.Warnings)}
		}
		attempts = append(attempts, Attempt{Source: SourceCheckpoint, Identifier: cp.ID,
			Error: "validation failed: " + issueDetails(validation.Errors)[0]})
	}

	e.log.Warn("auto recovery exhausted all sources", "attempts", len(attempts))
	return Result{Success: false, Attempts: attempts, Warnings: []string{"all recovery attempts failed"}}
}

// RecoverFromCheckpoint is the explicit, operator-directed restore path. It
// is more lenient than AutoRecover's fallback loop: a validation failure is
// reported as a warning on an otherwise-successful recovery rather than
// rejecting the checkpoint outright.
func (e *Engine) RecoverFromCheckpoint(id string) Result {
	state, err := e.store.LoadCheckpoint(id)
	if err != nil {
		return Result{Success: false, Attempts: []Attempt{{Source: SourceCheckpoint, Identifier: id, Error: err.Error()}}}
	}

	validation := Validate(state)
	result := Result{Success: true, State: &state, Source: SourceCheckpoint, Identifier: id}
	if !validation.Valid {
		result.Warnings = append(result.Warnings, "restored checkpoint failed validation")
		result.ValidationErrors = validation.Errors
	}
	result.Warnings = append(result.Warnings, issueDetails(validation.Warnings)...)
	return result
}

// CreateEmergencyCheckpoint snapshots the live state before a potentially
// destructive recovery operation, tagged pre_recovery so it can be told
// apart from ordinary checkpoints.
func (e *Engine) CreateEmergencyCheckpoint(state persistence.SessionState) (string, error) {
	info, err := e.store.CreateCheckpoint(state, "emergency checkpoint before recovery",
		persistence.CheckpointTrigger{Kind: persistence.TriggerPreRecovery, Automatic: true})
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// RecoverAndCorrect runs AutoRecover, and if it succeeds with correctable
// issues present, applies AutoCorrect and writes an emergency checkpoint of
// the pre-correction state first (when configured to do so).
func (e *Engine) RecoverAndCorrect() Result {
	result := e.AutoRecover()
	if !result.Success || result.State == nil {
		return result
	}

	validation := Validate(*result.State)
	if len(validation.Correctable) == 0 {
		return result
	}

	if e.cfg.CreateRecoveryCheckpoint {
		if _, err := e.CreateEmergencyCheckpoint(*result.State); err != nil {
			e.log.Warn("failed to write emergency checkpoint before auto-correction", "error", err)
		}
	}

	corrected := AutoCorrect(*result.State, validation.Correctable)
	result.State = &corrected
	result.Warnings = append(result.Warnings, "auto-corrected "+issueSummary(validation.Correctable))
	return result
}

func issueDetails(issues []Issue) []string {
	if len(issues) == 0 {
		return []string{""}
	}
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = string(issue.Kind) + ": " + issue.Detail
	}
	return out
}

func issueSummary(issues []Issue) string {
	counts := map[IssueKind]int{}
	for _, issue := range issues {
		counts[issue.Kind]++
	}
	summary := ""
	for kind, n := range counts {
		if summary != "" {
			summary += ", "
		}
		summary += string(kind) + "x" + strconv.Itoa(n)
	}
	return summary
}
