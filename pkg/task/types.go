// Package task implements the task graph: the hierarchical, dependency-aware
// unit-of-work model at the core of the agent runtime.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority is the task's scheduling weight.
type Priority int

const (
	PriorityBackground Priority = 1
	PriorityLow        Priority = 3
	PriorityNormal     Priority = 5
	PriorityHigh       Priority = 8
	PriorityCritical   Priority = 10
)

// Complexity estimates effort and maps to a default duration.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityEpic     Complexity = "epic"
)

// DefaultDuration returns the default estimated duration for a complexity
// tier.
func (c Complexity) DefaultDuration() time.Duration {
	switch c {
	case ComplexityTrivial:
		return 5 * time.Minute
	case ComplexitySimple:
		return 15 * time.Minute
	case ComplexityModerate:
		return time.Hour
	case ComplexityComplex:
		return 4 * time.Hour
	case ComplexityEpic:
		return 8 * time.Hour
	default:
		return 15 * time.Minute
	}
}

// RepoRef and FileRef annotate a task with the repositories and files it
// touches, each carrying an importance weight the scheduler uses for
// context-similarity scoring.
type RepoRef struct {
	URL        string
	Importance float64
}

type FileRef struct {
	Path       string
	Importance float64
}

// ContextRequirements lists what a task needs present in its execution
// environment before it can run.
type ContextRequirements struct {
	RequiredFiles        []string
	RequiredRepositories []string
	BuildDependencies    []string
	EnvironmentVariables []string
	ContextKeys          []string
}

// Metadata carries scheduling and provenance hints for a Task.
type Metadata struct {
	Priority             Priority
	EstimatedComplexity  *Complexity
	EstimatedDuration    *time.Duration
	RepoRefs             []RepoRef
	FileRefs             []FileRef
	Tags                 []string
	ContextRequirements  ContextRequirements
}

// ResolvedDuration returns the explicit EstimatedDuration if set, otherwise
// falls back to the complexity tier's default, otherwise zero.
func (m Metadata) ResolvedDuration() time.Duration {
	if m.EstimatedDuration != nil {
		return *m.EstimatedDuration
	}
	if m.EstimatedComplexity != nil {
		return m.EstimatedComplexity.DefaultDuration()
	}
	return 0
}

// Result is the payload of a successful completion.
type Result struct {
	Output         map[string]string `json:"output"`
	FilesCreated   []string          `json:"files_created,omitempty"`
	FilesModified  []string          `json:"files_modified,omitempty"`
	BuildArtifacts []string          `json:"build_artifacts,omitempty"`
}

// Status is a closed sum type over the task lifecycle. Exactly one
// of the typed payload fields is meaningful, selected by Kind.
type StatusKind string

const (
	KindPending     StatusKind = "pending"
	KindInProgress  StatusKind = "in_progress"
	KindBlocked     StatusKind = "blocked"
	KindCompleted   StatusKind = "completed"
	KindFailed      StatusKind = "failed"
	KindSkipped     StatusKind = "skipped"
)

// Status is the tagged variant backing Task.Status. Only the fields that
// apply to Kind are populated; this mirrors the Rust enum's per-variant
// payloads without requiring a type switch over interfaces.
type Status struct {
	Kind StatusKind

	// InProgress
	StartedAt            time.Time
	EstimatedCompletion   *time.Time

	// Blocked
	BlockedReason string
	BlockedAt     time.Time
	RetryAfter    *time.Time

	// Completed
	CompletedAt time.Time
	Result      *Result

	// Failed
	FailedAt   time.Time
	Error      string
	RetryCount int

	// Skipped
	SkippedReason string
	SkippedAt     time.Time
}

// IsTerminalSuccess reports whether the status satisfies a dependency.
func (s Status) IsTerminalSuccess() bool {
	return s.Kind == KindCompleted
}

// IsTerminal reports whether the status is one the task will not leave
// without external intervention (retry, manual unblock).
func (s Status) IsTerminal() bool {
	switch s.Kind {
	case KindCompleted, KindSkipped:
		return true
	default:
		return false
	}
}

func Pending() Status { return Status{Kind: KindPending} }

func InProgress(startedAt time.Time, estimatedCompletion *time.Time) Status {
	return Status{Kind: KindInProgress, StartedAt: startedAt, EstimatedCompletion: estimatedCompletion}
}

func Blocked(reason string, blockedAt time.Time, retryAfter *time.Time) Status {
	return Status{Kind: KindBlocked, BlockedReason: reason, BlockedAt: blockedAt, RetryAfter: retryAfter}
}

func Completed(completedAt time.Time, result Result) Status {
	return Status{Kind: KindCompleted, CompletedAt: completedAt, Result: &result}
}

func Failed(failedAt time.Time, errText string, retryCount int) Status {
	return Status{Kind: KindFailed, FailedAt: failedAt, Error: errText, RetryCount: retryCount}
}

func Skipped(reason string, skippedAt time.Time) Status {
	return Status{Kind: KindSkipped, SkippedReason: reason, SkippedAt: skippedAt}
}

// HistoryEntry is one append-only record in Task.ExecutionHistory.
type HistoryEntry struct {
	At      time.Time
	From    StatusKind
	To      StatusKind
	Note    string
}

// Task is a unit of work.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      Status
	ParentID    *string
	Children    []string
	Dependencies []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Metadata    Metadata

	// RetryCount persists across the Failed→Blocked→Pending retry loop;
	// the Failed status payload only carries a point-in-time copy.
	RetryCount int

	// ExecutionHistory is append-only; Tree enforces this on every mutation.
	ExecutionHistory []HistoryEntry
}

// NewID generates an opaque task identifier.
func NewID() string { return uuid.NewString() }

// Clone returns a deep-enough copy for safe external handoff (slices copied,
// the Status.Result map copied).
func (t *Task) Clone() *Task {
	c := *t
	if t.ParentID != nil {
		p := *t.ParentID
		c.ParentID = &p
	}
	c.Children = append([]string(nil), t.Children...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.ExecutionHistory = append([]HistoryEntry(nil), t.ExecutionHistory...)
	c.Metadata.RepoRefs = append([]RepoRef(nil), t.Metadata.RepoRefs...)
	c.Metadata.FileRefs = append([]FileRef(nil), t.Metadata.FileRefs...)
	c.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	if t.Status.Result != nil {
		r := *t.Status.Result
		r.Output = make(map[string]string, len(t.Status.Result.Output))
		for k, v := range t.Status.Result.Output {
			r.Output[k] = v
		}
		c.Status.Result = &r
	}
	return &c
}

// Spec describes a task to be created, the input to CreateFromSpec.
type Spec struct {
	Title        string
	Description  string
	Priority     Priority
	Complexity   *Complexity
	Dependencies []string
	Metadata     Metadata
}
