// Package persistence implements the atomic, checksum-verified save
// protocol for session state and its immutable checkpoints.
package persistence

import (
	"time"

	"github.com/agentrt/aca/pkg/task"
)

// Version is the embedded format marker every SessionState and Checkpoint
// carries. Readers accept any state whose Major and FormatVersion match the
// running process's; a Minor/Patch mismatch is tolerated silently.
type Version struct {
	Major         int
	Minor         int
	Patch         int
	FormatVersion int
}

// CurrentVersion is stamped onto every state this process writes.
var CurrentVersion = Version{Major: 1, Minor: 0, Patch: 0, FormatVersion: 1}

// Compatible reports whether a loaded state's version can be trusted
// without a warning.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major && v.FormatVersion == other.FormatVersion
}

// Metadata is the session-level bookkeeping stored alongside the task tree.
type Metadata struct {
	SessionID    string
	WorkspaceRoot string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      Version
}

// FileMetadata tracks one file the session has touched.
type FileMetadata struct {
	Size        int64
	Modified    time.Time
	Checksum    string
	IsGenerated bool
}

// FileSystemState is a point-in-time record of files the session cares
// about, used by the Recovery Engine to report FileSystemMismatch warnings.
type FileSystemState struct {
	TrackedFiles      map[string]FileMetadata
	WorkspaceFiles    []string
	TempFiles         []string
	CreatedDirectories []string
}

// ResourceUsageSnapshot is an advisory record of resource consumption at
// capture time, not authoritative for scheduling decisions.
type ResourceUsageSnapshot struct {
	MemoryUsageMB      uint64
	CPUUsagePercent    float64
	DiskUsageMB        uint64
	OpenFileHandles    uint32
	NetworkConnections uint32
}

// ExecutionContext is the working-directory and environment snapshot
// captured alongside the task tree.
type ExecutionContext struct {
	CurrentWorkingDirectory string
	EnvironmentVariables    map[string]string
	ActiveFileWatchers      []string
	ResourceUsage           ResourceUsageSnapshot
}

// TaskTreeSnapshot is the serializable form of task.Tree (the live Tree
// holds a mutex and is never marshaled directly).
type TaskTreeSnapshot struct {
	Tasks   map[string]*task.Task
	Roots   []string
	Version uint64
}

// SessionState is the complete unit of persistence: everything the
// Session Manager needs to resume a session exactly where it left off.
type SessionState struct {
	Metadata         Metadata
	TaskTree         TaskTreeSnapshot
	ExecutionContext ExecutionContext
	FileSystemState  FileSystemState
}

// CheckpointTriggerKind tags why a checkpoint was created.
type CheckpointTriggerKind string

const (
	TriggerManual              CheckpointTriggerKind = "manual"
	TriggerTimeInterval        CheckpointTriggerKind = "time_interval"
	TriggerSignificantProgress CheckpointTriggerKind = "significant_progress"
	TriggerPreRecovery         CheckpointTriggerKind = "pre_recovery"
)

// CheckpointTrigger records what caused a checkpoint, including the
// pre-recovery "Error{kind=pre_recovery}" tag the Recovery Engine writes
// before a potentially destructive operation.
type CheckpointTrigger struct {
	Kind      CheckpointTriggerKind
	Automatic bool
}

// CheckpointInfo is the metadata record returned after writing a
// checkpoint file.
type CheckpointInfo struct {
	ID          string
	CreatedAt   time.Time
	Description string
	TaskCount   int
	SizeBytes   int64
	Trigger     CheckpointTrigger
}

// SaveResult summarizes one atomic write.
type SaveResult struct {
	BytesWritten     int64
	Duration         time.Duration
	CompressionRatio *float64
	Checksum         string
}
