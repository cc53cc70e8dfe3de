// Package recovery implements crash recovery and session-state validation
// on top of pkg/persistence.
package recovery

import (
	"os"

	"github.com/agentrt/aca/pkg/persistence"
	"github.com/agentrt/aca/pkg/task"
)

// IssueKind tags a validation finding.
type IssueKind string

const (
	IssueOrphanedTasks          IssueKind = "orphaned_tasks"
	IssueCircularDependencies   IssueKind = "circular_dependencies"
	IssueInvalidTaskReferences  IssueKind = "invalid_task_references"
	IssueVersionMismatch        IssueKind = "version_mismatch"
	IssueFileSystemMismatch     IssueKind = "file_system_mismatch"
)

// Issue is one validation finding against a SessionState.
type Issue struct {
	Kind          IssueKind
	Detail        string
	TaskIDs       []string
	AutoCorrectable bool
}

// ValidationResult is the outcome of validating a SessionState.
type ValidationResult struct {
	Valid      bool
	Errors     []Issue
	Warnings   []Issue
	Correctable []Issue
}

// Source tags where a recovered state came from.
type Source string

const (
	SourceSessionFile Source = "session_file"
	SourceCheckpoint  Source = "checkpoint"
)

// Attempt records one load-and-validate try during auto_recover.
type Attempt struct {
	Source     Source
	Identifier string
	Error      string
}

// Result is the outcome of an auto_recover() or recover_from_checkpoint()
// call.
type Result struct {
	Success       bool
	State         *persistence.SessionState
	Source        Source
	Identifier    string
	Attempts      []Attempt
	Warnings      []string
	ValidationErrors []Issue
}

// validateTaskTree implements the P1-P4 style integrity checks the Task
// Manager enforces live, re-run here against a deserialized snapshot that
// has no Tree guarding it.
func validateTaskTree(snapshot persistence.TaskTreeSnapshot) []Issue {
	var issues []Issue

	var orphaned []string
	for id, tk := range snapshot.Tasks {
		if tk.ParentID != nil {
			if _, ok := snapshot.Tasks[*tk.ParentID]; !ok {
				orphaned = append(orphaned, id)
			}
		}
	}
	if len(orphaned) > 0 {
		issues = append(issues, Issue{Kind: IssueOrphanedTasks, TaskIDs: orphaned, AutoCorrectable: true,
			Detail: "parent_id references a task that no longer exists"})
	}

	var brokenChildren []string
	for _, tk := range snapshot.Tasks {
		for _, childID := range tk.Children {
			if _, ok := snapshot.Tasks[childID]; !ok {
				brokenChildren = append(brokenChildren, childID)
			}
		}
	}
	if len(brokenChildren) > 0 {
		issues = append(issues, Issue{Kind: IssueInvalidTaskReferences, TaskIDs: brokenChildren, AutoCorrectable: false,
			Detail: "children list references a task that no longer exists"})
	}

	for id := range snapshot.Tasks {
		if hasCycle(snapshot.Tasks, id, map[string]bool{}) {
			issues = append(issues, Issue{Kind: IssueCircularDependencies, TaskIDs: []string{id}, AutoCorrectable: false,
				Detail: "dependency graph contains a cycle reachable from this task"})
			break
		}
	}

	return issues
}

func hasCycle(tasks map[string]*task.Task, id string, visiting map[string]bool) bool {
	if visiting[id] {
		return true
	}
	tk, ok := tasks[id]
	if !ok {
		return false
	}
	visiting[id] = true
	for _, dep := range tk.Dependencies {
		if hasCycle(tasks, dep, visiting) {
			return true
		}
	}
	delete(visiting, id)
	return false
}

// validateFileSystem reports, as warnings only, tracked files that no
// longer exist on disk.
func validateFileSystem(fss persistence.FileSystemState) []Issue {
	var warnings []Issue
	for path := range fss.TrackedFiles {
		if _, err := os.Stat(path); err != nil {
			warnings = append(warnings, Issue{Kind: IssueFileSystemMismatch, Detail: "tracked file missing: " + path})
		}
	}
	return warnings
}

// Validate runs every check from the session validation contract against a
// deserialized SessionState.
func Validate(state persistence.SessionState) ValidationResult {
	var result ValidationResult

	treeIssues := validateTaskTree(state.TaskTree)
	for _, issue := range treeIssues {
		if issue.AutoCorrectable {
			result.Correctable = append(result.Correctable, issue)
		} else {
			result.Errors = append(result.Errors, issue)
		}
	}

	if !persistence.CurrentVersion.Compatible(state.Metadata.Version) {
		result.Warnings = append(result.Warnings, Issue{Kind: IssueVersionMismatch,
			Detail: "stored version does not match the running process's major/format version"})
	}

	result.Warnings = append(result.Warnings, validateFileSystem(state.FileSystemState)...)

	result.Valid = len(result.Errors) == 0
	return result
}

// AutoCorrect rewrites the correctable issues in place: orphaned tasks have
// their ParentID cleared, demoting them to roots.
func AutoCorrect(state persistence.SessionState, issues []Issue) persistence.SessionState {
	for _, issue := range issues {
		if issue.Kind != IssueOrphanedTasks {
			continue
		}
		for _, id := range issue.TaskIDs {
			if tk, ok := state.TaskTree.Tasks[id]; ok {
				tk.ParentID = nil
				state.TaskTree.Roots = append(state.TaskTree.Roots, id)
			}
		}
	}
	return state
}
