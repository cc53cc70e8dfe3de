package task

import "errors"

// Sentinel errors for Tree and Manager operations. Invariant violations are
// always caught before a mutation is committed, so the tree never observes a partially-applied
// change.
var (
	ErrNotFound          = errors.New("task not found")
	ErrCycle             = errors.New("dependency cycle detected")
	ErrOrphanedParent    = errors.New("parent_id references a missing task")
	ErrOrphanedChild     = errors.New("children reference a missing task")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateTask     = errors.New("task already exists")
	// ErrMaxRetriesExceeded marks a failure that exhausted the retry
	// budget; the task stays Failed and no retry is scheduled.
	ErrMaxRetriesExceeded = errors.New("task: max retries exceeded")
)
