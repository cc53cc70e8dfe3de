package task

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentrt/aca/pkg/config"
)

// Manager is the single-writer façade over a Tree. All mutation
// goes through Manager so retry policy, parent auto-completion, cleanup and
// event emission stay consistent; Tree itself remains safe for concurrent
// reads from the auto-save loop while Manager serializes writers.
type Manager struct {
	tree   *Tree
	cfg    config.TaskManagerConfig
	events *handlerRegistry

	// writeMu serializes multi-step mutations (e.g. "fail then maybe
	// schedule retry then maybe auto-complete parent") that would otherwise
	// race even though each individual Tree call is already atomic.
	writeMu sync.Mutex

	now func() time.Time
}

// NewManager constructs a Manager over tree. Handlers passed here are
// bound at construction rather than through a global registry.
func NewManager(tree *Tree, cfg config.TaskManagerConfig, handlers ...Handler) *Manager {
	return &Manager{
		tree:   tree,
		cfg:    cfg,
		events: newHandlerRegistry(handlers),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnEvent registers an additional handler after construction.
func (m *Manager) OnEvent(h Handler) { m.events.register(h) }

// Tree exposes the underlying graph for read-only callers (scheduler,
// persistence snapshotting).
func (m *Manager) Tree() *Tree { return m.tree }

// AddTask inserts a task and emits EventCreated.
func (m *Manager) AddTask(tk *Task) (string, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	id, err := m.tree.AddTask(tk)
	if err != nil {
		return "", err
	}
	m.events.emit(Event{Kind: EventCreated, TaskID: id})
	return id, nil
}

// CreateFromSpec builds and inserts a task from a Spec.
func (m *Manager) CreateFromSpec(spec Spec, parent *string) (string, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	id, err := m.tree.CreateFromSpec(spec, parent)
	if err != nil {
		return "", err
	}
	m.events.emit(Event{Kind: EventCreated, TaskID: id})
	return id, nil
}

// SpawnChild creates a dynamic subtask under an InProgress parent.
func (m *Manager) SpawnChild(parentID string, spec Spec) (string, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	id, err := m.tree.AddChild(parentID, spec)
	if err != nil {
		return "", err
	}
	m.events.emit(Event{Kind: EventCreated, TaskID: id, Detail: "spawned from " + parentID})
	return id, nil
}

// Get retrieves a task.
func (m *Manager) Get(id string) (*Task, error) { return m.tree.Get(id) }

// Eligible returns the currently-runnable task ids.
func (m *Manager) Eligible() []string { return m.tree.Eligible() }

// Start transitions a task from Pending to InProgress.
func (m *Manager) Start(id string, estimatedCompletion *time.Time) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.tree.UpdateStatus(id, InProgress(m.now(), estimatedCompletion))
}

// Complete transitions a task to Completed and, if it has a parent, checks
// whether the parent should auto-complete.
func (m *Manager) Complete(id string, result Result) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.tree.UpdateStatus(id, Completed(m.now(), result)); err != nil {
		return err
	}
	m.events.emit(Event{Kind: EventStatusChanged, TaskID: id, ToKind: KindCompleted})

	tk, err := m.tree.Get(id)
	if err != nil {
		return nil // task vanished concurrently; nothing more to do
	}
	if tk.ParentID != nil {
		m.maybeAutoCompleteParentLocked(*tk.ParentID)
	}
	return nil
}

// Skip transitions a task to Skipped.
func (m *Manager) Skip(id, reason string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.tree.UpdateStatus(id, Skipped(reason, m.now())); err != nil {
		return err
	}
	m.events.emit(Event{Kind: EventStatusChanged, TaskID: id, ToKind: KindSkipped})
	return nil
}

// Block transitions a task to Blocked with an optional retry time.
func (m *Manager) Block(id, reason string, retryAfter *time.Time) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.tree.UpdateStatus(id, Blocked(reason, m.now(), retryAfter)); err != nil {
		return err
	}
	m.events.emit(Event{Kind: EventStatusChanged, TaskID: id, ToKind: KindBlocked, Detail: reason})
	return nil
}

// Unblock moves a Blocked task back to Pending, either because RetryAfter
// has elapsed or an operator manually unblocked it.
func (m *Manager) Unblock(id string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.tree.UpdateStatus(id, Pending()); err != nil {
		return err
	}
	m.events.emit(Event{Kind: EventStatusChanged, TaskID: id, ToKind: KindPending})
	return nil
}

// Fail transitions a task to Failed and applies retry policy: if
// auto-retry is enabled and the task's persistent RetryCount has not
// reached MaxRetryAttempts, the count is bumped and the task moves to
// Blocked with RetryAfter = now + RetryDelay. A failure past the budget
// leaves the task Failed and returns ErrMaxRetriesExceeded (the status
// change still commits — the sentinel tells the caller the task is
// terminal, not that the mutation failed).
func (m *Manager) Fail(id, errText string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tk, err := m.tree.Get(id)
	if err != nil {
		return err
	}
	retryCount := tk.RetryCount
	if err := m.tree.UpdateStatus(id, Failed(m.now(), errText, retryCount)); err != nil {
		return err
	}
	m.events.emit(Event{Kind: EventStatusChanged, TaskID: id, ToKind: KindFailed, Detail: errText})

	if !m.cfg.AutoRetryFailedTasks {
		return nil
	}
	if retryCount >= m.cfg.MaxRetryAttempts {
		m.events.emit(Event{Kind: EventMaxRetriesExceeded, TaskID: id, Detail: errText})
		return ErrMaxRetriesExceeded
	}

	if _, err := m.tree.BumpRetryCount(id); err != nil {
		return err
	}
	retryAt := m.now().Add(time.Duration(m.cfg.RetryDelayMinutes) * time.Minute)
	if err := m.tree.UpdateStatus(id, Blocked("retry scheduled", m.now(), &retryAt)); err != nil {
		return err
	}
	m.events.emit(Event{Kind: EventRetryScheduled, TaskID: id})
	return nil
}

// RetryIfDue scans Blocked tasks whose RetryAfter has elapsed and unblocks
// them. Returns the ids unblocked.
func (m *Manager) RetryIfDue() []string {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	now := m.now()
	var unblocked []string
	for _, tk := range m.tree.All() {
		if tk.Status.Kind != KindBlocked || tk.Status.RetryAfter == nil {
			continue
		}
		if now.Before(*tk.Status.RetryAfter) {
			continue
		}
		if err := m.tree.UpdateStatus(tk.ID, Pending()); err == nil {
			unblocked = append(unblocked, tk.ID)
			m.events.emit(Event{Kind: EventStatusChanged, TaskID: tk.ID, ToKind: KindPending})
		}
	}
	return unblocked
}

// maybeAutoCompleteParentLocked implements "when the last child
// of a parent reaches a terminal state and all are Completed, parent
// transitions to Completed with a synthetic success result." Caller must
// hold writeMu.
func (m *Manager) maybeAutoCompleteParentLocked(parentID string) {
	parent, err := m.tree.Get(parentID)
	if err != nil || parent.Status.Kind != KindInProgress || len(parent.Children) == 0 {
		return
	}
	allCompleted := true
	for _, childID := range parent.Children {
		child, err := m.tree.Get(childID)
		if err != nil || child.Status.Kind != KindCompleted {
			allCompleted = false
			break
		}
	}
	if !allCompleted {
		return
	}
	synthetic := Result{Output: map[string]string{"auto_completed_from": "children"}}
	if err := m.tree.UpdateStatus(parentID, Completed(m.now(), synthetic)); err != nil {
		return
	}
	m.events.emit(Event{Kind: EventAutoCompleted, TaskID: parentID})

	grandparent, err := m.tree.Get(parentID)
	if err == nil && grandparent.ParentID != nil {
		m.maybeAutoCompleteParentLocked(*grandparent.ParentID)
	}
}

// Remove deletes a task via the Tree, emitting EventRemoved.
func (m *Manager) Remove(id string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.tree.Remove(id); err != nil {
		return err
	}
	m.events.emit(Event{Kind: EventRemoved, TaskID: id})
	return nil
}

// Cleanup removes Completed tasks with no children that are older than
// CleanupAfterHours. No-ops when
// AutoCleanupCompleted is false.
func (m *Manager) Cleanup() int {
	if !m.cfg.AutoCleanupCompleted {
		return 0
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cutoff := m.now().Add(-time.Duration(m.cfg.CleanupAfterHours) * time.Hour)
	removed := 0
	for _, tk := range m.tree.All() {
		if tk.Status.Kind != KindCompleted || len(tk.Children) != 0 {
			continue
		}
		if tk.Status.CompletedAt.After(cutoff) {
			continue
		}
		if err := m.tree.Remove(tk.ID); err == nil {
			removed++
			m.events.emit(Event{Kind: EventCleanedUp, TaskID: tk.ID})
		}
	}
	if removed > 0 {
		slog.Info("task cleanup removed completed tasks", "count", removed)
	}
	return removed
}

// IntegrityReport describes structural problems found by Validate.
type IntegrityReport struct {
	OrphanedParents  []string
	BrokenChildren   []string
	Cycles           []string
}

// (Healthy reports whether no issues were found.)
func (r IntegrityReport) Healthy() bool {
	return len(r.OrphanedParents) == 0 && len(r.BrokenChildren) == 0 && len(r.Cycles) == 0
}

// Validate checks tree integrity without mutating anything.
func (m *Manager) Validate() IntegrityReport {
	var report IntegrityReport
	all := m.tree.All()
	byID := make(map[string]*Task, len(all))
	for _, tk := range all {
		byID[tk.ID] = tk
	}
	for _, tk := range all {
		if tk.ParentID != nil {
			if _, ok := byID[*tk.ParentID]; !ok {
				report.OrphanedParents = append(report.OrphanedParents, tk.ID)
			}
		}
		for _, childID := range tk.Children {
			if _, ok := byID[childID]; !ok {
				report.BrokenChildren = append(report.BrokenChildren, tk.ID)
			}
		}
		if m.tree.HasCycle(tk.ID) {
			report.Cycles = append(report.Cycles, tk.ID)
		}
	}
	return report
}

// FindDuplicates returns candidate duplicate pairs among Pending tasks using
// Jaccard similarity over title+description.
func (m *Manager) FindDuplicates(threshold float64) [][2]string {
	var pairs [][2]string
	all := m.tree.All()
	for i := 0; i < len(all); i++ {
		if all[i].Status.Kind != KindPending {
			continue
		}
		for j := i + 1; j < len(all); j++ {
			if all[j].Status.Kind != KindPending {
				continue
			}
			if similarTasks(all[i], all[j], threshold) {
				pairs = append(pairs, [2]string{all[i].ID, all[j].ID})
			}
		}
	}
	return pairs
}

// MergeDuplicate merges dup into primary (union of dependencies, tags, file
// refs) and removes dup from the tree.
func (m *Manager) MergeDuplicate(primaryID, dupID string) error {
	m.writeMu.Lock()
	primary, err := m.tree.Get(primaryID)
	if err != nil {
		m.writeMu.Unlock()
		return err
	}
	dup, err := m.tree.Get(dupID)
	if err != nil {
		m.writeMu.Unlock()
		return err
	}
	mergeDuplicate(primary, dup)
	m.writeMu.Unlock()

	// Persist the merged primary by replacing it via LoadSnapshot-free path:
	// re-insert is not supported, so apply the union fields through a
	// direct snapshot round-trip guarded by the tree's own lock.
	tasks, roots, version := m.tree.Snapshot()
	tasks[primaryID] = primary
	m.tree.LoadSnapshot(tasks, roots, version)

	return m.Remove(dupID)
}
