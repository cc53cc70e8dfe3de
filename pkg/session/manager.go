// Package session implements the Session Manager (C10): the top-level
// owner of one session's task tree, persistence, recovery, and background
// save/checkpoint loops.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/aca/pkg/config"
	"github.com/agentrt/aca/pkg/llm"
	"github.com/agentrt/aca/pkg/persistence"
	"github.com/agentrt/aca/pkg/recovery"
	"github.com/agentrt/aca/pkg/scheduler"
	"github.com/agentrt/aca/pkg/task"
)

// RestoreOption selects how a Manager's state is seeded at construction.
type RestoreOption struct {
	FromCheckpoint *string // explicit checkpoint id, or nil for auto-recovery
}

// Manager owns one session: its TaskTree, PersistenceEngine, RecoveryEngine,
// provider dispatchers, and (optionally) a container lifecycle. It is the
// single place background loops and the driver loop go through to read or
// mutate session-wide state.
type Manager struct {
	id            string
	workspaceRoot string

	cfg      config.SessionConfig
	tasksCfg config.TaskManagerConfig

	tree      *task.Tree
	tasks     *task.Manager
	scheduler *scheduler.Scheduler
	store     *persistence.Engine
	recoverer *recovery.Engine

	dispatchersMu sync.RWMutex
	dispatchers   map[string]*llm.Dispatcher
	usage         *llm.UsageTracker

	container ContainerLifecycle

	mu          sync.Mutex
	autoSave    bool
	lastPercent float64

	cancel context.CancelFunc
	done   chan struct{}

	log *slog.Logger
	now func() time.Time
}

// ContainerLifecycle is the subset of C11 the Session Manager depends on,
// kept as an interface so a session can run with no sandbox at all.
type ContainerLifecycle interface {
	Shutdown(ctx context.Context) error
}

// New constructs a Manager: generates a fresh session id, roots C8/C9 at
// workspaceRoot, builds a fresh TaskTree, then restores from a checkpoint or
// attempts auto-recovery before starting background loops.
func New(workspaceRoot string, cfg config.SessionConfig, tasksCfg config.TaskManagerConfig,
	recoveryCfg config.RecoveryConfig, schedulerWeights config.SchedulerWeights, restore RestoreOption,
	log *slog.Logger) (*Manager, error) {

	id := uuid.NewString()

	store, err := persistence.NewEngine(workspaceRoot, id, cfg, log)
	if err != nil {
		return nil, err
	}
	recoverer := recovery.NewEngine(store, recoveryCfg, log)

	tree := task.NewTree()
	tasks := task.NewManager(tree, tasksCfg)

	m := &Manager{
		id:            id,
		workspaceRoot: workspaceRoot,
		cfg:           cfg,
		tasksCfg:      tasksCfg,
		tree:          tree,
		tasks:         tasks,
		scheduler:     scheduler.New(schedulerWeights, 0),
		store:         store,
		recoverer:     recoverer,
		dispatchers:   make(map[string]*llm.Dispatcher),
		usage:         llm.NewUsageTracker(),
		autoSave:      true,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}

	m.usage.StartSession(id)

	if restore.FromCheckpoint != nil {
		result := recoverer.RecoverFromCheckpoint(*restore.FromCheckpoint)
		m.applyRecovery(result)
	} else if recoverer.ShouldAutoRecover() {
		result := recoverer.AutoRecover()
		m.applyRecovery(result)
	}

	return m, nil
}

func (m *Manager) applyRecovery(result recovery.Result) {
	if !result.Success || result.State == nil {
		m.log.Warn("no prior session state recovered, starting fresh", "attempts", len(result.Attempts))
		return
	}
	m.tree.LoadSnapshot(result.State.TaskTree.Tasks, result.State.TaskTree.Roots, result.State.TaskTree.Version)
	for _, warning := range result.Warnings {
		m.log.Warn("session recovery warning", "detail", warning)
	}
	m.log.Info("session state recovered", "source", result.Source, "identifier", result.Identifier)
}

// ID returns the session's generated identifier.
func (m *Manager) ID() string { return m.id }

// Tasks returns the Task Manager (C3) this session drives.
func (m *Manager) Tasks() *task.Manager { return m.tasks }

// Scheduler returns the scoring scheduler (C2) this session picks the next
// task with.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Usage returns the session's token/cost usage tracker.
func (m *Manager) Usage() *llm.UsageTracker { return m.usage }

// Store returns the persistence engine (C8) this session writes through.
func (m *Manager) Store() *persistence.Engine { return m.store }

// RegisterDispatcher attaches a named provider dispatcher (C7) to the
// session, e.g. "claude", "codex".
func (m *Manager) RegisterDispatcher(name string, d *llm.Dispatcher) {
	m.dispatchersMu.Lock()
	defer m.dispatchersMu.Unlock()
	m.dispatchers[name] = d
}

// Dispatcher returns a previously registered provider dispatcher.
func (m *Manager) Dispatcher(name string) (*llm.Dispatcher, bool) {
	m.dispatchersMu.RLock()
	defer m.dispatchersMu.RUnlock()
	d, ok := m.dispatchers[name]
	return d, ok
}

// SetContainerLifecycle attaches the session's optional sandbox (C11).
func (m *Manager) SetContainerLifecycle(c ContainerLifecycle) { m.container = c }

// captureState builds a SessionState from the live tree and process
// environment: read-lock the tree, clone metadata, snapshot execution
// context and filesystem state.
func (m *Manager) captureState() persistence.SessionState {
	tasks, roots, version := m.tree.Snapshot()

	cwd, _ := os.Getwd()
	env := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	now := m.now()
	return persistence.SessionState{
		Metadata: persistence.Metadata{
			SessionID:     m.id,
			WorkspaceRoot: m.workspaceRoot,
			CreatedAt:     now,
			UpdatedAt:     now,
			Version:       persistence.CurrentVersion,
		},
		TaskTree: persistence.TaskTreeSnapshot{Tasks: tasks, Roots: roots, Version: version},
		ExecutionContext: persistence.ExecutionContext{
			CurrentWorkingDirectory: cwd,
			EnvironmentVariables:    env,
		},
	}
}

// LogError appends a structured entry to the session's logs/errors/
// directory. Non-retryable failures land here so an operator can audit
// what went wrong after the session is gone from memory.
func (m *Manager) LogError(kind, taskID, message string) {
	line := fmt.Sprintf("%s kind=%s task_id=%s %s\n",
		m.now().Format(time.RFC3339), kind, taskID, message)
	path := filepath.Join(m.store.Layout().LogsErrors, "errors.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.log.Error("error log unavailable", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		m.log.Error("error log write failed", "error", err)
	}
}

// SaveSession captures the live state and writes it via the persistence
// engine, optionally validating first.
func (m *Manager) SaveSession() (persistence.SaveResult, error) {
	state := m.captureState()
	if m.cfg.ValidateOnSave {
		if validation := recovery.Validate(state); !validation.Valid {
			m.log.Warn("session state failed validation at save time", "errors", len(validation.Errors))
		}
	}
	return m.store.SaveSession(state)
}

// CreateCheckpoint captures the live state and writes an immutable
// checkpoint with the given trigger.
func (m *Manager) CreateCheckpoint(description string, trigger persistence.CheckpointTrigger) (persistence.CheckpointInfo, error) {
	return m.store.CreateCheckpoint(m.captureState(), description, trigger)
}

// Start launches the auto-save, auto-checkpoint, and (if configured)
// progress-checkpoint background loops.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	m.log.Info("session manager started", "session_id", m.id,
		"auto_save_minutes", m.cfg.AutoSaveIntervalMinutes,
		"auto_checkpoint_minutes", m.cfg.AutoCheckpointIntervalMinutes)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	saveTicker := time.NewTicker(time.Duration(m.cfg.AutoSaveIntervalMinutes) * time.Minute)
	defer saveTicker.Stop()
	checkpointTicker := time.NewTicker(time.Duration(m.cfg.AutoCheckpointIntervalMinutes) * time.Minute)
	defer checkpointTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-saveTicker.C:
			m.autoSaveTick()
		case <-checkpointTicker.C:
			m.autoCheckpointTick()
		}
	}
}

// autoSaveTick runs on every auto-save tick regardless of the enable flag;
// the flag gates whether the tick does anything.
func (m *Manager) autoSaveTick() {
	m.mu.Lock()
	enabled := m.autoSave
	m.mu.Unlock()
	if !enabled {
		return
	}
	if _, err := m.SaveSession(); err != nil {
		m.log.Error("auto-save failed", "error", err)
	}
}

func (m *Manager) autoCheckpointTick() {
	_, err := m.CreateCheckpoint("automatic time-interval checkpoint",
		persistence.CheckpointTrigger{Kind: persistence.TriggerTimeInterval, Automatic: true})
	if err != nil {
		m.log.Error("auto-checkpoint failed", "error", err)
		return
	}

	if m.cfg.CheckpointOnSignificantProgress {
		m.maybeProgressCheckpoint()
	}

	// The checkpoint tick doubles as the periodic cleanup pass.
	m.tasks.Cleanup()
}

// maybeProgressCheckpoint creates an additional checkpoint when the
// completed-task percentage has crossed SignificantProgressThreshold since
// the last time it fired.
func (m *Manager) maybeProgressCheckpoint() {
	stats := m.tree.Stats()
	if stats.Total == 0 {
		return
	}
	percent := float64(stats.Completed) / float64(stats.Total) * 100

	m.mu.Lock()
	crossed := percent-m.lastPercent >= m.cfg.SignificantProgressThreshold
	if crossed {
		m.lastPercent = percent
	}
	m.mu.Unlock()
	if !crossed {
		return
	}

	if _, err := m.CreateCheckpoint("automatic significant-progress checkpoint",
		persistence.CheckpointTrigger{Kind: persistence.TriggerSignificantProgress, Automatic: true}); err != nil {
		m.log.Error("progress checkpoint failed", "error", err)
	}
}

// Shutdown disables auto-save, writes a terminal manual checkpoint, and
// releases the container lifecycle. It is cooperative: it awaits the
// running background loop's exit before returning.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.autoSave = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
	}

	if _, err := m.CreateCheckpoint("terminal shutdown checkpoint",
		persistence.CheckpointTrigger{Kind: persistence.TriggerManual}); err != nil {
		m.log.Error("terminal checkpoint failed", "error", err)
	}

	if _, err := m.SaveSession(); err != nil {
		m.log.Error("final save failed", "error", err)
	}

	if m.cfg.AutoCleanup {
		if removed, err := m.store.CleanupCheckpoints(time.Duration(m.cfg.MaxCheckpointAgeHours) * time.Hour); err != nil {
			m.log.Warn("checkpoint cleanup failed", "error", err)
		} else if removed > 0 {
			m.log.Info("old checkpoints removed", "count", removed)
		}
	}

	if m.container != nil {
		if err := m.container.Shutdown(ctx); err != nil {
			return err
		}
	}
	m.log.Info("session manager shut down", "session_id", m.id)
	return nil
}
