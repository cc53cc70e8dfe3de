package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrt/aca/pkg/config"
)

type eventCollector struct {
	events []Event
}

func (c *eventCollector) handler() Handler {
	return func(ev Event) { c.events = append(c.events, ev) }
}

func (c *eventCollector) kinds() []EventKind {
	out := make([]EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestManager(cfg config.TaskManagerConfig) (*Manager, *eventCollector) {
	collector := &eventCollector{}
	mgr := NewManager(NewTree(), cfg, collector.handler())
	return mgr, collector
}

func TestCompleteWithoutParentDoesNotAutoComplete(t *testing.T) {
	mgr, events := newTestManager(config.DefaultTaskManagerConfig())

	id, err := mgr.CreateFromSpec(Spec{Title: "t", Description: "d", Priority: PriorityNormal}, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Start(id, nil))
	require.NoError(t, mgr.Complete(id, Result{Output: map[string]string{}}))

	tk, err := mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, KindCompleted, tk.Status.Kind)
	assert.NotContains(t, events.kinds(), EventAutoCompleted)
}

func TestParentAutoCompletion(t *testing.T) {
	mgr, events := newTestManager(config.DefaultTaskManagerConfig())

	parent, err := mgr.CreateFromSpec(Spec{Title: "parent"}, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(parent, nil))

	c1, err := mgr.SpawnChild(parent, Spec{Title: "c1"})
	require.NoError(t, err)
	c2, err := mgr.SpawnChild(parent, Spec{Title: "c2"})
	require.NoError(t, err)

	require.NoError(t, mgr.Start(c1, nil))
	require.NoError(t, mgr.Complete(c1, Result{}))

	p, _ := mgr.Get(parent)
	assert.Equal(t, KindInProgress, p.Status.Kind, "parent must wait for all children")

	require.NoError(t, mgr.Start(c2, nil))
	require.NoError(t, mgr.Complete(c2, Result{}))

	p, _ = mgr.Get(parent)
	assert.Equal(t, KindCompleted, p.Status.Kind)
	require.NotNil(t, p.Status.Result)
	assert.Equal(t, "children", p.Status.Result.Output["auto_completed_from"])
	assert.Contains(t, events.kinds(), EventAutoCompleted)
}

func TestAutoCompletionCascadesToGrandparent(t *testing.T) {
	mgr, _ := newTestManager(config.DefaultTaskManagerConfig())

	gp, _ := mgr.CreateFromSpec(Spec{Title: "gp"}, nil)
	require.NoError(t, mgr.Start(gp, nil))
	parent, err := mgr.SpawnChild(gp, Spec{Title: "p"})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(parent, nil))
	leaf, err := mgr.SpawnChild(parent, Spec{Title: "leaf"})
	require.NoError(t, err)

	require.NoError(t, mgr.Start(leaf, nil))
	require.NoError(t, mgr.Complete(leaf, Result{}))

	g, _ := mgr.Get(gp)
	assert.Equal(t, KindCompleted, g.Status.Kind)
}

func TestFailSchedulesRetry(t *testing.T) {
	cfg := config.DefaultTaskManagerConfig()
	cfg.AutoRetryFailedTasks = true
	cfg.MaxRetryAttempts = 2
	cfg.RetryDelayMinutes = 5
	mgr, events := newTestManager(cfg)

	id, _ := mgr.CreateFromSpec(Spec{Title: "t"}, nil)
	require.NoError(t, mgr.Start(id, nil))
	require.NoError(t, mgr.Fail(id, "compile error"))

	tk, _ := mgr.Get(id)
	assert.Equal(t, KindBlocked, tk.Status.Kind)
	require.NotNil(t, tk.Status.RetryAfter)
	assert.Equal(t, 1, tk.RetryCount, "the persistent counter survives the Blocked transition")
	assert.Contains(t, events.kinds(), EventRetryScheduled)
}

func TestFailRetryLoopReachesTerminalFailure(t *testing.T) {
	cfg := config.DefaultTaskManagerConfig()
	cfg.MaxRetryAttempts = 2
	cfg.RetryDelayMinutes = 0
	mgr, events := newTestManager(cfg)

	id, _ := mgr.CreateFromSpec(Spec{Title: "doomed"}, nil)

	// Two failures spend the retry budget: each one goes through the full
	// Failed -> Blocked -> Pending loop, and the count must survive it.
	for attempt := 0; attempt < 2; attempt++ {
		require.NoError(t, mgr.Start(id, nil))
		require.NoError(t, mgr.Fail(id, "still broken"))

		tk, err := mgr.Get(id)
		require.NoError(t, err)
		assert.Equal(t, KindBlocked, tk.Status.Kind)
		assert.Equal(t, attempt+1, tk.RetryCount)

		require.Equal(t, []string{id}, mgr.RetryIfDue())
	}

	// The third failure exhausts the budget and is terminal.
	require.NoError(t, mgr.Start(id, nil))
	err := mgr.Fail(id, "still broken")
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)

	tk, _ := mgr.Get(id)
	assert.Equal(t, KindFailed, tk.Status.Kind)
	assert.Equal(t, 2, tk.Status.RetryCount)
	assert.Equal(t, 2, tk.RetryCount, "no further retry is scheduled")
	assert.Contains(t, events.kinds(), EventMaxRetriesExceeded)
	assert.NotContains(t, mgr.Eligible(), id)
}

func TestFailWithoutAutoRetryStaysFailed(t *testing.T) {
	cfg := config.DefaultTaskManagerConfig()
	cfg.AutoRetryFailedTasks = false
	mgr, _ := newTestManager(cfg)

	id, _ := mgr.CreateFromSpec(Spec{Title: "t"}, nil)
	require.NoError(t, mgr.Start(id, nil))
	require.NoError(t, mgr.Fail(id, "broken"))

	tk, _ := mgr.Get(id)
	assert.Equal(t, KindFailed, tk.Status.Kind)
	assert.Zero(t, tk.RetryCount)
}

func TestRetryIfDueUnblocks(t *testing.T) {
	cfg := config.DefaultTaskManagerConfig()
	mgr, _ := newTestManager(cfg)

	id, _ := mgr.CreateFromSpec(Spec{Title: "t"}, nil)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, mgr.Block(id, "waiting", &past))

	unblocked := mgr.RetryIfDue()
	assert.Equal(t, []string{id}, unblocked)

	tk, _ := mgr.Get(id)
	assert.Equal(t, KindPending, tk.Status.Kind)
}

func TestRetryIfDueSkipsFutureRetries(t *testing.T) {
	mgr, _ := newTestManager(config.DefaultTaskManagerConfig())

	id, _ := mgr.CreateFromSpec(Spec{Title: "t"}, nil)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, mgr.Block(id, "waiting", &future))

	assert.Empty(t, mgr.RetryIfDue())
}

func TestCleanupRemovesOldCompletedLeaves(t *testing.T) {
	cfg := config.DefaultTaskManagerConfig()
	cfg.AutoCleanupCompleted = true
	cfg.CleanupAfterHours = 1
	mgr, events := newTestManager(cfg)
	mgr.now = func() time.Time { return time.Now().UTC() }

	old, _ := mgr.CreateFromSpec(Spec{Title: "old"}, nil)
	require.NoError(t, mgr.Start(old, nil))
	require.NoError(t, mgr.Complete(old, Result{}))

	fresh, _ := mgr.CreateFromSpec(Spec{Title: "fresh"}, nil)
	require.NoError(t, mgr.Start(fresh, nil))
	require.NoError(t, mgr.Complete(fresh, Result{}))

	// Age the first task past the cutoff by shifting the manager clock.
	mgr.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	// Re-complete trick is not possible; instead age both and verify both go.
	removed := mgr.Cleanup()
	assert.Equal(t, 2, removed)
	assert.Contains(t, events.kinds(), EventCleanedUp)
	_, err := mgr.Get(old)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupDisabled(t *testing.T) {
	cfg := config.DefaultTaskManagerConfig()
	cfg.AutoCleanupCompleted = false
	mgr, _ := newTestManager(cfg)

	id, _ := mgr.CreateFromSpec(Spec{Title: "t"}, nil)
	require.NoError(t, mgr.Start(id, nil))
	require.NoError(t, mgr.Complete(id, Result{}))

	assert.Zero(t, mgr.Cleanup())
}

func TestValidateReportsBrokenRefs(t *testing.T) {
	mgr, _ := newTestManager(config.DefaultTaskManagerConfig())
	id, _ := mgr.CreateFromSpec(Spec{Title: "ok"}, nil)

	report := mgr.Validate()
	assert.True(t, report.Healthy())

	// Inject a broken child ref through a snapshot round-trip.
	tasks, roots, version := mgr.Tree().Snapshot()
	tasks[id].Children = append(tasks[id].Children, "ghost")
	mgr.Tree().LoadSnapshot(tasks, roots, version)

	report = mgr.Validate()
	assert.False(t, report.Healthy())
	assert.Contains(t, report.BrokenChildren, id)
}

func TestFindAndMergeDuplicates(t *testing.T) {
	mgr, _ := newTestManager(config.DefaultTaskManagerConfig())

	dep, _ := mgr.CreateFromSpec(Spec{Title: "shared dep"}, nil)
	a, _ := mgr.CreateFromSpec(Spec{
		Title: "fix login bug in auth handler", Description: "the session cookie expires early",
		Metadata: Metadata{Tags: []string{"auth"}, FileRefs: []FileRef{{Path: "auth.go"}}},
	}, nil)
	b, _ := mgr.CreateFromSpec(Spec{
		Title: "fix login bug in auth handler", Description: "the session cookie expires early",
		Dependencies: []string{dep},
		Metadata:     Metadata{Tags: []string{"bug"}, FileRefs: []FileRef{{Path: "cookie.go"}}},
	}, nil)

	pairs := mgr.FindDuplicates(0.9)
	require.Len(t, pairs, 1)

	require.NoError(t, mgr.MergeDuplicate(a, b))

	merged, err := mgr.Get(a)
	require.NoError(t, err)
	assert.Contains(t, merged.Dependencies, dep)
	assert.ElementsMatch(t, []string{"auth", "bug"}, merged.Metadata.Tags)
	assert.Len(t, merged.Metadata.FileRefs, 2)

	_, err = mgr.Get(b)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsEmittedOnMutations(t *testing.T) {
	mgr, events := newTestManager(config.DefaultTaskManagerConfig())

	id, _ := mgr.CreateFromSpec(Spec{Title: "t"}, nil)
	require.NoError(t, mgr.Start(id, nil))
	require.NoError(t, mgr.Complete(id, Result{}))
	require.NoError(t, mgr.Remove(id))

	assert.Equal(t, []EventKind{EventCreated, EventStatusChanged, EventRemoved}, events.kinds())
}
