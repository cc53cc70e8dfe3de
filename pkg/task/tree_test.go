package task

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAdd(t *testing.T, tree *Tree, spec Spec, parent *string) string {
	t.Helper()
	id, err := tree.CreateFromSpec(spec, parent)
	require.NoError(t, err)
	return id
}

func TestAddTaskWiresParentBackRefs(t *testing.T) {
	tree := NewTree()

	parentID := mustAdd(t, tree, Spec{Title: "parent"}, nil)
	childID := mustAdd(t, tree, Spec{Title: "child"}, &parentID)

	parent, err := tree.Get(parentID)
	require.NoError(t, err)
	assert.Contains(t, parent.Children, childID)

	child, err := tree.Get(childID)
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parentID, *child.ParentID)

	assert.Equal(t, []string{parentID}, tree.Roots())
}

func TestAddTaskRejectsMissingParent(t *testing.T) {
	tree := NewTree()
	missing := "nope"
	_, err := tree.CreateFromSpec(Spec{Title: "orphan"}, &missing)
	assert.ErrorIs(t, err, ErrOrphanedParent)
	assert.Zero(t, tree.Len())
}

func TestAddTaskRejectsMissingDependency(t *testing.T) {
	tree := NewTree()
	_, err := tree.CreateFromSpec(Spec{Title: "t", Dependencies: []string{"ghost"}}, nil)
	assert.ErrorIs(t, err, ErrOrphanedChild)
	assert.Zero(t, tree.Len())
}

func TestStatusMachineHappyPath(t *testing.T) {
	tree := NewTree()
	id := mustAdd(t, tree, Spec{Title: "t", Description: "d", Priority: PriorityNormal}, nil)

	started := time.Now().UTC()
	require.NoError(t, tree.UpdateStatus(id, InProgress(started, nil)))
	require.NoError(t, tree.UpdateStatus(id, Completed(time.Now().UTC(), Result{Output: map[string]string{}})))

	tk, err := tree.Get(id)
	require.NoError(t, err)
	assert.Equal(t, KindCompleted, tk.Status.Kind)
	require.NotNil(t, tk.Status.Result)
}

func TestStatusMachineRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
	}{
		{"pending to completed", Pending(), Completed(time.Now(), Result{})},
		{"pending to failed", Pending(), Failed(time.Now(), "x", 0)},
		{"completed is terminal", Completed(time.Now(), Result{}), InProgress(time.Now(), nil)},
		{"skipped is terminal", Skipped("r", time.Now()), Pending()},
		{"blocked to in_progress", Blocked("r", time.Now(), nil), InProgress(time.Now(), nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, allowedTransition(tt.from.Kind, tt.to.Kind))
		})
	}
}

func TestExecutionHistoryIsAppendOnly(t *testing.T) {
	tree := NewTree()
	id := mustAdd(t, tree, Spec{Title: "t"}, nil)

	require.NoError(t, tree.UpdateStatus(id, InProgress(time.Now(), nil)))
	tk, _ := tree.Get(id)
	lenAfterStart := len(tk.ExecutionHistory)

	require.NoError(t, tree.UpdateStatus(id, Failed(time.Now(), "boom", 0)))
	tk, _ = tree.Get(id)
	assert.Greater(t, len(tk.ExecutionHistory), lenAfterStart)
	assert.Equal(t, KindInProgress, tk.ExecutionHistory[len(tk.ExecutionHistory)-1].From)
	assert.Equal(t, KindFailed, tk.ExecutionHistory[len(tk.ExecutionHistory)-1].To)
	assert.True(t, !tk.UpdatedAt.Before(tk.CreatedAt))
}

func TestDependencyGating(t *testing.T) {
	tree := NewTree()
	a := mustAdd(t, tree, Spec{Title: "A"}, nil)
	b := mustAdd(t, tree, Spec{Title: "B", Dependencies: []string{a}}, nil)

	assert.Equal(t, []string{a}, tree.Eligible())

	require.NoError(t, tree.UpdateStatus(a, InProgress(time.Now(), nil)))
	require.NoError(t, tree.UpdateStatus(a, Completed(time.Now(), Result{})))

	assert.Equal(t, []string{b}, tree.Eligible())
}

func TestSkippedDependencyDoesNotSatisfy(t *testing.T) {
	tree := NewTree()
	a := mustAdd(t, tree, Spec{Title: "A"}, nil)
	b := mustAdd(t, tree, Spec{Title: "B", Dependencies: []string{a}}, nil)

	require.NoError(t, tree.UpdateStatus(a, Skipped("not needed", time.Now())))
	assert.NotContains(t, tree.Eligible(), b)
}

func TestCycleRejection(t *testing.T) {
	tree := NewTree()
	a := mustAdd(t, tree, Spec{Title: "A"}, nil)
	b := mustAdd(t, tree, Spec{Title: "B", Dependencies: []string{a}}, nil)

	// Closing the loop A -> B -> A must be rejected before commit.
	_, err := tree.CreateFromSpec(Spec{Title: "C", Dependencies: []string{b}}, nil)
	require.NoError(t, err)

	tk := &Task{Title: "self", ID: "self"}
	tk.Dependencies = []string{"self"}
	_, err = tree.AddTask(tk)
	assert.ErrorIs(t, err, ErrCycle)
	_, getErr := tree.Get("self")
	assert.ErrorIs(t, getErr, ErrNotFound)

	assert.False(t, tree.HasCycle(a))
	assert.False(t, tree.HasCycle(b))
}

func TestRemoveReparentsChildrenAndStripsDependencies(t *testing.T) {
	tree := NewTree()
	grandparent := mustAdd(t, tree, Spec{Title: "gp"}, nil)
	victim := mustAdd(t, tree, Spec{Title: "victim"}, &grandparent)
	child := mustAdd(t, tree, Spec{Title: "child"}, &victim)
	dependent := mustAdd(t, tree, Spec{Title: "dep", Dependencies: []string{victim}}, nil)

	require.NoError(t, tree.Remove(victim))

	// Children re-parented to the grandparent.
	c, err := tree.Get(child)
	require.NoError(t, err)
	require.NotNil(t, c.ParentID)
	assert.Equal(t, grandparent, *c.ParentID)

	gp, err := tree.Get(grandparent)
	require.NoError(t, err)
	assert.Contains(t, gp.Children, child)
	assert.NotContains(t, gp.Children, victim)

	// No task still references the victim.
	d, err := tree.Get(dependent)
	require.NoError(t, err)
	assert.Empty(t, d.Dependencies)

	_, err = tree.Get(victim)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveRootPromotesChildren(t *testing.T) {
	tree := NewTree()
	root := mustAdd(t, tree, Spec{Title: "root"}, nil)
	child := mustAdd(t, tree, Spec{Title: "child"}, &root)

	require.NoError(t, tree.Remove(root))

	c, err := tree.Get(child)
	require.NoError(t, err)
	assert.Nil(t, c.ParentID)
	assert.Contains(t, tree.Roots(), child)
}

func TestAddChildRequiresInProgressParent(t *testing.T) {
	tree := NewTree()
	parent := mustAdd(t, tree, Spec{Title: "p"}, nil)

	_, err := tree.AddChild(parent, Spec{Title: "sub"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, tree.UpdateStatus(parent, InProgress(time.Now(), nil)))
	sub, err := tree.AddChild(parent, Spec{Title: "sub"})
	require.NoError(t, err)

	p, _ := tree.Get(parent)
	assert.Contains(t, p.Children, sub)
}

func TestSnapshotRoundTrip(t *testing.T) {
	tree := NewTree()
	a := mustAdd(t, tree, Spec{Title: "A", Description: "first"}, nil)
	mustAdd(t, tree, Spec{Title: "B", Dependencies: []string{a}}, nil)
	require.NoError(t, tree.UpdateStatus(a, InProgress(time.Now().UTC(), nil)))

	tasks, roots, version := tree.Snapshot()

	restored := NewTree()
	restored.LoadSnapshot(tasks, roots, version)

	gotTasks, gotRoots, gotVersion := restored.Snapshot()
	if diff := cmp.Diff(tasks, gotTasks); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, roots, gotRoots)
	assert.Equal(t, version, gotVersion)
	assert.Equal(t, tree.Stats(), restored.Stats())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	tree := NewTree()
	id := mustAdd(t, tree, Spec{Title: "A"}, nil)

	tasks, _, _ := tree.Snapshot()
	tasks[id].Title = "mutated"

	tk, err := tree.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "A", tk.Title)
}

func TestStatsTrackStatusCounts(t *testing.T) {
	tree := NewTree()
	a := mustAdd(t, tree, Spec{Title: "A"}, nil)
	mustAdd(t, tree, Spec{Title: "B"}, nil)
	require.NoError(t, tree.UpdateStatus(a, InProgress(time.Now(), nil)))

	stats := tree.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.InProgress)
}
