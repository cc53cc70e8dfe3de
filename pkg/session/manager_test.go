package session

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrt/aca/pkg/config"
	"github.com/agentrt/aca/pkg/persistence"
	"github.com/agentrt/aca/pkg/task"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := New(t.TempDir(), config.DefaultSessionConfig(), config.DefaultTaskManagerConfig(),
		config.DefaultRecoveryConfig(), config.DefaultSchedulerWeights(), RestoreOption{}, slog.Default())
	require.NoError(t, err)
	return mgr
}

func TestNew_StartsFreshWithNoPriorState(t *testing.T) {
	mgr := newTestManager(t)
	assert.NotEmpty(t, mgr.ID())
	assert.Empty(t, mgr.Tasks().Tree().All())
}

func TestSaveSession_RoundTrips(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Tasks().CreateFromSpec(task.Spec{Title: "do the thing"}, nil)
	require.NoError(t, err)

	_, err = mgr.SaveSession()
	require.NoError(t, err)

	loaded, err := mgr.store.LoadSession()
	require.NoError(t, err)
	assert.Len(t, loaded.TaskTree.Tasks, 1)
}

func TestCreateCheckpoint_WritesTrigger(t *testing.T) {
	mgr := newTestManager(t)
	info, err := mgr.CreateCheckpoint("manual checkpoint", persistence.CheckpointTrigger{Kind: persistence.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, persistence.TriggerManual, info.Trigger.Kind)
}

func TestShutdown_WritesTerminalCheckpointAndSave(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Shutdown(context.Background()))

	checkpoints, err := mgr.store.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)

	mgr.mu.Lock()
	enabled := mgr.autoSave
	mgr.mu.Unlock()
	assert.False(t, enabled)
}

func TestRegisterAndLookupDispatcher(t *testing.T) {
	mgr := newTestManager(t)
	_, ok := mgr.Dispatcher("claude")
	assert.False(t, ok)
}
