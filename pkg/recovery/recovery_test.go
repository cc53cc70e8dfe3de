package recovery

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrt/aca/pkg/config"
	"github.com/agentrt/aca/pkg/persistence"
)

func newTestEngine(t *testing.T) (*Engine, *persistence.Engine) {
	t.Helper()
	store, err := persistence.NewEngine(t.TempDir(), "sess-1", config.DefaultSessionConfig(), slog.Default())
	require.NoError(t, err)
	return NewEngine(store, config.DefaultRecoveryConfig(), slog.Default()), store
}

func TestAutoRecover_PrefersCanonicalSessionFile(t *testing.T) {
	engine, store := newTestEngine(t)
	state := baseState()
	_, err := store.SaveSession(state)
	require.NoError(t, err)

	result := engine.AutoRecover()
	assert.True(t, result.Success)
	assert.Equal(t, SourceSessionFile, result.Source)
}

func TestAutoRecover_FallsBackToNewestValidCheckpoint(t *testing.T) {
	engine, store := newTestEngine(t)

	badState := baseState()
	badState.TaskTree.Tasks["root"].Dependencies = []string{"child"}
	badState.TaskTree.Tasks["child"].Dependencies = []string{"root"}
	_, err := store.SaveSession(badState)
	require.NoError(t, err)

	goodState := baseState()
	_, err = store.CreateCheckpoint(goodState, "good", persistence.CheckpointTrigger{Kind: persistence.TriggerManual})
	require.NoError(t, err)

	result := engine.AutoRecover()
	assert.True(t, result.Success)
	assert.Equal(t, SourceCheckpoint, result.Source)
	assert.NotEmpty(t, result.Attempts, "the failed session-file load should be recorded as an attempt")
}

func TestAutoRecover_AllSourcesFail(t *testing.T) {
	engine, _ := newTestEngine(t)

	result := engine.AutoRecover()
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Warnings)
}

func TestRecoverFromCheckpoint_LenientOnValidationFailure(t *testing.T) {
	engine, store := newTestEngine(t)

	badState := baseState()
	badState.TaskTree.Tasks["root"].Children = append(badState.TaskTree.Tasks["root"].Children, "ghost")
	info, err := store.CreateCheckpoint(badState, "bad", persistence.CheckpointTrigger{Kind: persistence.TriggerManual})
	require.NoError(t, err)

	result := engine.RecoverFromCheckpoint(info.ID)
	assert.True(t, result.Success, "manual checkpoint restore succeeds even when validation finds errors")
	assert.NotEmpty(t, result.ValidationErrors)
}

func TestRecoverAndCorrect_WritesEmergencyCheckpointBeforeCorrecting(t *testing.T) {
	engine, store := newTestEngine(t)

	state := baseState()
	state.TaskTree.Tasks["child"].ParentID = strPtr("missing-parent")
	_, err := store.SaveSession(state)
	require.NoError(t, err)

	result := engine.RecoverAndCorrect()
	require.True(t, result.Success)
	require.NotNil(t, result.State)
	assert.Nil(t, result.State.TaskTree.Tasks["child"].ParentID)

	checkpoints, err := store.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, checkpoints, 1, "expected exactly one emergency checkpoint")
}

func TestCreateEmergencyCheckpoint_TagsPreRecovery(t *testing.T) {
	engine, store := newTestEngine(t)

	id, err := engine.CreateEmergencyCheckpoint(baseState())
	require.NoError(t, err)

	state, err := store.LoadCheckpoint(id)
	require.NoError(t, err)
	assert.Equal(t, "root", state.TaskTree.Roots[0])
}

func TestShouldAutoRecover(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.True(t, engine.ShouldAutoRecover())
}

func TestAutoRecover_CorruptedSessionFileFallsBackToCheckpoint(t *testing.T) {
	engine, store := newTestEngine(t)

	state := baseState()
	_, err := store.SaveSession(state)
	require.NoError(t, err)
	info, err := store.CreateCheckpoint(state, "good", persistence.CheckpointTrigger{Kind: persistence.TriggerManual})
	require.NoError(t, err)

	// Corrupt the canonical file's last byte so the checksum no longer
	// matches.
	path := store.Layout().SessionFile()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	result := engine.AutoRecover()
	require.True(t, result.Success)
	assert.Equal(t, SourceCheckpoint, result.Source)
	assert.Equal(t, info.ID, result.Identifier)

	var sawCorruption bool
	for _, attempt := range result.Attempts {
		if attempt.Source == SourceSessionFile {
			sawCorruption = true
		}
	}
	assert.True(t, sawCorruption, "the rejected session file must appear in the attempt log")
}
