package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/aca/pkg/config"
)

// Layout is the on-disk directory structure rooted under the workspace's
// .aca directory, one instance per session.
type Layout struct {
	Root           string // <workspace>/.aca/sessions/<id>
	Meta           string
	Checkpoints    string
	LogsRoot       string
	LogsErrors     string
	Temp           string
}

// NewLayout computes and creates every directory a session needs.
func NewLayout(workspaceRoot, sessionID string) (Layout, error) {
	root := filepath.Join(workspaceRoot, ".aca", "sessions", sessionID)
	l := Layout{
		Root:        root,
		Meta:        filepath.Join(root, "meta"),
		Checkpoints: filepath.Join(root, "checkpoints"),
		LogsRoot:    filepath.Join(root, "logs"),
		LogsErrors:  filepath.Join(root, "logs", "errors"),
		Temp:        filepath.Join(root, "temp"),
	}
	for _, dir := range []string{l.Root, l.Meta, l.Checkpoints, l.LogsRoot, l.LogsErrors, l.Temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, fmt.Errorf("persistence: create %s: %w", dir, err)
		}
	}
	return l, nil
}

func (l Layout) SessionFile() string { return filepath.Join(l.Meta, "session.json") }

func (l Layout) ChecksumFile(path string) string { return path + ".checksum" }

func (l Layout) CheckpointFile(id string) string {
	return filepath.Join(l.Checkpoints, "checkpoint_"+id+".json")
}

// ProviderInteractionsDir returns the log directory for one provider's
// request/response files.
func (l Layout) ProviderInteractionsDir(provider string) string {
	return filepath.Join(l.LogsRoot, provider+"_interactions")
}

// Engine is the C8 persistence engine: atomic saves, immutable checkpoints,
// validated loads.
type Engine struct {
	layout Layout
	cfg    config.SessionConfig
	log    *slog.Logger

	now func() time.Time
}

func NewEngine(workspaceRoot, sessionID string, cfg config.SessionConfig, log *slog.Logger) (*Engine, error) {
	layout, err := NewLayout(workspaceRoot, sessionID)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{"execution"} {
		if err := os.MkdirAll(filepath.Join(layout.LogsRoot, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &Engine{layout: layout, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (e *Engine) Layout() Layout { return e.layout }

// SaveSession writes state to the canonical session.json path using the
// atomic temp-file-then-rename protocol. The canonical file is never
// compressed; only checkpoints honor CompressCheckpoints.
func (e *Engine) SaveSession(state SessionState) (SaveResult, error) {
	return e.writeAtomic(e.layout.SessionFile(), state, false)
}

// LoadSession reads and validates the canonical session.json.
func (e *Engine) LoadSession() (SessionState, error) {
	return e.load(e.layout.SessionFile())
}

// CreateCheckpoint writes a new, never-overwritten checkpoint file.
func (e *Engine) CreateCheckpoint(state SessionState, description string, trigger CheckpointTrigger) (CheckpointInfo, error) {
	id := uuid.NewString()
	path := e.layout.CheckpointFile(id)

	result, err := e.writeAtomic(path, state, e.cfg.CompressCheckpoints)
	if err != nil {
		return CheckpointInfo{}, err
	}

	info := CheckpointInfo{
		ID:          id,
		CreatedAt:   e.now(),
		Description: description,
		TaskCount:   len(state.TaskTree.Tasks),
		SizeBytes:   result.BytesWritten,
		Trigger:     trigger,
	}
	e.log.Info("checkpoint created", "id", id, "bytes", result.BytesWritten, "trigger", trigger.Kind)
	return info, nil
}

// LoadCheckpoint reads back a specific checkpoint by id.
func (e *Engine) LoadCheckpoint(id string) (SessionState, error) {
	return e.load(e.layout.CheckpointFile(id))
}

// CheckpointID pairs a checkpoint's id with its on-disk creation time, used
// to walk checkpoints newest-first during recovery.
type CheckpointID struct {
	ID        string
	CreatedAt time.Time
}

// ListCheckpoints returns every checkpoint id present, newest first.
func (e *Engine) ListCheckpoints() ([]CheckpointID, error) {
	entries, err := os.ReadDir(e.layout.Checkpoints)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []CheckpointID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "checkpoint_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint_"), ".json")
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, CheckpointID{ID: id, CreatedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CleanupCheckpoints removes checkpoints older than maxAge, returning the
// count removed.
func (e *Engine) CleanupCheckpoints(maxAge time.Duration) (int, error) {
	checkpoints, err := e.ListCheckpoints()
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-maxAge)
	removed := 0
	for _, cp := range checkpoints {
		if cp.CreatedAt.Before(cutoff) {
			if err := os.Remove(e.layout.CheckpointFile(cp.ID)); err != nil && !os.IsNotExist(err) {
				e.log.Warn("failed to remove old checkpoint", "id", cp.ID, "error", err)
				continue
			}
			_ = os.Remove(e.layout.ChecksumFile(e.layout.CheckpointFile(cp.ID)))
			removed++
		}
	}
	return removed, nil
}

// writeAtomic implements the save protocol: serialize, checksum, write to a
// temp file inside layout.Temp, fsync, rename over the destination, then
// write the checksum sidecar. Any failure before the rename deletes the
// temp file and leaves the canonical path untouched.
func (e *Engine) writeAtomic(dest string, state SessionState, compress bool) (SaveResult, error) {
	start := e.now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return SaveResult{}, fmt.Errorf("persistence: marshal: %w", err)
	}

	var ratio *float64
	finalData := data
	if compress {
		compressed, err := compressData(data)
		if err != nil {
			return SaveResult{}, fmt.Errorf("persistence: compress: %w", err)
		}
		r := float64(len(data)) / float64(len(compressed))
		ratio = &r
		finalData = compressed
	}

	sum := checksum(finalData)

	// The payload and its checksum sidecar commit as one transaction: a
	// reader never observes a new session.json next to a stale sidecar.
	tx := BeginTransaction(e.layout.Temp)
	if err := tx.StageWrite(dest, finalData, 0o644); err != nil {
		tx.Rollback()
		return SaveResult{}, err
	}
	if err := tx.StageWrite(e.layout.ChecksumFile(dest), []byte(sum), 0o644); err != nil {
		tx.Rollback()
		return SaveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SaveResult{}, err
	}

	return SaveResult{
		BytesWritten:     int64(len(finalData)),
		Duration:         e.now().Sub(start),
		CompressionRatio: ratio,
		Checksum:         sum,
	}, nil
}

// load reads path, verifies its checksum sidecar if present, decompresses
// if the payload looks zstd-framed, and deserializes it.
func (e *Engine) load(path string) (SessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SessionState{}, ErrNotFound
		}
		return SessionState{}, err
	}

	if sumBytes, err := os.ReadFile(e.layout.ChecksumFile(path)); err == nil {
		want := strings.TrimSpace(string(sumBytes))
		got := checksum(data)
		if want != got {
			return SessionState{}, ErrCorruptedData
		}
	}

	if looksZstd(data) {
		decompressed, err := decompressData(data)
		if err != nil {
			return SessionState{}, fmt.Errorf("persistence: decompress: %w", err)
		}
		data = decompressed
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return SessionState{}, fmt.Errorf("persistence: unmarshal: %w", err)
	}

	if !CurrentVersion.Compatible(state.Metadata.Version) {
		e.log.Warn("session version mismatch", "stored", state.Metadata.Version, "current", CurrentVersion)
	}

	return state, nil
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func looksZstd(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], zstdMagic)
}
