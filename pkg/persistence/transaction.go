package persistence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// rollbackOp tags how to undo one staged file operation.
type rollbackOp int

const (
	rollbackDelete  rollbackOp = iota // file did not exist: delete it
	rollbackRestore                   // file existed: restore original content
)

type rollbackEntry struct {
	op       rollbackOp
	path     string
	original []byte
	mode     os.FileMode
}

// Transaction groups a set of file writes into one commit with rollback.
// Each write is staged to a temp file; Commit renames every staged file
// into place, and on a partial failure (or explicit Rollback) already-
// committed destinations are restored to their pre-transaction content.
type Transaction struct {
	ID       string
	tempDir  string
	staged   []stagedWrite
	rollback []rollbackEntry
	done     bool
}

type stagedWrite struct {
	tempPath string
	dest     string
}

// BeginTransaction opens a transaction staging temp files under tempDir.
func BeginTransaction(tempDir string) *Transaction {
	return &Transaction{ID: uuid.NewString(), tempDir: tempDir}
}

// StageWrite writes data to a temp file (fsynced) and records dest as a
// pending rename plus the rollback entry needed to undo it.
func (tx *Transaction) StageWrite(dest string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(tx.tempDir, "tx-"+filepath.Base(dest)+"-*")
	if err != nil {
		return fmt.Errorf("persistence: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persistence: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persistence: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persistence: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persistence: chmod temp: %w", err)
	}

	entry := rollbackEntry{op: rollbackDelete, path: dest, mode: mode}
	if original, err := os.ReadFile(dest); err == nil {
		entry.op = rollbackRestore
		entry.original = original
	}
	tx.rollback = append(tx.rollback, entry)
	tx.staged = append(tx.staged, stagedWrite{tempPath: tmpPath, dest: dest})
	return nil
}

// Commit renames every staged temp file over its destination. If a rename
// fails partway, the files already moved are rolled back before the error
// is returned, so the destination set is all-new or all-old.
func (tx *Transaction) Commit() error {
	if tx.done {
		return fmt.Errorf("persistence: transaction %s already finished", tx.ID)
	}
	for i, sw := range tx.staged {
		if err := os.Rename(sw.tempPath, sw.dest); err != nil {
			tx.rollbackCommitted(i)
			tx.removeStagedFrom(i)
			tx.done = true
			return fmt.Errorf("persistence: commit rename %s: %w", sw.dest, err)
		}
	}
	tx.done = true
	return nil
}

// Rollback discards every staged temp file and leaves destinations as they
// were. Safe to call after a failed StageWrite; a no-op once finished.
func (tx *Transaction) Rollback() {
	if tx.done {
		return
	}
	tx.removeStagedFrom(0)
	tx.done = true
}

// rollbackCommitted undoes the renames in staged[0:n] using the recorded
// rollback entries.
func (tx *Transaction) rollbackCommitted(n int) {
	for i := n - 1; i >= 0; i-- {
		entry := tx.rollback[i]
		switch entry.op {
		case rollbackDelete:
			_ = os.Remove(entry.path)
		case rollbackRestore:
			_ = os.WriteFile(entry.path, entry.original, entry.mode)
		}
	}
}

func (tx *Transaction) removeStagedFrom(i int) {
	for _, sw := range tx.staged[i:] {
		_ = os.Remove(sw.tempPath)
	}
}
