// Package audit mirrors task events and provider interactions into
// PostgreSQL so operators can query a session's history after its
// workspace (and its .aca directory) is gone. The store is optional: a
// session runs identically without one.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentrt/aca/pkg/database"
	"github.com/agentrt/aca/pkg/llm"
	"github.com/agentrt/aca/pkg/task"
)

// Store writes audit rows through the database client's connection pool.
type Store struct {
	client *database.Client
	log    *slog.Logger
}

// NewStore wraps an already-connected database client.
func NewStore(client *database.Client, log *slog.Logger) *Store {
	return &Store{client: client, log: log}
}

// RecordTaskEvent inserts one task mutation row.
func (s *Store) RecordTaskEvent(ctx context.Context, sessionID string, ev task.Event) error {
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO task_events (session_id, task_id, kind, from_status, to_status, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, ev.TaskID, string(ev.Kind), string(ev.FromKind), string(ev.ToKind), ev.Detail)
	return err
}

// TaskEventHandler adapts the store into a task.Handler suitable for
// Manager registration. Inserts run on their own goroutine with a bounded
// timeout so a slow database never stalls a tree mutation, and failures
// are logged rather than propagated — the audit mirror is best-effort.
func (s *Store) TaskEventHandler(sessionID string) task.Handler {
	return func(ev task.Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.RecordTaskEvent(ctx, sessionID, ev); err != nil {
				s.log.Warn("audit task event insert failed",
					"task_id", ev.TaskID, "kind", ev.Kind, "error", err)
			}
		}()
	}
}

// Interaction is one provider call's audit row.
type Interaction struct {
	SessionID    string
	Provider     string
	RequestID    string
	Model        string
	Usage        llm.TokenUsage
	Duration     time.Duration
	ErrorKind    string
	ResponseText string
}

// RecordInteraction inserts one provider interaction row. The request id
// is unique per call, so replayed inserts after a crash are rejected by
// the database rather than duplicated.
func (s *Store) RecordInteraction(ctx context.Context, in Interaction) error {
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO provider_interactions
		 (session_id, provider, request_id, model, input_tokens, output_tokens,
		  total_tokens, estimated_cost, duration_ms, error_kind, response_text)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)`,
		in.SessionID, in.Provider, in.RequestID, in.Model,
		in.Usage.InputTokens, in.Usage.OutputTokens, in.Usage.TotalTokens,
		in.Usage.EstimatedCost, in.Duration.Milliseconds(), in.ErrorKind, in.ResponseText)
	return err
}

// SessionTotals aggregates a session's provider usage from the audit rows.
type SessionTotals struct {
	Interactions int64
	TotalTokens  int64
	Failures     int64
}

// Totals returns the aggregate interaction counts for one session.
func (s *Store) Totals(ctx context.Context, sessionID string) (SessionTotals, error) {
	var t SessionTotals
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0),
		        COUNT(*) FILTER (WHERE error_kind IS NOT NULL)
		 FROM provider_interactions WHERE session_id = $1`,
		sessionID).Scan(&t.Interactions, &t.TotalTokens, &t.Failures)
	return t, err
}

// TaskEventRow is one row returned by RecentTaskEvents.
type TaskEventRow struct {
	TaskID     string
	Kind       string
	FromStatus string
	ToStatus   string
	Detail     string
	OccurredAt time.Time
}

// RecentTaskEvents returns up to limit of the session's newest task events,
// newest first.
func (s *Store) RecentTaskEvents(ctx context.Context, sessionID string, limit int) ([]TaskEventRow, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT task_id, kind, COALESCE(from_status, ''), COALESCE(to_status, ''),
		        COALESCE(detail, ''), occurred_at
		 FROM task_events WHERE session_id = $1
		 ORDER BY occurred_at DESC, id DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskEventRow
	for rows.Next() {
		var r TaskEventRow
		if err := rows.Scan(&r.TaskID, &r.Kind, &r.FromStatus, &r.ToStatus, &r.Detail, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
