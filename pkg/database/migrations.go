package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateGINIndexes creates full-text search GIN indexes for PostgreSQL.
// These indexes enable efficient full-text search over task event details
// and provider response text from the operator's audit queries.
func CreateGINIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_task_events_detail_gin
		ON task_events USING gin(to_tsvector('english', COALESCE(detail, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create task_events detail GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_provider_interactions_response_gin
		ON provider_interactions USING gin(to_tsvector('english', COALESCE(response_text, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create provider_interactions response GIN index: %w", err)
	}

	return nil
}
