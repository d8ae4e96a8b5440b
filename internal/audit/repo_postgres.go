package audit

import (
	"context"
	"database/sql"
)

// Schema creates the append-only audit table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	scope_id   TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	operation  TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`,
}

// PostgresRepo appends audit events through database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, user_id, type, scope_id, session_id, operation, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.UserID,
		string(e.Type),
		e.ScopeID,
		e.SessionID,
		e.Operation,
		e.Message,
		e.CreatedAt,
	)
	return err
}
