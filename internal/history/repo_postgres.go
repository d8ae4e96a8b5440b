package history

import (
	"context"
	"database/sql"
	"time"

	"call-orchestrator/pkg/utils"
)

// Schema creates the call log table. It is safe to run on every start.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_logs (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	scope_id         TEXT NOT NULL,
	session_id       TEXT NOT NULL DEFAULT '',
	direction        TEXT NOT NULL,
	call_type        TEXT NOT NULL,
	counterparty_id  TEXT NOT NULL,
	receiver_type    TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	connected_at     TIMESTAMPTZ NULL,
	ended_at         TIMESTAMPTZ NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS call_logs_user_ended_idx ON call_logs (user_id, ended_at DESC)`,
}

// PostgresRepo stores call logs in Postgres through database/sql (pgx stdlib driver).
// When Retain > 0 each insert also trims the user's log to the newest Retain entries.
type PostgresRepo struct {
	db     *sql.DB
	Retain int
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, e Entry) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO call_logs (
	id, user_id, scope_id, session_id, direction, call_type, counterparty_id, receiver_type,
	outcome, reason, started_at, connected_at, ended_at, duration_seconds
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING
`
		if _, err := tx.ExecContext(ctx, q,
			e.ID,
			e.UserID,
			e.ScopeID,
			e.SessionID,
			string(e.Direction),
			string(e.CallType),
			e.CounterpartyID,
			string(e.ReceiverType),
			string(e.Outcome),
			e.Reason,
			e.StartedAt,
			nullTime(e.ConnectedAt),
			e.EndedAt,
			e.DurationSeconds,
		); err != nil {
			return err
		}
		if r.Retain <= 0 {
			return nil
		}

		const trim = `
DELETE FROM call_logs
WHERE user_id = $1 AND id IN (
	SELECT id FROM call_logs
	WHERE user_id = $1
	ORDER BY ended_at DESC
	OFFSET $2
)
`
		_, err := tx.ExecContext(ctx, trim, e.UserID, r.Retain)
		return err
	})
}

func (r *PostgresRepo) List(ctx context.Context, userID string, from, to time.Time, limit int) ([]Entry, error) {
	const q = `
SELECT id, user_id, scope_id, session_id, direction, call_type, counterparty_id, receiver_type,
	outcome, reason, started_at, connected_at, ended_at, duration_seconds
FROM call_logs
WHERE user_id = $1 AND ended_at >= $2 AND ended_at < $3
ORDER BY ended_at DESC
LIMIT $4
`
	// LIMIT NULL means no limit in Postgres.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.db.QueryContext(ctx, q, userID, from, to, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e         Entry
			connected sql.NullTime
		)
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.ScopeID,
			&e.SessionID,
			&e.Direction,
			&e.CallType,
			&e.CounterpartyID,
			&e.ReceiverType,
			&e.Outcome,
			&e.Reason,
			&e.StartedAt,
			&connected,
			&e.EndedAt,
			&e.DurationSeconds,
		); err != nil {
			return nil, err
		}
		if connected.Valid {
			e.ConnectedAt = connected.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
