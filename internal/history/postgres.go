package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlChatTurns = `
CREATE TABLE IF NOT EXISTS chat_turns (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_turns_conversation
    ON chat_turns (conversation_id, id);
`

// Migrate creates the chat_turns table and its index if they do not exist.
// It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlChatTurns); err != nil {
		return fmt.Errorf("history: migrate chat_turns: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// PostgresStore persists chat turns in PostgreSQL. All methods are safe for
// concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn, verifies the connection
// and runs [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool, e.g. for health checks.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// WriteTurn implements [Store].
func (s *PostgresStore) WriteTurn(ctx context.Context, conversationID string, t Turn) error {
	const q = `
		INSERT INTO chat_turns (conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, conversationID, string(t.Role), t.Text, t.At); err != nil {
		return fmt.Errorf("postgres store: write turn: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, conversationID string, n int) ([]Turn, error) {
	const q = `
		SELECT role, content, created_at FROM (
		    SELECT id, role, content, created_at
		    FROM   chat_turns
		    WHERE  conversation_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) newest
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return collectTurns(rows)
}

// collectTurns scans pgx rows into turns.
func collectTurns(rows pgx.Rows) ([]Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var (
			t    Turn
			role string
		)
		if err := row.Scan(&role, &t.Text, &t.At); err != nil {
			return Turn{}, err
		}
		t.Role = Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}
