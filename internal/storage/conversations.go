package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

const messageColumns = `id, thread_id, role, content, provider, model, run_id,
	prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost, created_at`

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.Provider, &m.Model, &m.RunID,
		&m.Usage.PromptTokens, &m.Usage.CompletionTokens, &m.Usage.ReasoningTokens,
		&m.Usage.TotalTokens, &m.Usage.Cost, &m.CreatedAt)
	return m, err
}

// CreateThread inserts a thread.
func (db *DB) CreateThread(ctx context.Context, t model.Thread) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO threads (id, owner_id, title, system_instructions, provider, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.OwnerID, t.Title, t.SystemInstructions, t.Provider, t.Model, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (db *DB) GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error) {
	var t model.Thread
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, system_instructions, provider, model, created_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.OwnerID, &t.Title, &t.SystemInstructions, &t.Provider, &t.Model, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("storage: thread %s: %w", id, ErrNotFound)
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	return t, nil
}

// CreateMessage appends a message to its thread.
func (db *DB) CreateMessage(ctx context.Context, m model.Message) (model.Message, error) {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, provider, model, run_id,
		 prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.ThreadID, string(m.Role), m.Content, m.Provider, m.Model, m.RunID,
		m.Usage.PromptTokens, m.Usage.CompletionTokens, m.Usage.ReasoningTokens,
		m.Usage.TotalTokens, m.Usage.Cost, m.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: create message: %w", err)
	}
	return m, nil
}

// CreateFinalMessage writes the assistant message produced by a run.
// It is idempotent per run: a second call returns the message already stored.
func (db *DB) CreateFinalMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.RunID == nil {
		return model.Message{}, fmt.Errorf("storage: final message requires a run_id")
	}
	stored, err := scanMessage(db.pool.QueryRow(ctx,
		`INSERT INTO messages (id, thread_id, role, content, provider, model, run_id,
		 prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (run_id) DO UPDATE SET run_id = EXCLUDED.run_id
		 RETURNING `+messageColumns,
		m.ID, m.ThreadID, string(m.Role), m.Content, m.Provider, m.Model, m.RunID,
		m.Usage.PromptTokens, m.Usage.CompletionTokens, m.Usage.ReasoningTokens,
		m.Usage.TotalTokens, m.Usage.Cost, m.CreatedAt))
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: create final message: %w", err)
	}
	return stored, nil
}

// GetMessage retrieves a message by ID.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, fmt.Errorf("storage: message %s: %w", id, ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// GetRunMessage returns the assistant message a run produced, if any.
func (db *DB) GetRunMessage(ctx context.Context, runID uuid.UUID) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, fmt.Errorf("storage: message for run %s: %w", runID, ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("storage: get run message: %w", err)
	}
	return m, nil
}

// ListMessages returns the last limit messages of a thread created at or
// before until, in chronological order. A zero until reads the latest messages.
func (db *DB) ListMessages(ctx context.Context, threadID uuid.UUID, until time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var bound *time.Time
	if !until.IsZero() {
		bound = &until
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = $1 AND ($2::timestamptz IS NULL OR created_at <= $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`, threadID, bound, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}
