package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

const runColumns = `id, thread_id, message_id, owner_id, min_iterations, max_iterations, current_iteration,
	status, intermediate_answers, final_answer, is_satisfactory, last_feedback, error_reason,
	provider, model, prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost,
	created_at, updated_at, completed_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.ThreadID, &r.MessageID, &r.OwnerID, &r.MinIterations, &r.MaxIterations, &r.CurrentIteration,
		&r.Status, &r.IntermediateAnswers, &r.FinalAnswer, &r.IsSatisfactory, &r.LastFeedback, &r.ErrorReason,
		&r.Provider, &r.Model, &r.Usage.PromptTokens, &r.Usage.CompletionTokens, &r.Usage.ReasoningTokens,
		&r.Usage.TotalTokens, &r.Usage.Cost,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	return r, err
}

func jsonList[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// CreateRun inserts a new pending run.
func (db *DB) CreateRun(ctx context.Context, run model.Run) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, thread_id, message_id, owner_id, min_iterations, max_iterations,
		 current_iteration, status, intermediate_answers, last_feedback, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		run.ID, run.ThreadID, run.MessageID, run.OwnerID, run.MinIterations, run.MaxIterations,
		run.CurrentIteration, string(run.Status), jsonList(run.IntermediateAnswers), jsonList(run.LastFeedback),
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// SaveRunProgress persists the mutable iteration state of a pending run.
func (db *DB) SaveRunProgress(ctx context.Context, run model.Run) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET current_iteration = $1, intermediate_answers = $2, final_answer = $3,
		 is_satisfactory = $4, last_feedback = $5, provider = $6, model = $7, updated_at = now()
		 WHERE id = $8 AND status = 'pending' AND current_iteration <= $1`,
		run.CurrentIteration, jsonList(run.IntermediateAnswers), run.FinalAnswer,
		run.IsSatisfactory, jsonList(run.LastFeedback), run.Provider, run.Model, run.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: save run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: save run progress %s: %w", run.ID, ErrRunTerminal)
	}
	return nil
}

// FinishRun moves a pending run to its terminal status, freezing the final
// answer, error reason and usage snapshot.
func (db *DB) FinishRun(ctx context.Context, run model.Run) error {
	if !run.Terminal() {
		return fmt.Errorf("storage: finish run %s: status %q is not terminal", run.ID, run.Status)
	}
	completed := time.Now().UTC()
	if run.CompletedAt != nil {
		completed = *run.CompletedAt
	}
	return db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE runs SET status = $1, current_iteration = GREATEST(current_iteration, $2),
			 intermediate_answers = $3, final_answer = $4, is_satisfactory = $5, last_feedback = $6,
			 error_reason = $7, provider = $8, model = $9,
			 prompt_tokens = $10, completion_tokens = $11, reasoning_tokens = $12, total_tokens = $13, cost = $14,
			 completed_at = $15, updated_at = $15
			 WHERE id = $16 AND status = 'pending'`,
			string(run.Status), run.CurrentIteration, jsonList(run.IntermediateAnswers), run.FinalAnswer,
			run.IsSatisfactory, jsonList(run.LastFeedback), run.ErrorReason, run.Provider, run.Model,
			run.Usage.PromptTokens, run.Usage.CompletionTokens, run.Usage.ReasoningTokens,
			run.Usage.TotalTokens, run.Usage.Cost, completed, run.ID,
		)
		if err != nil {
			return fmt.Errorf("storage: finish run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: finish run %s: %w", run.ID, ErrRunTerminal)
		}
		return nil
	})
}

// ListStaleRuns returns pending runs not updated since before, oldest first.
func (db *DB) ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM runs WHERE status = 'pending' AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan stale runs: %w", err)
	}
	return ids, nil
}

// ListRunsByThread returns the most recent runs of a thread, newest first.
func (db *DB) ListRunsByThread(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
