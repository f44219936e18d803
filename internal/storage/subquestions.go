package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// CreateSubQuestions inserts a batch of pending sub-questions atomically.
func (db *DB) CreateSubQuestions(ctx context.Context, sqs []model.SubQuestion) error {
	if len(sqs) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, sq := range sqs {
			batch.Queue(
				`INSERT INTO sub_questions (id, run_id, thread_id, parent_message_id, question, iteration, ord,
				 status, context_refs, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
				sq.ID, sq.RunID, sq.ThreadID, sq.ParentMessageID, sq.Question, sq.Iteration, sq.Order,
				string(sq.Status), jsonList(sq.ContextRefs), sq.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: create sub-questions: %w", err)
		}
		return nil
	})
}

// ListSubQuestions returns every sub-question of a run ordered by (iteration, order).
func (db *DB) ListSubQuestions(ctx context.Context, runID uuid.UUID) ([]model.SubQuestion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, thread_id, parent_message_id, question, iteration, ord, status, answer,
		 context_refs, error_reason, prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost,
		 created_at, updated_at
		 FROM sub_questions WHERE run_id = $1 ORDER BY iteration, ord`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list sub-questions: %w", err)
	}
	defer rows.Close()

	var out []model.SubQuestion
	for rows.Next() {
		var sq model.SubQuestion
		if err := rows.Scan(
			&sq.ID, &sq.RunID, &sq.ThreadID, &sq.ParentMessageID, &sq.Question, &sq.Iteration, &sq.Order,
			&sq.Status, &sq.Answer, &sq.ContextRefs, &sq.ErrorReason,
			&sq.Usage.PromptTokens, &sq.Usage.CompletionTokens, &sq.Usage.ReasoningTokens,
			&sq.Usage.TotalTokens, &sq.Usage.Cost, &sq.CreatedAt, &sq.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan sub-question: %w", err)
		}
		out = append(out, sq)
	}
	return out, rows.Err()
}

// ResolveSubQuestion records the single pending → answered|error transition.
// Returns ErrAlreadyResolved when the row has already left pending.
func (db *DB) ResolveSubQuestion(ctx context.Context, sq model.SubQuestion) error {
	if sq.Status == model.SubQuestionPending {
		return fmt.Errorf("storage: resolve sub-question %s: target status must not be pending", sq.ID)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE sub_questions SET status = $1, answer = $2, context_refs = $3, error_reason = $4,
		 prompt_tokens = $5, completion_tokens = $6, reasoning_tokens = $7, total_tokens = $8, cost = $9,
		 updated_at = $10
		 WHERE id = $11 AND status = 'pending'`,
		string(sq.Status), sq.Answer, jsonList(sq.ContextRefs), sq.ErrorReason,
		sq.Usage.PromptTokens, sq.Usage.CompletionTokens, sq.Usage.ReasoningTokens, sq.Usage.TotalTokens,
		sq.Usage.Cost, time.Now().UTC(), sq.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve sub-question: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: resolve sub-question %s: %w", sq.ID, ErrAlreadyResolved)
	}
	return nil
}
