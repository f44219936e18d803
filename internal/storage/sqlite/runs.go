package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

const runColumns = `id, thread_id, message_id, owner_id, min_iterations, max_iterations, current_iteration,
	status, intermediate_answers, final_answer, is_satisfactory, last_feedback, error_reason,
	provider, model, prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost,
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                 model.Run
		answers, feedback string
		created, updated  int64
		completed         sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.ThreadID, &r.MessageID, &r.OwnerID, &r.MinIterations, &r.MaxIterations, &r.CurrentIteration,
		&r.Status, &answers, &r.FinalAnswer, &r.IsSatisfactory, &feedback, &r.ErrorReason,
		&r.Provider, &r.Model, &r.Usage.PromptTokens, &r.Usage.CompletionTokens, &r.Usage.ReasoningTokens,
		&r.Usage.TotalTokens, &r.Usage.Cost, &created, &updated, &completed,
	)
	if err != nil {
		return model.Run{}, err
	}
	if r.IntermediateAnswers, err = decodeJSON[model.IntermediateAnswer](answers); err != nil {
		return model.Run{}, err
	}
	if r.LastFeedback, err = decodeJSON[string](feedback); err != nil {
		return model.Run{}, err
	}
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		r.CompletedAt = &t
	}
	return r, nil
}

// CreateRun inserts a new pending run.
func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	answers, err := encodeJSON(run.IntermediateAnswers)
	if err != nil {
		return err
	}
	feedback, err := encodeJSON(run.LastFeedback)
	if err != nil {
		return err
	}
	created := toNanos(run.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, message_id, owner_id, min_iterations, max_iterations,
		 current_iteration, status, intermediate_answers, last_feedback, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.MessageID, run.OwnerID, run.MinIterations, run.MaxIterations,
		run.CurrentIteration, string(run.Status), answers, feedback, created, created,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

// SaveRunProgress persists the mutable iteration state of a pending run.
// The iteration counter never moves backwards.
func (s *Store) SaveRunProgress(ctx context.Context, run model.Run) error {
	answers, err := encodeJSON(run.IntermediateAnswers)
	if err != nil {
		return err
	}
	feedback, err := encodeJSON(run.LastFeedback)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET current_iteration = ?, intermediate_answers = ?, final_answer = ?,
		 is_satisfactory = ?, last_feedback = ?, provider = ?, model = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND current_iteration <= ?`,
		run.CurrentIteration, answers, run.FinalAnswer, run.IsSatisfactory, feedback,
		run.Provider, run.Model, time.Now().UnixNano(), run.ID, run.CurrentIteration,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save run progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: save run progress %s: %w", run.ID, storage.ErrRunTerminal)
	}
	return nil
}

// FinishRun moves a pending run to its terminal status.
func (s *Store) FinishRun(ctx context.Context, run model.Run) error {
	if !run.Terminal() {
		return fmt.Errorf("sqlite: finish run %s: status %q is not terminal", run.ID, run.Status)
	}
	answers, err := encodeJSON(run.IntermediateAnswers)
	if err != nil {
		return err
	}
	feedback, err := encodeJSON(run.LastFeedback)
	if err != nil {
		return err
	}
	completed := time.Now()
	if run.CompletedAt != nil {
		completed = *run.CompletedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_iteration = MAX(current_iteration, ?),
		 intermediate_answers = ?, final_answer = ?, is_satisfactory = ?, last_feedback = ?,
		 error_reason = ?, provider = ?, model = ?,
		 prompt_tokens = ?, completion_tokens = ?, reasoning_tokens = ?, total_tokens = ?, cost = ?,
		 completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(run.Status), run.CurrentIteration, answers, run.FinalAnswer, run.IsSatisfactory, feedback,
		run.ErrorReason, run.Provider, run.Model,
		run.Usage.PromptTokens, run.Usage.CompletionTokens, run.Usage.ReasoningTokens,
		run.Usage.TotalTokens, run.Usage.Cost, completed.UnixNano(), completed.UnixNano(), run.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: finish run %s: %w", run.ID, storage.ErrRunTerminal)
	}
	return nil
}

// ListStaleRuns returns pending runs not updated since before, oldest first.
func (s *Store) ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status = 'pending' AND updated_at < ?
		 ORDER BY updated_at ASC LIMIT ?`, before.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan stale run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRunsByThread returns the most recent runs of a thread, newest first.
func (s *Store) ListRunsByThread(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE thread_id = ? ORDER BY created_at DESC LIMIT ?`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CreateSubQuestions inserts a batch of pending sub-questions atomically.
func (s *Store) CreateSubQuestions(ctx context.Context, sqs []model.SubQuestion) error {
	if len(sqs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, sq := range sqs {
			refs, err := encodeJSON(sq.ContextRefs)
			if err != nil {
				return err
			}
			created := toNanos(sq.CreatedAt)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sub_questions (id, run_id, thread_id, parent_message_id, question, iteration, ord,
				 status, context_refs, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sq.ID, sq.RunID, sq.ThreadID, sq.ParentMessageID, sq.Question, sq.Iteration, sq.Order,
				string(sq.Status), refs, created, created,
			); err != nil {
				return fmt.Errorf("sqlite: create sub-questions: %w", err)
			}
		}
		return nil
	})
}

// ListSubQuestions returns every sub-question of a run ordered by (iteration, order).
func (s *Store) ListSubQuestions(ctx context.Context, runID uuid.UUID) ([]model.SubQuestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, thread_id, parent_message_id, question, iteration, ord, status, answer,
		 context_refs, error_reason, prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost,
		 created_at, updated_at
		 FROM sub_questions WHERE run_id = ? ORDER BY iteration, ord`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sub-questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SubQuestion
	for rows.Next() {
		var (
			sq               model.SubQuestion
			refs             string
			created, updated int64
		)
		if err := rows.Scan(
			&sq.ID, &sq.RunID, &sq.ThreadID, &sq.ParentMessageID, &sq.Question, &sq.Iteration, &sq.Order,
			&sq.Status, &sq.Answer, &refs, &sq.ErrorReason,
			&sq.Usage.PromptTokens, &sq.Usage.CompletionTokens, &sq.Usage.ReasoningTokens,
			&sq.Usage.TotalTokens, &sq.Usage.Cost, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan sub-question: %w", err)
		}
		if sq.ContextRefs, err = decodeJSON[model.ContextRef](refs); err != nil {
			return nil, err
		}
		sq.CreatedAt = fromNanos(created)
		sq.UpdatedAt = fromNanos(updated)
		out = append(out, sq)
	}
	return out, rows.Err()
}

// ResolveSubQuestion records the single pending → answered|error transition.
func (s *Store) ResolveSubQuestion(ctx context.Context, sq model.SubQuestion) error {
	if sq.Status == model.SubQuestionPending {
		return fmt.Errorf("sqlite: resolve sub-question %s: target status must not be pending", sq.ID)
	}
	refs, err := encodeJSON(sq.ContextRefs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sub_questions SET status = ?, answer = ?, context_refs = ?, error_reason = ?,
		 prompt_tokens = ?, completion_tokens = ?, reasoning_tokens = ?, total_tokens = ?, cost = ?,
		 updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(sq.Status), sq.Answer, refs, sq.ErrorReason,
		sq.Usage.PromptTokens, sq.Usage.CompletionTokens, sq.Usage.ReasoningTokens, sq.Usage.TotalTokens,
		sq.Usage.Cost, time.Now().UnixNano(), sq.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: resolve sub-question: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: resolve sub-question %s: %w", sq.ID, storage.ErrAlreadyResolved)
	}
	return nil
}
