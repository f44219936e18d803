package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// InsertUsage appends one record to the usage ledger.
func (db *DB) InsertUsage(ctx context.Context, rec model.UsageRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO usage_records (id, run_id, thread_id, sub_question_id, owner_id, query_type,
		 prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost, provider, model, failed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.RunID, rec.ThreadID, rec.SubQuestionID, rec.OwnerID, string(rec.QueryType),
		rec.PromptTokens, rec.CompletionTokens, rec.ReasoningTokens, rec.TotalTokens, rec.Cost,
		rec.Provider, rec.Model, rec.Failed, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert usage: %w", err)
	}
	return nil
}

// SumUsage aggregates a run's ledger per query type in SQL.
func (db *DB) SumUsage(ctx context.Context, runID uuid.UUID) (model.UsageTotals, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT query_type, COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		 COALESCE(SUM(reasoning_tokens), 0), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
		 FROM usage_records WHERE run_id = $1 GROUP BY query_type`, runID)
	if err != nil {
		return model.UsageTotals{}, fmt.Errorf("storage: sum usage: %w", err)
	}
	defer rows.Close()

	totals := model.UsageTotals{ByQueryType: make(map[model.QueryType]model.Usage, len(model.QueryTypes))}
	for rows.Next() {
		var (
			qt    model.QueryType
			calls int
			u     model.Usage
		)
		if err := rows.Scan(&qt, &calls, &u.PromptTokens, &u.CompletionTokens, &u.ReasoningTokens,
			&u.TotalTokens, &u.Cost); err != nil {
			return model.UsageTotals{}, fmt.Errorf("storage: scan usage: %w", err)
		}
		totals.ByQueryType[qt] = u
		totals.Total = totals.Total.Add(u)
		totals.Calls += calls
	}
	return totals, rows.Err()
}
