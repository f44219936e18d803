package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

const messageColumns = `id, thread_id, role, content, provider, model, run_id,
	prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost, created_at`

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m       model.Message
		runID   uuid.NullUUID
		created int64
	)
	err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.Provider, &m.Model, &runID,
		&m.Usage.PromptTokens, &m.Usage.CompletionTokens, &m.Usage.ReasoningTokens,
		&m.Usage.TotalTokens, &m.Usage.Cost, &created)
	if err != nil {
		return model.Message{}, err
	}
	if runID.Valid {
		m.RunID = &runID.UUID
	}
	m.CreatedAt = fromNanos(created)
	return m, nil
}

// CreateThread inserts a thread.
func (s *Store) CreateThread(ctx context.Context, t model.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, owner_id, title, system_instructions, provider, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, t.SystemInstructions, t.Provider, t.Model, toNanos(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error) {
	var (
		t       model.Thread
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, system_instructions, provider, model, created_at
		 FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.OwnerID, &t.Title, &t.SystemInstructions, &t.Provider, &t.Model, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("sqlite: thread %s: %w", id, storage.ErrNotFound)
		}
		return model.Thread{}, fmt.Errorf("sqlite: get thread: %w", err)
	}
	t.CreatedAt = fromNanos(created)
	return t, nil
}

func insertMessage(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, m model.Message, onConflict string) (sql.Result, error) {
	return exec.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, provider, model, run_id,
		 prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+onConflict,
		m.ID, m.ThreadID, string(m.Role), m.Content, m.Provider, m.Model, m.RunID,
		m.Usage.PromptTokens, m.Usage.CompletionTokens, m.Usage.ReasoningTokens,
		m.Usage.TotalTokens, m.Usage.Cost, toNanos(m.CreatedAt))
}

// CreateMessage appends a message to its thread.
func (s *Store) CreateMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := insertMessage(ctx, s.db, m, ""); err != nil {
		return model.Message{}, fmt.Errorf("sqlite: create message: %w", err)
	}
	return m, nil
}

// CreateFinalMessage writes the assistant message produced by a run.
// A second call for the same run returns the message already stored.
func (s *Store) CreateFinalMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.RunID == nil {
		return model.Message{}, fmt.Errorf("sqlite: final message requires a run_id")
	}
	var stored model.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := insertMessage(ctx, tx, m, ` ON CONFLICT (run_id) DO NOTHING`); err != nil {
			return fmt.Errorf("sqlite: create final message: %w", err)
		}
		var err error
		stored, err = scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE run_id = ?`, *m.RunID))
		if err != nil {
			return fmt.Errorf("sqlite: read final message: %w", err)
		}
		return nil
	})
	return stored, err
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, fmt.Errorf("sqlite: message %s: %w", id, storage.ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("sqlite: get message: %w", err)
	}
	return m, nil
}

// GetRunMessage returns the assistant message a run produced, if any.
func (s *Store) GetRunMessage(ctx context.Context, runID uuid.UUID) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE run_id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, fmt.Errorf("sqlite: message for run %s: %w", runID, storage.ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("sqlite: get run message: %w", err)
	}
	return m, nil
}

// ListMessages returns the last limit messages of a thread created at or
// before until, in chronological order. A zero until reads the latest messages.
func (s *Store) ListMessages(ctx context.Context, threadID uuid.UUID, until time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	bound := int64(math.MaxInt64)
	if !until.IsZero() {
		bound = toNanos(until)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? AND created_at <= ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, threadID, bound, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// CreateKnowledgeItem inserts a knowledge item.
func (s *Store) CreateKnowledgeItem(ctx context.Context, item model.KnowledgeItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_items (id, owner_id, item_type, title, body, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.OwnerID, string(item.Type), item.Title, item.Body, toNanos(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create knowledge item: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchKnowledge returns the owner's items whose title or body contains any
// keyword (ASCII case-insensitive), most recently updated first.
func (s *Store) SearchKnowledge(ctx context.Context, ownerID uuid.UUID, keywords []string, limit int) ([]model.KnowledgeItem, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		conds []string
		args  = []any{storage.SearchExcerptLen, ownerID}
	)
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		pattern := "%" + likeEscaper.Replace(k) + "%"
		conds = append(conds, `title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\'`)
		args = append(args, pattern, pattern)
	}
	if len(conds) == 0 {
		return nil, nil
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, item_type, title, substr(body, 1, ?), updated_at
		 FROM knowledge_items WHERE owner_id = ? AND (`+strings.Join(conds, " OR ")+`)
		 ORDER BY updated_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search knowledge: %w", err)
	}
	return collectKnowledge(rows)
}

// FetchKnowledge loads the referenced items, at most perType of each type,
// in reference order.
func (s *Store) FetchKnowledge(ctx context.Context, ownerID uuid.UUID, refs []model.ContextRef, perType int) ([]model.KnowledgeItem, error) {
	ids := storage.SelectPerType(refs, perType)
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{storage.FetchBodyLen, ownerID}
	marks := make([]string, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, item_type, title, substr(body, 1, ?), updated_at
		 FROM knowledge_items WHERE owner_id = ? AND id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch knowledge: %w", err)
	}
	items, err := collectKnowledge(rows)
	if err != nil {
		return nil, err
	}
	return storage.OrderByIDs(items, ids), nil
}

// ListKnowledgeSince pages through every owner's items in (updated_at, id)
// order, starting strictly after the given position.
func (s *Store) ListKnowledgeSince(ctx context.Context, since time.Time, afterID uuid.UUID, limit int) ([]model.KnowledgeItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, item_type, title, body, updated_at
		 FROM knowledge_items
		 WHERE (updated_at, id) > (?, ?)
		 ORDER BY updated_at ASC, id ASC LIMIT ?`,
		since.UnixNano(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list knowledge since: %w", err)
	}
	return collectKnowledge(rows)
}

func collectKnowledge(rows *sql.Rows) ([]model.KnowledgeItem, error) {
	defer func() { _ = rows.Close() }()
	var items []model.KnowledgeItem
	for rows.Next() {
		var (
			it      model.KnowledgeItem
			updated int64
		)
		if err := rows.Scan(&it.ID, &it.OwnerID, &it.Type, &it.Title, &it.Body, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan knowledge item: %w", err)
		}
		it.UpdatedAt = fromNanos(updated)
		items = append(items, it)
	}
	return items, rows.Err()
}

// InsertUsage appends one record to the usage ledger.
func (s *Store) InsertUsage(ctx context.Context, rec model.UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, run_id, thread_id, sub_question_id, owner_id, query_type,
		 prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, cost, provider, model, failed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.ThreadID, rec.SubQuestionID, rec.OwnerID, string(rec.QueryType),
		rec.PromptTokens, rec.CompletionTokens, rec.ReasoningTokens, rec.TotalTokens, rec.Cost,
		rec.Provider, rec.Model, rec.Failed, toNanos(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert usage: %w", err)
	}
	return nil
}

// SumUsage aggregates a run's ledger per query type.
func (s *Store) SumUsage(ctx context.Context, runID uuid.UUID) (model.UsageTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query_type, COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		 COALESCE(SUM(reasoning_tokens), 0), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0.0)
		 FROM usage_records WHERE run_id = ? GROUP BY query_type`, runID)
	if err != nil {
		return model.UsageTotals{}, fmt.Errorf("sqlite: sum usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	totals := model.UsageTotals{ByQueryType: make(map[model.QueryType]model.Usage, len(model.QueryTypes))}
	for rows.Next() {
		var (
			qt    model.QueryType
			calls int
			u     model.Usage
		)
		if err := rows.Scan(&qt, &calls, &u.PromptTokens, &u.CompletionTokens, &u.ReasoningTokens,
			&u.TotalTokens, &u.Cost); err != nil {
			return model.UsageTotals{}, fmt.Errorf("sqlite: scan usage: %w", err)
		}
		totals.ByQueryType[qt] = u
		totals.Total = totals.Total.Add(u)
		totals.Calls += calls
	}
	return totals, rows.Err()
}
