package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

const (
	// SearchExcerptLen bounds the body returned with a search candidate.
	SearchExcerptLen = 300
	// FetchBodyLen bounds the body returned when content is fetched for answering.
	FetchBodyLen = 1500
)

// CreateKnowledgeItem inserts a knowledge item.
func (db *DB) CreateKnowledgeItem(ctx context.Context, item model.KnowledgeItem) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO knowledge_items (id, owner_id, item_type, title, body, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.OwnerID, string(item.Type), item.Title, item.Body, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create knowledge item: %w", err)
	}
	return nil
}

// KeywordPattern builds a case-insensitive alternation matching any keyword.
func KeywordPattern(keywords []string) string {
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			parts = append(parts, regexp.QuoteMeta(k))
		}
	}
	return strings.Join(parts, "|")
}

// SearchKnowledge returns the owner's items whose title or body matches any
// keyword, most recently updated first.
func (db *DB) SearchKnowledge(ctx context.Context, ownerID uuid.UUID, keywords []string, limit int) ([]model.KnowledgeItem, error) {
	pattern := KeywordPattern(keywords)
	if pattern == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, item_type, title, left(body, $4), updated_at
		 FROM knowledge_items
		 WHERE owner_id = $1 AND (title ~* $2 OR body ~* $2)
		 ORDER BY updated_at DESC LIMIT $3`,
		ownerID, pattern, limit, SearchExcerptLen)
	if err != nil {
		return nil, fmt.Errorf("storage: search knowledge: %w", err)
	}
	return collectKnowledge(rows)
}

// FetchKnowledge loads the referenced items with a fixed field set, at most
// perType items of each knowledge type, in reference order.
func (db *DB) FetchKnowledge(ctx context.Context, ownerID uuid.UUID, refs []model.ContextRef, perType int) ([]model.KnowledgeItem, error) {
	ids := SelectPerType(refs, perType)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, item_type, title, left(body, $3), updated_at
		 FROM knowledge_items WHERE owner_id = $1 AND id = ANY($2)`,
		ownerID, ids, FetchBodyLen)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch knowledge: %w", err)
	}
	items, err := collectKnowledge(rows)
	if err != nil {
		return nil, err
	}
	return OrderByIDs(items, ids), nil
}

func collectKnowledge(rows pgx.Rows) ([]model.KnowledgeItem, error) {
	defer rows.Close()
	var items []model.KnowledgeItem
	for rows.Next() {
		var it model.KnowledgeItem
		if err := rows.Scan(&it.ID, &it.OwnerID, &it.Type, &it.Title, &it.Body, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SelectPerType keeps at most perType references of each type, preserving order.
func SelectPerType(refs []model.ContextRef, perType int) []uuid.UUID {
	if perType <= 0 {
		perType = 10
	}
	counts := make(map[model.KnowledgeType]int)
	seen := make(map[uuid.UUID]bool)
	ids := make([]uuid.UUID, 0, len(refs))
	for _, r := range refs {
		if seen[r.ID] || counts[r.Type] >= perType {
			continue
		}
		seen[r.ID] = true
		counts[r.Type]++
		ids = append(ids, r.ID)
	}
	return ids
}

// OrderByIDs reorders items to follow ids, dropping items not listed.
func OrderByIDs(items []model.KnowledgeItem, ids []uuid.UUID) []model.KnowledgeItem {
	byID := make(map[uuid.UUID]model.KnowledgeItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]model.KnowledgeItem, 0, len(items))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out
}

// ListKnowledgeSince pages through every owner's items in (updated_at, id)
// order, starting strictly after the given position. Bodies are not truncated.
func (db *DB) ListKnowledgeSince(ctx context.Context, since time.Time, afterID uuid.UUID, limit int) ([]model.KnowledgeItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, item_type, title, body, updated_at
		 FROM knowledge_items
		 WHERE (updated_at, id) > ($1, $2)
		 ORDER BY updated_at ASC, id ASC LIMIT $3`,
		since, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list knowledge since: %w", err)
	}
	return collectKnowledge(rows)
}
