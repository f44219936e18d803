// Package search serves the knowledge base from an external Qdrant index
// with transparent fallback to keyword search in the primary store.
package search

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// KnowledgeBase is the read side the answer engine consumes. Implementations
// must be safe for concurrent use.
type KnowledgeBase interface {
	SearchKnowledge(ctx context.Context, ownerID uuid.UUID, keywords []string, limit int) ([]model.KnowledgeItem, error)
	FetchKnowledge(ctx context.Context, ownerID uuid.UUID, refs []model.ContextRef, perType int) ([]model.KnowledgeItem, error)
}

// HealthChecker reports whether an index is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Fallback routes knowledge queries to the index while it is healthy and to
// the store otherwise. An index error on a single query also falls through to
// the store, so a flapping index never fails a sub-question on its own.
type Fallback struct {
	index  KnowledgeBase
	health HealthChecker
	store  KnowledgeBase
	logger *slog.Logger
}

// NewFallback wraps index (which must also implement HealthChecker, or be nil)
// with store as the fallback.
func NewFallback(index KnowledgeBase, store KnowledgeBase, logger *slog.Logger) *Fallback {
	f := &Fallback{index: index, store: store, logger: logger}
	if hc, ok := index.(HealthChecker); ok {
		f.health = hc
	}
	return f
}

func (f *Fallback) useIndex(ctx context.Context) bool {
	if f.index == nil {
		return false
	}
	if f.health == nil {
		return true
	}
	if err := f.health.Healthy(ctx); err != nil {
		f.logger.Debug("search: index unhealthy, using store", "error", err)
		return false
	}
	return true
}

// SearchKnowledge implements KnowledgeBase.
func (f *Fallback) SearchKnowledge(ctx context.Context, ownerID uuid.UUID, keywords []string, limit int) ([]model.KnowledgeItem, error) {
	if f.useIndex(ctx) {
		items, err := f.index.SearchKnowledge(ctx, ownerID, keywords, limit)
		if err == nil {
			return items, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("search: index query failed, falling back to store", "error", err)
	}
	return f.store.SearchKnowledge(ctx, ownerID, keywords, limit)
}

// FetchKnowledge implements KnowledgeBase.
func (f *Fallback) FetchKnowledge(ctx context.Context, ownerID uuid.UUID, refs []model.ContextRef, perType int) ([]model.KnowledgeItem, error) {
	if f.useIndex(ctx) {
		items, err := f.index.FetchKnowledge(ctx, ownerID, refs, perType)
		if err == nil {
			return items, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("search: index fetch failed, falling back to store", "error", err)
	}
	return f.store.FetchKnowledge(ctx, ownerID, refs, perType)
}

// Healthy reports the index status; a store-only Fallback is always healthy.
func (f *Fallback) Healthy(ctx context.Context) error {
	if f.health == nil {
		return nil
	}
	return f.health.Healthy(ctx)
}
