package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// KnowledgeSource pages through knowledge items in (updated_at, id) order.
type KnowledgeSource interface {
	ListKnowledgeSince(ctx context.Context, since time.Time, afterID uuid.UUID, limit int) ([]model.KnowledgeItem, error)
}

// Upserter writes items to an index.
type Upserter interface {
	Upsert(ctx context.Context, items []model.KnowledgeItem) error
}

// Syncer copies knowledge items from the store into the index. It keeps a
// watermark of the last copied (updated_at, id) and polls for anything newer,
// so a restart re-copies everything once and then follows edits.
type Syncer struct {
	source       KnowledgeSource
	index        Upserter
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	mu      sync.Mutex
	since   time.Time
	afterID uuid.UUID
	synced  atomic.Int64

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewSyncer creates a syncer starting from the beginning of time.
func NewSyncer(source KnowledgeSource, index Upserter, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Syncer {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	return &Syncer{
		source:       source,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		since:        time.Unix(0, 0).UTC(),
		done:         make(chan struct{}),
	}
}

// Start begins the background poll loop. Calls after the first are no-ops.
func (s *Syncer) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("search sync: Start called more than once, ignoring")
		return
	}
	s.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.pollLoop(loopCtx)
}

// Drain stops the poll loop and waits for the in-progress pass to end or ctx
// to expire.
func (s *Syncer) Drain(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	s.cancelLoop()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("search sync: drain timed out")
	}
}

func (s *Syncer) pollLoop(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		passCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		if _, err := s.SyncOnce(passCtx); err != nil && ctx.Err() == nil {
			s.logger.Error("search sync: pass failed", "error", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce copies every item newer than the watermark and returns how many
// were copied. On error the watermark stays at the last complete batch.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for {
		items, err := s.source.ListKnowledgeSince(ctx, s.since, s.afterID, s.batchSize)
		if err != nil {
			return total, err
		}
		if len(items) == 0 {
			break
		}
		if err := s.index.Upsert(ctx, items); err != nil {
			return total, err
		}
		last := items[len(items)-1]
		s.since, s.afterID = last.UpdatedAt, last.ID
		total += len(items)
		s.synced.Add(int64(len(items)))
		if len(items) < s.batchSize {
			break
		}
	}
	if total > 0 {
		s.logger.Info("search sync: items indexed", "count", total)
	}
	return total, nil
}

func (s *Syncer) registerMetrics() {
	meter := telemetry.Meter("kotae/search")
	_, _ = meter.Int64ObservableCounter("kotae.search.items_synced",
		metric.WithDescription("Knowledge items copied into the search index"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.synced.Load())
			return nil
		}),
	)
}
