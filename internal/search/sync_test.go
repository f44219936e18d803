package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/testutil"
)

type recordingIndex struct {
	mu    sync.Mutex
	items map[uuid.UUID]model.KnowledgeItem
	calls int
	fail  error
}

func (r *recordingIndex) Upsert(_ context.Context, items []model.KnowledgeItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return r.fail
	}
	if r.items == nil {
		r.items = make(map[uuid.UUID]model.KnowledgeItem)
	}
	for _, it := range items {
		r.items[it.ID] = it
	}
	return nil
}

func (r *recordingIndex) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func seedKnowledge(t *testing.T, src interface {
	CreateKnowledgeItem(context.Context, model.KnowledgeItem) error
}, owner uuid.UUID, n int, at time.Time) []model.KnowledgeItem {
	t.Helper()
	items := make([]model.KnowledgeItem, n)
	for i := range items {
		items[i] = model.KnowledgeItem{
			ID: uuid.New(), OwnerID: owner, Type: model.KnowledgeNote,
			Title: "note", Body: "body", UpdatedAt: at.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, src.CreateKnowledgeItem(context.Background(), items[i]))
	}
	return items
}

func TestSyncOncePagesAndFollowsWatermark(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	index := &recordingIndex{}
	s := NewSyncer(store, index, testutil.TestLogger(), time.Hour, 2)
	ctx := context.Background()
	owner := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)

	seedKnowledge(t, store, owner, 5, base)
	n, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, index.len())
	assert.Equal(t, 3, index.calls, "batches of 2, 2, 1")

	n, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing newer than the watermark")

	seedKnowledge(t, store, owner, 1, base.Add(time.Minute))
	n, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 6, index.len())
}

func TestSyncOnceKeepsWatermarkOnError(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	index := &recordingIndex{fail: errors.New("index down")}
	s := NewSyncer(store, index, testutil.TestLogger(), time.Hour, 10)
	ctx := context.Background()
	seedKnowledge(t, store, uuid.New(), 3, time.Now().UTC().Add(-time.Hour))

	_, err := s.SyncOnce(ctx)
	require.ErrorContains(t, err, "index down")

	index.mu.Lock()
	index.fail = nil
	index.mu.Unlock()
	n, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSyncerStartDrain(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	index := &recordingIndex{}
	s := NewSyncer(store, index, testutil.TestLogger(), 10*time.Millisecond, 10)
	seedKnowledge(t, store, uuid.New(), 2, time.Now().UTC().Add(-time.Hour))

	s.Drain(context.Background()) // before Start: no-op
	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return index.len() == 2 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Drain(ctx)
	select {
	case <-s.done:
	default:
		t.Fatal("poll loop still running after Drain")
	}
}
