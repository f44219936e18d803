package search

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// termsVector is the name of the sparse vector holding hashed term counts.
const termsVector = "terms"

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
}

// QdrantIndex is a KnowledgeBase backed by Qdrant. Items are stored as
// points with a sparse term-count vector and their fields as payload; a
// keyword search is a sparse dot-product query scoped to the owner.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// The REST port maps to the gRPC port next to it.
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex connects to Qdrant over gRPC. The connection is lazy.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		cfg.Collection = "kotae_knowledge"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it is missing and ensures the
// payload indexes exist. CreateFieldIndex is idempotent, so indexes added
// later are backfilled on restart.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
				termsVector: {},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"owner_id", "item_type"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}
	intType := qdrant.FieldType_FieldTypeInteger
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "updated_at_unix",
		FieldType:      &intType,
	}); err != nil {
		return fmt.Errorf("search: ensure index on %q: %w", "updated_at_unix", err)
	}

	q.logger.Info("qdrant: payload indexes ensured", "collection", q.collection)
	return nil
}

// SearchKnowledge returns the owner's items sharing at least one term with
// keywords. The best-matching limit items are returned most recently updated
// first, with bodies cut to a search excerpt.
func (q *QdrantIndex) SearchKnowledge(ctx context.Context, ownerID uuid.UUID, keywords []string, limit int) ([]model.KnowledgeItem, error) {
	indices, values := queryVector(keywords)
	if len(indices) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	fetchLimit := uint64(limit) //nolint:gosec // bounded by engine config
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuerySparse(indices, values),
		Using:          qdrant.PtrOf(termsVector),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("owner_id", ownerID.String()),
		}},
		Limit:       &fetchLimit,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	items := make([]model.KnowledgeItem, 0, len(scored))
	for _, sp := range scored {
		it, ok := q.itemFromPoint(sp.GetId(), sp.GetPayload())
		if !ok {
			continue
		}
		it.Body = excerpt(it.Body, storage.SearchExcerptLen)
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items, nil
}

// FetchKnowledge loads the referenced points, at most perType of each type,
// in reference order. Points owned by someone else are dropped.
func (q *QdrantIndex) FetchKnowledge(ctx context.Context, ownerID uuid.UUID, refs []model.ContextRef, perType int) ([]model.KnowledgeItem, error) {
	ids := storage.SelectPerType(refs, perType)
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant get %d points: %w", len(ids), err)
	}

	items := make([]model.KnowledgeItem, 0, len(points))
	for _, p := range points {
		it, ok := q.itemFromPoint(p.GetId(), p.GetPayload())
		if !ok || it.OwnerID != ownerID {
			continue
		}
		it.Body = excerpt(it.Body, storage.FetchBodyLen)
		items = append(items, it)
	}
	return storage.OrderByIDs(items, ids), nil
}

// Upsert writes items to the index.
func (q *QdrantIndex) Upsert(ctx context.Context, items []model.KnowledgeItem) error {
	if len(items) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(items))
	for _, it := range items {
		indices, values := termVector(it.Title + " " + it.Body)
		points = append(points, &qdrant.PointStruct{
			Id: qdrant.NewID(it.ID.String()),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				termsVector: qdrant.NewVectorSparse(indices, values),
			}),
			Payload: qdrant.NewValueMap(itemPayload(it)),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(items), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds and concurrent checks after expiry share one gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight reuses the first caller's context, so the check runs on
	// its own.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores err (or nil); atomic.Value cannot hold a nil interface.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func itemPayload(it model.KnowledgeItem) map[string]any {
	return map[string]any{
		"owner_id":        it.OwnerID.String(),
		"item_type":       string(it.Type),
		"title":           it.Title,
		"body":            it.Body,
		"updated_at_unix": it.UpdatedAt.UnixNano(),
	}
}

func (q *QdrantIndex) itemFromPoint(id *qdrant.PointId, payload map[string]*qdrant.Value) (model.KnowledgeItem, bool) {
	itemID, err := uuid.Parse(id.GetUuid())
	if err != nil {
		q.logger.Warn("qdrant: invalid UUID in point ID", "id", id.GetUuid())
		return model.KnowledgeItem{}, false
	}
	owner, err := uuid.Parse(payload["owner_id"].GetStringValue())
	if err != nil {
		q.logger.Warn("qdrant: point without owner", "id", itemID)
		return model.KnowledgeItem{}, false
	}
	return model.KnowledgeItem{
		ID:        itemID,
		OwnerID:   owner,
		Type:      model.KnowledgeType(payload["item_type"].GetStringValue()),
		Title:     payload["title"].GetStringValue(),
		Body:      payload["body"].GetStringValue(),
		UpdatedAt: time.Unix(0, payload["updated_at_unix"].GetIntegerValue()).UTC(),
	}, true
}

// terms lowercases text and splits it on anything that is not a letter or digit.
func terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func termIndex(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return h.Sum32()
}

// termVector is the sparse term-count vector of text, indices ascending.
func termVector(text string) ([]uint32, []float32) {
	counts := make(map[uint32]float32)
	for _, t := range terms(text) {
		counts[termIndex(t)]++
	}
	return sparse(counts)
}

// queryVector weights every distinct keyword term once.
func queryVector(keywords []string) ([]uint32, []float32) {
	counts := make(map[uint32]float32)
	for _, k := range keywords {
		for _, t := range terms(k) {
			counts[termIndex(t)] = 1
		}
	}
	return sparse(counts)
}

func sparse(counts map[uint32]float32) ([]uint32, []float32) {
	indices := make([]uint32, 0, len(counts))
	for i := range counts {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = counts[idx]
	}
	return indices, values
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
