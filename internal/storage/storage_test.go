package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/testutil"
	"github.com/ashita-ai/kotae/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage test: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)
	return m.Run()
}

// seedRun creates a thread, a user message and a pending run.
func seedRun(t *testing.T, minIter, maxIter int) model.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	thread := model.Thread{ID: uuid.New(), OwnerID: uuid.New(), CreatedAt: now}
	require.NoError(t, testDB.CreateThread(ctx, thread))

	msg, err := testDB.CreateMessage(ctx, model.Message{
		ID: uuid.New(), ThreadID: thread.ID, Role: model.RoleUser, Content: "what should I pack?", CreatedAt: now,
	})
	require.NoError(t, err)

	run := model.Run{
		ID: uuid.New(), ThreadID: thread.ID, MessageID: msg.ID, OwnerID: thread.OwnerID,
		MinIterations: minIter, MaxIterations: maxIter, CurrentIteration: 1,
		Status: model.RunStatusPending, CreatedAt: now,
	}
	require.NoError(t, testDB.CreateRun(ctx, run))
	return run
}

func TestRunMigrationsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestCreateAndGetRun(t *testing.T) {
	run := seedRun(t, 1, 3)

	got, err := testDB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, 1, got.CurrentIteration)
	assert.Empty(t, got.IntermediateAnswers)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRunNotFound(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveRunProgressRejectsRegression(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t, 1, 5)

	run.CurrentIteration = 3
	run.IntermediateAnswers = []model.IntermediateAnswer{{Iteration: 2, Answer: "draft", CreatedAt: time.Now().UTC()}}
	run.LastFeedback = []string{"missing dates"}
	require.NoError(t, testDB.SaveRunProgress(ctx, run))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentIteration)
	require.Len(t, got.IntermediateAnswers, 1)
	assert.Equal(t, "draft", got.IntermediateAnswers[0].Answer)
	assert.Equal(t, []string{"missing dates"}, got.LastFeedback)

	run.CurrentIteration = 2
	err = testDB.SaveRunProgress(ctx, run)
	require.ErrorIs(t, err, storage.ErrRunTerminal)
}

func TestFinishRunOnce(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t, 1, 2)

	run.Status = model.RunStatusAnswered
	run.FinalAnswer = "bring a coat"
	run.Usage = model.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14, Cost: 0.5}
	require.NoError(t, testDB.FinishRun(ctx, run))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAnswered, got.Status)
	assert.Equal(t, "bring a coat", got.FinalAnswer)
	assert.Equal(t, int64(14), got.Usage.TotalTokens)
	assert.NotNil(t, got.CompletedAt)

	run.Status = model.RunStatusError
	err = testDB.FinishRun(ctx, run)
	require.ErrorIs(t, err, storage.ErrRunTerminal)

	err = testDB.SaveRunProgress(ctx, run)
	require.ErrorIs(t, err, storage.ErrRunTerminal)
}

func TestSubQuestionResolvesOnce(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t, 1, 3)

	sqs := []model.SubQuestion{
		{ID: uuid.New(), RunID: run.ID, ThreadID: run.ThreadID, ParentMessageID: run.MessageID,
			Question: "Where is the trip?", Iteration: 1, Order: 0, Status: model.SubQuestionPending, CreatedAt: time.Now().UTC()},
		{ID: uuid.New(), RunID: run.ID, ThreadID: run.ThreadID, ParentMessageID: run.MessageID,
			Question: "How long is the trip?", Iteration: 1, Order: 1, Status: model.SubQuestionPending, CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, testDB.CreateSubQuestions(ctx, sqs))

	// Concurrent resolvers: exactly one transition wins.
	answered := sqs[0]
	answered.Status = model.SubQuestionAnswered
	answered.Answer = "Oslo"
	answered.ContextRefs = []model.ContextRef{{Type: model.KnowledgeNote, ID: uuid.New(), Score: 8}}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := testDB.ResolveSubQuestion(ctx, answered); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrAlreadyResolved) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := testDB.ListSubQuestions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Where is the trip?", got[0].Question)
	assert.Equal(t, model.SubQuestionAnswered, got[0].Status)
	require.Len(t, got[0].ContextRefs, 1)
	assert.Equal(t, model.SubQuestionPending, got[1].Status)
}

func TestUsageTotalsSumLedger(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t, 1, 3)

	records := []model.UsageRecord{
		{QueryType: model.QueryQuestionGeneration, Usage: model.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, Cost: 0.1}},
		{QueryType: model.QuerySubQuestionAnswer, Usage: model.Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60, Cost: 0.05}},
		{QueryType: model.QuerySubQuestionAnswer, Usage: model.Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60, Cost: 0.05}},
		{QueryType: model.QueryEvaluation, Failed: true},
	}
	for _, r := range records {
		r.ID = uuid.New()
		r.RunID = run.ID
		r.ThreadID = run.ThreadID
		r.OwnerID = run.OwnerID
		r.CreatedAt = time.Now().UTC()
		require.NoError(t, testDB.InsertUsage(ctx, r))
	}

	totals, err := testDB.SumUsage(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, totals.Calls)
	assert.Equal(t, int64(240), totals.Total.TotalTokens)
	assert.InDelta(t, 0.2, totals.Total.Cost, 1e-9)
	assert.Equal(t, int64(120), totals.ByQueryType[model.QuerySubQuestionAnswer].TotalTokens)
	assert.Equal(t, model.Usage{}, totals.ByQueryType[model.QueryEvaluation])
}

func TestFinalMessageIdempotentPerRun(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t, 1, 1)

	first, err := testDB.CreateFinalMessage(ctx, model.Message{
		ID: uuid.New(), ThreadID: run.ThreadID, Role: model.RoleAssistant, Content: "first", RunID: &run.ID, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	second, err := testDB.CreateFinalMessage(ctx, model.Message{
		ID: uuid.New(), ThreadID: run.ThreadID, Role: model.RoleAssistant, Content: "second", RunID: &run.ID, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "first", second.Content)

	msgs, err := testDB.ListMessages(ctx, run.ThreadID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
}

func TestSearchAndFetchKnowledge(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)

	items := []model.KnowledgeItem{
		{ID: uuid.New(), OwnerID: owner, Type: model.KnowledgeTask, Title: "Book flights to Oslo", Body: "Before March", UpdatedAt: base},
		{ID: uuid.New(), OwnerID: owner, Type: model.KnowledgeNote, Title: "Packing list", Body: "Warm coat for oslo winter", UpdatedAt: base.Add(time.Minute)},
		{ID: uuid.New(), OwnerID: owner, Type: model.KnowledgeNote, Title: "Groceries", Body: "milk", UpdatedAt: base.Add(2 * time.Minute)},
		{ID: uuid.New(), OwnerID: uuid.New(), Type: model.KnowledgeNote, Title: "Oslo for someone else", UpdatedAt: base},
	}
	for _, it := range items {
		require.NoError(t, testDB.CreateKnowledgeItem(ctx, it))
	}

	found, err := testDB.SearchKnowledge(ctx, owner, []string{"OSLO", "c++"}, 20)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, items[1].ID, found[0].ID, "most recently updated first")
	assert.Equal(t, items[0].ID, found[1].ID)

	none, err := testDB.SearchKnowledge(ctx, owner, nil, 20)
	require.NoError(t, err)
	assert.Empty(t, none)

	fetched, err := testDB.FetchKnowledge(ctx, owner, []model.ContextRef{
		{Type: model.KnowledgeNote, ID: items[1].ID},
		{Type: model.KnowledgeTask, ID: items[0].ID},
		{Type: model.KnowledgeNote, ID: items[3].ID}, // other owner
	}, 10)
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	assert.Equal(t, items[1].ID, fetched[0].ID)
	assert.Equal(t, "Warm coat for oslo winter", fetched[0].Body)
}

func TestListStaleRuns(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t, 1, 3)

	ids, err := testDB.ListStaleRuns(ctx, time.Now().Add(time.Minute), 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, run.ID)

	ids, err = testDB.ListStaleRuns(ctx, time.Now().Add(-time.Hour), 1000)
	require.NoError(t, err)
	assert.NotContains(t, ids, run.ID)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("boom")
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestPublishRunEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelRuns))
	run := seedRun(t, 1, 1)
	run.Status = model.RunStatusAnswered
	require.NoError(t, testDB.PublishRunEvent(ctx, run))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelRuns, channel)
	assert.Contains(t, payload, run.ID.String())
	assert.Contains(t, payload, `"answered"`)
}
