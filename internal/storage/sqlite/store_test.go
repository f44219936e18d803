package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/storage/sqlite"
	"github.com/ashita-ai/kotae/internal/testutil"
)

func seed(t *testing.T, s *sqlite.Store) model.Run {
	t.Helper()
	ctx := context.Background()
	thread := model.Thread{ID: uuid.New(), OwnerID: uuid.New(), Title: "trip", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateThread(ctx, thread))
	msg, err := s.CreateMessage(ctx, model.Message{ID: uuid.New(), ThreadID: thread.ID, Role: model.RoleUser, Content: "hello"})
	require.NoError(t, err)
	run := model.Run{
		ID: uuid.New(), ThreadID: thread.ID, MessageID: msg.ID, OwnerID: thread.OwnerID,
		MinIterations: 1, MaxIterations: 3, CurrentIteration: 1, Status: model.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))
	return run
}

func TestOpenTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := sqlite.MemoryDSN(t.Name())
	first, err := sqlite.Open(ctx, dsn, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	second, err := sqlite.Open(ctx, dsn, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestMemoryDSNSanitizesName(t *testing.T) {
	dsn := sqlite.MemoryDSN("TestX/sub case")
	assert.Contains(t, dsn, "file:TestX_sub_case?mode=memory")
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLiteStore(t)
	run := seed(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)

	run.CurrentIteration = 2
	run.IntermediateAnswers = []model.IntermediateAnswer{{Iteration: 1, Answer: "draft"}}
	run.LastFeedback = []string{"needs dates"}
	require.NoError(t, s.SaveRunProgress(ctx, run))

	run.CurrentIteration = 1
	require.ErrorIs(t, s.SaveRunProgress(ctx, run), storage.ErrRunTerminal)

	run.CurrentIteration = 2
	run.Status = model.RunStatusAnswered
	run.FinalAnswer = "draft"
	run.IsSatisfactory = true
	require.NoError(t, s.FinishRun(ctx, run))
	require.ErrorIs(t, s.FinishRun(ctx, run), storage.ErrRunTerminal)

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAnswered, got.Status)
	assert.True(t, got.IsSatisfactory)
	assert.Equal(t, []string{"needs dates"}, got.LastFeedback)
	require.Len(t, got.IntermediateAnswers, 1)
	assert.NotNil(t, got.CompletedAt)

	runs, err := s.ListRunsByThread(ctx, run.ThreadID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = s.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubQuestionsAndUsage(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLiteStore(t)
	run := seed(t, s)

	sq := model.SubQuestion{
		ID: uuid.New(), RunID: run.ID, ThreadID: run.ThreadID, ParentMessageID: run.MessageID,
		Question: "when?", Iteration: 1, Status: model.SubQuestionPending,
	}
	require.NoError(t, s.CreateSubQuestions(ctx, []model.SubQuestion{sq}))

	sq.Status = model.SubQuestionError
	sq.ErrorReason = "provider down"
	require.NoError(t, s.ResolveSubQuestion(ctx, sq))
	require.ErrorIs(t, s.ResolveSubQuestion(ctx, sq), storage.ErrAlreadyResolved)

	list, err := s.ListSubQuestions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.SubQuestionError, list[0].Status)
	assert.Equal(t, "provider down", list[0].ErrorReason)

	sqID := sq.ID
	require.NoError(t, s.InsertUsage(ctx, model.UsageRecord{
		ID: uuid.New(), RunID: run.ID, ThreadID: run.ThreadID, OwnerID: run.OwnerID, SubQuestionID: &sqID,
		QueryType: model.QuerySubQuestionAnswer, Failed: true,
	}))
	require.NoError(t, s.InsertUsage(ctx, model.UsageRecord{
		ID: uuid.New(), RunID: run.ID, ThreadID: run.ThreadID, OwnerID: run.OwnerID,
		QueryType: model.QueryFinalAnswer, Usage: model.Usage{PromptTokens: 7, TotalTokens: 9, Cost: 0.25},
	}))
	totals, err := s.SumUsage(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Calls)
	assert.Equal(t, int64(9), totals.Total.TotalTokens)
	assert.InDelta(t, 0.25, totals.ByQueryType[model.QueryFinalAnswer].Cost, 1e-9)
}

func TestKnowledgeSearchEscapesWildcards(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLiteStore(t)
	owner := uuid.New()
	now := time.Now().UTC()

	items := []model.KnowledgeItem{
		{ID: uuid.New(), OwnerID: owner, Type: model.KnowledgeNote, Title: "50% off", Body: "coupon", UpdatedAt: now},
		{ID: uuid.New(), OwnerID: owner, Type: model.KnowledgeTask, Title: "Renew passport", Body: "", UpdatedAt: now.Add(time.Second)},
		{ID: uuid.New(), OwnerID: owner, Type: model.KnowledgeLifeEvent, Title: "5000 steps", Body: "", UpdatedAt: now},
	}
	for _, it := range items {
		require.NoError(t, s.CreateKnowledgeItem(ctx, it))
	}

	found, err := s.SearchKnowledge(ctx, owner, []string{"0%"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, items[0].ID, found[0].ID)

	found, err = s.SearchKnowledge(ctx, owner, []string{"PASSPORT", "coupon"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, items[1].ID, found[0].ID)

	fetched, err := s.FetchKnowledge(ctx, owner, []model.ContextRef{
		{Type: model.KnowledgeTask, ID: items[1].ID},
		{Type: model.KnowledgeNote, ID: items[0].ID},
	}, 1)
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	assert.Equal(t, items[1].ID, fetched[0].ID)
}

func TestFinalMessageOncePerRun(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLiteStore(t)
	run := seed(t, s)

	first, err := s.CreateFinalMessage(ctx, model.Message{ID: uuid.New(), ThreadID: run.ThreadID,
		Role: model.RoleAssistant, Content: "one", RunID: &run.ID})
	require.NoError(t, err)
	second, err := s.CreateFinalMessage(ctx, model.Message{ID: uuid.New(), ThreadID: run.ThreadID,
		Role: model.RoleAssistant, Content: "two", RunID: &run.ID})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetRunMessage(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Content)

	msgs, err := s.ListMessages(ctx, run.ThreadID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestListMessagesUntil(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLiteStore(t)
	run := seed(t, s)
	base := time.Now().UTC().Add(-time.Hour)

	var posted []model.Message
	for i, content := range []string{"early", "trigger", "later"} {
		m, err := s.CreateMessage(ctx, model.Message{ID: uuid.New(), ThreadID: run.ThreadID,
			Role: model.RoleUser, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		posted = append(posted, m)
	}

	msgs, err := s.ListMessages(ctx, run.ThreadID, posted[1].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "early", msgs[0].Content)
	assert.Equal(t, "trigger", msgs[1].Content)

	msgs, err = s.ListMessages(ctx, run.ThreadID, posted[1].CreatedAt, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "trigger", msgs[0].Content)
}
