package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/storage/sqlite"
)

func TestRunStopsWhenSatisfied(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	res := f.run(t, 1, 3)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.Equal(t, 1, res.Run.CurrentIteration)
	assert.True(t, res.Run.IsSatisfactory)
	require.Len(t, res.Run.IntermediateAnswers, 1)
	assert.Equal(t, res.Run.IntermediateAnswers[0].Answer, res.Run.FinalAnswer)
	assert.Equal(t, "scripted", res.Run.Provider)

	require.NotNil(t, res.Message)
	assert.Equal(t, model.RoleAssistant, res.Message.Role)
	assert.Equal(t, res.Run.FinalAnswer, res.Message.Content)
	require.NotNil(t, res.Message.RunID)
	assert.Equal(t, res.Run.ID, *res.Message.RunID)

	sqs, err := f.store.ListSubQuestions(context.Background(), res.Run.ID)
	require.NoError(t, err)
	require.Len(t, sqs, 1)
	assert.Equal(t, model.SubQuestionAnswered, sqs[0].Status)
	assert.Equal(t, "ANSWER(Where exactly is the planned spring trip going?)", sqs[0].Answer)
	assert.NotEmpty(t, sqs[0].ContextRefs)
	assert.Equal(t, int64(45), sqs[0].Usage.TotalTokens, "keywords, relevance and answer calls")
}

func TestRunHonorsMinIterations(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	res := f.run(t, 3, 5)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.Equal(t, 3, res.Run.CurrentIteration)
	require.Len(t, res.Run.IntermediateAnswers, 3)
	for i, ia := range res.Run.IntermediateAnswers {
		assert.Equal(t, i+1, ia.Iteration)
	}
	assert.Equal(t, 3, f.gw.count(OpEvaluate))
	assert.Equal(t, 3, f.gw.count(OpDecompose))
	assert.NotNil(t, res.Message)
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.on(OpEvaluate, reply(`{"is_satisfactory": false, "confidence": 0.3, "reason": "thin", "gaps": ["flight times"]}`))

	res := f.run(t, 1, 2)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.False(t, res.Run.IsSatisfactory)
	assert.Equal(t, 3, res.Run.CurrentIteration, "counter moves past max when the loop exhausts")
	assert.Len(t, res.Run.IntermediateAnswers, 2)
	assert.Equal(t, 2, f.gw.count(OpEvaluate))
	require.NotNil(t, res.Message)
	assert.Equal(t, res.Run.FinalAnswer, res.Message.Content)

	decomposeReqs := f.gw.requestsFor(OpDecompose)
	require.Len(t, decomposeReqs, 2)
	second := decomposeReqs[1].Messages[1].Content
	assert.Contains(t, second, "Gaps to close")
	assert.Contains(t, second, "flight times")
	assert.Contains(t, second, "Already asked")
}

func TestRunInvalidBounds(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
	}{
		{"min above max", 5, 2},
		{"zero min", 0, 2},
		{"above cap", 1, model.HardMaxIterations + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, nil)
			res := f.run(t, tt.min, tt.max)

			assert.Equal(t, model.RunStatusError, res.Run.Status)
			assert.Contains(t, res.Run.ErrorReason, "invalid iteration bounds")
			assert.Nil(t, res.Message)

			sqs, err := f.store.ListSubQuestions(context.Background(), res.Run.ID)
			require.NoError(t, err)
			assert.Empty(t, sqs)
			assert.Zero(t, f.gw.total.Load())
			assert.Zero(t, f.resolver.resolved.Load())
		})
	}
}

func TestRunPartialSubQuestionFailure(t *testing.T) {
	f := newFixture(t, Config{}, func(s *sqlite.Store) KnowledgeBase {
		return failingKB{KnowledgeBase: s, keyword: "beta"}
	})
	f.gw.on(OpDecompose, reply(`{"essential": [
		"Which alpha flights did I book?",
		"Which beta hotels did I reserve?",
		"Which gamma restaurants are nearby?"
	]}`))
	// Force the naive keyword path so "beta" reaches the knowledge base.
	f.gw.on(OpKeywords, fail())

	res := f.run(t, 1, 1)
	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)

	sqs, err := f.store.ListSubQuestions(context.Background(), res.Run.ID)
	require.NoError(t, err)
	require.Len(t, sqs, 3)
	assert.Equal(t, model.SubQuestionAnswered, sqs[0].Status)
	assert.Equal(t, model.SubQuestionError, sqs[1].Status)
	assert.Contains(t, sqs[1].ErrorReason, "context retrieval failed")
	assert.Empty(t, sqs[1].Answer)
	assert.Equal(t, model.SubQuestionAnswered, sqs[2].Status)

	synth := f.gw.requestsFor(OpSynthesize)
	require.Len(t, synth, 1)
	prompt := synth[0].Messages[len(synth[0].Messages)-1].Content
	assert.Contains(t, prompt, "ANSWER(Which alpha")
	assert.Contains(t, prompt, "ANSWER(Which gamma")
	assert.NotContains(t, prompt, "ANSWER(Which beta")

	view, err := f.engine.Status(context.Background(), res.Run.ID, f.thread.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.SubQuestions[model.SubQuestionAnswered])
	assert.Equal(t, 1, view.SubQuestions[model.SubQuestionError])
	assert.Equal(t, 0, view.SubQuestions[model.SubQuestionPending])
	assert.Equal(t, 0, view.SubQuestions[model.SubQuestionSkipped])
}

func TestRunWithEmptyDecomposition(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.on(OpDecompose, reply(`{"essential": []}`))

	res := f.run(t, 1, 2)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.Zero(t, f.gw.count(OpSubAnswer))
	synth := f.gw.requestsFor(OpSynthesize)
	require.Len(t, synth, 1)
	assert.Contains(t, synth[0].Messages[len(synth[0].Messages)-1].Content, "none were available")
}

func TestRunProceedsWhenDecompositionFails(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.on(OpDecompose, fail())

	res := f.run(t, 1, 1)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.NotEmpty(t, res.Run.FinalAnswer)

	totals, err := f.engine.Usage(context.Background(), res.Run.ID, f.thread.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, int(f.gw.total.Load()), totals.Calls, "failed calls are recorded too")
	assert.Zero(t, totals.ByQueryType[model.QueryQuestionGeneration].TotalTokens)
}

func TestLedgerMatchesGatewayCalls(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	res := f.run(t, 2, 2)

	totals, err := f.engine.Usage(context.Background(), res.Run.ID, f.thread.OwnerID)
	require.NoError(t, err)

	calls := f.gw.total.Load()
	assert.Equal(t, int(calls), totals.Calls)
	assert.Equal(t, 15*calls, totals.Total.TotalTokens)
	assert.InDelta(t, 0.001*float64(calls), totals.Total.Cost, 1e-9)
	assert.Equal(t, totals.Total, res.Run.Usage)

	assert.Equal(t, int64(15*2), totals.ByQueryType[model.QueryQuestionGeneration].TotalTokens)
	assert.Equal(t, int64(15*3), totals.ByQueryType[model.QuerySubQuestionAnswer].TotalTokens)
	assert.Equal(t, int64(15*2), totals.ByQueryType[model.QueryEvaluation].TotalTokens)
	assert.Equal(t, int64(15*2), totals.ByQueryType[model.QueryFinalAnswer].TotalTokens)
	require.NotNil(t, res.Message)
	assert.Equal(t, totals.Total, res.Message.Usage)
}

func TestRunResumesDecomposedIteration(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	run := f.start(t, 1, 1)

	now := time.Now().UTC()
	require.NoError(t, f.store.CreateSubQuestions(ctx, []model.SubQuestion{{
		ID:              uuid.New(),
		RunID:           run.ID,
		ThreadID:        run.ThreadID,
		ParentMessageID: run.MessageID,
		Question:        "Which trip flights are booked?",
		Iteration:       1,
		Status:          model.SubQuestionPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}}))

	res, err := f.engine.RunIteration(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.Zero(t, f.gw.count(OpDecompose))
	assert.Equal(t, 1, f.gw.count(OpSubAnswer))

	sqs, err := f.store.ListSubQuestions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, sqs, 1)
	assert.Equal(t, "ANSWER(Which trip flights are booked?)", sqs[0].Answer)
}

func TestRunResumesSynthesizedIteration(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	run := f.start(t, 1, 1)

	now := time.Now().UTC()
	require.NoError(t, f.store.CreateSubQuestions(ctx, []model.SubQuestion{{
		ID: uuid.New(), RunID: run.ID, ThreadID: run.ThreadID, ParentMessageID: run.MessageID,
		Question: "Which trip flights are booked?", Iteration: 1, Status: model.SubQuestionPending,
		CreatedAt: now, UpdatedAt: now,
	}}))
	run.IntermediateAnswers = []model.IntermediateAnswer{{Iteration: 1, Answer: "Stored candidate answer.", CreatedAt: now}}
	run.FinalAnswer = "Stored candidate answer."
	require.NoError(t, f.store.SaveRunProgress(ctx, run))

	res, err := f.engine.RunIteration(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.Zero(t, f.gw.count(OpSynthesize))
	assert.Equal(t, "Stored candidate answer.", res.Run.FinalAnswer)
	assert.Len(t, res.Run.IntermediateAnswers, 1)
}

func TestEvaluatorFallsBackOnMalformedVerdict(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.on(OpEvaluate, reply(`{"confidence": 0.9}`))

	res := f.run(t, 1, 2)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.True(t, res.Run.IsSatisfactory, "the three-sentence candidate passes every heuristic check")
	assert.Equal(t, 1, res.Run.CurrentIteration)
	assert.Equal(t, 1, f.gw.count(OpEvaluate), "no retry")
}

func TestEvaluatorFallbackStopsWithoutGaps(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.on(OpSynthesize, reply("Maybe Oslo?"))
	f.gw.on(OpEvaluate, fail())

	res := f.run(t, 1, 3)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.False(t, res.Run.IsSatisfactory)
	assert.Equal(t, 1, res.Run.CurrentIteration)
	assert.Equal(t, "Maybe Oslo?", res.Run.FinalAnswer)
}

func TestRunContinuesAfterSynthesisFailure(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.on(OpSynthesize, func(_ context.Context, _ llm.Request, n int) (llm.Response, error) {
		if n == 1 {
			return llm.Response{}, errScripted
		}
		return ok("Oslo in April. Flights are booked. Bring a coat for the cold."), nil
	})

	res := f.run(t, 1, 3)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.Equal(t, 2, res.Run.CurrentIteration)
	require.Len(t, res.Run.IntermediateAnswers, 1)
	assert.Equal(t, 2, res.Run.IntermediateAnswers[0].Iteration)
	assert.Equal(t, 1, f.gw.count(OpEvaluate), "no candidate, no evaluation")
}

func TestSynthesisFailureKeepsPreviousGaps(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.on(OpEvaluate, reply(`{"is_satisfactory": false, "confidence": 0.4, "reason": "incomplete", "gaps": ["return flight date"]}`))
	f.gw.on(OpSynthesize, func(_ context.Context, _ llm.Request, n int) (llm.Response, error) {
		if n == 2 {
			return llm.Response{}, errScripted
		}
		return ok("The trip goes to Oslo in April. Flights are booked. Pack a warm coat."), nil
	})

	res := f.run(t, 3, 3)
	require.Equal(t, model.RunStatusAnswered, res.Run.Status)

	reqs := f.gw.requestsFor(OpDecompose)
	require.Len(t, reqs, 3)
	var third strings.Builder
	for _, m := range reqs[2].Messages {
		third.WriteString(m.Content)
	}
	assert.Contains(t, third.String(), "Gaps to close")
	assert.Contains(t, third.String(), "return flight date")
}

func TestRunConversationAnchoredOnOlderTrigger(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	post := func(content string, at time.Time) model.Message {
		m, err := f.store.CreateMessage(ctx, model.Message{
			ID: uuid.New(), ThreadID: f.thread.ID, Role: model.RoleUser, Content: content, CreatedAt: at,
		})
		require.NoError(t, err)
		return m
	}
	post("We leave from Bergen on the morning train.", base)
	trigger := post("What do I need to prepare for my spring trip?", base.Add(time.Second))
	for i := 0; i < 25; i++ {
		post(fmt.Sprintf("later chatter %d", i), base.Add(time.Duration(i+2)*time.Second))
	}

	started, err := f.engine.Start(ctx, StartInput{
		ThreadID: f.thread.ID, OwnerID: f.thread.OwnerID, MessageID: &trigger.ID,
		MinIterations: intPtr(1), MaxIterations: intPtr(1),
	})
	require.NoError(t, err)
	res, err := f.engine.RunIteration(ctx, started.Run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusAnswered, res.Run.Status)

	reqs := f.gw.requestsFor(OpSynthesize)
	require.Len(t, reqs, 1)
	var contents []string
	for _, m := range reqs[0].Messages {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, "We leave from Bergen on the morning train.")
	assert.Contains(t, contents, trigger.Content)
	for _, c := range contents {
		assert.NotContains(t, c, "later chatter")
	}
}

func TestRunRefreshesUpdatedAtBeforeAnswering(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	run := f.start(t, 1, 1)
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()

	var staleDuringAnswer []uuid.UUID
	f.gw.on(OpSubAnswer, func(ctx context.Context, req llm.Request, n int) (llm.Response, error) {
		if n == 1 {
			ids, err := f.store.ListStaleRuns(ctx, cutoff, 10)
			if err != nil {
				return llm.Response{}, err
			}
			staleDuringAnswer = ids
		}
		return ok("ANSWER(" + questionOf(req) + ")"), nil
	})

	stale, err := f.store.ListStaleRuns(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Contains(t, stale, run.ID)

	res, err := f.engine.RunIteration(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.NotContains(t, staleDuringAnswer, run.ID, "a run being answered must not look stale")
}

func TestRunWithoutAnyCandidate(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.on(OpSynthesize, fail())

	res := f.run(t, 1, 2)

	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
	assert.Empty(t, res.Run.FinalAnswer)
	assert.Nil(t, res.Message)
	assert.Zero(t, f.gw.count(OpEvaluate))
}

func TestRunDeadlineFailsRun(t *testing.T) {
	f := newFixture(t, Config{RunTimeout: 50 * time.Millisecond}, nil)
	f.gw.on(OpDecompose, func(ctx context.Context, _ llm.Request, _ int) (llm.Response, error) {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	})

	res := f.run(t, 1, 3)

	assert.Equal(t, model.RunStatusError, res.Run.Status)
	assert.Equal(t, "run deadline exceeded", res.Run.ErrorReason)
	assert.NotNil(t, res.Run.CompletedAt)

	stored, err := f.store.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, stored.Status)
}

func TestCallerCancelLeavesRunPending(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	run := f.start(t, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gw.on(OpDecompose, func(c context.Context, _ llm.Request, _ int) (llm.Response, error) {
		cancel()
		<-c.Done()
		return llm.Response{}, c.Err()
	})

	_, err := f.engine.RunIteration(ctx, run.ID)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, stored.Status)
	assert.Nil(t, stored.CompletedAt)

	// A later invocation picks the run back up.
	f.gw.on(OpDecompose, reply(`{"essential": ["Where exactly is the planned spring trip going?"]}`))
	res, err := f.engine.RunIteration(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAnswered, res.Run.Status)
}

func TestRunIterationOnTerminalRun(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	first := f.run(t, 1, 1)
	calls := f.gw.total.Load()

	again, err := f.engine.RunIteration(context.Background(), first.Run.ID)
	require.NoError(t, err)

	assert.Equal(t, calls, f.gw.total.Load(), "a terminal run makes no calls")
	assert.Equal(t, first.Run.Status, again.Run.Status)
	assert.Equal(t, first.Run.FinalAnswer, again.Run.FinalAnswer)
	require.NotNil(t, again.Message)
	assert.Equal(t, first.Message.ID, again.Message.ID)
}

func TestConcurrentRunIterationEmitsOneMessage(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	run := f.start(t, 1, 1)

	var wg sync.WaitGroup
	results := make([]RunResult, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.RunIteration(context.Background(), run.ID)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, model.RunStatusAnswered, r.Run.Status)
	}
	assert.Equal(t, 1, f.gw.count(OpDecompose))

	msgs, err := f.store.ListMessages(context.Background(), f.thread.ID, time.Time{}, 50)
	require.NoError(t, err)
	assistant := 0
	for _, m := range msgs {
		if m.Role == model.RoleAssistant {
			assistant++
		}
	}
	assert.Equal(t, 1, assistant)
}

func TestRunUnknownID(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.engine.RunIteration(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	assistant, err := f.store.CreateMessage(ctx, model.Message{
		ID: uuid.New(), ThreadID: f.thread.ID, Role: model.RoleAssistant,
		Content: "Earlier answer.", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   StartInput
		want error
	}{
		{"neither message nor content", StartInput{ThreadID: f.thread.ID, OwnerID: f.thread.OwnerID}, ErrInvalidInput},
		{"both message and content", StartInput{ThreadID: f.thread.ID, OwnerID: f.thread.OwnerID, MessageID: &assistant.ID, Content: "hi"}, ErrInvalidInput},
		{"assistant trigger", StartInput{ThreadID: f.thread.ID, OwnerID: f.thread.OwnerID, MessageID: &assistant.ID}, ErrInvalidInput},
		{"other owner", StartInput{ThreadID: f.thread.ID, OwnerID: uuid.New(), Content: "hi"}, storage.ErrNotFound},
		{"unknown thread", StartInput{ThreadID: uuid.New(), OwnerID: f.thread.OwnerID, Content: "hi"}, storage.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Start(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestStartDefaultsAndExistingMessage(t *testing.T) {
	f := newFixture(t, Config{DefaultMinIterations: 2, DefaultMaxIterations: 4}, nil)
	ctx := context.Background()

	user, err := f.store.CreateMessage(ctx, model.Message{
		ID: uuid.New(), ThreadID: f.thread.ID, Role: model.RoleUser,
		Content: "When do I fly?", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	res, err := f.engine.Start(ctx, StartInput{ThreadID: f.thread.ID, OwnerID: f.thread.OwnerID, MessageID: &user.ID})
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.Run.MessageID)
	assert.Equal(t, 2, res.Run.MinIterations)
	assert.Equal(t, 4, res.Run.MaxIterations)
	assert.Equal(t, 1, res.Run.CurrentIteration)
	assert.Equal(t, model.RunStatusPending, res.Run.Status)

	res, err = f.engine.Start(ctx, StartInput{ThreadID: f.thread.ID, OwnerID: f.thread.OwnerID, Content: "And back?", MinIterations: intPtr(6)})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Run.MinIterations)
	assert.Equal(t, 6, res.Run.MaxIterations, "default max is raised to an explicit min")
}

func TestRunOwnershipChecks(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	res := f.run(t, 1, 1)
	ctx := context.Background()

	_, err := f.engine.Status(ctx, res.Run.ID, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.engine.SubQuestions(ctx, res.Run.ID, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.engine.Resume(ctx, res.Run.ID, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.engine.ThreadRuns(ctx, f.thread.ID, uuid.New(), 10)
	require.ErrorIs(t, err, storage.ErrNotFound)

	runs, err := f.engine.ThreadRuns(ctx, f.thread.ID, f.thread.OwnerID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.Run.ID, runs[0].ID)

	sqs, err := f.engine.SubQuestions(ctx, res.Run.ID, f.thread.OwnerID)
	require.NoError(t, err)
	assert.Len(t, sqs, 1)
	run, err := f.engine.Run(ctx, res.Run.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAnswered, run.Status)
}

func TestResumeStale(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	pending := f.start(t, 1, 1)
	done := f.run(t, 1, 1)
	time.Sleep(10 * time.Millisecond)

	var submitted []uuid.UUID
	n, err := f.engine.ResumeStale(context.Background(), 5*time.Millisecond, 10, func(id uuid.UUID) error {
		submitted = append(submitted, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{pending.ID}, submitted)
	assert.NotContains(t, submitted, done.Run.ID)
}

func TestSystemInstructionsReachPrompts(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	thread := model.Thread{
		ID: uuid.New(), OwnerID: f.thread.OwnerID, Title: "styled",
		SystemInstructions: "Answer like a travel agent.", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateThread(ctx, thread))

	start, err := f.engine.Start(ctx, StartInput{ThreadID: thread.ID, OwnerID: thread.OwnerID, Content: "Where am I going in spring?"})
	require.NoError(t, err)
	_, err = f.engine.RunIteration(ctx, start.Run.ID)
	require.NoError(t, err)

	synth := f.gw.requestsFor(OpSynthesize)
	require.Len(t, synth, 1)
	assert.True(t, strings.Contains(synth[0].Messages[0].Content, "Answer like a travel agent."))
}
