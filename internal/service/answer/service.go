// Package answer is the iterative answer refinement engine.
//
// A run turns one user message into an answer by looping: decompose the
// question into sub-questions, answer each sub-question against the owner's
// knowledge base (concurrently, bounded), synthesize a candidate answer,
// evaluate it, and decide whether to stop. All progress is persisted after
// every step so a run interrupted by a crash or shutdown resumes from where it
// left off. Every LLM call is recorded in the usage ledger.
//
// Both the HTTP API and the MCP server delegate to Engine.
package answer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// ErrInvalidBounds marks a run whose iteration bounds are unusable.
var ErrInvalidBounds = errors.New("answer: invalid iteration bounds")

// RunStore persists run state.
type RunStore interface {
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	SaveRunProgress(ctx context.Context, run model.Run) error
	FinishRun(ctx context.Context, run model.Run) error
	ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	ListRunsByThread(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Run, error)
}

// SubQuestionStore persists sub-questions.
type SubQuestionStore interface {
	CreateSubQuestions(ctx context.Context, sqs []model.SubQuestion) error
	ListSubQuestions(ctx context.Context, runID uuid.UUID) ([]model.SubQuestion, error)
	ResolveSubQuestion(ctx context.Context, sq model.SubQuestion) error
}

// UsageStore is the append-only usage ledger.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec model.UsageRecord) error
	SumUsage(ctx context.Context, runID uuid.UUID) (model.UsageTotals, error)
}

// ConversationStore reads threads and messages.
type ConversationStore interface {
	GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error)
	GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error)
	ListMessages(ctx context.Context, threadID uuid.UUID, until time.Time, limit int) ([]model.Message, error)
	CreateMessage(ctx context.Context, m model.Message) (model.Message, error)
}

// MessageSink receives the final answer of a run. CreateFinalMessage must be
// idempotent per run.
type MessageSink interface {
	CreateFinalMessage(ctx context.Context, m model.Message) (model.Message, error)
	GetRunMessage(ctx context.Context, runID uuid.UUID) (model.Message, error)
}

// KnowledgeBase searches and fetches the owner's knowledge items.
type KnowledgeBase interface {
	SearchKnowledge(ctx context.Context, ownerID uuid.UUID, keywords []string, limit int) ([]model.KnowledgeItem, error)
	FetchKnowledge(ctx context.Context, ownerID uuid.UUID, refs []model.ContextRef, perType int) ([]model.KnowledgeItem, error)
}

// Store is everything the engine persists. storage.DB and sqlite.Store
// satisfy it.
type Store interface {
	RunStore
	SubQuestionStore
	UsageStore
	ConversationStore
	MessageSink
}

// RunNotifier is implemented by stores that can broadcast run completion.
type RunNotifier interface {
	PublishRunEvent(ctx context.Context, run model.Run) error
}

// ProviderResolver picks the LLM binding for a run.
type ProviderResolver interface {
	Resolve(ctx context.Context, pref llm.Candidate) (llm.Binding, error)
}

// Config tunes the engine.
type Config struct {
	MaxIterationsCap          int
	DefaultMinIterations      int
	DefaultMaxIterations      int
	MaxConcurrentSubQuestions int
	RunTimeout                time.Duration
	SubQuestionTimeout        time.Duration
	ConversationWindow        int
	KnowledgeCandidates       int
	PerTypeFetch              int
}

func (c Config) withDefaults() Config {
	if c.MaxIterationsCap <= 0 || c.MaxIterationsCap > model.HardMaxIterations {
		c.MaxIterationsCap = model.HardMaxIterations
	}
	if c.DefaultMinIterations <= 0 {
		c.DefaultMinIterations = 1
	}
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = 3
	}
	if c.MaxConcurrentSubQuestions <= 0 {
		c.MaxConcurrentSubQuestions = 4
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.SubQuestionTimeout <= 0 {
		c.SubQuestionTimeout = 2 * time.Minute
	}
	if c.ConversationWindow <= 0 {
		c.ConversationWindow = 20
	}
	if c.KnowledgeCandidates <= 0 {
		c.KnowledgeCandidates = 20
	}
	if c.PerTypeFetch <= 0 {
		c.PerTypeFetch = 10
	}
	return c
}

// Engine drives runs. It holds no per-run state: everything a run needs is
// carried in a runContext built when the run starts executing.
type Engine struct {
	store    Store
	resolver ProviderResolver
	cfg      Config
	logger   *slog.Logger

	ledger      *Ledger
	decomposer  *Decomposer
	answerer    *Answerer
	synthesizer *Synthesizer
	evaluator   *Evaluator

	flight singleflight.Group
	tracer trace.Tracer

	runsFinished metric.Int64Counter
	iterations   metric.Int64Histogram
	runDuration  metric.Float64Histogram
}

// New creates an Engine. kb may be the store itself or an external index.
func New(store Store, kb KnowledgeBase, resolver ProviderResolver, cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	meter := telemetry.Meter("kotae/answer")
	runsFinished, _ := meter.Int64Counter("kotae.runs.finished",
		metric.WithDescription("Runs that reached a terminal status"),
	)
	iterations, _ := meter.Int64Histogram("kotae.runs.iterations",
		metric.WithDescription("Iterations executed by finished runs"),
	)
	runDuration, _ := meter.Float64Histogram("kotae.runs.duration",
		metric.WithDescription("Wall time of one RunIteration invocation (ms)"),
		metric.WithUnit("ms"),
	)

	ledger := NewLedger(store, logger)
	calls := newCaller(ledger, logger)
	retriever := &Retriever{calls: calls, kb: kb, candidates: cfg.KnowledgeCandidates, logger: logger}

	return &Engine{
		store:        store,
		resolver:     resolver,
		cfg:          cfg,
		logger:       logger,
		ledger:       ledger,
		decomposer:   &Decomposer{calls: calls, store: store, logger: logger},
		answerer:     newAnswerer(calls, retriever, kb, store, cfg, logger),
		synthesizer:  &Synthesizer{calls: calls, store: store, logger: logger},
		evaluator:    &Evaluator{calls: calls, logger: logger},
		tracer:       telemetry.Tracer("kotae/answer"),
		runsFinished: runsFinished,
		iterations:   iterations,
		runDuration:  runDuration,
	}
}


