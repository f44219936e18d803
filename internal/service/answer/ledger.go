package answer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// ledgerWriteTimeout bounds a ledger insert made after the caller's context
// has been cancelled.
const ledgerWriteTimeout = 5 * time.Second

// Ledger is the append-only record of LLM usage. Totals are always a
// summation over records.
type Ledger struct {
	store  UsageStore
	logger *slog.Logger

	tokens metric.Int64Counter
	cost   metric.Float64Counter
}

// NewLedger creates a ledger over store.
func NewLedger(store UsageStore, logger *slog.Logger) *Ledger {
	meter := telemetry.Meter("kotae/ledger")
	tokens, _ := meter.Int64Counter("kotae.llm.tokens",
		metric.WithDescription("Tokens consumed by LLM calls, by query type"),
	)
	cost, _ := meter.Float64Counter("kotae.llm.cost",
		metric.WithDescription("Cost of LLM calls, by query type"),
	)
	return &Ledger{store: store, logger: logger, tokens: tokens, cost: cost}
}

// Record appends one usage record, filling id and timestamp when unset.
func (l *Ledger) Record(ctx context.Context, rec model.UsageRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := l.store.InsertUsage(ctx, rec); err != nil {
		return err
	}
	attrs := metric.WithAttributes(attribute.String("query_type", string(rec.QueryType)))
	l.tokens.Add(ctx, rec.TotalTokens, attrs)
	l.cost.Add(ctx, rec.Cost, attrs)
	return nil
}

// Totals sums a run's records overall and per query type.
func (l *Ledger) Totals(ctx context.Context, runID uuid.UUID) (model.UsageTotals, error) {
	return l.store.SumUsage(ctx, runID)
}

// step scopes the LLM calls of one component invocation: every call made
// through it is recorded under the same query type and sub-question, and its
// usage is accumulated for mirroring onto the sub-question row.
type step struct {
	rc            *runContext
	queryType     model.QueryType
	subQuestionID *uuid.UUID
	usage         model.Usage
}

func newStep(rc *runContext, qt model.QueryType, subQuestionID *uuid.UUID) *step {
	return &step{rc: rc, queryType: qt, subQuestionID: subQuestionID}
}

// caller routes every gateway call through the ledger.
type caller struct {
	ledger   *Ledger
	logger   *slog.Logger
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

func newCaller(ledger *Ledger, logger *slog.Logger) *caller {
	meter := telemetry.Meter("kotae/llm")
	duration, _ := meter.Float64Histogram("kotae.llm.duration",
		metric.WithDescription("LLM call latency (ms)"),
		metric.WithUnit("ms"),
	)
	failures, _ := meter.Int64Counter("kotae.llm.failures",
		metric.WithDescription("Failed LLM calls, by query type"),
	)
	return &caller{ledger: ledger, logger: logger, duration: duration, failures: failures}
}

func usageOf(r llm.Response) model.Usage {
	return model.Usage{
		PromptTokens:     r.Usage.PromptTokens,
		CompletionTokens: r.Usage.CompletionTokens,
		ReasoningTokens:  r.Usage.ReasoningTokens,
		TotalTokens:      r.Usage.TotalTokens,
		Cost:             r.Cost,
	}
}

// call performs one gateway call and records exactly one usage record for it,
// successful or not. A failed call is recorded with zero usage.
func (c *caller) call(ctx context.Context, st *step, req llm.Request) (llm.Response, error) {
	if req.Operation == "" {
		req.Operation = string(st.queryType)
	}
	start := time.Now()
	resp, err := st.rc.Binding.Gateway.Call(ctx, req)
	attrs := metric.WithAttributes(
		attribute.String("query_type", string(st.queryType)),
		attribute.String("operation", req.Operation),
		attribute.String("provider", st.rc.Binding.Provider),
	)
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	rec := model.UsageRecord{
		RunID:         st.rc.RunID,
		ThreadID:      st.rc.ThreadID,
		SubQuestionID: st.subQuestionID,
		OwnerID:       st.rc.OwnerID,
		QueryType:     st.queryType,
		Provider:      st.rc.Binding.Provider,
		Model:         st.rc.Binding.Model,
	}
	if err != nil {
		c.failures.Add(ctx, 1, attrs)
		rec.Failed = true
	} else {
		rec.Usage = usageOf(resp)
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		st.usage = st.usage.Add(rec.Usage)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if lerr := c.ledger.Record(writeCtx, rec); lerr != nil {
		c.logger.Warn("answer: usage record failed",
			"run_id", st.rc.RunID, "query_type", st.queryType, "operation", req.Operation, "error", lerr)
	}
	return resp, err
}
