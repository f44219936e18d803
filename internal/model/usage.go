package model

import (
	"time"

	"github.com/google/uuid"
)

// QueryType tags a usage record with the component that made the LLM call.
type QueryType string

const (
	QueryQuestionGeneration QueryType = "question_generation"
	QuerySubQuestionAnswer  QueryType = "sub_question_answer"
	QueryEvaluation         QueryType = "evaluation"
	QueryFinalAnswer        QueryType = "final_answer"
)

// QueryTypes lists every query type in reporting order.
var QueryTypes = []QueryType{
	QueryQuestionGeneration,
	QuerySubQuestionAnswer,
	QueryEvaluation,
	QueryFinalAnswer,
}

// Usage is a token and cost tally.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ReasoningTokens  int64   `json:"reasoning_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens + o.ReasoningTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		Cost:             u.Cost + o.Cost,
	}
}

// UsageRecord is one metered LLM call. Records are insert-only.
type UsageRecord struct {
	ID            uuid.UUID  `json:"id"`
	RunID         uuid.UUID  `json:"run_id"`
	ThreadID      uuid.UUID  `json:"thread_id"`
	SubQuestionID *uuid.UUID `json:"sub_question_id,omitempty"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	QueryType     QueryType  `json:"query_type"`
	Usage
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Failed    bool      `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageTotals is the summation of a run's usage records.
type UsageTotals struct {
	Total       Usage               `json:"total"`
	ByQueryType map[QueryType]Usage `json:"by_query_type"`
	Calls       int                 `json:"calls"`
}

// SumUsage folds records into totals. Stores that cannot aggregate in SQL use it.
func SumUsage(records []UsageRecord) UsageTotals {
	t := UsageTotals{ByQueryType: make(map[QueryType]Usage, len(QueryTypes))}
	for _, r := range records {
		t.Total = t.Total.Add(r.Usage)
		t.ByQueryType[r.QueryType] = t.ByQueryType[r.QueryType].Add(r.Usage)
		t.Calls++
	}
	return t
}
