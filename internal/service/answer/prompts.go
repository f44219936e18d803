package answer

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

// Operation labels attached to llm.Request. Tests route scripted responses on
// them and metrics carry them as an attribute.
const (
	OpDecompose  = "decompose"
	OpKeywords   = "keywords"
	OpRelevance  = "relevance"
	OpSubAnswer  = "sub_answer"
	OpSynthesize = "synthesize"
	OpEvaluate   = "evaluate"
)

const decomposeFirstPrompt = `You plan research for an assistant answering a user's question.
List only the ESSENTIAL missing information needed to answer it well.
Rules:
- At most %d questions in total.
- Do not ask about formatting, tone, length or presentation.
- Do not ask anything the conversation already answers.
- Each question must be answerable from the user's own tasks, notes, life events or saved items.
Respond with JSON only:
{"essential": ["..."], "clarifying": ["..."], "follow_up": ["..."]}`

const decomposeFeedbackPrompt = `You plan research for an assistant whose previous answer was judged incomplete.
Ask ONLY questions that close the listed gaps. At most %d questions in total.
Do not repeat questions that were already asked.
Respond with JSON only:
{"essential": ["..."], "clarifying": ["..."], "follow_up": ["..."]}`

const decomposeRefinePrompt = `You plan research for an assistant refining an existing answer.
Ask refinement questions that would add depth or precision. At most %d questions in total.
Do not repeat questions that were already asked.
Respond with JSON only:
{"essential": ["..."], "clarifying": ["..."], "follow_up": ["..."]}`

const keywordsPrompt = `Extract up to 10 search keywords (single words or short phrases) that would find
records relevant to the question in a personal knowledge base.
Respond with a JSON array of strings only.`

const relevancePrompt = `Score how relevant each numbered record is to the question, from 1 (unrelated)
to 10 (directly answers it). Consider the recent conversation.
Respond with JSON only: {"scores": [{"index": 1, "score": 7}, ...]}`

const subAnswerPrompt = `Answer the question using only the provided records and conversation.
Be concise and factual. If the records do not contain enough information, say so explicitly.`

const synthesizePrompt = `Write one comprehensive answer to the user's latest message.
Use the research findings below and the conversation. Where information is still missing,
say what is missing instead of guessing.`

const evaluatePrompt = `You review an assistant's answer for completeness, accuracy, clarity and relevance
to the user's question.
Respond with JSON only:
{"is_satisfactory": true|false, "confidence": 0.0-1.0, "reason": "...", "gaps": ["missing information ..."]}
List gaps only when the answer is not satisfactory.`

func systemMessage(instructions, prompt string) llm.Message {
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		prompt = instructions + "\n\n" + prompt
	}
	return llm.Message{Role: llm.RoleSystem, Content: prompt}
}

// conversationMessages maps thread history to chat turns.
func conversationMessages(conv []model.Message) []llm.Message {
	out := make([]llm.Message, 0, len(conv))
	for _, m := range conv {
		role := llm.RoleUser
		switch m.Role {
		case model.RoleAssistant:
			role = llm.RoleAssistant
		case model.RoleSystem:
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// conversationTranscript renders history as role-tagged plain text.
func conversationTranscript(conv []model.Message, maxChars int) string {
	var b strings.Builder
	for _, m := range conv {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, maxChars))
	}
	return b.String()
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
	return b.String()
}

// findings renders answered sub-questions for synthesis.
func findings(sqs []model.SubQuestion) string {
	var b strings.Builder
	for i, sq := range sqs {
		fmt.Fprintf(&b, "%d. Q: %s\n   A: %s\n", i+1, sq.Question, sq.Answer)
	}
	return b.String()
}

// recordsBlock renders knowledge items for answering.
func recordsBlock(items []model.KnowledgeItem) string {
	if len(items) == 0 {
		return "(no records found)"
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "[%s] %s (updated %s)\n%s\n\n", it.Type, it.Title, it.UpdatedAt.Format("2006-01-02"), it.Body)
	}
	return b.String()
}
