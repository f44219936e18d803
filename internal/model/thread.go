package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Thread is a conversation owned by one user.
// Provider and Model, when set, are the thread's preferred LLM binding.
type Thread struct {
	ID                 uuid.UUID `json:"id"`
	OwnerID            uuid.UUID `json:"owner_id"`
	Title              string    `json:"title,omitempty"`
	SystemInstructions string    `json:"system_instructions,omitempty"`
	Provider           string    `json:"provider,omitempty"`
	Model              string    `json:"model,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Message is one turn in a thread. RunID is set on the assistant message
// produced by a run; at most one message exists per run.
type Message struct {
	ID        uuid.UUID  `json:"id"`
	ThreadID  uuid.UUID  `json:"thread_id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Provider  string     `json:"provider,omitempty"`
	Model     string     `json:"model,omitempty"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Usage     Usage      `json:"usage"`
	CreatedAt time.Time  `json:"created_at"`
}

// KnowledgeType is the kind of user-owned record the retriever can cite.
type KnowledgeType string

const (
	KnowledgeTask      KnowledgeType = "task"
	KnowledgeNote      KnowledgeType = "note"
	KnowledgeLifeEvent KnowledgeType = "life_event"
	KnowledgeVaultItem KnowledgeType = "vault_item"
)

// KnowledgeTypes lists the searchable knowledge types.
var KnowledgeTypes = []KnowledgeType{KnowledgeTask, KnowledgeNote, KnowledgeLifeEvent, KnowledgeVaultItem}

// KnowledgeItem is a user-owned record in the knowledge base.
type KnowledgeItem struct {
	ID        uuid.UUID     `json:"id"`
	OwnerID   uuid.UUID     `json:"owner_id"`
	Type      KnowledgeType `json:"type"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ContextRef is a typed pointer to a knowledge item used to answer a sub-question.
type ContextRef struct {
	Type  KnowledgeType `json:"type"`
	ID    uuid.UUID     `json:"id"`
	Title string        `json:"title,omitempty"`
	Score int           `json:"score"`
}
