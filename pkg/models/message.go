package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one persisted chat message belonging to a Turn's chat.
// Messages are strictly ordered by CreatedAt within a chat.
type Message struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chat_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolCall is a snapshot of one tool invocation as it appeared in a
// persisted message, kept so historical chats can be replayed without
// re-executing upstreams.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	State  string          `json:"state"`
	Output json.RawMessage `json:"output,omitempty"`
}

// User represents an authenticated caller. Authentication itself is an
// external collaborator (§1); this is the identity the broker receives
// already resolved.
type User struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Email string `json:"email,omitempty"`
}

// Agent is a per-org configuration binding a system prompt, a model choice,
// and a set of bound Sources (via AgentSourceLink).
type Agent struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
