// Package conversation defines persisted chat history.
package conversation

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation groups the turns of one user in one namespace.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored message. Assistant messages carry the tool
// invocations made while producing them.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	TurnID         string          `json:"turn_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ToolCalls      json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
