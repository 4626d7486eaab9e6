// Package provider defines the port to an upstream chat model that streams
// text and may request tool calls.
package provider

import (
	"context"
	"encoding/json"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the prompt sent upstream.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // assistant messages that requested tools
	ToolCallID string     // tool messages answering a call
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema object
}

// Request is a streaming chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float32
	MaxTokens   int
}

// Finish reasons reported on the last chunk.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Chunk is one increment of a streamed completion. Tool calls are delivered
// fully assembled on the final chunk of a round.
type Chunk struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
}

// Stream yields chunks until Recv returns io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider opens streaming completions.
type Provider interface {
	StreamChat(ctx context.Context, req Request) (Stream, error)
}
