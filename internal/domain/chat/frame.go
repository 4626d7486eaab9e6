// Package chat defines the streaming chat turn: its wire frames, the state
// machine that orders them and the tracker for tool invocations made mid-turn.
package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType tags a Frame on the wire.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventThinkingStart    EventType = "thinking_start"
	EventThinking         EventType = "thinking"
	EventThinkingComplete EventType = "thinking_complete"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallComplete EventType = "tool_call_complete"
	EventAnswer           EventType = "answer"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
)

// EventTypes lists every valid event type in protocol order.
var EventTypes = []EventType{
	EventConnected,
	EventThinkingStart,
	EventThinking,
	EventThinkingComplete,
	EventToolCallStart,
	EventToolCallComplete,
	EventAnswer,
	EventComplete,
	EventError,
}

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// IsTerminal reports whether t ends a turn.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventError
}

var (
	// ErrUnknownEventType is returned when decoding a frame whose type is not recognised.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInvalidPayload is returned when a frame lacks a required payload field.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Payload is the type-specific body of a Frame. The set of implementations is closed.
type Payload interface {
	EventType() EventType
	validate() error
}

// Frame is one wire-level event. It marshals to a flat JSON object whose
// "type" key carries the event type next to the payload fields.
type Frame struct {
	Payload Payload
}

// NewFrame wraps a payload.
func NewFrame(p Payload) Frame { return Frame{Payload: p} }

// Type returns the event type of the frame, or "" for an empty frame.
func (f Frame) Type() EventType {
	if f.Payload == nil {
		return ""
	}
	return f.Payload.EventType()
}

// MarshalJSON implements json.Marshaler. Payloads that UnmarshalJSON would
// reject are refused here as well.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Payload == nil {
		return nil, errors.New("chat: frame has no payload")
	}
	if err := f.Payload.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("chat: %s payload is not an object", f.Type())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString(`{"type":"`)
	buf.WriteString(string(f.Type()))
	buf.WriteByte('"')
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Unknown types and payloads
// missing required fields are rejected.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	p, err := newPayload(head.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, head.Type, err)
	}
	if err := p.validate(); err != nil {
		return err
	}
	f.Payload = p
	return nil
}

func newPayload(t EventType) (Payload, error) {
	switch t {
	case EventConnected:
		return &Connected{}, nil
	case EventThinkingStart:
		return &ThinkingStart{}, nil
	case EventThinking:
		return &Thinking{}, nil
	case EventThinkingComplete:
		return &ThinkingComplete{}, nil
	case EventToolCallStart:
		return &ToolCallStart{}, nil
	case EventToolCallComplete:
		return &ToolCallComplete{}, nil
	case EventAnswer:
		return &Answer{}, nil
	case EventComplete:
		return &Complete{}, nil
	case EventError:
		return &Error{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrUnknownEventType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

func missing(t EventType, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, t, field)
}

// Connected opens a turn.
type Connected struct {
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId"`
	Message        string `json:"message,omitempty"`
}

func (*Connected) EventType() EventType { return EventConnected }

func (p *Connected) validate() error {
	if p.ConversationID == "" {
		return missing(EventConnected, "conversationId")
	}
	return nil
}

// ThinkingStart marks the beginning of the reasoning phase.
type ThinkingStart struct {
	Message string `json:"message"`
}

func (*ThinkingStart) EventType() EventType { return EventThinkingStart }
func (*ThinkingStart) validate() error      { return nil }

// Thinking carries an incremental reasoning or narration update.
type Thinking struct {
	Message string `json:"message"`
}

func (*Thinking) EventType() EventType { return EventThinking }
func (*Thinking) validate() error      { return nil }

// ThinkingComplete marks the end of the reasoning phase.
type ThinkingComplete struct {
	Message string `json:"message"`
}

func (*ThinkingComplete) EventType() EventType { return EventThinkingComplete }
func (*ThinkingComplete) validate() error      { return nil }

// ToolCallStart announces a tool invocation requested by the model.
type ToolCallStart struct {
	CallID   string          `json:"callId"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
}

func (*ToolCallStart) EventType() EventType { return EventToolCallStart }

func (p *ToolCallStart) validate() error {
	if p.CallID == "" {
		return missing(EventToolCallStart, "callId")
	}
	if p.ToolName == "" {
		return missing(EventToolCallStart, "toolName")
	}
	return nil
}

// ToolCallComplete reports the outcome of a tool invocation.
type ToolCallComplete struct {
	CallID     string          `json:"callId"`
	ToolName   string          `json:"toolName,omitempty"`
	Status     ToolStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

func (*ToolCallComplete) EventType() EventType { return EventToolCallComplete }

func (p *ToolCallComplete) validate() error {
	if p.CallID == "" {
		return missing(EventToolCallComplete, "callId")
	}
	if p.Status != ToolSucceeded && p.Status != ToolFailed {
		return fmt.Errorf("%w: tool_call_complete status %q", ErrInvalidPayload, p.Status)
	}
	return nil
}

// Answer carries a piece of the final answer.
type Answer struct {
	Message string `json:"message"`
}

func (*Answer) EventType() EventType { return EventAnswer }
func (*Answer) validate() error      { return nil }

// Complete ends a successful turn.
type Complete struct {
	ConversationID string   `json:"conversationId"`
	TurnID         string   `json:"turnId"`
	ToolsUsed      []string `json:"toolsUsed"`
	DurationMs     int64    `json:"durationMs"`
}

func (*Complete) EventType() EventType { return EventComplete }
func (*Complete) validate() error      { return nil }

// Error ends a failed turn. Code is one of the FailureReason values.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Error) EventType() EventType { return EventError }

func (p *Error) validate() error {
	if p.Code == "" && p.Message == "" {
		return missing(EventError, "code or message")
	}
	return nil
}
