package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Turn.
type State string

const (
	StateIdle        State = "idle"
	StateConnected   State = "connected"
	StateThinking    State = "thinking"
	StateToolRunning State = "tool_running"
	StateAnswering   State = "answering"
	StateComplete    State = "complete"
	StateFailed      State = "failed"
)

// IsTerminal reports whether no further frame may be applied in s.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

// FailureReason explains why a turn ended in StateFailed. It doubles as the
// code of the error frame sent to the client.
type FailureReason string

const (
	ReasonIncompleteStream   FailureReason = "incomplete_stream"
	ReasonClientDisconnected FailureReason = "client_disconnected"
	ReasonUpstreamProvider   FailureReason = "upstream_provider_error"
	ReasonProtocolViolation  FailureReason = "protocol_violation"
	ReasonInternal           FailureReason = "internal_error"
)

// ErrTurnClosed is returned when a turn in a terminal state is asked to fail again.
var ErrTurnClosed = errors.New("turn already closed")

// UserID identifies the requester. It accepts a JSON string or number.
type UserID string

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("user id must be an integer: %s", n)
	}
	*u = UserID(n.String())
	return nil
}

// Option configures a Turn.
type Option func(*Turn)

// WithParallelTools allows a tool_call_start while other calls are open.
func WithParallelTools() Option {
	return func(t *Turn) { t.parallelTools = true }
}

// WithAnswerWhilePending allows answer frames before every tool call resolved.
func WithAnswerWhilePending() Option {
	return func(t *Turn) { t.answerWhilePending = true }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Turn) { t.now = now }
}

// Turn is one user-message-to-answer cycle. Frames advance it through the
// states Idle, Connected, Thinking, ToolRunning, Answering and end it in
// Complete or Failed. A Turn is owned by a single goroutine.
type Turn struct {
	ID             string
	ConversationID string
	UserID         UserID
	Namespace      string
	Input          string
	Context        map[string]any

	state              State
	reason             FailureReason
	tools              *ToolTracker
	answer             strings.Builder
	thinkingDone       bool
	startedAt          time.Time
	finishedAt         time.Time
	parallelTools      bool
	answerWhilePending bool
	now                func() time.Time
}

// NewTurn creates an idle turn. An empty conversationID starts a new conversation.
func NewTurn(conversationID string, userID UserID, input string, opts ...Option) *Turn {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	t := &Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Input:          input,
		state:          StateIdle,
		tools:          NewToolTracker(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current state.
func (t *Turn) State() State { return t.state }

// FailureReason returns why the turn failed, or "" if it did not.
func (t *Turn) FailureReason() FailureReason { return t.reason }

// AnswerText returns the concatenated answer payloads.
func (t *Turn) AnswerText() string { return t.answer.String() }

// ThinkingCompleted reports whether a thinking_complete frame was applied.
func (t *Turn) ThinkingCompleted() bool { return t.thinkingDone }

// Invocations returns the tool invocations in start order.
func (t *Turn) Invocations() []ToolInvocation { return t.tools.Invocations() }

// ToolsUsed returns the distinct tool names in first-use order.
func (t *Turn) ToolsUsed() []string { return t.tools.Names() }

// PendingTools returns the number of open tool invocations.
func (t *Turn) PendingTools() int { return t.tools.PendingCount() }

// ParallelTools reports whether the turn accepts overlapping tool calls.
func (t *Turn) ParallelTools() bool { return t.parallelTools }

// StartedAt returns when the connected frame was applied.
func (t *Turn) StartedAt() time.Time { return t.startedAt }

// FinishedAt returns when the turn reached a terminal state.
func (t *Turn) FinishedAt() time.Time { return t.finishedAt }

// Duration returns the time between connection and the terminal state, or
// the time elapsed so far while the turn is running.
func (t *Turn) Duration() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	if t.finishedAt.IsZero() {
		return t.now().Sub(t.startedAt)
	}
	return t.finishedAt.Sub(t.startedAt)
}

// Apply advances the state machine with f. Violations are reported as
// *ProtocolError: non-fatal ones leave the turn untouched and the frame
// ignored, fatal ones fail the turn with ReasonProtocolViolation.
func (t *Turn) Apply(f Frame) error {
	typ := f.Type()
	if t.state.IsTerminal() {
		return &ProtocolError{Kind: ViolationAfterTerminal, Event: typ, State: t.state}
	}

	switch p := f.Payload.(type) {
	case *Connected:
		if t.state != StateIdle {
			return t.violate(typ, "")
		}
		t.startedAt = t.now()
		t.state = StateConnected

	case *ThinkingStart:
		if t.state != StateConnected {
			return t.violate(typ, "")
		}
		t.state = StateThinking

	case *Thinking:
		if t.state != StateThinking && t.state != StateToolRunning {
			return t.violate(typ, "")
		}

	case *ThinkingComplete:
		if t.state != StateThinking {
			return t.violate(typ, "")
		}
		t.thinkingDone = true

	case *ToolCallStart:
		switch {
		case t.state == StateThinking:
		case t.state == StateToolRunning && t.parallelTools:
		default:
			return t.violate(typ, p.CallID)
		}
		if err := t.tools.OnToolStart(p.CallID, p.ToolName, p.Args, t.now()); err != nil {
			return &ProtocolError{Kind: ViolationDuplicateCallID, Event: typ, State: t.state, CallID: p.CallID}
		}
		t.state = StateToolRunning

	case *ToolCallComplete:
		switch t.state {
		case StateThinking, StateToolRunning:
		case StateAnswering:
			if !t.answerWhilePending {
				return t.violate(typ, p.CallID)
			}
		default:
			return t.violate(typ, p.CallID)
		}
		errMsg := p.Error
		if p.Status == ToolFailed && errMsg == "" {
			errMsg = "tool failed"
		}
		if err := t.tools.OnToolComplete(p.CallID, p.Result, errMsg, t.now()); err != nil {
			return &ProtocolError{Kind: ViolationUnknownCallID, Event: typ, State: t.state, CallID: p.CallID}
		}
		if t.state == StateToolRunning && t.tools.PendingCount() == 0 {
			t.state = StateThinking
		}

	case *Answer:
		switch t.state {
		case StateConnected, StateThinking, StateAnswering:
		case StateToolRunning:
			if !t.answerWhilePending {
				return t.violate(typ, "")
			}
		default:
			return t.violate(typ, "")
		}
		t.state = StateAnswering
		t.answer.WriteString(p.Message)

	case *Complete:
		if t.state != StateAnswering {
			return t.violate(typ, "")
		}
		t.finish(StateComplete, "")

	case *Error:
		reason := FailureReason(p.Code)
		if reason == "" {
			reason = ReasonInternal
		}
		t.finish(StateFailed, reason)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	return nil
}

// Fail ends a running turn with reason. Tool invocations still open are
// marked failed.
func (t *Turn) Fail(reason FailureReason) error {
	if t.state.IsTerminal() {
		return ErrTurnClosed
	}
	t.finish(StateFailed, reason)
	return nil
}

// TransportClosed records that the byte stream ended. A turn that has not
// reached a terminal frame fails with ReasonIncompleteStream.
func (t *Turn) TransportClosed() {
	if !t.state.IsTerminal() {
		t.finish(StateFailed, ReasonIncompleteStream)
	}
}

func (t *Turn) finish(state State, reason FailureReason) {
	now := t.now()
	t.tools.FailPending(now)
	t.state = state
	t.reason = reason
	t.finishedAt = now
}

func (t *Turn) violate(typ EventType, callID string) error {
	err := &ProtocolError{Kind: ViolationOutOfOrder, Event: typ, State: t.state, CallID: callID, Fatal: true}
	t.finish(StateFailed, ReasonProtocolViolation)
	return err
}
