package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ToolStatus is the lifecycle status of a ToolInvocation.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolSucceeded ToolStatus = "succeeded"
	ToolFailed    ToolStatus = "failed"
)

// UnresolvedToolError is recorded on invocations still running when their turn ends.
const UnresolvedToolError = "unresolved at turn end"

var (
	// ErrDuplicateCallID is returned when a call id is started twice while still open.
	ErrDuplicateCallID = errors.New("duplicate call id")
	// ErrUnknownCallID is returned when a completion matches no open invocation.
	ErrUnknownCallID = errors.New("unknown call id")
)

// ToolInvocation is one tool call made by the model during a turn.
type ToolInvocation struct {
	CallID      string          `json:"callId"`
	ToolName    string          `json:"toolName"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      ToolStatus      `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Duration returns the execution time, or zero while the invocation is running.
func (i *ToolInvocation) Duration() time.Duration {
	if i.CompletedAt.IsZero() {
		return 0
	}
	return i.CompletedAt.Sub(i.StartedAt)
}

// ToolTracker keeps the ordered tool invocations of one turn, keyed by call id.
// It is not safe for concurrent use.
type ToolTracker struct {
	invocations []*ToolInvocation
	open        map[string]*ToolInvocation
}

// NewToolTracker returns an empty tracker.
func NewToolTracker() *ToolTracker {
	return &ToolTracker{open: make(map[string]*ToolInvocation)}
}

// OnToolStart records a new running invocation.
func (t *ToolTracker) OnToolStart(callID, toolName string, args json.RawMessage, at time.Time) error {
	if _, ok := t.open[callID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCallID, callID)
	}
	inv := &ToolInvocation{
		CallID:    callID,
		ToolName:  toolName,
		Args:      args,
		Status:    ToolRunning,
		StartedAt: at,
	}
	t.invocations = append(t.invocations, inv)
	t.open[callID] = inv
	return nil
}

// OnToolComplete resolves the open invocation with the given call id. A
// non-empty errMsg marks it failed; otherwise it succeeds with result.
func (t *ToolTracker) OnToolComplete(callID string, result json.RawMessage, errMsg string, at time.Time) error {
	inv, ok := t.open[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCallID, callID)
	}
	delete(t.open, callID)

	if at.Before(inv.StartedAt) {
		at = inv.StartedAt
	}
	inv.CompletedAt = at
	inv.Result = result
	if errMsg != "" {
		inv.Status = ToolFailed
		inv.Error = errMsg
	} else {
		inv.Status = ToolSucceeded
	}
	return nil
}

// PendingCount returns the number of invocations still running.
func (t *ToolTracker) PendingCount() int {
	return len(t.open)
}

// FailPending marks every running invocation failed.
func (t *ToolTracker) FailPending(at time.Time) {
	for _, inv := range t.invocations {
		if inv.Status == ToolRunning {
			_ = t.OnToolComplete(inv.CallID, nil, UnresolvedToolError, at)
		}
	}
}

// Invocations returns a copy of the invocations in start order.
func (t *ToolTracker) Invocations() []ToolInvocation {
	out := make([]ToolInvocation, len(t.invocations))
	for i, inv := range t.invocations {
		out[i] = *inv
	}
	return out
}

// Names returns the distinct tool names in first-use order.
func (t *ToolTracker) Names() []string {
	seen := make(map[string]struct{}, len(t.invocations))
	names := make([]string, 0, len(t.invocations))
	for _, inv := range t.invocations {
		if _, ok := seen[inv.ToolName]; ok {
			continue
		}
		seen[inv.ToolName] = struct{}{}
		names = append(names, inv.ToolName)
	}
	return names
}
