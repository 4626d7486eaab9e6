package chat

import (
	"errors"
	"fmt"
)

// ErrOutOfOrder is matched by protocol errors for frames that are illegal in the current state.
var ErrOutOfOrder = errors.New("frame out of order")

// ViolationKind classifies a ProtocolError.
type ViolationKind string

const (
	ViolationDuplicateCallID ViolationKind = "duplicate_call_id"
	ViolationUnknownCallID   ViolationKind = "unknown_call_id"
	ViolationOutOfOrder      ViolationKind = "out_of_order"
	ViolationAfterTerminal   ViolationKind = "after_terminal"
)

// ProtocolError reports a frame that breaks the turn protocol. Fatal errors
// have already moved the turn to StateFailed.
type ProtocolError struct {
	Kind   ViolationKind
	Event  EventType
	State  State // state the frame was applied in
	CallID string
	Fatal  bool
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol violation: %s: %s in state %s", e.Kind, e.Event, e.State)
	if e.CallID != "" {
		msg += " (call " + e.CallID + ")"
	}
	return msg
}

// Unwrap maps the kind onto its sentinel error.
func (e *ProtocolError) Unwrap() error {
	switch e.Kind {
	case ViolationDuplicateCallID:
		return ErrDuplicateCallID
	case ViolationUnknownCallID:
		return ErrUnknownCallID
	case ViolationOutOfOrder:
		return ErrOutOfOrder
	case ViolationAfterTerminal:
		return ErrTurnClosed
	}
	return nil
}
