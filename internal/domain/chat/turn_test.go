package chat_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyup/aistream/internal/domain/chat"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(10 * time.Millisecond)
	return c.t
}

func newTurn(opts ...chat.Option) *chat.Turn {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]chat.Option{chat.WithClock(clock.now)}, opts...)
	return chat.NewTurn("conv-1", "42", "查询学生总数", opts...)
}

func connected() chat.Frame {
	return chat.NewFrame(&chat.Connected{ConversationID: "conv-1", TurnID: "turn-1"})
}
func thinkingStart() chat.Frame { return chat.NewFrame(&chat.ThinkingStart{Message: "thinking"}) }
func thinking(m string) chat.Frame {
	return chat.NewFrame(&chat.Thinking{Message: m})
}
func thinkingComplete() chat.Frame { return chat.NewFrame(&chat.ThinkingComplete{Message: "done"}) }
func answer(m string) chat.Frame   { return chat.NewFrame(&chat.Answer{Message: m}) }
func complete() chat.Frame {
	return chat.NewFrame(&chat.Complete{ConversationID: "conv-1", TurnID: "turn-1"})
}
func toolStart(id, name string) chat.Frame {
	return chat.NewFrame(&chat.ToolCallStart{CallID: id, ToolName: name, Args: json.RawMessage(`{}`)})
}
func toolDone(id string) chat.Frame {
	return chat.NewFrame(&chat.ToolCallComplete{CallID: id, Status: chat.ToolSucceeded, Result: json.RawMessage(`{"total":128}`)})
}
func toolFailed(id, msg string) chat.Frame {
	return chat.NewFrame(&chat.ToolCallComplete{CallID: id, Status: chat.ToolFailed, Error: msg})
}

func applyAll(t *testing.T, turn *chat.Turn, frames ...chat.Frame) {
	t.Helper()
	for _, f := range frames {
		require.NoError(t, turn.Apply(f), "applying %s", f.Type())
	}
}

func TestTurn_NewTurnDefaults(t *testing.T) {
	turn := chat.NewTurn("", "7", "你好")
	assert.NotEmpty(t, turn.ConversationID)
	assert.NotEmpty(t, turn.ID)
	assert.Equal(t, chat.StateIdle, turn.State())
	assert.Equal(t, 0, turn.PendingTools())
}

func TestTurn_SimpleAnswer(t *testing.T) {
	turn := newTurn()
	applyAll(t, turn, connected(), thinkingStart(), thinkingComplete(), answer("你"), answer("好"), complete())

	assert.Equal(t, chat.StateComplete, turn.State())
	assert.Equal(t, "你好", turn.AnswerText())
	assert.True(t, turn.ThinkingCompleted())
	assert.Empty(t, turn.FailureReason())
	assert.Positive(t, turn.Duration())
}

func TestTurn_AnswerWithoutThinking(t *testing.T) {
	turn := newTurn()
	applyAll(t, turn, connected(), answer("hi"))
	assert.Equal(t, chat.StateAnswering, turn.State())
}

func TestTurn_SequentialToolCycle(t *testing.T) {
	turn := newTurn()
	applyAll(t, turn, connected(), thinkingStart(), toolStart("1", "query_statistics"))
	assert.Equal(t, chat.StateToolRunning, turn.State())
	assert.Equal(t, 1, turn.PendingTools())

	applyAll(t, turn, thinking("checking"), toolDone("1"))
	assert.Equal(t, chat.StateThinking, turn.State())

	applyAll(t, turn, toolStart("2", "render_ui_component"), toolFailed("2", "unknown component"))
	applyAll(t, turn, thinkingComplete(), answer("共有128名学生"), complete())

	invs := turn.Invocations()
	require.Len(t, invs, 2)
	assert.Equal(t, chat.ToolSucceeded, invs[0].Status)
	assert.JSONEq(t, `{"total":128}`, string(invs[0].Result))
	assert.Equal(t, chat.ToolFailed, invs[1].Status)
	assert.Equal(t, "unknown component", invs[1].Error)
	for _, inv := range invs {
		assert.False(t, inv.CompletedAt.Before(inv.StartedAt))
	}
	assert.Equal(t, []string{"query_statistics", "render_ui_component"}, turn.ToolsUsed())
}

func TestTurn_ParallelToolsRequireOption(t *testing.T) {
	t.Run("sequential turn rejects overlap", func(t *testing.T) {
		turn := newTurn()
		applyAll(t, turn, connected(), thinkingStart(), toolStart("a", "x"))

		err := turn.Apply(toolStart("b", "y"))
		var perr *chat.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.True(t, perr.Fatal)
		assert.ErrorIs(t, err, chat.ErrOutOfOrder)
		assert.Equal(t, chat.StateFailed, turn.State())
		assert.Equal(t, chat.ReasonProtocolViolation, turn.FailureReason())
	})

	t.Run("parallel turn keys by call id", func(t *testing.T) {
		turn := newTurn(chat.WithParallelTools())
		applyAll(t, turn, connected(), thinkingStart(), toolStart("a", "x"), toolStart("b", "y"))
		assert.Equal(t, 2, turn.PendingTools())

		applyAll(t, turn, toolDone("b"))
		assert.Equal(t, chat.StateToolRunning, turn.State())
		applyAll(t, turn, toolDone("a"))
		assert.Equal(t, chat.StateThinking, turn.State())
	})
}

func TestTurn_DuplicateCallIDIsNonFatal(t *testing.T) {
	turn := newTurn(chat.WithParallelTools())
	applyAll(t, turn, connected(), thinkingStart(), toolStart("1", "x"))

	err := turn.Apply(toolStart("1", "x"))
	require.ErrorIs(t, err, chat.ErrDuplicateCallID)
	var perr *chat.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Fatal)
	assert.Equal(t, chat.StateToolRunning, turn.State())
	assert.Equal(t, 1, turn.PendingTools())
}

func TestTurn_UnknownCallIDIsNonFatal(t *testing.T) {
	turn := newTurn()
	applyAll(t, turn, connected(), thinkingStart(), toolStart("1", "x"))

	err := turn.Apply(toolDone("2"))
	require.ErrorIs(t, err, chat.ErrUnknownCallID)
	assert.Equal(t, chat.StateToolRunning, turn.State())

	applyAll(t, turn, toolDone("1"))
	assert.Equal(t, chat.StateThinking, turn.State())
}

func TestTurn_OutOfOrderFrames(t *testing.T) {
	tests := []struct {
		name   string
		prefix []chat.Frame
		bad    chat.Frame
	}{
		{"answer before connected", nil, answer("x")},
		{"second connected", []chat.Frame{connected()}, connected()},
		{"thinking before thinking_start", []chat.Frame{connected()}, thinking("x")},
		{"thinking after answer", []chat.Frame{connected(), answer("a")}, thinking("x")},
		{"thinking_start after answer", []chat.Frame{connected(), answer("a")}, thinkingStart()},
		{"tool start while answering", []chat.Frame{connected(), answer("a")}, toolStart("1", "x")},
		{"answer while tool running", []chat.Frame{connected(), thinkingStart(), toolStart("1", "x")}, answer("a")},
		{"complete before answer", []chat.Frame{connected(), thinkingStart()}, complete()},
		{"thinking_complete while tool running", []chat.Frame{connected(), thinkingStart(), toolStart("1", "x")}, thinkingComplete()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn := newTurn()
			applyAll(t, turn, tt.prefix...)

			err := turn.Apply(tt.bad)
			require.ErrorIs(t, err, chat.ErrOutOfOrder)
			assert.Equal(t, chat.StateFailed, turn.State())
			assert.Equal(t, chat.ReasonProtocolViolation, turn.FailureReason())
		})
	}
}

func TestTurn_AnswerWhilePendingOption(t *testing.T) {
	turn := newTurn(chat.WithAnswerWhilePending())
	applyAll(t, turn, connected(), thinkingStart(), toolStart("1", "render_ui_component"), answer("看图"), toolDone("1"), complete())
	assert.Equal(t, chat.StateComplete, turn.State())
}

func TestTurn_ErrorFrameFails(t *testing.T) {
	turn := newTurn()
	applyAll(t, turn, connected(), thinkingStart(), toolStart("1", "x"))
	applyAll(t, turn, chat.NewFrame(&chat.Error{Code: string(chat.ReasonUpstreamProvider), Message: "timeout"}))

	assert.Equal(t, chat.StateFailed, turn.State())
	assert.Equal(t, chat.ReasonUpstreamProvider, turn.FailureReason())

	invs := turn.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, chat.ToolFailed, invs[0].Status)
	assert.Equal(t, chat.UnresolvedToolError, invs[0].Error)
	assert.False(t, invs[0].CompletedAt.IsZero())
}

func TestTurn_NothingAfterTerminal(t *testing.T) {
	turn := newTurn()
	applyAll(t, turn, connected(), answer("a"), complete())

	for _, f := range []chat.Frame{answer("b"), complete(), chat.NewFrame(&chat.Error{Code: "x"})} {
		err := turn.Apply(f)
		require.ErrorIs(t, err, chat.ErrTurnClosed)
	}
	assert.Equal(t, chat.StateComplete, turn.State())
	assert.Equal(t, "a", turn.AnswerText())
	assert.ErrorIs(t, turn.Fail(chat.ReasonClientDisconnected), chat.ErrTurnClosed)
}

func TestTurn_TransportClosed(t *testing.T) {
	t.Run("before terminal frame", func(t *testing.T) {
		turn := newTurn()
		applyAll(t, turn, connected(), thinkingStart())
		turn.TransportClosed()
		assert.Equal(t, chat.StateFailed, turn.State())
		assert.Equal(t, chat.ReasonIncompleteStream, turn.FailureReason())
	})

	t.Run("after complete", func(t *testing.T) {
		turn := newTurn()
		applyAll(t, turn, connected(), answer("a"), complete())
		turn.TransportClosed()
		assert.Equal(t, chat.StateComplete, turn.State())
	})
}

func TestTurn_FailClientDisconnected(t *testing.T) {
	turn := newTurn()
	applyAll(t, turn, connected(), thinkingStart())
	require.NoError(t, turn.Fail(chat.ReasonClientDisconnected))
	assert.Equal(t, chat.ReasonClientDisconnected, turn.FailureReason())
}

func TestUserID_Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    chat.UserID
		wantErr bool
	}{
		{`"u-1"`, "u-1", false},
		{`42`, "42", false},
		{`null`, "", false},
		{`4.5`, "", true},
		{`true`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var u chat.UserID
			err := json.Unmarshal([]byte(tt.in), &u)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u)
		})
	}
}

func TestProtocolError_Message(t *testing.T) {
	err := &chat.ProtocolError{Kind: chat.ViolationUnknownCallID, Event: chat.EventToolCallComplete, State: chat.StateThinking, CallID: "9"}
	assert.Equal(t, "protocol violation: unknown_call_id: tool_call_complete in state thinking (call 9)", err.Error())
	assert.True(t, errors.Is(err, chat.ErrUnknownCallID))
}
