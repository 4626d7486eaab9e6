package chat_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyup/aistream/internal/domain/chat"
)

func TestToolTracker_Lifecycle(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tr := chat.NewToolTracker()

	require.NoError(t, tr.OnToolStart("1", "query_statistics", json.RawMessage(`{"name":"student_count"}`), start))
	require.NoError(t, tr.OnToolStart("2", "render_ui_component", nil, start))
	assert.Equal(t, 2, tr.PendingCount())

	require.NoError(t, tr.OnToolComplete("2", nil, "unknown component", start.Add(20*time.Millisecond)))
	require.NoError(t, tr.OnToolComplete("1", json.RawMessage(`{"total":128}`), "", start.Add(50*time.Millisecond)))
	assert.Zero(t, tr.PendingCount())

	invs := tr.Invocations()
	require.Len(t, invs, 2)
	assert.Equal(t, "1", invs[0].CallID)
	assert.Equal(t, chat.ToolSucceeded, invs[0].Status)
	assert.JSONEq(t, `{"total":128}`, string(invs[0].Result))
	assert.Equal(t, 50*time.Millisecond, invs[0].Duration())
	assert.Equal(t, chat.ToolFailed, invs[1].Status)
	assert.Equal(t, "unknown component", invs[1].Error)
	assert.Equal(t, []string{"query_statistics", "render_ui_component"}, tr.Names())
}

func TestToolTracker_Violations(t *testing.T) {
	at := time.Now()
	tr := chat.NewToolTracker()

	require.NoError(t, tr.OnToolStart("1", "query_statistics", nil, at))
	assert.ErrorIs(t, tr.OnToolStart("1", "query_statistics", nil, at), chat.ErrDuplicateCallID)
	assert.ErrorIs(t, tr.OnToolComplete("9", nil, "", at), chat.ErrUnknownCallID)

	require.NoError(t, tr.OnToolComplete("1", nil, "", at))
	assert.ErrorIs(t, tr.OnToolComplete("1", nil, "", at), chat.ErrUnknownCallID, "resolved call completed twice")
	assert.NoError(t, tr.OnToolStart("1", "query_statistics", nil, at), "resolved ids may be reused")
}

func TestToolTracker_FailPending(t *testing.T) {
	at := time.Now()
	tr := chat.NewToolTracker()
	require.NoError(t, tr.OnToolStart("1", "query_statistics", nil, at))
	require.NoError(t, tr.OnToolStart("2", "query_statistics", nil, at))
	require.NoError(t, tr.OnToolComplete("1", json.RawMessage(`[]`), "", at))

	tr.FailPending(at.Add(time.Second))

	invs := tr.Invocations()
	assert.Equal(t, chat.ToolSucceeded, invs[0].Status)
	assert.Equal(t, chat.ToolFailed, invs[1].Status)
	assert.Equal(t, chat.UnresolvedToolError, invs[1].Error)
	assert.Zero(t, tr.PendingCount())
	assert.Equal(t, []string{"query_statistics"}, tr.Names())
}

func TestToolInvocation_DurationWhileRunning(t *testing.T) {
	tr := chat.NewToolTracker()
	require.NoError(t, tr.OnToolStart("1", "query_statistics", nil, time.Now()))
	inv := tr.Invocations()[0]
	assert.Zero(t, inv.Duration())
}
