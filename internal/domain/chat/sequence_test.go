package chat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyup/aistream/internal/domain/chat"
)

func types(names ...string) []chat.EventType {
	out := make([]chat.EventType, len(names))
	for i, n := range names {
		out[i] = chat.EventType(n)
	}
	return out
}

func TestSequencePattern_Match(t *testing.T) {
	p, err := chat.CompileSequence("connected thinking_start (tool_call_start tool_call_complete)* thinking_complete answer+ complete")
	require.NoError(t, err)

	assert.True(t, p.Match(types("connected", "thinking_start", "thinking_complete", "answer", "complete")))
	assert.True(t, p.Match(types("connected", "thinking_start", "tool_call_start", "tool_call_complete", "thinking_complete", "answer", "answer", "complete")))
	assert.False(t, p.Match(types("connected", "thinking_start", "thinking_complete", "complete")))
	assert.False(t, p.Match(types("connected", "thinking_start", "tool_call_start", "thinking_complete", "answer", "complete")))
	assert.False(t, p.Match(types("connected", "thinking_start", "thinking_complete", "answer", "complete", "answer")))
}

func TestSequencePattern_Alternation(t *testing.T) {
	p, err := chat.CompileSequence("connected thinking_start? (answer+ complete | error)")
	require.NoError(t, err)

	assert.True(t, p.Match(types("connected", "thinking_start", "error")))
	assert.True(t, p.Match(types("connected", "answer", "complete")))
	assert.False(t, p.Match(types("connected", "thinking_start")))
}

func TestCompileSequence_Errors(t *testing.T) {
	_, err := chat.CompileSequence("connected progress complete")
	require.ErrorIs(t, err, chat.ErrUnknownEventType)

	_, err = chat.CompileSequence("connected [answer]")
	assert.Error(t, err)

	_, err = chat.CompileSequence("connected (answer")
	assert.Error(t, err)
}

func TestTypes(t *testing.T) {
	got := chat.Types([]chat.Frame{connected(), answer("a"), complete()})
	assert.Equal(t, types("connected", "answer", "complete"), got)
}
