package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyup/aistream/internal/adapter/memory"
	"github.com/yyup/aistream/internal/adapter/ristretto"
	"github.com/yyup/aistream/internal/domain"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/service"
)

func completedTurn(t *testing.T, conversationID, answer string) *chat.Turn {
	t.Helper()
	turn := chat.NewTurn(conversationID, "42", "查询学生总数")
	turn.Namespace = "kindergarten"
	for _, p := range []chat.Payload{
		&chat.Connected{ConversationID: turn.ConversationID, TurnID: turn.ID},
		&chat.ThinkingStart{},
		&chat.ToolCallStart{CallID: "1", ToolName: "query_statistics", Args: json.RawMessage(`{"name":"student_count"}`)},
		&chat.ToolCallComplete{CallID: "1", Status: chat.ToolSucceeded, Result: json.RawMessage(`{"total":128}`)},
		&chat.ThinkingComplete{},
		&chat.Answer{Message: answer},
		&chat.Complete{ConversationID: turn.ConversationID, TurnID: turn.ID},
	} {
		require.NoError(t, turn.Apply(chat.NewFrame(p)))
	}
	return turn
}

func newCache(t *testing.T) *ristretto.Cache {
	t.Helper()
	c, err := ristretto.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestHistoryService_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	svc := service.NewHistoryService(memory.NewHistoryStore(0), newCache(t), time.Minute, 10)

	turn := completedTurn(t, "conv-1", "共有128名学生。")
	require.NoError(t, svc.AppendTurn(ctx, turn))

	msgs, err := svc.ConversationMessages(ctx, "conv-1", "42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "查询学生总数", msgs[0].Content)
	assert.Equal(t, turn.ID, msgs[1].TurnID)
	assert.Equal(t, "共有128名学生。", msgs[1].Content)

	var invs []chat.ToolInvocation
	require.NoError(t, json.Unmarshal(msgs[1].ToolCalls, &invs))
	require.Len(t, invs, 1)
	assert.Equal(t, "query_statistics", invs[0].ToolName)

	conv, err := svc.Conversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "42", conv.UserID)
	assert.Equal(t, "kindergarten", conv.Namespace)
}

func TestHistoryService_AppendInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	svc := service.NewHistoryService(memory.NewHistoryStore(0), newCache(t), time.Minute, 10)

	require.NoError(t, svc.AppendTurn(ctx, completedTurn(t, "conv-1", "第一轮")))
	msgs, err := svc.Recent(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, svc.AppendTurn(ctx, completedTurn(t, "conv-1", "第二轮")))
	msgs, err = svc.Recent(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "第二轮", msgs[3].Content)
}

func TestHistoryService_OtherUsersConversation(t *testing.T) {
	ctx := context.Background()
	svc := service.NewHistoryService(memory.NewHistoryStore(0), nil, 0, 10)
	require.NoError(t, svc.AppendTurn(ctx, completedTurn(t, "conv-1", "好的")))

	_, err := svc.ConversationMessages(ctx, "conv-1", "7")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.ConversationMessages(ctx, "missing", "42")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHistoryService_RejectsUnfinishedTurn(t *testing.T) {
	svc := service.NewHistoryService(memory.NewHistoryStore(0), nil, 0, 10)
	turn := chat.NewTurn("", "42", "你好")
	require.NoError(t, turn.Apply(chat.NewFrame(&chat.Connected{ConversationID: turn.ConversationID})))

	err := svc.AppendTurn(context.Background(), turn)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
