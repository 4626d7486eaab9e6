package memory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyup/aistream/internal/adapter/memory"
	"github.com/yyup/aistream/internal/domain"
	"github.com/yyup/aistream/internal/domain/conversation"
)

func TestHistoryStoreAppendAndRecent(t *testing.T) {
	s := memory.NewHistoryStore(0)
	ctx := context.Background()
	conv := conversation.Conversation{ID: "c1", UserID: "7", Namespace: "kindergarten"}

	for i := range 3 {
		err := s.AppendTurn(ctx, conv, []conversation.Message{
			{TurnID: fmt.Sprint(i), Role: conversation.RoleUser, Content: fmt.Sprintf("q%d", i)},
			{TurnID: fmt.Sprint(i), Role: conversation.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		})
		require.NoError(t, err)
	}

	recent, err := s.RecentMessages(ctx, "c1", 3)
	require.NoError(t, err)
	want := []string{"a1", "q2", "a2"}
	require.Len(t, recent, len(want))
	for i, m := range recent {
		assert.Equal(t, want[i], m.Content, "message %d", i)
		assert.NotEmpty(t, m.ID, "message %d id", i)
		assert.Equal(t, "c1", m.ConversationID)
		assert.False(t, m.CreatedAt.IsZero(), "message %d created at", i)
	}

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "7", got.UserID)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestHistoryStoreCap(t *testing.T) {
	s := memory.NewHistoryStore(2)
	ctx := context.Background()
	conv := conversation.Conversation{ID: "c1"}
	for i := range 5 {
		require.NoError(t, s.AppendTurn(ctx, conv, []conversation.Message{{Role: conversation.RoleUser, Content: fmt.Sprint(i)}}))
	}
	all, err := s.RecentMessages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "3", all[0].Content)
	assert.Equal(t, "4", all[1].Content)
}

func TestHistoryStoreKeepsOwner(t *testing.T) {
	s := memory.NewHistoryStore(0)
	ctx := context.Background()
	msg := []conversation.Message{{Role: conversation.RoleUser, Content: "q"}}

	require.NoError(t, s.AppendTurn(ctx, conversation.Conversation{ID: "shared", UserID: "alice"}, msg))
	err := s.AppendTurn(ctx, conversation.Conversation{ID: "shared", UserID: "bob"}, msg)
	require.ErrorIs(t, err, domain.ErrNotFound, "another user's conversation")

	got, err := s.GetConversation(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	all, _ := s.RecentMessages(ctx, "shared", 0)
	assert.Len(t, all, 1)
}

func TestHistoryStoreNotFound(t *testing.T) {
	s := memory.NewHistoryStore(0)
	_, err := s.GetConversation(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	msgs, err := s.RecentMessages(context.Background(), "nope", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
