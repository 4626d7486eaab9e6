package sseclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyup/aistream/internal/adapter/sse"
	"github.com/yyup/aistream/internal/adapter/sseclient"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/domain/conversation"
)

type received struct {
	path string
	auth string
	body []byte
}

// streamServer answers every request with the given raw writes, flushing
// after each one.
func streamServer(t *testing.T, writes ...string) (*httptest.Server, *received) {
	t.Helper()
	got := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.body, _ = io.ReadAll(r.Body)

		sse.SetHeaders(w)
		w.WriteHeader(http.StatusOK)
		for _, s := range writes {
			_, _ = io.WriteString(w, s)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func encode(t *testing.T, payloads ...chat.Payload) string {
	t.Helper()
	var b strings.Builder
	for _, p := range payloads {
		data, err := sse.Encode(chat.NewFrame(p))
		require.NoError(t, err)
		b.Write(data)
	}
	return b.String()
}

func TestStreamChat_ReconstructsAnswer(t *testing.T) {
	stream := encode(t,
		&chat.Connected{ConversationID: "conv-1", TurnID: "turn-1"},
		&chat.ThinkingStart{Message: "正在分析您的问题..."},
		&chat.ThinkingComplete{Message: "分析完成"},
		&chat.Answer{Message: "你好！"},
		&chat.Answer{Message: "我是幼儿园AI助手。"},
		&chat.Complete{ConversationID: "conv-1", TurnID: "turn-1", ToolsUsed: []string{}},
	)
	// Split mid-frame to exercise the carryover.
	cut := len(stream) / 2
	srv, req := streamServer(t, stream[:cut], stream[cut:])

	var observed int
	c := sseclient.New(srv.URL, sseclient.WithToken("secret"), sseclient.WithObserver(func(chat.Frame) { observed++ }))
	res, err := c.StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好", UserID: "42"})
	require.NoError(t, err)

	assert.Equal(t, "/api/ai/kindergarten/stream-chat", req.path)
	assert.Equal(t, "Bearer secret", req.auth)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(req.body, &sent))
	assert.Equal(t, "你好", sent["message"])

	assert.Equal(t, "你好！我是幼儿园AI助手。", res.Answer())
	assert.Equal(t, chat.StateComplete, res.Turn.State())
	assert.Equal(t, "conv-1", res.Turn.ConversationID)
	assert.Equal(t, "turn-1", res.Turn.ID)
	assert.Len(t, res.Frames, 6)
	assert.Equal(t, 6, observed)
	assert.Empty(t, res.Violations)
	assert.Zero(t, res.Dropped)
}

func TestStreamChat_ToleratesNoise(t *testing.T) {
	srv, _ := streamServer(t,
		encode(t, &chat.Connected{ConversationID: "c", TurnID: "t"}),
		": ping\n\n",
		"data: {not json}\n\n",
		"event: message\r\nid: 7\r\n"+encode(t, &chat.Answer{Message: "好的"}),
		encode(t, &chat.Complete{ConversationID: "c", TurnID: "t"}),
	)

	res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好"})
	require.NoError(t, err)
	assert.Equal(t, "好的", res.Answer())
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, []chat.EventType{chat.EventConnected, chat.EventAnswer, chat.EventComplete}, res.Types())
}

func TestStreamChat_ToolCalls(t *testing.T) {
	srv, _ := streamServer(t, encode(t,
		&chat.Connected{ConversationID: "c", TurnID: "t"},
		&chat.ThinkingStart{Message: "正在分析您的问题..."},
		&chat.ToolCallStart{CallID: "1", ToolName: "query_statistics", Args: json.RawMessage(`{"name":"student_count"}`)},
		&chat.ToolCallComplete{CallID: "1", ToolName: "query_statistics", Status: chat.ToolSucceeded, Result: json.RawMessage(`{"total":128}`)},
		&chat.ThinkingComplete{Message: "分析完成"},
		&chat.Answer{Message: "共有128名学生。"},
		&chat.Complete{ConversationID: "c", TurnID: "t", ToolsUsed: []string{"query_statistics"}},
	))

	res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "查询学生总数"})
	require.NoError(t, err)

	invs := res.Turn.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, "1", invs[0].CallID)
	assert.Equal(t, chat.ToolSucceeded, invs[0].Status)
	assert.False(t, invs[0].CompletedAt.Before(invs[0].StartedAt))
}

func TestStreamChat_ErrorFrame(t *testing.T) {
	srv, _ := streamServer(t, encode(t,
		&chat.Connected{ConversationID: "c", TurnID: "t"},
		&chat.ThinkingStart{Message: "正在分析您的问题..."},
		&chat.Error{Code: string(chat.ReasonUpstreamProvider), Message: "AI服务暂时不可用"},
	))

	res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好"})

	var serr *sseclient.StreamError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "upstream_provider_error", serr.Code)
	require.NotNil(t, res)
	assert.Equal(t, chat.StateFailed, res.Turn.State())
	assert.Equal(t, chat.ReasonUpstreamProvider, res.Turn.FailureReason())
}

func TestStreamChat_IncompleteStream(t *testing.T) {
	srv, _ := streamServer(t, encode(t,
		&chat.Connected{ConversationID: "c", TurnID: "t"},
		&chat.ThinkingStart{Message: "正在分析您的问题..."},
		&chat.ToolCallStart{CallID: "1", ToolName: "query_statistics"},
	))

	res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好"})

	require.ErrorIs(t, err, sseclient.ErrIncompleteStream)
	assert.Equal(t, chat.StateFailed, res.Turn.State())
	assert.Equal(t, chat.ReasonIncompleteStream, res.Turn.FailureReason())
	invs := res.Turn.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, chat.ToolFailed, invs[0].Status)
}

func TestStreamChat_Violations(t *testing.T) {
	t.Run("unknown call id is recorded", func(t *testing.T) {
		srv, _ := streamServer(t, encode(t,
			&chat.Connected{ConversationID: "c", TurnID: "t"},
			&chat.ThinkingStart{},
			&chat.ToolCallComplete{CallID: "9", Status: chat.ToolSucceeded},
			&chat.Answer{Message: "好"},
			&chat.Complete{ConversationID: "c", TurnID: "t"},
		))

		res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好"})
		require.NoError(t, err)
		require.Len(t, res.Violations, 1)
		assert.ErrorIs(t, res.Violations[0], chat.ErrUnknownCallID)
	})

	t.Run("answer before connected is fatal", func(t *testing.T) {
		srv, _ := streamServer(t, encode(t,
			&chat.Answer{Message: "好"},
			&chat.Complete{ConversationID: "c", TurnID: "t"},
		))

		res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好"})
		require.ErrorIs(t, err, chat.ErrOutOfOrder)
		assert.Equal(t, chat.ReasonProtocolViolation, res.Turn.FailureReason())
		assert.Len(t, res.Frames, 1)
	})

	t.Run("frames after the terminal frame are reported", func(t *testing.T) {
		srv, _ := streamServer(t,
			encode(t,
				&chat.Connected{ConversationID: "c", TurnID: "t"},
				&chat.Answer{Message: "好的"},
				&chat.Complete{ConversationID: "c", TurnID: "t"},
				&chat.Answer{Message: "多余"},
			),
			encode(t, &chat.Error{Code: string(chat.ReasonInternal), Message: "late"}),
		)

		res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好"})
		require.NoError(t, err, "the turn still completed")
		assert.Equal(t, chat.StateComplete, res.Turn.State())
		assert.Equal(t, "好的", res.Answer())
		assert.Len(t, res.Frames, 5)
		require.Len(t, res.Violations, 2)
		for _, v := range res.Violations {
			assert.Equal(t, chat.ViolationAfterTerminal, v.Kind)
			assert.False(t, v.Fatal)
		}
		assert.Equal(t, chat.EventAnswer, res.Violations[0].Event)
		assert.Equal(t, chat.EventError, res.Violations[1].Event)
	})

	t.Run("error frame result survives trailing frames", func(t *testing.T) {
		srv, _ := streamServer(t, encode(t,
			&chat.Connected{ConversationID: "c", TurnID: "t"},
			&chat.Error{Code: string(chat.ReasonUpstreamProvider), Message: "AI服务暂时不可用"},
			&chat.Complete{ConversationID: "c", TurnID: "t"},
		))

		res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好"})
		var serr *sseclient.StreamError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, string(chat.ReasonUpstreamProvider), serr.Code)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, chat.ViolationAfterTerminal, res.Violations[0].Kind)
	})

	t.Run("parallel start rejected when sequential", func(t *testing.T) {
		srv, _ := streamServer(t, encode(t,
			&chat.Connected{ConversationID: "c", TurnID: "t"},
			&chat.ThinkingStart{},
			&chat.ToolCallStart{CallID: "1", ToolName: "query_statistics"},
			&chat.ToolCallStart{CallID: "2", ToolName: "render_ui_component"},
		))

		_, err := sseclient.New(srv.URL, sseclient.WithSequentialTools()).
			StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{Message: "你好"})
		require.ErrorIs(t, err, chat.ErrOutOfOrder)
	})
}

func TestStreamChat_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"message is required"}`)
	}))
	t.Cleanup(srv.Close)

	res, err := sseclient.New(srv.URL).StreamChat(context.Background(), "kindergarten", conversation.StreamChatRequest{})

	assert.Nil(t, res)
	var serr *sseclient.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
	assert.Equal(t, "message is required", serr.Message)
}
