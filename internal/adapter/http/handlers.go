package http

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/yyup/aistream/internal/adapter/sse"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/domain/conversation"
	"github.com/yyup/aistream/internal/middleware"
	"github.com/yyup/aistream/internal/service"
)

const healthTimeout = 3 * time.Second

// HealthCheck reports whether a dependency can serve requests.
type HealthCheck func(ctx context.Context) error

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator      *service.StreamOrchestrator
	History           *service.HistoryService
	AuthEnabled       bool // when true the authenticated principal overrides body userId
	DefaultUserID     string
	HeartbeatInterval time.Duration
	MaxBodySize       int64
	Checks            map[string]HealthCheck
	Version           string
}

// StreamChat handles POST /api/ai/{namespace}/stream-chat.
//
// Validation failures are answered with a JSON error before any frame is
// written. Once the stream is open the turn always ends with a terminal frame
// unless the client goes away.
func (h *Handlers) StreamChat(w http.ResponseWriter, r *http.Request) {
	ns := urlParam(r, "namespace")
	if !h.Orchestrator.HasNamespace(ns) {
		writeError(w, http.StatusNotFound, "unknown namespace")
		return
	}

	req, ok := readJSON[conversation.StreamChatRequest](w, r, h.MaxBodySize)
	if !ok {
		return
	}

	ctx := r.Context()
	turn, err := h.Orchestrator.NewTurn(ctx, ns, h.userID(r, req.UserID), req)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	frames, err := h.Orchestrator.RunTurn(ctx, turn)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)

	stop := sw.Heartbeat(ctx, h.HeartbeatInterval)
	defer stop()

	for f := range frames {
		if err := sw.WriteFrame(f); err != nil {
			slog.WarnContext(ctx, "stream write failed",
				"turn_id", turn.ID, "frame", f.Type(), "error", err)
			break
		}
	}
}

// ConversationMessages handles GET /api/ai/conversations/{id}/messages.
// Without auth the caller may name the user with ?userId=.
func (h *Handlers) ConversationMessages(w http.ResponseWriter, r *http.Request) {
	asUser := chat.UserID(r.URL.Query().Get("userId"))
	msgs, err := h.History.ConversationMessages(r.Context(), urlParam(r, "id"), h.userID(r, asUser))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health. It answers 503 when any check fails.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Version: h.Version, Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			slog.WarnContext(ctx, "health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// userID picks the acting user. With auth enabled the principal wins;
// otherwise the body may name the user.
func (h *Handlers) userID(r *http.Request, fromBody chat.UserID) chat.UserID {
	if !h.AuthEnabled && fromBody != "" {
		return fromBody
	}
	if p := middleware.UserIDFromContext(r.Context()); p != "" {
		return chat.UserID(p)
	}
	return chat.UserID(h.DefaultUserID)
}
