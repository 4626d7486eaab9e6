package sse_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyup/aistream/internal/adapter/sse"
	"github.com/yyup/aistream/internal/domain/chat"
)

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	sse.SetHeaders(rec)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestWriter_WriteFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame(chat.NewFrame(&chat.Answer{Message: "hi"})))
	require.NoError(t, w.WriteKeepAlive())

	assert.Equal(t, "data: {\"type\":\"answer\",\"message\":\"hi\"}\n\n: ping\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

type noFlush struct{ http.ResponseWriter }

func TestNewWriter_RequiresFlusher(t *testing.T) {
	_, err := sse.NewWriter(noFlush{httptest.NewRecorder()})
	assert.Error(t, err)
}

type brokenWriter struct {
	*httptest.ResponseRecorder
	mu     sync.Mutex
	writes int
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	return 0, errors.New("connection reset by peer")
}

func TestWriter_StickyError(t *testing.T) {
	bw := &brokenWriter{ResponseRecorder: httptest.NewRecorder()}
	w, err := sse.NewWriter(bw)
	require.NoError(t, err)

	err1 := w.WriteFrame(chat.NewFrame(&chat.Answer{Message: "a"}))
	require.Error(t, err1)
	err2 := w.WriteKeepAlive()
	assert.Equal(t, err1, err2)
	assert.Equal(t, err1, w.Err())
	assert.Equal(t, 1, bw.writes)
}

type syncRecorder struct {
	mu  sync.Mutex
	rec *httptest.ResponseRecorder
}

func (s *syncRecorder) Header() http.Header { return s.rec.Header() }
func (s *syncRecorder) WriteHeader(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.WriteHeader(code)
}
func (s *syncRecorder) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Write(p)
}
func (s *syncRecorder) Flush() {}
func (s *syncRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Body.String()
}

func TestWriter_Heartbeat(t *testing.T) {
	sr := &syncRecorder{rec: httptest.NewRecorder()}
	w, err := sse.NewWriter(sr)
	require.NoError(t, err)

	stop := w.Heartbeat(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Count(sr.body(), ": ping\n\n") >= 2
	}, time.Second, 5*time.Millisecond)
	stop()

	n := strings.Count(sr.body(), ": ping\n\n")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, strings.Count(sr.body(), ": ping\n\n"), "no keepalives after stop")
}

func TestWriter_HeartbeatDisabled(t *testing.T) {
	w, err := sse.NewWriter(httptest.NewRecorder())
	require.NoError(t, err)
	stop := w.Heartbeat(context.Background(), 0)
	stop()
}
