package http

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hijackableRecorder wraps httptest.ResponseRecorder to implement http.Hijacker.
type hijackableRecorder struct {
	*httptest.ResponseRecorder
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, nil
}

func TestResponseWriterHijack(t *testing.T) {
	inner := &hijackableRecorder{httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	hj, ok := http.ResponseWriter(rw).(http.Hijacker)
	require.True(t, ok, "responseWriter implements http.Hijacker")
	_, _, err := hj.Hijack()
	assert.NoError(t, err)
}

func TestResponseWriterHijackFallback(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

	_, _, err := rw.Hijack()
	assert.Error(t, err, "inner writer cannot hijack")
}

func TestResponseWriterFlushAndCount(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	f, ok := http.ResponseWriter(rw).(http.Flusher)
	require.True(t, ok, "responseWriter implements http.Flusher")
	_, err := rw.Write([]byte("data: {}\n\n"))
	require.NoError(t, err)
	f.Flush()

	assert.True(t, inner.Flushed)
	assert.EqualValues(t, 10, rw.written)
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	t.Run("preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/api/ai/kindergarten/stream-chat", http.NoBody)
		CORS("https://app.example.com")(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("disabled", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/health", http.NoBody)
		CORS("")(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTeapot, rec.Code, "request passed through")
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
