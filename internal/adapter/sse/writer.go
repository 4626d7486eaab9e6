package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/yyup/aistream/internal/domain/chat"
)

// SetHeaders configures w for an event stream. Call before the first write.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Writer writes encoded frames to an HTTP response and flushes after each
// one. It is safe for concurrent use so a heartbeat can share the stream.
// After the first write error every later write fails with that error.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

// NewWriter wraps w, which must implement http.Flusher.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteFrame encodes and writes one frame.
func (w *Writer) WriteFrame(f chat.Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return w.write(data)
}

// WriteKeepAlive writes an SSE comment, which clients ignore.
func (w *Writer) WriteKeepAlive() error {
	return w.write([]byte(": ping\n\n"))
}

func (w *Writer) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(data); err != nil {
		w.err = fmt.Errorf("sse write: %w", err)
		return w.err
	}
	w.flusher.Flush()
	return nil
}

// Err returns the first write error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Heartbeat writes keepalive comments every interval until ctx is done or a
// write fails. The returned function stops it and waits for the goroutine.
func (w *Writer) Heartbeat(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.WriteKeepAlive(); err != nil {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
