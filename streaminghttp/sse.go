package streaminghttp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// sseStream writes session messages as Server-Sent Events. Response headers
// are committed on the first event or on start, so failures before that can
// still be reported with a status code.
type sseStream struct {
	w  http.ResponseWriter
	wf *lockedWriteFlusher

	once    sync.Once
	mu      sync.Mutex
	begun   bool
	done    chan struct{}
	endOnce sync.Once
}

func newSSEStream(w http.ResponseWriter, r *http.Request) (*sseStream, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseStream{
		w:    w,
		wf:   &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()},
		done: make(chan struct{}),
	}, true
}

func (s *sseStream) start() {
	s.once.Do(func() {
		s.mu.Lock()
		s.begun = true
		s.mu.Unlock()
		s.w.Header().Set("Content-Type", eventStreamMediaType.String())
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.wf.Flush()
	})
}

func (s *sseStream) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun
}

func (s *sseStream) WriteMessage(ctx context.Context, eventID string, msg []byte) error {
	s.start()
	return writeSSEEvent(s.wf, eventID, msg)
}

// EndStream is called by the session once the stream has nothing more to
// deliver.
func (s *sseStream) EndStream() {
	s.endOnce.Do(func() { close(s.done) })
}

// writeSSEEvent writes one Server-Sent Event carrying payload as its data
// field and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// captureWriter keeps the messages written to it.
type captureWriter struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *captureWriter) WriteMessage(ctx context.Context, eventID string, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

func (c *captureWriter) first() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[0]
}
