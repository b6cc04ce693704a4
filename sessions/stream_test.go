package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/eventstore/memory"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
)

type recordingWriter struct {
	mu     sync.Mutex
	ids    []string
	frames [][]byte
	fail   error
}

func (w *recordingWriter) WriteMessage(ctx context.Context, eventID string, msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.ids = append(w.ids, eventID)
	w.frames = append(w.frames, append([]byte(nil), msg...))
	return nil
}

func (w *recordingWriter) seqs(t *testing.T) []uint64 {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint64, 0, len(w.ids))
	for _, id := range w.ids {
		_, seq, err := eventstore.ParseEventID(id)
		if err != nil {
			t.Fatalf("parse %q: %v", id, err)
		}
		out = append(out, seq)
	}
	return out
}

func readySession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s := New(NewRegistry(), opts...)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	ctx := context.Background()
	for _, raw := range []string{
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	} {
		if err := s.HandleMessage(ctx, []byte(raw)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	return s
}

func notifyN(t *testing.T, s *Session, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		if err := s.Notify(context.Background(), "notifications/test", map[string]int{"n": i}); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStreamResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := readySession(t)

	// The initialize response is the first record on the primary stream.
	first := &recordingWriter{}
	detach, err := s.Attach(ctx, s.PrimaryStream(), first)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	notifyN(t, s, 1, 3)
	detach()
	notifyN(t, s, 4, 5)

	got := first.seqs(t)
	if !equalSeqs(got, []uint64{2, 3, 4}) {
		t.Fatalf("unexpected live sequence %v", got)
	}

	streamID, resume, err := ResumeFromEventID(first.ids[len(first.ids)-1])
	if err != nil {
		t.Fatalf("resume option: %v", err)
	}
	if streamID != s.PrimaryStream() {
		t.Fatalf("expected primary stream, got %s", streamID)
	}
	second := &recordingWriter{}
	if _, err := s.Attach(ctx, streamID, second, resume); err != nil {
		t.Fatalf("resume: %v", err)
	}
	notifyN(t, s, 6, 6)

	if got := second.seqs(t); !equalSeqs(got, []uint64{5, 6, 7}) {
		t.Fatalf("expected replay of 5,6 then live 7, got %v", got)
	}
	if got := first.seqs(t); len(got) != 3 {
		t.Fatalf("detached writer received more frames: %v", got)
	}
}

func TestStreamAttachReplacesWriter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := readySession(t)

	a, b := &recordingWriter{}, &recordingWriter{}
	detachA, _ := s.Attach(ctx, s.PrimaryStream(), a)
	if _, err := s.Attach(ctx, s.PrimaryStream(), b); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// A stale detach must not remove the newer writer.
	detachA()
	notifyN(t, s, 1, 1)

	if len(a.seqs(t)) != 0 || len(b.seqs(t)) != 1 {
		t.Fatalf("expected frame on newest writer only: a=%v b=%v", a.ids, b.ids)
	}
	if !s.Attached() {
		t.Fatalf("expected an attached writer")
	}
}

func TestStreamWriteFailureDetaches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := readySession(t)

	w := &recordingWriter{fail: errors.New("broken pipe")}
	if _, err := s.Attach(ctx, s.PrimaryStream(), w); err != nil {
		t.Fatalf("attach: %v", err)
	}
	notifyN(t, s, 1, 2)
	if s.Attached() {
		t.Fatalf("expected failed writer to be detached")
	}

	again := &recordingWriter{}
	if _, err := s.Attach(ctx, s.PrimaryStream(), again, ResumeAfter(1)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := again.seqs(t); !equalSeqs(got, []uint64{2, 3}) {
		t.Fatalf("expected records kept for replay, got %v", got)
	}
}

func TestStreamStaleResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New(memory.WithRetention(eventstore.Retention{MaxRecords: 2}))
	s := readySession(t, WithEventStore(store))
	notifyN(t, s, 1, 5)

	if _, err := s.Attach(ctx, s.PrimaryStream(), &recordingWriter{}, ResumeAfter(1)); !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor, got %v", err)
	}
	if _, err := s.Attach(ctx, s.PrimaryStream(), &recordingWriter{}, ResumeAfter(42)); !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor for future position, got %v", err)
	}

	w := &recordingWriter{}
	if _, err := s.Attach(ctx, s.PrimaryStream(), w, ResumeAfter(4)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := w.seqs(t); !equalSeqs(got, []uint64{5, 6}) {
		t.Fatalf("unexpected replay %v", got)
	}

	if _, err := s.Attach(ctx, "someone-else", &recordingWriter{}); !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("expected foreign stream to be rejected, got %v", err)
	}
}

func TestStreamAcknowledge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := readySession(t)
	notifyN(t, s, 1, 3)

	if err := s.Acknowledge(ctx, s.PrimaryStream(), 3); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := s.Attach(ctx, s.PrimaryStream(), &recordingWriter{}, ResumeAfter(2)); !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("expected acknowledged records to be gone, got %v", err)
	}
	w := &recordingWriter{}
	if _, err := s.Attach(ctx, s.PrimaryStream(), w, ResumeAfter(3)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := w.seqs(t); !equalSeqs(got, []uint64{4}) {
		t.Fatalf("unexpected replay %v", got)
	}
}

func TestRequestStreams(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := NewRegistry()
	_ = reg.HandleFunc("tools/call", func(ctx context.Context, req *Request) (any, error) {
		if err := req.Session().Notify(ctx, "notifications/test", nil); err != nil {
			return nil, err
		}
		return map[string]string{"stream": req.Stream()}, nil
	})
	s := New(reg)
	t.Cleanup(func() { _ = s.Close(ctx) })

	primary := &recordingWriter{}
	_, _ = s.Attach(ctx, s.PrimaryStream(), primary)
	for _, raw := range []string{
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	} {
		_ = s.HandleMessage(ctx, []byte(raw))
	}

	reqStream := s.RequestStream("post-1")
	done := make(chan struct{})
	w := MessageWriterFunc(func(ctx context.Context, eventID string, msg []byte) error {
		m, err := jsonrpc.Decode(msg)
		if err == nil && m.Method == "" {
			close(done)
		}
		return nil
	})
	if _, err := s.Attach(ctx, reqStream, w); err != nil {
		t.Fatalf("attach request stream: %v", err)
	}
	if err := s.HandleMessage(WithStream(ctx, reqStream), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	<-done

	recs, err := s.store.ReplayFrom(ctx, reqStream, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected notification and response on request stream, got %d records", len(recs))
	}
	if want := fmt.Sprintf(`"result":{"stream":%q}`, reqStream); !strings.Contains(string(recs[1].Payload), want) {
		t.Fatalf("unexpected response %s", recs[1].Payload)
	}
	if got := len(primary.seqs(t)); got != 1 {
		t.Fatalf("expected only the initialize response on primary, got %d frames", got)
	}
}

func (s *Session) streamCount() int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return len(s.streams)
}

// answerOn runs one tools/call on streamID and waits for its response.
func answerOn(t *testing.T, s *Session, streamID string, id int) {
	t.Helper()
	ctx := context.Background()
	done := make(chan struct{})
	detach, err := s.Attach(ctx, streamID, MessageWriterFunc(func(ctx context.Context, eventID string, msg []byte) error {
		if m, err := jsonrpc.Decode(msg); err == nil && m.Method == "" {
			close(done)
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("attach %s: %v", streamID, err)
	}
	raw := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"x"}}`, id)
	if err := s.HandleMessage(WithStream(ctx, streamID), []byte(raw)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no response on %s", streamID)
	}
	detach()
}

func echoToolRegistry() *Registry {
	reg := NewRegistry()
	_ = reg.HandleFunc("tools/call", func(ctx context.Context, req *Request) (any, error) {
		return map[string]string{"stream": req.Stream()}, nil
	})
	return reg
}

func TestRequestStreamReclamation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("dropped on detach without retention", func(t *testing.T) {
		t.Parallel()
		s := New(echoToolRegistry(), WithStreamRetention(0))
		t.Cleanup(func() { _ = s.Close(ctx) })
		for _, raw := range []string{
			`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`,
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		} {
			_ = s.HandleMessage(ctx, []byte(raw))
		}

		for i := 1; i <= 20; i++ {
			answerOn(t, s, s.RequestStream(fmt.Sprintf("post-%d", i)), i)
		}
		if got := s.streamCount(); got != 1 {
			t.Fatalf("expected only the primary stream to remain, got %d", got)
		}
		if _, err := s.store.ReplayFrom(ctx, s.RequestStream("post-1"), 1); !errors.Is(err, eventstore.ErrStaleCursor) {
			t.Fatalf("expected records of a finished stream to be deleted, got %v", err)
		}
	})

	t.Run("undelivered response survives until resumed", func(t *testing.T) {
		t.Parallel()
		s := New(echoToolRegistry(), WithStreamRetention(0))
		t.Cleanup(func() { _ = s.Close(ctx) })
		for _, raw := range []string{
			`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`,
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		} {
			_ = s.HandleMessage(ctx, []byte(raw))
		}

		streamID := s.RequestStream("lost")
		if err := s.HandleMessage(WithStream(ctx, streamID), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`)); err != nil {
			t.Fatalf("handle: %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			recs, err := s.store.ReplayFrom(ctx, streamID, 0)
			if err == nil && len(recs) == 1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("response never recorded: %d records, err=%v", len(recs), err)
			}
			time.Sleep(5 * time.Millisecond)
		}

		w := &recordingWriter{}
		detach, err := s.Attach(ctx, streamID, w, ResumeAfter(0))
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if got := w.seqs(t); !equalSeqs(got, []uint64{1}) {
			t.Fatalf("expected the response to be replayed, got %v", got)
		}
		detach()
		if got := s.streamCount(); got != 1 {
			t.Fatalf("expected the delivered stream to be dropped, got %d streams", got)
		}
	})

	t.Run("reaped after retention", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		s := New(echoToolRegistry(), WithClock(clock))
		t.Cleanup(func() { _ = s.Close(ctx) })
		for _, raw := range []string{
			`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`,
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		} {
			_ = s.HandleMessage(ctx, []byte(raw))
		}

		for i := 1; i <= 5; i++ {
			answerOn(t, s, s.RequestStream(fmt.Sprintf("post-%d", i)), i)
		}
		if n := s.reapStreams(ctx, clock.Now().Add(-DefaultStreamRetention)); n != 0 {
			t.Fatalf("expected nothing reaped within retention, got %d", n)
		}

		clock.Advance(DefaultStreamRetention + time.Second)
		if n := s.reapStreams(ctx, clock.Now().Add(-DefaultStreamRetention)); n != 5 {
			t.Fatalf("expected 5 streams reaped, got %d", n)
		}
		if got := s.streamCount(); got != 1 {
			t.Fatalf("expected only the primary stream to remain, got %d", got)
		}
		if _, err := s.Attach(ctx, s.RequestStream("post-1"), &recordingWriter{}, ResumeAfter(1)); !errors.Is(err, ErrStaleCursor) {
			t.Fatalf("expected stale cursor for a reaped stream, got %v", err)
		}
		if got := s.streamCount(); got != 1 {
			t.Fatalf("a failed resume must not leave a stream behind, got %d", got)
		}
	})
}

func TestDefaultStoreIsBounded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := readySession(t)
	notifyN(t, s, 1, 2*DefaultMaxRecords+10)

	// The initialize response is the first record.
	last := uint64(2*DefaultMaxRecords + 11)
	if _, err := s.store.ReplayFrom(ctx, s.PrimaryStream(), 0); !errors.Is(err, eventstore.ErrStaleCursor) {
		t.Fatalf("expected the oldest records to be pruned, got %v", err)
	}
	recs, err := s.store.ReplayFrom(ctx, s.PrimaryStream(), last-DefaultMaxRecords)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != DefaultMaxRecords {
		t.Fatalf("expected %d retained records, got %d", DefaultMaxRecords, len(recs))
	}
}
