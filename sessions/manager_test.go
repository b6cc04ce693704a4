package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/mcp-session-go/internal/logctx"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestManager(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("create get delete", func(t *testing.T) {
		t.Parallel()
		m := NewManager(NewRegistry())
		s := m.Create()
		if got, ok := m.Get(s.ID()); !ok || got != s {
			t.Fatalf("expected to find session %s", s.ID())
		}
		if m.Len() != 1 {
			t.Fatalf("expected 1 session, got %d", m.Len())
		}
		ok, err := m.Delete(ctx, s.ID())
		if !ok || err != nil {
			t.Fatalf("delete: ok=%v err=%v", ok, err)
		}
		if s.State() != StateClosed {
			t.Fatalf("expected deleted session to be closed, got %s", s.State())
		}
		if _, ok := m.Get(s.ID()); ok {
			t.Fatalf("expected session to be gone")
		}
		if ok, _ := m.Delete(ctx, s.ID()); ok {
			t.Fatalf("expected second delete to report missing")
		}
	})

	t.Run("broadcast reaches ready sessions", func(t *testing.T) {
		t.Parallel()
		m := NewManager(NewRegistry())
		defer m.Shutdown(ctx)

		ready := m.Create()
		pending := m.Create()
		for _, raw := range []string{
			`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`,
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		} {
			_ = ready.HandleMessage(ctx, []byte(raw))
		}
		w := &recordingWriter{}
		_, _ = ready.Attach(ctx, ready.PrimaryStream(), w, ResumeAfter(1))

		if n := m.Broadcast(ctx, "notifications/tools/list_changed", nil); n != 1 {
			t.Fatalf("expected 1 session notified, got %d", n)
		}
		if got := w.seqs(t); !equalSeqs(got, []uint64{2}) {
			t.Fatalf("unexpected frames %v", got)
		}
		if pending.State() != StateUninitialized {
			t.Fatalf("unexpected state %s", pending.State())
		}
	})

	t.Run("reap closes idle detached sessions", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		m := NewManager(NewRegistry(), WithManagerClock(clock), WithIdleTTL(time.Minute))
		defer m.Shutdown(ctx)

		idle := m.Create()
		attached := m.Create()
		_, _ = attached.Attach(ctx, attached.PrimaryStream(), &recordingWriter{})

		clock.Advance(30 * time.Second)
		if n := m.Reap(ctx); n != 0 {
			t.Fatalf("expected nothing reaped yet, got %d", n)
		}

		clock.Advance(time.Minute)
		if n := m.Reap(ctx); n != 1 {
			t.Fatalf("expected 1 session reaped, got %d", n)
		}
		if idle.State() != StateClosed {
			t.Fatalf("expected idle session closed, got %s", idle.State())
		}
		if _, ok := m.Get(attached.ID()); !ok {
			t.Fatalf("expected attached session to survive")
		}
	})

	t.Run("session logs carry transport context", func(t *testing.T) {
		t.Parallel()
		var buf syncBuffer
		log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		m := NewManager(NewRegistry(), WithManagerLogger(log))
		defer m.Shutdown(ctx)

		s := m.Create()
		rctx := logctx.WithRequestData(ctx, &logctx.RequestData{RequestID: "req-1", Method: "POST", Path: "/mcp"})
		raw := `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`
		if err := s.HandleMessage(rctx, []byte(raw)); err != nil {
			t.Fatalf("handle: %v", err)
		}

		var found bool
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var rec struct {
				Msg string `json:"msg"`
				Req struct {
					ID string `json:"id"`
				} `json:"req"`
				Sess struct {
					ID string `json:"id"`
				} `json:"sess"`
			}
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				t.Fatalf("decode log line %q: %v", line, err)
			}
			if rec.Msg == "session.initialize.ok" {
				found = true
				if rec.Req.ID != "req-1" || rec.Sess.ID != s.ID() {
					t.Fatalf("expected req and sess groups, got %s", line)
				}
			}
		}
		if !found {
			t.Fatalf("no initialize log record in %s", buf.String())
		}
	})

	t.Run("shutdown closes everything", func(t *testing.T) {
		t.Parallel()
		m := NewManager(NewRegistry())
		a, b := m.Create(), m.Create()
		m.Shutdown(ctx)
		if a.State() != StateClosed || b.State() != StateClosed || m.Len() != 0 {
			t.Fatalf("expected all sessions closed")
		}
	})
}
