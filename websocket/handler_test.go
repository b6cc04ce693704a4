package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/client"
	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/eventstore/memory"
	"github.com/ggoodman/mcp-session-go/sessions"
)

type note struct {
	method string
	n      string
}

func newServer(t *testing.T, opts ...sessions.ManagerOption) (*sessions.Manager, string) {
	t.Helper()
	mgr := sessions.NewManager(sessions.NewRegistry(), opts...)
	srv := httptest.NewServer(New(mgr))
	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown(context.Background())
	})
	return mgr, "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func dialReady(t *testing.T, url string) (*Conn, <-chan note) {
	t.Helper()
	notes := make(chan note, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, client.WithNotificationHandler(func(ctx context.Context, method string, params json.RawMessage) {
		var p struct {
			N string `json:"n"`
		}
		_ = json.Unmarshal(params, &p)
		notes <- note{method: method, n: p.N}
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if _, err := c.Client().Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if c.SessionID() == "" {
		t.Fatalf("expected session id from handshake")
	}
	return c, notes
}

func nextNote(t *testing.T, notes <-chan note) note {
	t.Helper()
	select {
	case n := <-notes:
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notification")
		return note{}
	}
}

// drop closes the socket without telling the server and waits until the
// session has no writer.
func drop(t *testing.T, c *Conn, sess *sessions.Session) {
	t.Helper()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	_ = conn.Close()
	<-c.Done()
	deadline := time.Now().Add(2 * time.Second)
	for sess.Attached() {
		if time.Now().After(deadline) {
			t.Fatalf("session still attached after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_RoundTrip(t *testing.T) {
	t.Parallel()

	mgr, url := newServer(t)
	c, notes := dialReady(t, url)
	ctx := context.Background()

	if err := c.Client().Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	sess, ok := mgr.Get(c.SessionID())
	if !ok {
		t.Fatalf("session %s not registered", c.SessionID())
	}
	if sess.State() != sessions.StateReady {
		t.Fatalf("expected ready session, got %s", sess.State())
	}
	if err := sess.Ping(ctx); err != nil {
		t.Fatalf("server ping: %v", err)
	}
	if err := sess.Notify(ctx, "notifications/custom", map[string]string{"n": "a"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := nextNote(t, notes); got.n != "a" {
		t.Fatalf("unexpected notification %+v", got)
	}
}

func TestHandler_ResumeAfterDisconnect(t *testing.T) {
	t.Parallel()

	mgr, url := newServer(t)
	c, notes := dialReady(t, url)
	ctx := context.Background()

	sess, _ := mgr.Get(c.SessionID())
	_ = sess.Notify(ctx, "notifications/custom", map[string]string{"n": "a"})
	if got := nextNote(t, notes); got.n != "a" {
		t.Fatalf("unexpected notification %+v", got)
	}
	// initialize response and one notification
	if want := c.SessionID() + "/2"; c.LastEventID() != want {
		t.Fatalf("expected last event id %s, got %s", want, c.LastEventID())
	}

	drop(t, c, sess)
	for _, n := range []string{"b", "c"} {
		if err := sess.Notify(ctx, "notifications/custom", map[string]string{"n": n}); err != nil {
			t.Fatalf("notify while detached: %v", err)
		}
	}

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Reconnect(rctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	for _, want := range []string{"b", "c"} {
		if got := nextNote(t, notes); got.n != want {
			t.Fatalf("expected replayed %q, got %+v", want, got)
		}
	}
	select {
	case n := <-notes:
		t.Fatalf("unexpected duplicate notification %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
	if err := c.Client().Ping(rctx); err != nil {
		t.Fatalf("ping after reconnect: %v", err)
	}
}

func TestHandler_StaleResume(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithRetention(eventstore.Retention{MaxRecords: 1}))
	mgr, url := newServer(t, sessions.WithSessionOptions(sessions.WithEventStore(store)))
	c, _ := dialReady(t, url)
	ctx := context.Background()

	sess, _ := mgr.Get(c.SessionID())
	drop(t, c, sess)
	for i := 0; i < 3; i++ {
		_ = sess.Notify(ctx, "notifications/custom", nil)
	}

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Reconnect(rctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	select {
	case <-c.Done():
	case <-rctx.Done():
		t.Fatalf("expected server to close the connection")
	}
	if err := c.Err(); !errors.Is(err, eventstore.ErrStaleCursor) {
		t.Fatalf("expected stale cursor, got %v", err)
	}
	if _, ok := mgr.Get(sess.ID()); !ok {
		t.Fatalf("stale resume must not destroy the session")
	}
}

func TestHandler_UnknownSession(t *testing.T) {
	t.Parallel()

	_, url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, url+"?sessionId=nope"); err == nil {
		t.Fatalf("expected dial to fail for an unknown session")
	}
}
