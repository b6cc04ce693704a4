package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/sessions"
)

const (
	sessionIDHeader   = "Mcp-Session-Id"
	sessionIDParam    = "sessionId"
	lastEventIDParam  = "lastEventId"
	defaultWriteLimit = 10 * time.Second
)

var _ http.Handler = (*Handler)(nil)

// Handler upgrades HTTP requests to WebSocket connections bound to sessions
// owned by a sessions.Manager.
type Handler struct {
	mgr          *sessions.Manager
	log          *slog.Logger
	writeTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

// New returns a Handler serving sessions from mgr.
func New(mgr *sessions.Manager, opts ...Option) *Handler {
	h := &Handler{mgr: mgr, log: slog.Default(), writeTimeout: defaultWriteLimit}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	return h
}

// connWriter writes session frames to one connection.
type connWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (w *connWriter) WriteMessage(ctx context.Context, eventID string, msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return wsutil.WriteServerMessage(w.conn, ws.OpText, msg)
}

func (w *connWriter) close(code ws.StatusCode, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = ws.WriteFrame(w.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	q := r.URL.Query()
	sessID := q.Get(sessionIDParam)
	lastEventID := q.Get(lastEventIDParam)

	var (
		sess    *sessions.Session
		created bool
	)
	if sessID != "" {
		s, ok := h.mgr.Get(sessID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			h.log.InfoContext(ctx, "ws.session.miss", slog.String("session_id", sessID))
			return
		}
		sess = s
	} else {
		if lastEventID != "" {
			http.Error(w, "lastEventId requires sessionId", http.StatusBadRequest)
			return
		}
		sess = h.mgr.Create()
		created = true
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), StreamID: sess.PrimaryStream()})

	// New connections replay from the start so frame counting matches
	// stream sequence numbers.
	resume := sessions.ResumeAfter(0)
	if lastEventID != "" {
		streamID, opt, err := sessions.ResumeFromEventID(lastEventID)
		if err != nil || streamID != sess.PrimaryStream() {
			http.Error(w, "invalid lastEventId", http.StatusBadRequest)
			h.log.InfoContext(ctx, "ws.resume.invalid", slog.String("last_event_id", lastEventID))
			return
		}
		resume = opt
	}

	upgrader := ws.HTTPUpgrader{Header: http.Header{sessionIDHeader: []string{sess.ID()}}}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		h.log.InfoContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		if created {
			_, _ = h.mgr.Delete(ctx, sess.ID())
		}
		return
	}
	defer conn.Close()
	h.log.InfoContext(ctx, "ws.conn.open", slog.Bool("resumed", lastEventID != ""))

	cw := &connWriter{conn: conn, timeout: h.writeTimeout}
	detach, err := sess.Attach(ctx, sess.PrimaryStream(), cw, resume)
	if err != nil {
		if errors.Is(err, sessions.ErrStaleCursor) {
			h.writeError(ctx, cw, jsonrpc.ErrorCodeStaleCursor, "stale cursor: "+lastEventID)
			cw.close(ws.StatusPolicyViolation, "stale cursor")
		} else {
			h.writeError(ctx, cw, jsonrpc.ErrorCodeSessionClosed, err.Error())
			cw.close(ws.StatusGoingAway, "session unavailable")
		}
		h.log.InfoContext(ctx, "ws.attach.fail", slog.String("err", err.Error()))
		return
	}
	defer detach()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || isClosed(err) {
				h.log.InfoContext(ctx, "ws.conn.closed", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			} else {
				h.log.InfoContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if err := sess.HandleMessage(ctx, data); err != nil {
			if errors.Is(err, sessions.ErrSessionClosed) {
				cw.close(ws.StatusGoingAway, "session closed")
				return
			}
			h.log.ErrorContext(ctx, "ws.message.fail", slog.String("err", err.Error()))
		}
	}
}

// writeError sends a transport-level error frame outside the session stream.
func (h *Handler) writeError(ctx context.Context, cw *connWriter, code jsonrpc.ErrorCode, msg string) {
	b, err := json.Marshal(jsonrpc.NewErrorResponse(nil, code, msg, nil))
	if err != nil {
		return
	}
	if err := cw.WriteMessage(ctx, "", b); err != nil {
		h.log.InfoContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
	}
}

func isClosed(err error) bool {
	var closed wsutil.ClosedError
	return errors.As(err, &closed) || errors.Is(err, net.ErrClosed)
}
