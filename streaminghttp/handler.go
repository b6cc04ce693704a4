package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	path   string
	logger *slog.Logger
}

// WithPath sets the path the handler serves. Defaults to "/".
func WithPath(path string) Option {
	return func(c *newConfig) { c.path = path }
}

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// Handler implements the streamable HTTP transport of the Model Context
// Protocol.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger
	mgr *sessions.Manager
}

// New returns a Handler serving the sessions of mgr.
func New(mgr *sessions.Manager, opts ...Option) *Handler {
	cfg := &newConfig{path: "/", logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.path == "" {
		cfg.path = "/"
	}

	h := &Handler{
		log: slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		mgr: mgr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.path), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.path), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.path), h.handleDeleteMCP)
	h.mux = mux
	return h
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// loadSession resolves the Mcp-Session-Id header, writing the HTTP error
// itself when it cannot.
func (h *Handler) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (*sessions.Session, context.Context, bool) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return nil, ctx, false
	}
	sess, ok := h.mgr.Get(sessID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return nil, ctx, false
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := sess.ProtocolVersion(); spv != "" && pv != spv {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return nil, ctx, false
		}
	}
	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	return sess, ctx, true
}

// handleDeleteMCP terminates an existing session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sess, ctx, ok := h.loadSession(ctx, w, r)
	if !ok {
		return
	}
	found, err := h.mgr.Delete(ctx, sess.ID())
	if !found {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	if err != nil {
		// The session is gone either way; in-flight work did not drain in time.
		h.log.WarnContext(ctx, "session.delete.drain.fail", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handlePostMCP handles messages sent by the client, including the
// initialize request that establishes a session.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	if r.Header.Get(mcpSessionIDHeader) == "" {
		if msg.Kind() != jsonrpc.KindRequest || msg.Method != string(mcp.InitializeMethod) {
			writeJSONError(w, http.StatusBadRequest, "expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		}
		h.initialize(ctx, w, raw, start)
		return
	}

	sess, ctx, ok := h.loadSession(ctx, w, r)
	if !ok {
		return
	}
	h.log.InfoContext(ctx, "session.load.ok")

	if msg.Kind() == jsonrpc.KindRequest && msg.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	if msg.Kind() != jsonrpc.KindRequest {
		if err := sess.HandleMessage(ctx, raw); err != nil {
			if errors.Is(err, sessions.ErrSessionClosed) {
				writeJSONError(w, http.StatusNotFound, "session closed")
			} else {
				w.WriteHeader(http.StatusInternalServerError)
			}
			h.log.ErrorContext(ctx, "message.inbound.fail", slog.String("err", err.Error()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "message.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	sse, ok := newSSEStream(w, r)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	streamID := sess.RequestStream(uuid.NewString())
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: sess.ProtocolVersion(),
		StreamID:        streamID,
	})
	detach, err := sess.Attach(ctx, streamID, sse)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session closed")
		h.log.InfoContext(ctx, "stream.attach.fail", slog.String("err", err.Error()))
		return
	}
	defer detach()
	sse.start()

	if err := sess.HandleMessage(sessions.WithStream(ctx, streamID), raw); err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		return
	}

	select {
	case <-sse.done:
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	case <-ctx.Done():
		h.log.InfoContext(ctx, "rpc.inbound.disconnect", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	case <-sess.Done():
		h.log.InfoContext(ctx, "rpc.inbound.session_closed")
	}
}

// initialize creates a session and answers the initialize request with a
// JSON body.
func (h *Handler) initialize(ctx context.Context, w http.ResponseWriter, raw json.RawMessage, start time.Time) {
	sess := h.mgr.Create()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	capture := &captureWriter{}
	streamID := sess.RequestStream(uuid.NewString())
	detach, err := sess.Attach(ctx, streamID, capture)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	err = sess.HandleMessage(sessions.WithStream(ctx, streamID), raw)
	detach()

	resp := capture.first()
	if err != nil || resp == nil {
		_, _ = h.mgr.Delete(ctx, sess.ID())
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail")
		return
	}
	if sess.State() != sessions.StateNegotiating {
		// The session rejected the handshake; relay its error without a session.
		_, _ = h.mgr.Delete(ctx, sess.ID())
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp)
		h.log.InfoContext(ctx, "session.initialize.rejected")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	if v := sess.ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleGetMCP streams a session's messages. Without Last-Event-ID the
// primary stream is followed live; with it, the named stream is resumed.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sess, ctx, ok := h.loadSession(ctx, w, r)
	if !ok {
		return
	}

	streamID := sess.PrimaryStream()
	var opts []sessions.AttachOption
	lastEventID := r.Header.Get(lastEventIDHeader)
	if lastEventID != "" {
		id, opt, err := sessions.ResumeFromEventID(lastEventID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			h.log.InfoContext(ctx, "sse.resume.invalid", slog.String("last_event_id", lastEventID))
			return
		}
		streamID = id
		opts = append(opts, opt)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: sess.ProtocolVersion(),
		StreamID:        streamID,
	})

	sse, ok := newSSEStream(w, r)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	detach, err := sess.Attach(ctx, streamID, sse, opts...)
	if err != nil {
		switch {
		case sse.started():
			h.log.InfoContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
		case errors.Is(err, sessions.ErrStaleCursor):
			writeJSONError(w, http.StatusConflict, "event no longer available: "+lastEventID)
			h.log.InfoContext(ctx, "sse.resume.stale", slog.String("last_event_id", lastEventID))
		case errors.Is(err, sessions.ErrSessionClosed):
			writeJSONError(w, http.StatusNotFound, "session closed")
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to open stream")
			h.log.ErrorContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		}
		return
	}
	defer detach()
	sse.start()
	h.log.InfoContext(ctx, "sse.stream.start", slog.Bool("resumed", lastEventID != ""))

	select {
	case <-sse.done:
	case <-ctx.Done():
	case <-sess.Done():
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}
