package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/eventstore/memory"
	"github.com/ggoodman/mcp-session-go/internal/correlator"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/mcp"
)

// Session is one end of an MCP connection. It is safe for concurrent use.
type Session struct {
	id           string
	log          *slog.Logger
	clock        clockwork.Clock
	registry     *Registry
	store        eventstore.Store
	corr         *correlator.Correlator
	info         mcp.ImplementationInfo
	instructions string
	streamTTL    time.Duration

	mu              sync.Mutex
	state           State
	initID          *jsonrpc.RequestID
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	caps            CapabilitySet
	logLevel        mcp.LoggingLevel
	lastActive      time.Time

	inflightMu sync.Mutex
	inflight   map[string]*inflightOp // id.Key() -> op
	closing    bool

	streamsMu sync.Mutex
	streams   map[string]*stream

	wg   conc.WaitGroup
	done chan struct{}
}

type inflightOp struct {
	id     *jsonrpc.RequestID
	method string
	state  correlator.State
	cancel context.CancelCauseFunc
}

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	id             string
	log            *slog.Logger
	clock          clockwork.Clock
	store          eventstore.Store
	info           mcp.ImplementationInfo
	instructions   string
	requestTimeout time.Duration
	streamTTL      time.Duration
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *sessionConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(c *sessionConfig) { c.id = id }
}

// WithEventStore sets the store backing outbound streams. Sessions sharing a
// store must have distinct IDs.
func WithEventStore(s eventstore.Store) Option {
	return func(c *sessionConfig) { c.store = s }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *sessionConfig) { c.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(c *sessionConfig) { c.instructions = s }
}

// WithRequestTimeout bounds how long outbound requests wait for a response.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *sessionConfig) { c.requestTimeout = d }
}

// WithClock sets the clock used for timeouts and activity tracking.
func WithClock(clock clockwork.Clock) Option {
	return func(c *sessionConfig) { c.clock = clock }
}

// WithStreamRetention sets how long a finished request stream with no
// writer stays resumable. Zero drops it as soon as its writer detaches
// after delivering everything.
func WithStreamRetention(d time.Duration) Option {
	return func(c *sessionConfig) { c.streamTTL = d }
}

const (
	// DefaultRequestTimeout bounds outbound requests unless overridden.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultStreamRetention is how long finished request streams are kept
	// for resumption.
	DefaultStreamRetention = 5 * time.Minute
	// DefaultMaxRecords bounds each stream of the in-memory store created
	// when no store is configured.
	DefaultMaxRecords = 1024
)

// New constructs a session serving the handlers in reg. The registry is
// frozen.
func New(reg *Registry, opts ...Option) *Session {
	cfg := sessionConfig{
		log:            slog.Default(),
		clock:          clockwork.NewRealClock(),
		info:           mcp.ImplementationInfo{Name: "mcp-session-go", Version: "dev"},
		requestTimeout: DefaultRequestTimeout,
		streamTTL:      DefaultStreamRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	if cfg.store == nil {
		cfg.store = memory.New(
			memory.WithClock(cfg.clock),
			memory.WithRetention(eventstore.Retention{MaxRecords: DefaultMaxRecords}),
		)
	}
	reg.Freeze()

	s := &Session{
		id:           cfg.id,
		log:          cfg.log.With(slog.String("session_id", cfg.id)),
		clock:        cfg.clock,
		registry:     reg,
		store:        cfg.store,
		info:         cfg.info,
		instructions: cfg.instructions,
		streamTTL:    cfg.streamTTL,
		logLevel:     mcp.LoggingLevelInfo,
		lastActive:   cfg.clock.Now(),
		inflight:     make(map[string]*inflightOp),
		streams:      make(map[string]*stream),
		done:         make(chan struct{}),
	}
	s.corr = correlator.New(correlatorTransport{s},
		correlator.WithLogger(s.log),
		correlator.WithClock(cfg.clock),
		correlator.WithTimeout(cfg.requestTimeout),
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the negotiated protocol version, empty before
// initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the implementation info the peer sent in initialize.
func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// Capabilities returns the capability set fixed during the handshake.
func (s *Session) Capabilities() CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// LogLevel returns the minimum level of log notifications the peer asked for.
func (s *Session) LogLevel() mcp.LoggingLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

// LastActive returns the time of the last inbound message or attach.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.clock.Now()
	s.mu.Unlock()
}

func (s *Session) logContext(ctx context.Context) context.Context {
	stream, _ := streamFrom(ctx)
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       s.id,
		ProtocolVersion: s.ProtocolVersion(),
		StreamID:        stream,
	})
}

// HandleMessage processes one inbound frame. Requests are dispatched
// asynchronously; notifications and responses are processed before
// HandleMessage returns. Outbound traffic caused by the message goes to the
// stream set with WithStream, or to the primary stream.
func (s *Session) HandleMessage(ctx context.Context, frame []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.touch()
	ctx = s.logContext(ctx)

	msg, err := jsonrpc.Decode(frame)
	if err != nil {
		code := jsonrpc.ErrorCodeParseError
		if errors.Is(err, jsonrpc.ErrInvalidMessage) {
			code = jsonrpc.ErrorCodeInvalidRequest
		}
		s.log.InfoContext(ctx, "session.message.invalid", slog.String("err", err.Error()))
		return s.send(ctx, s.streamFor(ctx), jsonrpc.NewErrorResponse(nil, code, err.Error(), nil))
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	switch msg.Kind() {
	case jsonrpc.KindRequest:
		s.handleRequest(ctx, msg.AsRequest())
	case jsonrpc.KindNotification:
		s.handleNotification(ctx, msg.AsRequest())
	default:
		resp := msg.AsResponse()
		if resp.ID.IsNil() {
			s.log.InfoContext(ctx, "session.response.peer_error", slog.String("err", resp.Error.Message))
			return nil
		}
		if !s.corr.Resolve(resp) {
			s.log.DebugContext(ctx, "session.response.unmatched")
		}
	}
	return nil
}

func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		s.handleInitialize(ctx, req)
		return
	case mcp.PingMethod:
		s.reply(ctx, req.ID, mcp.EmptyResult{})
		return
	}

	switch s.State() {
	case StateUninitialized:
		s.replyError(ctx, req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized")
		return
	case StateClosing, StateClosed:
		s.replyError(ctx, req.ID, jsonrpc.ErrorCodeSessionClosed, "session closed")
		return
	}

	if req.Method == string(mcp.LoggingSetLevelMethod) {
		s.handleSetLevel(ctx, req)
		return
	}

	h, ok := s.registry.lookupRequest(req.Method)
	if !ok {
		s.log.InfoContext(ctx, "session.request.unsupported")
		s.replyError(ctx, req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
		return
	}

	// The operation outlives the transport call that delivered it: a
	// disconnect is not a cancellation.
	opCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	op := &inflightOp{id: req.ID, method: req.Method, state: correlator.Active, cancel: cancel}
	key := req.ID.Key()

	var (
		code   jsonrpc.ErrorCode
		reason string
	)
	s.inflightMu.Lock()
	if s.closing {
		code, reason = jsonrpc.ErrorCodeSessionClosed, "session closed"
	} else if _, dup := s.inflight[key]; dup {
		code, reason = jsonrpc.ErrorCodeInvalidRequest, "duplicate request id"
	} else {
		s.inflight[key] = op
		s.wg.Go(func() { s.runRequest(opCtx, op, req, h) })
	}
	s.inflightMu.Unlock()

	if reason != "" {
		cancel(errors.New(reason))
		s.replyError(ctx, req.ID, code, reason)
	}
}

func (s *Session) runRequest(ctx context.Context, op *inflightOp, req *jsonrpc.Request, h RequestHandler) {
	start := s.clock.Now()
	defer op.cancel(context.Canceled)

	r := &Request{
		Method:  req.Method,
		Params:  req.Params,
		id:      req.ID,
		session: s,
		stream:  s.streamFor(ctx),
	}
	var meta struct {
		Meta *mcp.RequestMeta `json:"_meta"`
	}
	if len(req.Params) > 0 && json.Unmarshal(req.Params, &meta) == nil && meta.Meta != nil {
		r.progressToken = meta.Meta.ProgressToken
	}
	ctx = WithProgressReporter(ctx, r)
	r.ctx = ctx

	res, err := s.invoke(ctx, h, r)
	if suppressed := s.completeInflight(req.ID.Key()); suppressed {
		s.endStream(r.stream)
		s.log.InfoContext(ctx, "session.request.cancelled", slog.Int64("dur_ms", s.clock.Since(start).Milliseconds()))
		return
	}

	var resp *jsonrpc.Response
	if err != nil {
		if ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrSessionClosed) {
			err = ErrSessionClosed
		}
		resp = errorResponse(req.ID, err)
		if resp.Error.Code == jsonrpc.ErrorCodeInternalError {
			s.log.ErrorContext(ctx, "session.request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", s.clock.Since(start).Milliseconds()))
		} else {
			s.log.InfoContext(ctx, "session.request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", s.clock.Since(start).Milliseconds()))
		}
	} else {
		resp, err = jsonrpc.NewResultResponse(req.ID, res)
		if err != nil {
			s.log.ErrorContext(ctx, "session.request.fail", slog.String("err", err.Error()))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		} else {
			s.log.InfoContext(ctx, "session.request.ok", slog.Int64("dur_ms", s.clock.Since(start).Milliseconds()))
		}
	}
	_ = s.send(ctx, r.stream, resp)
}

func (s *Session) invoke(ctx context.Context, h RequestHandler, r *Request) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.HandleRequest(ctx, r)
}

// completeInflight removes the entry and reports whether its response must
// be suppressed because a cancellation was accepted first.
func (s *Session) completeInflight(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	op, ok := s.inflight[key]
	if !ok {
		return false
	}
	delete(s.inflight, key)
	suppressed := op.state == correlator.CancelRequested
	op.state = correlator.Completed
	return suppressed
}

func (s *Session) handleInitialize(ctx context.Context, req *jsonrpc.Request) {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.replyError(ctx, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
			return
		}
	}

	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		s.replyError(ctx, req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
		return
	}
	serverCaps := s.registry.ServerCapabilities()
	s.state = StateNegotiating
	s.initID = req.ID
	s.protocolVersion = mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	s.clientInfo = params.ClientInfo
	s.caps = negotiate(serverCaps, params.Capabilities)
	version := s.protocolVersion
	s.mu.Unlock()

	s.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("protocol_version", version),
		slog.String("client_name", params.ClientInfo.Name),
	)
	s.reply(ctx, req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    serverCaps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	})
}

func (s *Session) handleSetLevel(ctx context.Context, req *jsonrpc.Request) {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || !mcp.IsValidLoggingLevel(params.Level) {
		s.replyError(ctx, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid logging level")
		return
	}
	s.mu.Lock()
	s.logLevel = params.Level
	s.mu.Unlock()
	s.reply(ctx, req.ID, mcp.EmptyResult{})
}

func (s *Session) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		s.mu.Lock()
		if s.state == StateNegotiating {
			s.state = StateReady
		}
		s.mu.Unlock()
		s.log.InfoContext(ctx, "session.initialized")
		return
	case mcp.CancelledNotificationMethod:
		s.handleCancelled(ctx, note)
		return
	case mcp.ProgressNotificationMethod:
		var p mcp.ProgressNotificationParams
		if err := json.Unmarshal(note.Params, &p); err != nil {
			s.log.InfoContext(ctx, "session.progress.invalid", slog.String("err", err.Error()))
			return
		}
		if !s.corr.OnProgress(p) {
			s.log.DebugContext(ctx, "session.progress.unmatched")
		}
		return
	}

	if st := s.State(); st != StateNegotiating && st != StateReady {
		return
	}
	h, ok := s.registry.lookupNotification(note.Method)
	if !ok {
		s.log.DebugContext(ctx, "session.notification.unsupported")
		return
	}
	if err := h.HandleNotification(ctx, &Notification{Method: note.Method, Params: note.Params, Session: s}); err != nil {
		s.log.ErrorContext(ctx, "session.notification.fail", slog.String("err", err.Error()))
	}
}

// handleCancelled accepts a cancellation for an active inbound request.
// Unknown, completed, repeated and initialize cancellations are ignored.
func (s *Session) handleCancelled(ctx context.Context, note *jsonrpc.Request) {
	var p mcp.CancelledNotification
	if err := json.Unmarshal(note.Params, &p); err != nil || len(p.RequestID) == 0 {
		s.log.InfoContext(ctx, "session.cancel.invalid")
		return
	}
	var id jsonrpc.RequestID
	if err := json.Unmarshal(p.RequestID, &id); err != nil || id.IsNil() {
		s.log.InfoContext(ctx, "session.cancel.invalid")
		return
	}

	s.mu.Lock()
	isInit := s.initID.Equal(&id)
	s.mu.Unlock()
	if isInit {
		s.log.DebugContext(ctx, "session.cancel.ignored", slog.String("reason", "initialize is not cancellable"))
		return
	}

	s.inflightMu.Lock()
	op, ok := s.inflight[id.Key()]
	accepted := ok && op.state == correlator.Active
	if accepted {
		op.state = correlator.CancelRequested
		reason := p.Reason
		if reason == "" {
			reason = "cancelled by requester"
		}
		op.cancel(fmt.Errorf("%w: %s", ErrCancelled, reason))
	}
	s.inflightMu.Unlock()

	if accepted {
		s.log.InfoContext(ctx, "session.cancel.accepted", slog.String("id", id.String()))
	} else {
		s.log.DebugContext(ctx, "session.cancel.ignored", slog.String("id", id.String()))
	}
}

// Close shuts the session down: new requests are rejected, in-flight
// requests are cancelled and answered with a session-closed error, pending
// outbound requests fail with ErrSessionClosed, and stream records are
// dropped. Close waits for in-flight handlers until ctx ends.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.inflightMu.Lock()
	s.closing = true
	for _, op := range s.inflight {
		op.cancel(ErrSessionClosed)
	}
	s.inflightMu.Unlock()

	s.corr.Close(ErrSessionClosed)

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.dropStreams(context.WithoutCancel(ctx))
	close(s.done)
	s.log.InfoContext(ctx, "session.closed")
	return err
}
