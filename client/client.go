package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"

	"github.com/ggoodman/mcp-session-go/internal/correlator"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/sessions"
)

var (
	// ErrNotInitialized is returned by calls made before Initialize succeeded.
	ErrNotInitialized = errors.New("client not initialized")
	// ErrClosed is returned once the client was closed.
	ErrClosed = errors.New("client closed")
	// ErrCancelled is returned by calls whose context ended first.
	ErrCancelled = correlator.ErrCancelled
	// ErrTimeout is returned by calls that received no response in time.
	ErrTimeout = correlator.ErrTimeout
	// ErrNotOriginated is returned by Cancel for identifiers the client never
	// issued.
	ErrNotOriginated = correlator.ErrNotOriginated
	// ErrCursorLoop is returned by ListAll when the server repeats a cursor.
	ErrCursorLoop = errors.New("server returned a cursor twice")
)

// Transport delivers outbound frames to the server.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg []byte) error

func (f TransportFunc) Send(ctx context.Context, msg []byte) error { return f(ctx, msg) }

// RequestHandlerFunc serves a request the server sends. Returning a
// *sessions.Error selects the JSON-RPC error relayed to the server.
type RequestHandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandlerFunc observes notifications not consumed by the client
// itself (everything except progress and cancellation).
type NotificationHandlerFunc func(ctx context.Context, method string, params json.RawMessage)

// DefaultTimeout bounds requests unless overridden per call.
const DefaultTimeout = 60 * time.Second

// Client is one client-side MCP session. It is safe for concurrent use.
type Client struct {
	t        Transport
	log      *slog.Logger
	corr     *correlator.Correlator
	info     mcp.ImplementationInfo
	caps     mcp.ClientCapabilities
	handlers map[string]RequestHandlerFunc
	onNote   NotificationHandlerFunc

	mu     sync.Mutex
	init   *mcp.InitializeResult
	closed bool

	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc

	wg conc.WaitGroup
}

// Option configures a Client.
type Option func(*config)

type config struct {
	log      *slog.Logger
	clock    clockwork.Clock
	timeout  time.Duration
	info     mcp.ImplementationInfo
	caps     mcp.ClientCapabilities
	handlers map[string]RequestHandlerFunc
	onNote   NotificationHandlerFunc
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock sets the clock driving request timeouts.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithTimeout sets the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithClientInfo sets the implementation info sent in initialize.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(c *config) { c.info = info }
}

// WithRequestHandler serves method when the server sends it. Registering
// sampling/createMessage, elicitation/create or roots/list advertises the
// matching capability.
func WithRequestHandler(method string, fn RequestHandlerFunc) Option {
	return func(c *config) { c.handlers[method] = fn }
}

// WithNotificationHandler observes server notifications.
func WithNotificationHandler(fn NotificationHandlerFunc) Option {
	return func(c *config) { c.onNote = fn }
}

// New returns a client sending through t.
func New(t Transport, opts ...Option) *Client {
	cfg := config{
		log:      slog.Default(),
		clock:    clockwork.NewRealClock(),
		timeout:  DefaultTimeout,
		info:     mcp.ImplementationInfo{Name: "mcp-session-go-client", Version: "dev"},
		handlers: make(map[string]RequestHandlerFunc),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if _, ok := cfg.handlers[string(mcp.SamplingCreateMessageMethod)]; ok {
		cfg.caps.Sampling = &struct{}{}
	}
	if _, ok := cfg.handlers[string(mcp.ElicitationCreateMethod)]; ok {
		cfg.caps.Elicitation = &struct{}{}
	}
	if _, ok := cfg.handlers[string(mcp.RootsListMethod)]; ok {
		cfg.caps.Roots = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}

	c := &Client{
		t:        t,
		log:      cfg.log,
		info:     cfg.info,
		caps:     cfg.caps,
		handlers: cfg.handlers,
		onNote:   cfg.onNote,
		inflight: make(map[string]context.CancelCauseFunc),
	}
	c.corr = correlator.New(corrTransport{c},
		correlator.WithLogger(cfg.log),
		correlator.WithClock(cfg.clock),
		correlator.WithTimeout(cfg.timeout),
	)
	return c
}

type corrTransport struct{ c *Client }

func (t corrTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	return t.c.write(ctx, req)
}

func (t corrTransport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return t.c.Notify(ctx, string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{RequestID: raw, Reason: reason})
}

func (c *Client) write(ctx context.Context, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.t.Send(ctx, b)
}

// Initialize performs the handshake and confirms it with
// notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	raw, err := c.call(ctx, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    c.caps,
		ClientInfo:      c.info,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if err := c.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.init = &res
	c.mu.Unlock()
	c.log.InfoContext(ctx, "client.initialize.ok", slog.String("protocol_version", res.ProtocolVersion), slog.String("server", res.ServerInfo.Name))
	return &res, nil
}

// ServerInfo returns the initialize result, nil before Initialize.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.init
}

// CallOption configures a request.
type CallOption = correlator.CallOption

// WithCallTimeout overrides the timeout for one call.
func WithCallTimeout(d time.Duration) CallOption { return correlator.WithCallTimeout(d) }

// WithProgress receives the server's progress notifications for the call.
func WithProgress(fn func(mcp.ProgressNotificationParams)) CallOption {
	return correlator.WithProgress(fn)
}

// Call sends a request and waits for its result. Ending ctx cancels the
// request on the server. An error response is returned as *sessions.Error.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	if c.ServerInfo() == nil {
		return nil, ErrNotInitialized
	}
	return c.call(ctx, method, params, opts...)
}

func (c *Client) call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	resp, err := c.corr.Call(ctx, method, params, opts...)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, sessions.NewError(int(resp.Error.Code), resp.Error.Message, resp.Error.Data)
	}
	return resp.Result, nil
}

// PendingCall is a request awaiting the server's response.
type PendingCall struct {
	call *correlator.Call
}

// ID returns the identifier allocated to the request.
func (p *PendingCall) ID() string { return p.call.ID().String() }

// Done is closed once the request reached its outcome.
func (p *PendingCall) Done() <-chan struct{} { return p.call.Done() }

// Wait blocks until the response arrives. If ctx ends first the request is
// cancelled on the server.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	resp, err := p.call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, sessions.NewError(int(resp.Error.Code), resp.Error.Message, resp.Error.Data)
	}
	return resp.Result, nil
}

// Send emits a request without waiting for its response.
func (c *Client) Send(ctx context.Context, method string, params any, opts ...CallOption) (*PendingCall, error) {
	if c.ServerInfo() == nil {
		return nil, ErrNotInitialized
	}
	call, err := c.corr.Send(ctx, method, params, opts...)
	if err != nil {
		return nil, err
	}
	return &PendingCall{call: call}, nil
}

// Cancel aborts a request sent with Send and notifies the server. It is a
// no-op for requests that already completed.
func (c *Client) Cancel(ctx context.Context, id string, reason string) error {
	return c.corr.Cancel(ctx, correlator.ParseID(id), reason)
}

// Pending returns the requests still awaiting a response.
func (c *Client) Pending() []sessions.PendingRequest {
	in := c.corr.Pending()
	out := make([]sessions.PendingRequest, 0, len(in))
	for _, p := range in {
		out = append(out, sessions.PendingRequest{ID: p.ID.String(), Method: p.Method, IssuedAt: p.IssuedAt, State: p.State.String()})
	}
	return out
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, string(mcp.PingMethod), nil)
	return err
}

// CallTool invokes a tool.
func (c *Client) CallTool(ctx context.Context, name string, args any, opts ...CallOption) (*mcp.CallToolResult, error) {
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		rawArgs = b
	}
	raw, err := c.Call(ctx, string(mcp.ToolsCallMethod), mcp.CallToolRequest{Name: name, Arguments: rawArgs}, opts...)
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &res, nil
}

// SetLogLevel asks the server to send log notifications at or above level.
func (c *Client) SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	_, err := c.Call(ctx, string(mcp.LoggingSetLevelMethod), mcp.SetLevelRequest{Level: level})
	return err
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, note)
}

// ListAll follows nextCursor until the server reports the end of the
// listing and returns every item found under itemsKey.
func ListAll[T any](ctx context.Context, c *Client, method, itemsKey string) ([]T, error) {
	var (
		out    []T
		cursor string
		seen   = make(map[string]bool)
	)
	for {
		raw, err := c.Call(ctx, method, mcp.PaginatedRequest{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var page map[string]json.RawMessage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode %s page: %w", method, err)
		}
		var items []T
		if b, ok := page[itemsKey]; ok {
			if err := json.Unmarshal(b, &items); err != nil {
				return nil, fmt.Errorf("decode %s items: %w", method, err)
			}
		}
		out = append(out, items...)

		var next string
		if b, ok := page["nextCursor"]; ok {
			if err := json.Unmarshal(b, &next); err != nil {
				return nil, fmt.Errorf("decode %s cursor: %w", method, err)
			}
		}
		if next == "" {
			return out, nil
		}
		if seen[next] {
			return nil, fmt.Errorf("%w: %s", ErrCursorLoop, method)
		}
		seen[next] = true
		cursor = next
	}
}

// ListTools returns every tool the server offers.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return ListAll[mcp.Tool](ctx, c, string(mcp.ToolsListMethod), "tools")
}

// HandleMessage processes one frame received from the server.
func (c *Client) HandleMessage(ctx context.Context, frame []byte) error {
	msg, err := jsonrpc.Decode(frame)
	if err != nil {
		c.log.InfoContext(ctx, "client.message.invalid", slog.String("err", err.Error()))
		return nil
	}
	switch msg.Kind() {
	case jsonrpc.KindRequest:
		c.handleRequest(ctx, msg.AsRequest())
	case jsonrpc.KindNotification:
		c.handleNotification(ctx, msg.AsRequest())
	default:
		if !c.corr.Resolve(msg.AsResponse()) {
			c.log.DebugContext(ctx, "client.response.unmatched", slog.String("id", msg.ID.String()))
		}
	}
	return nil
}

func (c *Client) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	if req.Method == string(mcp.PingMethod) {
		c.respond(ctx, req.ID, mcp.EmptyResult{}, nil)
		return
	}
	h, ok := c.handlers[req.Method]
	if !ok {
		resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
		if err := c.write(ctx, resp); err != nil {
			c.log.InfoContext(ctx, "client.reply.fail", slog.String("err", err.Error()))
		}
		return
	}

	opCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	key := req.ID.Key()
	c.inflightMu.Lock()
	if c.closed {
		c.inflightMu.Unlock()
		cancel(ErrClosed)
		return
	}
	c.inflight[key] = cancel
	c.inflightMu.Unlock()

	c.wg.Go(func() {
		defer cancel(nil)
		res, err := h(opCtx, req.Params)

		c.inflightMu.Lock()
		_, live := c.inflight[key]
		delete(c.inflight, key)
		c.inflightMu.Unlock()
		if !live || opCtx.Err() != nil {
			// cancelled by the server or by Close; no response is owed
			return
		}
		c.respond(opCtx, req.ID, res, err)
	})
}

func (c *Client) respond(ctx context.Context, id *jsonrpc.RequestID, res any, err error) {
	var resp *jsonrpc.Response
	if err != nil {
		var appErr *sessions.Error
		if errors.As(err, &appErr) {
			resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCode(appErr.Code), appErr.Message, appErr.Data)
		} else {
			resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		}
	} else {
		resp, err = jsonrpc.NewResultResponse(id, res)
		if err != nil {
			resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}
	if err := c.write(ctx, resp); err != nil {
		c.log.InfoContext(ctx, "client.reply.fail", slog.String("err", err.Error()))
	}
}

func (c *Client) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.ProgressNotificationMethod:
		var p mcp.ProgressNotificationParams
		if err := json.Unmarshal(note.Params, &p); err == nil {
			c.corr.OnProgress(p)
		}
		return
	case mcp.CancelledNotificationMethod:
		var p mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &p); err != nil {
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(p.RequestID, &id); err != nil {
			return
		}
		c.inflightMu.Lock()
		cancel, ok := c.inflight[id.Key()]
		c.inflightMu.Unlock()
		if ok {
			cancel(fmt.Errorf("%w: %s", ErrCancelled, p.Reason))
		}
		return
	}
	if c.onNote != nil {
		c.onNote(ctx, note.Method, note.Params)
	}
}

// Close fails pending calls, cancels requests being served and waits for
// their handlers.
func (c *Client) Close() {
	c.inflightMu.Lock()
	if c.closed {
		c.inflightMu.Unlock()
		return
	}
	c.closed = true
	for _, cancel := range c.inflight {
		cancel(ErrClosed)
	}
	c.inflightMu.Unlock()

	c.corr.Close(ErrClosed)
	c.wg.Wait()
}
