// Package correlator matches responses to the requests this side of a
// session sends, and owns their cancellation and timeout.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
)

// Transport abstracts how requests and cancellations reach the peer.
type Transport interface {
	// SendRequest emits the request. The pending entry is registered before
	// SendRequest is invoked so a fast response is never missed.
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
	// SendCancelled emits a notifications/cancelled for id.
	SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error
}

var (
	// ErrClosed indicates the correlator no longer accepts requests.
	ErrClosed = errors.New("correlator closed")
	// ErrCancelled indicates the local side cancelled the request.
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout indicates no response arrived within the request timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrNotOriginated is returned when asked to cancel an identifier this
	// side never issued. Only the sender of a request may cancel it.
	ErrNotOriginated = errors.New("request not originated locally")
)

// State is the lifecycle of a pending request.
type State int32

const (
	Active State = iota
	CancelRequested
	Completed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case CancelRequested:
		return "cancel-requested"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// PendingRequest describes an outstanding request.
type PendingRequest struct {
	ID       *jsonrpc.RequestID
	Method   string
	IssuedAt time.Time
	State    State
}

// Call is the handle of a request sent through the correlator.
type Call struct {
	c          *Correlator
	key        string
	req        PendingRequest
	onProgress func(mcp.ProgressNotificationParams)
	timer      clockwork.Timer

	done chan struct{}
	resp *jsonrpc.Response
	err  error
}

// ID returns the identifier allocated to the request.
func (call *Call) ID() *jsonrpc.RequestID { return call.req.ID }

// Done is closed once the call reached its outcome.
func (call *Call) Done() <-chan struct{} { return call.done }

// Wait blocks until the call completes. If ctx ends first the request is
// cancelled: a best-effort cancellation is sent to the peer and the pending
// entry is freed.
func (call *Call) Wait(ctx context.Context) (*jsonrpc.Response, error) {
	select {
	case <-call.done:
		return call.resp, call.err
	case <-ctx.Done():
	}

	cause := context.Cause(ctx)
	if call.c.finish(call.key, CancelRequested, nil, fmt.Errorf("%w: %w", ErrCancelled, cause)) {
		call.c.sendCancelled(call.req.ID, cause.Error())
	}
	<-call.done
	return call.resp, call.err
}

// Correlator tracks outbound requests awaiting a response.
type Correlator struct {
	t       Transport
	log     *slog.Logger
	clock   clockwork.Clock
	timeout time.Duration

	mu       sync.Mutex
	pending  map[string]*Call // id.Key() -> call
	closed   bool
	closeErr error

	nextID atomic.Int64
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Correlator) { c.log = log }
}

// WithTimeout sets the default time a request may remain unanswered. Zero
// disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithClock sets the clock driving timeouts.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Correlator) { c.clock = clock }
}

// New constructs a Correlator using the provided transport.
func New(t Transport, opts ...Option) *Correlator {
	c := &Correlator{
		t:       t,
		log:     slog.Default(),
		clock:   clockwork.NewRealClock(),
		pending: make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption configures a single request.
type CallOption func(*callOptions)

type callOptions struct {
	timeout    *time.Duration
	onProgress func(mcp.ProgressNotificationParams)
}

// WithCallTimeout overrides the correlator's default timeout.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = &d }
}

// WithProgress requests progress notifications for the call. The request ID
// doubles as the progress token.
func WithProgress(fn func(mcp.ProgressNotificationParams)) CallOption {
	return func(o *callOptions) { o.onProgress = fn }
}

// Send allocates an identifier, registers the pending request and hands it
// to the transport. It does not wait for the response.
func (c *Correlator) Send(ctx context.Context, method string, params any, opts ...CallOption) (*Call, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := jsonrpc.NewRequestID(c.nextID.Add(1))
	key := id.Key()

	paramsRaw, err := encodeParams(params, id, o.onProgress != nil)
	if err != nil {
		return nil, err
	}
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsRaw, ID: id}

	call := &Call{
		c:          c,
		key:        key,
		req:        PendingRequest{ID: id, Method: method, IssuedAt: c.clock.Now(), State: Active},
		onProgress: o.onProgress,
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[key] = call
	timeout := c.timeout
	if o.timeout != nil {
		timeout = *o.timeout
	}
	if timeout > 0 {
		call.timer = c.clock.AfterFunc(timeout, func() { c.expire(key, id) })
	}
	c.mu.Unlock()

	if err := c.t.SendRequest(ctx, req); err != nil {
		c.finish(key, Completed, nil, err)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	return call, nil
}

// Call sends a request and waits for its outcome.
func (c *Correlator) Call(ctx context.Context, method string, params any, opts ...CallOption) (*jsonrpc.Response, error) {
	call, err := c.Send(ctx, method, params, opts...)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Resolve delivers a response to the waiting call. It reports false for
// responses matching no pending request (late, duplicate, or unsolicited);
// those are dropped.
func (c *Correlator) Resolve(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	if c.finish(resp.ID.Key(), Completed, resp, nil) {
		return true
	}
	c.log.Debug("correlator.resolve.unmatched", slog.String("id", resp.ID.String()))
	return false
}

// Cancel aborts a request this side sent. Cancelling a request that already
// reached its outcome is a no-op.
func (c *Correlator) Cancel(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	if !c.originated(id) {
		return fmt.Errorf("%w: %s", ErrNotOriginated, id.String())
	}
	if !c.finish(id.Key(), CancelRequested, nil, ErrCancelled) {
		return nil
	}
	if err := c.t.SendCancelled(ctx, id, reason); err != nil {
		c.log.DebugContext(ctx, "correlator.cancel.send_fail", slog.String("id", id.String()), slog.String("err", err.Error()))
	}
	return nil
}

// OnProgress routes a progress notification from the peer to the call that
// requested it. It reports whether a call consumed the update.
func (c *Correlator) OnProgress(p mcp.ProgressNotificationParams) bool {
	id := jsonrpc.NewRequestID(p.ProgressToken)
	if id.IsNil() {
		return false
	}
	c.mu.Lock()
	call, ok := c.pending[id.Key()]
	c.mu.Unlock()
	if !ok || call.onProgress == nil {
		return false
	}
	call.onProgress(p)
	return true
}

// Pending returns a snapshot of the outstanding requests.
func (c *Correlator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, call := range c.pending {
		out = append(out, call.req)
	}
	return out
}

// Close fails all pending calls with err and prevents new calls.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	calls := c.pending
	c.pending = make(map[string]*Call)
	c.mu.Unlock()

	for _, call := range calls {
		call.complete(CancelRequested, nil, err)
	}
}

func (c *Correlator) expire(key string, id *jsonrpc.RequestID) {
	if !c.finish(key, CancelRequested, nil, ErrTimeout) {
		return
	}
	c.log.Debug("correlator.call.timeout", slog.String("id", id.String()))
	c.sendCancelled(id, "timeout")
}

func (c *Correlator) sendCancelled(id *jsonrpc.RequestID, reason string) {
	if err := c.t.SendCancelled(context.Background(), id, reason); err != nil {
		c.log.Debug("correlator.cancel.send_fail", slog.String("id", id.String()), slog.String("err", err.Error()))
	}
}

// finish removes the pending entry and completes the call. Exactly one
// caller wins for a given key; the others observe false.
func (c *Correlator) finish(key string, state State, resp *jsonrpc.Response, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.complete(state, resp, err)
	return true
}

func (call *Call) complete(state State, resp *jsonrpc.Response, err error) {
	if call.timer != nil {
		call.timer.Stop()
	}
	call.req.State = state
	call.resp = resp
	call.err = err
	close(call.done)
}

func (c *Correlator) originated(id *jsonrpc.RequestID) bool {
	n, ok := id.Int64()
	return ok && n >= 1 && n <= c.nextID.Load()
}

// encodeParams marshals params and, when progress is requested, attaches the
// request ID as _meta.progressToken.
func encodeParams(params any, id *jsonrpc.RequestID, withProgress bool) (json.RawMessage, error) {
	if params == nil && !withProgress {
		return nil, nil
	}
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	if !withProgress {
		return raw, nil
	}

	obj := map[string]json.RawMessage{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("progress requires object params: %w", err)
		}
	}
	meta := map[string]json.RawMessage{}
	if m, ok := obj["_meta"]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("decode _meta: %w", err)
		}
	}
	tok, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	meta["progressToken"] = tok
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = mb
	return json.Marshal(obj)
}

// ParseID converts the textual form of an identifier back into a RequestID.
// Decimal integers parse as numbers, anything else as a string.
func ParseID(s string) *jsonrpc.RequestID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return jsonrpc.NewRequestID(n)
	}
	return jsonrpc.NewRequestID(s)
}
