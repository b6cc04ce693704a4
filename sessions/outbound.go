package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-session-go/internal/correlator"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
)

// CallOption configures an outbound request.
type CallOption = correlator.CallOption

// WithCallTimeout overrides the session's request timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return correlator.WithCallTimeout(d)
}

// WithProgress receives progress the peer reports for the call.
func WithProgress(fn func(mcp.ProgressNotificationParams)) CallOption {
	return correlator.WithProgress(fn)
}

// Call sends a request to the peer and waits for its result. The request is
// emitted on the stream carried by ctx, so calls made from a handler travel
// alongside that handler's response. An error response is returned as
// *Error.
func (s *Session) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	if st := s.State(); st != StateReady {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionClosed, st)
	}
	resp, err := s.corr.Call(ctx, method, params, opts...)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ErrNotOriginated is returned by Cancel for identifiers this session never
// issued.
var ErrNotOriginated = correlator.ErrNotOriginated

// PendingCall is an outbound request awaiting its response.
type PendingCall struct {
	call *correlator.Call
}

// ID returns the identifier allocated to the request.
func (p *PendingCall) ID() string { return p.call.ID().String() }

// Done is closed once the request reached its outcome.
func (p *PendingCall) Done() <-chan struct{} { return p.call.Done() }

// Wait blocks until the response arrives. If ctx ends first the request is
// cancelled on the peer. An error response is returned as *Error.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	resp, err := p.call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// PendingRequest describes an outbound request still awaiting a response.
type PendingRequest struct {
	ID       string
	Method   string
	IssuedAt time.Time
	State    string
}

// Send emits a request to the peer without waiting for the response. Use
// Cancel with the returned ID to abort it.
func (s *Session) Send(ctx context.Context, method string, params any, opts ...CallOption) (*PendingCall, error) {
	if st := s.State(); st != StateReady {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionClosed, st)
	}
	call, err := s.corr.Send(ctx, method, params, opts...)
	if err != nil {
		return nil, err
	}
	return &PendingCall{call: call}, nil
}

// Cancel aborts an outbound request and tells the peer with
// notifications/cancelled. Cancelling a request that already completed is a
// no-op; identifiers this session never issued yield ErrNotOriginated.
func (s *Session) Cancel(ctx context.Context, id string, reason string) error {
	return s.corr.Cancel(ctx, correlator.ParseID(id), reason)
}

// Pending returns the outbound requests still awaiting a response.
func (s *Session) Pending() []PendingRequest {
	return pendingRequests(s.corr.Pending())
}

func pendingRequests(in []correlator.PendingRequest) []PendingRequest {
	out := make([]PendingRequest, 0, len(in))
	for _, p := range in {
		out = append(out, PendingRequest{ID: p.ID.String(), Method: p.Method, IssuedAt: p.IssuedAt, State: p.State.String()})
	}
	return out
}

// Ping checks that the peer is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Call(ctx, string(mcp.PingMethod), nil)
	return err
}

// CreateMessage delegates a generation request to the peer. The payload is
// passed through unchanged.
func (s *Session) CreateMessage(ctx context.Context, req mcp.CreateMessageRequest, opts ...CallOption) (json.RawMessage, error) {
	if !s.Capabilities().Sampling {
		return nil, fmt.Errorf("%w: sampling", ErrCapabilityNotSupported)
	}
	return s.Call(ctx, string(mcp.SamplingCreateMessageMethod), req, opts...)
}

// Elicit asks the peer to collect input from its user. The payload is passed
// through unchanged.
func (s *Session) Elicit(ctx context.Context, req mcp.ElicitRequest, opts ...CallOption) (json.RawMessage, error) {
	if !s.Capabilities().Elicitation {
		return nil, fmt.Errorf("%w: elicitation", ErrCapabilityNotSupported)
	}
	return s.Call(ctx, string(mcp.ElicitationCreateMethod), req, opts...)
}

// ListRoots asks the peer for its workspace roots.
func (s *Session) ListRoots(ctx context.Context, opts ...CallOption) (json.RawMessage, error) {
	if !s.Capabilities().Roots {
		return nil, fmt.Errorf("%w: roots", ErrCapabilityNotSupported)
	}
	return s.Call(ctx, string(mcp.RootsListMethod), nil, opts...)
}

// Notify sends a notification on the stream carried by ctx.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	return s.notifyOn(ctx, s.streamFor(ctx), method, params)
}

func (s *Session) notifyOn(ctx context.Context, streamID, method string, params any) error {
	switch s.State() {
	case StateNegotiating, StateReady:
	default:
		return fmt.Errorf("%w: cannot notify in state %s", ErrSessionClosed, s.State())
	}
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.send(ctx, streamID, note)
}

// Log sends a notifications/message if level meets the level the peer set
// with logging/setLevel.
func (s *Session) Log(ctx context.Context, level mcp.LoggingLevel, logger string, data any) error {
	if !level.AtLeast(s.LogLevel()) {
		return nil
	}
	return s.Notify(ctx, string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotification{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}

// correlatorTransport emits the correlator's traffic through the session's
// streams.
type correlatorTransport struct {
	s *Session
}

func (t correlatorTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	return t.s.send(ctx, t.s.streamFor(ctx), req)
}

func (t correlatorTransport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	note, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{RequestID: raw, Reason: reason})
	if err != nil {
		return err
	}
	return t.s.send(ctx, t.s.streamFor(ctx), note)
}
