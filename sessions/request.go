package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
)

// Request is the execution context of one inbound request.
type Request struct {
	Method string
	Params json.RawMessage

	id            *jsonrpc.RequestID
	session       *Session
	ctx           context.Context
	stream        string
	progressToken mcp.ProgressToken

	progressMu   sync.Mutex
	lastProgress float64
	reported     bool
}

// ID returns the request identifier as a string.
func (r *Request) ID() string { return r.id.String() }

// Session returns the session the request arrived on.
func (r *Request) Session() *Session { return r.session }

// Context returns the request context. It is cancelled when the requester
// cancels the request or the session closes.
func (r *Request) Context() context.Context { return r.ctx }

// Stream returns the stream responses and progress for this request are
// emitted on.
func (r *Request) Stream() string { return r.stream }

// DecodeParams unmarshals the request parameters into v. Absent parameters
// leave v untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Checkpoint returns a non-nil error once cancellation has been signalled.
// Long-running handlers call it between units of work and return the error
// as-is. For requester cancellations the error wraps ErrCancelled.
func (r *Request) Checkpoint() error {
	if r.ctx.Err() == nil {
		return nil
	}
	return context.Cause(r.ctx)
}

// ReportProgress emits a progress notification if the requester supplied a
// progress token. Progress must not decrease.
func (r *Request) ReportProgress(progress, total float64, message string) error {
	if r.progressToken == nil {
		return nil
	}
	r.progressMu.Lock()
	if r.reported && progress < r.lastProgress {
		r.progressMu.Unlock()
		return fmt.Errorf("%w: %v after %v", ErrProgressRegressed, progress, r.lastProgress)
	}
	r.reported = true
	r.lastProgress = progress
	r.progressMu.Unlock()

	return r.session.notifyOn(r.ctx, r.stream, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: r.progressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// Report implements ProgressReporter.
func (r *Request) Report(ctx context.Context, progress, total float64) error {
	return r.ReportProgress(progress, total, "")
}

// ProgressReporter reports progress of the current operation.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64) error
}

type progressReporterKey struct{}

// WithProgressReporter returns a context carrying pr.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	return context.WithValue(ctx, progressReporterKey{}, pr)
}

// ProgressFrom returns the reporter carried by ctx, if any.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressReporterKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}

type streamKey struct{}

// WithStream directs the outbound traffic caused by messages handled under
// ctx to streamID.
func WithStream(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, streamKey{}, streamID)
}

func streamFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(streamKey{}).(string)
	return s, ok && s != ""
}
