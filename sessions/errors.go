package sessions

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-session-go/cursor"
	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/internal/correlator"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
)

var (
	// ErrInvalidParams marks handler errors caused by malformed parameters.
	ErrInvalidParams = errors.New("invalid params")
	// ErrMethodNotFound marks requests for methods without a handler.
	ErrMethodNotFound = errors.New("method not found")
	// ErrCancelled is the cause of a context cancelled by the requester, and
	// the error of an outbound call this side cancelled.
	ErrCancelled = correlator.ErrCancelled
	// ErrTimeout is returned by outbound calls that received no response in
	// time.
	ErrTimeout = correlator.ErrTimeout
	// ErrSessionClosed is returned by operations on a session that is not
	// (or no longer) able to carry them.
	ErrSessionClosed = errors.New("session closed")
	// ErrStaleCursor is returned when resuming from a position that is no
	// longer retained.
	ErrStaleCursor = eventstore.ErrStaleCursor
	// ErrCapabilityNotSupported is returned when the peer did not advertise
	// the capability an outbound request needs.
	ErrCapabilityNotSupported = errors.New("capability not supported by peer")
	// ErrRegistryFrozen is returned when registering handlers on a registry
	// already in use by a session.
	ErrRegistryFrozen = errors.New("registry frozen")
	// ErrProgressRegressed is returned when a progress value is lower than
	// one already reported for the same request.
	ErrProgressRegressed = errors.New("progress must not decrease")
)

// Error is an application error relayed to the peer unchanged. Handlers
// return it to choose the JSON-RPC error code, message and data; it is also
// returned by outbound calls the peer answered with an error.
type Error struct {
	Code    int
	Message string
	Data    any
}

// NewError constructs an application error.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// errorResponse maps a handler error onto the wire.
func errorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var appErr *Error
	switch {
	case errors.As(err, &appErr):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCode(appErr.Code), appErr.Message, appErr.Data)
	case errors.Is(err, cursor.ErrInvalidCursor):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, "invalid cursor", nil)
	case errors.Is(err, ErrInvalidParams):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	case errors.Is(err, ErrMethodNotFound):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeMethodNotFound, err.Error(), nil)
	case errors.Is(err, ErrStaleCursor):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeStaleCursor, "stale cursor", nil)
	case errors.Is(err, ErrSessionClosed):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeSessionClosed, "session closed", nil)
	case errors.Is(err, ErrTimeout):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "upstream request timed out", nil)
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
}

func responseError(resp *jsonrpc.Response) error {
	if resp.Error == nil {
		return nil
	}
	return &Error{Code: int(resp.Error.Code), Message: resp.Error.Message, Data: resp.Error.Data}
}
