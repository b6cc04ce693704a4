package stdio

import (
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-session-go/sessions"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithSessionOptions applies opts to the session Serve creates.
func WithSessionOptions(opts ...sessions.Option) Option {
	return func(h *Handler) {
		h.sessOpts = append(h.sessOpts, opts...)
	}
}

// WithShutdownTimeout bounds how long Serve waits for in-flight requests once
// the input ends.
func WithShutdownTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.shutdownTimeout = d
		}
	}
}
