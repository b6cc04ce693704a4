package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/sessions"
)

// maxLineSize bounds a single inbound frame.
const maxLineSize = 16 << 20

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes outbound messages to an io.Writer. By default,
// it uses os.Stdin and os.Stdout.
//
// The handler is transport-only; it delegates all MCP semantics to a
// sessions.Session serving the provided registry.
type Handler struct {
	r               io.Reader
	w               io.Writer
	l               *slog.Logger
	sessOpts        []sessions.Option
	shutdownTimeout time.Duration

	sess *sessions.Session
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(reg *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		r:               os.Stdin,
		w:               os.Stdout,
		l:               slog.Default(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = slog.New(logctx.Handler{Handler: h.l.Handler()})
	h.sess = sessions.New(reg, append([]sessions.Option{sessions.WithLogger(h.l)}, h.sessOpts...)...)
	return h
}

// Session returns the session served by the handler.
func (h *Handler) Session() *sessions.Session { return h.sess }

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler. Each line read is
// handed to the session; everything the session emits is written as one line.
// When input ends the session is closed, in-flight requests are answered with
// a session-closed error and Serve returns.
func (h *Handler) Serve(ctx context.Context) error {
	sess := h.sess
	mux := &writeMux{w: bufio.NewWriter(h.w), sess: sess}

	if _, err := sess.Attach(ctx, sess.PrimaryStream(), mux); err != nil {
		return fmt.Errorf("attach stdout: %w", err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})
	h.l.InfoContext(ctx, "stdio.serve.start")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case <-sess.Done():
			break loop
		case err = <-readErr:
			break loop
		case line := <-lines:
			if herr := sess.HandleMessage(ctx, line); herr != nil {
				if errors.Is(herr, sessions.ErrSessionClosed) {
					break loop
				}
				h.l.ErrorContext(ctx, "stdio.message.fail", slog.String("err", herr.Error()))
			}
		}
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
	defer cancel()
	if cerr := sess.Close(closeCtx); cerr != nil {
		h.l.InfoContext(ctx, "stdio.close.fail", slog.String("err", cerr.Error()))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		h.l.ErrorContext(ctx, "stdio.serve.fail", slog.String("err", err.Error()))
		return err
	}
	h.l.InfoContext(ctx, "stdio.serve.end")
	return nil
}
