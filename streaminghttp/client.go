package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/ggoodman/mcp-session-go/client"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
)

// ErrSessionExpired is returned when the server no longer recognises the
// session the Conn was bound to.
var ErrSessionExpired = errors.New("streaminghttp: session expired")

var errStreamGone = errors.New("streaminghttp: stream can no longer be resumed")

const (
	maxResumeAttempts = 5
	resumeBackoff     = 100 * time.Millisecond
)

// Conn is a client.Transport that speaks the streamable HTTP transport to a
// single endpoint. Every outbound message is a POST; replies arrive either as
// a JSON body or as an SSE stream that is resumed with Last-Event-ID when the
// connection drops before the response is seen.
type Conn struct {
	endpoint string
	hc       *http.Client
	log      *slog.Logger
	deliver  func(ctx context.Context, frame []byte) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
}

// ConnOption configures NewClient.
type ConnOption func(*connConfig)

type connConfig struct {
	hc         *http.Client
	log        *slog.Logger
	clientOpts []client.Option
}

// WithHTTPClient sets the http.Client used for every request.
func WithHTTPClient(hc *http.Client) ConnOption {
	return func(c *connConfig) { c.hc = hc }
}

// WithConnLogger sets the logger for transport events.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *connConfig) { c.log = l }
}

// WithClientOptions forwards options to the client.Client built by NewClient.
func WithClientOptions(opts ...client.Option) ConnOption {
	return func(c *connConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

// NewClient returns an MCP client bound to endpoint along with the Conn that
// carries its traffic. Close the Conn when done; it ends the session on the
// server.
func NewClient(endpoint string, opts ...ConnOption) (*client.Client, *Conn) {
	cfg := connConfig{
		hc:  http.DefaultClient,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		endpoint: endpoint,
		hc:       cfg.hc,
		log:      cfg.log,
		ctx:      ctx,
		cancel:   cancel,
	}
	c := client.New(conn, cfg.clientOpts...)
	conn.deliver = c.HandleMessage
	return c, conn
}

// SessionID returns the session ID assigned by the server, empty before
// initialize completes.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) captureSession(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id := h.Get(mcpSessionIDHeader); id != "" {
		c.sessionID = id
	}
	if v := h.Get(mcpProtocolVersionHeader); v != "" {
		c.protocolVersion = v
	}
}

func (c *Conn) setSessionHeaders(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, c.sessionID)
	}
	if c.protocolVersion != "" {
		req.Header.Set(mcpProtocolVersionHeader, c.protocolVersion)
	}
}

// Send implements client.Transport.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	reqCtx, release := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, release)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(msg))
	if err != nil {
		release()
		return fmt.Errorf("streaminghttp: new request: %w", err)
	}
	req.Header.Set("Content-Type", jsonMediaType.String())
	req.Header.Set("Accept", jsonMediaType.String()+", "+eventStreamMediaType.String())
	c.setSessionHeaders(req)

	resp, err := c.hc.Do(req)
	stop()
	if err != nil {
		release()
		return fmt.Errorf("streaminghttp: post: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		release()
		return err
	}
	if resp.StatusCode == http.StatusAccepted {
		resp.Body.Close()
		release()
		return nil
	}

	c.captureSession(resp.Header)
	if isEventStream(resp.Header) {
		c.wg.Go(func() {
			defer release()
			c.follow(resp.Body, true)
		})
		return nil
	}

	defer release()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("streaminghttp: read response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return c.deliver(c.ctx, body)
}

// Listen opens the session's standalone stream for server-initiated
// messages. It returns once the stream is established.
func (c *Conn) Listen(ctx context.Context) error {
	if c.SessionID() == "" {
		return errors.New("streaminghttp: listen before initialize")
	}
	resp, err := c.get(ctx, "")
	if err != nil {
		return err
	}
	c.wg.Go(func() { c.follow(resp.Body, false) })
	return nil
}

// Close ends the session on the server and stops all stream readers.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	if c.SessionID() != "" {
		err = c.deleteSession(ctx)
	}
	c.cancel()
	c.wg.Wait()
	return err
}

func (c *Conn) deleteSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("streaminghttp: new request: %w", err)
	}
	c.setSessionHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("streaminghttp: delete: %w", err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("streaminghttp: delete: unexpected status %d", resp.StatusCode)
}

func (c *Conn) get(ctx context.Context, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("streaminghttp: new request: %w", err)
	}
	req.Header.Set("Accept", eventStreamMediaType.String())
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	c.setSessionHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("streaminghttp: get: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		return nil, errStreamGone
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	if !isEventStream(resp.Header) {
		resp.Body.Close()
		return nil, fmt.Errorf("streaminghttp: get: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return resp, nil
}

// checkStatus closes the body and returns an error for any status other than
// 200 or 202.
func (c *Conn) checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		if c.SessionID() != "" {
			resp.Body.Close()
			return ErrSessionExpired
		}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("streaminghttp: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
}

// follow delivers the events on body and keeps the stream alive across
// dropped connections. A request stream is complete once its response has
// been delivered; a clean end before that counts as a drop.
func (c *Conn) follow(body io.ReadCloser, untilResponse bool) {
	lastID, done, err := c.readEvents(body)
	if err == nil && untilResponse && !done {
		err = io.ErrUnexpectedEOF
	}
	for attempt := 1; err != nil && c.ctx.Err() == nil; attempt++ {
		if lastID == "" || attempt > maxResumeAttempts || errors.Is(err, errStreamGone) || errors.Is(err, ErrSessionExpired) {
			c.log.InfoContext(c.ctx, "client.stream.lost", slog.String("last_event_id", lastID), slog.String("err", err.Error()))
			return
		}
		c.log.DebugContext(c.ctx, "client.stream.resume", slog.String("last_event_id", lastID), slog.Int("attempt", attempt), slog.String("err", err.Error()))

		t := time.NewTimer(time.Duration(attempt) * resumeBackoff)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		resp, gerr := c.get(c.ctx, lastID)
		if gerr != nil {
			err = gerr
			continue
		}
		var next string
		var fin bool
		next, fin, err = c.readEvents(resp.Body)
		if next != "" {
			lastID = next
			attempt = 0
		}
		done = done || fin
		if err == nil && untilResponse && !done {
			err = io.ErrUnexpectedEOF
		}
	}
}

// readEvents delivers every event on body until it ends. It reports the last
// event ID seen and whether a response was among the events.
func (c *Conn) readEvents(body io.ReadCloser) (lastID string, sawResponse bool, err error) {
	defer body.Close()
	r := bufio.NewReader(body)
	for {
		ev, err := readEvent(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lastID, sawResponse, nil
			}
			return lastID, sawResponse, err
		}
		if ev.id != "" {
			lastID = ev.id
		}
		if len(ev.data) == 0 {
			continue
		}
		if msg, derr := jsonrpc.Decode(ev.data); derr == nil {
			if k := msg.Kind(); k == jsonrpc.KindResponse || k == jsonrpc.KindError {
				sawResponse = true
			}
		}
		if err := c.deliver(c.ctx, ev.data); err != nil {
			c.log.InfoContext(c.ctx, "client.stream.deliver.fail", slog.String("err", err.Error()))
		}
	}
}

type clientEvent struct {
	id   string
	name string
	data []byte
}

// readEvent parses one SSE event. Comment lines are skipped and multiple data
// lines are joined with newlines. io.EOF is returned only on a clean end
// between events.
func readEvent(r *bufio.Reader) (*clientEvent, error) {
	ev := &clientEvent{}
	var data [][]byte
	started := false
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (started || len(line) > 0) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if !started {
				continue
			}
			ev.data = bytes.Join(data, []byte("\n"))
			return ev, nil
		}
		if line[0] == ':' {
			continue
		}
		started = true
		field, value, _ := strings.Cut(string(line), ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.id = value
		case "event":
			ev.name = value
		case "data":
			data = append(data, []byte(value))
		}
	}
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == eventStreamMediaType.String()
}
