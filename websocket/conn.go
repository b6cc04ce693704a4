package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ggoodman/mcp-session-go/client"
	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
)

// ErrNotConnected is returned when sending while no connection is open.
var ErrNotConnected = errors.New("websocket not connected")

// Conn is a client session carried over a WebSocket. Reconnect resumes the
// same session on a new connection without losing or repeating messages;
// calls pending across the gap complete once the response is replayed.
type Conn struct {
	url    string
	client *client.Client

	seq atomic.Uint64

	mu        sync.Mutex
	conn      net.Conn
	sessionID string
	done      chan struct{}
	err       error
}

// Dial opens a connection to the server at rawURL (ws:// or wss://) and
// creates a client configured with opts. Call Client().Initialize next.
func Dial(ctx context.Context, rawURL string, opts ...client.Option) (*Conn, error) {
	c := &Conn{url: rawURL}
	c.client = client.New(c, opts...)
	if err := c.connect(ctx, ""); err != nil {
		return nil, err
	}
	return c, nil
}

// Client returns the client bound to the connection.
func (c *Conn) Client() *client.Client { return c.client }

// SessionID returns the server-assigned session ID.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastEventID returns the position of the last frame received.
func (c *Conn) LastEventID() string {
	return eventstore.FormatEventID(c.SessionID(), c.seq.Load())
}

// Done is closed when the current connection ends.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the current connection ended. It wraps
// eventstore.ErrStaleCursor when the server could not resume.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Reconnect drops the current connection, if any, and resumes the session
// after the last frame received.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	old, done := c.conn, c.done
	c.conn = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.connect(ctx, c.LastEventID())
}

// Close closes the client and the connection. The server keeps the session
// until it expires.
func (c *Conn) Close() error {
	c.client.Close()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send implements client.Transport.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, msg)
}

func (c *Conn) connect(ctx context.Context, lastEventID string) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if sid := c.SessionID(); sid != "" {
		q.Set(sessionIDParam, sid)
		q.Set(lastEventIDParam, lastEventID)
	}
	u.RawQuery = q.Encode()

	var sid string
	d := ws.Dialer{
		OnHeader: func(key, value []byte) error {
			if strings.EqualFold(string(key), sessionIDHeader) {
				sid = string(value)
			}
			return nil
		},
	}
	conn, br, _, err := d.Dial(ctx, u.String())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	done := make(chan struct{})

	c.mu.Lock()
	if c.sessionID == "" {
		c.sessionID = sid
	}
	c.conn = conn
	c.done = done
	c.err = nil
	c.mu.Unlock()

	go c.readLoop(conn, struct {
		io.Reader
		io.Writer
	}{r, conn}, done)
	return nil
}

func (c *Conn) readLoop(conn net.Conn, rw io.ReadWriter, done chan struct{}) {
	var err error
	defer func() {
		c.mu.Lock()
		if c.done == done {
			if c.err == nil {
				c.err = err
			}
			if c.conn == conn {
				c.conn = nil
			}
		}
		c.mu.Unlock()
		_ = conn.Close()
		close(done)
	}()

	ctx := context.Background()
	for {
		data, op, rerr := wsutil.ReadServerData(rw)
		if rerr != nil {
			err = rerr
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if staleFrame(data) {
			c.mu.Lock()
			if c.done == done {
				c.err = fmt.Errorf("%w: resume from %s", eventstore.ErrStaleCursor, eventstore.FormatEventID(c.sessionID, c.seq.Load()))
			}
			c.mu.Unlock()
			continue
		}
		c.seq.Add(1)
		if herr := c.client.HandleMessage(ctx, data); herr != nil {
			err = herr
			return
		}
	}
}

func staleFrame(data []byte) bool {
	msg, err := jsonrpc.Decode(data)
	if err != nil || msg.Error == nil || (msg.ID != nil && !msg.ID.IsNil()) {
		return false
	}
	return msg.Error.Code == jsonrpc.ErrorCodeStaleCursor
}

var _ client.Transport = (*Conn)(nil)
