package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
)

const maxLineSize = 16 << 20

type lineTransport struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineTransport writes each frame to w followed by a newline.
func NewLineTransport(w io.Writer) Transport {
	return &lineTransport{w: w}
}

func (t *lineTransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, 0, len(msg)+1)
	buf = append(append(buf, msg...), '\n')
	_, err := t.w.Write(buf)
	return err
}

// ReadLoop feeds newline-delimited frames from r to c until r is exhausted
// or ctx ends. The client is closed on return.
func (c *Client) ReadLoop(ctx context.Context, r io.Reader) error {
	defer c.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := c.HandleMessage(ctx, bytes.Clone(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}
