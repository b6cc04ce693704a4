package stdio

import (
	"bufio"
	"context"
	"sync"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/sessions"
)

// writeMux serializes newline-terminated frames onto a buffered writer.
type writeMux struct {
	mu   sync.Mutex
	w    *bufio.Writer
	sess *sessions.Session
}

func (m *writeMux) writeLine(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(b); err != nil {
		return err
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return err
	}
	return m.w.Flush()
}

// WriteMessage implements sessions.MessageWriter. A pipe cannot be resumed,
// so every record is acknowledged once it was flushed.
func (m *writeMux) WriteMessage(ctx context.Context, eventID string, msg []byte) error {
	if err := m.writeLine(msg); err != nil {
		return err
	}
	if m.sess == nil || eventID == "" {
		return nil
	}
	streamID, seq, err := eventstore.ParseEventID(eventID)
	if err != nil {
		return nil
	}
	return m.sess.Acknowledge(ctx, streamID, seq)
}
