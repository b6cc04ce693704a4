// Package eventstore defines the append-only, per-stream log that backs
// resumable delivery of outbound session messages.
//
// Every message a session emits is appended to the log of the stream it is
// sent on before it is handed to a transport. A peer that reconnects presents
// the last sequence number it received and is sent every later record, in
// order, exactly once. Records may be pruned by count, by age, or by explicit
// acknowledgement; a position that falls into the pruned prefix yields
// ErrStaleCursor rather than a silently shortened replay.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrStaleCursor is returned when a resumption position refers to records
// that are no longer retained, or to a position that was never issued.
var ErrStaleCursor = errors.New("stale cursor")

// Record is a single appended message.
type Record struct {
	StreamID  string
	Seq       uint64
	Payload   []byte
	Timestamp time.Time
}

// EventID returns the wire identifier of the record.
func (r Record) EventID() string {
	return FormatEventID(r.StreamID, r.Seq)
}

// Store is an append-only log partitioned into independent streams.
//
// Sequence numbers start at 1 and are strictly increasing per stream.
// Appends to the same stream are serialized; appends to different streams do
// not contend with each other.
type Store interface {
	// Append adds payload to the stream and returns its sequence number.
	Append(ctx context.Context, streamID string, payload []byte) (uint64, error)
	// ReplayFrom returns every retained record with a sequence number
	// greater than after, in order. It never mutates the store, so presenting
	// the same position twice yields the same records. Positions inside the
	// pruned prefix or past the last appended record yield ErrStaleCursor.
	ReplayFrom(ctx context.Context, streamID string, after uint64) ([]Record, error)
	// Ack records that the peer holds every record up to and including seq;
	// those records are pruned.
	Ack(ctx context.Context, streamID string, seq uint64) error
	// Delete drops the stream and all of its records.
	Delete(ctx context.Context, streamID string) error
}

// Retention bounds the records kept per stream. Zero values disable the
// corresponding bound.
type Retention struct {
	MaxRecords int
	MaxAge     time.Duration
}

// FormatEventID renders a stream position as an opaque event identifier.
func FormatEventID(streamID string, seq uint64) string {
	return streamID + "/" + strconv.FormatUint(seq, 10)
}

// ParseEventID splits an identifier produced by FormatEventID. Malformed
// identifiers yield ErrStaleCursor since they cannot name a retained
// position.
func ParseEventID(id string) (string, uint64, error) {
	i := strings.LastIndexByte(id, '/')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: malformed event id %q", ErrStaleCursor, id)
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: malformed event id %q", ErrStaleCursor, id)
	}
	return id[:i], seq, nil
}
