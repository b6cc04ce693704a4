package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
)

// MessageWriter delivers outbound frames to a connected peer.
type MessageWriter interface {
	WriteMessage(ctx context.Context, eventID string, msg []byte) error
}

// MessageWriterFunc adapts a function to MessageWriter.
type MessageWriterFunc func(ctx context.Context, eventID string, msg []byte) error

func (f MessageWriterFunc) WriteMessage(ctx context.Context, eventID string, msg []byte) error {
	return f(ctx, eventID, msg)
}

// StreamEnder is implemented by writers that should be released once their
// request stream will carry nothing more: after the response was delivered,
// or after the request was cancelled and no response will follow.
type StreamEnder interface {
	EndStream()
}

type stream struct {
	mu      sync.Mutex
	w       MessageWriter
	gen     uint64
	last    uint64
	written uint64 // last seq delivered to a live writer
	ended   bool
	endedAt time.Time
	retired bool
}

// settled reports whether the stream ended and its writer saw every record.
// Callers hold st.mu.
func (st *stream) settled() bool {
	return st.ended && st.written == st.last
}

// PrimaryStream returns the ID of the stream that carries traffic not tied
// to a particular request.
func (s *Session) PrimaryStream() string { return s.id }

// RequestStream returns the ID of a stream scoped to name, typically the
// transport-level request that delivered an inbound message.
func (s *Session) RequestStream(name string) string { return s.id + "/" + name }

func (s *Session) ownsStream(streamID string) bool {
	return streamID == s.id || strings.HasPrefix(streamID, s.id+"/")
}

func (s *Session) streamFor(ctx context.Context) string {
	if id, ok := streamFrom(ctx); ok && s.ownsStream(id) {
		return id
	}
	return s.id
}

func (s *Session) getStream(streamID string) *stream {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		st = &stream{}
		s.streams[streamID] = st
	}
	return st
}

// lockStream returns the live stream for streamID with its lock held.
func (s *Session) lockStream(streamID string) *stream {
	for {
		st := s.getStream(streamID)
		st.mu.Lock()
		if !st.retired {
			return st
		}
		st.mu.Unlock()
		s.forgetStream(streamID, st)
	}
}

func (s *Session) forgetStream(streamID string, st *stream) {
	s.streamsMu.Lock()
	if s.streams[streamID] == st {
		delete(s.streams, streamID)
	}
	s.streamsMu.Unlock()
}

// retire drops a settled request stream and its records. Callers hold st.mu.
func (s *Session) retire(ctx context.Context, streamID string, st *stream) {
	st.retired = true
	if err := s.store.Delete(ctx, streamID); err != nil {
		s.log.ErrorContext(ctx, "session.stream.delete.fail", slog.String("stream", streamID), slog.String("err", err.Error()))
	}
}

// endLocked marks a request stream as finished and releases a writer that
// has seen all of it. Callers hold st.mu.
func (s *Session) endLocked(streamID string, st *stream) {
	if streamID == s.id {
		return
	}
	if !st.ended {
		st.ended = true
		st.endedAt = s.clock.Now()
	}
	if e, ok := st.w.(StreamEnder); ok && st.settled() {
		e.EndStream()
	}
}

// endStream finishes a request stream that will receive no response.
func (s *Session) endStream(streamID string) {
	if streamID == s.id {
		return
	}
	st := s.lockStream(streamID)
	defer st.mu.Unlock()
	s.endLocked(streamID, st)
}

// reapStreams retires request streams that ended before cutoff and have no
// writer. Their undelivered records are lost.
func (s *Session) reapStreams(ctx context.Context, cutoff time.Time) int {
	s.streamsMu.Lock()
	live := make(map[string]*stream, len(s.streams))
	for id, st := range s.streams {
		if id != s.id {
			live[id] = st
		}
	}
	s.streamsMu.Unlock()

	var n int
	for id, st := range live {
		st.mu.Lock()
		drop := !st.retired && st.ended && st.w == nil && st.endedAt.Before(cutoff)
		if drop {
			s.retire(ctx, id, st)
		}
		st.mu.Unlock()
		if drop {
			s.forgetStream(id, st)
			n++
		}
	}
	return n
}

// AttachOption configures Attach.
type AttachOption func(*attachOptions)

type attachOptions struct {
	resume bool
	after  uint64
}

// ResumeAfter replays every record after seq before live delivery starts.
func ResumeAfter(seq uint64) AttachOption {
	return func(o *attachOptions) {
		o.resume = true
		o.after = seq
	}
}

// ResumeFromEventID is ResumeAfter for an event ID previously written to the
// peer. It returns the stream the ID belongs to.
func ResumeFromEventID(eventID string) (string, AttachOption, error) {
	streamID, seq, err := eventstore.ParseEventID(eventID)
	if err != nil {
		return "", nil, err
	}
	return streamID, ResumeAfter(seq), nil
}

// Attach makes w the live writer of streamID, replacing any previous writer.
// With ResumeAfter, missed records are written to w first; no record
// appended concurrently is skipped or written twice. The returned function
// detaches w.
func (s *Session) Attach(ctx context.Context, streamID string, w MessageWriter, opts ...AttachOption) (func(), error) {
	if s.State() == StateClosed {
		return nil, ErrSessionClosed
	}
	if !s.ownsStream(streamID) {
		return nil, fmt.Errorf("%w: stream %q does not belong to session", ErrStaleCursor, streamID)
	}
	var o attachOptions
	for _, opt := range opts {
		opt(&o)
	}
	s.touch()

	st := s.lockStream(streamID)

	if o.resume {
		recs, err := s.store.ReplayFrom(ctx, streamID, o.after)
		if err != nil {
			// Nothing was ever sent on a stream we did not know about.
			unknown := streamID != s.id && st.w == nil && st.last == 0
			if unknown {
				st.retired = true
			}
			st.mu.Unlock()
			if unknown {
				s.forgetStream(streamID, st)
			}
			s.log.InfoContext(ctx, "session.stream.resume.fail", slog.String("stream", streamID), slog.String("err", err.Error()))
			return nil, err
		}
		for _, rec := range recs {
			if err := w.WriteMessage(ctx, rec.EventID(), rec.Payload); err != nil {
				st.mu.Unlock()
				return nil, fmt.Errorf("replay: %w", err)
			}
			st.last = max(st.last, rec.Seq)
		}
		st.written = st.last
		s.log.InfoContext(ctx, "session.stream.resume.ok", slog.String("stream", streamID), slog.Int("replayed", len(recs)))
	}

	st.gen++
	gen := st.gen
	st.w = w
	if st.ended {
		s.endLocked(streamID, st)
	}
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		if st.gen == gen {
			st.w = nil
		}
		drop := s.streamTTL <= 0 && st.w == nil && !st.retired && streamID != s.id && st.settled()
		if drop {
			s.retire(context.WithoutCancel(ctx), streamID, st)
		}
		st.mu.Unlock()
		if drop {
			s.forgetStream(streamID, st)
		}
	}, nil
}

// Attached reports whether any stream has a live writer.
func (s *Session) Attached() bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	for _, st := range s.streams {
		st.mu.Lock()
		has := st.w != nil
		st.mu.Unlock()
		if has {
			return true
		}
	}
	return false
}

// Acknowledge tells the session the peer holds every message of streamID up
// to seq. Those records are pruned.
func (s *Session) Acknowledge(ctx context.Context, streamID string, seq uint64) error {
	if !s.ownsStream(streamID) {
		return fmt.Errorf("%w: stream %q does not belong to session", ErrStaleCursor, streamID)
	}
	return s.store.Ack(ctx, streamID, seq)
}

// send appends msg to streamID and writes it to the live writer, if any. The
// record is durable before the write; a failed write detaches the writer and
// leaves the record for replay.
func (s *Session) send(ctx context.Context, streamID string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	ctx = context.WithoutCancel(ctx)

	st := s.lockStream(streamID)
	defer st.mu.Unlock()

	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	seq, err := s.store.Append(ctx, streamID, b)
	if err != nil {
		s.log.ErrorContext(ctx, "session.stream.append.fail", slog.String("stream", streamID), slog.String("err", err.Error()))
		return fmt.Errorf("append: %w", err)
	}
	st.last = seq

	if st.w != nil {
		if err := st.w.WriteMessage(ctx, eventstore.FormatEventID(streamID, seq), b); err != nil {
			s.log.InfoContext(ctx, "session.stream.write.fail", slog.String("stream", streamID), slog.String("err", err.Error()))
			st.w = nil
		} else {
			st.written = seq
		}
	}
	// A request stream carries a single response.
	if _, ok := msg.(*jsonrpc.Response); ok {
		s.endLocked(streamID, st)
	}
	return nil
}

func (s *Session) dropStreams(ctx context.Context) {
	s.streamsMu.Lock()
	streams := s.streams
	s.streams = make(map[string]*stream)
	s.streamsMu.Unlock()

	for id, st := range streams {
		st.mu.Lock()
		st.w = nil
		st.mu.Unlock()
		if err := s.store.Delete(ctx, id); err != nil {
			s.log.ErrorContext(ctx, "session.stream.delete.fail", slog.String("stream", id), slog.String("err", err.Error()))
		}
	}
}

func (s *Session) reply(ctx context.Context, id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		s.log.ErrorContext(ctx, "session.reply.fail", slog.String("err", err.Error()))
		resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	_ = s.send(ctx, s.streamFor(ctx), resp)
}

func (s *Session) replyError(ctx context.Context, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) {
	_ = s.send(ctx, s.streamFor(ctx), jsonrpc.NewErrorResponse(id, code, message, nil))
}
