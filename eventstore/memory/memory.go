// Package memory provides an in-process eventstore.Store.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/mcp-session-go/eventstore"
)

// Store keeps every stream in memory. It is safe for concurrent use.
type Store struct {
	clock     clockwork.Clock
	retention eventstore.Retention

	mu      sync.RWMutex
	streams map[string]*stream
}

type stream struct {
	mu      sync.Mutex
	last    uint64 // highest sequence assigned
	floor   uint64 // highest sequence pruned
	records []eventstore.Record
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to timestamp records.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRetention bounds the records kept per stream.
func WithRetention(r eventstore.Retention) Option {
	return func(s *Store) { s.retention = r }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   clockwork.NewRealClock(),
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ eventstore.Store = (*Store)(nil)

func (s *Store) lookup(streamID string) *stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[streamID]
}

func (s *Store) getOrCreate(streamID string) *stream {
	if st := s.lookup(streamID); st != nil {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		st = &stream{}
		s.streams[streamID] = st
	}
	return st
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, payload []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st := s.getOrCreate(streamID)

	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.clock.Now()
	st.last++
	st.records = append(st.records, eventstore.Record{
		StreamID:  streamID,
		Seq:       st.last,
		Payload:   bytes.Clone(payload),
		Timestamp: now,
	})

	if n := s.retention.MaxRecords; n > 0 && len(st.records) > n {
		st.pruneThrough(st.records[len(st.records)-n-1].Seq)
	}
	if age := s.retention.MaxAge; age > 0 {
		cutoff := now.Add(-age)
		var upto uint64
		for _, r := range st.records {
			if !r.Timestamp.Before(cutoff) {
				break
			}
			upto = r.Seq
		}
		if upto > 0 {
			st.pruneThrough(upto)
		}
	}

	return st.last, nil
}

// ReplayFrom implements eventstore.Store.
func (s *Store) ReplayFrom(ctx context.Context, streamID string, after uint64) ([]eventstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.lookup(streamID)
	if st == nil {
		if after == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: unknown stream %q", eventstore.ErrStaleCursor, streamID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if after > st.last {
		return nil, fmt.Errorf("%w: position %d is past the end of stream %q", eventstore.ErrStaleCursor, after, streamID)
	}
	if after < st.floor {
		return nil, fmt.Errorf("%w: position %d has been pruned from stream %q", eventstore.ErrStaleCursor, after, streamID)
	}

	out := make([]eventstore.Record, 0, len(st.records))
	for _, r := range st.records {
		if r.Seq > after {
			r.Payload = bytes.Clone(r.Payload)
			out = append(out, r)
		}
	}
	return out, nil
}

// Ack implements eventstore.Store.
func (s *Store) Ack(ctx context.Context, streamID string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := s.lookup(streamID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneThrough(min(seq, st.last))
	return nil
}

// Delete implements eventstore.Store.
func (s *Store) Delete(ctx context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
	return nil
}

// pruneThrough drops records with Seq <= seq. Callers hold st.mu.
func (st *stream) pruneThrough(seq uint64) {
	if seq <= st.floor {
		return
	}
	i := 0
	for i < len(st.records) && st.records[i].Seq <= seq {
		i++
	}
	st.records = append(st.records[:0:0], st.records[i:]...)
	st.floor = seq
}
