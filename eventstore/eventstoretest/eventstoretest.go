// Package eventstoretest provides a conformance suite for eventstore.Store
// implementations.
package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/eventstore"
)

// StoreFactory creates a new, empty Store with the given retention.
type StoreFactory func(t *testing.T, retention eventstore.Retention) eventstore.Store

// Run runs the complete Store test suite against the provided factory.
func Run(t *testing.T, factory StoreFactory) {
	t.Run("Append_SequencesStartAtOneAndIncrease", func(t *testing.T) { testAppendSequences(t, factory) })
	t.Run("Append_ConcurrentAppendsAreUnique", func(t *testing.T) { testConcurrentAppends(t, factory) })
	t.Run("Replay_FromZeroReturnsEverything", func(t *testing.T) { testReplayFromZero(t, factory) })
	t.Run("Replay_FromPositionReturnsSuffix", func(t *testing.T) { testReplayFromPosition(t, factory) })
	t.Run("Replay_IsRepeatable", func(t *testing.T) { testReplayRepeatable(t, factory) })
	t.Run("Replay_AtEndIsEmpty", func(t *testing.T) { testReplayAtEnd(t, factory) })
	t.Run("Replay_PastEndIsStale", func(t *testing.T) { testReplayPastEnd(t, factory) })
	t.Run("Replay_UnknownStream", func(t *testing.T) { testReplayUnknownStream(t, factory) })
	t.Run("Streams_AreIsolated", func(t *testing.T) { testStreamIsolation(t, factory) })
	t.Run("Ack_PrunesAndMarksStale", func(t *testing.T) { testAckPrunes(t, factory) })
	t.Run("Retention_MaxRecords", func(t *testing.T) { testRetentionMaxRecords(t, factory) })
	t.Run("Delete_DropsStream", func(t *testing.T) { testDelete(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func appendN(t *testing.T, ctx context.Context, s eventstore.Store, stream string, n int) []uint64 {
	t.Helper()
	seqs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		seq, err := s.Append(ctx, stream, []byte(fmt.Sprintf("%s-%d", stream, i+1)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

func assertPayloads(t *testing.T, recs []eventstore.Record, stream string, from, to int) {
	t.Helper()
	if want := to - from + 1; len(recs) != want {
		t.Fatalf("expected %d records, got %d", want, len(recs))
	}
	for i, r := range recs {
		n := from + i
		if r.StreamID != stream {
			t.Fatalf("record %d: stream %q, want %q", i, r.StreamID, stream)
		}
		if r.Seq != uint64(n) {
			t.Fatalf("record %d: seq %d, want %d", i, r.Seq, n)
		}
		if want := fmt.Sprintf("%s-%d", stream, n); string(r.Payload) != want {
			t.Fatalf("record %d: payload %q, want %q", i, r.Payload, want)
		}
	}
}

func testAppendSequences(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	seqs := appendN(t, ctx, s, "seq", 5)
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("append %d returned seq %d", i, seq)
		}
	}
}

func testConcurrentAppends(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	const workers, per = 8, 25
	var (
		mu   sync.Mutex
		seqs []uint64
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				seq, err := s.Append(ctx, "concurrent", []byte("x"))
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) != workers*per {
		t.Fatalf("expected %d sequences, got %d", workers*per, len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("sequence gap or duplicate at %d: %d", i, seq)
		}
	}

	recs, err := s.ReplayFrom(ctx, "concurrent", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Fatalf("replay out of order at %d", i)
		}
	}
}

func testReplayFromZero(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	appendN(t, ctx, s, "zero", 4)
	recs, err := s.ReplayFrom(ctx, "zero", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	assertPayloads(t, recs, "zero", 1, 4)
}

func testReplayFromPosition(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	appendN(t, ctx, s, "suffix", 10)
	recs, err := s.ReplayFrom(ctx, "suffix", 6)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	assertPayloads(t, recs, "suffix", 7, 10)
}

func testReplayRepeatable(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	appendN(t, ctx, s, "repeat", 5)
	first, err := s.ReplayFrom(ctx, "repeat", 2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	second, err := s.ReplayFrom(ctx, "repeat", 2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	assertPayloads(t, first, "repeat", 3, 5)
	assertPayloads(t, second, "repeat", 3, 5)
}

func testReplayAtEnd(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	appendN(t, ctx, s, "end", 3)
	recs, err := s.ReplayFrom(ctx, "end", 3)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
}

func testReplayPastEnd(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	appendN(t, ctx, s, "past", 3)
	if _, err := s.ReplayFrom(ctx, "past", 4); !errors.Is(err, eventstore.ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor, got %v", err)
	}
}

func testReplayUnknownStream(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	recs, err := s.ReplayFrom(ctx, "nobody", 0)
	if err != nil {
		t.Fatalf("replay from zero of unknown stream: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
	if _, err := s.ReplayFrom(ctx, "nobody", 1); !errors.Is(err, eventstore.ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor, got %v", err)
	}
}

func testStreamIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	appendN(t, ctx, s, "a", 3)
	appendN(t, ctx, s, "b", 2)

	ra, err := s.ReplayFrom(ctx, "a", 0)
	if err != nil {
		t.Fatalf("replay a: %v", err)
	}
	rb, err := s.ReplayFrom(ctx, "b", 0)
	if err != nil {
		t.Fatalf("replay b: %v", err)
	}
	assertPayloads(t, ra, "a", 1, 3)
	assertPayloads(t, rb, "b", 1, 2)
}

func testAckPrunes(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	appendN(t, ctx, s, "ack", 6)
	if err := s.Ack(ctx, "ack", 4); err != nil {
		t.Fatalf("ack: %v", err)
	}

	recs, err := s.ReplayFrom(ctx, "ack", 4)
	if err != nil {
		t.Fatalf("replay at ack point: %v", err)
	}
	assertPayloads(t, recs, "ack", 5, 6)

	if _, err := s.ReplayFrom(ctx, "ack", 2); !errors.Is(err, eventstore.ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor for pruned position, got %v", err)
	}

	seq, err := s.Append(ctx, "ack", []byte("ack-7"))
	if err != nil {
		t.Fatalf("append after ack: %v", err)
	}
	if seq != 7 {
		t.Fatalf("sequence must continue after pruning, got %d", seq)
	}
}

func testRetentionMaxRecords(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{MaxRecords: 3})
	ctx := testCtx(t)

	appendN(t, ctx, s, "cap", 5)
	recs, err := s.ReplayFrom(ctx, "cap", 2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	assertPayloads(t, recs, "cap", 3, 5)

	if _, err := s.ReplayFrom(ctx, "cap", 1); !errors.Is(err, eventstore.ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor, got %v", err)
	}
	if _, err := s.ReplayFrom(ctx, "cap", 0); !errors.Is(err, eventstore.ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor from zero after pruning, got %v", err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t, eventstore.Retention{})
	ctx := testCtx(t)

	appendN(t, ctx, s, "gone", 3)
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ReplayFrom(ctx, "gone", 2); !errors.Is(err, eventstore.ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor after delete, got %v", err)
	}
	recs, err := s.ReplayFrom(ctx, "gone", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty stream after delete, got %d records", len(recs))
	}
}
