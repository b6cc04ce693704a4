package eventstore

import (
	"errors"
	"testing"
)

func TestEventID_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, stream := range []string{"s1", "sess/abc", "a-b/c/d"} {
		id := FormatEventID(stream, 42)
		gotStream, gotSeq, err := ParseEventID(id)
		if err != nil {
			t.Fatalf("parse %q: %v", id, err)
		}
		if gotStream != stream || gotSeq != 42 {
			t.Fatalf("parse %q = (%q, %d)", id, gotStream, gotSeq)
		}
	}
}

func TestParseEventID_Malformed(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "abc", "/1", "s/", "s/x", "s/-1"} {
		if _, _, err := ParseEventID(id); !errors.Is(err, ErrStaleCursor) {
			t.Fatalf("parse %q: expected ErrStaleCursor, got %v", id, err)
		}
	}
}
