package cursor

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, MinKeySize)
}

func mustCodec(t *testing.T, key []byte) *Codec {
	t.Helper()
	c, err := NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestCodec_RoundTripIsStable(t *testing.T) {
	t.Parallel()
	c := mustCodec(t, testKey(1))

	pos := Position{Offset: 40, Fingerprint: Fingerprint("tools"), Version: "v3"}
	a, err := c.Encode(pos)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := c.Encode(pos)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if a != b {
		t.Fatalf("encoding is not deterministic: %q vs %q", a, b)
	}

	got, err := c.Decode(a)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != pos {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, pos)
	}
}

func TestCodec_RejectsForeignAndTamperedTokens(t *testing.T) {
	t.Parallel()
	c := mustCodec(t, testKey(1))
	other := mustCodec(t, testKey(2))

	foreign, err := other.Encode(Position{Offset: 5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Decode(foreign); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor for foreign key, got %v", err)
	}

	tok, err := c.Encode(Position{Offset: 5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parts := strings.Split(tok, ".")
	forgedPayload, err := other.Encode(Position{Offset: 500})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parts[1] = strings.Split(forgedPayload, ".")[1]
	if _, err := c.Decode(strings.Join(parts, ".")); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor for tampered payload, got %v", err)
	}

	for _, bad := range []string{"", "abc", "a.b.c", "eyJhbGciOiJub25lIn0.eyJvIjoxfQ."} {
		if _, err := c.Decode(bad); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("decode(%q): expected ErrInvalidCursor, got %v", bad, err)
		}
	}
}

func TestNewCodec_ShortKey(t *testing.T) {
	t.Parallel()
	if _, err := NewCodec([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}
}
