package cursor

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrInvalidCursor is returned for malformed, forged, expired or mismatched
// cursors.
var ErrInvalidCursor = errors.New("invalid cursor")

// MinKeySize is the minimum HMAC key length accepted by NewCodec.
const MinKeySize = 32

// Position is the decoded content of a cursor.
type Position struct {
	Offset      int    `json:"o"`
	Fingerprint uint64 `json:"f,omitempty"`
	Version     string `json:"v,omitempty"`
}

// Codec encodes and decodes cursors with a single HMAC key.
type Codec struct {
	key    []byte
	signer jose.Signer
}

// NewCodec constructs a codec keyed with key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("cursor key must be at least %d bytes, got %d", MinKeySize, len(key))
	}
	k := bytes.Clone(key)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: k}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &Codec{key: k, signer: signer}, nil
}

// NewRandomCodec constructs a codec with a freshly generated key. Cursors it
// issues do not survive a process restart.
func NewRandomCodec() (*Codec, error) {
	key := make([]byte, MinKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate cursor key: %w", err)
	}
	return NewCodec(key)
}

// Encode returns the opaque token for p.
func (c *Codec) Encode(p Position) (string, error) {
	if p.Offset < 0 {
		return "", fmt.Errorf("negative cursor offset %d", p.Offset)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal position: %w", err)
	}
	jws, err := c.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign cursor: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize cursor: %w", err)
	}
	return compact, nil
}

// Decode verifies token and returns the position it encodes. Every failure
// wraps ErrInvalidCursor.
func (c *Codec) Decode(token string) (Position, error) {
	if token == "" {
		return Position{}, fmt.Errorf("%w: empty", ErrInvalidCursor)
	}
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Position{}, fmt.Errorf("%w: malformed", ErrInvalidCursor)
	}
	if len(jws.Signatures) != 1 {
		return Position{}, fmt.Errorf("%w: unexpected signatures", ErrInvalidCursor)
	}
	payload, err := jws.Verify(c.key)
	if err != nil {
		return Position{}, fmt.Errorf("%w: signature mismatch", ErrInvalidCursor)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var p Position
	if err := dec.Decode(&p); err != nil {
		return Position{}, fmt.Errorf("%w: bad payload", ErrInvalidCursor)
	}
	if p.Offset < 0 {
		return Position{}, fmt.Errorf("%w: negative offset", ErrInvalidCursor)
	}
	return p, nil
}
