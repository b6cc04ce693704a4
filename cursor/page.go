package cursor

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Page represents a single page of results with an optional cursor for
// fetching the next page.
//
// Items is never nil; NewPage normalizes nil input to an empty slice.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// PageOption configures a Page constructed via NewPage.
type PageOption[T any] func(*Page[T])

// WithNextCursor marks that more results are available.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) {
		p.NextCursor = &cursor
	}
}

// NewPage constructs a Page with the provided items and options.
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	if items == nil {
		items = make([]T, 0)
	}
	p := Page[T]{Items: items}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Fingerprint hashes the parameters that shape a listing (filters, sort
// keys). A cursor minted under one fingerprint is rejected under another.
func Fingerprint(parts ...string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Query describes the listing a cursor is presented to.
type Query struct {
	Fingerprint uint64
	Version     string
}

// Paginator slices an ordered, stable collection into pages.
type Paginator[T any] struct {
	codec    *Codec
	pageSize int
}

// DefaultPageSize is used when NewPaginator is given a non-positive size.
const DefaultPageSize = 50

// NewPaginator returns a paginator that issues cursors through codec.
func NewPaginator[T any](codec *Codec, pageSize int) *Paginator[T] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Paginator[T]{codec: codec, pageSize: pageSize}
}

// Page returns the page of items that token points at. An empty token starts
// at the beginning. The token must have been issued for the same query.
func (p *Paginator[T]) Page(items []T, token string, q Query) (Page[T], error) {
	offset := 0
	if token != "" {
		pos, err := p.codec.Decode(token)
		if err != nil {
			return Page[T]{}, err
		}
		if pos.Fingerprint != q.Fingerprint {
			return Page[T]{}, fmt.Errorf("%w: issued for a different query", ErrInvalidCursor)
		}
		if pos.Version != q.Version {
			return Page[T]{}, fmt.Errorf("%w: expired", ErrInvalidCursor)
		}
		if pos.Offset > len(items) {
			return Page[T]{}, fmt.Errorf("%w: out of range", ErrInvalidCursor)
		}
		offset = pos.Offset
	}

	end := min(offset+p.pageSize, len(items))
	window := make([]T, end-offset)
	copy(window, items[offset:end])

	if end >= len(items) {
		return NewPage(window), nil
	}
	next, err := p.codec.Encode(Position{Offset: end, Fingerprint: q.Fingerprint, Version: q.Version})
	if err != nil {
		return Page[T]{}, err
	}
	return NewPage(window, WithNextCursor[T](next)), nil
}
