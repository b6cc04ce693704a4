package cursor

import (
	"errors"
	"testing"
)

func collect(t *testing.T, p *Paginator[int], items []int, q Query) ([]int, int) {
	t.Helper()
	var out []int
	token := ""
	trips := 0
	for {
		page, err := p.Page(items, token, q)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		trips++
		out = append(out, page.Items...)
		if page.NextCursor == nil {
			return out, trips
		}
		token = *page.NextCursor
		if trips > len(items)+1 {
			t.Fatalf("pagination did not terminate")
		}
	}
}

func TestPaginator_FullEnumerationAnyPageSize(t *testing.T) {
	t.Parallel()
	codec := mustCodec(t, testKey(3))
	items := make([]int, 23)
	for i := range items {
		items[i] = i
	}
	q := Query{Fingerprint: Fingerprint("ints", "asc")}

	for size := 1; size <= 30; size++ {
		got, _ := collect(t, NewPaginator[int](codec, size), items, q)
		if len(got) != len(items) {
			t.Fatalf("size %d: got %d items, want %d", size, len(got), len(items))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("size %d: item %d = %d (duplicate or omission)", size, i, v)
			}
		}
	}
}

func TestPaginator_TwoRoundTrips(t *testing.T) {
	t.Parallel()
	codec := mustCodec(t, testKey(4))
	items := []int{1, 2, 3, 4, 5}
	p := NewPaginator[int](codec, 3)

	first, err := p.Page(items, "", Query{})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(first.Items) != 3 || first.NextCursor == nil {
		t.Fatalf("unexpected first page: %+v", first)
	}
	second, err := p.Page(items, *first.NextCursor, Query{})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(second.Items) != 2 || second.NextCursor != nil {
		t.Fatalf("unexpected second page: %+v", second)
	}

	again, err := p.Page(items, *first.NextCursor, Query{})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(again.Items) != 2 || again.Items[0] != 4 {
		t.Fatalf("re-presented cursor yielded %+v", again)
	}
}

func TestPaginator_RejectsMismatchedQuery(t *testing.T) {
	t.Parallel()
	codec := mustCodec(t, testKey(5))
	items := []int{1, 2, 3, 4}
	p := NewPaginator[int](codec, 2)

	first, err := p.Page(items, "", Query{Fingerprint: Fingerprint("a"), Version: "1"})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	tok := *first.NextCursor

	if _, err := p.Page(items, tok, Query{Fingerprint: Fingerprint("b"), Version: "1"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor for different filter, got %v", err)
	}
	if _, err := p.Page(items, tok, Query{Fingerprint: Fingerprint("a"), Version: "2"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor for new version, got %v", err)
	}
	if _, err := p.Page(items, "garbage", Query{Fingerprint: Fingerprint("a"), Version: "1"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor for garbage, got %v", err)
	}
}

func TestPaginator_EmptyCollection(t *testing.T) {
	t.Parallel()
	codec := mustCodec(t, testKey(6))
	page, err := NewPaginator[string](codec, 10).Page(nil, "", Query{})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if page.Items == nil || len(page.Items) != 0 || page.NextCursor != nil {
		t.Fatalf("unexpected page: %+v", page)
	}
}
