package mcpserver

import "strconv"

// Page is one page of a listing plus the cursor for the next page, if any.
//
// Items is never nil; NewPage normalizes nil input to an empty slice.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// PageOption configures a Page constructed via NewPage.
type PageOption[T any] func(*Page[T])

// WithNextCursor marks that more results follow.
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

// Cursor returns the next cursor or "" on the last page.
func (p Page[T]) Cursor() string {
	if p.NextCursor == nil {
		return ""
	}
	return *p.NextCursor
}

// paginate slices all starting at the offset encoded in cursor. A size of
// zero or less disables paging. Cursors that do not parse restart at the
// first page.
func paginate[T any](all []T, cursor *string, size int) Page[T] {
	if size <= 0 {
		return NewPage(all)
	}
	start := parseCursor(cursor)
	if start < 0 || start > len(all) {
		start = 0
	}
	end := start + size
	if end >= len(all) {
		return NewPage(all[start:])
	}
	return NewPage(all[start:end], WithNextCursor[T](strconv.Itoa(end)))
}

func parseCursor(cursor *string) int {
	if cursor == nil || *cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(*cursor)
	if err != nil {
		return 0
	}
	return n
}
