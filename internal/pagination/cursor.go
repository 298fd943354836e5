// Package pagination implements keyset pagination over (created_at, id).
// Cursors are opaque to clients: base64 of "<unix nanos>|<id>".
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrInvalidLimit  = errors.New("limit must be a positive integer")
)

// Cursor is the last row of the previous page. The next page holds rows
// strictly older than it, ties broken by descending id.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Page is one slice of a newest-first listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// HasMore reports whether another page follows.
func (p Page[T]) HasMore() bool { return p.NextCursor != "" }

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosText, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosText, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ParseLimit reads a page size from a query value. Empty yields def; values
// above max are clamped.
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, ErrInvalidLimit
	}
	if n > max {
		n = max
	}
	return n, nil
}

// ComputePage trims items fetched with limit+1 to limit and sets the
// cursor for the next page when the extra row was present.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return Page[T]{Items: items, NextCursor: Encode(createdAt, id)}
}
