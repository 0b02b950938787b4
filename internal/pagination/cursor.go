// Package pagination provides opaque offset cursors for paging through
// ordered result lists.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Limits
const (
	DefaultLimit = 1000
	MaxLimit     = 10000
)

// ErrInvalidCursor is returned for cursors that do not decode or belong to
// another list.
var ErrInvalidCursor = errors.New("invalid cursor")

// Encode returns an opaque cursor for offset within the list named scope.
func Encode(scope string, offset int) string {
	raw := fmt.Sprintf("%d|%s", offset, scope)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor issued for scope. An empty cursor is offset 0.
func Decode(s, scope string) (int, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] != scope {
		return 0, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(parts[0])
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor
	}
	return offset, nil
}

// ParseLimit reads a page size. Empty means DefaultLimit; values above
// MaxLimit are capped.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, MaxLimit), nil
}

// Window returns items[offset:offset+limit] and the offset of the next page.
// hasMore is false on the last page.
func Window[T any](items []T, offset, limit int) (page []T, next int, hasMore bool) {
	if offset >= len(items) {
		return items[:0], len(items), false
	}
	end := min(offset+limit, len(items))
	return items[offset:end], end, end < len(items)
}
