// Package pagination provides opaque cursors over the sequence numbers of
// an append-only log.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const prefix = "seq:"

// Encode returns an opaque cursor positioned after seq.
func Encode(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + strconv.FormatInt(seq, 10)))
}

// Decode returns the sequence number a cursor points after. An empty
// cursor decodes to 0, the start of the log.
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	body, ok := strings.CutPrefix(string(raw), prefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(body, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// ComputePage takes items fetched with limit+1, trims them to limit and
// returns the cursor for the next page, or "" when there is none.
func ComputePage[T any](items []T, limit int, seqOf func(T) int64) ([]T, string, bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(seqOf(items[len(items)-1])), true
}
