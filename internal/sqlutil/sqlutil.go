package sqlutil

import (
	"database/sql"
	"strings"
	"time"
)

func QuoteIdentifier(name, quote string) string {
	return quote + escapeIdentifier(name, quote) + quote
}

func escapeIdentifier(name, quote string) string {
	if name == "" {
		return ""
	}
	escapedQuote := quote + quote
	return strings.ReplaceAll(name, quote, escapedQuote)
}

// Placeholders returns n comma separated "?" markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Args widens values into a query argument list.
func Args[T any](values []T) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// UnixMillis is the column representation of every timestamp.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis returns the zero time for NULL.
func NullMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return FromUnixMillis(n.Int64)
}

// StringOrEmpty returns "" for NULL.
func StringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
