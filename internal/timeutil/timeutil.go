// Package timeutil formats and parses the timestamps stored in
// the operations table.
package timeutil

import "time"

// Format returns t as an RFC3339Nano string in UTC, or "" for
// the zero time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// sortableLayout has fixed-width fractional seconds so that
// stored values compare correctly as strings.
const sortableLayout = "2006-01-02T15:04:05.000000000Z"

// FormatSortable returns t in UTC with fixed-width nanoseconds.
// Use it for columns compared or ordered in SQL.
func FormatSortable(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sortableLayout)
}

// Ptr is like Format but returns nil for the zero time, for
// nullable columns.
func Ptr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := Format(t)
	return &s
}

// Parse is the inverse of Format. Empty input yields the zero
// time.
func Parse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ParsePtr parses a nullable column value.
func ParsePtr(s *string) (time.Time, error) {
	if s == nil {
		return time.Time{}, nil
	}
	return Parse(*s)
}
