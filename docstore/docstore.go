// Package docstore provides a small document-store abstraction over Postgres:
// path-addressed JSON documents grouped into collections, with merge writes,
// field-level deletes, read-then-write transactions, and a polling change watcher.
package docstore

import (
	"context"
	"time"
)

// Doc is one stored document. Fields round-trips through JSON, so numbers
// decode as float64 and nested maps as map[string]any; use the typed
// accessors below when reading persisted state.
type Doc struct {
	Path      string
	Fields    map[string]any
	UpdatedAt time.Time
}

type deleteField struct{}

// DeleteField is a sentinel value: setting a field to DeleteField in a merge
// write removes that field from the stored document.
var DeleteField = deleteField{}

// Tx is the operation set available both directly and inside a transaction.
type Tx interface {
	Get(ctx context.Context, path string) (Doc, bool, error)
	Set(ctx context.Context, path string, fields map[string]any, merge bool) error
	Delete(ctx context.Context, path string) error
}

// Store is the full contract the service consumes. RunTransaction has
// read-then-write semantics: concurrent conflicting transactions abort and
// the function is retried from scratch.
type Store interface {
	Tx
	List(ctx context.Context, collection string) ([]Doc, error)
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Str returns a string field, or "" when absent or not a string.
func (d Doc) Str(key string) string {
	if v, ok := d.Fields[key].(string); ok {
		return v
	}
	return ""
}

// Int returns a numeric field as int, or 0 when absent.
func (d Doc) Int(key string) int {
	switch v := d.Fields[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Float returns a numeric field, or 0 when absent.
func (d Doc) Float(key string) float64 {
	switch v := d.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// StrMap returns a nested object field as map[string]string, skipping
// non-string values. Always returns a non-nil map.
func (d Doc) StrMap(key string) map[string]string {
	out := map[string]string{}
	if m, ok := d.Fields[key].(map[string]any); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// StrSlice returns an array field as []string, skipping non-string elements.
func (d Doc) StrSlice(key string) []string {
	var out []string
	if a, ok := d.Fields[key].([]any); ok {
		for _, v := range a {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
