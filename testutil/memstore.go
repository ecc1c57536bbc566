package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/roster-herald/docstore"
)

// MemStore is an in-memory docstore.Store for tests. Fields round-trip
// through JSON on write so typed accessors see the same shapes they would
// reading from Postgres (numbers as float64, nested maps as map[string]any).
// Transactions run under the store lock, so they are trivially serializable.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]docstore.Doc

	// FailWrites, when set, makes every write return this error.
	FailWrites error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{docs: map[string]docstore.Doc{}}
}

func (s *MemStore) Get(ctx context.Context, path string) (docstore.Doc, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(path)
}

func (s *MemStore) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(path, fields, merge)
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(path)
}

func (s *MemStore) List(ctx context.Context, collection string) ([]docstore.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []docstore.Doc
	for path, d := range s.docs {
		if docstore.CollectionOf(path) == collection {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]docstore.Doc, len(s.docs))
	for k, v := range s.docs {
		snapshot[k] = v
	}
	if err := fn(ctx, memTx{s}); err != nil {
		s.docs = snapshot
		return err
	}
	return nil
}

type memTx struct{ s *MemStore }

func (t memTx) Get(ctx context.Context, path string) (docstore.Doc, bool, error) {
	d, ok, err := t.s.get(path)
	return d, ok, err
}

func (t memTx) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	return t.s.set(path, fields, merge)
}

func (t memTx) Delete(ctx context.Context, path string) error { return t.s.delete(path) }

func (s *MemStore) get(path string) (docstore.Doc, bool, error) {
	d, ok := s.docs[path]
	if !ok {
		return docstore.Doc{}, false, nil
	}
	return d, true, nil
}

func (s *MemStore) set(path string, fields map[string]any, merge bool) error {
	if s.FailWrites != nil {
		return s.FailWrites
	}
	next := map[string]any{}
	if merge {
		if prev, ok := s.docs[path]; ok {
			for k, v := range prev.Fields {
				next[k] = v
			}
		}
	}
	for k, v := range fields {
		if v == docstore.DeleteField {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	normalized, err := roundTrip(next)
	if err != nil {
		return err
	}
	s.docs[path] = docstore.Doc{Path: path, Fields: normalized, UpdatedAt: time.Now()}
	return nil
}

func (s *MemStore) delete(path string) error {
	if s.FailWrites != nil {
		return s.FailWrites
	}
	delete(s.docs, path)
	return nil
}

func roundTrip(fields map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return out, nil
}
