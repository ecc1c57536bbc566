package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PGStore implements Store on a Postgres documents table (jsonb fields column).
type PGStore struct {
	DB *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{DB: db} }

// CollectionOf returns the collection a document path belongs to: the path
// minus its final segment. A path with no slash has an empty collection.
func CollectionOf(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDoc(ctx context.Context, q querier, path string) (Doc, bool, error) {
	var raw []byte
	var updated time.Time
	err := q.QueryRowContext(ctx, `SELECT fields, updated_at FROM documents WHERE path=$1`, path).Scan(&raw, &updated)
	if err == sql.ErrNoRows {
		return Doc{}, false, nil
	}
	if err != nil {
		return Doc{}, false, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Doc{}, false, fmt.Errorf("decode document %s: %w", path, err)
	}
	return Doc{Path: path, Fields: fields, UpdatedAt: updated}, true, nil
}

// splitSentinels partitions fields into storable values and keys marked with
// DeleteField. Delete keys only matter for merge writes; on a full overwrite
// they are simply absent.
func splitSentinels(fields map[string]any) (map[string]any, []string) {
	store := make(map[string]any, len(fields))
	var deletes []string
	for k, v := range fields {
		if _, ok := v.(deleteField); ok {
			deletes = append(deletes, k)
			continue
		}
		store[k] = v
	}
	return store, deletes
}

func setDoc(ctx context.Context, q querier, path string, fields map[string]any, merge bool) error {
	store, deletes, err := encodeFields(fields)
	if err != nil {
		return err
	}
	collection := CollectionOf(path)
	if merge {
		// jsonb || merges top-level keys; - text[] then strips delete-marked keys.
		_, err = q.ExecContext(ctx, `INSERT INTO documents (path, collection, fields, updated_at)
			VALUES ($1,$2,$3::jsonb,NOW())
			ON CONFLICT(path) DO UPDATE SET
				fields = (documents.fields || EXCLUDED.fields) - $4::text[],
				updated_at = NOW()`, path, collection, store, deleteArray(deletes))
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO documents (path, collection, fields, updated_at)
		VALUES ($1,$2,$3::jsonb,NOW())
		ON CONFLICT(path) DO UPDATE SET fields = EXCLUDED.fields, updated_at = NOW()`, path, collection, store)
	return err
}

func encodeFields(fields map[string]any) (string, []string, error) {
	store, deletes := splitSentinels(fields)
	raw, err := json.Marshal(store)
	if err != nil {
		return "", nil, fmt.Errorf("encode fields: %w", err)
	}
	return string(raw), deletes, nil
}

// deleteArray renders a Postgres text[] literal. Keys are document field
// names under our control (no quoting hazards beyond the escape below).
func deleteArray(keys []string) string {
	if len(keys) == 0 {
		return "{}"
	}
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = `"` + strings.ReplaceAll(k, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

func deleteDoc(ctx context.Context, q querier, path string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM documents WHERE path=$1`, path)
	return err
}

func listDocs(ctx context.Context, q querier, collection string) ([]Doc, error) {
	rows, err := q.QueryContext(ctx, `SELECT path, fields, updated_at FROM documents WHERE collection=$1 ORDER BY path`, collection)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Doc
	for rows.Next() {
		var path string
		var raw []byte
		var updated time.Time
		if err := rows.Scan(&path, &raw, &updated); err != nil {
			return nil, err
		}
		fields := map[string]any{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", path, err)
		}
		out = append(out, Doc{Path: path, Fields: fields, UpdatedAt: updated})
	}
	return out, rows.Err()
}

func (s *PGStore) Get(ctx context.Context, path string) (Doc, bool, error) {
	return getDoc(ctx, s.DB, path)
}

func (s *PGStore) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	return setDoc(ctx, s.DB, path, fields, merge)
}

func (s *PGStore) Delete(ctx context.Context, path string) error {
	return deleteDoc(ctx, s.DB, path)
}

func (s *PGStore) List(ctx context.Context, collection string) ([]Doc, error) {
	return listDocs(ctx, s.DB, collection)
}

type pgTx struct{ tx *sql.Tx }

func (t pgTx) Get(ctx context.Context, path string) (Doc, bool, error) {
	return getDoc(ctx, t.tx, path)
}

func (t pgTx) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	return setDoc(ctx, t.tx, path, fields, merge)
}

func (t pgTx) Delete(ctx context.Context, path string) error {
	return deleteDoc(ctx, t.tx, path)
}

// RunTransaction runs fn inside a serializable transaction. Serialization
// conflicts (SQLSTATE 40001) abort and retry fn from scratch, so fn must be
// safe to re-run; any other error rolls back and propagates.
func (s *PGStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		slog.Debug("transaction serialization conflict; retrying", slog.Int("attempt", attempt+1), slog.String("component", "docstore"))
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func (s *PGStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}
