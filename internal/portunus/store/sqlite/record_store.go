package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/portunus-nfc/internal/db"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
)

// RecordStore persists the record tree as JSON documents in the records
// table.  A write to a path below a stored document rewrites that document;
// a write to a path with no stored ancestor becomes its own row.  Either way
// no stored path is a prefix of another, so a subtree is one primary-key
// range scan.
//
// Writes run through the single-writer Worker, so every read-modify-write on
// a path is one transaction.
type RecordStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewRecordStore(db *sql.DB, writer *dbpkg.Worker) *RecordStore {
	return &RecordStore{db: db, writer: writer, now: time.Now}
}

var _ store.RecordStore = (*RecordStore)(nil)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (s *RecordStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return nil, err
	}
	node, ok, err := load(ctx, s.db, segs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return json.Marshal(node)
}

func (s *RecordStore) Exists(ctx context.Context, path string) (bool, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return false, err
	}
	_, ok, err := load(ctx, s.db, segs)
	return ok, err
}

func (s *RecordStore) Query(ctx context.Context, collection string, conds ...store.Condition) ([]store.Record, error) {
	segs, err := store.SplitPath(collection)
	if err != nil {
		return nil, err
	}
	node, ok, err := load(ctx, s.db, segs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return store.Children(node, conds)
}

// ── Writes ──────────────────────────────────────────────────────────────────

func (s *RecordStore) Set(ctx context.Context, path string, value any) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	v, err := store.Normalize(value)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.setTx(ctx, tx, segs, v); err != nil {
			return fmt.Errorf("Set %s: %w", path, err)
		}
		return nil
	})
}

func (s *RecordStore) Update(ctx context.Context, path string, fields map[string]any) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	nf, err := store.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, _, err := load(ctx, tx, segs)
		if err != nil {
			return fmt.Errorf("Update %s: %w", path, err)
		}
		if err := s.setTx(ctx, tx, segs, store.Merge(cur, nf)); err != nil {
			return fmt.Errorf("Update %s: %w", path, err)
		}
		return nil
	})
}

func (s *RecordStore) Push(ctx context.Context, collection string, value any) (string, error) {
	if _, err := store.SplitPath(collection); err != nil {
		return "", err
	}
	key := store.NewKey()
	if err := s.Set(ctx, store.JoinPath(collection, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RecordStore) Remove(ctx context.Context, path string) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.setTx(ctx, tx, segs, nil); err != nil {
			return fmt.Errorf("Remove %s: %w", path, err)
		}
		return nil
	})
}

// setTx writes v (nil removes) at segs inside tx.
func (s *RecordStore) setTx(ctx context.Context, tx *sql.Tx, segs []string, v any) error {
	nowMs := s.now().UTC().UnixMilli()

	ownerSegs, doc, found, err := findOwner(ctx, tx, segs)
	if err != nil {
		return err
	}

	if found && len(ownerSegs) < len(segs) {
		// Path lives inside a stored document: rewrite the document.
		root, ok := doc.(map[string]any)
		if !ok {
			if v == nil {
				return nil
			}
			root = map[string]any{}
		}
		rel := segs[len(ownerSegs):]
		ownerPath := store.JoinPath(ownerSegs...)
		if v == nil {
			store.DeleteIn(root, rel)
			if len(root) == 0 {
				_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE path = ?;`, ownerPath)
				return err
			}
		} else {
			store.SetIn(root, rel, v)
		}
		return putRow(ctx, tx, ownerPath, root, nowMs)
	}

	path := store.JoinPath(segs...)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE path >= ? AND path < ?;`, path+"/", path+"0",
	); err != nil {
		return fmt.Errorf("delete subtree: %w", err)
	}

	if v == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE path = ?;`, path); err != nil {
			return fmt.Errorf("delete row: %w", err)
		}
		return nil
	}
	return putRow(ctx, tx, path, v, nowMs)
}

func putRow(ctx context.Context, tx *sql.Tx, path string, v any, nowMs int64) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO records(path, value, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  value = excluded.value,
  updated_at_ms = excluded.updated_at_ms;
`, path, string(b), nowMs, nowMs); err != nil {
		return fmt.Errorf("upsert row: %w", err)
	}
	return nil
}

// ── Tree assembly ───────────────────────────────────────────────────────────

// load resolves segs to a decoded node: from the owning document when one
// exists, otherwise by assembling every row below the path.
func load(ctx context.Context, q querier, segs []string) (any, bool, error) {
	ownerSegs, doc, found, err := findOwner(ctx, q, segs)
	if err != nil {
		return nil, false, err
	}
	if found {
		node, ok := store.GetIn(doc, segs[len(ownerSegs):])
		return node, ok, nil
	}

	path := store.JoinPath(segs...)
	rows, err := q.QueryContext(ctx,
		`SELECT path, value FROM records WHERE path >= ? AND path < ? ORDER BY path;`,
		path+"/", path+"0")
	if err != nil {
		return nil, false, fmt.Errorf("scan subtree: %w", err)
	}
	defer rows.Close()

	root := map[string]any{}
	n := 0
	for rows.Next() {
		var p, raw string
		if err := rows.Scan(&p, &raw); err != nil {
			return nil, false, fmt.Errorf("scan row: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", p, err)
		}
		store.SetIn(root, strings.Split(strings.TrimPrefix(p, path+"/"), "/"), v)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	return root, true, nil
}

// findOwner returns the stored row at segs or at its nearest ancestor.
func findOwner(ctx context.Context, q querier, segs []string) ([]string, any, bool, error) {
	candidates := make([]any, len(segs))
	placeholders := make([]string, len(segs))
	for i := range segs {
		candidates[i] = store.JoinPath(segs[:i+1]...)
		placeholders[i] = "?"
	}

	rows, err := q.QueryContext(ctx,
		`SELECT path, value FROM records WHERE path IN (`+strings.Join(placeholders, ",")+`) ORDER BY length(path) DESC LIMIT 1;`,
		candidates...)
	if err != nil {
		return nil, nil, false, fmt.Errorf("find owner: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil, false, rows.Err()
	}
	var p, raw string
	if err := rows.Scan(&p, &raw); err != nil {
		return nil, nil, false, fmt.Errorf("scan owner: %w", err)
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, nil, false, fmt.Errorf("decode %s: %w", p, err)
	}
	return strings.Split(p, "/"), doc, true, nil
}

// Ping is a cheap liveness probe for health reporting.
func (s *RecordStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
