// Package sqlitedoc implements chatsync.DocumentStore on an embedded
// SQLite database, storing every document as a JSON body.
package sqlitedoc

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/linkwave/chatsync"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, id)
);
`

// Store is a chatsync.DocumentStore over SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// Serialize access so that transactions never contend for the write lock.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Get(ctx context.Context, collection, id string) (chatsync.Document, error) {
	return get(ctx, s.db, collection, id)
}

func (s *Store) Query(ctx context.Context, collection string, q chatsync.Query) ([]chatsync.Document, error) {
	stmt := `SELECT body FROM documents WHERE collection = ?`
	args := []any{collection}
	// Equality on strings is pushed down; everything else is evaluated in memory.
	for _, f := range q.Filters {
		if v, ok := f.Value.(string); ok && f.Op == chatsync.OpEqual {
			stmt += ` AND json_extract(body, ?) = ?`
			args = append(args, "$."+f.Field, v)
		}
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var docs []chatsync.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := decode(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return chatsync.ApplyQuery(docs, q), nil
}

func (s *Store) Create(ctx context.Context, collection string, doc chatsync.Document) (string, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	body, err := s.encode(id, doc)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)`, collection, id, body)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return "", fmt.Errorf("%s/%s: %w", collection, id, chatsync.ErrAlreadyExists)
		}
		return "", classify(err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch chatsync.Document) error {
	return s.BatchWrite(ctx, []chatsync.WriteOp{{Kind: chatsync.WriteUpdate, Collection: collection, ID: id, Data: patch}})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return classify(err)
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx chatsync.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(ctx, &tx{store: s, q: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) BatchWrite(ctx context.Context, ops []chatsync.WriteOp) error {
	return s.Transaction(ctx, func(ctx context.Context, t chatsync.Tx) error {
		for _, w := range ops {
			var err error
			switch w.Kind {
			case chatsync.WriteSet:
				err = t.Set(ctx, w.Collection, w.ID, w.Data)
			case chatsync.WriteUpdate:
				err = t.Update(ctx, w.Collection, w.ID, w.Data)
			case chatsync.WriteDelete:
				err = t.Delete(ctx, w.Collection, w.ID)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type tx struct {
	store *Store
	q     querier
}

func (t *tx) Get(ctx context.Context, collection, id string) (chatsync.Document, error) {
	return get(ctx, t.q, collection, id)
}

func (t *tx) Set(ctx context.Context, collection, id string, doc chatsync.Document) error {
	body, err := t.store.encode(id, doc)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP
	`, collection, id, body)
	return classify(err)
}

func (t *tx) Update(ctx context.Context, collection, id string, patch chatsync.Document) error {
	doc, err := get(ctx, t.q, collection, id)
	if err != nil {
		return err
	}
	resolved := chatsync.ResolveServerValues(chatsync.CloneDocument(patch), t.store.now()).(map[string]any)
	return t.Set(ctx, collection, id, chatsync.ApplyPatch(doc, resolved))
}

func (t *tx) Delete(ctx context.Context, collection, id string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return classify(err)
}

func get(ctx context.Context, q querier, collection, id string) (chatsync.Document, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, chatsync.ErrNotFound)
		}
		return nil, classify(err)
	}
	return decode(body)
}

func (s *Store) encode(id string, doc chatsync.Document) (string, error) {
	resolved := chatsync.ResolveServerValues(chatsync.CloneDocument(doc), s.now()).(map[string]any)
	resolved["id"] = id
	b, err := json.Marshal(resolved)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", id, err)
	}
	return string(b), nil
}

func decode(body string) (chatsync.Document, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return normalizeNumbers(doc).(map[string]any), nil
}

// normalizeNumbers turns integral JSON numbers into int64 and the rest
// into float64.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if !bytes.ContainsAny([]byte(t), ".eE") {
			if i, err := t.Int64(); err == nil {
				return i
			}
		}
		f, _ := t.Float64()
		return f
	}
	return v
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", chatsync.ErrTransient, err)
	}
	return err
}
