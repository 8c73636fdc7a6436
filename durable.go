package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Durable Document Store
// ============================================================================

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	// ErrTransient marks a failure that may succeed when retried.
	ErrTransient = errors.New("transient store failure")
)

// Collection names used by the chat schema.
const (
	CollectionMessages      = "messages"
	CollectionConversations = "conversations"
	CollectionUsers         = "users"
)

// Document is a schemaless document. Nested fields may be addressed in
// patches and filters with dotted paths ("unread.alice").
type Document = map[string]any

// Filter operators.
const (
	OpEqual         = "=="
	OpNotEqual      = "!="
	OpLess          = "<"
	OpLessEqual     = "<="
	OpGreater       = ">"
	OpGreaterEqual  = ">="
	OpArrayContains = "array-contains"
)

// Filter is a single field condition.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query selects documents of one collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Where appends a filter and returns the query.
func (q Query) Where(field, op string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// WriteKind is the kind of a batched write.
type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteUpdate
	WriteDelete
)

// WriteOp is one operation of an atomic batch.
type WriteOp struct {
	Kind       WriteKind
	Collection string
	ID         string
	Data       Document
}

// Tx is the view of the store inside a transaction. Writes become visible
// to other callers only when the transaction function returns nil.
type Tx interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Set(ctx context.Context, collection, id string, doc Document) error
	Update(ctx context.Context, collection, id string, patch Document) error
	Delete(ctx context.Context, collection, id string) error
}

// DocumentStore is the authoritative store for messages and conversations.
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Create inserts doc. The document's "id" field is used when present,
	// otherwise an identifier is generated.
	Create(ctx context.Context, collection string, doc Document) (string, error)
	Update(ctx context.Context, collection, id string, patch Document) error
	Delete(ctx context.Context, collection, id string) error
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	BatchWrite(ctx context.Context, ops []WriteOp) error
}

// ============================================================================
// Document helpers
// ============================================================================

// CloneDocument returns a deep copy of doc.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	}
	return v
}

// ApplyPatch writes every field of patch into doc. Dotted keys address
// nested maps, which are created as needed.
func ApplyPatch(doc, patch Document) Document {
	if doc == nil {
		doc = Document{}
	}
	for key, val := range patch {
		parts := strings.Split(key, ".")
		cur := doc
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = cloneValue(val)
	}
	return doc
}

// FieldValue reads a possibly dotted field path from doc.
func FieldValue(doc Document, path string) (any, bool) {
	var cur any = doc
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// compareValues orders numbers numerically, strings lexically and false
// before true. ok is false when the values are not comparable.
func compareValues(a, b any) (int, bool) {
	if af, aok := float64Of(a); aok {
		if bf, bok := float64Of(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
	}
	return 0, false
}

func containsValue(field, value any) bool {
	switch arr := field.(type) {
	case []any:
		for _, v := range arr {
			if c, ok := compareValues(v, value); ok && c == 0 {
				return true
			}
		}
	case []string:
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, v := range arr {
			if v == s {
				return true
			}
		}
	}
	return false
}

// MatchDocument reports whether doc satisfies every filter.
func MatchDocument(doc Document, filters []Filter) bool {
	for _, f := range filters {
		v, ok := FieldValue(doc, f.Field)
		if f.Op == OpArrayContains {
			if !ok || !containsValue(v, f.Value) {
				return false
			}
			continue
		}
		if !ok {
			if f.Op == OpNotEqual {
				continue
			}
			return false
		}
		c, comparable := compareValues(v, f.Value)
		var pass bool
		switch f.Op {
		case OpEqual:
			pass = comparable && c == 0
		case OpNotEqual:
			pass = !comparable || c != 0
		case OpLess:
			pass = comparable && c < 0
		case OpLessEqual:
			pass = comparable && c <= 0
		case OpGreater:
			pass = comparable && c > 0
		case OpGreaterEqual:
			pass = comparable && c >= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

// ApplyQuery filters, orders and limits docs in memory. Ties on the order
// field fall back to the document id.
func ApplyQuery(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if MatchDocument(d, q.Filters) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			a, _ := FieldValue(out[i], q.OrderBy)
			b, _ := FieldValue(out[j], q.OrderBy)
			if c, ok := compareValues(a, b); ok && c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		if q.Desc {
			return stringOf(out[i]["id"]) > stringOf(out[j]["id"])
		}
		return stringOf(out[i]["id"]) < stringOf(out[j]["id"])
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// ============================================================================
// MemoryDocumentStore
// ============================================================================

// FaultFunc lets tests fail store operations. op is one of get, query,
// create, update, delete, transaction or batch.
type FaultFunc func(op, collection string) error

// MemoryDocumentStore is a goroutine-safe in-memory DocumentStore.
type MemoryDocumentStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	fault       FaultFunc
	now         func() time.Time
}

// NewMemoryDocumentStore creates an empty in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		collections: make(map[string]map[string]Document),
		now:         time.Now,
	}
}

// SetFault installs fn to be consulted before every operation. A nil fn
// clears it.
func (s *MemoryDocumentStore) SetFault(fn FaultFunc) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

func (s *MemoryDocumentStore) inject(op, collection string) error {
	s.mu.Lock()
	fn := s.fault
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op, collection)
}

func (s *MemoryDocumentStore) lookup(collection, id string) (Document, bool) {
	docs, ok := s.collections[collection]
	if !ok {
		return nil, false
	}
	d, ok := docs[id]
	return d, ok
}

func (s *MemoryDocumentStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := s.inject("get", collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lookup(collection, id)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return CloneDocument(d), nil
}

func (s *MemoryDocumentStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := s.inject("query", collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	docs := make([]Document, 0, len(s.collections[collection]))
	for _, d := range s.collections[collection] {
		docs = append(docs, CloneDocument(d))
	}
	s.mu.Unlock()
	return ApplyQuery(docs, q), nil
}

func (s *MemoryDocumentStore) Create(ctx context.Context, collection string, doc Document) (string, error) {
	if err := s.inject("create", collection); err != nil {
		return "", err
	}
	id := stringOf(doc["id"])
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(collection, id); ok {
		return "", fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}
	s.apply(WriteOp{Kind: WriteSet, Collection: collection, ID: id, Data: doc}, s.now())
	return id, nil
}

func (s *MemoryDocumentStore) Update(ctx context.Context, collection, id string, patch Document) error {
	return s.BatchWrite(ctx, []WriteOp{{Kind: WriteUpdate, Collection: collection, ID: id, Data: patch}})
}

func (s *MemoryDocumentStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.inject("delete", collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}

func (s *MemoryDocumentStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := s.inject("transaction", ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{store: s, staged: make(map[string]stagedDoc)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryDocumentStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	op := "batch"
	if len(ops) == 1 && ops[0].Kind == WriteUpdate {
		op = "update"
	}
	coll := ""
	if len(ops) > 0 {
		coll = ops[0].Collection
	}
	if err := s.inject(op, coll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{store: s, staged: make(map[string]stagedDoc)}
	for _, w := range ops {
		var err error
		switch w.Kind {
		case WriteSet:
			err = tx.Set(ctx, w.Collection, w.ID, w.Data)
		case WriteUpdate:
			err = tx.Update(ctx, w.Collection, w.ID, w.Data)
		case WriteDelete:
			err = tx.Delete(ctx, w.Collection, w.ID)
		}
		if err != nil {
			return err
		}
	}
	tx.commit()
	return nil
}

// Len returns the number of documents in collection.
func (s *MemoryDocumentStore) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

// apply must be called with s.mu held.
func (s *MemoryDocumentStore) apply(w WriteOp, now time.Time) {
	docs, ok := s.collections[w.Collection]
	if !ok {
		docs = make(map[string]Document)
		s.collections[w.Collection] = docs
	}
	switch w.Kind {
	case WriteSet:
		d := ResolveServerValues(CloneDocument(w.Data), now).(map[string]any)
		d["id"] = w.ID
		docs[w.ID] = d
	case WriteUpdate:
		patch := ResolveServerValues(CloneDocument(w.Data), now).(map[string]any)
		docs[w.ID] = ApplyPatch(docs[w.ID], patch)
	case WriteDelete:
		delete(docs, w.ID)
	}
}

type stagedDoc struct {
	doc     Document
	deleted bool
}

// memoryTx runs with the store lock held and buffers its writes.
type memoryTx struct {
	store  *MemoryDocumentStore
	staged map[string]stagedDoc
	writes []WriteOp
}

func txKey(collection, id string) string { return collection + "/" + id }

func (tx *memoryTx) current(collection, id string) (Document, bool) {
	if st, ok := tx.staged[txKey(collection, id)]; ok {
		return st.doc, !st.deleted
	}
	return tx.store.lookup(collection, id)
}

func (tx *memoryTx) Get(ctx context.Context, collection, id string) (Document, error) {
	d, ok := tx.current(collection, id)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return CloneDocument(d), nil
}

func (tx *memoryTx) Set(ctx context.Context, collection, id string, doc Document) error {
	d := CloneDocument(doc)
	if d == nil {
		d = Document{}
	}
	d["id"] = id
	tx.staged[txKey(collection, id)] = stagedDoc{doc: d}
	tx.writes = append(tx.writes, WriteOp{Kind: WriteSet, Collection: collection, ID: id, Data: doc})
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, collection, id string, patch Document) error {
	d, ok := tx.current(collection, id)
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	tx.staged[txKey(collection, id)] = stagedDoc{doc: ApplyPatch(CloneDocument(d), patch)}
	tx.writes = append(tx.writes, WriteOp{Kind: WriteUpdate, Collection: collection, ID: id, Data: patch})
	return nil
}

func (tx *memoryTx) Delete(ctx context.Context, collection, id string) error {
	tx.staged[txKey(collection, id)] = stagedDoc{deleted: true}
	tx.writes = append(tx.writes, WriteOp{Kind: WriteDelete, Collection: collection, ID: id})
	return nil
}

func (tx *memoryTx) commit() {
	now := tx.store.now()
	for _, w := range tx.writes {
		tx.store.apply(w, now)
	}
}
