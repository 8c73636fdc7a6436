// Package mongodoc implements chatsync.DocumentStore on MongoDB.
package mongodoc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/linkwave/chatsync"
)

const connectTimeout = 10 * time.Second

// Store is a chatsync.DocumentStore over one MongoDB database. Each chat
// collection maps to a MongoDB collection of the same name and the
// document id is stored as _id. Transactions require a replica set.
type Store struct {
	db     *mongo.Database
	logger *zap.Logger
	now    func() time.Time
}

// Connect dials uri, verifies the connection and returns a store over
// database.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return New(client.Database(database), logger), nil
}

// New wraps an open database.
func New(db *mongo.Database, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Client().Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

// EnsureIndexes creates the indexes used by the chat queries.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(chatsync.CollectionMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "read", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	_, err = s.db.Collection(chatsync.CollectionConversations).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}, {Key: "lastMessageAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create conversation indexes: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (chatsync.Document, error) {
	return s.get(ctx, collection, id)
}

func (s *Store) get(ctx context.Context, collection, id string) (chatsync.Document, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, NewFilter().ID(id).Build()).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, chatsync.ErrNotFound)
		}
		return nil, classify(err)
	}
	return fromBSON(raw), nil
}

func (s *Store) Query(ctx context.Context, collection string, q chatsync.Query) ([]chatsync.Document, error) {
	filter, err := translateQuery(q)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(sortFor(q))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, classify(err)
	}
	out := make([]chatsync.Document, 0, len(raws))
	for _, r := range raws {
		out = append(out, fromBSON(r))
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, collection string, doc chatsync.Document) (string, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.Collection(collection).InsertOne(ctx, s.toBSON(id, doc))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%s/%s: %w", collection, id, chatsync.ErrAlreadyExists)
		}
		return "", classify(err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch chatsync.Document) error {
	return s.update(ctx, collection, id, patch)
}

func (s *Store) update(ctx context.Context, collection, id string, patch chatsync.Document) error {
	set := chatsync.ResolveServerValues(chatsync.CloneDocument(patch), s.now()).(map[string]any)
	res, err := s.db.Collection(collection).UpdateOne(ctx, NewFilter().ID(id).Build(), bson.M{"$set": set})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, chatsync.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.delete(ctx, collection, id)
}

func (s *Store) delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, NewFilter().ID(id).Build()); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) set(ctx context.Context, collection, id string, doc chatsync.Document) error {
	_, err := s.db.Collection(collection).ReplaceOne(ctx, NewFilter().ID(id).Build(), s.toBSON(id, doc),
		options.Replace().SetUpsert(true))
	return classify(err)
}

// Transaction runs fn inside a MongoDB multi-document transaction. The
// driver retries fn on transient transaction errors.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx chatsync.Tx) error) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return classify(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &tx{store: s})
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// BatchWrite applies ops in one transaction.
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

// tx issues its operations with the session context it is handed.
type tx struct {
	store *Store
}

func (t *tx) Get(ctx context.Context, collection, id string) (chatsync.Document, error) {
	return t.store.get(ctx, collection, id)
}

func (t *tx) Set(ctx context.Context, collection, id string, doc chatsync.Document) error {
	return t.store.set(ctx, collection, id, doc)
}

func (t *tx) Update(ctx context.Context, collection, id string, patch chatsync.Document) error {
	return t.store.update(ctx, collection, id, patch)
}

func (t *tx) Delete(ctx context.Context, collection, id string) error {
	return t.store.delete(ctx, collection, id)
}

// -----------------------------------------------------------------------------
// Conversion
// -----------------------------------------------------------------------------

func (s *Store) toBSON(id string, doc chatsync.Document) bson.M {
	resolved := chatsync.ResolveServerValues(chatsync.CloneDocument(doc), s.now()).(map[string]any)
	out := bson.M{}
	for k, v := range resolved {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	out["_id"] = id
	return out
}

// fromBSON converts a decoded document into plain Go values.
func fromBSON(raw bson.M) chatsync.Document {
	doc := normalize(map[string]any(raw)).(map[string]any)
	if id, ok := doc["_id"]; ok {
		doc["id"] = id
		delete(doc, "_id")
	}
	return doc
}

func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		return normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		return normalize([]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int32:
		return int64(t)
	case primitive.DateTime:
		return int64(t)
	case primitive.ObjectID:
		return t.Hex()
	}
	return v
}

// classify marks network failures and transient transaction errors as
// retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var se mongo.ServerError
	transient := errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError")
	if transient || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %w", chatsync.ErrTransient, err)
	}
	return err
}
