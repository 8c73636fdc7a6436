package mongodoc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/linkwave/chatsync"
)

func TestTranslateQuery(t *testing.T) {
	tests := []struct {
		name string
		q    chatsync.Query
		want bson.M
	}{
		{
			name: "equality",
			q:    chatsync.Query{}.Where("conversationId", chatsync.OpEqual, "alice_bob"),
			want: bson.M{"conversationId": bson.M{"$eq": "alice_bob"}},
		},
		{
			name: "array contains",
			q:    chatsync.Query{}.Where("participants", chatsync.OpArrayContains, "alice"),
			want: bson.M{"participants": bson.M{"$eq": "alice"}},
		},
		{
			name: "range merges on one field",
			q: chatsync.Query{}.
				Where("createdAt", chatsync.OpGreaterEqual, int64(10)).
				Where("createdAt", chatsync.OpLess, int64(20)),
			want: bson.M{"createdAt": bson.M{"$gte": int64(10), "$lt": int64(20)}},
		},
		{
			name: "id maps to _id",
			q:    chatsync.Query{}.Where("id", chatsync.OpNotEqual, "x"),
			want: bson.M{"_id": bson.M{"$ne": "x"}},
		},
		{
			name: "dotted path",
			q:    chatsync.Query{}.Where("unread.bob", chatsync.OpGreater, 0).Where("read", chatsync.OpLessEqual, true),
			want: bson.M{"unread.bob": bson.M{"$gt": 0}, "read": bson.M{"$lte": true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := translateQuery(tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := translateQuery(chatsync.Query{}.Where("x", "~=", 1))
	assert.Error(t, err)
}

func TestSortFor(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "_id", Value: 1}}, sortFor(chatsync.Query{}))
	assert.Equal(t,
		bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}},
		sortFor(chatsync.Query{OrderBy: "createdAt", Desc: true}))
}

func TestConversion(t *testing.T) {
	s := New(nil, nil)
	s.now = func() time.Time { return time.UnixMilli(42) }

	out := s.toBSON("m1", chatsync.Document{"id": "ignored", "text": "hi", "committedAt": chatsync.ServerTimestamp})
	assert.Equal(t, "m1", out["_id"])
	assert.Equal(t, int64(42), out["committedAt"])
	_, hasID := out["id"]
	assert.False(t, hasID)

	doc := fromBSON(bson.M{
		"_id":          "c1",
		"seq":          int32(3),
		"participants": primitive.A{"alice", "bob"},
		"unread":       primitive.M{"bob": int32(1)},
		"profiles":     primitive.D{{Key: "alice", Value: primitive.M{"displayName": "Alice"}}},
		"at":           primitive.DateTime(1000),
	})
	assert.Equal(t, "c1", doc["id"])
	assert.NotContains(t, doc, "_id")
	assert.Equal(t, int64(3), doc["seq"])
	assert.Equal(t, []any{"alice", "bob"}, doc["participants"])
	v, ok := chatsync.FieldValue(doc, "unread.bob")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
	v, _ = chatsync.FieldValue(doc, "profiles.alice.displayName")
	assert.Equal(t, "Alice", v)
	assert.Equal(t, int64(1000), doc["at"])
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(context.DeadlineExceeded), context.DeadlineExceeded)
	assert.NotErrorIs(t, classify(assert.AnError), chatsync.ErrTransient)
}

// TestStoreIntegration runs against a replica set named by
// CHATSYNC_MONGO_URI.
func TestStoreIntegration(t *testing.T) {
	uri := os.Getenv("CHATSYNC_MONGO_URI")
	if uri == "" {
		t.Skip("CHATSYNC_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, uri, "chatsync_test_"+time.Now().Format("20060102150405"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.db.Drop(ctx)
		_ = s.Close(ctx)
	})
	require.NoError(t, s.EnsureIndexes(ctx))

	repo := chatsync.NewRepository(s, nil)
	msg := chatsync.Message{
		ID:             "01INTEGRATION",
		ConversationID: "alice_bob",
		SenderID:       "alice",
		ReceiverID:     "bob",
		Text:           "hello",
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		Status:         chatsync.StatusSent,
	}
	seq, err := repo.CommitMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	page, err := repo.MessagesPage(ctx, "alice_bob", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "hello", page[0].Text)

	ids, err := repo.MarkRead(ctx, "alice_bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, ids)

	c, err := repo.Conversation(ctx, "alice_bob", "bob")
	require.NoError(t, err)
	assert.Zero(t, c.UnreadCount)

	_, err = s.Get(ctx, chatsync.CollectionMessages, "missing")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
}
