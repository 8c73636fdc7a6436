package sqlitedoc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwave/chatsync"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	id, err := s.Create(ctx, chatsync.CollectionUsers, chatsync.Document{"id": "alice", "displayName": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = s.Create(ctx, chatsync.CollectionUsers, chatsync.Document{"id": "alice"})
	assert.ErrorIs(t, err, chatsync.ErrAlreadyExists)

	require.NoError(t, s.Update(ctx, chatsync.CollectionUsers, "alice", chatsync.Document{"stats.logins": int64(2)}))
	doc, err := s.Get(ctx, chatsync.CollectionUsers, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", doc["displayName"])
	v, ok := chatsync.FieldValue(doc, "stats.logins")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)

	assert.ErrorIs(t, s.Update(ctx, chatsync.CollectionUsers, "bob", chatsync.Document{"x": 1}), chatsync.ErrNotFound)

	require.NoError(t, s.Delete(ctx, chatsync.CollectionUsers, "alice"))
	_, err = s.Get(ctx, chatsync.CollectionUsers, "alice")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
}

func TestStoreTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	err := s.Transaction(ctx, func(ctx context.Context, tx chatsync.Tx) error {
		if err := tx.Set(ctx, chatsync.CollectionMessages, "m1", chatsync.Document{"text": "a"}); err != nil {
			return err
		}
		doc, err := tx.Get(ctx, chatsync.CollectionMessages, "m1")
		require.NoError(t, err)
		assert.Equal(t, "a", doc["text"])
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.Get(ctx, chatsync.CollectionMessages, "m1")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
}

func TestStoreServerTimestamp(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	require.NoError(t, s.BatchWrite(ctx, []chatsync.WriteOp{{
		Kind: chatsync.WriteSet, Collection: chatsync.CollectionConversations, ID: "c",
		Data: chatsync.Document{"createdAt": chatsync.ServerTimestamp, "ratio": 0.5},
	}}))
	doc, err := s.Get(ctx, chatsync.CollectionConversations, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), doc["createdAt"])
	assert.Equal(t, 0.5, doc["ratio"])
}

func TestStoreBacksRepository(t *testing.T) {
	ctx := context.Background()
	repo := chatsync.NewRepository(openTemp(t), nil)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"m1", "m2", "m3"} {
		seq, err := repo.CommitMessage(ctx, chatsync.Message{
			ID:             id,
			ConversationID: "alice_bob",
			SenderID:       "alice",
			ReceiverID:     "bob",
			Text:           id,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			Status:         chatsync.StatusSent,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	page, err := repo.MessagesPage(ctx, "alice_bob", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m2", page[0].ID)
	assert.Equal(t, "m3", page[1].ID)
	assert.True(t, page[1].CreatedAt.Equal(base.Add(2*time.Minute)))

	list, err := repo.ConversationsFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].UnreadCount)

	read, err := repo.MarkRead(ctx, "alice_bob", "bob")
	require.NoError(t, err)
	assert.Len(t, read, 3)
	c, err := repo.Conversation(ctx, "alice_bob", "bob")
	require.NoError(t, err)
	assert.Zero(t, c.UnreadCount)

	require.NoError(t, repo.DeleteConversation(ctx, "alice_bob"))
	page, err = repo.MessagesPage(ctx, "alice_bob", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
