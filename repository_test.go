package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryCommitMessage(t *testing.T) {
	ctx := context.Background()
	docs := NewMemoryDocumentStore()
	repo := NewRepository(docs, nil)

	msg := testMessage(conv, "01A", baseTime)
	seq, err := repo.CommitMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = repo.CommitMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "recommitting returns the stored sequence")

	c, err := repo.Conversation(ctx, conv, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UnreadCount)
	assert.True(t, c.LastMessageAt.Equal(baseTime))

	doc, err := docs.Get(ctx, CollectionMessages, "01A")
	require.NoError(t, err)
	assert.NotNil(t, doc["committedAt"])
	_, isPlaceholder := doc["committedAt"].(serverValue)
	assert.False(t, isPlaceholder)

	page, err := repo.MessagesPage(ctx, conv, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, DeliveryConfirmed, page[0].Delivery)
	assert.Equal(t, msg.Text, page[0].Text)
	assert.True(t, page[0].CreatedAt.Equal(baseTime))
}

func TestRepositoryMessagesPage(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryDocumentStore(), nil)
	for i, id := range []string{"a", "b", "c", "d"} {
		_, err := repo.CommitMessage(ctx, testMessage(conv, id, baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := repo.CommitMessage(ctx, testMessage("alice_carol", "x", baseTime))
	require.NoError(t, err)

	page, err := repo.MessagesPage(ctx, conv, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(page))
	assert.Equal(t, int64(4), page[1].Seq)
}

func TestRepositoryRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("gives up after max attempts", func(t *testing.T) {
		docs := NewMemoryDocumentStore()
		calls := 0
		docs.SetFault(func(op, collection string) error {
			if op == "query" {
				calls++
				return ErrTransient
			}
			return nil
		})
		_, err := NewRepository(docs, nil).MessagesPage(ctx, conv, 10)
		assert.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, maxRetries, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		docs := NewMemoryDocumentStore()
		calls := 0
		docs.SetFault(func(op, collection string) error {
			calls++
			return errors.New("denied")
		})
		_, err := NewRepository(docs, nil).ConversationsFor(ctx, "alice")
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled wait", func(t *testing.T) {
		repo := NewRepository(NewMemoryDocumentStore(), nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := repo.waitForRetry(cctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("retryable classification", func(t *testing.T) {
		assert.True(t, isRetryableError(ErrTransient))
		assert.False(t, isRetryableError(context.DeadlineExceeded))
		assert.False(t, isRetryableError(ErrNotFound))
	})
}

func TestRepositoryProfiles(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryDocumentStore(), nil)

	assert.Equal(t, ProfileSnapshot{UserID: "ghost"}, repo.Profile(ctx, "ghost"))

	require.NoError(t, repo.PutProfile(ctx, ProfileSnapshot{UserID: "alice", DisplayName: "Alice", Headline: "hi"}))
	p := repo.Profile(ctx, "alice")
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "alice", p.UserID)

	c, err := repo.GetOrCreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, conv, c.ID)
	assert.Equal(t, "Alice", c.Counterpart.DisplayName)
	assert.Zero(t, c.UnreadCount)

	list, err := repo.ConversationsFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Counterpart.UserID)

	_, err = repo.Conversation(ctx, "nope", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}
