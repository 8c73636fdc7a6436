package chatsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(conv, id string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "alice",
		ReceiverID:     "bob",
		Text:           "text " + id,
		CreatedAt:      at,
		Status:         StatusSent,
	}
}

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestLocalStoreMessages(t *testing.T) {
	t.Run("empty conversation", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 0, nil)
		assert.Equal(t, DefaultCacheLimit, s.Limit())
		assert.Empty(t, s.GetMessages("alice_bob"))
		assert.NotNil(t, s.GetMessages("alice_bob"))
	})

	t.Run("insertion order and cap", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 3, nil)
		for i := 0; i < 5; i++ {
			s.SaveMessage("alice_bob", testMessage("alice_bob", fmt.Sprintf("m%d", i), baseTime.Add(time.Duration(i)*time.Second)))
		}
		got := s.GetMessages("alice_bob")
		require.Len(t, got, 3)
		assert.Equal(t, "m2", got[0].ID)
		assert.Equal(t, "m4", got[2].ID)
	})

	t.Run("last messages", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		for i := 0; i < 4; i++ {
			s.SaveMessage("c", testMessage("c", fmt.Sprintf("m%d", i), baseTime))
		}
		got := s.GetLastMessages("c", 2)
		require.Len(t, got, 2)
		assert.Equal(t, "m2", got[0].ID)
		assert.Len(t, s.GetLastMessages("c", 10), 4)
	})

	t.Run("conversations are isolated", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		s.SaveMessage("a_b", testMessage("a_b", "1", baseTime))
		s.SaveMessage("a_c", testMessage("a_c", "2", baseTime))
		s.ClearMessages("a_b")
		assert.Empty(t, s.GetMessages("a_b"))
		assert.Len(t, s.GetMessages("a_c"), 1)
	})

	t.Run("update message", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		s.SaveMessage("c", testMessage("c", "1", baseTime))
		ok := s.UpdateMessage("c", "1", func(m *Message) { m.Read = true })
		assert.True(t, ok)
		assert.True(t, s.GetMessages("c")[0].Read)
		assert.False(t, s.UpdateMessage("c", "missing", func(m *Message) {}))
	})

	t.Run("returned slices are copies", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		m := testMessage("c", "1", baseTime)
		m.Reactions = map[string]string{"bob": "heart"}
		s.SaveMessage("c", m)
		got := s.GetMessages("c")
		got[0].Reactions["bob"] = "thumbs"
		assert.Equal(t, "heart", s.GetMessages("c")[0].Reactions["bob"])
	})

	t.Run("round trip keeps fields", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		m := testMessage("c", "1", baseTime)
		m.ReplyTo = &MessageRef{ID: "0", SenderID: "bob", Text: "hi", CreatedAt: baseTime}
		m.Delivery = DeliveryPending
		m.Seq = 7
		s.SaveMessage("c", m)
		got := s.GetMessages("c")[0]
		assert.True(t, got.CreatedAt.Equal(m.CreatedAt))
		assert.Equal(t, m.ReplyTo.ID, got.ReplyTo.ID)
		assert.Equal(t, DeliveryPending, got.Delivery)
		assert.Equal(t, int64(7), got.Seq)
	})
}

func TestLocalStoreDegrades(t *testing.T) {
	t.Run("corrupt blob reads as empty", func(t *testing.T) {
		storage := NewMemoryStorage()
		require.NoError(t, storage.SetItem(messagesKey, "{not json"))
		require.NoError(t, storage.SetItem(conversationsKey, "[1,2"))
		s := NewLocalStore(storage, 10, nil)
		assert.Empty(t, s.GetMessages("c"))
		assert.Empty(t, s.GetConversations())

		s.SaveMessage("c", testMessage("c", "1", baseTime))
		assert.Len(t, s.GetMessages("c"), 1)
	})

	t.Run("quota exceeded is swallowed", func(t *testing.T) {
		storage := NewMemoryStorageWithQuota(64)
		s := NewLocalStore(storage, 10, nil)
		assert.NotPanics(t, func() {
			s.SaveMessage("c", testMessage("c", "1", baseTime))
		})
		assert.Empty(t, s.GetMessages("c"))
	})

	t.Run("clear", func(t *testing.T) {
		s := NewLocalStore(NewMemoryStorage(), 10, nil)
		s.SaveMessage("c", testMessage("c", "1", baseTime))
		s.UpsertConversation(Conversation{ID: "c"})
		assert.Positive(t, s.Size())
		s.Clear()
		assert.Zero(t, s.Size())
	})
}

func TestMemoryStorageQuota(t *testing.T) {
	s := NewMemoryStorageWithQuota(10)
	require.NoError(t, s.SetItem("k", "12345"))
	assert.ErrorIs(t, s.SetItem("k2", "12345678"), ErrQuotaExceeded)
	require.NoError(t, s.SetItem("k", "123456789"))
	require.NoError(t, s.RemoveItem("k"))
	require.NoError(t, s.SetItem("k2", "12345678"))

	_, ok, err := s.GetItem("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStoreConversations(t *testing.T) {
	s := NewLocalStore(NewMemoryStorage(), 10, nil)
	s.SaveConversations([]Conversation{
		{ID: "alice_bob", Counterpart: ProfileSnapshot{UserID: "bob"}},
		{ID: "alice_carol", Counterpart: ProfileSnapshot{UserID: "carol"}},
	})

	t.Run("get", func(t *testing.T) {
		c, ok := s.GetConversation("alice_bob")
		require.True(t, ok)
		assert.Equal(t, "bob", c.Counterpart.UserID)
		_, ok = s.GetConversation("nope")
		assert.False(t, ok)
	})

	t.Run("update existing", func(t *testing.T) {
		s.UpdateConversation("alice_bob", func(c *Conversation, exists bool) {
			assert.True(t, exists)
			c.UnreadCount = 3
		})
		c, _ := s.GetConversation("alice_bob")
		assert.Equal(t, 3, c.UnreadCount)
	})

	t.Run("update missing inserts at head", func(t *testing.T) {
		s.UpdateConversation("alice_dave", func(c *Conversation, exists bool) {
			assert.False(t, exists)
			c.LastMessage = "hey"
		})
		list := s.GetConversations()
		require.Len(t, list, 3)
		assert.Equal(t, "alice_dave", list[0].ID)
	})

	t.Run("update missing with cleared id is skipped", func(t *testing.T) {
		s.UpdateConversation("alice_erin", func(c *Conversation, exists bool) { c.ID = "" })
		assert.Len(t, s.GetConversations(), 3)
	})

	t.Run("counterpart online", func(t *testing.T) {
		s.SetCounterpartOnline("carol", true)
		c, _ := s.GetConversation("alice_carol")
		assert.True(t, c.Counterpart.Online)
		c, _ = s.GetConversation("alice_bob")
		assert.False(t, c.Counterpart.Online)
	})

	t.Run("remove", func(t *testing.T) {
		s.RemoveConversation("alice_dave")
		_, ok := s.GetConversation("alice_dave")
		assert.False(t, ok)
		assert.Len(t, s.GetConversations(), 2)
	})
}
