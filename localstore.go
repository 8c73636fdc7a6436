package chatsync

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Key/Value Storage
// ============================================================================

// ErrQuotaExceeded is returned by a storage backend that is out of space.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// KeyValueStorage is the device-local string store backing the cache.
type KeyValueStorage interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// MemoryStorage is a goroutine-safe in-memory storage backend. A positive
// quota bounds the total size of keys and values in bytes.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
	used  int
	quota int
}

// NewMemoryStorage creates a new in-memory storage without a quota.
func NewMemoryStorage() *MemoryStorage {
	return NewMemoryStorageWithQuota(0)
}

// NewMemoryStorageWithQuota creates an in-memory storage that refuses
// writes beyond quota bytes.
func NewMemoryStorageWithQuota(quota int) *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string), quota: quota}
}

func (s *MemoryStorage) GetItem(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryStorage) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.used + len(key) + len(value)
	if old, ok := s.items[key]; ok {
		used -= len(key) + len(old)
	}
	if s.quota > 0 && used > s.quota {
		return ErrQuotaExceeded
	}
	s.items[key] = value
	s.used = used
	return nil
}

func (s *MemoryStorage) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.items, key)
	}
	return nil
}

// ============================================================================
// LocalStore
// ============================================================================

const (
	messagesKey      = "chatsync.messages"
	conversationsKey = "chatsync.conversations"

	// DefaultCacheLimit is the number of messages kept per conversation.
	DefaultCacheLimit = 100
)

// LocalStore caches conversation summaries and the newest messages of each
// conversation on the device. It never returns storage errors: failures are
// logged and reads degrade to empty results.
type LocalStore struct {
	mu      sync.Mutex
	storage KeyValueStorage
	limit   int
	logger  *zap.Logger
}

// NewLocalStore creates a cache over storage keeping at most limit messages
// per conversation. A limit <= 0 selects DefaultCacheLimit.
func NewLocalStore(storage KeyValueStorage, limit int, logger *zap.Logger) *LocalStore {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{storage: storage, limit: limit, logger: logger}
}

// Limit returns the per-conversation message cap.
func (s *LocalStore) Limit() int { return s.limit }

// ── Messages ─────────────────────────────────────────────

// SaveMessage appends msg to the conversation and evicts the oldest entries
// beyond the cap.
func (s *LocalStore) SaveMessage(conversationID string, msg Message) {
	s.mutateMessages(conversationID, func(list []Message) []Message {
		return append(list, msg.clone())
	})
}

// GetMessages returns the cached messages of a conversation in insertion
// order, or an empty slice.
func (s *LocalStore) GetMessages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.loadMessages()[conversationID])
}

// GetLastMessages returns at most count of the newest cached messages.
func (s *LocalStore) GetLastMessages(conversationID string, count int) []Message {
	list := s.GetMessages(conversationID)
	if count >= 0 && len(list) > count {
		list = list[len(list)-count:]
	}
	return list
}

// ReplaceMessages overwrites the cached list of a conversation.
func (s *LocalStore) ReplaceMessages(conversationID string, msgs []Message) []Message {
	return s.mutateMessages(conversationID, func([]Message) []Message {
		return cloneMessages(msgs)
	})
}

// UpdateMessage applies fn to the cached message with the given id and
// reports whether it was found.
func (s *LocalStore) UpdateMessage(conversationID, id string, fn func(*Message)) bool {
	found := false
	s.mutateMessages(conversationID, func(list []Message) []Message {
		for i := range list {
			if list[i].ID == id {
				fn(&list[i])
				found = true
				break
			}
		}
		return list
	})
	return found
}

// ClearMessages removes every cached message of a conversation.
func (s *LocalStore) ClearMessages(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.loadMessages()
	if _, ok := all[conversationID]; !ok {
		return
	}
	delete(all, conversationID)
	s.persist(messagesKey, all)
}

// mutateMessages runs a read-modify-write cycle of one conversation's list
// under the store lock and returns a copy of the stored result.
func (s *LocalStore) mutateMessages(conversationID string, fn func([]Message) []Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.loadMessages()
	list := fn(all[conversationID])
	if len(list) > s.limit {
		list = list[len(list)-s.limit:]
	}
	all[conversationID] = list
	s.persist(messagesKey, all)
	return cloneMessages(list)
}

func (s *LocalStore) loadMessages() map[string][]Message {
	var all map[string][]Message
	if !s.load(messagesKey, &all) || all == nil {
		return make(map[string][]Message)
	}
	return all
}

// ── Conversations ────────────────────────────────────────

// SaveConversations replaces the cached conversation directory.
func (s *LocalStore) SaveConversations(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist(conversationsKey, list)
}

// GetConversations returns the cached conversation directory.
func (s *LocalStore) GetConversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadConversations()
}

// GetConversation returns one cached summary.
func (s *LocalStore) GetConversation(id string) (Conversation, bool) {
	for _, c := range s.GetConversations() {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// UpsertConversation inserts or replaces the summary with the same id.
func (s *LocalStore) UpsertConversation(c Conversation) {
	s.UpdateConversation(c.ID, func(cur *Conversation, exists bool) {
		*cur = c
	})
}

// UpdateConversation applies fn to the summary with the given id. When the
// summary is not cached fn receives a zero value with exists false and the
// result is inserted unless its ID is empty.
func (s *LocalStore) UpdateConversation(id string, fn func(c *Conversation, exists bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.loadConversations()
	for i := range list {
		if list[i].ID == id {
			fn(&list[i], true)
			s.persist(conversationsKey, list)
			return
		}
	}
	c := Conversation{ID: id}
	fn(&c, false)
	if c.ID == "" {
		return
	}
	s.persist(conversationsKey, append([]Conversation{c}, list...))
}

// RemoveConversation drops a summary from the directory.
func (s *LocalStore) RemoveConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.loadConversations()
	out := list[:0]
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	s.persist(conversationsKey, out)
}

// SetCounterpartOnline updates the online flag of every summary whose
// counterpart is userID.
func (s *LocalStore) SetCounterpartOnline(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.loadConversations()
	changed := false
	for i := range list {
		if list[i].Counterpart.UserID == userID && list[i].Counterpart.Online != online {
			list[i].Counterpart.Online = online
			changed = true
		}
	}
	if changed {
		s.persist(conversationsKey, list)
	}
}

func (s *LocalStore) loadConversations() []Conversation {
	var list []Conversation
	if !s.load(conversationsKey, &list) {
		return nil
	}
	return list
}

// ── Maintenance ──────────────────────────────────────────

// Size returns the number of bytes held by the cache blobs.
func (s *LocalStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range []string{messagesKey, conversationsKey} {
		v, ok, err := s.storage.GetItem(key)
		if err == nil && ok {
			n += len(v)
		}
	}
	return n
}

// Clear removes both cache blobs.
func (s *LocalStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{messagesKey, conversationsKey} {
		if err := s.storage.RemoveItem(key); err != nil {
			s.logger.Warn("Failed to clear cache", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *LocalStore) load(key string, into any) bool {
	raw, ok, err := s.storage.GetItem(key)
	if err != nil {
		s.logger.Warn("Failed to read cache", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok || raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		s.logger.Warn("Discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *LocalStore) persist(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.storage.SetItem(key, string(data)); err != nil {
		s.logger.Warn("Failed to write cache", zap.String("key", key), zap.Int("bytes", len(data)), zap.Error(err))
	}
}

func cloneMessages(list []Message) []Message {
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = m.clone()
	}
	return out
}
