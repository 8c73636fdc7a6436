package chatsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 30 * time.Second

	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second
)

// Repository maps the chat schema onto a DocumentStore. Transient store
// failures are retried with exponential backoff.
type Repository struct {
	store  DocumentStore
	logger *zap.Logger
}

// NewRepository creates a repository over store.
func NewRepository(store DocumentStore, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: store, logger: logger}
}

// Store returns the underlying document store.
func (r *Repository) Store() DocumentStore { return r.store }

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// MessagesPage returns the newest limit messages of a conversation in
// ascending creation order.
func (r *Repository) MessagesPage(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	q := Query{OrderBy: "createdAt", Desc: true, Limit: limit}.
		Where("conversationId", OpEqual, conversationID)

	var docs []Document
	err := r.withRetry(ctx, "query messages", func(ctx context.Context) error {
		var err error
		docs, err = r.store.Query(ctx, CollectionMessages, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", conversationID, err)
	}

	msgs := make([]Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromDocument(docs[i]))
	}
	SortMessages(msgs)
	r.logger.Debug("Messages loaded",
		zap.String("conversation_id", conversationID),
		zap.Int("count", len(msgs)),
	)
	return msgs, nil
}

// CommitMessage persists msg together with the denormalized conversation
// fields and the receiver's unread counter in one transaction, and returns
// the sequence number assigned to the message. Committing a message that
// already exists returns its sequence without further changes.
func (r *Repository) CommitMessage(ctx context.Context, msg Message) (int64, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	var seq int64
	err := r.withRetry(ctx, "commit message", func(ctx context.Context) error {
		return r.store.Transaction(ctx, func(ctx context.Context, tx Tx) error {
			if existing, err := tx.Get(ctx, CollectionMessages, msg.ID); err == nil {
				seq, _ = int64Of(existing["seq"])
				return nil
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}

			conv, err := tx.Get(ctx, CollectionConversations, msg.ConversationID)
			exists := err == nil
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			last, _ := int64Of(conv["seq"])
			seq = last + 1
			doc := messageDocument(msg)
			doc["seq"] = seq
			doc["committedAt"] = ServerTimestamp
			if err := tx.Set(ctx, CollectionMessages, msg.ID, doc); err != nil {
				return err
			}

			unreadPath := "unread." + msg.ReceiverID
			unread, _ := FieldValue(conv, unreadPath)
			count, _ := int64Of(unread)
			patch := Document{
				"seq":           seq,
				"lastMessage":   msg.Text,
				"lastMessageAt": timeToMillis(msg.CreatedAt),
				"lastSenderId":  msg.SenderID,
				unreadPath:      count + 1,
				"updatedAt":     ServerTimestamp,
			}
			if exists {
				return tx.Update(ctx, CollectionConversations, msg.ConversationID, patch)
			}
			conv = Document{
				"participants": []any{msg.SenderID, msg.ReceiverID},
				"createdAt":    ServerTimestamp,
			}
			return tx.Set(ctx, CollectionConversations, msg.ConversationID, ApplyPatch(conv, patch))
		})
	})
	if err != nil {
		return 0, fmt.Errorf("commit message %s: %w", msg.ID, err)
	}

	r.logger.Debug("Message committed",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.Int64("seq", seq),
	)
	return seq, nil
}

// MarkRead marks every unread message addressed to reader as read and
// clears the reader's unread counter. It returns the IDs it updated.
func (r *Repository) MarkRead(ctx context.Context, conversationID, reader string) ([]string, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	q := Query{}.
		Where("conversationId", OpEqual, conversationID).
		Where("receiverId", OpEqual, reader).
		Where("read", OpEqual, false)

	var ids []string
	err := r.withRetry(ctx, "mark read", func(ctx context.Context) error {
		docs, err := r.store.Query(ctx, CollectionMessages, q)
		if err != nil {
			return err
		}
		ids = ids[:0]
		ops := make([]WriteOp, 0, len(docs)+1)
		for _, d := range docs {
			id := stringOf(d["id"])
			ids = append(ids, id)
			ops = append(ops, WriteOp{
				Kind:       WriteUpdate,
				Collection: CollectionMessages,
				ID:         id,
				Data:       Document{"read": true, "status": string(StatusRead)},
			})
		}
		ops = append(ops, WriteOp{
			Kind:       WriteUpdate,
			Collection: CollectionConversations,
			ID:         conversationID,
			Data:       Document{"unread." + reader: 0},
		})
		return r.store.BatchWrite(ctx, ops)
	})
	if err != nil {
		return nil, fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	return ids, nil
}

// SetReaction records userID's reaction on a message. An empty token
// removes it.
func (r *Repository) SetReaction(ctx context.Context, messageID, userID, token string) error {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	return r.withRetry(ctx, "set reaction", func(ctx context.Context) error {
		return r.store.Transaction(ctx, func(ctx context.Context, tx Tx) error {
			doc, err := tx.Get(ctx, CollectionMessages, messageID)
			if err != nil {
				return err
			}
			reactions := Document{}
			if m, ok := doc["reactions"].(map[string]any); ok {
				for k, v := range m {
					reactions[k] = v
				}
			}
			if token == "" {
				delete(reactions, userID)
			} else {
				reactions[userID] = token
			}
			return tx.Update(ctx, CollectionMessages, messageID, Document{"reactions": reactions})
		})
	})
}

// -----------------------------------------------------------------------------
// Conversations
// -----------------------------------------------------------------------------

// Conversation returns the summary of a conversation as seen by viewer.
func (r *Repository) Conversation(ctx context.Context, conversationID, viewer string) (Conversation, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var doc Document
	err := r.withRetry(ctx, "get conversation", func(ctx context.Context) error {
		var err error
		doc, err = r.store.Get(ctx, CollectionConversations, conversationID)
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	return conversationFromDocument(doc, viewer), nil
}

// ConversationsFor lists the conversations of userID, most recent first.
func (r *Repository) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	q := Query{OrderBy: "lastMessageAt", Desc: true}.
		Where("participants", OpArrayContains, userID)

	var docs []Document
	err := r.withRetry(ctx, "list conversations", func(ctx context.Context) error {
		var err error
		docs, err = r.store.Query(ctx, CollectionConversations, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}

	out := make([]Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, conversationFromDocument(d, userID))
	}
	return out, nil
}

// GetOrCreateConversation returns the two-party conversation between self
// and peer, creating it with both profile snapshots when missing.
func (r *Repository) GetOrCreateConversation(ctx context.Context, self, peer string) (Conversation, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	id := ConversationID(self, peer)
	selfProfile := r.Profile(ctx, self)
	peerProfile := r.Profile(ctx, peer)

	var doc Document
	err := r.withRetry(ctx, "start conversation", func(ctx context.Context) error {
		return r.store.Transaction(ctx, func(ctx context.Context, tx Tx) error {
			existing, err := tx.Get(ctx, CollectionConversations, id)
			if err == nil {
				doc = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			doc = Document{
				"participants": []any{self, peer},
				"unread":       map[string]any{self: int64(0), peer: int64(0)},
				"profiles": map[string]any{
					self: profileDocument(selfProfile),
					peer: profileDocument(peerProfile),
				},
				"seq":       int64(0),
				"createdAt": ServerTimestamp,
			}
			return tx.Set(ctx, CollectionConversations, id, doc)
		})
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("start conversation with %s: %w", peer, err)
	}
	doc["id"] = id
	return conversationFromDocument(doc, self), nil
}

// DeleteConversation removes a conversation and all of its messages in one
// batch.
func (r *Repository) DeleteConversation(ctx context.Context, conversationID string) error {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	return r.withRetry(ctx, "delete conversation", func(ctx context.Context) error {
		docs, err := r.store.Query(ctx, CollectionMessages, Query{}.Where("conversationId", OpEqual, conversationID))
		if err != nil {
			return err
		}
		ops := make([]WriteOp, 0, len(docs)+1)
		for _, d := range docs {
			ops = append(ops, WriteOp{Kind: WriteDelete, Collection: CollectionMessages, ID: stringOf(d["id"])})
		}
		ops = append(ops, WriteOp{Kind: WriteDelete, Collection: CollectionConversations, ID: conversationID})
		return r.store.BatchWrite(ctx, ops)
	})
}

// -----------------------------------------------------------------------------
// Profiles
// -----------------------------------------------------------------------------

// Profile returns the profile snapshot of userID. Missing or unreadable
// profiles yield a snapshot holding only the user ID.
func (r *Repository) Profile(ctx context.Context, userID string) ProfileSnapshot {
	doc, err := r.store.Get(ctx, CollectionUsers, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("Failed to load profile", zap.String("user_id", userID), zap.Error(err))
		}
		return ProfileSnapshot{UserID: userID}
	}
	p := profileFromDocument(doc)
	p.UserID = userID
	return p
}

// PutProfile creates or replaces the profile of p.UserID.
func (r *Repository) PutProfile(ctx context.Context, p ProfileSnapshot) error {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	return r.withRetry(ctx, "put profile", func(ctx context.Context) error {
		return r.store.BatchWrite(ctx, []WriteOp{{
			Kind:       WriteSet,
			Collection: CollectionUsers,
			ID:         p.UserID,
			Data:       profileDocument(p),
		}})
	})
}

// -----------------------------------------------------------------------------
// Private Helper Methods
// -----------------------------------------------------------------------------

func (r *Repository) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *Repository) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := r.waitForRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		r.logger.Warn("Store operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (r *Repository) waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt-1)) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// -----------------------------------------------------------------------------
// Document mapping
// -----------------------------------------------------------------------------

func messageDocument(m Message) Document {
	doc := Document{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"receiverId":     m.ReceiverID,
		"text":           m.Text,
		"createdAt":      timeToMillis(m.CreatedAt),
		"read":           m.Read,
		"status":         string(m.Status),
	}
	if len(m.Reactions) > 0 {
		reactions := make(map[string]any, len(m.Reactions))
		for k, v := range m.Reactions {
			reactions[k] = v
		}
		doc["reactions"] = reactions
	}
	if m.ReplyTo != nil {
		doc["replyTo"] = map[string]any{
			"id":        m.ReplyTo.ID,
			"senderId":  m.ReplyTo.SenderID,
			"text":      m.ReplyTo.Text,
			"createdAt": timeToMillis(m.ReplyTo.CreatedAt),
		}
	}
	return doc
}

func messageFromDocument(doc Document) Message {
	m := Message{
		ID:             stringOf(doc["id"]),
		ConversationID: stringOf(doc["conversationId"]),
		SenderID:       stringOf(doc["senderId"]),
		ReceiverID:     stringOf(doc["receiverId"]),
		Text:           stringOf(doc["text"]),
		CreatedAt:      millisToTime(doc["createdAt"]),
		Read:           boolOf(doc["read"]),
		Status:         MessageStatus(stringOf(doc["status"])),
		Delivery:       DeliveryConfirmed,
	}
	m.Seq, _ = int64Of(doc["seq"])
	if reactions, ok := doc["reactions"].(map[string]any); ok && len(reactions) > 0 {
		m.Reactions = make(map[string]string, len(reactions))
		for k, v := range reactions {
			m.Reactions[k] = stringOf(v)
		}
	}
	if ref, ok := doc["replyTo"].(map[string]any); ok {
		m.ReplyTo = &MessageRef{
			ID:        stringOf(ref["id"]),
			SenderID:  stringOf(ref["senderId"]),
			Text:      stringOf(ref["text"]),
			CreatedAt: millisToTime(ref["createdAt"]),
		}
	}
	return m
}

func profileDocument(p ProfileSnapshot) Document {
	return Document{
		"displayName": p.DisplayName,
		"photoURL":    p.PhotoURL,
		"headline":    p.Headline,
	}
}

func profileFromDocument(doc Document) ProfileSnapshot {
	return ProfileSnapshot{
		UserID:      stringOf(doc["id"]),
		DisplayName: stringOf(doc["displayName"]),
		PhotoURL:    stringOf(doc["photoURL"]),
		Headline:    stringOf(doc["headline"]),
	}
}

func conversationFromDocument(doc Document, viewer string) Conversation {
	c := Conversation{
		ID:            stringOf(doc["id"]),
		LastMessage:   stringOf(doc["lastMessage"]),
		LastMessageAt: millisToTime(doc["lastMessageAt"]),
		LastSenderID:  stringOf(doc["lastSenderId"]),
	}
	switch parts := doc["participants"].(type) {
	case []any:
		for i := 0; i < len(parts) && i < 2; i++ {
			c.Participants[i] = stringOf(parts[i])
		}
	case []string:
		for i := 0; i < len(parts) && i < 2; i++ {
			c.Participants[i] = parts[i]
		}
	}
	if v, ok := FieldValue(doc, "unread."+viewer); ok {
		n, _ := int64Of(v)
		c.UnreadCount = int(n)
	}
	peer := counterpartOf(c.Participants, viewer)
	c.Counterpart = ProfileSnapshot{UserID: peer}
	if profiles, ok := doc["profiles"].(map[string]any); ok {
		if p, ok := profiles[peer].(map[string]any); ok {
			c.Counterpart = profileFromDocument(p)
			c.Counterpart.UserID = peer
		}
	}
	return c
}
