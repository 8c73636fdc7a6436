package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// DefaultHistoryLimit is the number of messages read from the durable store
// when a conversation is refreshed.
const DefaultHistoryLimit = 50

// SessionConfig configures a Session. UserID, Bus, Store and Repository are
// required.
type SessionConfig struct {
	UserID     string
	Bus        *ChannelBus
	Store      *LocalStore
	Repository *Repository
	// Presence, when set, keeps the counterpart online flag of cached
	// conversation summaries current.
	Presence *PresenceTracker
	Logger   *zap.Logger
	Metrics  *Metrics
	// ReactionBroadcast persists reactions and sends them to the other
	// participant. Otherwise reactions only change the local cache.
	ReactionBroadcast bool
	HistoryLimit      int
}

func (c *SessionConfig) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

// Session drives the open conversation views of one signed-in user: channel
// subscriptions, inbound events, optimistic sends and reconciliation.
type Session struct {
	cfg        SessionConfig
	userID     string
	bus        *ChannelBus
	store      *LocalStore
	repo       *Repository
	reconciler *Reconciler
	logger     *zap.Logger
	metrics    *Metrics

	mu        sync.Mutex
	views     map[string]*View
	listeners map[string]map[uint64]func([]Message)
	notices   map[uint64]func(Notice)
	watched   map[string]func()
	nextID    uint64
}

// NewSession creates a session from cfg.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.UserID == "" {
		return nil, ErrNoIdentity
	}
	if cfg.Bus == nil {
		return nil, ErrTransportNotInitialized
	}
	if cfg.Store == nil || cfg.Repository == nil {
		return nil, errors.New("session requires a local store and a repository")
	}
	cfg.defaults()
	return &Session{
		cfg:        cfg,
		userID:     cfg.UserID,
		bus:        cfg.Bus,
		store:      cfg.Store,
		repo:       cfg.Repository,
		reconciler: NewReconciler(cfg.Store, cfg.Metrics),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		views:      make(map[string]*View),
		listeners:  make(map[string]map[uint64]func([]Message)),
		notices:    make(map[uint64]func(Notice)),
		watched:    make(map[string]func()),
	}, nil
}

// UserID returns the signed-in user.
func (s *Session) UserID() string { return s.userID }

// ============================================================================
// View
// ============================================================================

// View is the state of one open conversation.
type View struct {
	ConversationID string

	mu         sync.Mutex
	channel    *Channel
	bindings   []Binding
	messages   []Message
	peerID     string
	peerTyping bool
	replyTo    *MessageRef
	closed     bool
}

// Messages returns a copy of the messages shown by the view.
func (v *View) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneMessages(v.messages)
}

// PeerTyping reports whether the other participant is typing.
func (v *View) PeerTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerTyping
}

// Subscribed reports whether the view is bound to its channel.
func (v *View) Subscribed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.channel != nil && !v.closed
}

// Closed reports whether the view was closed.
func (v *View) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *View) indexOf(id string) int {
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// ============================================================================
// Open / Close
// ============================================================================

// Open shows a conversation: cached messages are loaded, the conversation
// channel is subscribed and the cache is reconciled with the durable store.
// Opening an open conversation returns the existing view. When the
// subscription fails the view is still returned, with the error, so that
// cached messages can be shown; opening again retries the subscription.
func (s *Session) Open(ctx context.Context, conversationID string) (*View, error) {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	if ok && v.Subscribed() {
		s.mu.Unlock()
		return v, nil
	}
	if !ok {
		v = &View{
			ConversationID: conversationID,
			messages:       s.store.GetMessages(conversationID),
		}
		s.views[conversationID] = v
		s.metrics.opened(1)
	}
	s.mu.Unlock()

	peer := s.peerOf(ctx, conversationID)
	v.mu.Lock()
	v.peerID = peer
	v.mu.Unlock()

	name := ConversationChannel(conversationID)
	ch, err := s.bus.Subscribe(ctx, name)
	if err != nil {
		s.logger.Warn("Failed to subscribe conversation channel",
			zap.String("conversation_id", conversationID), zap.Error(err))
		s.notify(Notice{Kind: NoticeTransport, ConversationID: conversationID, Err: err})
		return v, err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		// Closed during Subscribe. Release the channel unless the
		// conversation was reopened meanwhile.
		s.mu.Lock()
		_, reopened := s.views[conversationID]
		s.mu.Unlock()
		if !reopened {
			if err := s.bus.Unsubscribe(ctx, name); err != nil {
				s.logger.Warn("Failed to release conversation channel",
					zap.String("conversation_id", conversationID), zap.Error(err))
			}
		}
		return v, ErrConversationNotOpen
	}
	if v.channel == nil {
		v.channel = ch
		v.bindings = []Binding{
			ch.Bind(EventMessage, func(data json.RawMessage) { s.onMessage(v, data) }),
			ch.Bind(EventTyping, func(data json.RawMessage) { s.onTyping(v, data) }),
			ch.Bind(EventRead, func(data json.RawMessage) { s.onRead(v, data) }),
			ch.Bind(EventReaction, func(data json.RawMessage) { s.onReaction(v, data) }),
		}
	}
	v.mu.Unlock()

	if _, err := s.Refresh(ctx, conversationID); err != nil {
		s.logger.Info("Showing cached history only",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return v, nil
}

// View returns the open view of a conversation.
func (s *Session) View(conversationID string) (*View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[conversationID]
	return v, ok
}

// Close unbinds the view's handlers and releases the conversation channel.
// Events arriving afterwards are ignored.
func (s *Session) Close(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	delete(s.views, conversationID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.metrics.opened(-1)

	v.mu.Lock()
	v.closed = true
	ch := v.channel
	bindings := v.bindings
	v.channel = nil
	v.bindings = nil
	v.mu.Unlock()

	if ch == nil {
		return nil
	}
	for _, b := range bindings {
		ch.Unbind(b)
	}
	return s.bus.Unsubscribe(ctx, ch.Name())
}

// CloseAll closes every open view and stops presence watches.
func (s *Session) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
	}
	watched := s.watched
	s.watched = make(map[string]func())
	s.mu.Unlock()

	for _, stop := range watched {
		stop()
	}
	var errs []error
	for _, id := range ids {
		if err := s.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Inbound events
// ============================================================================

func (s *Session) onMessage(v *View, data json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Ignoring malformed message event", zap.Error(err))
		return
	}
	if msg.ID == "" || msg.ConversationID != v.ConversationID {
		return
	}
	msg.Delivery = ""

	v.mu.Lock()
	if v.closed || v.indexOf(msg.ID) >= 0 {
		v.mu.Unlock()
		return
	}
	v.messages = append(v.messages, msg)
	if len(v.messages) > s.store.Limit() {
		v.messages = v.messages[len(v.messages)-s.store.Limit():]
	}
	if msg.SenderID != s.userID {
		v.peerTyping = false
	}
	s.store.SaveMessage(v.ConversationID, msg)
	s.applySummary(msg, msg.ReceiverID == s.userID)
	snapshot := cloneMessages(v.messages)
	v.mu.Unlock()

	s.metrics.received()
	s.publish(v.ConversationID, snapshot)
}

func (s *Session) onTyping(v *View, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == s.userID {
		return
	}
	v.mu.Lock()
	if !v.closed {
		v.peerTyping = p.IsTyping
	}
	v.mu.Unlock()
}

func (s *Session) onRead(v *View, data json.RawMessage) {
	var p ReadPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == s.userID {
		return
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	changed := false
	for i := range v.messages {
		m := &v.messages[i]
		if m.SenderID == s.userID && !m.Read {
			m.Read = true
			m.Status = StatusRead
			s.store.UpdateMessage(v.ConversationID, m.ID, func(c *Message) {
				c.Read = true
				c.Status = StatusRead
			})
			changed = true
		}
	}
	snapshot := cloneMessages(v.messages)
	v.mu.Unlock()

	if changed {
		s.publish(v.ConversationID, snapshot)
	}
}

func (s *Session) onReaction(v *View, data json.RawMessage) {
	var p ReactionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == s.userID {
		return
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	i := v.indexOf(p.MessageID)
	if i < 0 {
		v.mu.Unlock()
		return
	}
	setReaction(&v.messages[i], p.UserID, p.Token)
	s.store.UpdateMessage(v.ConversationID, p.MessageID, func(m *Message) {
		setReaction(m, p.UserID, p.Token)
	})
	snapshot := cloneMessages(v.messages)
	v.mu.Unlock()

	s.publish(v.ConversationID, snapshot)
}

func setReaction(m *Message, userID, token string) {
	if token == "" {
		delete(m.Reactions, userID)
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	m.Reactions[userID] = token
}

// applySummary records msg as the last message of its cached summary.
func (s *Session) applySummary(msg Message, incrementUnread bool) {
	s.store.UpdateConversation(msg.ConversationID, func(c *Conversation, exists bool) {
		if !exists {
			c.Participants = [2]string{msg.SenderID, msg.ReceiverID}
			c.Counterpart = ProfileSnapshot{UserID: counterpartOf(c.Participants, s.userID)}
		}
		if !c.LastMessageAt.After(msg.CreatedAt) {
			c.LastMessage = msg.Text
			c.LastMessageAt = msg.CreatedAt
			c.LastSenderID = msg.SenderID
		}
		if incrementUnread {
			c.UnreadCount++
		}
	})
}

// ============================================================================
// Outbound
// ============================================================================

func newMessageID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

func (s *Session) openView(conversationID string) (*View, error) {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversationID, ErrConversationNotOpen)
	}
	return v, nil
}

// Send posts text to an open conversation. The message is shown at once as
// pending, broadcast to the other participant and then written to the
// durable store. A failed broadcast is reported as a transport notice only.
// A failed durable write marks the message failed, emits a durable notice
// and returns an error wrapping ErrDurableWrite; RetrySend repeats the
// durable write.
func (s *Session) Send(ctx context.Context, conversationID, text string) (Message, error) {
	v, err := s.openView(conversationID)
	if err != nil {
		return Message{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return Message{}, fmt.Errorf("%s: %w", conversationID, ErrConversationNotOpen)
	}
	msg := Message{
		ID:             newMessageID(now),
		ConversationID: conversationID,
		SenderID:       s.userID,
		ReceiverID:     v.peerID,
		Text:           text,
		CreatedAt:      now,
		Read:           false,
		Status:         StatusSent,
		ReplyTo:        v.replyTo,
		Delivery:       DeliveryPending,
	}
	v.replyTo = nil
	v.messages = append(v.messages, msg.clone())
	ch := v.channel
	s.store.SaveMessage(conversationID, msg)
	snapshot := cloneMessages(v.messages)
	v.mu.Unlock()
	s.publish(conversationID, snapshot)

	wire := msg.clone()
	wire.Delivery = ""
	if err := s.bus.Trigger(ctx, ch, EventMessage, wire); err != nil {
		s.metrics.broadcastFailed()
		s.logger.Warn("Message broadcast failed",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		s.notify(Notice{Kind: NoticeTransport, ConversationID: conversationID, MessageID: msg.ID, Err: err})
	}

	return s.commit(ctx, v, msg)
}

// RetrySend repeats the durable write of a failed message. The message is
// not broadcast again.
func (s *Session) RetrySend(ctx context.Context, conversationID, messageID string) (Message, error) {
	v, err := s.openView(conversationID)
	if err != nil {
		return Message{}, err
	}
	v.mu.Lock()
	i := v.indexOf(messageID)
	if i < 0 {
		v.mu.Unlock()
		return Message{}, fmt.Errorf("%s: %w", messageID, ErrMessageNotFound)
	}
	msg := v.messages[i].clone()
	if msg.Delivery != DeliveryFailed {
		v.mu.Unlock()
		return msg, nil
	}
	v.messages[i].Delivery = DeliveryPending
	v.mu.Unlock()

	msg.Delivery = DeliveryPending
	s.store.UpdateMessage(conversationID, messageID, func(m *Message) { m.Delivery = DeliveryPending })
	return s.commit(ctx, v, msg)
}

// commit performs the durable half of a send and settles the local state.
func (s *Session) commit(ctx context.Context, v *View, msg Message) (Message, error) {
	seq, err := s.repo.CommitMessage(ctx, msg)
	if err != nil {
		s.metrics.durableFailed()
		msg.Delivery = DeliveryFailed
		s.settle(v, msg)
		s.logger.Error("Durable message write failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		werr := fmt.Errorf("%w: %w", ErrDurableWrite, err)
		s.notify(Notice{Kind: NoticeDurable, ConversationID: msg.ConversationID, MessageID: msg.ID, Err: werr})
		return msg, werr
	}

	s.metrics.sent()
	msg.Delivery = DeliveryConfirmed
	msg.Seq = seq
	s.settle(v, msg)
	s.applySummary(msg, false)
	return msg, nil
}

// settle writes the delivery outcome of msg to the cache and, while it is
// still open, to the view.
func (s *Session) settle(v *View, msg Message) {
	s.store.UpdateMessage(msg.ConversationID, msg.ID, func(m *Message) {
		m.Delivery = msg.Delivery
		m.Seq = msg.Seq
	})
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if i := v.indexOf(msg.ID); i >= 0 {
		v.messages[i].Delivery = msg.Delivery
		v.messages[i].Seq = msg.Seq
	}
	snapshot := cloneMessages(v.messages)
	v.mu.Unlock()
	s.publish(msg.ConversationID, snapshot)
}

// Reply makes the next message sent to the conversation a reply to
// messageID. The referenced message is copied at this point.
func (s *Session) Reply(conversationID, messageID string) error {
	v, err := s.openView(conversationID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(messageID)
	if i < 0 {
		return fmt.Errorf("%s: %w", messageID, ErrMessageNotFound)
	}
	v.replyTo = v.messages[i].Ref()
	return nil
}

// CancelReply clears a pending reply reference.
func (s *Session) CancelReply(conversationID string) {
	if v, err := s.openView(conversationID); err == nil {
		v.mu.Lock()
		v.replyTo = nil
		v.mu.Unlock()
	}
}

// React sets the local user's reaction on a message; an empty token removes
// it. The reaction is written to the cache and, with ReactionBroadcast, to
// the durable store and the other participant.
func (s *Session) React(ctx context.Context, conversationID, messageID, token string) error {
	v, err := s.openView(conversationID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	i := v.indexOf(messageID)
	if i < 0 {
		v.mu.Unlock()
		return fmt.Errorf("%s: %w", messageID, ErrMessageNotFound)
	}
	setReaction(&v.messages[i], s.userID, token)
	s.store.UpdateMessage(conversationID, messageID, func(m *Message) {
		setReaction(m, s.userID, token)
	})
	ch := v.channel
	snapshot := cloneMessages(v.messages)
	v.mu.Unlock()
	s.publish(conversationID, snapshot)

	if !s.cfg.ReactionBroadcast {
		return nil
	}
	if err := s.repo.SetReaction(ctx, messageID, s.userID, token); err != nil {
		werr := fmt.Errorf("%w: %w", ErrDurableWrite, err)
		s.notify(Notice{Kind: NoticeDurable, ConversationID: conversationID, MessageID: messageID, Err: werr})
		return werr
	}
	payload := ReactionPayload{ConversationID: conversationID, MessageID: messageID, UserID: s.userID, Token: token}
	if err := s.bus.Trigger(ctx, ch, EventReaction, payload); err != nil {
		s.metrics.broadcastFailed()
		s.logger.Warn("Reaction broadcast failed", zap.String("message_id", messageID), zap.Error(err))
		s.notify(Notice{Kind: NoticeTransport, ConversationID: conversationID, MessageID: messageID, Err: err})
	}
	return nil
}

// SetTyping tells the other participant whether the user is typing.
func (s *Session) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	v, err := s.openView(conversationID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	ch := v.channel
	v.mu.Unlock()
	payload := TypingPayload{ConversationID: conversationID, UserID: s.userID, IsTyping: typing}
	if err := s.bus.Trigger(ctx, ch, EventTyping, payload); err != nil {
		s.logger.Debug("Typing broadcast failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// MarkRead marks the received messages of a conversation read, clears the
// unread counter and tells the other participant.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	v, err := s.openView(conversationID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	for i := range v.messages {
		m := &v.messages[i]
		if m.ReceiverID == s.userID && !m.Read {
			m.Read = true
			m.Status = StatusRead
		}
	}
	ch := v.channel
	snapshot := cloneMessages(v.messages)
	v.mu.Unlock()

	cached := s.store.GetMessages(conversationID)
	for i := range cached {
		if cached[i].ReceiverID == s.userID {
			cached[i].Read = true
			cached[i].Status = StatusRead
		}
	}
	s.store.ReplaceMessages(conversationID, cached)
	s.store.UpdateConversation(conversationID, func(c *Conversation, exists bool) {
		if exists {
			c.UnreadCount = 0
		} else {
			c.ID = ""
		}
	})
	s.publish(conversationID, snapshot)

	if _, err := s.repo.MarkRead(ctx, conversationID, s.userID); err != nil {
		werr := fmt.Errorf("%w: %w", ErrDurableWrite, err)
		s.notify(Notice{Kind: NoticeDurable, ConversationID: conversationID, Err: werr})
		return werr
	}
	payload := ReadPayload{ConversationID: conversationID, UserID: s.userID, ReadAt: time.Now().UnixMilli()}
	if err := s.bus.Trigger(ctx, ch, EventRead, payload); err != nil {
		s.logger.Warn("Read receipt broadcast failed", zap.String("conversation_id", conversationID), zap.Error(err))
		s.notify(Notice{Kind: NoticeTransport, ConversationID: conversationID, Err: err})
	}
	return nil
}

// ============================================================================
// History & directory
// ============================================================================

// Refresh reconciles the cache with the newest durable messages. When the
// durable store cannot be read the cached messages are returned if there
// are any; otherwise the error wraps ErrHistoryUnavailable.
func (s *Session) Refresh(ctx context.Context, conversationID string) ([]Message, error) {
	page, err := s.repo.MessagesPage(ctx, conversationID, s.cfg.HistoryLimit)
	if err != nil {
		cached := s.store.GetMessages(conversationID)
		herr := fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
		s.notify(Notice{Kind: NoticeHistory, ConversationID: conversationID, Err: herr})
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, herr
	}

	merged := s.reconciler.Sync(conversationID, page)

	s.mu.Lock()
	v, ok := s.views[conversationID]
	s.mu.Unlock()
	if ok {
		v.mu.Lock()
		if !v.closed {
			v.messages = cloneMessages(merged)
		}
		v.mu.Unlock()
	}
	s.publish(conversationID, merged)
	return merged, nil
}

// StartConversation returns the conversation with peerID, creating it in
// the durable store when needed, and caches its summary.
func (s *Session) StartConversation(ctx context.Context, peerID string) (Conversation, error) {
	if peerID == "" || peerID == s.userID {
		return Conversation{}, fmt.Errorf("invalid peer %q", peerID)
	}
	c, err := s.repo.GetOrCreateConversation(ctx, s.userID, peerID)
	if err != nil {
		return Conversation{}, err
	}
	if cached, ok := s.store.GetConversation(c.ID); ok {
		c.Counterpart.Online = cached.Counterpart.Online
	}
	s.store.UpsertConversation(c)
	s.watchCounterpart(c.Counterpart.UserID)
	return c, nil
}

// ListConversations returns the user's conversations from the durable
// store and refreshes the cached directory, falling back to the cache.
func (s *Session) ListConversations(ctx context.Context) ([]Conversation, error) {
	list, err := s.repo.ConversationsFor(ctx, s.userID)
	if err != nil {
		cached := s.store.GetConversations()
		herr := fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
		s.notify(Notice{Kind: NoticeHistory, Err: herr})
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, herr
	}

	online := make(map[string]bool)
	for _, c := range s.store.GetConversations() {
		online[c.Counterpart.UserID] = c.Counterpart.Online
	}
	for i := range list {
		list[i].Counterpart.Online = online[list[i].Counterpart.UserID]
	}
	s.store.SaveConversations(list)
	for _, c := range list {
		s.watchCounterpart(c.Counterpart.UserID)
	}
	return s.store.GetConversations(), nil
}

// DeleteConversation closes the conversation and removes it with its
// messages from the durable store and the cache.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.Close(ctx, conversationID); err != nil {
		s.logger.Warn("Failed to close deleted conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if err := s.repo.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	s.store.ClearMessages(conversationID)
	s.store.RemoveConversation(conversationID)
	return nil
}

// peerOf resolves the other participant of a conversation from the cache,
// then the durable store, then the conversation identity.
func (s *Session) peerOf(ctx context.Context, conversationID string) string {
	if c, ok := s.store.GetConversation(conversationID); ok && c.Participants[0] != "" {
		return counterpartOf(c.Participants, s.userID)
	}
	if c, err := s.repo.Conversation(ctx, conversationID, s.userID); err == nil && c.Participants[0] != "" {
		return counterpartOf(c.Participants, s.userID)
	}
	if a, b, ok := strings.Cut(conversationID, "_"); ok {
		return counterpartOf([2]string{a, b}, s.userID)
	}
	return ""
}

func (s *Session) watchCounterpart(userID string) {
	if s.cfg.Presence == nil || userID == "" {
		return
	}
	s.mu.Lock()
	if _, ok := s.watched[userID]; ok {
		s.mu.Unlock()
		return
	}
	s.watched[userID] = func() {}
	s.mu.Unlock()

	stop := s.cfg.Presence.CheckUserOnlineStatus(userID, func(online bool) {
		s.store.SetCounterpartOnline(userID, online)
	})
	s.mu.Lock()
	if _, ok := s.watched[userID]; ok {
		s.watched[userID] = stop
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	stop()
}

// ============================================================================
// Listeners
// ============================================================================

// SubscribeToMessages calls fn with the cached messages of a conversation
// now and with the updated list after every change, until the returned
// function is called.
func (s *Session) SubscribeToMessages(conversationID string, fn func([]Message)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	set, ok := s.listeners[conversationID]
	if !ok {
		set = make(map[uint64]func([]Message))
		s.listeners[conversationID] = set
	}
	set[id] = fn
	s.mu.Unlock()

	fn(s.store.GetMessages(conversationID))
	return func() {
		s.mu.Lock()
		delete(s.listeners[conversationID], id)
		if len(s.listeners[conversationID]) == 0 {
			delete(s.listeners, conversationID)
		}
		s.mu.Unlock()
	}
}

// OnNotice registers fn for user-facing notices.
func (s *Session) OnNotice(fn func(Notice)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.notices[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.notices, id)
		s.mu.Unlock()
	}
}

func (s *Session) publish(conversationID string, msgs []Message) {
	s.mu.Lock()
	fns := make([]func([]Message), 0, len(s.listeners[conversationID]))
	for _, fn := range s.listeners[conversationID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(cloneMessages(msgs))
		}()
	}
}

func (s *Session) notify(n Notice) {
	s.mu.Lock()
	fns := make([]func(Notice), 0, len(s.notices))
	for _, fn := range s.notices {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(n)
		}()
	}
}
