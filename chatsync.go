// Package chatsync delivers two-party chat conversations in real time.
//
// Messages are written to an authoritative document store and broadcast on
// a per-conversation channel of a shared realtime transport. Each device
// keeps a bounded cache of recent messages and conversation summaries which
// is reconciled with the document store when a conversation is opened.
// Presence is published through a realtime key/value store whose server
// writes the offline record when the connection is lost.
package chatsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Transport singleton
// ============================================================================

var (
	transportMu sync.Mutex
	sharedBus   *ChannelBus
)

// InitTransport connects t and installs it as the process-wide channel bus.
// When a bus is already installed it is returned and t is left untouched.
func InitTransport(ctx context.Context, t Transport, logger *zap.Logger) (*ChannelBus, error) {
	transportMu.Lock()
	defer transportMu.Unlock()
	if sharedBus != nil {
		return sharedBus, nil
	}
	bus := NewChannelBus(t, logger)
	if err := bus.Connect(ctx); err != nil {
		return nil, err
	}
	sharedBus = bus
	return bus, nil
}

// GetTransport returns the process-wide channel bus.
func GetTransport() (*ChannelBus, error) {
	transportMu.Lock()
	defer transportMu.Unlock()
	if sharedBus == nil {
		return nil, ErrTransportNotInitialized
	}
	return sharedBus, nil
}

// DisposeTransport closes the process-wide channel bus and disconnects its
// transport.
func DisposeTransport() error {
	transportMu.Lock()
	bus := sharedBus
	sharedBus = nil
	transportMu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Close()
}

// ============================================================================
// Client
// ============================================================================

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used by every component.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records client metrics on m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithCacheLimit sets the number of cached messages per conversation.
func WithCacheLimit(n int) ClientOption {
	return func(c *Client) { c.cacheLimit = n }
}

// WithHistoryLimit sets how many durable messages a refresh reads.
func WithHistoryLimit(n int) ClientOption {
	return func(c *Client) { c.historyLimit = n }
}

// WithDocumentStore sets the authoritative document store.
func WithDocumentStore(s DocumentStore) ClientOption {
	return func(c *Client) { c.docs = s }
}

// WithStorage sets the device-local storage backing the cache.
func WithStorage(s KeyValueStorage) ClientOption {
	return func(c *Client) { c.storage = s }
}

// WithBus uses bus instead of the process-wide channel bus.
func WithBus(bus *ChannelBus) ClientOption {
	return func(c *Client) { c.bus = bus }
}

// WithRealtimeKV sets the realtime KV used for presence. By default the
// bus transport is used when it implements RealtimeKV.
func WithRealtimeKV(kv RealtimeKV) ClientOption {
	return func(c *Client) { c.kv = kv }
}

// WithReactionBroadcast persists reactions and sends them to the other
// participant.
func WithReactionBroadcast(enabled bool) ClientOption {
	return func(c *Client) { c.reactionBroadcast = enabled }
}

// Client bundles the components of one signed-in user.
type Client struct {
	userID            string
	logger            *zap.Logger
	metrics           *Metrics
	cacheLimit        int
	historyLimit      int
	docs              DocumentStore
	storage           KeyValueStorage
	bus               *ChannelBus
	kv                RealtimeKV
	reactionBroadcast bool

	store    *LocalStore
	repo     *Repository
	presence *PresenceTracker
	session  *Session
}

// NewClient creates a client for userID. Without WithBus the process-wide
// bus installed by InitTransport is used. Without WithDocumentStore and
// WithStorage in-memory implementations are used.
func NewClient(userID string, opts ...ClientOption) (*Client, error) {
	c := &Client{userID: userID}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.bus == nil {
		bus, err := GetTransport()
		if err != nil {
			return nil, err
		}
		c.bus = bus
	}
	if c.docs == nil {
		c.docs = NewMemoryDocumentStore()
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}
	if c.kv == nil {
		if kv, ok := c.bus.Transport().(RealtimeKV); ok {
			c.kv = kv
		}
	}

	c.store = NewLocalStore(c.storage, c.cacheLimit, c.logger.Named("cache"))
	c.repo = NewRepository(c.docs, c.logger.Named("store"))
	if c.kv != nil {
		c.presence = NewPresenceTracker(c.kv, userID, c.logger.Named("presence"))
	}

	session, err := NewSession(SessionConfig{
		UserID:            userID,
		Bus:               c.bus,
		Store:             c.store,
		Repository:        c.repo,
		Presence:          c.presence,
		Logger:            c.logger.Named("session"),
		Metrics:           c.metrics,
		ReactionBroadcast: c.reactionBroadcast,
		HistoryLimit:      c.historyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.session = session
	return c, nil
}

// Start publishes the user's presence.
func (c *Client) Start(ctx context.Context) {
	if c.presence != nil {
		c.presence.Start(ctx)
	}
}

// Close closes every conversation and marks the user offline. The bus is
// left connected; see DisposeTransport.
func (c *Client) Close(ctx context.Context) error {
	err := c.session.CloseAll(ctx)
	if c.presence != nil {
		c.presence.Stop(ctx)
	}
	return err
}

// UserID returns the signed-in user.
func (c *Client) UserID() string { return c.userID }

// Session returns the conversation session.
func (c *Client) Session() *Session { return c.session }

// Presence returns the presence tracker, or nil without a realtime KV.
func (c *Client) Presence() *PresenceTracker { return c.presence }

// Store returns the local cache.
func (c *Client) Store() *LocalStore { return c.store }

// Repository returns the durable store repository.
func (c *Client) Repository() *Repository { return c.repo }

// Bus returns the channel bus.
func (c *Client) Bus() *ChannelBus { return c.bus }
