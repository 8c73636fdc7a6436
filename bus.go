package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ClientEventPrefix marks events originated by clients rather than the relay.
const ClientEventPrefix = "client-"

// EventSink receives every event delivered by a transport.
type EventSink func(channel, event string, data json.RawMessage)

// Transport is a named-channel publish/subscribe connection. Triggered
// events reach every other subscriber of the channel, never the sender.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Trigger(ctx context.Context, channel, event string, data json.RawMessage) error
	// OnEvent installs the sink for inbound events, replacing any previous one.
	// Events are delivered one at a time in transport order.
	OnEvent(sink EventSink)
	// OnConnectionState registers fn for connectivity transitions. fn is
	// called with the current state on registration.
	OnConnectionState(fn func(connected bool)) (unregister func())
}

// ============================================================================
// Channel
// ============================================================================

// EventHandler handles the payload of a bound event.
type EventHandler func(data json.RawMessage)

// Binding identifies one handler bound to a channel event.
type Binding struct {
	Event string
	id    uint64
}

type boundHandler struct {
	id uint64
	fn EventHandler
}

// Channel is a subscribed channel handle. It becomes inert once the channel
// is unsubscribed.
type Channel struct {
	name string
	bus  *ChannelBus

	mu       sync.RWMutex
	active   bool
	nextID   uint64
	bindings map[string][]boundHandler
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Active reports whether the channel is still subscribed.
func (c *Channel) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Bind registers h for event. Binding to an inert channel has no effect.
func (c *Channel) Bind(event string, h EventHandler) Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	b := Binding{Event: event, id: c.nextID}
	if c.active {
		c.bindings[event] = append(c.bindings[event], boundHandler{id: b.id, fn: h})
	}
	return b
}

// Unbind removes the handler registered by b.
func (c *Channel) Unbind(b Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.bindings[b.Event]
	for i, h := range list {
		if h.id == b.id {
			c.bindings[b.Event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.bindings[b.Event]) == 0 {
		delete(c.bindings, b.Event)
	}
}

// UnbindAll removes every handler of the channel.
func (c *Channel) UnbindAll() {
	c.mu.Lock()
	c.bindings = make(map[string][]boundHandler)
	c.mu.Unlock()
}

// BindingCount returns the number of handlers bound to event, or to all
// events when event is empty.
func (c *Channel) BindingCount(event string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if event != "" {
		return len(c.bindings[event])
	}
	n := 0
	for _, list := range c.bindings {
		n += len(list)
	}
	return n
}

// Trigger broadcasts a client event on the channel.
func (c *Channel) Trigger(ctx context.Context, event string, payload any) error {
	return c.bus.Trigger(ctx, c, event, payload)
}

func (c *Channel) deactivate() {
	c.mu.Lock()
	c.active = false
	c.bindings = make(map[string][]boundHandler)
	c.mu.Unlock()
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	if !c.active {
		c.mu.RUnlock()
		return
	}
	handlers := append([]boundHandler(nil), c.bindings[event]...)
	c.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.bus.logger.Error("Channel handler panicked",
						zap.String("channel", c.name),
						zap.String("event", event),
						zap.Any("panic", r),
					)
				}
			}()
			h.fn(data)
		}()
	}
}

// ============================================================================
// ChannelBus
// ============================================================================

// ChannelBus multiplexes channel subscriptions over one shared transport.
type ChannelBus struct {
	transport Transport
	logger    *zap.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

// NewChannelBus wraps transport. The bus becomes the transport's event sink.
func NewChannelBus(transport Transport, logger *zap.Logger) *ChannelBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &ChannelBus{
		transport: transport,
		logger:    logger,
		channels:  make(map[string]*Channel),
	}
	transport.OnEvent(b.dispatch)
	return b
}

// Transport returns the underlying transport.
func (b *ChannelBus) Transport() Transport { return b.transport }

// Connect opens the shared transport connection.
func (b *ChannelBus) Connect(ctx context.Context) error {
	if err := b.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

// Subscribe returns the handle of channel name, subscribing on first use.
func (b *ChannelBus) Subscribe(ctx context.Context, name string) (*Channel, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrTransportNotInitialized
	}
	if ch, ok := b.channels[name]; ok {
		b.mu.Unlock()
		return ch, nil
	}
	b.mu.Unlock()

	if err := b.transport.Subscribe(ctx, name); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return ch, nil
	}
	ch := &Channel{
		name:     name,
		bus:      b,
		active:   true,
		bindings: make(map[string][]boundHandler),
	}
	b.channels[name] = ch
	b.logger.Debug("Subscribed channel", zap.String("channel", name))
	return ch, nil
}

// Channel returns the handle of a subscribed channel.
func (b *ChannelBus) Channel(name string) (*Channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	return ch, ok
}

// SubscriptionCount returns the number of subscribed channels.
func (b *ChannelBus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Trigger broadcasts a client-originated event to the other subscribers of
// ch. payload is encoded as JSON unless it already is a json.RawMessage.
func (b *ChannelBus) Trigger(ctx context.Context, ch *Channel, event string, payload any) error {
	if !strings.HasPrefix(event, ClientEventPrefix) {
		return fmt.Errorf("trigger %q: %w", event, ErrInvalidClientEvent)
	}
	if ch == nil {
		return ErrNotSubscribed
	}
	b.mu.Lock()
	current, ok := b.channels[ch.name]
	b.mu.Unlock()
	if !ok || current != ch || !ch.Active() {
		return fmt.Errorf("trigger on %s: %w", ch.name, ErrNotSubscribed)
	}

	data, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
	}
	if err := b.transport.Trigger(ctx, ch.name, event, data); err != nil {
		return fmt.Errorf("trigger %s on %s: %w", event, ch.name, err)
	}
	return nil
}

// Unsubscribe releases channel name. Its handle and bindings become inert.
func (b *ChannelBus) Unsubscribe(ctx context.Context, name string) error {
	b.mu.Lock()
	ch, ok := b.channels[name]
	delete(b.channels, name)
	closed := b.closed
	b.mu.Unlock()
	if !ok {
		return nil
	}
	ch.deactivate()
	if closed {
		return nil
	}
	if err := b.transport.Unsubscribe(ctx, name); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", name, err)
	}
	return nil
}

// Close releases every channel and disconnects the transport.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channels := b.channels
	b.channels = make(map[string]*Channel)
	b.mu.Unlock()

	for _, ch := range channels {
		ch.deactivate()
	}
	if err := b.transport.Disconnect(); err != nil {
		return fmt.Errorf("disconnect transport: %w", err)
	}
	return nil
}

func (b *ChannelBus) dispatch(channel, event string, data json.RawMessage) {
	b.mu.Lock()
	ch := b.channels[channel]
	b.mu.Unlock()
	if ch == nil {
		b.logger.Debug("Dropping event for unknown channel",
			zap.String("channel", channel),
			zap.String("event", event),
		)
		return
	}
	ch.dispatch(event, data)
}
