package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// LoopbackHub is an in-process relay. Connections created from one hub see
// the same channels and realtime values, with the same semantics as the
// networked relay: triggers are not echoed to the sender and disconnect
// hooks run when a connection goes away.
type LoopbackHub struct {
	mu       sync.Mutex
	channels map[string]map[*LoopbackConn]struct{}
	values   map[string]json.RawMessage
	watchers map[string]map[*LoopbackConn]struct{}
	hooks    map[*LoopbackConn]map[string]json.RawMessage
	now      func() time.Time
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{
		channels: make(map[string]map[*LoopbackConn]struct{}),
		values:   make(map[string]json.RawMessage),
		watchers: make(map[string]map[*LoopbackConn]struct{}),
		hooks:    make(map[*LoopbackConn]map[string]json.RawMessage),
		now:      time.Now,
	}
}

// Conn creates a disconnected connection acting as userID.
func (h *LoopbackHub) Conn(userID string) *LoopbackConn {
	return &LoopbackConn{hub: h, userID: userID, subs: make(map[string]struct{})}
}

// Value returns the stored value at path.
func (h *LoopbackHub) Value(path string) (json.RawMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[path]
	return v, ok
}

// Subscribers returns the number of connections subscribed to channel.
func (h *LoopbackHub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

func (h *LoopbackHub) attach(c *LoopbackConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range c.subs {
		h.join(ch, c)
	}
	for _, path := range c.values.list() {
		h.watch(path, c)
	}
}

// detach removes c and returns the notifications produced by its
// disconnect hooks.
func (h *LoopbackHub) detach(c *LoopbackConn) []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, members := range h.channels {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, ch)
		}
	}
	for path, members := range h.watchers {
		delete(members, c)
		if len(members) == 0 {
			delete(h.watchers, path)
		}
	}
	var notify []func()
	for path, raw := range h.hooks[c] {
		notify = append(notify, h.store(path, raw)...)
	}
	delete(h.hooks, c)
	return notify
}

func (h *LoopbackHub) join(channel string, c *LoopbackConn) {
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*LoopbackConn]struct{})
		h.channels[channel] = members
	}
	members[c] = struct{}{}
}

func (h *LoopbackHub) watch(path string, c *LoopbackConn) {
	members, ok := h.watchers[path]
	if !ok {
		members = make(map[*LoopbackConn]struct{})
		h.watchers[path] = members
	}
	members[c] = struct{}{}
}

// store must be called with h.mu held. It returns the watcher
// notifications to run once the lock is released.
func (h *LoopbackHub) store(path string, raw json.RawMessage) []func() {
	resolved, err := ResolveServerJSON(raw, h.now())
	if err != nil {
		return nil
	}
	value := normalizeValue(resolved)
	if value == nil {
		delete(h.values, path)
	} else {
		h.values[path] = value
	}
	notify := make([]func(), 0, len(h.watchers[path]))
	for c := range h.watchers[path] {
		c := c
		notify = append(notify, func() { c.deliverValue(path, value) })
	}
	return notify
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// ============================================================================
// LoopbackConn
// ============================================================================

// LoopbackConn is one client connection to a LoopbackHub. It implements
// Transport and RealtimeKV. Delivery is synchronous: handlers run on the
// goroutine that triggered the event or wrote the value.
type LoopbackConn struct {
	hub    *LoopbackHub
	userID string

	mu        sync.Mutex
	connected bool
	subs      map[string]struct{}
	sink      EventSink

	stateFns stateWatchers
	values   valueWatchers
}

// UserID returns the identity of the connection.
func (c *LoopbackConn) UserID() string { return c.userID }

func (c *LoopbackConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *LoopbackConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	c.mu.Unlock()

	c.hub.attach(c)
	for _, path := range c.values.list() {
		v, _ := c.hub.Value(path)
		c.deliverValue(path, v)
	}
	c.emitState(true)
	return nil
}

// Disconnect closes the connection. Disconnect hooks run as for a drop.
func (c *LoopbackConn) Disconnect() error {
	c.Drop()
	return nil
}

// Drop simulates the loss of the connection: the hub forgets the
// connection, runs its disconnect hooks and observers see the transition.
// Subscriptions and watches are restored by the next Connect.
func (c *LoopbackConn) Drop() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	runAll(c.hub.detach(c))
	c.emitState(false)
}

func (c *LoopbackConn) OnEvent(sink EventSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *LoopbackConn) OnConnectionState(fn func(connected bool)) func() {
	_, unregister := c.stateFns.add(fn)
	fn(c.isConnected())
	return unregister
}

func (c *LoopbackConn) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.subs[channel] = struct{}{}
	c.mu.Unlock()

	c.hub.mu.Lock()
	c.hub.join(channel, c)
	c.hub.mu.Unlock()
	return nil
}

func (c *LoopbackConn) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if members, ok := c.hub.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(c.hub.channels, channel)
		}
	}
	return nil
}

func (c *LoopbackConn) Trigger(ctx context.Context, channel, event string, data json.RawMessage) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	c.hub.mu.Lock()
	if _, ok := c.hub.channels[channel][c]; !ok {
		c.hub.mu.Unlock()
		return &RelayError{Code: "not_subscribed", Message: fmt.Sprintf("not subscribed to %s", channel)}
	}
	targets := make([]*LoopbackConn, 0, len(c.hub.channels[channel]))
	for member := range c.hub.channels[channel] {
		if member != c {
			targets = append(targets, member)
		}
	}
	c.hub.mu.Unlock()

	payload := append(json.RawMessage(nil), data...)
	for _, t := range targets {
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink(channel, event, payload)
		}
	}
	return nil
}

func (c *LoopbackConn) Set(ctx context.Context, path string, value any) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	c.hub.mu.Lock()
	notify := c.hub.store(path, raw)
	c.hub.mu.Unlock()
	runAll(notify)
	return nil
}

func (c *LoopbackConn) OnValue(path string, cb func(json.RawMessage)) func() {
	id, _ := c.values.add(path, cb)
	if c.isConnected() {
		c.hub.mu.Lock()
		c.hub.watch(path, c)
		v := c.hub.values[path]
		c.hub.mu.Unlock()
		cb(v)
	}
	return func() {
		if c.values.remove(path, id) {
			c.unwatch(path)
		}
	}
}

func (c *LoopbackConn) Off(path string) {
	if c.values.removeAll(path) {
		c.unwatch(path)
	}
}

func (c *LoopbackConn) unwatch(path string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if members, ok := c.hub.watchers[path]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(c.hub.watchers, path)
		}
	}
}

func (c *LoopbackConn) OnDisconnectSet(ctx context.Context, path string, value any) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	hooks, ok := c.hub.hooks[c]
	if !ok {
		hooks = make(map[string]json.RawMessage)
		c.hub.hooks[c] = hooks
	}
	hooks[path] = raw
	return nil
}

func (c *LoopbackConn) CancelOnDisconnect(ctx context.Context, path string) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	delete(c.hub.hooks[c], path)
	return nil
}

func (c *LoopbackConn) deliverValue(path string, value json.RawMessage) {
	for _, fn := range c.values.get(path) {
		fn(value)
	}
}

func (c *LoopbackConn) emitState(connected bool) {
	for _, fn := range c.stateFns.snapshot() {
		fn(connected)
	}
}
