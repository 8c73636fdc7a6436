package relay

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/linkwave/chatsync"
)

// Error codes reported in error frames.
const (
	CodeBadRequest     = "bad_request"
	CodeUnknownCommand = "unknown_command"
	CodeInvalidEvent   = "invalid_event"
	CodeNotSubscribed  = "not_subscribed"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

const (
	shardCount = 16
	kvTimeout  = 5 * time.Second
)

type roomBucket struct {
	sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// Hub routes commands between connections: channel membership and event
// fan-out, realtime KV writes and watches, and disconnect hooks.
type Hub struct {
	shards [shardCount]*roomBucket

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	watchers map[string]map[*Client]struct{}

	kv         KV
	stopWatch  func()
	webhooks   *webhookSender
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
	eventRate  rate.Limit
	eventBurst int
}

func newHub(kv KV, webhooks *webhookSender, metrics *Metrics, logger *zap.Logger, now func() time.Time, eventRate rate.Limit, eventBurst int) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		watchers:   make(map[string]map[*Client]struct{}),
		kv:         kv,
		webhooks:   webhooks,
		metrics:    metrics,
		logger:     logger,
		now:        now,
		eventRate:  eventRate,
		eventBurst: eventBurst,
	}
	for i := range h.shards {
		h.shards[i] = &roomBucket{rooms: make(map[string]map[*Client]struct{})}
	}
	h.stopWatch = kv.Watch(h.onValue)
	return h
}

func getShard(channel string) uint32 {
	if channel == "" {
		return 0
	}
	sum := sha1.Sum([]byte(channel))
	return binary.BigEndian.Uint32(sum[:4]) % shardCount
}

func (h *Hub) bucket(channel string) *roomBucket {
	return h.shards[getShard(channel)]
}

// ── Connections ──────────────────────────────────────────

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.Connections.Inc()
	c.logger.Info("client_registered")
}

// unregister forgets c and runs its disconnect hooks.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)

	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	for path := range c.paths {
		h.removeWatcher(path, c)
	}
	hooks := c.hooks
	c.channels = make(map[string]struct{})
	c.paths = make(map[string]struct{})
	c.hooks = make(map[string]json.RawMessage)
	c.mu.Unlock()
	h.mu.Unlock()

	for _, ch := range channels {
		h.leave(c, ch)
	}
	h.metrics.Connections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	for path, raw := range hooks {
		if err := h.write(ctx, path, raw); err != nil {
			c.logger.Error("disconnect_hook_failed", zap.String("path", path), zap.Error(err))
			continue
		}
		h.metrics.DisconnectHooks.Inc()
	}
	c.logger.Info("client_unregistered", zap.Int("hooks", len(hooks)))
}

// Stop closes every connection and stops observing the KV.
func (h *Hub) Stop() {
	h.stopWatch()
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

// Stats reports the number of connections and occupied channels.
func (h *Hub) Stats() (connections, channels int) {
	h.mu.RLock()
	connections = len(h.clients)
	h.mu.RUnlock()
	for _, b := range h.shards {
		b.RLock()
		channels += len(b.rooms)
		b.RUnlock()
	}
	return connections, channels
}

// ── Commands ─────────────────────────────────────────────

func (h *Hub) handle(c *Client, cmd chatsync.RealtimeCommand) {
	switch cmd.Type {
	case chatsync.CmdPing:
		c.send(chatsync.EvtPong, chatsync.ReplyPayload{RequestID: cmd.RequestID})
	case chatsync.CmdSubscribe:
		var p chatsync.ChannelPayload
		if json.Unmarshal(cmd.Payload, &p) != nil || p.Channel == "" {
			c.sendError(cmd.RequestID, CodeBadRequest, "channel is required")
			return
		}
		h.join(c, p.Channel)
		c.send(chatsync.EvtSubscribed, chatsync.ReplyPayload{RequestID: cmd.RequestID, Channel: p.Channel})
	case chatsync.CmdUnsubscribe:
		var p chatsync.ChannelPayload
		if json.Unmarshal(cmd.Payload, &p) != nil || p.Channel == "" {
			c.sendError(cmd.RequestID, CodeBadRequest, "channel is required")
			return
		}
		h.leave(c, p.Channel)
		c.send(chatsync.EvtAck, chatsync.ReplyPayload{RequestID: cmd.RequestID, Channel: p.Channel})
	case chatsync.CmdTrigger:
		h.trigger(c, cmd)
	case chatsync.CmdKVSet, chatsync.CmdKVWatch, chatsync.CmdKVUnwatch,
		chatsync.CmdKVOnDisconnect, chatsync.CmdKVCancelOnDiscon:
		h.handleKV(c, cmd)
	default:
		c.sendError(cmd.RequestID, CodeUnknownCommand, "unknown command "+cmd.Type)
	}
}

func (h *Hub) trigger(c *Client, cmd chatsync.RealtimeCommand) {
	if !c.events.Allow() {
		h.metrics.RateLimited.Inc()
		c.sendError(cmd.RequestID, CodeRateLimited, "client event rate exceeded")
		return
	}

	var p chatsync.TriggerPayload
	if json.Unmarshal(cmd.Payload, &p) != nil || p.Channel == "" || p.Event == "" {
		c.sendError(cmd.RequestID, CodeBadRequest, "channel and event are required")
		return
	}
	if !strings.HasPrefix(p.Event, chatsync.ClientEventPrefix) {
		c.sendError(cmd.RequestID, CodeInvalidEvent, "client events must start with "+chatsync.ClientEventPrefix)
		return
	}

	targets, ok := h.members(p.Channel, c)
	if !ok {
		c.sendError(cmd.RequestID, CodeNotSubscribed, "not subscribed to "+p.Channel)
		return
	}

	event := chatsync.EventPayload{Channel: p.Channel, Event: p.Event, Data: p.Data, SenderID: c.userID}
	for _, t := range targets {
		t.send(chatsync.EvtEvent, event)
	}
	h.metrics.EventsRelayed.WithLabelValues(p.Event).Inc()
	h.webhooks.enqueue(chatsync.WebhookClientEvent, p.Channel, p.Event, c.userID, p.Data)
	c.send(chatsync.EvtAck, chatsync.ReplyPayload{RequestID: cmd.RequestID, Channel: p.Channel})
}

func (h *Hub) handleKV(c *Client, cmd chatsync.RealtimeCommand) {
	var p chatsync.KVPayload
	if json.Unmarshal(cmd.Payload, &p) != nil || p.Path == "" {
		c.sendError(cmd.RequestID, CodeBadRequest, "path is required")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, kvTimeout)
	defer cancel()

	switch cmd.Type {
	case chatsync.CmdKVSet:
		if err := h.write(ctx, p.Path, p.Value); err != nil {
			c.logger.Error("kv_write_failed", zap.String("path", p.Path), zap.Error(err))
			c.sendError(cmd.RequestID, CodeInternal, "write failed")
			return
		}
	case chatsync.CmdKVWatch:
		h.addWatcher(p.Path, c)
		value, err := h.kv.Get(ctx, p.Path)
		if err != nil {
			c.logger.Error("kv_read_failed", zap.String("path", p.Path), zap.Error(err))
			c.sendError(cmd.RequestID, CodeInternal, "read failed")
			return
		}
		c.send(chatsync.EvtKVValue, chatsync.KVPayload{Path: p.Path, Value: value})
	case chatsync.CmdKVUnwatch:
		h.mu.Lock()
		c.mu.Lock()
		delete(c.paths, p.Path)
		c.mu.Unlock()
		h.removeWatcher(p.Path, c)
		h.mu.Unlock()
	case chatsync.CmdKVOnDisconnect:
		c.mu.Lock()
		c.hooks[p.Path] = append(json.RawMessage(nil), p.Value...)
		c.mu.Unlock()
	case chatsync.CmdKVCancelOnDiscon:
		c.mu.Lock()
		delete(c.hooks, p.Path)
		c.mu.Unlock()
	}
	c.send(chatsync.EvtAck, chatsync.ReplyPayload{RequestID: cmd.RequestID})
}

// write stores raw at path after resolving server placeholders. A null
// value deletes the path.
func (h *Hub) write(ctx context.Context, path string, raw json.RawMessage) error {
	resolved, err := chatsync.ResolveServerJSON(raw, h.now())
	if err != nil {
		return err
	}
	if err := h.kv.Set(ctx, path, normalize(resolved)); err != nil {
		return err
	}
	h.metrics.KVWrites.Inc()
	return nil
}

// onValue fans a KV change out to the connections watching path.
func (h *Hub) onValue(path string, value json.RawMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.watchers[path]))
	for c := range h.watchers[path] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.send(chatsync.EvtKVValue, chatsync.KVPayload{Path: path, Value: value})
	}
}

func (h *Hub) addWatcher(path string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.watchers[path]
	if !ok {
		members = make(map[*Client]struct{})
		h.watchers[path] = members
	}
	members[c] = struct{}{}
	c.mu.Lock()
	c.paths[path] = struct{}{}
	c.mu.Unlock()
}

// removeWatcher must be called with h.mu held.
func (h *Hub) removeWatcher(path string, c *Client) {
	if members, ok := h.watchers[path]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.watchers, path)
		}
	}
}

// ── Channels ─────────────────────────────────────────────

func (h *Hub) join(c *Client, channel string) {
	c.mu.Lock()
	_, already := c.channels[channel]
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
	if already {
		return
	}

	b := h.bucket(channel)
	b.Lock()
	room, ok := b.rooms[channel]
	if !ok {
		room = make(map[*Client]struct{})
		b.rooms[channel] = room
	}
	room[c] = struct{}{}
	b.Unlock()

	h.metrics.Subscriptions.Inc()
	c.logger.Debug("channel_joined", zap.String("channel", channel))
	if !ok {
		h.webhooks.enqueue(chatsync.WebhookChannelOccupied, channel, "", c.userID, nil)
	}
}

func (h *Hub) leave(c *Client, channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()

	b := h.bucket(channel)
	b.Lock()
	room, ok := b.rooms[channel]
	if !ok {
		b.Unlock()
		return
	}
	if _, member := room[c]; !member {
		b.Unlock()
		return
	}
	delete(room, c)
	vacated := len(room) == 0
	if vacated {
		delete(b.rooms, channel)
	}
	b.Unlock()

	h.metrics.Subscriptions.Dec()
	c.logger.Debug("channel_left", zap.String("channel", channel))
	if vacated {
		h.webhooks.enqueue(chatsync.WebhookChannelVacated, channel, "", c.userID, nil)
	}
}

// members returns the subscribers of channel other than sender, and
// whether sender itself is subscribed.
func (h *Hub) members(channel string, sender *Client) ([]*Client, bool) {
	b := h.bucket(channel)
	b.RLock()
	defer b.RUnlock()
	room := b.rooms[channel]
	if _, ok := room[sender]; !ok {
		return nil, false
	}
	out := make([]*Client, 0, len(room)-1)
	for c := range room {
		if c != sender {
			out = append(out, c)
		}
	}
	return out, true
}
