package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// RealtimeKV is a realtime key/value database with server-side disconnect
// hooks. Values are JSON; ServerTimestamp placeholders are resolved by the
// server.
type RealtimeKV interface {
	Set(ctx context.Context, path string, value any) error
	// OnValue calls cb with the current value at path and on every change.
	// A nil value means the path is absent.
	OnValue(path string, cb func(value json.RawMessage)) (unsubscribe func())
	// OnDisconnectSet registers a write the server performs when this
	// connection is lost.
	OnDisconnectSet(ctx context.Context, path string, value any) error
	CancelOnDisconnect(ctx context.Context, path string) error
	// Off removes every OnValue callback for path.
	Off(path string)
	OnConnectionState(fn func(connected bool)) (unregister func())
}

// ============================================================================
// Wire Protocol
// ============================================================================

// Commands sent by clients.
const (
	CmdSubscribe        = "subscribe"
	CmdUnsubscribe      = "unsubscribe"
	CmdTrigger          = "trigger"
	CmdKVSet            = "kv.set"
	CmdKVWatch          = "kv.watch"
	CmdKVUnwatch        = "kv.unwatch"
	CmdKVOnDisconnect   = "kv.ondisconnect"
	CmdKVCancelOnDiscon = "kv.ondisconnect.cancel"
	CmdPing             = "ping"
)

// Events sent by the relay.
const (
	EvtConnected  = "connected"
	EvtSubscribed = "subscribed"
	EvtAck        = "ack"
	EvtEvent      = "event"
	EvtKVValue    = "kv.value"
	EvtPong       = "pong"
	EvtError      = "error"
)

// RealtimeEnvelope is the wire format for all relay-to-client frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-relay frame.
type RealtimeCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ConnectedPayload is sent once a connection is accepted.
type ConnectedPayload struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
}

// ChannelPayload is the payload of subscribe and unsubscribe commands.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// TriggerPayload is the payload of a trigger command.
type TriggerPayload struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// EventPayload carries a channel event to subscribers.
type EventPayload struct {
	Channel  string          `json:"channel"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	SenderID string          `json:"senderId,omitempty"`
}

// KVPayload addresses a realtime KV path, optionally with a value.
type KVPayload struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ReplyPayload acknowledges a command carrying a request ID.
type ReplyPayload struct {
	RequestID string `json:"requestId"`
	Channel   string `json:"channel,omitempty"`
}

// ErrorPayload reports a failed command.
type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures RealtimeWSClient.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Watchers
// ============================================================================

type stateWatchers struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(bool)
}

func (w *stateWatchers) add(fn func(bool)) (uint64, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[uint64]func(bool))
	}
	w.nextID++
	id := w.nextID
	w.fns[id] = fn
	return id, func() {
		w.mu.Lock()
		delete(w.fns, id)
		w.mu.Unlock()
	}
}

func (w *stateWatchers) snapshot() []func(bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]func(bool), 0, len(w.fns))
	for _, fn := range w.fns {
		out = append(out, fn)
	}
	return out
}

type valueWatchers struct {
	mu     sync.Mutex
	nextID uint64
	paths  map[string]map[uint64]func(json.RawMessage)
}

// add reports whether id is the first watcher of path.
func (w *valueWatchers) add(path string, fn func(json.RawMessage)) (id uint64, first bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paths == nil {
		w.paths = make(map[string]map[uint64]func(json.RawMessage))
	}
	w.nextID++
	set, ok := w.paths[path]
	if !ok {
		set = make(map[uint64]func(json.RawMessage))
		w.paths[path] = set
	}
	set[w.nextID] = fn
	return w.nextID, !ok
}

// remove reports whether path has no watchers left.
func (w *valueWatchers) remove(path string, id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.paths[path]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(w.paths, path)
		return true
	}
	return false
}

func (w *valueWatchers) removeAll(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.paths[path]
	delete(w.paths, path)
	return ok
}

func (w *valueWatchers) get(path string) []func(json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]func(json.RawMessage), 0, len(w.paths[path]))
	for _, fn := range w.paths[path] {
		out = append(out, fn)
	}
	return out
}

func (w *valueWatchers) list() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.paths))
	for p := range w.paths {
		out = append(out, p)
	}
	return out
}

func normalizeValue(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket connection to the relay with auto-reconnect
// and heartbeat. It implements Transport and RealtimeKV. Channel
// subscriptions and KV watches survive reconnects; disconnect hooks are
// owned by the connection and must be registered again once reconnected.
type RealtimeWSClient struct {
	baseURL string
	userID  string
	config  *RealtimeConfig
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	queue            chan func()
	channels         map[string]struct{}
	sink             EventSink
	recon            *reconnector

	requestCounter atomic.Uint64
	pendingMu      sync.Mutex
	pending        map[string]chan RealtimeEnvelope

	stateFns stateWatchers
	values   valueWatchers
}

// NewRealtimeWSClient creates a client for the relay at baseURL
// (http, https, ws or wss) acting as userID.
func NewRealtimeWSClient(baseURL, userID string, config *RealtimeConfig) *RealtimeWSClient {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	return &RealtimeWSClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		userID:   userID,
		config:   config,
		logger:   config.Logger,
		state:    StateDisconnected,
		channels: make(map[string]struct{}),
		recon:    newReconnector(config),
		pending:  make(map[string]chan RealtimeEnvelope),
	}
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// OnEvent installs the sink for channel events.
func (ws *RealtimeWSClient) OnEvent(sink EventSink) {
	ws.mu.Lock()
	ws.sink = sink
	ws.mu.Unlock()
}

// OnConnectionState registers fn for connectivity transitions.
func (ws *RealtimeWSClient) OnConnectionState(fn func(connected bool)) func() {
	_, unregister := ws.stateFns.add(fn)
	fn(ws.State() == StateConnected)
	return unregister
}

// Connect establishes the WebSocket connection and restores channel
// subscriptions and KV watches.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?user=" + url.QueryEscape(ws.userID)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read connected message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EvtConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", EvtConnected, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	queue := make(chan func(), 1024)

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.queue = queue
	channels := make([]string, 0, len(ws.channels))
	for ch := range ws.channels {
		channels = append(channels, ch)
	}
	ws.mu.Unlock()
	ws.recon.markConnected()

	queue <- func() { ws.emitState(true) }
	go deliverLoop(queue)
	go ws.readLoop(connCtx, conn, queue)
	go ws.heartbeatLoop(connCtx)

	for _, ch := range channels {
		if err := ws.call(ctx, CmdSubscribe, ChannelPayload{Channel: ch}); err != nil {
			ws.logger.Warn("Failed to restore channel subscription", zap.String("channel", ch), zap.Error(err))
		}
	}
	for _, path := range ws.values.list() {
		if err := ws.call(ctx, CmdKVWatch, KVPayload{Path: path}); err != nil {
			ws.logger.Warn("Failed to restore KV watch", zap.String("path", path), zap.Error(err))
		}
	}

	ws.logger.Info("Realtime connected", zap.String("user_id", ws.userID))
	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPending()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Transport ─────────────────────────────────────────────

func (ws *RealtimeWSClient) Subscribe(ctx context.Context, channel string) error {
	ws.mu.Lock()
	ws.channels[channel] = struct{}{}
	ws.mu.Unlock()
	if err := ws.call(ctx, CmdSubscribe, ChannelPayload{Channel: channel}); err != nil {
		ws.mu.Lock()
		delete(ws.channels, channel)
		ws.mu.Unlock()
		return err
	}
	return nil
}

func (ws *RealtimeWSClient) Unsubscribe(ctx context.Context, channel string) error {
	ws.mu.Lock()
	delete(ws.channels, channel)
	ws.mu.Unlock()
	return ws.call(ctx, CmdUnsubscribe, ChannelPayload{Channel: channel})
}

func (ws *RealtimeWSClient) Trigger(ctx context.Context, channel, event string, data json.RawMessage) error {
	return ws.call(ctx, CmdTrigger, TriggerPayload{Channel: channel, Event: event, Data: data})
}

// ── RealtimeKV ────────────────────────────────────────────

func (ws *RealtimeWSClient) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return ws.call(ctx, CmdKVSet, KVPayload{Path: path, Value: raw})
}

func (ws *RealtimeWSClient) OnDisconnectSet(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return ws.call(ctx, CmdKVOnDisconnect, KVPayload{Path: path, Value: raw})
}

func (ws *RealtimeWSClient) CancelOnDisconnect(ctx context.Context, path string) error {
	return ws.call(ctx, CmdKVCancelOnDiscon, KVPayload{Path: path})
}

func (ws *RealtimeWSClient) OnValue(path string, cb func(json.RawMessage)) func() {
	id, first := ws.values.add(path, cb)
	if first {
		go ws.watchCommand(CmdKVWatch, path)
	} else {
		go ws.refetch(path)
	}
	return func() {
		if ws.values.remove(path, id) {
			go ws.watchCommand(CmdKVUnwatch, path)
		}
	}
}

func (ws *RealtimeWSClient) Off(path string) {
	if ws.values.removeAll(path) {
		go ws.watchCommand(CmdKVUnwatch, path)
	}
}

// refetch asks the relay to resend the current value of an already watched
// path so that a newly added callback observes it.
func (ws *RealtimeWSClient) refetch(path string) {
	ws.watchCommand(CmdKVWatch, path)
}

func (ws *RealtimeWSClient) watchCommand(cmd, path string) {
	if ws.State() != StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.config.RequestTimeout)
	defer cancel()
	if err := ws.call(ctx, cmd, KVPayload{Path: path}); err != nil {
		ws.logger.Warn("KV watch command failed", zap.String("command", cmd), zap.String("path", path), zap.Error(err))
	}
}

// ── Requests ──────────────────────────────────────────────

// Ping sends a ping and waits for pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) error {
	return ws.call(ctx, CmdPing, struct{}{})
}

// call sends a command and waits for the relay to acknowledge it.
func (ws *RealtimeWSClient) call(ctx context.Context, cmdType string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	requestID := cmdType + "-" + strconv.FormatUint(ws.requestCounter.Add(1), 10)
	data, err := json.Marshal(&RealtimeCommand{Type: cmdType, Payload: raw, RequestID: requestID})
	if err != nil {
		return err
	}

	ch := make(chan RealtimeEnvelope, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", cmdType, err)
	}

	timer := time.NewTimer(ws.config.RequestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if reply.Type == EvtError {
			var p ErrorPayload
			if err := json.Unmarshal(reply.Payload, &p); err != nil {
				return fmt.Errorf("decode error reply: %w", err)
			}
			return &RelayError{Code: p.Code, Message: p.Message}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s timeout", cmdType)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *RealtimeWSClient) resolve(env RealtimeEnvelope) bool {
	var p ReplyPayload
	if json.Unmarshal(env.Payload, &p) != nil || p.RequestID == "" {
		return false
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pending[p.RequestID]
	if ok {
		delete(ws.pending, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (ws *RealtimeWSClient) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

// ── Loops ─────────────────────────────────────────────────

// deliverLoop runs callbacks of one connection in arrival order, outside
// the read loop so callbacks may issue requests.
func deliverLoop(queue <-chan func()) {
	for fn := range queue {
		fn()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn, queue chan func()) {
	defer close(queue)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			ws.mu.Unlock()

			ws.clearPending()
			queue <- func() { ws.emitState(false) }
			if intentional {
				return
			}

			ws.logger.Warn("Realtime connection lost", zap.Error(err))
			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				go ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case EvtSubscribed, EvtAck, EvtPong:
			ws.resolve(env)
		case EvtError:
			if !ws.resolve(env) {
				ws.logger.Warn("Relay error", zap.ByteString("payload", env.Payload))
			}
		case EvtEvent:
			var p EventPayload
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			queue <- func() { ws.deliverEvent(p) }
		case EvtKVValue:
			var p KVPayload
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			queue <- func() { ws.deliverValue(p) }
		}
	}
}

func (ws *RealtimeWSClient) deliverEvent(p EventPayload) {
	ws.mu.Lock()
	sink := ws.sink
	ws.mu.Unlock()
	if sink != nil {
		sink(p.Channel, p.Event, p.Data)
	}
}

func (ws *RealtimeWSClient) deliverValue(p KVPayload) {
	value := normalizeValue(p.Value)
	for _, fn := range ws.values.get(p.Path) {
		fn(value)
	}
}

func (ws *RealtimeWSClient) emitState(connected bool) {
	for _, fn := range ws.stateFns.snapshot() {
		fn(connected)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.logger.Info("Reconnecting", zap.Int("attempt", ws.recon.attempt), zap.Duration("delay", delay))

		time.Sleep(delay)

		ws.mu.Lock()
		stop := ws.intentionalClose
		if !stop {
			ws.state = StateDisconnected
		}
		ws.mu.Unlock()
		if stop {
			return
		}

		err := ws.Connect(context.Background())
		if err == nil {
			return
		}
		ws.logger.Warn("Reconnect failed", zap.Error(err))
		if !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}
