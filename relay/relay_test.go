package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwave/chatsync"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type testRelay struct {
	server *Server
	http   *httptest.Server
	kv     *MemoryKV
}

func newTestRelay(t *testing.T, opts ...Option) *testRelay {
	t.Helper()
	kv := NewMemoryKV()
	s, err := NewServer(append([]Option{WithKV(kv)}, opts...)...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return &testRelay{server: s, http: ts, kv: kv}
}

func (r *testRelay) connect(t *testing.T, userID string) *chatsync.RealtimeWSClient {
	t.Helper()
	ws := chatsync.NewRealtimeWSClient(r.http.URL, userID, &chatsync.RealtimeConfig{
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() { ws.Disconnect() })
	return ws
}

type eventLog struct {
	mu     sync.Mutex
	events []chatsync.EventPayload
}

func (l *eventLog) sink(channel, event string, data json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, chatsync.EventPayload{Channel: channel, Event: event, Data: data})
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) get(i int) chatsync.EventPayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[i]
}

func relayCode(t *testing.T, err error) string {
	t.Helper()
	var re *chatsync.RelayError
	require.True(t, errors.As(err, &re), "expected relay error, got %v", err)
	return re.Code
}

// ============================================================================
// Channels
// ============================================================================

func TestRelayChannels(t *testing.T) {
	ctx := context.Background()
	channel := chatsync.ConversationChannel("alice_bob")

	t.Run("trigger reaches other subscribers only", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		bob := r.connect(t, "bob")

		var aliceLog, bobLog eventLog
		alice.OnEvent(aliceLog.sink)
		bob.OnEvent(bobLog.sink)

		require.NoError(t, alice.Subscribe(ctx, channel))
		require.NoError(t, bob.Subscribe(ctx, channel))

		require.NoError(t, alice.Trigger(ctx, channel, chatsync.EventTyping, json.RawMessage(`{"typing":true}`)))
		require.Eventually(t, func() bool { return bobLog.len() == 1 }, waitFor, tick)

		got := bobLog.get(0)
		assert.Equal(t, channel, got.Channel)
		assert.Equal(t, chatsync.EventTyping, got.Event)
		assert.JSONEq(t, `{"typing":true}`, string(got.Data))

		require.NoError(t, alice.Ping(ctx))
		assert.Zero(t, aliceLog.len())
		assert.Equal(t, 1.0, testutil.ToFloat64(r.server.Metrics().EventsRelayed.WithLabelValues(chatsync.EventTyping)))
	})

	t.Run("subscribe is idempotent per connection", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		require.NoError(t, alice.Subscribe(ctx, channel))
		require.NoError(t, alice.Subscribe(ctx, channel))

		connections, channels := r.server.Hub().Stats()
		assert.Equal(t, 1, connections)
		assert.Equal(t, 1, channels)
		assert.Equal(t, 1.0, testutil.ToFloat64(r.server.Metrics().Subscriptions))
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		bob := r.connect(t, "bob")
		var bobLog eventLog
		bob.OnEvent(bobLog.sink)

		require.NoError(t, alice.Subscribe(ctx, channel))
		require.NoError(t, bob.Subscribe(ctx, channel))
		require.NoError(t, bob.Unsubscribe(ctx, channel))

		require.NoError(t, alice.Trigger(ctx, channel, chatsync.EventMessage, json.RawMessage(`{}`)))
		require.NoError(t, bob.Ping(ctx))
		assert.Zero(t, bobLog.len())
	})

	t.Run("trigger requires subscription", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		err := alice.Trigger(ctx, channel, chatsync.EventMessage, json.RawMessage(`{}`))
		require.Error(t, err)
		assert.Equal(t, CodeNotSubscribed, relayCode(t, err))
	})

	t.Run("trigger requires client prefix", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		require.NoError(t, alice.Subscribe(ctx, channel))
		err := alice.Trigger(ctx, channel, "message", json.RawMessage(`{}`))
		require.Error(t, err)
		assert.Equal(t, CodeInvalidEvent, relayCode(t, err))
	})

	t.Run("client events are rate limited", func(t *testing.T) {
		r := newTestRelay(t, WithClientEventRate(0.001, 1))
		alice := r.connect(t, "alice")
		require.NoError(t, alice.Subscribe(ctx, channel))

		require.NoError(t, alice.Trigger(ctx, channel, chatsync.EventTyping, json.RawMessage(`{}`)))
		err := alice.Trigger(ctx, channel, chatsync.EventTyping, json.RawMessage(`{}`))
		require.Error(t, err)
		assert.Equal(t, CodeRateLimited, relayCode(t, err))
		assert.Equal(t, 1.0, testutil.ToFloat64(r.server.Metrics().RateLimited))
	})

	t.Run("disconnect leaves channels", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		require.NoError(t, alice.Subscribe(ctx, channel))
		require.NoError(t, alice.Disconnect())

		require.Eventually(t, func() bool {
			connections, channels := r.server.Hub().Stats()
			return connections == 0 && channels == 0
		}, waitFor, tick)
	})
}

// ============================================================================
// Realtime KV
// ============================================================================

func TestRelayKV(t *testing.T) {
	ctx := context.Background()
	fixed := time.UnixMilli(1700000000000)

	t.Run("watch sees current value and changes", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		bob := r.connect(t, "bob")

		require.NoError(t, alice.Set(ctx, "status/alice", map[string]any{"state": "online"}))

		values := make(chan json.RawMessage, 8)
		stop := bob.OnValue("status/alice", func(v json.RawMessage) { values <- v })
		defer stop()

		select {
		case v := <-values:
			assert.JSONEq(t, `{"state":"online"}`, string(v))
		case <-time.After(waitFor):
			t.Fatal("no initial value")
		}

		require.NoError(t, alice.Set(ctx, "status/alice", nil))
		select {
		case v := <-values:
			assert.Nil(t, v)
		case <-time.After(waitFor):
			t.Fatal("no delete notification")
		}
	})

	t.Run("server timestamps are resolved", func(t *testing.T) {
		r := newTestRelay(t, WithClock(func() time.Time { return fixed }))
		alice := r.connect(t, "alice")
		require.NoError(t, alice.Set(ctx, "status/alice", map[string]any{
			"state":       "online",
			"lastChanged": chatsync.ServerTimestamp,
		}))

		raw, err := r.kv.Get(ctx, "status/alice")
		require.NoError(t, err)
		assert.JSONEq(t, `{"state":"online","lastChanged":1700000000000}`, string(raw))
		assert.Equal(t, 1.0, testutil.ToFloat64(r.server.Metrics().KVWrites))
	})

	t.Run("disconnect hook runs when the connection closes", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		require.NoError(t, alice.Set(ctx, "status/alice", "online"))
		require.NoError(t, alice.OnDisconnectSet(ctx, "status/alice", "offline"))
		require.NoError(t, alice.Disconnect())

		require.Eventually(t, func() bool {
			raw, _ := r.kv.Get(ctx, "status/alice")
			return string(raw) == `"offline"`
		}, waitFor, tick)
		assert.Equal(t, 1.0, testutil.ToFloat64(r.server.Metrics().DisconnectHooks))
	})

	t.Run("cancelled hook does not run", func(t *testing.T) {
		r := newTestRelay(t)
		alice := r.connect(t, "alice")
		require.NoError(t, alice.Set(ctx, "status/alice", "online"))
		require.NoError(t, alice.OnDisconnectSet(ctx, "status/alice", "offline"))
		require.NoError(t, alice.CancelOnDisconnect(ctx, "status/alice"))
		require.NoError(t, alice.Disconnect())

		require.Eventually(t, func() bool {
			connections, _ := r.server.Hub().Stats()
			return connections == 0
		}, waitFor, tick)
		raw, _ := r.kv.Get(ctx, "status/alice")
		assert.Equal(t, `"online"`, string(raw))
	})
}

// ============================================================================
// Presence end to end
// ============================================================================

func TestRelayPresence(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.connect(t, "alice")
	bob := r.connect(t, "bob")

	var mu sync.Mutex
	var seen []bool
	watcher := chatsync.NewPresenceTracker(alice, "alice", nil)
	stop := watcher.CheckUserOnlineStatus("bob", func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})
	defer stop()
	last := func() (bool, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return false, false
		}
		return seen[len(seen)-1], true
	}

	tracker := chatsync.NewPresenceTracker(bob, "bob", nil)
	tracker.Start(ctx)
	require.Eventually(t, func() bool { online, ok := last(); return ok && online }, waitFor, tick)

	require.NoError(t, bob.Disconnect())
	require.Eventually(t, func() bool { online, ok := last(); return ok && !online }, waitFor, tick)

	require.NoError(t, bob.Connect(ctx))
	require.Eventually(t, func() bool { online, _ := last(); return online }, waitFor, tick)
}

// ============================================================================
// Session end to end
// ============================================================================

func TestRelaySessionDelivery(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)
	docs := chatsync.NewMemoryDocumentStore()

	newUser := func(id string) *chatsync.Client {
		ws := r.connect(t, id)
		bus := chatsync.NewChannelBus(ws, nil)
		require.NoError(t, bus.Connect(ctx))
		c, err := chatsync.NewClient(id, chatsync.WithBus(bus), chatsync.WithDocumentStore(docs))
		require.NoError(t, err)
		t.Cleanup(func() { c.Close(ctx) })
		return c
	}
	alice := newUser("alice")
	bob := newUser("bob")
	conversationID := chatsync.ConversationID("alice", "bob")

	_, err := alice.Session().Open(ctx, conversationID)
	require.NoError(t, err)
	_, err = bob.Session().Open(ctx, conversationID)
	require.NoError(t, err)

	var mu sync.Mutex
	var latest []chatsync.Message
	unsubscribe := bob.Session().SubscribeToMessages(conversationID, func(msgs []chatsync.Message) {
		mu.Lock()
		latest = msgs
		mu.Unlock()
	})
	defer unsubscribe()

	sent, err := alice.Session().Send(ctx, conversationID, "hello over the relay")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range latest {
			if m.ID == sent.ID {
				return true
			}
		}
		return false
	}, waitFor, tick)

	cached := bob.Store().GetLastMessages(conversationID, 10)
	require.NotEmpty(t, cached)
	assert.Equal(t, "hello over the relay", cached[len(cached)-1].Text)
}

// ============================================================================
// Webhooks
// ============================================================================

func TestRelayWebhooks(t *testing.T) {
	ctx := context.Background()
	const secret = "relay-secret"
	channel := chatsync.ConversationChannel("alice_bob")

	received := make(chan *chatsync.WebhookPayload, 16)
	handler, err := chatsync.NewWebhookHandler(secret, func(p *chatsync.WebhookPayload) error {
		received <- p
		return nil
	})
	require.NoError(t, err)
	receiver := httptest.NewServer(handler)
	defer receiver.Close()

	r := newTestRelay(t, WithWebhook(receiver.URL, secret))
	alice := r.connect(t, "alice")
	bob := r.connect(t, "bob")

	next := func() *chatsync.WebhookPayload {
		t.Helper()
		select {
		case p := <-received:
			return p
		case <-time.After(waitFor):
			t.Fatal("webhook not delivered")
			return nil
		}
	}

	require.NoError(t, alice.Subscribe(ctx, channel))
	p := next()
	assert.Equal(t, chatsync.WebhookChannelOccupied, p.Event)
	assert.Equal(t, channel, p.Channel)
	assert.NotEmpty(t, p.ID)

	require.NoError(t, bob.Subscribe(ctx, channel))
	require.NoError(t, alice.Trigger(ctx, channel, chatsync.EventMessage, json.RawMessage(`{"id":"m1","text":"hi"}`)))
	p = next()
	assert.Equal(t, chatsync.WebhookClientEvent, p.Event)
	assert.Equal(t, chatsync.EventMessage, p.ClientEvent)
	assert.Equal(t, "alice", p.UserID)
	msg, err := p.Message()
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Text)

	require.NoError(t, alice.Unsubscribe(ctx, channel))
	require.NoError(t, bob.Unsubscribe(ctx, channel))
	p = next()
	assert.Equal(t, chatsync.WebhookChannelVacated, p.Event)
	assert.Equal(t, "bob", p.UserID)
}

func TestNewServerRequiresWebhookSecret(t *testing.T) {
	_, err := NewServer(WithWebhook("http://localhost/hook", ""))
	assert.Error(t, err)
}

// ============================================================================
// HTTP endpoints
// ============================================================================

func TestRelayHTTP(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newTestRelay(t, WithRegistry(reg))

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(r.http.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("metrics", func(t *testing.T) {
		r.connect(t, "alice")
		resp, err := http.Get(r.http.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(body), "chatsync_relay_connections 1"))
	})

	t.Run("websocket requires user", func(t *testing.T) {
		resp, err := http.Get(r.http.URL + "/ws")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// ============================================================================
// Units
// ============================================================================

func TestMemoryKV(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	var changes []string
	cancel := kv.Watch(func(path string, value json.RawMessage) {
		changes = append(changes, path+"="+string(value))
	})

	v, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, kv.Set(ctx, "a", json.RawMessage(`1`)))
	v, _ = kv.Get(ctx, "a")
	assert.Equal(t, `1`, string(v))

	require.NoError(t, kv.Set(ctx, "a", nil))
	v, _ = kv.Get(ctx, "a")
	assert.Nil(t, v)

	cancel()
	require.NoError(t, kv.Set(ctx, "b", json.RawMessage(`2`)))
	assert.Equal(t, []string{"a=1", "a="}, changes)
}

func TestGetShard(t *testing.T) {
	assert.Equal(t, uint32(0), getShard(""))
	s := getShard("conversation-alice_bob")
	assert.Less(t, s, uint32(shardCount))
	assert.Equal(t, s, getShard("conversation-alice_bob"))
}
