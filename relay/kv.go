package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KV is the value store behind the realtime KV commands. A nil value
// deletes the path. Watch observers see every change, including those
// made by other relays sharing the store.
type KV interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, value json.RawMessage) error
	Watch(fn func(path string, value json.RawMessage)) (cancel func())
	Close() error
}

// ============================================================================
// MemoryKV
// ============================================================================

type kvObservers struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(string, json.RawMessage)
}

func (o *kvObservers) add(fn func(string, json.RawMessage)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[uint64]func(string, json.RawMessage))
	}
	o.nextID++
	id := o.nextID
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *kvObservers) notify(path string, value json.RawMessage) {
	o.mu.Lock()
	fns := make([]func(string, json.RawMessage), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(path, value)
	}
}

// MemoryKV keeps values in process memory.
type MemoryKV struct {
	mu        sync.RWMutex
	values    map[string]json.RawMessage
	observers kvObservers
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]json.RawMessage)}
}

func (m *MemoryKV) Get(ctx context.Context, path string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[path], nil
}

func (m *MemoryKV) Set(ctx context.Context, path string, value json.RawMessage) error {
	m.mu.Lock()
	if value == nil {
		delete(m.values, path)
	} else {
		m.values[path] = append(json.RawMessage(nil), value...)
	}
	m.mu.Unlock()
	m.observers.notify(path, value)
	return nil
}

func (m *MemoryKV) Watch(fn func(string, json.RawMessage)) func() {
	return m.observers.add(fn)
}

func (m *MemoryKV) Close() error { return nil }

// ============================================================================
// RedisKV
// ============================================================================

const (
	redisKeyPrefix     = "chatsync:kv:"
	redisChangeChannel = "chatsync:kv:changes"
)

type kvChange struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// RedisKV stores values in Redis and publishes every change so that all
// relays connected to the same Redis fan it out to their watchers.
type RedisKV struct {
	client    *redis.Client
	pubsub    *redis.PubSub
	logger    *zap.Logger
	observers kvObservers
	done      chan struct{}
}

func redisKey(path string) string {
	return redisKeyPrefix + path
}

// NewRedisKV connects to redisURL and starts listening for changes.
func NewRedisKV(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pubsub := client.Subscribe(ctx, redisChangeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", redisChangeChannel, err)
	}

	kv := &RedisKV{
		client: client,
		pubsub: pubsub,
		logger: logger,
		done:   make(chan struct{}),
	}
	go kv.listen()
	return kv, nil
}

func (r *RedisKV) listen() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		var change kvChange
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			r.logger.Warn("invalid_kv_change", zap.Error(err))
			continue
		}
		r.observers.notify(change.Path, normalize(change.Value))
	}
}

func (r *RedisKV) Get(ctx context.Context, path string) (json.RawMessage, error) {
	data, err := r.client.Get(ctx, redisKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return data, nil
}

func (r *RedisKV) Set(ctx context.Context, path string, value json.RawMessage) error {
	change, err := json.Marshal(kvChange{Path: path, Value: value})
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	if value == nil {
		pipe.Del(ctx, redisKey(path))
	} else {
		pipe.Set(ctx, redisKey(path), []byte(value), 0)
	}
	pipe.Publish(ctx, redisChangeChannel, change)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (r *RedisKV) Watch(fn func(string, json.RawMessage)) func() {
	return r.observers.add(fn)
}

// Close stops listening and closes the Redis connection.
func (r *RedisKV) Close() error {
	err := r.pubsub.Close()
	<-r.done
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func normalize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
