package relay

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisKV(t *testing.T) {
	url := os.Getenv("CHATSYNC_REDIS_URL")
	if url == "" {
		t.Skip("CHATSYNC_REDIS_URL not set")
	}
	ctx := context.Background()

	kv, err := NewRedisKV(ctx, url, nil)
	require.NoError(t, err)
	defer kv.Close()

	path := "test/" + time.Now().Format("150405.000000")
	changes := make(chan json.RawMessage, 4)
	cancel := kv.Watch(func(p string, v json.RawMessage) {
		if p == path {
			changes <- v
		}
	})
	defer cancel()

	require.NoError(t, kv.Set(ctx, path, json.RawMessage(`{"state":"online"}`)))
	v, err := kv.Get(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"online"}`, string(v))

	select {
	case got := <-changes:
		assert.JSONEq(t, `{"state":"online"}`, string(got))
	case <-time.After(3 * time.Second):
		t.Fatal("change not published")
	}

	require.NoError(t, kv.Set(ctx, path, nil))
	v, err = kv.Get(ctx, path)
	require.NoError(t, err)
	assert.Nil(t, v)

	select {
	case got := <-changes:
		assert.Nil(t, got)
	case <-time.After(3 * time.Second):
		t.Fatal("delete not published")
	}
}

func TestNewRedisKVInvalidURL(t *testing.T) {
	_, err := NewRedisKV(context.Background(), "not-a-url", nil)
	assert.Error(t, err)
}
