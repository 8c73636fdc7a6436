package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	raw, err := json.Marshal(map[string]any{"state": "online", "lastChanged": ServerTimestamp})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"online","lastChanged":{".sv":"timestamp"}}`, string(raw))

	resolved, err := ResolveServerJSON(raw, now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"online","lastChanged":1700000000000}`, string(resolved))

	nested := ResolveServerValues(map[string]any{
		"list": []any{ServerTimestamp, "x"},
		"keep": map[string]any{".sv": "timestamp", "other": 1},
	}, now).(map[string]any)
	assert.Equal(t, int64(1700000000000), nested["list"].([]any)[0])
	assert.IsType(t, map[string]any{}, nested["keep"])

	_, err = ResolveServerJSON(json.RawMessage(`{bad`), now)
	assert.Error(t, err)
	empty, err := ResolveServerJSON(nil, now)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestValueCoercion(t *testing.T) {
	for _, v := range []any{3, int32(3), int64(3), 3.0, float32(3), json.Number("3")} {
		n, ok := int64Of(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, int64(3), n)
	}
	_, ok := int64Of("3")
	assert.False(t, ok)

	assert.True(t, millisToTime(nil).IsZero())
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, at.Equal(millisToTime(timeToMillis(at))))
	assert.Zero(t, timeToMillis(time.Time{}))
}
