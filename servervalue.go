package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// serverValue is a placeholder resolved by the store at write time.
type serverValue string

// ServerTimestamp is replaced with the server's clock in unix milliseconds
// when the document or realtime value holding it is written.
const ServerTimestamp serverValue = "timestamp"

// MarshalJSON encodes the placeholder so that it survives the trip to the relay.
func (v serverValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{".sv": string(v)})
}

func isServerTimestamp(v any) bool {
	switch t := v.(type) {
	case serverValue:
		return t == ServerTimestamp
	case map[string]any:
		if len(t) != 1 {
			return false
		}
		s, ok := t[".sv"].(string)
		return ok && s == string(ServerTimestamp)
	}
	return false
}

// ResolveServerValues returns a deep copy of v in which every server
// placeholder is replaced by now.
func ResolveServerValues(v any, now time.Time) any {
	if isServerTimestamp(v) {
		return now.UnixMilli()
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = ResolveServerValues(val, now)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = ResolveServerValues(val, now)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	}
	return v
}

// ResolveServerJSON resolves placeholders inside an encoded JSON value.
func ResolveServerJSON(raw json.RawMessage, now time.Time) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return json.Marshal(ResolveServerValues(v, now))
}

// ============================================================================
// Value coercion
// ============================================================================

func int64Of(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

func float64Of(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	i, ok := int64Of(v)
	return float64(i), ok
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func millisToTime(v any) time.Time {
	ms, ok := int64Of(v)
	if !ok || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
