package chatsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestPayload() map[string]any {
	return map[string]any{
		"source":      WebhookSource,
		"id":          "wh-001",
		"event":       WebhookClientEvent,
		"timestamp":   1700000000000,
		"channel":     "conversation-alice_bob",
		"clientEvent": EventMessage,
		"userId":      "alice",
		"data": map[string]any{
			"id":             "01HX0000000000000000000000",
			"conversationId": "alice_bob",
			"senderId":       "alice",
			"receiverId":     "bob",
			"text":           "Hello from test",
			"createdAt":      "2026-01-01T00:00:00Z",
			"read":           false,
			"status":         "sent",
		},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestPayloadString()

	tests := []struct {
		name      string
		body      string
		signature string
		secret    string
		want      bool
	}{
		{"valid signature", body, SignWebhook([]byte(body), testSecret), testSecret, true},
		{"valid without prefix", body, strings.TrimPrefix(SignWebhook([]byte(body), testSecret), "sha256="), testSecret, true},
		{"wrong signature", body, "sha256=" + strings.Repeat("0", 64), testSecret, false},
		{"wrong secret", body, SignWebhook([]byte(body), "wrong-secret"), testSecret, false},
		{"tampered body", body + "tampered", SignWebhook([]byte(body), testSecret), testSecret, false},
		{"empty body", "", "sha256=abc", testSecret, false},
		{"empty signature", "body", "", testSecret, false},
		{"empty secret", "body", "sha256=abc", "", false},
		{"sha256= prefix only", "body", "sha256=", testSecret, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyWebhookSignature(tt.body, tt.signature, tt.secret))
		})
	}
}

// ============================================================================
// ParseWebhookPayload
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload, err := ParseWebhookPayload(makeTestPayloadString())
		require.NoError(t, err)
		assert.Equal(t, WebhookClientEvent, payload.Event)
		assert.Equal(t, "conversation-alice_bob", payload.Channel)

		msg, err := payload.Message()
		require.NoError(t, err)
		assert.Equal(t, "Hello from test", msg.Text)
		assert.Equal(t, "bob", msg.ReceiverID)
	})

	t.Run("channel event", func(t *testing.T) {
		data := makeTestPayload()
		data["event"] = WebhookChannelVacated
		delete(data, "clientEvent")
		delete(data, "data")
		b, _ := json.Marshal(data)
		payload, err := ParseWebhookPayload(string(b))
		require.NoError(t, err)
		_, err = payload.Message()
		assert.Error(t, err)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ParseWebhookPayload("not json")
		assert.Error(t, err)
	})

	mutations := []struct {
		name   string
		mutate func(map[string]any)
		errMsg string
	}{
		{"unknown source", func(m map[string]any) { m["source"] = "unknown" }, "unknown webhook source"},
		{"missing event", func(m map[string]any) { m["event"] = "" }, "missing event"},
		{"unknown event", func(m map[string]any) { m["event"] = "member_added" }, "unknown webhook event"},
		{"missing client event", func(m map[string]any) { delete(m, "clientEvent") }, "missing clientEvent"},
		{"missing channel", func(m map[string]any) { m["channel"] = "" }, "missing channel"},
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			data := makeTestPayload()
			tt.mutate(data)
			b, _ := json.Marshal(data)
			_, err := ParseWebhookPayload(string(b))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// ============================================================================
// WebhookHandler
// ============================================================================

func TestNewWebhookHandler(t *testing.T) {
	_, err := NewWebhookHandler("", nil)
	assert.Error(t, err)

	wh, err := NewWebhookHandler(testSecret, nil)
	require.NoError(t, err)
	assert.NotNil(t, wh)
}

func TestWebhookHandlerHandle(t *testing.T) {
	body := makeTestPayloadString()
	sig := SignWebhook([]byte(body), testSecret)

	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := NewWebhookHandler(testSecret, nil)
		status, data := wh.Handle(body, "sha256=bad")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Invalid signature", data.(map[string]string)["error"])
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewWebhookHandler(testSecret, nil)
		bad := `{"source": "unknown"}`
		status, _ := wh.Handle(bad, SignWebhook([]byte(bad), testSecret))
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("success", func(t *testing.T) {
		var received *WebhookPayload
		wh, _ := NewWebhookHandler(testSecret, func(p *WebhookPayload) error {
			received = p
			return nil
		})
		status, data := wh.Handle(body, sig)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, data.(map[string]bool)["ok"])
		require.NotNil(t, received)
		assert.Equal(t, "alice", received.UserID)
	})

	t.Run("handler error", func(t *testing.T) {
		wh, _ := NewWebhookHandler(testSecret, func(p *WebhookPayload) error {
			return errors.New("Something broke")
		})
		status, data := wh.Handle(body, sig)
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Contains(t, data.(map[string]string)["error"], "Something broke")
	})
}

func TestWebhookHandlerHTTP(t *testing.T) {
	body := makeTestPayloadString()

	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewWebhookHandler(testSecret, nil)
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := NewWebhookHandler(testSecret, nil)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(WebhookSignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid returns 200", func(t *testing.T) {
		wh, _ := NewWebhookHandler(testSecret, nil)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(WebhookSignatureHeader, SignWebhook([]byte(body), testSecret))
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var result map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
		assert.Equal(t, true, result["ok"])
	})
}
