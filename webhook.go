package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

const (
	// WebhookSource identifies deliveries made by the relay.
	WebhookSource = "chatsync_relay"
	// WebhookSignatureHeader carries "sha256=<hex hmac>" of the request body.
	WebhookSignatureHeader = "X-Chatsync-Signature"
)

// Webhook events.
const (
	WebhookChannelOccupied = "channel_occupied"
	WebhookChannelVacated  = "channel_vacated"
	WebhookClientEvent     = "client_event"
)

// WebhookPayload is a relay webhook delivery.
type WebhookPayload struct {
	Source      string          `json:"source"`
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	Timestamp   int64           `json:"timestamp"`
	Channel     string          `json:"channel"`
	ClientEvent string          `json:"clientEvent,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Message decodes the data of a client-message webhook.
func (p *WebhookPayload) Message() (Message, error) {
	var m Message
	if p.ClientEvent != EventMessage {
		return m, fmt.Errorf("webhook carries %q, not a message", p.ClientEvent)
	}
	if err := json.Unmarshal(p.Data, &m); err != nil {
		return m, fmt.Errorf("decode webhook message: %w", err)
	}
	return m, nil
}

// WebhookHandlerFunc is the callback signature for handling webhook payloads.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhook returns the signature header value for body.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a relay webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhook([]byte(body), secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	switch payload.Event {
	case WebhookChannelOccupied, WebhookChannelVacated:
	case WebhookClientEvent:
		if payload.ClientEvent == "" {
			return nil, errors.New("missing clientEvent in client_event webhook")
		}
	case "":
		return nil, errors.New("missing event field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook event: %s", payload.Event)
	}
	if payload.Channel == "" {
		return nil, errors.New("missing channel in webhook payload")
	}

	return &payload, nil
}

// ============================================================================
// WebhookHandler
// ============================================================================

// WebhookHandler verifies, parses and dispatches relay webhooks.
type WebhookHandler struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(secret string, onEvent WebhookHandlerFunc) (*WebhookHandler, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &WebhookHandler{secret: secret, onEvent: onEvent}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookHandler) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *WebhookHandler) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if w.onEvent != nil {
		if err := w.onEvent(payload); err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
func (w *WebhookHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(data)
}
