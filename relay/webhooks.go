package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkwave/chatsync"
)

const (
	webhookQueueSize = 256
	webhookTimeout   = 5 * time.Second
)

// webhookSender posts signed webhook deliveries from a single worker so
// that a slow receiver never blocks a connection.
type webhookSender struct {
	url     string
	secret  string
	client  *http.Client
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan chatsync.WebhookPayload
	wg     sync.WaitGroup
}

func newWebhookSender(url, secret string, logger *zap.Logger, metrics *Metrics, now func() time.Time) *webhookSender {
	s := &webhookSender{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: webhookTimeout},
		logger:  logger,
		metrics: metrics,
		now:     now,
		queue:   make(chan chatsync.WebhookPayload, webhookQueueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// enqueue schedules a delivery. Deliveries are dropped when the queue is
// full or the sender is closed. A nil sender does nothing.
func (s *webhookSender) enqueue(event, channel, clientEvent, userID string, data json.RawMessage) {
	if s == nil {
		return
	}
	payload := chatsync.WebhookPayload{
		Source:      chatsync.WebhookSource,
		ID:          uuid.New().String(),
		Event:       event,
		Timestamp:   s.now().UnixMilli(),
		Channel:     channel,
		ClientEvent: clientEvent,
		UserID:      userID,
		Data:        data,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- payload:
	default:
		s.metrics.WebhooksSent.WithLabelValues("dropped").Inc()
		s.logger.Warn("webhook_queue_full", zap.String("event", event), zap.String("channel", channel))
	}
}

func (s *webhookSender) run() {
	defer s.wg.Done()
	for payload := range s.queue {
		if err := s.post(payload); err != nil {
			s.metrics.WebhooksSent.WithLabelValues("failed").Inc()
			s.logger.Warn("webhook_failed",
				zap.String("id", payload.ID),
				zap.String("event", payload.Event),
				zap.Error(err))
			continue
		}
		s.metrics.WebhooksSent.WithLabelValues("delivered").Inc()
	}
}

func (s *webhookSender) post(payload chatsync.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(chatsync.WebhookSignatureHeader, chatsync.SignWebhook(body, s.secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook receiver returned %d", resp.StatusCode)
	}
	return nil
}

// close drains pending deliveries.
func (s *webhookSender) close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}
