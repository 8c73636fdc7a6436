// Package relay is the realtime server behind chatsync.RealtimeWSClient.
// It provides channel pub/sub where events are never echoed to the sender,
// and a realtime key/value store with server-side disconnect hooks.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/linkwave/chatsync"
)

// ============================================================================
// Options
// ============================================================================

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithKV sets the realtime KV backend. The default is a MemoryKV.
func WithKV(kv KV) Option {
	return func(s *Server) { s.kv = kv }
}

// WithRegistry registers the relay metrics on reg and serves it on
// /metrics. The default is a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithClientEventRate limits client events per connection to r per second
// with the given burst.
func WithClientEventRate(r float64, burst int) Option {
	return func(s *Server) {
		s.eventRate = rate.Limit(r)
		s.eventBurst = burst
	}
}

// WithWebhook posts signed channel and client-event webhooks to url.
func WithWebhook(url, secret string) Option {
	return func(s *Server) {
		s.webhookURL = url
		s.webhookSecret = secret
	}
}

// WithCheckOrigin sets the websocket origin check. By default every
// origin is accepted.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.checkOrigin = fn }
}

// WithClock sets the clock used to resolve server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// ============================================================================
// Server
// ============================================================================

const (
	defaultEventRate  = 20
	defaultEventBurst = 40
)

// Server serves the relay websocket endpoint together with health and
// metrics endpoints.
type Server struct {
	logger        *zap.Logger
	kv            KV
	registry      *prometheus.Registry
	eventRate     rate.Limit
	eventBurst    int
	webhookURL    string
	webhookSecret string
	checkOrigin   func(r *http.Request) bool
	now           func() time.Time

	hub      *Hub
	metrics  *Metrics
	webhooks *webhookSender
	upgrader websocket.Upgrader
	router   chi.Router
}

// NewServer creates a relay server.
func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		eventRate:  defaultEventRate,
		eventBurst: defaultEventBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.kv == nil {
		s.kv = NewMemoryKV()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.checkOrigin == nil {
		s.checkOrigin = func(*http.Request) bool { return true }
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.webhookURL != "" && s.webhookSecret == "" {
		return nil, errors.New("webhook secret is required")
	}

	s.metrics = NewMetrics(s.registry)
	if s.webhookURL != "" {
		s.webhooks = newWebhookSender(s.webhookURL, s.webhookSecret, s.logger.Named("webhooks"), s.metrics, s.now)
	}
	s.hub = newHub(s.kv, s.webhooks, s.metrics, s.logger, s.now, s.eventRate, s.eventBurst)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/ws", s.serveWS)
	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Metrics returns the relay metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, `{"error":"user is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade_failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	c := newClient(userID, conn, s.hub)
	s.hub.register(c)
	go c.writePump()
	c.send(chatsync.EvtConnected, chatsync.ConnectedPayload{SocketID: c.ID, UserID: userID})
	go c.readPump()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	connections, channels := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": connections,
		"channels":    channels,
	})
}

// Close disconnects every client, flushes pending webhooks and closes the KV.
func (s *Server) Close() error {
	s.hub.Stop()
	s.webhooks.close()
	return s.kv.Close()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay_listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("relay_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}
