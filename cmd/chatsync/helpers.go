package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linkwave/chatsync"
	"github.com/linkwave/chatsync/mongodoc"
	"github.com/linkwave/chatsync/pebblekv"
	"github.com/linkwave/chatsync/sqlitedoc"
)

// newLogger returns a development logger when verbose is set and a
// warn-level production logger otherwise.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// openDocumentStore opens the durable store selected by cfg.Store.Driver.
func openDocumentStore(ctx context.Context, cfg *Config) (chatsync.DocumentStore, func() error, error) {
	switch cfg.Store.Driver {
	case DriverMemory:
		return chatsync.NewMemoryDocumentStore(), func() error { return nil }, nil
	case DriverSQLite:
		s, err := sqlitedoc.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case DriverMongo:
		if cfg.Store.MongoURI == "" {
			return nil, nil, errors.New("store.mongo_uri is not set")
		}
		s, err := mongodoc.Connect(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase, logger.Named("mongo"))
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to ensure indexes", zap.Error(err))
		}
		return s, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Close(ctx)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// session is a connected client together with the resources it owns.
type session struct {
	client  *chatsync.Client
	ws      *chatsync.RealtimeWSClient
	closers []func() error
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		logger.Debug("Failed to close client", zap.Error(err))
	}
	if err := chatsync.DisposeTransport(); err != nil {
		logger.Debug("Failed to dispose transport", zap.Error(err))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Debug("Failed to close resource", zap.Error(err))
		}
	}
}

// connect loads the configuration, opens the stores and connects to the
// relay as the configured user.
func connect(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.UserID == "" {
		return nil, errors.New("no user id. Run 'chatsync init <user-id>' first")
	}

	s := &session{}
	fail := func(err error) (*session, error) {
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i]()
		}
		return nil, err
	}

	docs, closeDocs, err := openDocumentStore(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to open document store: %w", err))
	}
	s.closers = append(s.closers, closeDocs)

	cache, err := pebblekv.Open(cfg.Cache.Path)
	if err != nil {
		return fail(fmt.Errorf("failed to open cache: %w", err))
	}
	s.closers = append(s.closers, cache.Close)

	s.ws = chatsync.NewRealtimeWSClient(cfg.Default.RelayURL, cfg.Default.UserID, &chatsync.RealtimeConfig{
		AutoReconnect: true,
		Logger:        logger.Named("realtime"),
	})
	if _, err := chatsync.InitTransport(ctx, s.ws, logger.Named("bus")); err != nil {
		return fail(fmt.Errorf("failed to connect to relay: %w", err))
	}

	s.client, err = chatsync.NewClient(cfg.Default.UserID,
		chatsync.WithLogger(logger),
		chatsync.WithDocumentStore(docs),
		chatsync.WithStorage(cache),
		chatsync.WithCacheLimit(cfg.Cache.MaxMessages),
	)
	if err != nil {
		chatsync.DisposeTransport()
		return fail(err)
	}
	s.client.Start(ctx)
	return s, nil
}

// requestContext returns a context bounded by timeout.
func requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskSecret shows the first and last 4 characters of a secret.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// formatMessage renders a message as a single line.
func formatMessage(m chatsync.Message, self string) string {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	mark := ""
	switch {
	case m.Delivery == chatsync.DeliveryFailed:
		mark = " (failed)"
	case m.SenderID == self && m.Read:
		mark = " (read)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, m.Text, mark)
}
