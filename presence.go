package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const presenceWriteTimeout = 10 * time.Second

// PresenceTracker publishes the local user's liveness and observes others'.
// Presence is best-effort: failures are logged and never returned.
type PresenceTracker struct {
	kv     RealtimeKV
	userID string
	logger *zap.Logger

	mu      sync.Mutex
	stopObs func()
}

// NewPresenceTracker creates a tracker writing the record of userID. An
// empty userID yields a tracker whose Start and Stop do nothing.
func NewPresenceTracker(kv RealtimeKV, userID string, logger *zap.Logger) *PresenceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceTracker{kv: kv, userID: userID, logger: logger}
}

func presenceValue(state PresenceState) map[string]any {
	return map[string]any{
		"state":       state,
		"lastChanged": ServerTimestamp,
	}
}

// Start observes connectivity. On every transition to connected the
// offline disconnect hook is registered before the online record is written.
func (p *PresenceTracker) Start(ctx context.Context) {
	if p.userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopObs != nil {
		return
	}
	base := context.WithoutCancel(ctx)
	p.stopObs = p.kv.OnConnectionState(func(connected bool) {
		if !connected {
			return
		}
		ctx, cancel := context.WithTimeout(base, presenceWriteTimeout)
		defer cancel()
		p.goOnline(ctx)
	})
}

func (p *PresenceTracker) goOnline(ctx context.Context) {
	path := PresencePath(p.userID)
	if err := p.kv.OnDisconnectSet(ctx, path, presenceValue(PresenceOffline)); err != nil {
		p.logger.Warn("Failed to register presence disconnect hook",
			zap.String("user_id", p.userID), zap.Error(err))
		return
	}
	if err := p.kv.Set(ctx, path, presenceValue(PresenceOnline)); err != nil {
		p.logger.Warn("Failed to write online presence",
			zap.String("user_id", p.userID), zap.Error(err))
	}
}

// Stop stops observing connectivity and writes the offline record directly.
func (p *PresenceTracker) Stop(ctx context.Context) {
	if p.userID == "" {
		return
	}
	p.mu.Lock()
	stop := p.stopObs
	p.stopObs = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}

	path := PresencePath(p.userID)
	if err := p.kv.Set(ctx, path, presenceValue(PresenceOffline)); err != nil {
		p.logger.Warn("Failed to write offline presence",
			zap.String("user_id", p.userID), zap.Error(err))
		return
	}
	if err := p.kv.CancelOnDisconnect(ctx, path); err != nil {
		p.logger.Debug("Failed to cancel presence disconnect hook", zap.Error(err))
	}
}

// WatchPresence calls cb with the presence record of userID now and on
// every change. An absent record is reported as offline.
func (p *PresenceTracker) WatchPresence(userID string, cb func(PresenceRecord)) func() {
	return p.kv.OnValue(PresencePath(userID), func(raw json.RawMessage) {
		rec := PresenceRecord{UserID: userID, State: PresenceOffline}
		if raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				p.logger.Warn("Ignoring malformed presence record",
					zap.String("user_id", userID), zap.Error(err))
				rec = PresenceRecord{State: PresenceOffline}
			}
			rec.UserID = userID
		}
		cb(rec)
	})
}

// CheckUserOnlineStatus calls cb with whether userID is online now and on
// every change, until the returned function is called.
func (p *PresenceTracker) CheckUserOnlineStatus(userID string, cb func(online bool)) func() {
	return p.WatchPresence(userID, func(rec PresenceRecord) {
		cb(rec.State == PresenceOnline)
	})
}
