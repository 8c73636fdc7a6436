package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/linkwave/chatsync"
)

var (
	// tuning parameters
	writeWait       = 10 * time.Second    // time allowed to write a frame to the peer
	pongWait        = 60 * time.Second    // time allowed to read the next pong from the peer
	pingInterval    = (pongWait * 9) / 10 // send pings to peer with this period
	maxMessageSize  = 64 * 1024           // max inbound frame size
	sendBufSize     = 256                 // per-connection outbound buffer size
	sendTimeout     = 2 * time.Second     // timeout for enqueuing outbound frames
	closeGraceDelay = 5 * time.Second     // force close when the writer does not exit
)

// Client is one websocket connection to the relay. It owns the channels it
// joined, the paths it watches and its disconnect hooks.
type Client struct {
	ID     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	egress chan []byte
	events *rate.Limiter
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]struct{}
	paths    map[string]struct{}
	hooks    map[string]json.RawMessage

	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	connClosed chan struct{}
}

func newClient(userID string, conn *websocket.Conn, h *Hub) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Client{
		ID:         id,
		userID:     userID,
		conn:       conn,
		hub:        h,
		egress:     make(chan []byte, sendBufSize),
		events:     rate.NewLimiter(h.eventRate, h.eventBurst),
		logger:     h.logger.With(zap.String("socket_id", id), zap.String("user_id", userID)),
		channels:   make(map[string]struct{}),
		paths:      make(map[string]struct{}),
		hooks:      make(map[string]json.RawMessage),
		ctx:        ctx,
		cancel:     cancel,
		connClosed: make(chan struct{}),
	}
}

// UserID returns the identity the connection was opened with.
func (c *Client) UserID() string { return c.userID }

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(int64(maxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd chatsync.RealtimeCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendError("", CodeBadRequest, "malformed command")
			continue
		}
		c.hub.handle(c, cmd)

		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Debug("client_disconnected")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Info("unexpected_close", zap.Error(err))
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.logger.Info("client_timed_out")
			return
		}
		c.logger.Debug("read_failed", zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
		close(c.connClosed)
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.egress:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write_failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping_failed", zap.Error(err))
				return
			}
		}
	}
}

// send enqueues a frame. A connection whose buffer stays full for
// sendTimeout is closed.
func (c *Client) send(typ string, payload any) bool {
	frame, err := encodeFrame(typ, payload)
	if err != nil {
		c.logger.Error("encode_frame_failed", zap.String("type", typ), zap.Error(err))
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	case c.egress <- frame:
		return true
	default:
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case c.egress <- frame:
		return true
	case <-timer.C:
		c.logger.Warn("egress_full_disconnecting")
		c.Close()
		return false
	}
}

func (c *Client) sendError(requestID, code, message string) {
	c.hub.metrics.CommandErrors.WithLabelValues(code).Inc()
	c.send(chatsync.EvtError, chatsync.ErrorPayload{RequestID: requestID, Code: code, Message: message})
}

// Close stops both pumps. The read pump unregisters the connection.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		go func() {
			select {
			case <-c.connClosed:
			case <-time.After(closeGraceDelay):
				_ = c.conn.Close()
				c.logger.Warn("force_closed_connection")
			}
		}()
	})
}

func encodeFrame(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(chatsync.RealtimeEnvelope{Type: typ, Payload: raw})
}
