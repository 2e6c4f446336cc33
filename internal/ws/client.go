package ws

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/accounts"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/metrics"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/protocol"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Dispatcher applies decoded client messages. Detach is called once the
// connection is gone and must tolerate repeated calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID, identity string, req protocol.Request)
	Detach(connID string)
}

type Options struct {
	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	MaxViolations     int
	// Empty or "*" accepts any origin.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:        512,
		MaxMessageBytes:   1024 * 1024,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		MaxViolations:     1000,
	}
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	identity string
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// Handler upgrades HTTP requests and runs one session per connection.
type Handler struct {
	hub        *Hub
	dispatcher Dispatcher
	opts       Options
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func NewHandler(hub *Hub, dispatcher Dispatcher, opts Options, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:        hub,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.Named("ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 || slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, origin)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	var identity string
	if id, ok := accounts.FromContext(r.Context()); ok {
		identity = id.ID
	}

	connID := uuid.NewString()
	client := &Client{
		hub:      h.hub,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendBuffer),
		id:       connID,
		identity: identity,
		limiter:  ratelimit.NewLimiter(h.opts.MessagesPerSecond, h.opts.MessageBurst, h.opts.MaxViolations),
		logger:   h.logger.With(zap.String("conn", connID)),
	}

	h.hub.Register(client)

	go client.writePump()
	go client.readPump(h.dispatcher, h.opts.MaxMessageBytes)
}

func (c *Client) readPump(dispatcher Dispatcher, maxMessageSize int64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		dispatcher.Detach(c.id)
		c.hub.Unregister(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Info("websocket closed", zap.Error(err))
			}
			break
		}

		ok, exhausted := c.limiter.Allow()
		if !ok {
			metrics.RateLimited.Inc()
			if v := c.limiter.Violations(); v%100 == 1 {
				c.logger.Warn("rate limit exceeded", zap.Int("violations", v))
			}
			if exhausted {
				c.logger.Warn("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		req, err := protocol.Decode(message)
		if err != nil {
			c.logger.Debug("rejected message", zap.Error(err))
			c.hub.SendTo(c.id, req.ID, protocol.Error{Message: decodeErrorMessage(err)})
			continue
		}
		dispatcher.Dispatch(ctx, c.id, c.identity, req)
	}
}

func decodeErrorMessage(err error) string {
	if errors.Is(err, protocol.ErrUnknownType) {
		return "Unknown message type"
	}
	return "Malformed message"
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
