package ws

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/metrics"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/presence"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/protocol"
)

var ErrNoClient = errors.New("client not connected")

// Hub is the set of live connections. Room membership comes from the
// presence tracker; the hub only owns each connection's send queue.
type Hub struct {
	presence *presence.Tracker
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	onDrop  func(connID string)
}

func NewHub(tracker *presence.Tracker, logger *zap.Logger) *Hub {
	return &Hub{
		presence: tracker,
		logger:   logger.Named("hub"),
		clients:  make(map[string]*Client),
	}
}

// SetDropHandler installs fn to run, on its own goroutine, after a slow
// client has been dropped.
func (h *Hub) SetDropHandler(fn func(connID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	metrics.Connections.Inc()
	h.logger.Debug("client connected", zap.String("conn", c.id), zap.Int("total", count))
}

// Unregister removes connID and closes its send queue. Safe to call more
// than once.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
		close(c.send)
	}
	h.mu.Unlock()

	if ok {
		metrics.Connections.Dec()
		h.logger.Debug("client disconnected", zap.String("conn", connID))
	}
}

// Publish delivers ev to every member of projectID except exclude. It
// never blocks: a recipient whose queue is full is dropped.
func (h *Hub) Publish(projectID, exclude string, ev protocol.Event) error {
	data, err := protocol.Encode("", ev)
	if err != nil {
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for _, connID := range h.presence.ConnIDs(projectID) {
		if connID == exclude {
			continue
		}
		c, ok := h.clients[connID]
		if !ok {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c)
	}
	return nil
}

// SendTo delivers ev to a single connection, tagging it with request id.
func (h *Hub) SendTo(connID, id string, ev protocol.Event) error {
	data, err := protocol.Encode(id, ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.RUnlock()
		return ErrNoClient
	}
	select {
	case c.send <- data:
		h.mu.RUnlock()
		return nil
	default:
	}
	h.mu.RUnlock()

	h.drop(c)
	return ErrNoClient
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if ok && current == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	onDrop := h.onDrop
	h.mu.Unlock()

	if !ok || current != c {
		return
	}
	metrics.Connections.Dec()
	metrics.DroppedClients.Inc()
	h.logger.Warn("dropping slow client", zap.String("conn", c.id))
	if onDrop != nil {
		go onDrop(c.id)
	}
}

// CloseProject tells every member of projectID the project is gone and
// disconnects them.
func (h *Hub) CloseProject(projectID, reason string) {
	ev := protocol.ProjectClosed{ProjectID: projectID, Reason: reason}
	for _, connID := range h.presence.ConnIDs(projectID) {
		h.SendTo(connID, "", ev)
		h.Unregister(connID)
	}
}

// CloseAll disconnects every client. Attached clients are told why first.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, connID := range ids {
		if e, ok := h.presence.Lookup(connID); ok {
			h.SendTo(connID, "", protocol.ProjectClosed{ProjectID: e.ProjectID, Reason: reason})
		}
		h.Unregister(connID)
	}
	h.logger.Info("closed all clients", zap.Int("count", len(ids)), zap.String("reason", reason))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
