package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"maflow/internal/aggregate"
	"maflow/logger"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub fans fresh snapshots out to every connected websocket client.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	updates chan *aggregate.PublishedRecord
	log     *logger.Log
}

func newHub() *hub {
	return &hub{
		clients: make(map[*websocket.Conn]struct{}),
		updates: make(chan *aggregate.PublishedRecord, 8),
		log:     logger.GetLogger(),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case rec := <-h.updates:
			h.push(rec)
		}
	}
}

// broadcast queues a snapshot for delivery. Slow delivery never blocks the
// pipeline; when the queue is full the oldest update is dropped.
func (h *hub) broadcast(rec *aggregate.PublishedRecord) {
	select {
	case h.updates <- rec:
	default:
		select {
		case <-h.updates:
		default:
		}
		h.updates <- rec
	}
}

func (h *hub) push(rec *aggregate.PublishedRecord) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(rec); err != nil {
			h.log.WithComponent("stream").WithError(err).Debug("dropping dead subscriber")
			h.remove(c)
		}
	}
}

func (h *hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.WithComponent("stream").WithFields(logger.Fields{"subscribers": n}).Info("subscriber connected")
}

func (h *hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
}

// handleStream upgrades the connection and sends the current snapshot right
// away, then every fresh snapshot as runs complete.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("stream").WithError(err).Warn("websocket upgrade failed")
		return
	}

	// The initial snapshot goes out before the conn joins the hub: once
	// registered, only hub.push may write, so the handler and a broadcast
	// never hold the same connection.
	if rec, err := s.latest(r.Context()); err == nil && rec != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(rec); err != nil {
			conn.Close()
			return
		}
	}
	s.hub.add(conn)

	// Reader loop only notices disconnects; the API is push-only.
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
