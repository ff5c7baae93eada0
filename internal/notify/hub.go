package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	clientBuffer = 64
)

// Message is the envelope written to every websocket client.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub fans alerts and status changes out to connected websocket clients.
// Slow clients drop messages instead of stalling the frame loop.
type Hub struct {
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*client
	last     *types.Status
	closed   bool
	statusFn func() types.Status
}

func NewHub(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// SetStatusSource lets /status and newly connected clients read the live snapshot.
func (h *Hub) SetStatusSource(fn func() types.Status) {
	h.mu.Lock()
	h.statusFn = fn
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Alert implements Sink.
func (h *Hub) Alert(a types.Alert) {
	h.broadcast(Message{Type: "alert", Payload: a, Timestamp: a.Timestamp.UnixMilli()})
}

// Status broadcasts st when any displayed field differs from the last broadcast.
// Frame counters alone don't count as a change.
func (h *Hub) Status(st types.Status) {
	h.mu.Lock()
	if h.last != nil && sameDisplay(*h.last, st) {
		h.mu.Unlock()
		return
	}
	snap := st
	h.last = &snap
	h.mu.Unlock()

	h.broadcast(Message{Type: "status", Payload: st, Timestamp: st.UpdatedAt.UnixMilli()})
}

func sameDisplay(a, b types.Status) bool {
	return a.Tracking == b.Tracking && a.HeadPose == b.HeadPose && a.Gaze == b.Gaze && a.Emotion == b.Emotion
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.WithField("client", c.id).Warn("websocket client too slow, dropping message")
		}
	}
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, clientBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	if h.statusFn != nil {
		st := h.statusFn()
		c.send <- Message{Type: "status", Payload: st, Timestamp: st.UpdatedAt.UnixMilli()}
	}
	h.mu.Unlock()
	h.log.WithField("client", c.id).Info("websocket client connected")

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
		h.log.WithField("client", c.id).Info("websocket client disconnected")
	}
	h.mu.Unlock()
}

// readPump only exists to process control frames and notice disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("client", c.id).Debug("websocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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

// Close disconnects every client. Later broadcasts are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
