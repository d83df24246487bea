// Package ws provides the WebSocket side of the control channel. Every
// upgraded connection becomes a peer with its own ID; inbound text frames
// are handed to a Listener, and outbound JSON is queued through the hub,
// which is the only goroutine that writes to sockets. The hub also handles
// ping/pong keepalives so stale connections get cleaned up automatically.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Peer describes one open channel.
type Peer struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	OpenedAt time.Time `json:"opened_at"`
}

// Listener receives channel lifecycle and inbound messages. Calls for one
// peer are sequential: Opened, then Received zero or more times, then Closed.
type Listener interface {
	Opened(p Peer)
	Received(id string, msg []byte)
	Closed(id string)
}

// Options tunes a Hub. Zero values pick defaults.
type Options struct {
	Listener     Listener
	Logger       *log.Logger
	PingInterval time.Duration
	ReadLimit    int64
	QueueSize    int
}

type client struct {
	peer Peer
	conn *websocket.Conn
}

type registration struct {
	c    *client
	done chan struct{}
}

// outbound is one queued frame. An empty to means every client.
type outbound struct {
	to  string
	msg []byte
}

// Hub manages WebSocket client connections. It is safe for concurrent use;
// register, unregister and sends all go through channels, and a single
// queue keeps per-client delivery in the order messages were queued.
type Hub struct {
	clients    map[string]*client
	register   chan registration
	unregister chan *client
	out        chan outbound
	upgrader   websocket.Upgrader

	listener     Listener
	log          *log.Logger
	pingInterval time.Duration
	readLimit    int64

	count   atomic.Int64
	stopped chan struct{}
}

// NewHub allocates a hub with buffered channels.
// Call Run in a goroutine to start the event loop.
func NewHub(opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Hub{
		clients:    make(map[string]*client),
		register:   make(chan registration),
		unregister: make(chan *client, 16),
		out:        make(chan outbound, opts.QueueSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		listener:     opts.Listener,
		log:          opts.Logger,
		pingInterval: opts.PingInterval,
		readLimit:    opts.ReadLimit,
		stopped:      make(chan struct{}),
	}
}

// Run processes registrations, unregistrations, outbound frames, and
// keepalive pings in a single select loop. It closes all clients when ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			for id, c := range h.clients {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
					time.Now().Add(time.Second))
				_ = c.conn.Close()
				delete(h.clients, id)
			}
			h.count.Store(0)
			return

		case r := <-h.register:
			h.clients[r.c.peer.ID] = r.c
			h.count.Store(int64(len(h.clients)))
			close(r.done)

		case c := <-h.unregister:
			if _, ok := h.clients[c.peer.ID]; ok {
				delete(h.clients, c.peer.ID)
				h.count.Store(int64(len(h.clients)))
			}
			_ = c.conn.Close()

		case m := <-h.out:
			if m.to != "" {
				if c, ok := h.clients[m.to]; ok {
					h.write(c, websocket.TextMessage, m.msg, 3*time.Second)
				}
				continue
			}
			for _, c := range h.clients {
				h.write(c, websocket.TextMessage, m.msg, 3*time.Second)
			}

		case <-ping.C:
			for _, c := range h.clients {
				h.write(c, websocket.PingMessage, nil, 2*time.Second)
			}
		}
	}
}

// write sends one frame and drops the client on failure. Its read loop then
// fails and reports the close to the listener.
func (h *Hub) write(c *client, kind int, msg []byte, timeout time.Duration) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteMessage(kind, msg); err != nil {
		delete(h.clients, c.peer.ID)
		h.count.Store(int64(len(h.clients)))
		_ = c.conn.Close()
	}
}

// Handler returns an http.Handler that upgrades incoming requests to
// WebSocket connections and registers them with the hub.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written an error response.
			return
		}

		c := &client{
			peer: Peer{ID: newID(), Remote: r.RemoteAddr, OpenedAt: time.Now().UTC()},
			conn: conn,
		}
		reg := registration{c: c, done: make(chan struct{})}
		select {
		case h.register <- reg:
			<-reg.done
		case <-h.stopped:
			_ = conn.Close()
			return
		}

		if h.listener != nil {
			h.listener.Opened(c.peer)
		}
		go h.readLoop(c)
	})
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
			_ = c.conn.Close()
		}
		if h.listener != nil {
			h.listener.Closed(c.peer.ID)
		}
	}()

	c.conn.SetReadLimit(h.readLimit)
	deadline := 3 * h.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && h.log != nil {
				h.log.Printf("session %s: read: %v", c.peer.ID, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		if kind != websocket.TextMessage {
			if h.log != nil {
				h.log.Printf("warn: session %s: dropping non-text frame", c.peer.ID)
			}
			continue
		}
		if h.listener != nil {
			h.listener.Received(c.peer.ID, msg)
		}
	}
}

// BroadcastJSON marshals v to JSON and queues it for delivery to all
// connected clients.
func (h *Hub) BroadcastJSON(v any) {
	h.enqueue("", v)
}

// SendJSON queues v for the client with the given ID only. Unknown IDs are
// ignored at delivery time.
func (h *Hub) SendJSON(id string, v any) {
	if id == "" {
		return
	}
	h.enqueue(id, v)
}

// enqueue drops the message if the queue is full so callers never block on
// a slow socket.
func (h *Hub) enqueue(to string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		if h.log != nil {
			h.log.Printf("warn: marshal outbound %T: %v", v, err)
		}
		return
	}
	select {
	case h.out <- outbound{to: to, msg: b}:
	default:
		if h.log != nil {
			h.log.Printf("warn: outbound queue full, dropping %d bytes", len(b))
		}
	}
}

// Count is the number of registered clients.
func (h *Hub) Count() int { return int(h.count.Load()) }

func newID() string { return ulid.Make().String() }
