package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/czerwonk/latency_monitor/scheduler"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	broadcastBuffer = 16
	clientBuffer    = 32
)

var errPublishDropped = errors.New("display hub is busy, snapshot dropped")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// message is sent to and received from display clients.
type message struct {
	Type      string    `json:"type"` // metrics, interval_ack, pong, error
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Interval  int64     `json:"interval,omitempty"` // ms
	Error     string    `json:"error,omitempty"`
}

// controller receives the commands of display clients.
type controller interface {
	SignalReady()
	SetInterval(d time.Duration) error
	Interval() time.Duration
	LatestSnapshot() *scheduler.Snapshot
}

type client struct {
	id   uint64
	conn *websocket.Conn
	send chan message
	quit chan struct{}
}

// trySend queues msg without blocking. Slow clients miss messages.
func (c *client) trySend(msg message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// hub fans snapshots out to all connected display clients.
type hub struct {
	control   controller
	waitReady bool

	clients    map[uint64]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}

	nextID    atomic.Uint64
	connected atomic.Int64
}

// newHub creates a hub. If readyOnConnect is set, the first client to
// connect releases the probe loop.
func newHub(ctrl controller, readyOnConnect bool) *hub {
	return &hub{
		control:    ctrl,
		waitReady:  readyOnConnect,
		clients:    make(map[uint64]*client),
		broadcast:  make(chan message, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Publish implements scheduler.Publisher.
func (h *hub) Publish(s scheduler.Snapshot) error {
	msg := message{
		Type:      "metrics",
		Timestamp: time.Now(),
		Data:      s,
	}

	select {
	case h.broadcast <- msg:
		return nil
	default:
		return errPublishDropped
	}
}

// Len returns the number of connected clients.
func (h *hub) Len() int {
	return int(h.connected.Load())
}

func (h *hub) run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.connected.Store(0)
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.quit)
			}
			return nil

		case c := <-h.register:
			h.clients[c.id] = c
			h.connected.Store(int64(len(h.clients)))
			log.Infof("Display client %d connected (total: %d)", c.id, len(h.clients))

			if snap := h.control.LatestSnapshot(); snap != nil {
				c.trySend(message{Type: "metrics", Timestamp: time.Now(), Data: *snap})
			}
			if h.waitReady {
				h.control.SignalReady()
			}

		case c := <-h.unregister:
			if _, exists := h.clients[c.id]; exists {
				delete(h.clients, c.id)
				close(c.quit)
			}
			h.connected.Store(int64(len(h.clients)))
			log.Infof("Display client %d disconnected (total: %d)", c.id, len(h.clients))

		case msg := <-h.broadcast:
			for _, c := range h.clients {
				if !c.trySend(msg) {
					log.Debugf("Display client %d is too slow, dropping message", c.id)
				}
			}
		}
	}
}

func (h *hub) serveWS(ctx *gin.Context) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   h.nextID.Add(1),
		conn: conn,
		send: make(chan message, clientBuffer),
		quit: make(chan struct{}),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("websocket read error from client %d: %v", c.id, err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debugf("malformed message from client %d: %v", c.id, err)
			c.trySend(message{Type: "error", Timestamp: time.Now(), Error: "malformed message: " + err.Error()})
			continue
		}

		if reply, ok := h.handle(msg); ok {
			c.trySend(reply)
		}
	}
}

// handle executes a client command and returns the reply, if any.
func (h *hub) handle(msg message) (message, bool) {
	switch msg.Type {
	case "ready":
		h.control.SignalReady()
		return message{}, false

	case "interval":
		d, err := intervalFromMillis(msg.Interval)
		if err == nil {
			err = h.control.SetInterval(d)
		}
		if err != nil {
			return message{Type: "error", Timestamp: time.Now(), Error: err.Error()}, true
		}
		return message{Type: "interval_ack", Timestamp: time.Now(), Interval: h.control.Interval().Milliseconds()}, true

	case "ping":
		return message{Type: "pong", Timestamp: time.Now()}, true

	default:
		log.Debugf("unknown message type %q", msg.Type)
		return message{Type: "error", Timestamp: time.Now(), Error: "unknown message type " + msg.Type}, true
	}
}

func (h *hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debugf("websocket write error to client %d: %v", c.id, err)
				return
			}

		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
