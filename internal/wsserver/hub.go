// Package wsserver implements Switchboard's two multiplexed ws streams
// (ws_iodata, ws_ctrl) and the per-connection command decoder (spec §4.G).
// Fan-out mechanics are grounded on the teacher's state_ws.go Hub: a
// broadcast channel, per-client buffered send queues, and eviction of any
// subscriber whose queue is full rather than blocking the broadcaster.
package wsserver

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	defaultSendBuf = 32
)

// Hub fans a stream of pre-serialized JSON frames out to every registered
// client, dropping (and disconnecting) any client that cannot keep up —
// spec §5's "no back-pressure onto the tick loop".
type Hub struct {
	log *logrus.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		log:        log,
		broadcast:  make(chan []byte, 128),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    map[*Client]struct{}{},
	}
}

// Run processes hub events until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			var slow []*Client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()
			for _, c := range slow {
				if h.log != nil {
					h.log.WithField("remote", c.remoteAddr).Warn("ws subscriber too slow, dropping")
				}
				h.remove(c)
			}
		}
	}
}

func (h *Hub) Register(c *Client)   { h.register <- c }
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Count reports the number of currently registered clients (for metrics).
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		safeClose(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		safeClose(c.send)
		delete(h.clients, c)
	}
}

// Broadcast enqueues a pre-serialized frame; never blocks, drops on a full
// hub queue (the hub itself, not a single slow subscriber).
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		if h.log != nil {
			h.log.Warn("ws hub broadcast queue full, dropping frame")
		}
	}
}

func safeClose(ch chan []byte) {
	defer func() { _ = recover() }()
	close(ch)
}

// Client is one ws_iodata or ws_ctrl connection. Direct sends (per-
// connection responses and config snapshots) use Send; broadcast frames
// arrive on the same channel from a registered Hub.
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	log        *logrus.Logger

	hubs []*Hub // hubs this client is registered with, for cleanup on disconnect
}

func NewClient(conn *websocket.Conn, remoteAddr string, log *logrus.Logger) *Client {
	return &Client{
		conn:       conn,
		send:       make(chan []byte, defaultSendBuf),
		remoteAddr: remoteAddr,
		log:        log,
	}
}

// JoinHub registers the client with hub and remembers it for Close.
func (c *Client) JoinHub(hub *Hub) {
	c.hubs = append(c.hubs, hub)
	hub.Register(c)
}

// Send enqueues a direct (non-broadcast) frame to this client only,
// evicting it from every joined hub if its queue is full.
func (c *Client) Send(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.Close()
	}
}

func (c *Client) Close() {
	for _, h := range c.hubs {
		h.Unregister(c)
	}
}

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// WritePump drains Send/broadcast frames to the socket, with ping
// keepalive, until the connection errors or send is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logWriteErr(err, "write")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logWriteErr(err, "ping")
				return
			}
		}
	}
}

func (c *Client) logWriteErr(err error, what string) {
	if c.log == nil || errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.log.WithFields(logrus.Fields{"remote": c.remoteAddr, "code": code, "reason": text}).Info("ws connection closed")
		return
	}
	c.log.WithFields(logrus.Fields{"remote": c.remoteAddr, "error": err}).Info("ws " + what + " error")
}

// ReadPump reads frames and hands text frames to onMessage; exits (and
// disconnects the client from its hubs) on read error. iodata-only
// connections pass a nil onMessage and simply discard inbound frames
// (spec §4.G: "subscribers may send nothing actionable").
func (c *Client) ReadPump(onMessage func([]byte)) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.logWriteErr(err, "read")
			c.Close()
			return
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}
