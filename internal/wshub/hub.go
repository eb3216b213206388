// Package wshub pushes status events to WebSocket subscribers. Clients
// connect at /hubs/snapdog and join groups (zone_{i}, client_{i},
// system); each status event goes only to the groups it concerns.
package wshub

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/fanout"
	applog "github.com/strefethen/snapdog/internal/log"
)

const (
	// GroupSystem receives global status; zone and client groups are
	// formed with ZoneGroup and ClientGroup.
	GroupSystem = "system"

	clientSendBuffer = 64
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
)

func ZoneGroup(index int) string   { return fmt.Sprintf("zone_%d", index) }
func ClientGroup(index int) string { return fmt.Sprintf("client_%d", index) }

// Event is the wire shape pushed to subscribers.
type Event struct {
	Event   string `json:"event"`
	Group   string `json:"group"`
	Target  int    `json:"target,omitempty"`
	Data    any    `json:"data"`
	Version uint64 `json:"version"`
}

// inbound is what clients send: group management only.
type inbound struct {
	Type  string `json:"type"` // subscribe | unsubscribe
	Group string `json:"group"`
}

type client struct {
	conn   *websocket.Conn
	send   chan Event
	groups map[string]bool
	mu     sync.Mutex
	closed bool
}

// trySend is non-blocking; false means the client's queue is full.
func (c *client) trySend(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) subscribed(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[group]
}

func (c *client) setGroup(group string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.groups[group] = true
	} else {
		delete(c.groups, group)
	}
}

// Hub owns the client set and pumps the fanout subscription out to the
// matching groups.
type Hub struct {
	fan      *fanout.Fanout
	sub      *fanout.Subscription
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*client]bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewHub(fan *fanout.Fanout) *Hub {
	return &Hub{
		fan: fan,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens before the upgrade; origins are not restricted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  applog.Component("wshub"),
		clients: make(map[*client]bool),
		done:    make(chan struct{}),
	}
}

// Start registers with the fanout and begins pumping events.
func (h *Hub) Start() {
	h.sub = h.fan.Register("websocket")
	h.wg.Add(1)
	go h.pump()
}

func (h *Hub) Stop() {
	close(h.done)
	h.fan.Unregister(h.sub)
	h.wg.Wait()

	h.mu.Lock()
	for c := range h.clients {
		c.closeSend()
		_ = c.conn.Close()
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()
}

// pump converts status events into group-routed hub events.
func (h *Hub) pump() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-h.sub.Events():
			if !ok {
				return
			}
			h.broadcast(toEvent(ev))
		}
	}
}

func toEvent(ev core.StatusEvent) Event {
	var group string
	switch ev.Kind.Target() {
	case core.TargetZone:
		group = ZoneGroup(ev.TargetIndex)
	case core.TargetClient:
		group = ClientGroup(ev.TargetIndex)
	default:
		group = GroupSystem
	}
	return Event{
		Event:   string(ev.Kind),
		Group:   group,
		Target:  ev.TargetIndex,
		Data:    ev.Payload,
		Version: ev.Version,
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(ev.Group) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(ev) {
			// Slow consumer; the connection is torn down rather than
			// blocking the pump.
			h.logger.Warn().Msg("dropping slow websocket client")
			h.remove(c)
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and runs the read/write pumps.
// Authentication is handled by middleware in front of the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan Event, clientSendBuffer),
		groups: map[string]bool{GroupSystem: true},
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			c.setGroup(msg.Group, true)
		case "unsubscribe":
			c.setGroup(msg.Group, false)
		default:
			h.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown websocket message")
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// remove detaches a client; safe to call more than once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeSend()
	_ = c.conn.Close()
}
