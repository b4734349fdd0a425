package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/custodian/pkg/logging"
)

// WebSocket limits
const (
	wsSendBuffer   = 256
	wsReadLimit    = 4096
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The console runs from a local file or app origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventType represents the type of WebSocket event.
type EventType string

const (
	// Balance refresh events
	EventBalancesChunk EventType = "balances_chunk"
	EventBalancesDone  EventType = "balances_done"

	// Airdrop events
	EventAirdropBatch  EventType = "airdrop_batch"
	EventAirdropFailed EventType = "airdrop_failed"
	EventAirdropDone   EventType = "airdrop_done"

	// Collect events, one per wallet except the summary
	EventCollectProgress EventType = "collect_progress"
	EventCollectError    EventType = "collect_error"
	EventCollectSkip     EventType = "collect_skip"
	EventCollectDone     EventType = "collect_done"
	EventCollectSummary  EventType = "collect_summary"
)

// WSEvent is a WebSocket event message. JobID and ChainID are set for events
// produced by a job.
type WSEvent struct {
	Type      EventType   `json:"type"`
	JobID     string      `json:"jobId,omitempty"`
	ChainID   uint64      `json:"chainId,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription narrows what a client receives. Each action applies to the
// listed event types, chain IDs and job IDs; an empty filter list matches
// everything.
type WSSubscription struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Events   []string `json:"events"`
	ChainIDs []uint64 `json:"chainIds,omitempty"`
	JobIDs   []string `json:"jobIds,omitempty"`
}

// eventFilter is the set of event types, chains and jobs a client follows.
type eventFilter struct {
	events map[EventType]struct{}
	chains map[uint64]struct{}
	jobs   map[string]struct{}
}

func newEventFilter() eventFilter {
	return eventFilter{
		events: make(map[EventType]struct{}),
		chains: make(map[uint64]struct{}),
		jobs:   make(map[string]struct{}),
	}
}

func (f eventFilter) matches(ev *WSEvent) bool {
	if len(f.events) > 0 {
		if _, ok := f.events[ev.Type]; !ok {
			return false
		}
	}
	if len(f.chains) > 0 && ev.ChainID != 0 {
		if _, ok := f.chains[ev.ChainID]; !ok {
			return false
		}
	}
	if len(f.jobs) > 0 && ev.JobID != "" {
		if _, ok := f.jobs[ev.JobID]; !ok {
			return false
		}
	}
	return true
}

func (f eventFilter) apply(sub *WSSubscription) {
	add := sub.Action == "subscribe"
	if !add && sub.Action != "unsubscribe" {
		return
	}
	for _, e := range sub.Events {
		toggle(f.events, EventType(e), add)
	}
	for _, id := range sub.ChainIDs {
		toggle(f.chains, id, add)
	}
	for _, id := range sub.JobIDs {
		toggle(f.jobs, id, add)
	}
}

func toggle[K comparable](set map[K]struct{}, key K, add bool) {
	if add {
		set[key] = struct{}{}
	} else {
		delete(set, key)
	}
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter eventFilter
	mu     sync.RWMutex
	hub    *WSHub
}

func (c *WSClient) wants(ev *WSEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(ev)
}

// WSHub fans job events out to connected clients.
type WSHub struct {
	clients    map[*WSClient]struct{}
	events     chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]struct{}),
		events:     make(chan *WSEvent, wsSendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run starts the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client disconnected", "clients", n)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// deliver sends one event to every interested client. Clients that cannot
// keep up are dropped.
func (h *WSHub) deliver(ev *WSEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	var slow []*WSClient
	h.mu.RLock()
	for client := range h.clients {
		if !client.wants(ev) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		h.drop(client)
	}
	h.mu.Unlock()
	h.log.Warn("Dropped slow WebSocket clients", "count", len(slow), "type", ev.Type)
}

// drop removes a client. Callers hold h.mu.
func (h *WSHub) drop(client *WSClient) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop ends the event loop and disconnects all clients.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Publish queues an event for delivery. Events are dropped when the queue
// is full or the hub has stopped.
func (h *WSHub) Publish(ev *WSEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	select {
	case <-h.quit:
		return
	default:
	}
	select {
	case h.events <- ev:
	default:
		h.log.Warn("Event queue full, dropping event", "type", ev.Type, "job", ev.JobID)
	}
}

// Broadcast publishes an event that belongs to no job.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	h.Publish(&WSEvent{Type: eventType, Data: data})
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades a connection and registers it with the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		filter: newEventFilter(),
		hub:    s.wsHub,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription messages until the connection closes.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			return
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.log.Debug("Ignoring malformed subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.filter.apply(&sub)
		c.mu.Unlock()
	}
}

// writePump writes queued events, newline separated when several are
// pending, and keeps the connection alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeBatch(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) writeBatch(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(first)

	for n := len(c.send); n > 0; n-- {
		next, ok := <-c.send
		if !ok {
			break
		}
		w.Write([]byte{'\n'})
		w.Write(next)
	}
	return w.Close()
}
