package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"rankqueue-backend/internal/queue"
)

// Hub maintains active WebSocket connections and fans queue updates out per zone.
// It implements queue.Broadcaster and queue.Notifier; neither ever blocks the caller.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Zone subscriptions (zoneID -> clients)
	zones map[string]map[*Client]bool

	// In-process subscribers (zoneID -> subscriptions)
	subs map[string]map[*Subscription]bool

	// Unregister requests from clients
	unregister chan *Client

	// Mutex for thread-safe map access
	mu sync.RWMutex
}

// OutgoingMessage is everything the server sends over a socket
type OutgoingMessage struct {
	Type      string      `json:"type"`
	ZoneID    string      `json:"zone_id,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func newMessage(msgType string) OutgoingMessage {
	return OutgoingMessage{Type: msgType, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		zones:      make(map[string]map[*Client]bool),
		subs:       make(map[string]map[*Subscription]bool),
		unregister: make(chan *Client),
	}
}

// Register adds a client before its read pump starts, so its first
// subscribe can never arrive ahead of the registration
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("✅ [WEBSOCKET] Client CONNECTED: %s (%s), total %d", client.UserID, client.UserRole, total)
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for client := range h.unregister {
		h.mu.Lock()
		removed := h.removeLocked(client)
		total := len(h.clients)
		h.mu.Unlock()
		if removed {
			log.Printf("🔴 [WEBSOCKET] Client DISCONNECTED: %s (%s), remaining %d", client.UserID, client.UserRole, total)
		}
	}
}

// removeLocked drops a client from every map and closes its send channel once
func (h *Hub) removeLocked(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	for zoneID := range c.zones {
		if set, ok := h.zones[zoneID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.zones, zoneID)
			}
		}
	}
	close(c.send)
	return true
}

// subscribe adds the client to a zone's audience
func (h *Hub) subscribe(c *Client, zoneID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	set, ok := h.zones[zoneID]
	if !ok {
		set = make(map[*Client]bool)
		h.zones[zoneID] = set
	}
	set[c] = true
	c.zones[zoneID] = true
	return true
}

func (h *Hub) unsubscribe(c *Client, zoneID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.zones[zoneID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.zones, zoneID)
		}
	}
	delete(c.zones, zoneID)
}

// sendTo queues a message for one client, dropping the client if it cannot keep up
func (h *Hub) sendTo(c *Client, msg OutgoingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("❌ Failed to marshal message: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(c, data)
}

func (h *Hub) deliverLocked(c *Client, data []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full; it must reconnect and resync from a snapshot
		h.removeLocked(c)
		log.Printf("⚠️ Client buffer full, disconnecting: %s", c.UserID)
	}
}

// Publish sends a committed queue update to everyone watching its zone
func (h *Hub) Publish(update queue.ZoneUpdate) {
	msg := newMessage("queue_event")
	msg.ZoneID = update.ZoneID
	msg.Seq = update.Seq
	msg.Data = update
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("❌ Failed to marshal queue event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.zones[update.ZoneID] {
		h.deliverLocked(c, data)
	}
	for s := range h.subs[update.ZoneID] {
		select {
		case s.ch <- update:
		default:
			h.closeSubLocked(s)
			log.Printf("⚠️ [WEBSOCKET] In-process subscriber on zone %s fell behind, closed", update.ZoneID)
		}
	}
}

// Notify pushes a notification to the driver's open sockets
func (h *Hub) Notify(n queue.Notification) {
	msg := newMessage("notification")
	msg.ZoneID = n.ZoneID
	msg.Data = n
	h.BroadcastToUser(n.DriverID, msg)
}

// BroadcastToUser sends a message to every connection of a user
func (h *Hub) BroadcastToUser(userID string, data interface{}) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		log.Printf("❌ Failed to marshal message: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.UserID == userID {
			h.deliverLocked(c, dataBytes)
		}
	}
}

// Subscription is an in-process feed of one zone's updates. If the reader falls
// behind, the channel is closed and the reader must resync from a snapshot.
type Subscription struct {
	ZoneID string
	ch     chan queue.ZoneUpdate
	hub    *Hub
	closed bool
}

// C returns the update channel
func (s *Subscription) C() <-chan queue.ZoneUpdate { return s.ch }

// Close stops delivery and closes the channel
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.closeSubLocked(s)
}

// Subscribe registers an in-process subscriber for a zone
func (h *Hub) Subscribe(zoneID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{ZoneID: zoneID, ch: make(chan queue.ZoneUpdate, buffer), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[zoneID]
	if !ok {
		set = make(map[*Subscription]bool)
		h.subs[zoneID] = set
	}
	set[s] = true
	return s
}

func (h *Hub) closeSubLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	if set, ok := h.subs[s.ZoneID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.ZoneID)
		}
	}
	close(s.ch)
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ZoneAudience returns how many sockets are watching a zone
func (h *Hub) ZoneAudience(zoneID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.zones[zoneID])
}

// IsUserConnected checks if a user is currently connected
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}
