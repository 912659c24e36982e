package websocket

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"rankqueue-backend/internal/queue"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 2048

	// Time allowed for a snapshot or location command
	commandTimeout = 5 * time.Second
)

// QueueService is the part of the coordinator a socket talks to
type QueueService interface {
	Snapshot(ctx context.Context, zoneID string) (queue.QueueSnapshot, error)
	SubmitLocation(ctx context.Context, u queue.LocationUpdate) (queue.VerificationResult, error)
}

// Client represents a WebSocket client connection
type Client struct {
	UserID   string
	UserRole string // "driver", "marshal" or "operator"
	conn     *websocket.Conn
	hub      *Hub
	queue    QueueService
	send     chan []byte
	zones    map[string]bool // guarded by hub.mu
}

// IncomingMessage represents a message from the client
type IncomingMessage struct {
	Type   string          `json:"type"`
	ZoneID string          `json:"zone_id"`
	Data   json.RawMessage `json:"data"`
}

type locationData struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds, 0 = now
}

// NewClient creates a new WebSocket client
func NewClient(userID, userRole string, conn *websocket.Conn, hub *Hub, svc QueueService) *Client {
	return &Client{
		UserID:   userID,
		UserRole: userRole,
		conn:     conn,
		hub:      hub,
		queue:    svc,
		send:     make(chan []byte, 256),
		zones:    make(map[string]bool),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Invalid message format: %v", err)
			c.sendError("", "invalid message format", "bad_request")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg IncomingMessage) {
	switch msg.Type {
	case "ping":
		c.hub.sendTo(c, newMessage("pong"))

	case "subscribe":
		if msg.ZoneID == "" {
			c.sendError("", "zone_id is required", "bad_request")
			return
		}
		// subscribe before the snapshot so no event can fall between them;
		// the client drops queue_events with seq <= the snapshot's seq
		if !c.hub.subscribe(c, msg.ZoneID) {
			return
		}
		if !c.sendSnapshot(msg.ZoneID) {
			c.hub.unsubscribe(c, msg.ZoneID)
			return
		}
		log.Printf("📥 [WEBSOCKET] %s subscribed to zone %s", c.UserID, msg.ZoneID)

	case "resync":
		c.sendSnapshot(msg.ZoneID)

	case "unsubscribe":
		c.hub.unsubscribe(c, msg.ZoneID)
		log.Printf("📤 [WEBSOCKET] %s unsubscribed from zone %s", c.UserID, msg.ZoneID)

	case "location_update":
		c.handleLocationUpdate(msg)

	default:
		c.sendError(msg.ZoneID, "unknown message type "+msg.Type, "bad_request")
	}
}

func (c *Client) sendSnapshot(zoneID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	snap, err := c.queue.Snapshot(ctx, zoneID)
	if err != nil {
		c.sendError(zoneID, err.Error(), queue.ErrorCode(err))
		return false
	}
	msg := newMessage("snapshot")
	msg.ZoneID = zoneID
	msg.Seq = snap.Seq
	msg.Data = snap
	c.hub.sendTo(c, msg)
	return true
}

// handleLocationUpdate re-verifies the driver against the zone they are queued in
func (c *Client) handleLocationUpdate(msg IncomingMessage) {
	if c.UserRole != "driver" {
		c.sendError(msg.ZoneID, "only drivers report locations", "not_authorized")
		return
	}
	var data locationData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.sendError(msg.ZoneID, "invalid location data", "bad_request")
		return
	}

	u := queue.LocationUpdate{
		DriverID:  c.UserID,
		ZoneID:    msg.ZoneID,
		Latitude:  data.Latitude,
		Longitude: data.Longitude,
	}
	if data.Timestamp > 0 {
		u.Timestamp = time.UnixMilli(data.Timestamp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	res, err := c.queue.SubmitLocation(ctx, u)
	if err != nil {
		c.sendError(msg.ZoneID, err.Error(), queue.ErrorCode(err))
		return
	}

	out := newMessage("location_result")
	out.ZoneID = msg.ZoneID
	out.Data = res
	c.hub.sendTo(c, out)
}

func (c *Client) sendError(zoneID, message, code string) {
	msg := newMessage("error")
	msg.ZoneID = zoneID
	msg.Error = message
	msg.Code = code
	c.hub.sendTo(c, msg)
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
