package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rankqueue-backend/internal/middleware"
	"rankqueue-backend/internal/models"
	"rankqueue-backend/internal/queue"
	"rankqueue-backend/internal/zones"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

type received struct {
	Type   string          `json:"type"`
	ZoneID string          `json:"zone_id"`
	Seq    int64           `json:"seq"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
}

type fixture struct {
	hub    *Hub
	coord  *queue.Coordinator
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	zone := models.LoadingZone{
		ID:              "rank-1",
		Name:            "Park Station",
		ZoneType:        models.ZoneTypeRank,
		CenterLatitude:  -26.1952,
		CenterLongitude: 28.0421,
		RadiusMeters:    50,
		BoundaryPolicy:  models.BoundaryLenient,
		IsActive:        true,
	}
	registry := zones.NewRegistry(zones.NewMemoryRepository(zone), zones.Defaults{})
	require.NoError(t, registry.Load(context.Background()))

	hub := NewHub()
	go hub.Run()

	coord := queue.NewCoordinator(queue.Options{
		Log:         queue.NewMemoryLog(),
		Zones:       registry,
		Broadcaster: hub,
		Notifier:    hub,
	})
	server := httptest.NewServer(HandleWebSocket(hub, coord, testSecret))
	t.Cleanup(func() {
		server.Close()
		coord.Close()
	})
	return &fixture{hub: hub, coord: coord, server: server}
}

func (f *fixture) dial(t *testing.T, user models.User) *websocket.Conn {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, user, time.Now())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandshakeRequiresToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=not-a-jwt", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestSubscribeSnapshotThenEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Join(ctx, queue.JoinRequest{DriverID: "d1", ZoneID: "rank-1", Latitude: -26.1952, Longitude: 28.0421})
	require.NoError(t, err)

	watcher := f.dial(t, models.User{ID: "m1", Role: "marshal"})
	send(t, watcher, map[string]string{"type": "subscribe", "zone_id": "rank-1"})

	snap := next(t, watcher)
	require.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, int64(1), snap.Seq)
	var body queue.QueueSnapshot
	require.NoError(t, json.Unmarshal(snap.Data, &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "d1", body.Entries[0].DriverID)

	_, err = f.coord.Join(ctx, queue.JoinRequest{DriverID: "d2", ZoneID: "rank-1", Latitude: -26.1952, Longitude: 28.0421})
	require.NoError(t, err)

	ev := next(t, watcher)
	require.Equal(t, "queue_event", ev.Type)
	assert.Equal(t, int64(2), ev.Seq)
	var update queue.ZoneUpdate
	require.NoError(t, json.Unmarshal(ev.Data, &update))
	assert.Equal(t, models.EventEntryJoined, update.Event.Type)
	assert.Equal(t, 2, update.Entry.Position)

	send(t, watcher, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", next(t, watcher).Type)
}

func TestSubscribeUnknownZone(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, models.User{ID: "m1", Role: "marshal"})

	send(t, conn, map[string]string{"type": "subscribe", "zone_id": "nowhere"})
	msg := next(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "zone_not_found", msg.Code)
	assert.Equal(t, 0, f.hub.ZoneAudience("nowhere"))
}

func TestDriverLocationUpdates(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Join(context.Background(), queue.JoinRequest{DriverID: "d1", ZoneID: "rank-1", Latitude: -26.1952, Longitude: 28.0421})
	require.NoError(t, err)

	driver := f.dial(t, models.User{ID: "d1", Role: "driver"})

	// the join put d1 at the front, but that notification went out before the socket existed
	send(t, driver, map[string]interface{}{
		"type":    "location_update",
		"zone_id": "rank-1",
		"data":    map[string]interface{}{"latitude": -26.1952, "longitude": 28.0421},
	})
	msg := next(t, driver)
	require.Equal(t, "location_result", msg.Type)
	var res queue.VerificationResult
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.True(t, res.Verified)
	assert.Equal(t, 1, res.Position)

	// about 1.1km north, outside the radius
	send(t, driver, map[string]interface{}{
		"type":    "location_update",
		"zone_id": "rank-1",
		"data":    map[string]interface{}{"latitude": -26.1852, "longitude": 28.0421},
	})

	// grace_started notification and the result may arrive in either order
	seen := map[string]received{}
	for len(seen) < 2 {
		m := next(t, driver)
		seen[m.Type] = m
	}
	require.Contains(t, seen, "notification")
	require.Contains(t, seen, "location_result")

	var note queue.Notification
	require.NoError(t, json.Unmarshal(seen["notification"].Data, &note))
	assert.Equal(t, queue.NotifyGraceStarted, note.Kind)

	require.NoError(t, json.Unmarshal(seen["location_result"].Data, &res))
	assert.False(t, res.Verified)
	assert.NotNil(t, res.GraceDeadline)
}

func TestMarshalCannotReportLocation(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, models.User{ID: "m1", Role: "marshal"})

	send(t, conn, map[string]interface{}{
		"type":    "location_update",
		"zone_id": "rank-1",
		"data":    map[string]interface{}{"latitude": -26.1952, "longitude": 28.0421},
	})
	msg := next(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "not_authorized", msg.Code)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub := NewHub()
	c := &Client{UserID: "m1", UserRole: "marshal", hub: hub, send: make(chan []byte, 1), zones: map[string]bool{}}
	hub.Register(c)
	require.True(t, hub.subscribe(c, "rank-1"))

	hub.Publish(queue.ZoneUpdate{ZoneID: "rank-1", Seq: 1})
	hub.Publish(queue.ZoneUpdate{ZoneID: "rank-1", Seq: 2})

	assert.Equal(t, 0, hub.GetClientCount())
	assert.Equal(t, 0, hub.ZoneAudience("rank-1"))

	_, ok := <-c.send
	assert.True(t, ok, "first update was buffered")
	_, ok = <-c.send
	assert.False(t, ok, "channel closed after overflow")
}

func TestInProcessSubscriptionClosesWhenBehind(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("rank-1", 2)
	other := hub.Subscribe("rank-2", 2)
	defer other.Close()

	for seq := int64(1); seq <= 3; seq++ {
		hub.Publish(queue.ZoneUpdate{ZoneID: "rank-1", Seq: seq})
	}

	var got []int64
	for u := range sub.C() {
		got = append(got, u.Seq)
	}
	assert.Equal(t, []int64{1, 2}, got)

	// closing twice is harmless
	sub.Close()

	hub.Publish(queue.ZoneUpdate{ZoneID: "rank-2", Seq: 1})
	select {
	case u := <-other.C():
		assert.Equal(t, int64(1), u.Seq)
	default:
		t.Fatal("rank-2 subscriber should have received its update")
	}
}
