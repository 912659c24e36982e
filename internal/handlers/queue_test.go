package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"rankqueue-backend/internal/middleware"
	"rankqueue-backend/internal/models"
	"rankqueue-backend/internal/queue"
	"rankqueue-backend/internal/zones"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rankLat = -26.1952
	rankLng = 28.0421
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type testAPI struct {
	router   http.Handler
	coord    *queue.Coordinator
	registry *zones.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	rank := models.LoadingZone{
		ID:              "rank-1",
		Name:            "Park Station",
		ZoneType:        models.ZoneTypeRank,
		CenterLatitude:  rankLat,
		CenterLongitude: rankLng,
		RadiusMeters:    50,
		RequiresMarshal: true,
		BoundaryPolicy:  models.BoundaryStrict,
		IsActive:        true,
	}
	closed := rank
	closed.ID, closed.Name, closed.IsActive = "rank-2", "Bree Street", false

	registry := zones.NewRegistry(zones.NewMemoryRepository(rank, closed), zones.Defaults{})
	require.NoError(t, registry.Load(context.Background()))

	coord := queue.NewCoordinator(queue.Options{Log: queue.NewMemoryLog(), Zones: registry})
	t.Cleanup(coord.Close)

	r := chi.NewRouter()
	r.Route("/api/zones", func(r chi.Router) {
		r.Get("/", ListZones(registry))
		r.Post("/", CreateZone(registry))
		r.Get("/{id}", GetZone(registry))
		r.Patch("/{id}", UpdateZone(registry))
		r.Post("/{id}/location", SubmitLocation(coord))
		r.Get("/{id}/events", GetEvents(coord))
		r.Route("/{id}/queue", func(r chi.Router) {
			r.Get("/", GetQueue(coord))
			r.Post("/join", JoinQueue(coord))
			r.Post("/leave", LeaveQueue(coord))
			r.Get("/archived", GetArchivedEntries(coord))
			r.Get("/{entryId}", GetEntry(coord))
			r.Post("/{entryId}/start-loading", StartLoading(coord))
			r.Post("/{entryId}/depart", MarkDeparted(coord))
			r.Post("/{entryId}/skip", SkipEntry(coord))
			r.Post("/{entryId}/remove", RemoveEntry(coord))
		})
	})
	return &testAPI{router: r, coord: coord, registry: registry}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, user middleware.UserClaims) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user.UserID != "" {
		req = req.WithContext(middleware.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

var (
	driver1  = middleware.UserClaims{UserID: "d1", Email: "d1@rank.test", Role: "driver"}
	driver2  = middleware.UserClaims{UserID: "d2", Email: "d2@rank.test", Role: "driver"}
	marshal  = middleware.UserClaims{UserID: "m1", Email: "m1@rank.test", Role: "marshal"}
	operator = middleware.UserClaims{UserID: "o1", Email: "o1@rank.test", Role: "operator"}
)

func at(lat, lng float64) map[string]interface{} {
	return map[string]interface{}{"latitude": lat, "longitude": lng}
}

func joinedEntry(t *testing.T, env envelope) queue.JoinResult {
	t.Helper()
	var res queue.JoinResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func TestJoinQueueStatusCodes(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver1)
	require.Equal(t, http.StatusCreated, status, env.Error)
	res := joinedEntry(t, env)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, "d1", res.Entry.DriverID)
	assert.Zero(t, res.EstimatedWaitSeconds)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		user   middleware.UserClaims
		status int
		code   string
	}{
		{"already queued", "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver1, http.StatusConflict, "already_queued"},
		{"out of range", "/api/zones/rank-1/queue/join", at(rankLat+0.01, rankLng), driver2, http.StatusBadRequest, "out_of_range"},
		{"invalid coordinate", "/api/zones/rank-1/queue/join", at(91, rankLng), driver2, http.StatusBadRequest, "invalid_coordinate"},
		{"unknown zone", "/api/zones/nowhere/queue/join", at(rankLat, rankLng), driver2, http.StatusNotFound, "zone_not_found"},
		{"inactive zone", "/api/zones/rank-2/queue/join", at(rankLat, rankLng), driver2, http.StatusBadRequest, "zone_closed"},
		{"missing coordinates", "/api/zones/rank-1/queue/join", map[string]string{}, driver2, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, env := api.do(t, http.MethodPost, tc.path, tc.body, tc.user)
			assert.Equal(t, tc.status, status)
			assert.False(t, env.Success)
			assert.Equal(t, tc.code, env.Code)
		})
	}
}

func TestJoinWithoutUserIsUnauthorized(t *testing.T) {
	api := newTestAPI(t)
	status, env := api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), middleware.UserClaims{})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, env.Success)
}

func TestLoadingLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	_, env := api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver1)
	first := joinedEntry(t, env).Entry
	_, env = api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver2)
	second := joinedEntry(t, env)
	assert.Equal(t, 2, second.Position)

	base := "/api/zones/rank-1/queue/" + first.ID

	status, env := api.do(t, http.MethodPost, base+"/start-loading", nil, driver1)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_authorized", env.Code)

	status, env = api.do(t, http.MethodPost, "/api/zones/rank-1/queue/"+second.Entry.ID+"/start-loading", nil, marshal)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "wrong_position", env.Code)

	status, _ = api.do(t, http.MethodPost, base+"/start-loading", nil, marshal)
	require.Equal(t, http.StatusOK, status)

	status, env = api.do(t, http.MethodPost, base+"/depart", nil, marshal)
	require.Equal(t, http.StatusOK, status)
	var departed models.QueueEntry
	require.NoError(t, json.Unmarshal(env.Data, &departed))
	assert.Equal(t, models.EntryStatusDeparted, departed.Status)

	status, env = api.do(t, http.MethodPost, base+"/depart", nil, marshal)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "already_terminal", env.Code)

	status, env = api.do(t, http.MethodGet, "/api/zones/rank-1/queue", nil, marshal)
	require.Equal(t, http.StatusOK, status)
	var snap queue.QueueSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "d2", snap.Entries[0].DriverID)
	assert.Equal(t, 1, snap.Entries[0].Position)

	// terminal entries stay retrievable for disputes
	status, env = api.do(t, http.MethodGet, base, nil, operator)
	require.Equal(t, http.StatusOK, status)
	var archived models.QueueEntry
	require.NoError(t, json.Unmarshal(env.Data, &archived))
	assert.Equal(t, models.EntryStatusDeparted, archived.Status)

	status, env = api.do(t, http.MethodGet, "/api/zones/rank-1/queue/archived", nil, operator)
	require.Equal(t, http.StatusOK, status)
	var all []models.QueueEntry
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Len(t, all, 1)

	status, env = api.do(t, http.MethodGet, "/api/zones/rank-1/events?after=2", nil, operator)
	require.Equal(t, http.StatusOK, status)
	var events []models.QueueEvent
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events, 2)
	assert.Equal(t, models.EventLoadingStarted, events[0].Type)
	assert.Equal(t, models.EventEntryDeparted, events[1].Type)

	status, env = api.do(t, http.MethodGet, "/api/zones/rank-1/events?after=-1", nil, operator)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", env.Code)
}

func TestSkipRemoveAndLeave(t *testing.T) {
	api := newTestAPI(t)

	_, env := api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver1)
	first := joinedEntry(t, env).Entry
	api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver2)

	status, env := api.do(t, http.MethodPost, "/api/zones/rank-1/queue/"+first.ID+"/skip", map[string]string{"reason": "no passengers"}, marshal)
	require.Equal(t, http.StatusOK, status, env.Error)
	var skipped models.QueueEntry
	require.NoError(t, json.Unmarshal(env.Data, &skipped))
	assert.Equal(t, models.EntryStatusSkipped, skipped.Status)

	_, env = api.do(t, http.MethodGet, "/api/zones/rank-1/queue", nil, marshal)
	var snap queue.QueueSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "d2", snap.Entries[0].DriverID)
	assert.Equal(t, "d1", snap.Entries[1].DriverID)
	assert.Equal(t, 1, snap.Entries[1].SkipCount)

	// an empty body is fine for remove
	status, _ = api.do(t, http.MethodPost, "/api/zones/rank-1/queue/"+snap.Entries[0].ID+"/remove", nil, marshal)
	require.Equal(t, http.StatusOK, status)

	status, env = api.do(t, http.MethodPost, "/api/zones/rank-1/queue/leave", nil, driver1)
	require.Equal(t, http.StatusOK, status)
	var left models.QueueEntry
	require.NoError(t, json.Unmarshal(env.Data, &left))
	assert.Equal(t, models.EntryStatusRemoved, left.Status)

	status, env = api.do(t, http.MethodPost, "/api/zones/rank-1/queue/leave", nil, driver1)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_in_queue", env.Code)
}

func TestOperatorActsForMarshal(t *testing.T) {
	api := newTestAPI(t)

	_, env := api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver1)
	first := joinedEntry(t, env).Entry
	_, env = api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver2)
	second := joinedEntry(t, env).Entry

	status, env := api.do(t, http.MethodPost, "/api/zones/rank-1/queue/"+first.ID+"/skip", map[string]string{"reason": "engine off"}, operator)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = api.do(t, http.MethodPost, "/api/zones/rank-1/queue/"+second.ID+"/remove", nil, operator)
	require.Equal(t, http.StatusOK, status, env.Error)

	_, env = api.do(t, http.MethodGet, "/api/zones/rank-1/queue", nil, operator)
	var snap queue.QueueSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "d1", snap.Entries[0].DriverID)

	status, env = api.do(t, http.MethodPost, "/api/zones/rank-1/queue/"+snap.Entries[0].ID+"/skip", nil, driver1)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_authorized", env.Code)
}

func TestSubmitLocationOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do(t, http.MethodPost, "/api/zones/rank-1/location", at(rankLat, rankLng), driver1)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_in_queue", env.Code)

	api.do(t, http.MethodPost, "/api/zones/rank-1/queue/join", at(rankLat, rankLng), driver1)

	status, env = api.do(t, http.MethodPost, "/api/zones/rank-1/location", at(rankLat+0.001, rankLng), driver1)
	require.Equal(t, http.StatusOK, status)
	var res queue.VerificationResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Verified)
	assert.True(t, res.Changed)
	assert.Greater(t, res.OverageMeters, 50.0)
	assert.NotNil(t, res.GraceDeadline)
}

func TestZoneAdministration(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do(t, http.MethodGet, "/api/zones", nil, driver1)
	require.Equal(t, http.StatusOK, status)
	var list []models.LoadingZone
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1, "inactive zones are hidden")

	_, env = api.do(t, http.MethodGet, "/api/zones?all=true", nil, operator)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	status, env = api.do(t, http.MethodPost, "/api/zones", map[string]interface{}{
		"name":             "Sandton Gautrain",
		"zone_type":        "station",
		"center_latitude":  -26.1076,
		"center_longitude": 28.0567,
		"is_active":        true,
	}, operator)
	require.Equal(t, http.StatusCreated, status, env.Error)
	var created models.LoadingZone
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.DefaultRadiusMeters, created.RadiusMeters)

	status, env = api.do(t, http.MethodPost, "/api/zones", map[string]interface{}{
		"name":             "Broken",
		"center_latitude":  120,
		"center_longitude": 28.0,
	}, operator)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_zone", env.Code)

	status, env = api.do(t, http.MethodPatch, "/api/zones/"+created.ID, map[string]interface{}{"radius_meters": 80}, operator)
	require.Equal(t, http.StatusOK, status)
	var updated models.LoadingZone
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, 80, updated.RadiusMeters)

	status, env = api.do(t, http.MethodGet, "/api/zones/missing", nil, operator)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "zone_not_found", env.Code)
}

func TestStatusForUnknownError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(queue.ErrPersistence))
}

func TestTimedOutCommandReportsUnknownOutcome(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.Canceled))

	rec := httptest.NewRecorder()
	respondQueueError(rec, "skip entry", context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, "outcome_unknown", env.Code)
	assert.Contains(t, env.Error, "refresh the queue")
}
