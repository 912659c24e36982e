package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"rankqueue-backend/internal/middleware"
	"rankqueue-backend/internal/models"
	"rankqueue-backend/internal/queue"
	"rankqueue-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// QueueService is the coordinator surface the HTTP layer drives
type QueueService interface {
	Join(ctx context.Context, req queue.JoinRequest) (queue.JoinResult, error)
	Leave(ctx context.Context, zoneID, driverID string) (models.QueueEntry, error)
	SubmitLocation(ctx context.Context, u queue.LocationUpdate) (queue.VerificationResult, error)
	StartLoading(ctx context.Context, actor queue.Actor, zoneID, entryID string) (models.QueueEntry, error)
	MarkDeparted(ctx context.Context, actor queue.Actor, zoneID, entryID string) (models.QueueEntry, error)
	Skip(ctx context.Context, actor queue.Actor, zoneID, entryID, reason string) (models.QueueEntry, error)
	Remove(ctx context.Context, actor queue.Actor, zoneID, entryID, reason string) (models.QueueEntry, error)
	Snapshot(ctx context.Context, zoneID string) (queue.QueueSnapshot, error)
	Entry(ctx context.Context, zoneID, entryID string) (models.QueueEntry, error)
	Archived(ctx context.Context, zoneID string) ([]models.QueueEntry, error)
	Events(ctx context.Context, zoneID string, afterSeq int64) ([]models.QueueEvent, error)
}

// positionRequest is a GPS fix sent with join or location calls.
// Timestamps are unix milliseconds; 0 means "now".
type positionRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp int64    `json:"timestamp"`
	VehicleID string   `json:"vehicle_id"`
	Notes     string   `json:"notes"`
}

func (p positionRequest) fixTime() time.Time {
	if p.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.Timestamp)
}

func decodePosition(w http.ResponseWriter, r *http.Request) (positionRequest, bool) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, "Invalid request body", "bad_request")
		return req, false
	}
	if req.Latitude == nil || req.Longitude == nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, "latitude and longitude are required", "bad_request")
		return req, false
	}
	return req, true
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// decodeReason accepts an empty body
func decodeReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondErrorCode(w, http.StatusBadRequest, "Invalid request body", "bad_request")
		return "", false
	}
	return req.Reason, true
}

func claimsOrUnauthorized(w http.ResponseWriter, r *http.Request) (middleware.UserClaims, bool) {
	userClaims, ok := middleware.GetUserFromContext(r)
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
	}
	return userClaims, ok
}

// JoinQueue admits the calling driver into a zone's queue
func JoinQueue(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoneID := chi.URLParam(r, "id")
		log.Printf("📥 REQUEST: POST /api/zones/%s/queue/join", zoneID)

		userClaims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		req, ok := decodePosition(w, r)
		if !ok {
			return
		}

		result, err := svc.Join(r.Context(), queue.JoinRequest{
			DriverID:  userClaims.UserID,
			VehicleID: req.VehicleID,
			ZoneID:    zoneID,
			Latitude:  *req.Latitude,
			Longitude: *req.Longitude,
			FixTime:   req.fixTime(),
			Notes:     req.Notes,
		})
		if err != nil {
			respondQueueError(w, "join", err)
			return
		}
		utils.RespondData(w, http.StatusCreated, result)
	}
}

// LeaveQueue drops the calling driver's active entry
func LeaveQueue(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoneID := chi.URLParam(r, "id")
		log.Printf("📥 REQUEST: POST /api/zones/%s/queue/leave", zoneID)

		userClaims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		entry, err := svc.Leave(r.Context(), zoneID, userClaims.UserID)
		if err != nil {
			respondQueueError(w, "leave", err)
			return
		}
		utils.RespondData(w, http.StatusOK, entry)
	}
}

// SubmitLocation re-verifies the calling driver's presence
func SubmitLocation(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoneID := chi.URLParam(r, "id")

		userClaims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		req, ok := decodePosition(w, r)
		if !ok {
			return
		}

		result, err := svc.SubmitLocation(r.Context(), queue.LocationUpdate{
			DriverID:  userClaims.UserID,
			ZoneID:    zoneID,
			Latitude:  *req.Latitude,
			Longitude: *req.Longitude,
			Timestamp: req.fixTime(),
		})
		if err != nil {
			respondQueueError(w, "submit location", err)
			return
		}
		utils.RespondData(w, http.StatusOK, result)
	}
}

// entryCommand adapts the coordinator's per-entry commands into handlers
func entryCommand(name string, fn func(ctx context.Context, actor queue.Actor, zoneID, entryID, reason string) (models.QueueEntry, error), wantsReason bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoneID := chi.URLParam(r, "id")
		entryID := chi.URLParam(r, "entryId")
		log.Printf("📥 REQUEST: POST /api/zones/%s/queue/%s/%s", zoneID, entryID, name)

		userClaims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		var reason string
		if wantsReason {
			if reason, ok = decodeReason(w, r); !ok {
				return
			}
		}

		entry, err := fn(r.Context(), userClaims.Actor(), zoneID, entryID, reason)
		if err != nil {
			respondQueueError(w, name, err)
			return
		}
		utils.RespondData(w, http.StatusOK, entry)
	}
}

func StartLoading(svc QueueService) http.HandlerFunc {
	return entryCommand("start-loading", func(ctx context.Context, actor queue.Actor, zoneID, entryID, _ string) (models.QueueEntry, error) {
		return svc.StartLoading(ctx, actor, zoneID, entryID)
	}, false)
}

func MarkDeparted(svc QueueService) http.HandlerFunc {
	return entryCommand("depart", func(ctx context.Context, actor queue.Actor, zoneID, entryID, _ string) (models.QueueEntry, error) {
		return svc.MarkDeparted(ctx, actor, zoneID, entryID)
	}, false)
}

func SkipEntry(svc QueueService) http.HandlerFunc {
	return entryCommand("skip", svc.Skip, true)
}

func RemoveEntry(svc QueueService) http.HandlerFunc {
	return entryCommand("remove", svc.Remove, true)
}

// GetQueue returns the zone's live queue with its sequence number
func GetQueue(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoneID := chi.URLParam(r, "id")
		snap, err := svc.Snapshot(r.Context(), zoneID)
		if err != nil {
			respondQueueError(w, "snapshot", err)
			return
		}
		utils.RespondData(w, http.StatusOK, snap)
	}
}

// GetEntry looks up one entry, archived ones included
func GetEntry(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := svc.Entry(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "entryId"))
		if err != nil {
			respondQueueError(w, "entry lookup", err)
			return
		}
		utils.RespondData(w, http.StatusOK, entry)
	}
}

func GetArchivedEntries(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.Archived(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondQueueError(w, "archived entries", err)
			return
		}
		if entries == nil {
			entries = []models.QueueEntry{}
		}
		utils.RespondData(w, http.StatusOK, entries)
	}
}

// GetEvents serves the zone's audit log after the given sequence number
func GetEvents(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoneID := chi.URLParam(r, "id")

		var after int64
		if raw := r.URL.Query().Get("after"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				utils.RespondErrorCode(w, http.StatusBadRequest, "after must be a non-negative integer", "bad_request")
				return
			}
			after = n
		}

		events, err := svc.Events(r.Context(), zoneID, after)
		if err != nil {
			respondQueueError(w, "events", err)
			return
		}
		if events == nil {
			events = []models.QueueEvent{}
		}
		utils.RespondData(w, http.StatusOK, events)
	}
}
