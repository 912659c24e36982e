package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"rankqueue-backend/internal/middleware"
	"rankqueue-backend/internal/models"
	"rankqueue-backend/internal/zones"
	"rankqueue-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// ListZones returns active zones; operators may pass ?all=true to include inactive ones
func ListZones(registry *zones.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Printf("📥 REQUEST: GET /api/zones")

		list := registry.ListActiveZones()
		if userClaims, ok := middleware.GetUserFromContext(r); ok && userClaims.Role == "operator" && r.URL.Query().Get("all") == "true" {
			list = registry.ListZones()
		}
		if list == nil {
			list = []models.LoadingZone{}
		}
		utils.RespondData(w, http.StatusOK, list)
	}
}

func GetZone(registry *zones.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zone, err := registry.GetZone(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondQueueError(w, "get zone", err)
			return
		}
		utils.RespondData(w, http.StatusOK, zone)
	}
}

// CreateZone registers a new loading zone (operator only)
func CreateZone(registry *zones.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Printf("📥 REQUEST: POST /api/zones")

		var zone models.LoadingZone
		if err := json.NewDecoder(r.Body).Decode(&zone); err != nil {
			utils.RespondErrorCode(w, http.StatusBadRequest, "Invalid request body", "bad_request")
			return
		}

		created, err := registry.CreateZone(r.Context(), zone)
		if err != nil {
			respondQueueError(w, "create zone", err)
			return
		}
		utils.RespondData(w, http.StatusCreated, created)
	}
}

// UpdateZone patches a zone. Entries already queued keep the rules they joined under.
func UpdateZone(registry *zones.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoneID := chi.URLParam(r, "id")
		log.Printf("📥 REQUEST: PATCH /api/zones/%s", zoneID)

		var patch zones.ZonePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			utils.RespondErrorCode(w, http.StatusBadRequest, "Invalid request body", "bad_request")
			return
		}

		updated, err := registry.UpdateZone(r.Context(), zoneID, patch)
		if err != nil {
			respondQueueError(w, "update zone", err)
			return
		}
		utils.RespondData(w, http.StatusOK, updated)
	}
}
