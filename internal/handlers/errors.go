package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"rankqueue-backend/internal/queue"
	"rankqueue-backend/internal/zones"
	"rankqueue-backend/pkg/utils"
)

// statusFor maps a queue or zone error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, zones.ErrInvalidZone),
		errors.Is(err, queue.ErrInvalidCoordinate),
		errors.Is(err, queue.ErrOutOfRange),
		errors.Is(err, queue.ErrZoneClosed),
		errors.Is(err, queue.ErrStaleLocation):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, queue.ErrZoneNotFound),
		errors.Is(err, queue.ErrEntryNotFound),
		errors.Is(err, queue.ErrNotInQueue):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrWrongPosition),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, queue.ErrAlreadyQueued):
		return http.StatusConflict
	case errors.Is(err, queue.ErrAlreadyTerminal):
		return http.StatusGone
	case errors.Is(err, queue.ErrPersistence),
		errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// respondQueueError writes the error envelope; internal errors never leak their text
func respondQueueError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	code := queue.ErrorCode(err)
	if errors.Is(err, zones.ErrInvalidZone) {
		code = "invalid_zone"
	}
	if status >= http.StatusInternalServerError {
		log.Printf("❌ %s failed: %v", op, err)
	}
	if status == http.StatusGatewayTimeout {
		// the zone may still have applied the command
		utils.RespondErrorCode(w, status, "Request timed out before the outcome was known; refresh the queue", "outcome_unknown")
		return
	}
	if status == http.StatusInternalServerError {
		utils.RespondErrorCode(w, status, "Internal server error", code)
		return
	}
	utils.RespondErrorCode(w, status, err.Error(), code)
}
