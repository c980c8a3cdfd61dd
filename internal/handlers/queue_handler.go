package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tunequeue/backend/internal/middleware"
	"github.com/tunequeue/backend/internal/models"
	"github.com/tunequeue/backend/internal/services"
)

type QueueHandler struct {
	service   *services.AdmissionService
	validator *services.ValidationHelper
}

func NewQueueHandler(service *services.AdmissionService) *QueueHandler {
	return &QueueHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// AddToQueue admits a track into a venue's queue
// @Summary Add track to queue
// @Description Charge the caller's points and place a track into the venue queue
// @Tags queue
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.AddToQueueRequest true "Admission request"
// @Success 201 {object} services.AdmissionResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /queue/add [post]
func (h *QueueHandler) AddToQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.AddToQueueRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.Admit(r.Context(), userID, req)
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"queueItem":      result.QueueItem,
		"position":       result.Position,
		"pointsDeducted": result.PointsDeducted,
		"newBalance":     result.NewBalance,
		"transactionId":  result.TransactionID,
	})
}

// CheckDuplicate reports whether a track is already queued or playing
// @Summary Check for duplicate track
// @Description Check whether a track already has a live queue entry at a venue
// @Tags queue
// @Produce json
// @Security BearerAuth
// @Param venueId path string true "Venue ID"
// @Param trackId path string true "Track ID"
// @Success 200 {object} object{isDuplicate=bool}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /queue/check-duplicate/{venueId}/{trackId} [get]
func (h *QueueHandler) CheckDuplicate(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueId")
	trackID := chi.URLParam(r, "trackId")
	if !services.ValidIdentifier(venueID) || !services.ValidIdentifier(trackID) {
		services.SendErrorResponse(w, "Invalid venue or track identifier", http.StatusBadRequest, nil)
		return
	}

	isDuplicate, err := h.service.CheckDuplicate(r.Context(), venueID, trackID)
	if err != nil {
		log.Printf("[QUEUE] Duplicate check failed for %s/%s: %v", venueID, trackID, err)
		services.SendErrorResponse(w, "Duplicate check failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"isDuplicate": isDuplicate})
}

// RemoveFromQueue removes an entry and refunds the owner
// @Summary Remove queue entry
// @Description Remove an entry; the requester's own entry is refunded, staff removal is not
// @Tags queue
// @Produce json
// @Security BearerAuth
// @Param venueId path string true "Venue ID"
// @Param entryId path string true "Entry ID"
// @Success 200 {object} services.RemovalResult
// @Failure 401 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /queue/{venueId}/{entryId} [delete]
func (h *QueueHandler) RemoveFromQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	caps, _ := r.Context().Value("capabilities").(middleware.Capabilities)

	venueID := chi.URLParam(r, "venueId")
	entryID := chi.URLParam(r, "entryId")

	result, err := h.service.RemoveEntry(r.Context(), venueID, entryID, userID, caps)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEntryNotFound):
			services.SendErrorResponse(w, "Queue entry not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrNotOwner):
			services.SendErrorResponse(w, "Only the requester can remove their own entry", http.StatusForbidden, nil)
		default:
			log.Printf("[QUEUE] Removal failed for %s/%s: %v", venueID, entryID, err)
			services.SendErrorResponse(w, "Removal failed", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"refunded": result.Refunded,
	})
}

// GetQueue returns the venue's queue snapshot
// @Summary Read venue queue
// @Description Get both tier sequences and aggregate counts for a venue
// @Tags queue
// @Produce json
// @Security BearerAuth
// @Param venueId path string true "Venue ID"
// @Success 200 {object} models.QueueSnapshot
// @Failure 401 {object} services.ErrorResponse
// @Router /queue/{venueId} [get]
func (h *QueueHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueId")

	snapshot, err := h.service.GetQueue(r.Context(), venueID)
	if err != nil {
		log.Printf("[QUEUE] Snapshot failed for %s: %v", venueID, err)
		services.SendErrorResponse(w, "Failed to read queue", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *QueueHandler) writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrDuplicateEntry):
		services.SendErrorResponse(w, "Track is already in the queue", http.StatusConflict, nil)
	case errors.Is(err, services.ErrInsufficientFunds):
		services.SendErrorResponse(w, "Insufficient points balance", http.StatusPaymentRequired, nil)
	case errors.Is(err, services.ErrReconciliationPending):
		services.SendErrorResponse(w, "Admission failed, refund pending reconciliation", http.StatusInternalServerError, nil)
	default:
		log.Printf("[QUEUE] Admission failed: %v", err)
		services.SendErrorResponse(w, "Admission failed", http.StatusInternalServerError, nil)
	}
}
