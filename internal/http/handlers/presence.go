package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medidesk/opd-scheduler/internal/presence"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// PresenceWriter records manual presence toggles.
type PresenceWriter interface {
	Set(ctx context.Context, doctorID uuid.UUID, status presence.ConsultationStatus) (presence.Record, error)
	Get(ctx context.Context, doctorID uuid.UUID) (presence.Record, error)
}

// Rebalancer enqueues a schedule recomputation.
type Rebalancer interface {
	Request(doctorID uuid.UUID, day time.Time)
}

// PresenceHandler exposes the doctor presence toggle. A toggle changes the
// doctor's delay immediately, so every write also requests a recomputation
// of today's board.
type PresenceHandler struct {
	store     PresenceWriter
	rebalance Rebalancer
	logger    *logging.Logger
	clock     func() time.Time
}

// NewPresenceHandler creates a presence handler.
func NewPresenceHandler(store PresenceWriter, rebalance Rebalancer, logger *logging.Logger) *PresenceHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &PresenceHandler{
		store:     store,
		rebalance: rebalance,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

type presenceRequest struct {
	Status string `json:"status"`
}

// Set handles PUT /api/doctors/{id}/presence.
func (h *PresenceHandler) Set(w http.ResponseWriter, r *http.Request) {
	doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid doctor id", http.StatusBadRequest)
		return
	}
	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status := presence.ConsultationStatus(req.Status)
	if status != presence.StatusIn && status != presence.StatusOut {
		http.Error(w, "status must be \"in\" or \"out\"", http.StatusBadRequest)
		return
	}

	rec, err := h.store.Set(r.Context(), doctorID, status)
	if err != nil {
		h.logger.Error("presence toggle failed", "doctor_id", doctorID, "error", err)
		http.Error(w, "failed to update presence", http.StatusInternalServerError)
		return
	}

	if h.rebalance != nil {
		h.rebalance.Request(doctorID, h.clock().Truncate(24*time.Hour))
	}
	writeJSON(w, http.StatusOK, rec)
}

// Get handles GET /api/doctors/{id}/presence.
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid doctor id", http.StatusBadRequest)
		return
	}
	rec, err := h.store.Get(r.Context(), doctorID)
	if err != nil {
		h.logger.Error("presence read failed", "doctor_id", doctorID, "error", err)
		http.Error(w, "failed to read presence", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
