package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medidesk/opd-scheduler/internal/appointment"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// BookingService is the appointment surface the HTTP layer calls.
type BookingService interface {
	BookAdvance(ctx context.Context, req appointment.BookAdvanceRequest) (*appointment.Appointment, error)
	CheckInWalkIn(ctx context.Context, req appointment.CheckInWalkInRequest) (*appointment.Appointment, error)
	Confirm(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	DaySchedule(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]appointment.Appointment, error)
}

// AppointmentsHandler exposes booking, check-in and day-board endpoints.
type AppointmentsHandler struct {
	svc    BookingService
	logger *logging.Logger
}

// NewAppointmentsHandler creates an appointments handler.
func NewAppointmentsHandler(svc BookingService, logger *logging.Logger) *AppointmentsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentsHandler{svc: svc, logger: logger}
}

type appointmentResponse struct {
	ID           uuid.UUID  `json:"id"`
	ClinicID     uuid.UUID  `json:"clinic_id,omitempty"`
	DoctorID     uuid.UUID  `json:"doctor_id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	Kind         string     `json:"kind"`
	Day          string     `json:"day"`
	SlotIndex    int        `json:"slot_index"`
	SlotTime     *time.Time `json:"slot_time,omitempty"`
	Sequence     int        `json:"sequence,omitempty"`
	CheckInTime  *time.Time `json:"check_in_time,omitempty"`
	Status       string     `json:"status"`
	CutOffTime   time.Time  `json:"cut_off_time"`
	NoShowTime   time.Time  `json:"no_show_time"`
	DelayMinutes int        `json:"delay_minutes"`
}

func toResponse(a *appointment.Appointment) appointmentResponse {
	resp := appointmentResponse{
		ID:           a.ID,
		ClinicID:     a.ClinicID,
		DoctorID:     a.DoctorID,
		PatientID:    a.PatientID,
		Kind:         string(a.Kind),
		Day:          a.Day.Format(time.DateOnly),
		SlotIndex:    a.SlotIndex,
		Sequence:     a.Sequence,
		CheckInTime:  a.CheckInTime,
		Status:       string(a.Status),
		CutOffTime:   a.CutOffTime,
		NoShowTime:   a.NoShowTime,
		DelayMinutes: a.DelayMinutes,
	}
	if !a.SlotTime.IsZero() {
		t := a.SlotTime
		resp.SlotTime = &t
	}
	return resp
}

type bookAdvanceRequest struct {
	ClinicID  string `json:"clinic_id"`
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
	Day       string `json:"day"`
	SlotIndex *int   `json:"slot_index"`
}

// BookAdvance handles POST /api/appointments.
func (h *AppointmentsHandler) BookAdvance(w http.ResponseWriter, r *http.Request) {
	var req bookAdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		http.Error(w, "invalid doctor_id", http.StatusBadRequest)
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		http.Error(w, "invalid patient_id", http.StatusBadRequest)
		return
	}
	day, err := time.Parse(time.DateOnly, req.Day)
	if err != nil {
		http.Error(w, "invalid day", http.StatusBadRequest)
		return
	}
	if req.SlotIndex == nil {
		http.Error(w, "missing slot_index", http.StatusBadRequest)
		return
	}
	clinicID, _ := uuid.Parse(req.ClinicID)

	appt, err := h.svc.BookAdvance(r.Context(), appointment.BookAdvanceRequest{
		ClinicID:  clinicID,
		DoctorID:  doctorID,
		PatientID: patientID,
		Day:       day.UTC(),
		SlotIndex: *req.SlotIndex,
	})
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

type checkInRequest struct {
	ClinicID  string `json:"clinic_id"`
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
	Day       string `json:"day"`
}

// CheckInWalkIn handles POST /api/walkins.
func (h *AppointmentsHandler) CheckInWalkIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		http.Error(w, "invalid doctor_id", http.StatusBadRequest)
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		http.Error(w, "invalid patient_id", http.StatusBadRequest)
		return
	}
	day := time.Now().UTC()
	if req.Day != "" {
		day, err = time.Parse(time.DateOnly, req.Day)
		if err != nil {
			http.Error(w, "invalid day", http.StatusBadRequest)
			return
		}
	}
	clinicID, _ := uuid.Parse(req.ClinicID)

	appt, err := h.svc.CheckInWalkIn(r.Context(), appointment.CheckInWalkInRequest{
		ClinicID:  clinicID,
		DoctorID:  doctorID,
		PatientID: patientID,
		Day:       day.UTC(),
	})
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

// Transition handles POST /api/appointments/{id}/{confirm|complete|cancel}.
func (h *AppointmentsHandler) Transition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid appointment id", http.StatusBadRequest)
			return
		}

		var appt *appointment.Appointment
		switch action {
		case "confirm":
			appt, err = h.svc.Confirm(r.Context(), id)
		case "complete":
			appt, err = h.svc.Complete(r.Context(), id)
		case "cancel":
			appt, err = h.svc.Cancel(r.Context(), id)
		default:
			http.Error(w, "unknown action", http.StatusNotFound)
			return
		}
		if err != nil {
			h.writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(appt))
	}
}

// DaySchedule handles GET /api/doctors/{id}/schedule?date=YYYY-MM-DD.
func (h *AppointmentsHandler) DaySchedule(w http.ResponseWriter, r *http.Request) {
	doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid doctor id", http.StatusBadRequest)
		return
	}
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		day, err = time.Parse(time.DateOnly, raw)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
	}

	appts, err := h.svc.DaySchedule(r.Context(), doctorID, day)
	if err != nil {
		h.logger.Error("day schedule read failed", "doctor_id", doctorID, "error", err)
		http.Error(w, "failed to load schedule", http.StatusInternalServerError)
		return
	}

	entries := make([]appointmentResponse, 0, len(appts))
	for i := range appts {
		entries = append(entries, toResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id":    doctorID,
		"date":         day.Format(time.DateOnly),
		"appointments": entries,
	})
}

func (h *AppointmentsHandler) writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrNotFound):
		http.Error(w, "appointment not found", http.StatusNotFound)
	case errors.Is(err, appointment.ErrSlotUnavailable):
		http.Error(w, "slot unavailable", http.StatusUnprocessableEntity)
	case errors.Is(err, appointment.ErrSlotTaken):
		http.Error(w, "slot already booked", http.StatusConflict)
	case errors.Is(err, appointment.ErrInvalidTransition),
		errors.Is(err, appointment.ErrStatusConflict):
		http.Error(w, "invalid status transition", http.StatusConflict)
	default:
		h.logger.Error("booking request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
