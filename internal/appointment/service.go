package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medidesk/opd-scheduler/internal/schedule"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// ErrInvalidTransition is returned when an external action is not allowed
// from the appointment's current status.
var ErrInvalidTransition = errors.New("appointment: invalid status transition")

// ErrSlotUnavailable is returned when an advance booking names a slot index
// that does not exist on the doctor's calendar or already lies in the past.
var ErrSlotUnavailable = errors.New("appointment: slot unavailable")

// ErrSlotTaken is returned when another advance booking already holds the
// requested slot.
var ErrSlotTaken = errors.New("appointment: slot already booked")

// BookingStore is the persistence surface the booking service needs.
type BookingStore interface {
	CreateAdvance(ctx context.Context, a *Appointment) error
	CreateWalkIn(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByDoctorDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
}

// CalendarSource derives a doctor's slot calendar and live anchors.
type CalendarSource interface {
	Calendar(ctx context.Context, doctorID uuid.UUID, day time.Time, step time.Duration) ([]schedule.Slot, error)
	AdvanceAnchors(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]schedule.AdvanceAnchor, error)
}

// ServiceConfig wires a booking Service.
type ServiceConfig struct {
	Store     BookingStore
	Calendar  CalendarSource
	Rebalance RebalanceRequester
	Logger    *logging.Logger

	Step        time.Duration
	CutoffLead  time.Duration
	NoShowGrace time.Duration
	Clock       func() time.Time
}

// Service handles booking, check-in and the externally driven status
// transitions. Timeout-driven transitions belong to the Sweeper.
type Service struct {
	store     BookingStore
	calendar  CalendarSource
	rebalance RebalanceRequester
	logger    *logging.Logger

	step        time.Duration
	cutoffLead  time.Duration
	noShowGrace time.Duration
	clock       func() time.Time
}

// NewService creates a booking service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Calendar == nil {
		return nil, errors.New("appointment: service requires store and calendar")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	step := cfg.Step
	if step <= 0 {
		step = 15 * time.Minute
	}
	return &Service{
		store:       cfg.Store,
		calendar:    cfg.Calendar,
		rebalance:   cfg.Rebalance,
		logger:      logger.WithComponent("booking"),
		step:        step,
		cutoffLead:  cfg.CutoffLead,
		noShowGrace: cfg.NoShowGrace,
		clock:       clock,
	}, nil
}

// BookAdvanceRequest is the input for an advance booking.
type BookAdvanceRequest struct {
	ClinicID  uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Day       time.Time
	SlotIndex int
}

// BookAdvance books an advance appointment at the requested slot. The cutoff
// and no-show deadlines are computed here, once, from the slot time; later
// delay is applied at evaluation, never by rewriting these fields.
func (s *Service) BookAdvance(ctx context.Context, req BookAdvanceRequest) (*Appointment, error) {
	ctx, span := lifecycleTracer.Start(ctx, "appointment.book_advance")
	defer span.End()
	span.SetAttributes(attribute.Int("opd.slot_index", req.SlotIndex))

	day := req.Day.Truncate(24 * time.Hour)
	slots, err := s.calendar.Calendar(ctx, req.DoctorID, day, s.step)
	if err != nil {
		return nil, fmt.Errorf("appointment: book advance: %w", err)
	}
	if req.SlotIndex < 0 || req.SlotIndex >= len(slots) {
		return nil, ErrSlotUnavailable
	}
	slot := slots[req.SlotIndex]
	if slot.Time.Before(s.clock()) {
		return nil, ErrSlotUnavailable
	}

	anchors, err := s.calendar.AdvanceAnchors(ctx, req.DoctorID, day)
	if err != nil {
		return nil, fmt.Errorf("appointment: book advance: %w", err)
	}
	for _, a := range anchors {
		if a.SlotIndex == req.SlotIndex {
			return nil, ErrSlotTaken
		}
	}

	cutOff, noShow := Deadlines(slot.Time, s.cutoffLead, s.noShowGrace)
	appt := &Appointment{
		ClinicID:   req.ClinicID,
		DoctorID:   req.DoctorID,
		PatientID:  req.PatientID,
		Day:        day,
		SlotIndex:  req.SlotIndex,
		SlotTime:   slot.Time,
		Status:     StatusPending,
		CutOffTime: cutOff,
		NoShowTime: noShow,
	}
	if err := s.store.CreateAdvance(ctx, appt); err != nil {
		return nil, err
	}

	s.logger.Info("advance appointment booked",
		"appointment_id", appt.ID, "doctor_id", req.DoctorID, "slot_index", req.SlotIndex)
	s.requestRebalance(req.DoctorID, day)
	return appt, nil
}

// CheckInWalkInRequest is the input for a walk-in check-in.
type CheckInWalkInRequest struct {
	ClinicID  uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Day       time.Time
}

// CheckInWalkIn registers a walk-in patient. The store assigns the next
// check-in sequence; the slot itself is decided by the next allocation run,
// which this call triggers.
func (s *Service) CheckInWalkIn(ctx context.Context, req CheckInWalkInRequest) (*Appointment, error) {
	ctx, span := lifecycleTracer.Start(ctx, "appointment.check_in_walk_in")
	defer span.End()

	day := req.Day.Truncate(24 * time.Hour)
	now := s.clock()

	appt := &Appointment{
		ClinicID:    req.ClinicID,
		DoctorID:    req.DoctorID,
		PatientID:   req.PatientID,
		Day:         day,
		SlotIndex:   -1,
		Status:      StatusConfirmed,
		CheckInTime: &now,
	}
	if err := s.store.CreateWalkIn(ctx, appt); err != nil {
		return nil, err
	}

	s.logger.Info("walk-in checked in",
		"appointment_id", appt.ID, "doctor_id", req.DoctorID, "sequence", appt.Sequence)
	s.requestRebalance(req.DoctorID, day)
	return appt, nil
}

// Confirm marks a Pending or Skipped appointment as Confirmed. A Skipped
// patient who reports to the desk re-enters the queue this way.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed)
}

// Complete marks a Confirmed appointment as Completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted)
}

// Cancel cancels a non-terminal appointment and frees its slot for the next
// allocation run.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCancelled)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	appt, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(appt.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, to)
	}
	if err := s.store.UpdateStatus(ctx, id, appt.Status, to); err != nil {
		return nil, err
	}

	s.logger.Info("appointment status changed",
		"appointment_id", id, "from", appt.Status, "to", to)
	appt.Status = to

	// Cancellation and a skipped patient rejoining both change the set of
	// live occupants, so the board is recomputed.
	if to == StatusCancelled || to == StatusConfirmed {
		s.requestRebalance(appt.DoctorID, appt.Day)
	}
	return appt, nil
}

// DaySchedule returns a doctor's full board for one day.
func (s *Service) DaySchedule(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error) {
	return s.store.ListByDoctorDay(ctx, doctorID, day.Truncate(24*time.Hour))
}

func (s *Service) requestRebalance(doctorID uuid.UUID, day time.Time) {
	if s.rebalance != nil {
		s.rebalance.Request(doctorID, day)
	}
}
