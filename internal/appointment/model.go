package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/medidesk/opd-scheduler/internal/schedule"
)

// Status is an appointment's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusSkipped   Status = "skipped"
	StatusNoShow    Status = "no_show"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusNoShow, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// externalTransitions are the status changes driven by front-desk action
// rather than the sweeper's clock: confirmation (including a late arrival
// accepted out of Skipped), completion, and cancellation of any non-terminal
// appointment.
var externalTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusSkipped:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether an external action may move an appointment
// from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range externalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Appointment is one patient visit, advance-booked or walked in.
type Appointment struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Kind      schedule.OccupantKind

	Day       time.Time
	SlotIndex int
	SlotTime  time.Time

	// Sequence and CheckInTime are set for walk-ins only; Sequence is the
	// monotonic per-doctor-per-day check-in counter.
	Sequence    int
	CheckInTime *time.Time

	Status Status

	// CutOffTime and NoShowTime are computed once at booking and never
	// mutated; DelayMinutes is added at evaluation time so the base
	// deadlines stay auditable.
	CutOffTime   time.Time
	NoShowTime   time.Time
	DelayMinutes int

	BookedAt  time.Time
	UpdatedAt time.Time
}

// Deadlines derives the base cutoff and no-show deadlines from the booked
// slot time.
func Deadlines(slotTime time.Time, cutoffLead, noShowGrace time.Duration) (cutOff, noShow time.Time) {
	return slotTime.Add(-cutoffLead), slotTime.Add(noShowGrace)
}

// Anchor converts an advance appointment into its allocator input.
func (a *Appointment) Anchor() schedule.AdvanceAnchor {
	status := schedule.BookingPending
	if a.Status == StatusConfirmed {
		status = schedule.BookingConfirmed
	}
	return schedule.AdvanceAnchor{
		ID:        a.ID,
		SlotIndex: a.SlotIndex,
		Status:    status,
		BookedAt:  a.BookedAt,
	}
}

// WalkInCandidate converts a walk-in appointment into its allocator input.
func (a *Appointment) WalkInCandidate() schedule.WalkInCandidate {
	checkIn := a.BookedAt
	if a.CheckInTime != nil {
		checkIn = *a.CheckInTime
	}
	prev := a.SlotIndex
	if a.SlotTime.IsZero() {
		prev = schedule.NoPreviousSlot
	}
	return schedule.WalkInCandidate{
		ID:           a.ID,
		Sequence:     a.Sequence,
		CheckInTime:  checkIn,
		PreviousSlot: prev,
	}
}
