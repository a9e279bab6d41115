package schedule

import (
	"time"

	"github.com/google/uuid"
)

// OccupantKind discriminates the two kinds of patients competing for slots.
type OccupantKind string

const (
	// KindAdvance is a patient who booked a specific slot ahead of time.
	KindAdvance OccupantKind = "advance"
	// KindWalkIn is a patient queued by arrival order without a prior booking.
	KindWalkIn OccupantKind = "walk_in"
)

// BookingStatus is the subset of appointment statuses the allocator cares
// about: whether an advance booking is guaranteed to occur yet.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
)

// Session is one contiguous working block in a doctor's day.
type Session struct {
	Start time.Time
	End   time.Time
}

// Slot is one bookable consultation position in a doctor's daily calendar.
// Index is 0-based and strictly increasing with Time.
type Slot struct {
	Index        int
	Time         time.Time
	SessionIndex int
}

// AdvanceAnchor is a previously booked appointment's claim on a slot,
// re-supplied from persisted records on every allocation run.
type AdvanceAnchor struct {
	ID        uuid.UUID
	SlotIndex int
	Status    BookingStatus
	BookedAt  time.Time
}

// NoPreviousSlot marks a walk-in that has never been placed.
const NoPreviousSlot = -1

// WalkInCandidate is a checked-in patient without a booking. Sequence is the
// monotonic check-in counter defining total order among walk-ins;
// PreviousSlot lets the allocator prefer continuity across re-runs.
type WalkInCandidate struct {
	ID           uuid.UUID
	Sequence     int
	CheckInTime  time.Time
	PreviousSlot int
}

// Assignment maps one occupant to one slot.
type Assignment struct {
	ID           uuid.UUID
	Kind         OccupantKind
	SlotIndex    int
	SessionIndex int
	SlotTime     time.Time
}

// Unplaced identifies a candidate the allocator could not seat.
type Unplaced struct {
	ID   uuid.UUID
	Kind OccupantKind
}

// Options carries the allocator tunables supplied by configuration.
type Options struct {
	// Spacing is the number of advance slots allowed between consecutive
	// walk-in insertions.
	Spacing int
	// PullWindow is how far past now a freed slot may be backfilled.
	PullWindow time.Duration
	// MaxCompactionPasses caps the compaction fixed-point loop.
	// Zero derives a cap from the calendar size.
	MaxCompactionPasses int
}

// Result is the allocator output. Every input anchor and walk-in appears in
// exactly one of Assignments or Unplaced.
type Result struct {
	Assignments []Assignment
	Unplaced    []Unplaced
}
