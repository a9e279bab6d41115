package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store loads allocator inputs and persists allocator outputs.
type Store struct {
	db     DB
	logger *logging.Logger
}

// NewStore creates a schedule store.
func NewStore(db DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, logger: logger.WithComponent("schedule_store")}
}

// DoctorSessions returns the doctor's configured working sessions
// materialized onto the given day.
func (s *Store) DoctorSessions(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Session, error) {
	midnight := day.Truncate(24 * time.Hour)
	weekday := int(midnight.Weekday())

	rows, err := s.db.Query(ctx, `
		SELECT start_minutes, end_minutes
		FROM doctor_sessions
		WHERE doctor_id = $1 AND weekday = $2
		ORDER BY start_minutes`, doctorID, weekday)
	if err != nil {
		return nil, fmt.Errorf("schedule: doctor sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var startMin, endMin int
		if err := rows.Scan(&startMin, &endMin); err != nil {
			return nil, fmt.Errorf("schedule: scan session: %w", err)
		}
		sessions = append(sessions, Session{
			Start: midnight.Add(time.Duration(startMin) * time.Minute),
			End:   midnight.Add(time.Duration(endMin) * time.Minute),
		})
	}
	return sessions, rows.Err()
}

// Calendar derives the doctor's slot calendar for a day.
func (s *Store) Calendar(ctx context.Context, doctorID uuid.UUID, day time.Time, step time.Duration) ([]Slot, error) {
	sessions, err := s.DoctorSessions(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}
	return BuildCalendar(sessions, step), nil
}

// AdvanceAnchors loads the doctor/day's live advance bookings as allocator
// anchors.
func (s *Store) AdvanceAnchors(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]AdvanceAnchor, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, slot_index, status, booked_at
		FROM appointments
		WHERE doctor_id = $1 AND day = $2 AND kind = 'advance' AND status IN ('pending', 'confirmed')`,
		doctorID, day)
	if err != nil {
		return nil, fmt.Errorf("schedule: advance anchors: %w", err)
	}
	defer rows.Close()

	var anchors []AdvanceAnchor
	for rows.Next() {
		var a AdvanceAnchor
		var status string
		if err := rows.Scan(&a.ID, &a.SlotIndex, &status, &a.BookedAt); err != nil {
			return nil, fmt.Errorf("schedule: scan anchor: %w", err)
		}
		a.Status = BookingStatus(status)
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

// WalkInCandidates loads the doctor/day's live walk-ins in check-in order.
func (s *Store) WalkInCandidates(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]WalkInCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, sequence, check_in_time, slot_index, slot_time
		FROM appointments
		WHERE doctor_id = $1 AND day = $2 AND kind = 'walk_in' AND status IN ('pending', 'confirmed')
		ORDER BY sequence`, doctorID, day)
	if err != nil {
		return nil, fmt.Errorf("schedule: walk-in candidates: %w", err)
	}
	defer rows.Close()

	var candidates []WalkInCandidate
	for rows.Next() {
		var w WalkInCandidate
		var slotIndex int
		var slotTime *time.Time
		if err := rows.Scan(&w.ID, &w.Sequence, &w.CheckInTime, &slotIndex, &slotTime); err != nil {
			return nil, fmt.Errorf("schedule: scan walk-in: %w", err)
		}
		w.PreviousSlot = NoPreviousSlot
		if slotTime != nil {
			w.PreviousSlot = slotIndex
		}
		candidates = append(candidates, w)
	}
	return candidates, rows.Err()
}

// CommitAssignments persists one allocation run's output in a single
// transaction, so a failure never leaves a half-applied schedule.
//
// uq_appointments_advance_slot is enforced per statement, so writing final
// indices row by row would collide whenever the allocator shifted an advance
// run forward (the shifted row's new slot is still held by its neighbour).
// All live rows are parked on negative indices first; those sit outside the
// index predicate, so the per-row writes below always land on a free slot.
func (s *Store) CommitAssignments(ctx context.Context, doctorID uuid.UUID, day time.Time, assignments []Assignment) error {
	if len(assignments) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("schedule: commit assignments: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	// -2-i keeps parked indices distinct and maps the unassigned marker -1
	// onto itself.
	_, err = tx.Exec(ctx, `
		UPDATE appointments SET slot_index = -2 - slot_index
		WHERE doctor_id = $1 AND day = $2 AND status IN ('pending', 'confirmed')`,
		doctorID, day)
	if err != nil {
		return fmt.Errorf("schedule: commit assignments: park: %w", err)
	}

	for _, a := range assignments {
		_, err := tx.Exec(ctx, `
			UPDATE appointments SET slot_index = $1, slot_time = $2, updated_at = $3
			WHERE id = $4`,
			a.SlotIndex, a.SlotTime, now, a.ID)
		if err != nil {
			return fmt.Errorf("schedule: commit assignments: update %s: %w", a.ID, err)
		}
	}

	// Candidates the allocator could not seat stay parked; reset them to the
	// unassigned marker.
	_, err = tx.Exec(ctx, `
		UPDATE appointments SET slot_index = -1, slot_time = NULL, updated_at = $1
		WHERE doctor_id = $2 AND day = $3 AND slot_index < -1`,
		now, doctorID, day)
	if err != nil {
		return fmt.Errorf("schedule: commit assignments: reset unplaced: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("schedule: commit assignments: commit: %w", err)
	}
	return nil
}
