package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medidesk/opd-scheduler/internal/schedule"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// ErrNotFound is returned when no appointment matches.
var ErrNotFound = errors.New("appointment: not found")

// ErrStatusConflict is returned when a guarded status update matched no row,
// meaning the appointment moved on concurrently.
var ErrStatusConflict = errors.New("appointment: status changed concurrently")

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store provides persistence for appointments.
type Store struct {
	db     DB
	logger *logging.Logger
}

// NewStore creates an appointment store.
func NewStore(db DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, logger: logger.WithComponent("appointment_store")}
}

const apptColumns = `
	id, clinic_id, doctor_id, patient_id, kind, day, slot_index, slot_time,
	sequence, check_in_time, status, cut_off_time, no_show_time,
	delay_minutes, booked_at, updated_at`

// CreateAdvance inserts an advance booking at its desired slot.
func (s *Store) CreateAdvance(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.Kind = schedule.KindAdvance
	if a.Status == "" {
		a.Status = StatusPending
	}
	a.BookedAt = now
	a.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO appointments (id, clinic_id, doctor_id, patient_id, kind, day, slot_index, slot_time,
			sequence, check_in_time, status, cut_off_time, no_show_time, delay_minutes, booked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NULL, $9, $10, $11, 0, $12, $12)`,
		a.ID, a.ClinicID, a.DoctorID, a.PatientID, string(a.Kind), a.Day, a.SlotIndex, a.SlotTime,
		string(a.Status), a.CutOffTime, a.NoShowTime, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent booking won the slot between the service's
			// availability check and this insert.
			return fmt.Errorf("appointment: create advance: %w", ErrSlotTaken)
		}
		return fmt.Errorf("appointment: create advance: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// walkInSequenceRetries bounds how often a check-in re-reads the sequence
// counter after losing a race to a concurrent check-in.
const walkInSequenceRetries = 3

// CreateWalkIn inserts a walk-in and assigns the next check-in sequence for
// the doctor/day in the same statement. uq_appointments_walkin_sequence
// rejects the insert when a concurrent check-in claimed the same sequence;
// the insert then re-reads the counter and tries again.
func (s *Store) CreateWalkIn(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.Kind = schedule.KindWalkIn
	if a.Status == "" {
		a.Status = StatusConfirmed
	}
	if a.CheckInTime == nil {
		a.CheckInTime = &now
	}
	a.BookedAt = now
	a.UpdatedAt = now

	var err error
	for attempt := 0; attempt <= walkInSequenceRetries; attempt++ {
		err = s.db.QueryRow(ctx, `
			INSERT INTO appointments (id, clinic_id, doctor_id, patient_id, kind, day, slot_index, slot_time,
				sequence, check_in_time, status, cut_off_time, no_show_time, delay_minutes, booked_at, updated_at)
			SELECT $1, $2, $3, $4, $5, $6, -1, NULL,
				COALESCE(MAX(sequence), 0) + 1, $7, $8, $9, $10, 0, $11, $11
			FROM appointments WHERE doctor_id = $3 AND day = $6 AND kind = $5
			RETURNING sequence`,
			a.ID, a.ClinicID, a.DoctorID, a.PatientID, string(a.Kind), a.Day,
			a.CheckInTime, string(a.Status), a.CutOffTime, a.NoShowTime, now,
		).Scan(&a.Sequence)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			break
		}
		s.logger.Info("walk-in sequence contended, retrying",
			"doctor_id", a.DoctorID, "attempt", attempt+1)
	}
	return fmt.Errorf("appointment: create walk-in: %w", err)
}

// GetByID fetches one appointment.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("appointment: get: %w", err)
	}
	defer rows.Close()
	appts, err := scanAppointments(rows)
	if err != nil {
		return nil, err
	}
	if len(appts) == 0 {
		return nil, ErrNotFound
	}
	return &appts[0], nil
}

// ListActive returns the day's appointments still subject to timeout rules.
func (s *Store) ListActive(ctx context.Context, day time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE day = $1 AND status IN ('pending', 'skipped')
		ORDER BY slot_time NULLS LAST, sequence`, day)
	if err != nil {
		return nil, fmt.Errorf("appointment: list active: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ListByDoctorDay returns all of a doctor's appointments for a day.
func (s *Store) ListByDoctorDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND day = $2
		ORDER BY slot_index, sequence`, doctorID, day)
	if err != nil {
		return nil, fmt.Errorf("appointment: list by doctor/day: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// UpdateStatus applies an externally driven transition, guarded on the
// expected current status.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("appointment: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// CommitSweep applies one sweep pass's transitions and delay updates in a
// single transaction. A transition whose guard no longer matches is skipped,
// not fatal: the appointment was confirmed or cancelled between read and
// commit and the next pass re-evaluates it.
func (s *Store) CommitSweep(ctx context.Context, transitions []StatusTransition, delays []DelayUpdate) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("appointment: commit sweep: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, d := range delays {
		_, err := tx.Exec(ctx, `
			UPDATE appointments SET delay_minutes = $1, updated_at = $2
			WHERE doctor_id = $3 AND day = $4 AND status IN ('pending', 'skipped')`,
			d.Minutes, time.Now().UTC(), d.DoctorID, d.Day)
		if err != nil {
			return fmt.Errorf("appointment: commit sweep: delay update: %w", err)
		}
	}

	for _, tr := range transitions {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments SET status = $1, delay_minutes = $2, updated_at = $3
			WHERE id = $4 AND status = $5`,
			string(tr.To), tr.DelayMinutes, tr.At, tr.ID, string(tr.From))
		if err != nil {
			return fmt.Errorf("appointment: commit sweep: transition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			s.logger.Info("transition skipped, status moved on", "appointment_id", tr.ID, "from", tr.From, "to", tr.To)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("appointment: commit sweep: commit: %w", err)
	}
	return nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		var a Appointment
		var kind, status string
		var slotTime *time.Time
		err := rows.Scan(
			&a.ID, &a.ClinicID, &a.DoctorID, &a.PatientID, &kind, &a.Day,
			&a.SlotIndex, &slotTime, &a.Sequence, &a.CheckInTime, &status,
			&a.CutOffTime, &a.NoShowTime, &a.DelayMinutes, &a.BookedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("appointment: scan: %w", err)
		}
		a.Kind = schedule.OccupantKind(kind)
		a.Status = Status(status)
		if slotTime != nil {
			a.SlotTime = *slotTime
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
