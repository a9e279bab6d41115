package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PatientDirectory resolves patient contact details from Postgres.
type PatientDirectory struct {
	db DB
}

// NewPatientDirectory creates a directory backed by the patients table.
func NewPatientDirectory(db DB) *PatientDirectory {
	return &PatientDirectory{db: db}
}

// ContactForAppointment joins the appointment to its patient row.
func (d *PatientDirectory) ContactForAppointment(ctx context.Context, appointmentID uuid.UUID) (PatientContact, error) {
	var contact PatientContact
	err := d.db.QueryRow(ctx, `
		SELECT p.full_name, COALESCE(p.email, '')
		FROM appointments a
		JOIN patients p ON p.id = a.patient_id
		WHERE a.id = $1`, appointmentID).Scan(&contact.Name, &contact.Email)
	if err != nil {
		return PatientContact{}, fmt.Errorf("notify: lookup patient: %w", err)
	}
	return contact, nil
}
