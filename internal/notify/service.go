package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// PatientContact is the minimal contact information for a notification.
type PatientContact struct {
	Name  string
	Email string
}

// ContactDirectory resolves an appointment to its patient's contact details.
type ContactDirectory interface {
	ContactForAppointment(ctx context.Context, appointmentID uuid.UUID) (PatientContact, error)
}

// Service sends lifecycle notifications to patients. Delivery is strictly
// best-effort: failures are logged and swallowed, never surfaced to the
// state machine that triggered them.
type Service struct {
	email   EmailSender
	contact ContactDirectory
	logger  *logging.Logger
	timeout time.Duration
}

// NewService creates a notification service. A nil email sender disables
// delivery while keeping callers oblivious.
func NewService(email EmailSender, contact ContactDirectory, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:   email,
		contact: contact,
		logger:  logger.WithComponent("notify"),
		timeout: 10 * time.Second,
	}
}

// NotifyPatient tells the patient about a lifecycle change, identified by
// reason ("skipped", "no_show", ...). Fire-and-forget: returns immediately
// and performs delivery on a background goroutine.
func (s *Service) NotifyPatient(appointmentID uuid.UUID, reason string) {
	if s == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.deliver(ctx, appointmentID, reason); err != nil {
			s.logger.Error("patient notification failed",
				"appointment_id", appointmentID, "reason", reason, "error", err)
		}
	}()
}

func (s *Service) deliver(ctx context.Context, appointmentID uuid.UUID, reason string) error {
	if s.email == nil {
		s.logger.Debug("email sender not configured, notification skipped",
			"appointment_id", appointmentID, "reason", reason)
		return nil
	}
	if s.contact == nil {
		return fmt.Errorf("notify: no contact directory configured")
	}

	contact, err := s.contact.ContactForAppointment(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("notify: resolve contact: %w", err)
	}
	if contact.Email == "" {
		s.logger.Debug("patient has no email on file", "appointment_id", appointmentID)
		return nil
	}

	subject, body := messageFor(reason)
	return s.email.Send(ctx, EmailMessage{
		To:      contact.Email,
		ToName:  contact.Name,
		Subject: subject,
		Body:    body,
	})
}

func messageFor(reason string) (subject, body string) {
	switch reason {
	case "skipped":
		return "Your appointment was skipped",
			"You missed your confirmation window. Please report to the front desk to rejoin today's queue."
	case "no_show":
		return "Your appointment was marked as a no-show",
			"Your slot has been released. Please contact the clinic to book a new appointment."
	default:
		return "Appointment update",
			"Your appointment status changed to: " + reason + "."
	}
}
