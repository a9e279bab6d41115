package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	mu   sync.Mutex
	sent []EmailMessage
	err  error
	done chan struct{}
}

func (s *stubSender) Send(_ context.Context, msg EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	return s.err
}

type stubDirectory struct {
	contact PatientContact
	err     error
}

func (d *stubDirectory) ContactForAppointment(context.Context, uuid.UUID) (PatientContact, error) {
	return d.contact, d.err
}

func TestNotifyPatientDeliversEmail(t *testing.T) {
	sender := &stubSender{done: make(chan struct{})}
	dir := &stubDirectory{contact: PatientContact{Name: "Asha Rao", Email: "asha@example.com"}}
	svc := NewService(sender, dir, nil)

	svc.NotifyPatient(uuid.New(), "skipped")

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never delivered")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "asha@example.com", sender.sent[0].To)
	assert.Contains(t, sender.sent[0].Subject, "skipped")
}

func TestNotifyPatientNoSenderIsNoOp(t *testing.T) {
	svc := NewService(nil, &stubDirectory{}, nil)
	assert.NotPanics(t, func() {
		svc.NotifyPatient(uuid.New(), "no_show")
	})
}

func TestDeliverSkipsPatientsWithoutEmail(t *testing.T) {
	sender := &stubSender{}
	dir := &stubDirectory{contact: PatientContact{Name: "No Email"}}
	svc := NewService(sender, dir, nil)

	err := svc.deliver(context.Background(), uuid.New(), "skipped")
	require.NoError(t, err)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Empty(t, sender.sent)
}

func TestDeliverWrapsDirectoryError(t *testing.T) {
	sender := &stubSender{}
	dir := &stubDirectory{err: errors.New("boom")}
	svc := NewService(sender, dir, nil)

	err := svc.deliver(context.Background(), uuid.New(), "skipped")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve contact")
}

func TestMessageForUnknownReason(t *testing.T) {
	subject, body := messageFor("rescheduled")
	assert.Equal(t, "Appointment update", subject)
	assert.Contains(t, body, "rescheduled")
}
