package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medidesk/opd-scheduler/internal/schedule"
)

type bookingStoreStub struct {
	mu       sync.Mutex
	appts    map[uuid.UUID]*Appointment
	sequence int
}

func newBookingStoreStub() *bookingStoreStub {
	return &bookingStoreStub{appts: make(map[uuid.UUID]*Appointment)}
}

func (s *bookingStoreStub) CreateAdvance(_ context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Kind = schedule.KindAdvance
	cp := *a
	s.appts[a.ID] = &cp
	return nil
}

func (s *bookingStoreStub) CreateWalkIn(_ context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Kind = schedule.KindWalkIn
	s.sequence++
	a.Sequence = s.sequence
	cp := *a
	s.appts[a.ID] = &cp
	return nil
}

func (s *bookingStoreStub) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *bookingStoreStub) ListByDoctorDay(_ context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Appointment
	for _, a := range s.appts {
		if a.DoctorID == doctorID && a.Day.Equal(day) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *bookingStoreStub) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != from {
		return ErrStatusConflict
	}
	a.Status = to
	return nil
}

type calendarStub struct {
	slots   []schedule.Slot
	anchors []schedule.AdvanceAnchor
}

func (c *calendarStub) Calendar(context.Context, uuid.UUID, time.Time, time.Duration) ([]schedule.Slot, error) {
	return c.slots, nil
}

func (c *calendarStub) AdvanceAnchors(context.Context, uuid.UUID, time.Time) ([]schedule.AdvanceAnchor, error) {
	return c.anchors, nil
}

func tenSlots(start time.Time) []schedule.Slot {
	slots := make([]schedule.Slot, 10)
	for i := range slots {
		slots[i] = schedule.Slot{Index: i, Time: start.Add(time.Duration(i) * 15 * time.Minute)}
	}
	return slots
}

func newTestService(t *testing.T, store *bookingStoreStub, cal *calendarStub, now time.Time) (*Service, *rebalanceStub) {
	t.Helper()
	rb := &rebalanceStub{}
	svc, err := NewService(ServiceConfig{
		Store:       store,
		Calendar:    cal,
		Rebalance:   rb,
		CutoffLead:  15 * time.Minute,
		NoShowGrace: 15 * time.Minute,
		Clock:       func() time.Time { return now },
	})
	require.NoError(t, err)
	return svc, rb
}

func TestBookAdvanceComputesDeadlinesOnce(t *testing.T) {
	doctorID := uuid.New()
	start := at(9, 0)
	store := newBookingStoreStub()
	svc, rb := newTestService(t, store, &calendarStub{slots: tenSlots(start)}, at(8, 0))

	appt, err := svc.BookAdvance(context.Background(), BookAdvanceRequest{
		DoctorID:  doctorID,
		PatientID: uuid.New(),
		Day:       lcBase,
		SlotIndex: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, appt.Status)
	assert.Equal(t, start.Add(4*15*time.Minute), appt.SlotTime)
	assert.Equal(t, appt.SlotTime.Add(-15*time.Minute), appt.CutOffTime)
	assert.Equal(t, appt.SlotTime.Add(15*time.Minute), appt.NoShowTime)

	rb.mu.Lock()
	assert.Equal(t, []uuid.UUID{doctorID}, rb.keys)
	rb.mu.Unlock()
}

func TestBookAdvanceRejectsUnknownSlot(t *testing.T) {
	svc, _ := newTestService(t, newBookingStoreStub(), &calendarStub{slots: tenSlots(at(9, 0))}, at(8, 0))

	_, err := svc.BookAdvance(context.Background(), BookAdvanceRequest{Day: lcBase, SlotIndex: 42})
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = svc.BookAdvance(context.Background(), BookAdvanceRequest{Day: lcBase, SlotIndex: -1})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestBookAdvanceRejectsPastSlot(t *testing.T) {
	svc, _ := newTestService(t, newBookingStoreStub(), &calendarStub{slots: tenSlots(at(9, 0))}, at(10, 0))

	_, err := svc.BookAdvance(context.Background(), BookAdvanceRequest{Day: lcBase, SlotIndex: 1})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestBookAdvanceRejectsOccupiedSlot(t *testing.T) {
	cal := &calendarStub{
		slots:   tenSlots(at(9, 0)),
		anchors: []schedule.AdvanceAnchor{{ID: uuid.New(), SlotIndex: 3}},
	}
	svc, _ := newTestService(t, newBookingStoreStub(), cal, at(8, 0))

	_, err := svc.BookAdvance(context.Background(), BookAdvanceRequest{Day: lcBase, SlotIndex: 3})
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestCheckInWalkInAssignsSequenceAndRebalances(t *testing.T) {
	doctorID := uuid.New()
	store := newBookingStoreStub()
	svc, rb := newTestService(t, store, &calendarStub{slots: tenSlots(at(9, 0))}, at(9, 5))

	first, err := svc.CheckInWalkIn(context.Background(), CheckInWalkInRequest{DoctorID: doctorID, PatientID: uuid.New(), Day: lcBase})
	require.NoError(t, err)
	second, err := svc.CheckInWalkIn(context.Background(), CheckInWalkInRequest{DoctorID: doctorID, PatientID: uuid.New(), Day: lcBase})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Sequence)
	assert.Equal(t, 2, second.Sequence)
	assert.Equal(t, StatusConfirmed, first.Status)
	require.NotNil(t, first.CheckInTime)

	rb.mu.Lock()
	assert.Len(t, rb.keys, 2)
	rb.mu.Unlock()
}

func TestConfirmSkippedPatientRejoinsAndRebalances(t *testing.T) {
	store := newBookingStoreStub()
	cal := &calendarStub{slots: tenSlots(at(9, 0))}
	svc, rb := newTestService(t, store, cal, at(8, 0))

	appt, err := svc.BookAdvance(context.Background(), BookAdvanceRequest{
		DoctorID: uuid.New(), PatientID: uuid.New(), Day: lcBase, SlotIndex: 2,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(context.Background(), appt.ID, StatusPending, StatusSkipped))

	confirmed, err := svc.Confirm(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	rb.mu.Lock()
	assert.Len(t, rb.keys, 2, "booking and rejoin each request a recompute")
	rb.mu.Unlock()
}

func TestCompleteRequiresConfirmed(t *testing.T) {
	store := newBookingStoreStub()
	svc, _ := newTestService(t, store, &calendarStub{slots: tenSlots(at(9, 0))}, at(8, 0))

	appt, err := svc.BookAdvance(context.Background(), BookAdvanceRequest{
		DoctorID: uuid.New(), PatientID: uuid.New(), Day: lcBase, SlotIndex: 2,
	})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Confirm(context.Background(), appt.ID)
	require.NoError(t, err)
	done, err := svc.Complete(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestCancelTerminalAppointmentFails(t *testing.T) {
	store := newBookingStoreStub()
	svc, _ := newTestService(t, store, &calendarStub{slots: tenSlots(at(9, 0))}, at(8, 0))

	appt, err := svc.BookAdvance(context.Background(), BookAdvanceRequest{
		DoctorID: uuid.New(), PatientID: uuid.New(), Day: lcBase, SlotIndex: 2,
	})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionUnknownAppointment(t *testing.T) {
	svc, _ := newTestService(t, newBookingStoreStub(), &calendarStub{slots: tenSlots(at(9, 0))}, at(8, 0))
	_, err := svc.Confirm(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusConfirmed))
	assert.True(t, CanTransition(StatusSkipped, StatusConfirmed))
	assert.True(t, CanTransition(StatusConfirmed, StatusCompleted))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusNoShow, StatusConfirmed))
	assert.False(t, CanTransition(StatusCompleted, StatusCancelled))
	assert.False(t, CanTransition(StatusPending, StatusNoShow), "no-show is sweeper-driven only")
}
