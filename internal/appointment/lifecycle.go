package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medidesk/opd-scheduler/internal/observability/metrics"
	"github.com/medidesk/opd-scheduler/internal/presence"
	"github.com/medidesk/opd-scheduler/internal/schedule"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

var lifecycleTracer = otel.Tracer("opd.internal.appointment")

// StatusTransition is one sweeper-decided status change.
type StatusTransition struct {
	ID           uuid.UUID
	DoctorID     uuid.UUID
	From         Status
	To           Status
	DelayMinutes int
	At           time.Time
}

// DelayUpdate propagates a doctor's current delay onto that doctor's active
// appointments without touching their base deadlines.
type DelayUpdate struct {
	DoctorID uuid.UUID
	Day      time.Time
	Minutes  int
}

// SweepStore is the persistence surface the sweeper needs. CommitSweep must
// apply all updates of a pass atomically; a partially applied pass must not
// be observable.
type SweepStore interface {
	ListActive(ctx context.Context, day time.Time) ([]Appointment, error)
	CommitSweep(ctx context.Context, transitions []StatusTransition, delays []DelayUpdate) error
}

// PresenceSource reads a doctor's live presence.
type PresenceSource interface {
	Get(ctx context.Context, doctorID uuid.UUID) (presence.Record, error)
}

// SessionSource reads a doctor's working sessions for a day.
type SessionSource interface {
	DoctorSessions(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]schedule.Session, error)
}

// Notifier tells a patient about a lifecycle change. Implementations are
// best-effort and must not block the sweep.
type Notifier interface {
	NotifyPatient(appointmentID uuid.UUID, reason string)
}

// RebalanceRequester enqueues a schedule recomputation for one doctor/day.
type RebalanceRequester interface {
	Request(doctorID uuid.UUID, day time.Time)
}

// Evaluate decides the timeout-driven transition for one appointment against
// the current clock, presence and delay. The second return is false when the
// appointment stays put, which is the common idempotent case: the sweeper
// re-evaluates everything each pass.
func Evaluate(a Appointment, pres presence.ConsultationStatus, sessions []schedule.Session, delayMinutes int, now time.Time) (Status, bool) {
	delay := time.Duration(delayMinutes) * time.Minute

	switch a.Status {
	case StatusPending:
		cutoff := a.CutOffTime.Add(delay)
		if now.Before(cutoff) {
			return "", false
		}
		if pres == presence.StatusOut {
			// Never skip a patient just because the doctor has not begun
			// the session: while the doctor is Out, the adjusted cutoff
			// must have caught up with the session start, or no session
			// may remain in the day.
			if start, ok := nextSessionStart(sessions, now); ok && cutoff.Before(start) {
				return "", false
			}
		}
		return StatusSkipped, true

	case StatusSkipped:
		// No-show is only ever declared while the doctor is consulting.
		if pres != presence.StatusIn {
			return "", false
		}
		if now.Before(a.NoShowTime.Add(delay)) {
			return "", false
		}
		return StatusNoShow, true
	}

	return "", false
}

// SweeperConfig wires a Sweeper.
type SweeperConfig struct {
	Store     SweepStore
	Presence  PresenceSource
	Sessions  SessionSource
	Notifier  Notifier
	Rebalance RebalanceRequester
	Metrics   *metrics.SchedulerMetrics
	Logger    *logging.Logger

	Interval time.Duration
	Clock    func() time.Time

	// Tick overrides the internal ticker, for tests.
	Tick <-chan time.Time
	Stop func()
}

// Sweeper is the recurring lifecycle pass: it re-evaluates every Pending and
// Skipped appointment of the day against the wall clock, commits the
// resulting transitions atomically, and fires rebalance and notification
// side effects afterwards.
type Sweeper struct {
	store     SweepStore
	presence  PresenceSource
	sessions  SessionSource
	notifier  Notifier
	rebalance RebalanceRequester
	metrics   *metrics.SchedulerMetrics
	logger    *logging.Logger
	clock     func() time.Time

	tick <-chan time.Time
	stop func()

	lastDelay map[uuid.UUID]int
}

// NewSweeper creates a lifecycle sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil || cfg.Presence == nil || cfg.Sessions == nil {
		return nil, errors.New("appointment: sweeper requires store, presence and sessions")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	tick := cfg.Tick
	stop := cfg.Stop
	if tick == nil {
		interval := cfg.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		tick = ticker.C
		stop = ticker.Stop
	}

	return &Sweeper{
		store:     cfg.Store,
		presence:  cfg.Presence,
		sessions:  cfg.Sessions,
		notifier:  cfg.Notifier,
		rebalance: cfg.Rebalance,
		metrics:   cfg.Metrics,
		logger:    logger.WithComponent("sweeper"),
		clock:     clock,
		tick:      tick,
		stop:      stop,
		lastDelay: make(map[uuid.UUID]int),
	}, nil
}

// Start runs the sweep loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	defer func() {
		if s.stop != nil {
			s.stop()
		}
	}()

	if err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.tick:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single lifecycle pass. A commit failure leaves every
// appointment untouched; the next tick retries from a fresh read.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	ctx, span := lifecycleTracer.Start(ctx, "appointment.sweep")
	defer span.End()

	now := s.clock()
	day := now.Truncate(24 * time.Hour)

	appts, err := s.store.ListActive(ctx, day)
	if err != nil {
		return fmt.Errorf("appointment: sweep: list active: %w", err)
	}
	if len(appts) == 0 {
		return nil
	}

	byDoctor := make(map[uuid.UUID][]Appointment)
	for _, a := range appts {
		byDoctor[a.DoctorID] = append(byDoctor[a.DoctorID], a)
	}

	var transitions []StatusTransition
	var delays []DelayUpdate
	delayChanged := make(map[uuid.UUID]bool)

	for doctorID, doctorAppts := range byDoctor {
		rec, err := s.presence.Get(ctx, doctorID)
		if err != nil {
			s.logger.Error("presence read failed, skipping doctor", "doctor_id", doctorID, "error", err)
			continue
		}
		sessions, err := s.sessions.DoctorSessions(ctx, doctorID, day)
		if err != nil {
			s.logger.Error("sessions read failed, skipping doctor", "doctor_id", doctorID, "error", err)
			continue
		}

		delay := DelayMinutes(rec.Status, sessions, now)
		if last, seen := s.lastDelay[doctorID]; !seen || last != delay {
			delays = append(delays, DelayUpdate{DoctorID: doctorID, Day: day, Minutes: delay})
			if seen && last != delay {
				delayChanged[doctorID] = true
			}
		}

		for _, a := range doctorAppts {
			next, ok := Evaluate(a, rec.Status, sessions, delay, now)
			if !ok {
				continue
			}
			transitions = append(transitions, StatusTransition{
				ID:           a.ID,
				DoctorID:     doctorID,
				From:         a.Status,
				To:           next,
				DelayMinutes: delay,
				At:           now,
			})
		}
	}

	if len(transitions) == 0 && len(delays) == 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("opd.transitions", len(transitions)))

	if err := s.store.CommitSweep(ctx, transitions, delays); err != nil {
		s.metrics.ObserveSweepFailure()
		return fmt.Errorf("appointment: sweep: commit: %w", err)
	}

	// Only advance the delay baseline once the update is durable; a failed
	// commit retries the same delta on the next tick.
	for _, d := range delays {
		s.lastDelay[d.DoctorID] = d.Minutes
	}

	affected := make(map[uuid.UUID]bool)
	for _, tr := range transitions {
		s.metrics.ObserveTransition(string(tr.From), string(tr.To))
		s.logger.Info("appointment transitioned",
			"appointment_id", tr.ID, "from", tr.From, "to", tr.To, "delay_minutes", tr.DelayMinutes)
		affected[tr.DoctorID] = true
		if s.notifier != nil {
			s.notifier.NotifyPatient(tr.ID, string(tr.To))
		}
	}
	for doctorID := range delayChanged {
		affected[doctorID] = true
	}
	if s.rebalance != nil {
		for doctorID := range affected {
			s.rebalance.Request(doctorID, day)
		}
	}
	return nil
}
