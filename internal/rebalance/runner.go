package rebalance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medidesk/opd-scheduler/internal/observability/metrics"
	"github.com/medidesk/opd-scheduler/internal/schedule"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

var rebalanceTracer = otel.Tracer("opd.internal.rebalance")

// ScheduleStore is the persistence surface one allocation run needs. All
// reads happen before the pure computation, the single write after it.
type ScheduleStore interface {
	Calendar(ctx context.Context, doctorID uuid.UUID, day time.Time, step time.Duration) ([]schedule.Slot, error)
	AdvanceAnchors(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]schedule.AdvanceAnchor, error)
	WalkInCandidates(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]schedule.WalkInCandidate, error)
	CommitAssignments(ctx context.Context, doctorID uuid.UUID, day time.Time, assignments []schedule.Assignment) error
}

// Runner executes one schedule recomputation for a doctor/day.
type Runner struct {
	store   ScheduleStore
	opts    schedule.Options
	step    time.Duration
	metrics *metrics.SchedulerMetrics
	logger  *logging.Logger
	clock   func() time.Time
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Store   ScheduleStore
	Options schedule.Options
	Step    time.Duration
	Metrics *metrics.SchedulerMetrics
	Logger  *logging.Logger
	Clock   func() time.Time
}

// NewRunner creates an allocation runner.
func NewRunner(cfg RunnerConfig) *Runner {
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
	return &Runner{
		store:   cfg.Store,
		opts:    cfg.Options,
		step:    step,
		metrics: cfg.Metrics,
		logger:  logger.WithComponent("rebalance"),
		clock:   clock,
	}
}

// Run recomputes and commits the doctor/day schedule. An invariant violation
// from the allocator aborts without persisting anything; a commit failure is
// returned so the caller retries from a fresh read.
func (r *Runner) Run(ctx context.Context, doctorID uuid.UUID, day time.Time) error {
	ctx, span := rebalanceTracer.Start(ctx, "rebalance.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("opd.doctor_id", doctorID.String()),
		attribute.String("opd.day", day.Format(time.DateOnly)),
	)

	started := time.Now()

	slots, err := r.store.Calendar(ctx, doctorID, day, r.step)
	if err != nil {
		return fmt.Errorf("rebalance: load calendar: %w", err)
	}
	anchors, err := r.store.AdvanceAnchors(ctx, doctorID, day)
	if err != nil {
		return fmt.Errorf("rebalance: load anchors: %w", err)
	}
	walkIns, err := r.store.WalkInCandidates(ctx, doctorID, day)
	if err != nil {
		return fmt.Errorf("rebalance: load walk-ins: %w", err)
	}

	res, err := schedule.Allocate(slots, r.clock(), r.opts, anchors, walkIns)
	if err != nil {
		span.RecordError(err)
		r.metrics.ObserveAllocation("invariant_violation", time.Since(started).Seconds())
		return fmt.Errorf("rebalance: %w", err)
	}

	if err := r.store.CommitAssignments(ctx, doctorID, day, res.Assignments); err != nil {
		span.RecordError(err)
		r.metrics.ObserveAllocation("commit_failed", time.Since(started).Seconds())
		return fmt.Errorf("rebalance: %w", err)
	}

	r.metrics.ObserveAllocation("ok", time.Since(started).Seconds())
	r.metrics.ObserveUnplaced(len(res.Unplaced))
	for _, u := range res.Unplaced {
		r.logger.Error("candidate could not be seated, calendar exhausted",
			"doctor_id", doctorID, "candidate_id", u.ID, "kind", u.Kind)
	}
	r.logger.Info("schedule rebalanced",
		"doctor_id", doctorID, "day", day.Format(time.DateOnly),
		"assigned", len(res.Assignments), "unplaced", len(res.Unplaced))
	return nil
}
