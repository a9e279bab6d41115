package rebalance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/medidesk/opd-scheduler/internal/observability/metrics"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// runner executes one recomputation; satisfied by *Runner.
type runner interface {
	Run(ctx context.Context, doctorID uuid.UUID, day time.Time) error
}

type key struct {
	doctorID uuid.UUID
	day      string
}

const (
	dedupeTTL    = 2 * time.Second
	retryBackoff = 2 * time.Second
)

// Queue coalesces rebalance requests per doctor/day and guarantees at most
// one in-flight recomputation per key. A request arriving while the same key
// runs marks it dirty and schedules exactly one follow-up run; duplicate
// requests for an already-queued key collapse into it.
type Queue struct {
	runner  runner
	redis   *redis.Client
	metrics *metrics.SchedulerMetrics
	logger  *logging.Logger

	mu       sync.Mutex
	pending  map[key]bool
	inflight map[key]bool
	dirty    map[key]bool
	ch       chan key
}

// QueueConfig wires a Queue.
type QueueConfig struct {
	Runner  runner
	Redis   *redis.Client // optional cross-instance dedupe
	Buffer  int
	Metrics *metrics.SchedulerMetrics
	Logger  *logging.Logger
}

// NewQueue creates a rebalance queue.
func NewQueue(cfg QueueConfig) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 128
	}
	return &Queue{
		runner:   cfg.Runner,
		redis:    cfg.Redis,
		metrics:  cfg.Metrics,
		logger:   logger.WithComponent("rebalance_queue"),
		pending:  make(map[key]bool),
		inflight: make(map[key]bool),
		dirty:    make(map[key]bool),
		ch:       make(chan key, buffer),
	}
}

func (k key) redisKey() string {
	return "rebalance:" + k.doctorID.String() + ":" + k.day
}

// Request enqueues a recomputation for the doctor/day. Safe for concurrent
// use; never blocks the caller.
func (q *Queue) Request(doctorID uuid.UUID, day time.Time) {
	k := key{doctorID: doctorID, day: day.Format(time.DateOnly)}

	q.mu.Lock()
	if q.inflight[k] {
		q.dirty[k] = true
		q.mu.Unlock()
		q.metrics.ObserveCoalesced()
		return
	}
	if q.pending[k] {
		q.mu.Unlock()
		q.metrics.ObserveCoalesced()
		return
	}
	// Claim the key before the network round trip below; holding the lock
	// across it would serialize every caller behind redis latency.
	q.pending[k] = true
	depth := len(q.pending)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)

	if q.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ok, err := q.redis.SetNX(ctx, k.redisKey(), "1", dedupeTTL).Result()
		cancel()
		if err != nil {
			q.logger.Warn("rebalance dedupe marker failed", "error", err)
		} else if !ok {
			// Another instance queued this key moments ago; release the
			// local claim so a request after the marker expires requeues.
			q.mu.Lock()
			delete(q.pending, k)
			q.mu.Unlock()
			q.metrics.ObserveCoalesced()
			return
		}
	}

	select {
	case q.ch <- k:
	default:
		// Buffer full; drop the marker so a later request can requeue.
		q.mu.Lock()
		delete(q.pending, k)
		q.mu.Unlock()
		q.logger.Error("rebalance queue full, request dropped", "doctor_id", doctorID, "day", k.day)
	}
}

// Start consumes queued keys until ctx is done. Run one goroutine per
// desired worker; per-key exclusivity holds regardless of worker count.
func (q *Queue) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-q.ch:
			q.process(ctx, k)
		}
	}
}

func (q *Queue) process(ctx context.Context, k key) {
	q.mu.Lock()
	delete(q.pending, k)
	if q.inflight[k] {
		// Another worker picked the key up first; fold into its dirty bit.
		q.dirty[k] = true
		q.mu.Unlock()
		return
	}
	q.inflight[k] = true
	depth := len(q.pending)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)

	if q.redis != nil {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := q.redis.Del(rctx, k.redisKey()).Err(); err != nil {
			q.logger.Warn("rebalance dedupe marker delete failed", "error", err)
		}
		cancel()
	}

	day, err := time.Parse(time.DateOnly, k.day)
	if err != nil {
		q.logger.Error("invalid rebalance key", "day", k.day, "error", err)
		day = time.Now().UTC().Truncate(24 * time.Hour)
	}

	runErr := q.runner.Run(ctx, k.doctorID, day)

	q.mu.Lock()
	delete(q.inflight, k)
	rerun := q.dirty[k]
	delete(q.dirty, k)
	q.mu.Unlock()

	if runErr != nil {
		q.logger.Error("rebalance run failed, retrying", "doctor_id", k.doctorID, "day", k.day, "error", runErr)
		time.AfterFunc(retryBackoff, func() { q.Request(k.doctorID, day) })
		return
	}
	if rerun {
		q.Request(k.doctorID, day)
	}
}
