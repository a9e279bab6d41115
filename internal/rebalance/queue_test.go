package rebalance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]int
	err     error
	started chan struct{}
	release chan struct{}
}

func newCountingRunner() *countingRunner {
	return &countingRunner{runs: make(map[uuid.UUID]int)}
}

func (r *countingRunner) Run(_ context.Context, doctorID uuid.UUID, _ time.Time) error {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[doctorID]++
	return r.err
}

func (r *countingRunner) count(doctorID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[doctorID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never met")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueueRunsRequestedKey(t *testing.T) {
	runner := newCountingRunner()
	q := NewQueue(QueueConfig{Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	doctorID := uuid.New()
	q.Request(doctorID, rbBase)

	waitFor(t, func() bool { return runner.count(doctorID) == 1 })
}

func TestQueueCoalescesPendingDuplicates(t *testing.T) {
	runner := newCountingRunner()
	q := NewQueue(QueueConfig{Runner: runner})

	doctorID := uuid.New()
	// No worker yet: every Request lands on the same pending key.
	q.Request(doctorID, rbBase)
	q.Request(doctorID, rbBase)
	q.Request(doctorID, rbBase)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	waitFor(t, func() bool { return runner.count(doctorID) == 1 })

	// Settle briefly to make sure no duplicate run follows.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.count(doctorID))
}

func TestQueueRequestDuringRunSchedulesOneFollowUp(t *testing.T) {
	runner := newCountingRunner()
	runner.started = make(chan struct{}, 4)
	runner.release = make(chan struct{})
	q := NewQueue(QueueConfig{Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	doctorID := uuid.New()
	q.Request(doctorID, rbBase)
	<-runner.started

	// Key is in flight: these collapse into a single dirty bit.
	q.Request(doctorID, rbBase)
	q.Request(doctorID, rbBase)
	close(runner.release)

	<-runner.started
	waitFor(t, func() bool { return runner.count(doctorID) == 2 })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, runner.count(doctorID))
}

func TestQueueDistinctKeysRunIndependently(t *testing.T) {
	runner := newCountingRunner()
	q := NewQueue(QueueConfig{Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	d1, d2 := uuid.New(), uuid.New()
	q.Request(d1, rbBase)
	q.Request(d2, rbBase)
	q.Request(d1, rbBase.Add(24*time.Hour))

	waitFor(t, func() bool {
		return runner.count(d1) == 2 && runner.count(d2) == 1
	})
}

func TestQueueRedisDedupeAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	runner1 := newCountingRunner()
	runner2 := newCountingRunner()
	q1 := NewQueue(QueueConfig{Runner: runner1, Redis: client})
	q2 := NewQueue(QueueConfig{Runner: runner2, Redis: client})

	doctorID := uuid.New()
	// Neither queue has a worker: the first instance claims the marker,
	// the second sees it and drops the duplicate.
	q1.Request(doctorID, rbBase)
	q2.Request(doctorID, rbBase)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q1.Start(ctx)
	go q2.Start(ctx)

	waitFor(t, func() bool { return runner1.count(doctorID) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runner2.count(doctorID))
}

// A request dropped because another instance holds the dedupe marker must
// release its local pending claim, or the key stays blocked long after the
// marker expires.
func TestQueueRequeuesAfterMarkerExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	runner := newCountingRunner()
	q := NewQueue(QueueConfig{Runner: runner, Redis: client})

	doctorID := uuid.New()
	k := key{doctorID: doctorID, day: rbBase.Format(time.DateOnly)}
	// Another instance owns the marker; this request must be dropped cleanly.
	require.NoError(t, client.SetNX(context.Background(), k.redisKey(), "1", dedupeTTL).Err())
	q.Request(doctorID, rbBase)

	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	assert.Zero(t, pending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	mr.FastForward(dedupeTTL + time.Second)
	q.Request(doctorID, rbBase)
	waitFor(t, func() bool { return runner.count(doctorID) == 1 })
}

func TestQueueRetriesFailedRun(t *testing.T) {
	runner := newCountingRunner()
	runner.err = errors.New("commit rejected")
	q := NewQueue(QueueConfig{Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	doctorID := uuid.New()
	q.Request(doctorID, rbBase)

	waitFor(t, func() bool { return runner.count(doctorID) == 1 })

	// After the backoff the same key is requeued; let it succeed this time.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for runner.count(doctorID) < 2 {
		select {
		case <-deadline:
			t.Fatal("failed run was never retried")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	runner := newCountingRunner()
	q := NewQueue(QueueConfig{Runner: runner, Buffer: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			q.Request(uuid.New(), rbBase)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Request blocked on a full queue")
	}
}

func TestQueueRespectsContextCancel(t *testing.T) {
	q := NewQueue(QueueConfig{Runner: newCountingRunner()})
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		q.Start(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.NotNil(t, q)
}
