package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrInconsistentSchedule signals a post-allocation invariant violation.
// Callers must abort the recomputation instead of persisting the result.
var ErrInconsistentSchedule = errors.New("schedule: inconsistent allocation")

// cell is one slot's occupancy on the working board.
type cell struct {
	filled bool
	kind   OccupantKind
	id     uuid.UUID
	status BookingStatus
}

type board struct {
	slots       []Slot
	cells       []cell
	now         time.Time
	windowEnd   time.Time
	firstFuture int
}

// Allocate interleaves advance-booking anchors and walk-in candidates into a
// conflict-free assignment over the given calendar. It is a pure function of
// its inputs: identical inputs yield identical output, and no wall clock or
// storage is consulted. Candidates that cannot be seated are reported in
// Result.Unplaced, never dropped.
func Allocate(slots []Slot, now time.Time, opts Options, anchors []AdvanceAnchor, walkIns []WalkInCandidate) (Result, error) {
	b := newBoard(slots, now, opts.PullWindow)
	var res Result

	b.seedAnchors(anchors, &res)
	b.placeWalkIns(walkIns, opts.Spacing, &res)
	b.compact(opts.MaxCompactionPasses)

	res.Assignments = b.assignments()
	if err := verify(res.Assignments); err != nil {
		return Result{}, err
	}
	return res, nil
}

func newBoard(slots []Slot, now time.Time, window time.Duration) *board {
	b := &board{
		slots:       slots,
		cells:       make([]cell, len(slots)),
		now:         now,
		windowEnd:   now.Add(window),
		firstFuture: len(slots),
	}
	for i := range slots {
		if !slots[i].Time.Before(now) {
			b.firstFuture = i
			break
		}
	}
	return b
}

func (b *board) future(i int) bool {
	return !b.slots[i].Time.Before(b.now)
}

func (b *board) inWindow(i int) bool {
	return b.future(i) && !b.slots[i].Time.After(b.windowEnd)
}

// seedAnchors places every anchor at its desired index. Anchors that collide
// on one index, reference an index outside the calendar, or point at a slot
// already in the past overflow to the first empty slot at or after
// max(desired+1, firstFuture), resolved in desired-index order.
func (b *board) seedAnchors(anchors []AdvanceAnchor, res *Result) {
	ordered := make([]AdvanceAnchor, len(anchors))
	copy(ordered, anchors)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].SlotIndex != ordered[j].SlotIndex {
			return ordered[i].SlotIndex < ordered[j].SlotIndex
		}
		if !ordered[i].BookedAt.Equal(ordered[j].BookedAt) {
			return ordered[i].BookedAt.Before(ordered[j].BookedAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	var overflow []AdvanceAnchor
	for _, a := range ordered {
		if a.SlotIndex >= 0 && a.SlotIndex < len(b.cells) && b.future(a.SlotIndex) && !b.cells[a.SlotIndex].filled {
			b.putAnchor(a.SlotIndex, a)
			continue
		}
		overflow = append(overflow, a)
	}

	for _, a := range overflow {
		start := a.SlotIndex + 1
		if start < b.firstFuture || a.SlotIndex >= len(b.cells) {
			// Stale indices restart from the first future slot.
			start = b.firstFuture
		}
		idx := b.firstEmptyAtOrAfter(start)
		if idx < 0 {
			res.Unplaced = append(res.Unplaced, Unplaced{ID: a.ID, Kind: KindAdvance})
			continue
		}
		b.putAnchor(idx, a)
	}
}

// placeWalkIns seats walk-ins in strict check-in order. A candidate carrying
// a previous slot runs through the churn-minimizing strategies first; a fresh
// walk-in goes straight to interval-governed insertion.
func (b *board) placeWalkIns(walkIns []WalkInCandidate, spacing int, res *Result) {
	ordered := make([]WalkInCandidate, len(walkIns))
	copy(ordered, walkIns)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Sequence != ordered[j].Sequence {
			return ordered[i].Sequence < ordered[j].Sequence
		}
		if !ordered[i].CheckInTime.Equal(ordered[j].CheckInTime) {
			return ordered[i].CheckInTime.Before(ordered[j].CheckInTime)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	lastPlaced := -1
	for _, w := range ordered {
		idx := b.placeOne(w, spacing, lastPlaced)
		if idx < 0 {
			res.Unplaced = append(res.Unplaced, Unplaced{ID: w.ID, Kind: KindWalkIn})
			continue
		}
		lastPlaced = idx
	}
}

func (b *board) placeOne(w WalkInCandidate, spacing, lastPlaced int) int {
	prev := w.PreviousSlot
	if prev >= len(b.cells) {
		// Stale input: the previous index no longer exists on today's
		// calendar. Treat the candidate as fresh.
		prev = NoPreviousSlot
	}

	if prev >= 0 {
		// Pull into the immediate window: a slot freed near the present
		// beats a stale later assignment.
		if e := b.firstEmptyInWindow(); e >= 0 && e < prev {
			return b.putWalkIn(e, w)
		}
		// Tighten the sequence: keep walk-ins contiguous behind the last
		// one placed when that still improves on the previous seat.
		if f := b.firstEmptyFutureAfter(lastPlaced); f >= 0 && f < prev {
			return b.putWalkIn(f, w)
		}
		// Honor the previous position, displacing advance occupants if
		// needed. Walk-in occupants block and are never force-displaced.
		if b.future(prev) {
			if !b.cells[prev].filled {
				return b.putWalkIn(prev, w)
			}
			if b.cells[prev].kind == KindAdvance && b.makeSpace(prev) {
				return b.putWalkIn(prev, w)
			}
		}
		if e := b.firstEmptyInWindow(); e >= 0 {
			return b.putWalkIn(e, w)
		}
	}

	return b.insertSpaced(w, spacing, lastPlaced)
}

// insertSpaced applies the interleave ratio: anchor at the last-placed
// walk-in, then insert after the spacing-th advance occupant beyond it, or
// after the last advance occupant when fewer exist, or into the first empty
// future slot.
func (b *board) insertSpaced(w WalkInCandidate, spacing, lastPlaced int) int {
	var advs []int
	for i := lastPlaced + 1; i < len(b.cells); i++ {
		if b.cells[i].filled && b.cells[i].kind == KindAdvance {
			advs = append(advs, i)
		}
	}

	if spacing > 0 && len(advs) > spacing {
		if idx := b.tryInsertAt(advs[spacing-1] + 1); idx >= 0 {
			return b.putWalkIn(idx, w)
		}
	} else if len(advs) > 0 {
		if idx := b.tryInsertAt(advs[len(advs)-1] + 1); idx >= 0 {
			return b.putWalkIn(idx, w)
		}
	}

	e := b.firstEmptyFutureAfter(lastPlaced)
	if e < 0 {
		e = b.firstEmptyFutureAfter(-1)
	}
	if e < 0 {
		return -1
	}
	return b.putWalkIn(e, w)
}

// tryInsertAt reports the index if slot i can take a walk-in, displacing an
// advance run when occupied. Returns -1 when i is out of range, in the past,
// or blocked by a walk-in.
func (b *board) tryInsertAt(i int) int {
	if i < 0 || i >= len(b.cells) || !b.future(i) {
		return -1
	}
	if !b.cells[i].filled {
		return i
	}
	if b.cells[i].kind == KindAdvance && b.makeSpace(i) {
		return i
	}
	return -1
}

// makeSpace frees slot s by shifting the contiguous run of advance occupants
// starting at s one step forward into the empty slot terminating the run.
// The run is processed tail-to-head so earlier shifts never overwrite
// not-yet-shifted occupants. A walk-in occupant or the calendar end blocks
// the scan.
func (b *board) makeSpace(s int) bool {
	end := s
	for end < len(b.cells) && b.cells[end].filled && b.cells[end].kind == KindAdvance {
		end++
	}
	if end >= len(b.cells) || b.cells[end].filled {
		return false
	}
	for i := end - 1; i >= s; i-- {
		b.cells[i+1] = b.cells[i]
	}
	b.cells[s] = cell{}
	return true
}

// compact repeatedly backfills empty near-term slots sitting before the
// first walk-in. A Confirmed advance booking between the gap and the first
// walk-in is pulled in preference to a walk-in; a Pending advance is never
// pulled since it is not yet guaranteed to occur. Each pull can cascade by
// opening a fresh gap, so we iterate to a fixed point under a safety cap.
func (b *board) compact(maxPasses int) {
	if maxPasses <= 0 {
		maxPasses = 4 * len(b.cells)
	}
	for pass := 0; pass < maxPasses; pass++ {
		fw := b.firstWalkIn()
		if fw < 0 || !b.inWindow(fw) {
			// Compaction serves the near-term queue; a first walk-in
			// already beyond the pull window has nothing to gain.
			return
		}
		gap := -1
		for i := 0; i < fw; i++ {
			if !b.cells[i].filled && b.inWindow(i) {
				gap = i
				break
			}
		}
		if gap < 0 {
			return
		}

		moved := false
		for i := gap + 1; i < fw; i++ {
			c := b.cells[i]
			if c.filled && c.kind == KindAdvance && c.status == BookingConfirmed {
				b.cells[gap] = c
				b.cells[i] = cell{}
				moved = true
				break
			}
		}
		if !moved {
			b.cells[gap] = b.cells[fw]
			b.cells[fw] = cell{}
		}
	}
}

func (b *board) firstWalkIn() int {
	for i := range b.cells {
		if b.cells[i].filled && b.cells[i].kind == KindWalkIn {
			return i
		}
	}
	return -1
}

func (b *board) firstEmptyAtOrAfter(start int) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < len(b.cells); i++ {
		if !b.cells[i].filled {
			return i
		}
	}
	return -1
}

func (b *board) firstEmptyInWindow() int {
	for i := b.firstFuture; i < len(b.cells); i++ {
		if b.slots[i].Time.After(b.windowEnd) {
			return -1
		}
		if !b.cells[i].filled {
			return i
		}
	}
	return -1
}

func (b *board) firstEmptyFutureAfter(after int) int {
	start := after + 1
	if start < b.firstFuture {
		start = b.firstFuture
	}
	return b.firstEmptyAtOrAfter(start)
}

func (b *board) putAnchor(i int, a AdvanceAnchor) {
	b.cells[i] = cell{filled: true, kind: KindAdvance, id: a.ID, status: a.Status}
}

func (b *board) putWalkIn(i int, w WalkInCandidate) int {
	b.cells[i] = cell{filled: true, kind: KindWalkIn, id: w.ID}
	return i
}

func (b *board) assignments() []Assignment {
	var out []Assignment
	for i := range b.cells {
		if !b.cells[i].filled {
			continue
		}
		out = append(out, Assignment{
			ID:           b.cells[i].id,
			Kind:         b.cells[i].kind,
			SlotIndex:    b.slots[i].Index,
			SessionIndex: b.slots[i].SessionIndex,
			SlotTime:     b.slots[i].Time,
		})
	}
	return out
}

// verify checks the output invariants before anything is persisted: no two
// assignments share a slot and no occupant appears twice.
func verify(assignments []Assignment) error {
	slotSeen := make(map[int]bool, len(assignments))
	idSeen := make(map[uuid.UUID]bool, len(assignments))
	for _, a := range assignments {
		if slotSeen[a.SlotIndex] {
			return fmt.Errorf("%w: slot %d assigned twice", ErrInconsistentSchedule, a.SlotIndex)
		}
		if idSeen[a.ID] {
			return fmt.Errorf("%w: occupant %s assigned twice", ErrInconsistentSchedule, a.ID)
		}
		slotSeen[a.SlotIndex] = true
		idSeen[a.ID] = true
	}
	return nil
}
