package schedule

import (
	"sort"
	"time"
)

// BuildCalendar derives the ordered bookable slots for one doctor/day from
// the doctor's working sessions and the average consultation step. Slots are
// generated once per day and are immutable; a consultation must fit entirely
// inside its session, so a trailing remainder shorter than step yields no
// slot.
func BuildCalendar(sessions []Session, step time.Duration) []Slot {
	if step <= 0 || len(sessions) == 0 {
		return nil
	}

	ordered := make([]Session, len(sessions))
	copy(ordered, sessions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start.Before(ordered[j].Start) })

	var slots []Slot
	for si, session := range ordered {
		if !session.End.After(session.Start) {
			continue
		}
		for at := session.Start; !at.Add(step).After(session.End); at = at.Add(step) {
			slots = append(slots, Slot{
				Index:        len(slots),
				Time:         at,
				SessionIndex: si,
			})
		}
	}
	return slots
}
