package appointment

import (
	"time"

	"github.com/medidesk/opd-scheduler/internal/presence"
	"github.com/medidesk/opd-scheduler/internal/schedule"
)

// DelayMinutes computes how many minutes behind schedule a doctor is: the
// time elapsed since the start of the session containing now, while the
// doctor is still Out. No delay accumulates before a session starts, after
// the session window ends, or once the doctor is In.
func DelayMinutes(status presence.ConsultationStatus, sessions []schedule.Session, now time.Time) int {
	if status == presence.StatusIn {
		return 0
	}
	for _, s := range sessions {
		if !now.Before(s.Start) && now.Before(s.End) {
			return int(now.Sub(s.Start) / time.Minute)
		}
	}
	return 0
}

// nextSessionStart returns the start of the session containing now, or the
// next session after it. ok is false when no session remains in the day.
func nextSessionStart(sessions []schedule.Session, now time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, s := range sessions {
		if now.Before(s.End) {
			if !found || s.Start.Before(best) {
				best = s.Start
				found = true
			}
		}
	}
	return best, found
}
