package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var calBase = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func TestBuildCalendarSplitsSessions(t *testing.T) {
	sessions := []Session{
		{Start: calBase, End: calBase.Add(2 * time.Hour)},                     // 09:00-11:00
		{Start: calBase.Add(5 * time.Hour), End: calBase.Add(7 * time.Hour)}, // 14:00-16:00
	}

	slots := BuildCalendar(sessions, 30*time.Minute)
	require.Len(t, slots, 8)

	for i, slot := range slots {
		assert.Equal(t, i, slot.Index)
		if i > 0 {
			assert.True(t, slot.Time.After(slots[i-1].Time), "index must increase with time")
		}
	}
	assert.Equal(t, 0, slots[3].SessionIndex)
	assert.Equal(t, 1, slots[4].SessionIndex)
	assert.Equal(t, calBase.Add(5*time.Hour), slots[4].Time)
}

func TestBuildCalendarDropsTrailingRemainder(t *testing.T) {
	sessions := []Session{{Start: calBase, End: calBase.Add(50 * time.Minute)}}

	slots := BuildCalendar(sessions, 20*time.Minute)

	// 09:00 and 09:20 fit; a consultation starting 09:40 would overrun.
	require.Len(t, slots, 2)
	assert.Equal(t, calBase.Add(20*time.Minute), slots[1].Time)
}

func TestBuildCalendarOrdersUnsortedSessions(t *testing.T) {
	sessions := []Session{
		{Start: calBase.Add(4 * time.Hour), End: calBase.Add(5 * time.Hour)},
		{Start: calBase, End: calBase.Add(time.Hour)},
	}

	slots := BuildCalendar(sessions, 30*time.Minute)
	require.Len(t, slots, 4)
	assert.Equal(t, calBase, slots[0].Time)
	assert.Equal(t, 0, slots[0].SessionIndex)
	assert.Equal(t, 1, slots[2].SessionIndex)
}

func TestBuildCalendarRejectsDegenerateInput(t *testing.T) {
	assert.Nil(t, BuildCalendar(nil, 15*time.Minute))
	assert.Nil(t, BuildCalendar([]Session{{Start: calBase, End: calBase.Add(time.Hour)}}, 0))
	assert.Empty(t, BuildCalendar([]Session{{Start: calBase, End: calBase}}, 15*time.Minute))
}
