package lifecycle

import (
	"fmt"
	"time"

	"github.com/kasuganosora/engagement/model"
)

// OnceCycle is the cycle id of quests that never reset.
const OnceCycle = "once"

// Cycle is one refresh window. End is zero for once cycles.
type Cycle struct {
	ID    string
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the cycle.
func (c Cycle) Contains(t time.Time) bool {
	if c.ID == OnceCycle {
		return true
	}
	return !t.Before(c.Start) && t.Before(c.End)
}

// CycleFor returns the cycle of the given refresh kind containing now, using
// the guild's reset hour and weekday. All boundaries are UTC.
func CycleFor(refresh model.RefreshCycle, sc model.ServerConfig, now time.Time) Cycle {
	now = now.UTC()
	hour := sc.ResetHour()
	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, hour, 0, 0, 0, time.UTC)
	}

	switch refresh {
	case model.CycleDaily:
		start := at(now.Year(), now.Month(), now.Day())
		if now.Before(start) {
			start = start.AddDate(0, 0, -1)
		}
		return Cycle{ID: start.Format("2006-01-02"), Start: start, End: start.AddDate(0, 0, 1)}

	case model.CycleWeekly:
		back := (int(now.Weekday()) - int(sc.ResetWeekday()) + 7) % 7
		start := at(now.Year(), now.Month(), now.Day()-back)
		if now.Before(start) {
			start = start.AddDate(0, 0, -7)
		}
		year, week := start.ISOWeek()
		return Cycle{ID: fmt.Sprintf("%04d-W%02d", year, week), Start: start, End: start.AddDate(0, 0, 7)}

	case model.CycleMonthly:
		start := at(now.Year(), now.Month(), 1)
		if now.Before(start) {
			start = start.AddDate(0, -1, 0)
		}
		return Cycle{ID: start.Format("2006-01"), Start: start, End: start.AddDate(0, 1, 0)}
	}
	return Cycle{ID: OnceCycle}
}
