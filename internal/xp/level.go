// Package xp keeps the per-user experience ledger and weekly goals.
package xp

import "time"

// thresholds[i] is the total XP needed to reach level i+2.
var thresholds = []int64{100, 300, 600, 1000, 1500, 2100, 2800, 3600}

const (
	openEndedFrom = 4500
	openEndedStep = 1000
)

// Level maps total XP to a level starting at 1.
func Level(total int64) int {
	if total >= openEndedFrom {
		return 9 + int((total-openEndedFrom)/openEndedStep)
	}
	level := 1
	for _, t := range thresholds {
		if total < t {
			break
		}
		level++
	}
	return level
}

// NextLevelAt returns the total XP at which level+1 starts.
func NextLevelAt(level int) int64 {
	if level < 1 {
		level = 1
	}
	if level-1 < len(thresholds) {
		return thresholds[level-1]
	}
	return openEndedFrom + int64(level-8)*openEndedStep
}

// WeekStart returns the most recent Sunday 00:00 in loc at or before t.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -int(day.Weekday()))
}
