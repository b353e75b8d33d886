package planner

import (
	"strings"
	"time"

	"github.com/syntor/querybot/pkg/models"
)

const (
	defaultWindowDays = 7
	daysPerMonth      = 30
	day               = 24 * time.Hour
)

// timeRangeArgs derives the start_date/end_date argument pair. A nil or
// "none" range yields no arguments.
func timeRangeArgs(tr *models.TimeRange, now time.Time) map[string]any {
	if tr == nil {
		return nil
	}
	now = now.UTC()

	switch tr.Type {
	case models.TimeRangeRelative:
		start, end := relativeWindow(strings.ToLower(tr.Pattern), now)
		return window(start, end)

	case models.TimeRangeAbsolute:
		args := make(map[string]any, 2)
		if tr.StartDate != "" {
			args["start_date"] = tr.StartDate
		}
		if tr.EndDate != "" {
			args["end_date"] = tr.EndDate
		}
		return args

	case models.TimeRangeDuration:
		value := defaultWindowDays
		if tr.Value != nil {
			value = *tr.Value
		}
		unit := tr.Unit
		if unit == "" {
			unit = "days"
		}

		var span time.Duration
		switch unit {
		case "days":
			span = time.Duration(value) * day
		case "weeks":
			span = time.Duration(value) * 7 * day
		case "months":
			span = time.Duration(value) * daysPerMonth * day
		default:
			span = defaultWindowDays * day
		}
		return window(now.Add(-span), now)
	}

	return nil
}

func relativeWindow(pattern string, now time.Time) (time.Time, time.Time) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch {
	case strings.Contains(pattern, "today"):
		return midnight, now
	case strings.Contains(pattern, "yesterday"):
		start := midnight.Add(-day)
		return start, start.Add(day - time.Second)
	case strings.Contains(pattern, "week"):
		back := 7 * day
		if strings.Contains(pattern, "last week") {
			back += 7 * day
		}
		return now.Add(-back), now
	case strings.Contains(pattern, "month"):
		if strings.Contains(pattern, "last month") {
			return now.Add(-daysPerMonth * day), now
		}
		return now, now
	default:
		return now.Add(-defaultWindowDays * day), now
	}
}

func window(start, end time.Time) map[string]any {
	return map[string]any{
		"start_date": start.Format(time.RFC3339),
		"end_date":   end.Format(time.RFC3339),
	}
}
