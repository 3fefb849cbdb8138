package calendar

import (
	"time"
)

// TradingWeek is one Monday-Friday span (possibly partial at the range
// boundaries). Start and End are inclusive dates at midnight UTC.
type TradingWeek struct {
	Start time.Time
	End   time.Time
}

// HolidaySet holds non-trading weekdays as YYYY-MM-DD strings.
type HolidaySet map[string]bool

func (h HolidaySet) Contains(d time.Time) bool {
	return h[d.Format("2006-01-02")]
}

// IsTradingDay reports whether d is a weekday and not a holiday.
func IsTradingDay(d time.Time, holidays HolidaySet) bool {
	wd := d.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !holidays.Contains(d)
}

// NextTradingDay returns d itself if it trades, otherwise the first
// trading day after it.
func NextTradingDay(d time.Time, holidays HolidaySet) time.Time {
	for !IsTradingDay(d, holidays) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// PrevTradingDay walks backwards to the nearest trading day at or before d.
func PrevTradingDay(d time.Time, holidays HolidaySet) time.Time {
	for !IsTradingDay(d, holidays) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// NextMonday returns the Monday of the week containing ref if ref is
// Monday, otherwise the next Monday; rolled forward past holidays so the
// result is the first trading day of its week.
func NextMonday(ref time.Time, holidays HolidaySet) time.Time {
	daysAhead := (int(time.Monday) - int(ref.Weekday()) + 7) % 7
	monday := truncateDay(ref).AddDate(0, 0, daysAhead)
	if !IsTradingDay(monday, holidays) {
		monday = NextTradingDay(monday.AddDate(0, 0, 1), holidays)
	}
	return monday
}

// FridayOfWeek returns the effective last trading day of the week starting
// at monday: the Friday, stepped back past any holiday.
func FridayOfWeek(monday time.Time, holidays HolidaySet) time.Time {
	f := monday.AddDate(0, 0, 4)
	for !IsTradingDay(f, holidays) && f.After(monday) {
		f = f.AddDate(0, 0, -1)
	}
	return f
}

// WeeksInRange splits [start, end] into ordered, non-overlapping trading
// weeks. A range of seven calendar days or fewer is returned as a single
// week equal to the exact range. Otherwise a partial leading week runs from
// a non-Monday start to that week's Friday, full Monday-Friday weeks follow,
// and a partial trailing week absorbs a mid-week end. A holiday on a week's
// Friday shifts that week's effective end to the prior trading day. A
// non-empty range never yields zero weeks: the whole range is the fallback.
//
// start >= end is a caller precondition violation and is not handled here.
func WeeksInRange(start, end time.Time, holidays HolidaySet) []TradingWeek {
	start = truncateDay(start)
	end = truncateDay(end)

	if end.Sub(start) <= 7*24*time.Hour {
		return []TradingWeek{{Start: start, End: end}}
	}

	var weeks []TradingWeek
	current := start

	if start.Weekday() != time.Monday {
		daysToFriday := int(time.Friday) - int(start.Weekday())
		if daysToFriday >= 0 {
			friday := start.AddDate(0, 0, daysToFriday)
			if !friday.After(end) {
				weeks = append(weeks, TradingWeek{Start: start, End: effectiveEnd(friday, start, holidays)})
				current = friday.AddDate(0, 0, 3) // following Monday
			}
		}
	}

	for !current.After(end) {
		monday := current
		if monday.Weekday() != time.Monday {
			monday = current.AddDate(0, 0, (int(time.Monday)-int(current.Weekday())+7)%7)
		}
		if monday.After(end) {
			break
		}
		friday := monday.AddDate(0, 0, 4)
		if !friday.After(end) {
			weeks = append(weeks, TradingWeek{Start: monday, End: effectiveEnd(friday, monday, holidays)})
			current = friday.AddDate(0, 0, 3)
		} else {
			weeks = append(weeks, TradingWeek{Start: monday, End: end})
			break
		}
	}

	if len(weeks) == 0 {
		weeks = append(weeks, TradingWeek{Start: start, End: end})
	}
	return weeks
}

// effectiveEnd shifts a week-ending Friday back past holidays, never
// crossing before the week's start.
func effectiveEnd(friday, weekStart time.Time, holidays HolidaySet) time.Time {
	e := friday
	for holidays.Contains(e) && e.After(weekStart) {
		e = e.AddDate(0, 0, -1)
	}
	return e
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Days lists the trading days covered by the week, in order.
func (w TradingWeek) Days(holidays HolidaySet) []time.Time {
	var days []time.Time
	for d := w.Start; !d.After(w.End); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d, holidays) {
			days = append(days, d)
		}
	}
	return days
}

// Contains reports whether d falls inside the week span (calendar days,
// inclusive).
func (w TradingWeek) Contains(d time.Time) bool {
	d = truncateDay(d)
	return !d.Before(w.Start) && !d.After(w.End)
}
