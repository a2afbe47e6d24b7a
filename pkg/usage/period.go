package usage

import "time"

// Period is one billing period, [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodFor computes the billing period containing now for a package whose
// usage resets on resetDay (1-31) of each month. A reset day past the end
// of a month is clamped to that month's last day, so day 31 resets on
// Feb 28/29, Apr 30, and so on.
func PeriodFor(resetDay int, now time.Time) Period {
	if resetDay < 1 {
		resetDay = 1
	}

	year, month, _ := now.Date()
	start := resetDate(year, month, resetDay, now.Location())
	if now.Before(start) {
		start = resetDate(year, month-1, resetDay, now.Location())
	}

	end := resetDate(start.Year(), start.Month()+1, resetDay, now.Location())

	return Period{Start: start, End: end}
}

// IsResetDay reports whether now falls on the package's reset day,
// honoring end-of-month clamping.
func IsResetDay(resetDay int, now time.Time) bool {
	if resetDay < 1 {
		resetDay = 1
	}
	year, month, day := now.Date()
	return day == resetDate(year, month, resetDay, now.Location()).Day()
}

func resetDate(year int, month time.Month, day int, loc *time.Location) time.Time {
	if last := daysIn(year, month, loc); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
