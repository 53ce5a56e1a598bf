// Package epitime provides the time source used by the correlation and
// lifecycle services. Injecting the clock keeps threshold and epi-week
// computations deterministic in tests.
package epitime

import "time"

// Clock supplies the current time and epidemiological week computation.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
	// EpiWeek returns the epidemiological week number for t.
	EpiWeek(t time.Time) int
}

// UTCClock is the production clock backed by the system time.
type UTCClock struct{}

// Now returns the current UTC time.
func (UTCClock) Now() time.Time {
	return time.Now().UTC()
}

// EpiWeek returns the MMWR epidemiological week for t.
func (UTCClock) EpiWeek(t time.Time) int {
	return EpiWeek(t)
}

// EpiWeek computes the MMWR epidemiological week number for t.
// Epi weeks run Sunday through Saturday. Week 1 of a year is the first week
// containing at least four days of that year, so the first days of January can
// fall in the last epi week of the previous year and late December days can
// fall in week 1 of the next year.
func EpiWeek(t time.Time) int {
	t = t.UTC()
	year := t.Year()

	start := epiYearStart(year)
	if t.Before(start) {
		start = epiYearStart(year - 1)
	} else if next := epiYearStart(year + 1); !t.Before(next) {
		start = next
	}

	return int(t.Sub(start).Hours()/(24*7)) + 1
}

// epiYearStart returns the first day (a Sunday) of epi week 1 of the year.
func epiYearStart(year int) time.Time {
	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	weekday := int(jan1.Weekday()) // Sunday = 0

	// Sunday of the week containing Jan 1.
	sunday := jan1.AddDate(0, 0, -weekday)

	// That week belongs to the previous year unless it holds at least four
	// days of the new year, i.e. Jan 1 falls on Sunday through Wednesday.
	if weekday > 3 {
		sunday = sunday.AddDate(0, 0, 7)
	}
	return sunday
}

// Fixed is a clock pinned to a single instant, for tests.
type Fixed struct {
	Time time.Time
}

// Now returns the pinned instant.
func (f Fixed) Now() time.Time {
	return f.Time
}

// EpiWeek returns the MMWR epidemiological week for t.
func (f Fixed) EpiWeek(t time.Time) int {
	return EpiWeek(t)
}
