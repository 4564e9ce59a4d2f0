// Package schedule holds the calendar rules shared by discovery and the
// next-trigger calculation.
package schedule

import (
	"fmt"
	"time"
)

const (
	DateLayout     = "2006-01-02"
	MonthDayLayout = "01-02"

	LeapDayKey = "02-29"
	MarchFirst = "03-01"
)

func IsLeapYear(y int) bool {
	return (y%4 == 0 && y%100 != 0) || y%400 == 0
}

// MonthDayKey formats the "MM-DD" key of a civil date.
func MonthDayKey(d time.Time) string {
	return d.Format(MonthDayLayout)
}

// ParseDate parses "YYYY-MM-DD" into a civil date at UTC midnight.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// DueMonthDays returns the month-day keys that fall due on a local date.
// In a non-leap year March 1 also carries the Feb 29 events.
func DueMonthDays(localDate time.Time) []string {
	key := MonthDayKey(localDate)
	if key == MarchFirst && !IsLeapYear(localDate.Year()) {
		return []string{key, LeapDayKey}
	}
	return []string{key}
}

// OccurrenceDate maps an event date onto year, moving Feb 29 to Mar 1 when
// year is not a leap year.
func OccurrenceDate(eventDate time.Time, year int) (time.Month, int) {
	m, d := eventDate.Month(), eventDate.Day()
	if m == time.February && d == 29 && !IsLeapYear(year) {
		return time.March, 1
	}
	return m, d
}

// NextTrigger returns the first instant strictly after now at which the event
// is due: hour:00 local time in loc on the occurrence date of this year, or of
// the next year when that has passed.
func NextTrigger(eventDate time.Time, loc *time.Location, hour int, now time.Time) time.Time {
	year := now.In(loc).Year()
	for {
		m, d := OccurrenceDate(eventDate, year)
		at := time.Date(year, m, d, hour, 0, 0, 0, loc)
		if at.After(now) {
			return at
		}
		year++
	}
}
