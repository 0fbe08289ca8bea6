package products

import (
	"fmt"
	"time"
)

// Day is a UTC calendar day encoded as the integer YYYYMMDD, the form used
// throughout the database and the daily production rules.
type Day int

// DayOf encodes the calendar day of t, in UTC.
func DayOf(t time.Time) Day {
	t = t.UTC()
	return Day(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// Time returns midnight UTC of the day. Invalid encodings return an error.
func (d Day) Time() (time.Time, error) {
	t, err := time.Parse("20060102", fmt.Sprintf("%08d", int(d)))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid measurement day %d: %w", int(d), err)
	}
	return t, nil
}

// AddDays shifts the day by n calendar days.
func (d Day) AddDays(n int) (Day, error) {
	t, err := d.Time()
	if err != nil {
		return 0, err
	}
	return DayOf(t.AddDate(0, 0, n)), nil
}

// MinMeasurementDay bounds product validation from below. Nothing in the
// service predates Sentinel-2B.
const MinMeasurementDay Day = 20160801

// ValidMeasurementDay reports whether d decodes to a real calendar day
// between MinMeasurementDay and now.
func ValidMeasurementDay(d Day, now time.Time) bool {
	t, err := d.Time()
	if err != nil {
		return false
	}
	return d >= MinMeasurementDay && !t.After(now.UTC())
}
