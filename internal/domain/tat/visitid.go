package tat

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidVisitID = errors.New("invalid visit identifier")

// ParseVisitStart decodes the DDMMYYHHMM prefix of a visit identifier.
// Two-digit years 69-99 map to 19xx and 00-68 to 20xx.
func ParseVisitStart(id string) (time.Time, error) {
	if len(id) < 10 {
		return time.Time{}, fmt.Errorf("%w: %q shorter than 10 characters", ErrInvalidVisitID, id)
	}
	var f [5]int
	for i := range f {
		a, b := id[2*i], id[2*i+1]
		if a < '0' || a > '9' || b < '0' || b > '9' {
			return time.Time{}, fmt.Errorf("%w: %q has non-digit timestamp", ErrInvalidVisitID, id)
		}
		f[i] = int(a-'0')*10 + int(b-'0')
	}
	day, month, yy, hour, minute := f[0], f[1], f[2], f[3], f[4]

	year := 2000 + yy
	if yy >= 69 {
		year = 1900 + yy
	}
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("%w: %q out of range", ErrInvalidVisitID, id)
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %q is not a calendar date", ErrInvalidVisitID, id)
	}
	return t, nil
}

// ShiftFor returns the shift a visit started in: 08:00 up to 20:00 is day.
func ShiftFor(start time.Time) string {
	if h := start.Hour(); h >= 8 && h < 20 {
		return ShiftDay
	}
	return ShiftNight
}
