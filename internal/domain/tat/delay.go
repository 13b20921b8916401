package tat

import (
	"fmt"
	"math"
	"time"
)

// Classify compares a completion time with its expected time. A nil actual
// time means the result has not been uploaded yet.
func Classify(expected time.Time, actual *time.Time) (DelayStatus, string) {
	if IsAbsent(actual) {
		return DelayNotUploaded, string(DelayNotUploaded)
	}
	delay := actual.Sub(expected).Minutes()

	var status DelayStatus
	switch {
	case delay >= 15:
		status = DelayOver
	case delay > 0:
		status = DelayMinor
	case delay >= -30:
		status = DelayOnTime
	default:
		status = DelaySwift
	}
	return status, formatRange(delay)
}

func formatRange(minutes float64) string {
	abs := math.Abs(minutes)
	hours := int(abs / 60)
	mins := int(math.Mod(abs, 60))
	return fmt.Sprintf("%d hrs %d mins", hours, mins)
}

// tatTiers are the visit-level budget bands in minutes: 12h, 1d, 3d, 5d, 10d.
var tatTiers = []float64{720, 1440, 4320, 7200, 14400}

// DailyTAT picks the visit budget from its tests' budgets: the largest TAT
// inside the smallest tier that has any, otherwise the overall maximum.
func DailyTAT(tats []float64) float64 {
	if len(tats) == 0 {
		return 0
	}
	for _, bound := range tatTiers {
		best, found := 0.0, false
		for _, t := range tats {
			if t < bound && (!found || t > best) {
				best, found = t, true
			}
		}
		if found {
			return best
		}
	}
	max := tats[0]
	for _, t := range tats[1:] {
		if t > max {
			max = t
		}
	}
	return max
}
