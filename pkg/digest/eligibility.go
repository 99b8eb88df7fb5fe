package digest

import (
	"fmt"
	"time"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Due reports whether enough time passed since the last digest. A user who
// never received one is always due.
//
// The elapsed time may fall short of the frequency threshold by half the run
// interval. The watermark is the time of the sending run, so the next
// period's run lands a few milliseconds either side of the threshold and must
// still count.
func Due(pref *billing.DigestPreference, now time.Time, interval time.Duration) bool {
	if pref.LastSentAt == nil {
		return true
	}
	threshold := pref.Frequency.Threshold()
	slack := interval / 2
	if slack > threshold/2 {
		slack = threshold / 2
	}
	return now.Sub(*pref.LastSentAt) >= threshold-slack
}

// InWindow reports whether now, in the user's timezone, lies within
// ±interval of the preferred time of day. The bounds are inclusive and the
// window wraps around midnight.
func InWindow(pref *billing.DigestPreference, now time.Time, interval time.Duration) (bool, error) {
	loc := time.UTC
	if pref.Timezone != "" {
		l, err := time.LoadLocation(pref.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", pref.Timezone, err)
		}
		loc = l
	}

	preferred, err := time.Parse("15:04", pref.PreferredTime)
	if err != nil {
		return false, fmt.Errorf("%w %q", ErrInvalidPreferredTime, pref.PreferredTime)
	}

	local := now.In(loc)
	for _, dayOffset := range []int{-1, 0, 1} {
		day := local.AddDate(0, 0, dayOffset)
		target := time.Date(day.Year(), day.Month(), day.Day(),
			preferred.Hour(), preferred.Minute(), 0, 0, loc)
		diff := local.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff <= interval {
			return true, nil
		}
	}
	return false, nil
}
