package digest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

func TestDue(t *testing.T) {
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	tests := []struct {
		name     string
		freq     billing.Frequency
		lastSent *time.Time
		want     bool
	}{
		{"never sent", billing.FrequencyMonthly, nil, true},
		{"daily below threshold", billing.FrequencyDaily, at(23 * time.Hour), false},
		{"daily at threshold", billing.FrequencyDaily, at(24 * time.Hour), true},
		{"weekly below threshold", billing.FrequencyWeekly, at(167 * time.Hour), false},
		{"weekly past threshold", billing.FrequencyWeekly, at(169 * time.Hour), true},
		{"monthly below threshold", billing.FrequencyMonthly, at(719 * time.Hour), false},
		{"monthly at threshold", billing.FrequencyMonthly, at(720 * time.Hour), true},
		{"daily a tick's jitter early", billing.FrequencyDaily, at(24*time.Hour - 5*time.Millisecond), true},
		{"daily within half an interval", billing.FrequencyDaily, at(24*time.Hour - 7*time.Minute), true},
		{"daily a full interval early", billing.FrequencyDaily, at(24*time.Hour - 15*time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := &billing.DigestPreference{Frequency: tt.freq, LastSentAt: tt.lastSent}
			assert.Equal(t, tt.want, Due(pref, now, 15*time.Minute))
		})
	}
}

func TestDue_SlackIsBounded(t *testing.T) {
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	sent := now.Add(-11 * time.Hour)
	pref := &billing.DigestPreference{Frequency: billing.FrequencyDaily, LastSentAt: &sent}

	// An interval longer than the period never makes a digest due twice a day
	assert.False(t, Due(pref, now, 48*time.Hour))
	sent = now.Add(-12 * time.Hour)
	assert.True(t, Due(pref, now, 48*time.Hour))
}

func TestDue_JitteryTicksSendDaily(t *testing.T) {
	const interval = 15 * time.Minute
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	pref := &billing.DigestPreference{
		Frequency: billing.FrequencyDaily, PreferredTime: "09:00", Timezone: "UTC",
	}

	sends := map[string]int{}
	const days = 30
	for n := 0; n < days*int(24*time.Hour/interval); n++ {
		// Ticks fire up to a few milliseconds early
		now := start.Add(time.Duration(n)*interval - time.Duration(n%7)*time.Millisecond)
		if !Due(pref, now, interval) {
			continue
		}
		ok, err := InWindow(pref, now, interval)
		require.NoError(t, err)
		if !ok {
			continue
		}
		sent := now
		pref.LastSentAt = &sent
		sends[now.Format("2006-01-02")]++
	}

	assert.Len(t, sends, days)
	for day, n := range sends {
		assert.Equal(t, 1, n, "day %s", day)
	}
}

func TestInWindow(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		timezone  string
		now       time.Time
		want      bool
	}{
		{"exact", "09:00", "", time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC), true},
		{"lower bound inclusive", "09:00", "", time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC), true},
		{"upper bound inclusive", "09:00", "", time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC), true},
		{"just outside", "09:00", "", time.Date(2024, 5, 10, 10, 1, 0, 0, time.UTC), false},
		{"wraps after midnight", "23:30", "", time.Date(2024, 5, 11, 0, 15, 0, 0, time.UTC), true},
		{"wraps before midnight", "00:15", "", time.Date(2024, 5, 10, 23, 45, 0, 0, time.UTC), true},
		{"timezone applied", "09:00", "America/New_York", time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC), true},
		{"timezone outside", "09:00", "America/New_York", time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := &billing.DigestPreference{PreferredTime: tt.preferred, Timezone: tt.timezone}
			got, err := InWindow(pref, tt.now, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInWindow_InvalidPreference(t *testing.T) {
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

	_, err := InWindow(&billing.DigestPreference{PreferredTime: "9am"}, now, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidPreferredTime)

	_, err = InWindow(&billing.DigestPreference{PreferredTime: "09:00", Timezone: "Mars/Olympus"}, now, time.Hour)
	assert.Error(t, err)
}
