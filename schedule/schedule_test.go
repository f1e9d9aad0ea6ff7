package schedule

import (
	"testing"
	"time"

	"github.com/marloweh/powercontroller/timeutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func TestInWindow(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	sched := Schedule{
		Name: "OffPeak",
		Windows: []Window{
			{
				DayedPeriod: timeutils.DayedPeriod{
					ClockTimePeriod: timeutils.ClockTimePeriod{
						Start: timeutils.ClockTime{Hour: 22, Minute: 0, Location: sydney},
						End:   timeutils.ClockTime{Hour: 7, Minute: 0, Location: sydney},
					},
					Days: timeutils.Days{Name: timeutils.AllDaysName, Location: sydney},
				},
				Price: floatPtr(18.5),
			},
			{
				DayedPeriod: timeutils.DayedPeriod{
					ClockTimePeriod: timeutils.ClockTimePeriod{
						Start: timeutils.ClockTime{Hour: 10, Minute: 0, Location: sydney},
						End:   timeutils.ClockTime{Hour: 14, Minute: 0, Location: sydney},
					},
					Days: timeutils.Days{Name: timeutils.WeekendDaysName, Location: sydney},
				},
				Price: floatPtr(12.0),
			},
		},
	}

	// Weekday morning inside the wrapped overnight window.
	in, price := sched.InWindow(time.Date(2025, 6, 4, 3, 0, 0, 0, sydney), nil)
	assert.True(t, in)
	require.NotNil(t, price)
	assert.Equal(t, 18.5, *price)

	// Weekday midday: outside everything.
	in, _ = sched.InWindow(time.Date(2025, 6, 4, 12, 0, 0, 0, sydney), nil)
	assert.False(t, in)

	// Saturday midday: in the weekend window.
	in, price = sched.InWindow(time.Date(2025, 6, 7, 12, 0, 0, 0, sydney), nil)
	assert.True(t, in)
	require.NotNil(t, price)
	assert.Equal(t, 12.0, *price)
}

func TestInWindowOverlapLowestPriceWins(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	window := func(startH, endH int, price float64) Window {
		return Window{
			DayedPeriod: timeutils.DayedPeriod{
				ClockTimePeriod: timeutils.ClockTimePeriod{
					Start: timeutils.ClockTime{Hour: startH, Location: sydney},
					End:   timeutils.ClockTime{Hour: endH, Location: sydney},
				},
				Days: timeutils.Days{Name: timeutils.AllDaysName, Location: sydney},
			},
			Price: floatPtr(price),
		}
	}

	sched := Schedule{
		Name:    "Overlapping",
		Windows: []Window{window(8, 18, 30.0), window(10, 12, 9.0)},
	}

	in, price := sched.InWindow(time.Date(2025, 6, 4, 11, 0, 0, 0, sydney), nil)
	assert.True(t, in)
	require.NotNil(t, price)
	assert.Equal(t, 9.0, *price)
}

func TestNextWindowStart(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	sched := Schedule{
		Name: "Evening",
		Windows: []Window{{
			DayedPeriod: timeutils.DayedPeriod{
				ClockTimePeriod: timeutils.ClockTimePeriod{
					Start: timeutils.ClockTime{Hour: 18, Minute: 0, Location: sydney},
					End:   timeutils.ClockTime{Hour: 20, Minute: 0, Location: sydney},
				},
				Days: timeutils.Days{Name: timeutils.AllDaysName, Location: sydney},
			},
		}},
	}

	start, ok := sched.NextWindowStart(time.Date(2025, 6, 4, 15, 0, 0, 0, sydney), 24*time.Hour, nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 4, 18, 0, 0, 0, sydney).Unix(), start.Unix())

	_, ok = sched.NextWindowStart(time.Date(2025, 6, 4, 20, 30, 0, 0, sydney), 2*time.Hour, nil)
	assert.False(t, ok)
}
