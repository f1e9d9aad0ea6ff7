package timeutils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Solar markers that a ClockTime can be anchored to instead of a fixed
// wall-clock time.
const (
	SolarDawn = "dawn"
	SolarDusk = "dusk"
)

// ClockTime represents a time of day in the given locale, without a date.
// It is either a fixed wall-clock time or a solar marker ("dawn"/"dusk")
// with an optional offset, resolved per-day through an Ephemeris.
type ClockTime struct {
	Hour     int
	Minute   int
	Second   int
	Location *time.Location

	Solar       string        // "", "dawn" or "dusk"
	SolarOffset time.Duration // applied to the solar marker, may be negative
}

// OnDate returns the instant with this clock time on the given date. For
// solar clock times the ephemeris is consulted; a nil ephemeris resolves
// dawn to 06:00 and dusk to 18:00 so that configurations without a location
// section still behave sanely.
func (c *ClockTime) OnDate(year int, month time.Month, day int, eph *Ephemeris) time.Time {
	if c.Solar == "" {
		return time.Date(year, month, day, c.Hour, c.Minute, c.Second, 0, c.Location)
	}

	if eph == nil {
		hour := 6
		if c.Solar == SolarDusk {
			hour = 18
		}
		return time.Date(year, month, day, hour, 0, 0, 0, c.Location).Add(c.SolarOffset)
	}

	noon := time.Date(year, month, day, 12, 0, 0, 0, c.Location)
	var marker time.Time
	if c.Solar == SolarDusk {
		marker = eph.Dusk(noon)
	} else {
		marker = eph.Dawn(noon)
	}
	return marker.Add(c.SolarOffset)
}

// ParseClockTime parses a clock time string. Accepted forms are "HH:MM",
// "HH:MM:SS", "dawn", "dusk", and solar markers with a minute offset such as
// "dawn+30" or "dusk-15".
func ParseClockTime(str string, loc *time.Location) (ClockTime, error) {
	str = strings.TrimSpace(strings.ToLower(str))

	for _, solar := range []string{SolarDawn, SolarDusk} {
		if !strings.HasPrefix(str, solar) {
			continue
		}
		ct := ClockTime{Solar: solar, Location: loc}
		rest := strings.TrimPrefix(str, solar)
		if rest == "" {
			return ct, nil
		}
		offsetMins, err := strconv.Atoi(rest)
		if err != nil {
			return ClockTime{}, fmt.Errorf("parse solar offset %q: %w", str, err)
		}
		ct.SolarOffset = time.Duration(offsetMins) * time.Minute
		return ct, nil
	}

	parts := strings.Split(str, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return ClockTime{}, fmt.Errorf("clock time %q: expected HH:MM or HH:MM:SS", str)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return ClockTime{}, fmt.Errorf("clock time %q: %w", str, err)
		}
		nums[i] = n
	}
	if nums[0] < 0 || nums[0] > 23 || nums[1] < 0 || nums[1] > 59 || nums[2] < 0 || nums[2] > 59 {
		return ClockTime{}, fmt.Errorf("clock time %q out of range", str)
	}
	return ClockTime{Hour: nums[0], Minute: nums[1], Second: nums[2], Location: loc}, nil
}
