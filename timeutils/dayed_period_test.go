package timeutils

import (
	"testing"
	"time"
)

func mustLoadLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("Failed to load location %s: %v", name, err)
	}
	return loc
}

func TestIsOnDay(t *testing.T) {
	sydney := mustLoadLocation(t, "Australia/Sydney")

	type subTest struct {
		name     string
		days     Days
		t        time.Time
		expected bool
	}

	subTests := []subTest{
		{"WeekdayMatchMonday", Days{Name: WeekdayDaysName, Location: sydney}, time.Date(2025, 6, 2, 18, 0, 0, 0, sydney), true},
		{"WeekdayNoMatchSaturday", Days{Name: WeekdayDaysName, Location: sydney}, time.Date(2025, 6, 7, 18, 0, 0, 0, sydney), false},
		{"WeekendMatchSunday", Days{Name: WeekendDaysName, Location: sydney}, time.Date(2025, 6, 8, 18, 0, 0, 0, sydney), true},
		{"AllMatchWednesday", Days{Name: AllDaysName, Location: sydney}, time.Date(2025, 6, 4, 18, 0, 0, 0, sydney), true},
		{"ListMatch", Days{Name: "monday,wednesday", Location: sydney}, time.Date(2025, 6, 4, 18, 0, 0, 0, sydney), true},
		{"ListNoMatch", Days{Name: "monday,wednesday", Location: sydney}, time.Date(2025, 6, 5, 18, 0, 0, 0, sydney), false},

		// "2025-06-06T15:00:00Z" is a Friday in UTC but already Saturday in Sydney.
		{"TimezoneShiftsDay", Days{Name: WeekendDaysName, Location: sydney}, time.Date(2025, 6, 6, 15, 0, 0, 0, time.UTC), true},
	}

	for _, st := range subTests {
		t.Run(st.name, func(t *testing.T) {
			if got := st.days.IsOnDay(st.t); got != st.expected {
				t.Errorf("IsOnDay(%v) = %v, expected %v", st.t, got, st.expected)
			}
		})
	}
}

func TestClockTimePeriodWrapMidnight(t *testing.T) {
	sydney := mustLoadLocation(t, "Australia/Sydney")

	period := ClockTimePeriod{
		Start: ClockTime{Hour: 23, Minute: 0, Location: sydney},
		End:   ClockTime{Hour: 6, Minute: 0, Location: sydney},
	}

	type subTest struct {
		name     string
		t        time.Time
		expected bool
	}

	subTests := []subTest{
		{"BeforeWindow", time.Date(2025, 6, 4, 22, 59, 0, 0, sydney), false},
		{"AtStart", time.Date(2025, 6, 4, 23, 0, 0, 0, sydney), true},
		{"AfterMidnight", time.Date(2025, 6, 5, 1, 30, 0, 0, sydney), true},
		{"JustBeforeEnd", time.Date(2025, 6, 5, 5, 59, 59, 0, sydney), true},
		{"AtEnd", time.Date(2025, 6, 5, 6, 0, 0, 0, sydney), false},
		{"Midday", time.Date(2025, 6, 5, 12, 0, 0, 0, sydney), false},
	}

	for _, st := range subTests {
		t.Run(st.name, func(t *testing.T) {
			if got := period.Contains(st.t, nil); got != st.expected {
				t.Errorf("Contains(%v) = %v, expected %v", st.t, got, st.expected)
			}
		})
	}

	// A wrapped window entered after midnight is anchored on the previous day.
	p, ok := period.AbsolutePeriod(time.Date(2025, 6, 5, 1, 30, 0, 0, sydney), nil)
	if !ok {
		t.Fatal("expected 01:30 to be inside the wrapped window")
	}
	wantStart := time.Date(2025, 6, 4, 23, 0, 0, 0, sydney)
	if !p.Start.Equal(wantStart) {
		t.Errorf("wrapped window start = %v, expected %v", p.Start, wantStart)
	}
}

func TestDayedPeriodWrapMidnightUsesStartDay(t *testing.T) {
	sydney := mustLoadLocation(t, "Australia/Sydney")

	// Friday nights only, 23:00 to 06:00.
	period := DayedPeriod{
		ClockTimePeriod: ClockTimePeriod{
			Start: ClockTime{Hour: 23, Minute: 0, Location: sydney},
			End:   ClockTime{Hour: 6, Minute: 0, Location: sydney},
		},
		Days: Days{Name: "friday", Location: sydney},
	}

	// 2025-06-06 is a Friday. Saturday 02:00 belongs to Friday's window.
	if !period.Contains(time.Date(2025, 6, 7, 2, 0, 0, 0, sydney), nil) {
		t.Error("expected Saturday 02:00 to be in Friday's wrapped window")
	}
	// Sunday 02:00 would belong to Saturday's window, which is not a Friday.
	if period.Contains(time.Date(2025, 6, 8, 2, 0, 0, 0, sydney), nil) {
		t.Error("expected Sunday 02:00 to be outside Friday's wrapped window")
	}
}

func TestParseClockTime(t *testing.T) {
	sydney := mustLoadLocation(t, "Australia/Sydney")

	ct, err := ParseClockTime("06:30", sydney)
	if err != nil {
		t.Fatalf("parse 06:30: %v", err)
	}
	if ct.Hour != 6 || ct.Minute != 30 || ct.Solar != "" {
		t.Errorf("unexpected clock time: %+v", ct)
	}

	ct, err = ParseClockTime("dusk-15", sydney)
	if err != nil {
		t.Fatalf("parse dusk-15: %v", err)
	}
	if ct.Solar != SolarDusk || ct.SolarOffset != -15*time.Minute {
		t.Errorf("unexpected solar clock time: %+v", ct)
	}

	if _, err = ParseClockTime("25:00", sydney); err == nil {
		t.Error("expected error for out of range hour")
	}
}

func TestFloorHH(t *testing.T) {
	in := time.Date(2025, 6, 5, 14, 47, 13, 0, time.UTC)
	want := time.Date(2025, 6, 5, 14, 30, 0, 0, time.UTC)
	if got := FloorHH(in); !got.Equal(want) {
		t.Errorf("FloorHH(%v) = %v, expected %v", in, got, want)
	}
}
