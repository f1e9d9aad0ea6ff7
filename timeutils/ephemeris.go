package timeutils

import (
	"time"

	"github.com/sixdouglas/suncalc"
)

// Ephemeris resolves dawn and dusk times for a fixed latitude/longitude.
// It is used to resolve symbolic "dawn"/"dusk" values in schedule windows.
type Ephemeris struct {
	Latitude  float64
	Longitude float64
}

// Dawn returns the time of dawn on the day containing t, in t's location.
func (e *Ephemeris) Dawn(t time.Time) time.Time {
	times := suncalc.GetTimes(t, e.Latitude, e.Longitude)
	return times[suncalc.Dawn].Value.In(t.Location())
}

// Dusk returns the time of dusk on the day containing t, in t's location.
func (e *Ephemeris) Dusk(t time.Time) time.Time {
	times := suncalc.GetTimes(t, e.Latitude, e.Longitude)
	return times[suncalc.Dusk].Value.In(t.Location())
}
