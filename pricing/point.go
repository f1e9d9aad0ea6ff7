// Package pricing maintains the merged half-hourly spot price forecast per
// channel. A background refresher pulls intervals from the price API on a
// cadence and merges them into an in-memory cache that survives restarts via
// an on-disk cache file. Consumers only ever see immutable snapshots.
package pricing

import (
	"time"
)

// Channel tags which price feed a point belongs to.
type Channel string

const (
	ChannelGeneral    Channel = "general"
	ChannelControlled Channel = "controlledLoad"
	ChannelFeedIn     Channel = "feedIn"
)

// Quality describes how trustworthy a price point is. Points are only ever
// replaced by points of equal or better quality.
type Quality string

const (
	QualityDefault          Quality = "default"           // synthesised from the configured default price
	QualityFallbackSchedule Quality = "fallback-schedule" // synthesised from a schedule window's nominal price
	QualityForecast         Quality = "forecast"
	QualityCachedStale      Quality = "cached-stale" // served from cache after the refresh TTL lapsed
	QualityCurrent          Quality = "current"
	QualityActual           Quality = "actual"
)

// rank orders qualities so that merges never overwrite a better point with a
// worse one: forecast < cached-stale < current < actual. The synthesised
// qualities rank below everything the API can return.
func (q Quality) rank() int {
	switch q {
	case QualityActual:
		return 5
	case QualityCurrent:
		return 4
	case QualityCachedStale:
		return 3
	case QualityForecast:
		return 2
	case QualityFallbackSchedule:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether q is of equal or better quality than other.
func (q Quality) AtLeast(other Quality) bool {
	return q.rank() >= other.rank()
}

// PricePoint is one half-hour slot of one channel's price series.
type PricePoint struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Channel  Channel       `json:"channel"`
	PriceKwh float64       `json:"perKwh"` // c/kWh
	Quality  Quality       `json:"quality"`
}

// End returns the end of the slot.
func (p *PricePoint) End() time.Time {
	return p.Start.Add(p.Duration)
}

// UsageRecord is one hourly usage/cost row reported by the price source,
// retained in a time-bounded ring for cost reporting.
type UsageRecord struct {
	Start    time.Time `json:"start"`
	Channel  Channel   `json:"channel"`
	EnergyWh float64   `json:"energyWh"`
	Cost     float64   `json:"cost"`
}
