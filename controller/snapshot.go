package controller

import (
	"context"
	"time"

	"github.com/marloweh/powercontroller/statestore"
)

// OutputStatus is the externally visible state of one output.
type OutputStatus struct {
	Name           string                 `json:"name"`
	Kind           string                 `json:"kind"`
	State          string                 `json:"state"`
	Relay          string                 `json:"relay"`
	OnHoursToday   float64                `json:"onHoursToday"`
	ShortfallHours float64                `json:"shortfallHours"`
	EnergyWhToday  float64                `json:"energyWhToday"`
	CostToday      float64                `json:"costToday"`
	PriceKwhNow    float64                `json:"priceKwhNow"`
	PlannedOnHours float64                `json:"plannedOnHours"`
	NextChange     *time.Time             `json:"nextChange,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Override       *statestore.Override   `json:"override,omitempty"`
	History        []statestore.DayRecord `json:"history,omitempty"`
}

// UPSStatus is the externally visible state of one UPS.
type UPSStatus struct {
	Name      string   `json:"name"`
	State     string   `json:"state"`
	ChargePct *float64 `json:"chargePct,omitempty"`
	Healthy   string   `json:"healthy"`
}

// Snapshot is the full state document served by the HTTP surface.
type Snapshot struct {
	Time            time.Time          `json:"time"`
	PriceSourceDown bool               `json:"priceSourceDown"`
	Outputs         []OutputStatus     `json:"outputs"`
	UPS             []UPSStatus        `json:"ups,omitempty"`
	DeviceTempsC    map[string]float64 `json:"deviceTempsC,omitempty"`
}

// Snapshot asks the loop for the current state. Safe from any goroutine.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case c.Snapshots <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Controller) snapshot(now time.Time) Snapshot {
	snapshot := Snapshot{
		Time:            now,
		PriceSourceDown: c.config.PriceDown != nil && c.config.PriceDown(),
		DeviceTempsC:    map[string]float64{},
	}
	for device, temp := range c.internalTemps {
		snapshot.DeviceTempsC[device] = temp
	}

	for _, name := range c.ordered {
		ctrl := c.byName[name]
		persisted := ctrl.Persisted()
		energyWh, cost := ctrl.DayTotals()

		status := OutputStatus{
			Name:           name,
			Kind:           string(ctrl.Config.Kind),
			State:          string(ctrl.State()),
			Relay:          string(persisted.Relay),
			OnHoursToday:   persisted.OnSecondsToday / 3600,
			ShortfallHours: persisted.ShortfallHours,
			EnergyWhToday:  energyWh,
			CostToday:      cost,
			PriceKwhNow:    c.currentPrice(ctrl, now),
			Override:       persisted.Override,
			History:        persisted.History,
		}
		if p := ctrl.Plan(); p != nil {
			status.PlannedOnHours = p.PlannedOnHours(now)
			if change, ok := p.NextChange(now); ok {
				status.NextChange = &change
			}
			if slot, ok := p.DecisionAt(now); ok {
				status.Reason = string(slot.Reason)
			}
		}
		snapshot.Outputs = append(snapshot.Outputs, status)
	}

	for _, health := range c.upsHealth {
		snapshot.UPS = append(snapshot.UPS, UPSStatus{
			Name:      health.Name,
			State:     string(health.State),
			ChargePct: health.ChargePct,
			Healthy:   string(health.Healthy),
		})
	}
	return snapshot
}
