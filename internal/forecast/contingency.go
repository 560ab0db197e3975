package forecast

import (
	"context"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/explain"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

const (
	contingencyWarnBurn = 0.60
	contingencyBand     = 0.15
	contingencyMaxBurn  = 2.0
	minElapsedFraction  = 0.05
)

// Contingency projects what fraction of a project's contingency budget
// will be consumed by completion, extrapolating the burn to date over
// schedule elapsed.
type Contingency struct {
	data Store
}

func NewContingency(data Store) *Contingency {
	return &Contingency{data: data}
}

func (m *Contingency) ModelName() string { return ModelContingency }

func (m *Contingency) Predict(ctx context.Context, projectID string, asOf time.Time) (storage.Forecast, error) {
	p, err := m.data.GetProject(projectID)
	if err != nil {
		return storage.Forecast{}, err
	}

	burn := 0.0
	if p.ContingencyBudget > 0 {
		burn = p.ContingencyUsed / p.ContingencyBudget
	}
	elapsed := elapsedFraction(p, asOf)

	// Linear extrapolation of the burn to completion, floored by the
	// burn already incurred.
	projected := burn / clamp(elapsed, minElapsedFraction, 1)
	projected = clamp(projected, burn, contingencyMaxBurn)

	drivers := []explain.Driver{
		{Feature: "contingency_burn_rate", Contribution: burn},
		{Feature: "schedule_elapsed_fraction", Contribution: elapsed},
	}
	if burn > contingencyWarnBurn && burn > elapsed {
		drivers = append(drivers, explain.Driver{
			Feature:      "burn_ahead_of_schedule",
			Contribution: burn - elapsed,
		})
	}
	if burn == 0 && elapsed == 0 {
		drivers = []explain.Driver{{Feature: "no_activity", Contribution: 1}}
	}
	encoded, err := encodeDrivers(drivers)
	if err != nil {
		return storage.Forecast{}, err
	}

	f := newRecord(ModelContingency, projectID, asOf)
	f.Point = projected
	f.IntervalLow = clamp(projected*(1-contingencyBand), 0, contingencyMaxBurn)
	f.IntervalHigh = clamp(projected*(1+contingencyBand), 0, contingencyMaxBurn)
	if f.IntervalHigh == 0 {
		// A zero projection still reports an uncertainty band.
		f.IntervalHigh = 0.01
	}
	f.Drivers = encoded
	return f, nil
}

func elapsedFraction(p storage.Project, asOf time.Time) float64 {
	if p.PlannedStart.IsZero() || p.PlannedEnd.IsZero() || !p.PlannedEnd.After(p.PlannedStart) {
		return 0
	}
	total := p.PlannedEnd.Sub(p.PlannedStart)
	done := asOf.Sub(p.PlannedStart)
	return clamp(float64(done)/float64(total), 0, 1)
}
