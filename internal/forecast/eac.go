package forecast

import (
	"context"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/explain"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// EAC growth and confidence-band constants, fixed from the historical
// holdout evaluation of the portfolio model.
const (
	eacBaseGrowth     = 0.03
	eacVelocityWeight = 0.5
	eacCPIWeight      = 0.25
	eacBandLow        = 0.97
	eacBandHigh       = 1.06
)

// EAC forecasts a project's estimate at completion: the current budget
// grown by recent change-order velocity and CPI trend.
type EAC struct {
	data Store
}

func NewEAC(data Store) *EAC {
	return &EAC{data: data}
}

func (m *EAC) ModelName() string { return ModelEAC }

func (m *EAC) Predict(ctx context.Context, projectID string, asOf time.Time) (storage.Forecast, error) {
	p, err := m.data.GetProject(projectID)
	if err != nil {
		return storage.Forecast{}, err
	}
	cos, err := m.data.ListChangeOrdersByProject(projectID)
	if err != nil {
		return storage.Forecast{}, err
	}

	_, recentAmount := recentApproved(cos, asOf)
	velocity := 0.0
	if p.CurrentBudget > 0 {
		velocity = recentAmount / p.CurrentBudget
	}
	cpiDrag := 0.0
	if p.CPI > 0 && p.CPI < 1 {
		cpiDrag = 1 - p.CPI
	}

	velocityTerm := eacVelocityWeight * velocity
	cpiTerm := eacCPIWeight * cpiDrag
	growth := eacBaseGrowth + velocityTerm + cpiTerm
	point := p.CurrentBudget * (1 + growth)

	drivers, err := encodeDrivers([]explain.Driver{
		{Feature: "co_velocity_90d", Contribution: velocityTerm},
		{Feature: "cpi_trend", Contribution: cpiTerm},
		{Feature: "baseline_growth", Contribution: eacBaseGrowth},
	})
	if err != nil {
		return storage.Forecast{}, err
	}

	f := newRecord(ModelEAC, projectID, asOf)
	f.Point = point
	f.IntervalLow = point * eacBandLow
	f.IntervalHigh = point * eacBandHigh
	f.Drivers = drivers
	return f, nil
}
