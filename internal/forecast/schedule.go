package forecast

import (
	"context"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/explain"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

const (
	slipBaseRate  = 0.05
	slipSPIWeight = 1.5
	slipPerCO     = 0.03
	slipMinRaw    = 0.01
	slipMaxRaw    = 0.99
)

// Schedule estimates the probability that a project slips its planned
// end date. Raw outputs are systematically overconfident and are always
// mapped through the stored calibration curve before being reported.
type Schedule struct {
	data Store
	cal  Calibrator
}

func NewSchedule(data Store, cal Calibrator) *Schedule {
	return &Schedule{data: data, cal: cal}
}

func (m *Schedule) ModelName() string { return ModelSchedule }

func (m *Schedule) Predict(ctx context.Context, projectID string, asOf time.Time) (storage.Forecast, error) {
	p, err := m.data.GetProject(projectID)
	if err != nil {
		return storage.Forecast{}, err
	}
	cos, err := m.data.ListChangeOrdersByProject(projectID)
	if err != nil {
		return storage.Forecast{}, err
	}

	recentCount, _ := recentApproved(cos, asOf)
	spiTerm := 0.0
	if p.SPI > 0 && p.SPI < 1 {
		spiTerm = slipSPIWeight * (1 - p.SPI)
	}
	coTerm := slipPerCO * float64(recentCount)
	raw := clamp(slipBaseRate+spiTerm+coTerm, slipMinRaw, slipMaxRaw)

	curve, err := m.cal.LatestCalibration(ModelSchedule)
	if err != nil {
		return storage.Forecast{}, err
	}
	calibrated := curve.Apply(raw)

	drivers, err := encodeDrivers([]explain.Driver{
		{Feature: "spi", Contribution: spiTerm},
		{Feature: "recent_change_orders", Contribution: coTerm},
		{Feature: "baseline_slip_rate", Contribution: slipBaseRate},
	})
	if err != nil {
		return storage.Forecast{}, err
	}

	f := newRecord(ModelSchedule, projectID, asOf)
	f.Point = raw
	f.CalibratedProbability = &calibrated
	f.CalibrationVersion = curve.Version
	f.Drivers = drivers
	return f, nil
}
