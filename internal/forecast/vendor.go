package forecast

import (
	"context"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/classify"
	"github.com/atlas-delivery/leakwatch/internal/explain"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

const (
	vendorBaseRate       = 0.02
	vendorPerCO          = 0.05
	vendorCOCap          = 0.5
	vendorScopeGapWeight = 0.5
)

// Vendor risk tiers, highest first.
const (
	TierCritical = "critical"
	TierHigh     = "high"
	TierMedium   = "medium"
	TierLow      = "low"
)

// VendorTier buckets a calibrated vendor-risk probability.
func VendorTier(p float64) string {
	switch {
	case p >= 0.75:
		return TierCritical
	case p >= 0.5:
		return TierHigh
	case p >= 0.25:
		return TierMedium
	default:
		return TierLow
	}
}

// VendorRisk scores the probability that a vendor causes cost leakage,
// from their change-order rate and the share of their change orders
// classified as scope gaps. Calibrated like the schedule model.
type VendorRisk struct {
	data Store
	cal  Calibrator
}

func NewVendorRisk(data Store, cal Calibrator) *VendorRisk {
	return &VendorRisk{data: data, cal: cal}
}

func (m *VendorRisk) ModelName() string { return ModelVendorRisk }

func (m *VendorRisk) Predict(ctx context.Context, vendorID string, asOf time.Time) (storage.Forecast, error) {
	if _, err := m.data.GetVendor(vendorID); err != nil {
		return storage.Forecast{}, err
	}
	cos, err := m.data.ListChangeOrdersByVendor(vendorID)
	if err != nil {
		return storage.Forecast{}, err
	}

	var approved, scopeGaps int
	for _, co := range cos {
		if co.Status != storage.StatusApproved {
			continue
		}
		approved++
		cls, err := m.data.GetClassifications(co.ID)
		if err != nil {
			return storage.Forecast{}, err
		}
		// Newest classification wins; history rows are for audit.
		if len(cls) > 0 && cls[0].Category == classify.ScopeGap {
			scopeGaps++
		}
	}

	coTerm := clamp(vendorPerCO*float64(approved), 0, vendorCOCap)
	gapTerm := 0.0
	if approved > 0 {
		gapTerm = vendorScopeGapWeight * float64(scopeGaps) / float64(approved)
	}
	raw := clamp(vendorBaseRate+coTerm+gapTerm, slipMinRaw, slipMaxRaw)

	curve, err := m.cal.LatestCalibration(ModelVendorRisk)
	if err != nil {
		return storage.Forecast{}, err
	}
	calibrated := curve.Apply(raw)

	drivers, err := encodeDrivers([]explain.Driver{
		{Feature: "change_order_rate", Contribution: coTerm},
		{Feature: "scope_gap_share", Contribution: gapTerm},
		{Feature: "baseline_vendor_rate", Contribution: vendorBaseRate},
	})
	if err != nil {
		return storage.Forecast{}, err
	}

	f := newRecord(ModelVendorRisk, vendorID, asOf)
	f.Point = raw
	f.CalibratedProbability = &calibrated
	f.CalibrationVersion = curve.Version
	f.Drivers = drivers
	return f, nil
}
