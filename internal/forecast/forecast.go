// Package forecast runs the four predictive models (cost at
// completion, schedule slip, vendor risk, contingency depletion) under
// one contract. The models are mutually independent and share no
// mutable state; each appends immutable forecast rows.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-delivery/leakwatch/internal/explain"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// Model names, shared with the explainability store's artifact keys.
const (
	ModelEAC         = "eac"
	ModelSchedule    = "schedule-slip"
	ModelVendorRisk  = "vendor-risk"
	ModelContingency = "contingency-depletion"
)

const suiteVersion = "1.0.0"

// Forecaster is the uniform contract across the model suite.
type Forecaster interface {
	ModelName() string
	// Predict produces one forecast for the subject at the as-of date.
	Predict(ctx context.Context, subjectID string, asOf time.Time) (storage.Forecast, error)
}

// Store is the read-side data the models consume.
type Store interface {
	GetProject(id string) (storage.Project, error)
	GetVendor(id string) (storage.Vendor, error)
	ListChangeOrdersByProject(projectID string) ([]storage.ChangeOrder, error)
	ListChangeOrdersByVendor(vendorID string) ([]storage.ChangeOrder, error)
	GetClassifications(changeOrderID string) ([]storage.Classification, error)
}

// Calibrator supplies the stored calibration curve for a model, or the
// identity curve when none exists.
type Calibrator interface {
	LatestCalibration(modelName string) (explain.CalibrationCurve, error)
}

// Sink receives completed forecast rows.
type Sink interface {
	SaveForecast(f storage.Forecast) error
}

// Suite runs all four models in parallel over their subjects.
type Suite struct {
	projectModels []Forecaster
	vendorModels  []Forecaster
	sink          Sink
	logger        *slog.Logger
}

// NewSuite wires the four models to shared read-side data and the
// calibration source.
func NewSuite(data Store, cal Calibrator, sink Sink, logger *slog.Logger) *Suite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suite{
		projectModels: []Forecaster{
			NewEAC(data),
			NewSchedule(data, cal),
			NewContingency(data),
		},
		vendorModels: []Forecaster{
			NewVendorRisk(data, cal),
		},
		sink:   sink,
		logger: logger,
	}
}

// Run predicts for every subject under every model, validating each
// record before it is persisted. Models run in parallel; a model
// failing on one subject aborts the run.
func (s *Suite) Run(ctx context.Context, projectIDs, vendorIDs []string, asOf time.Time) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, m := range s.projectModels {
		m := m
		g.Go(func() error { return s.runModel(gCtx, m, projectIDs, asOf) })
	}
	for _, m := range s.vendorModels {
		m := m
		g.Go(func() error { return s.runModel(gCtx, m, vendorIDs, asOf) })
	}
	return g.Wait()
}

func (s *Suite) runModel(ctx context.Context, m Forecaster, subjects []string, asOf time.Time) error {
	for _, id := range subjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := m.Predict(ctx, id, asOf)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("forecast subject missing", "model", m.ModelName(), "subject_id", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s forecast for %s: %w", m.ModelName(), id, err)
		}
		if err := explain.ValidateForecast(f); err != nil {
			return fmt.Errorf("%s forecast for %s rejected: %w", m.ModelName(), id, err)
		}
		if err := s.sink.SaveForecast(f); err != nil {
			return fmt.Errorf("saving %s forecast for %s: %w", m.ModelName(), id, err)
		}
	}
	s.logger.Info("forecast model completed", "model", m.ModelName(), "subjects", len(subjects))
	return nil
}

// newRecord fills the fields every model produces identically.
func newRecord(modelName, subjectID string, asOf time.Time) storage.Forecast {
	return storage.Forecast{
		ID:           uuid.NewString(),
		ModelName:    modelName,
		ModelVersion: suiteVersion,
		SubjectID:    subjectID,
		AsOf:         asOf,
		CreatedAt:    time.Now().UTC(),
	}
}

// encodeDrivers normalizes contributions to sum 1, orders them
// descending, and marshals them for storage. Zero-weight drivers are
// dropped.
func encodeDrivers(drivers []explain.Driver) (string, error) {
	var sum float64
	for _, d := range drivers {
		sum += d.Contribution
	}
	if sum <= 0 {
		return "", fmt.Errorf("driver contributions sum to %.4f", sum)
	}
	kept := make([]explain.Driver, 0, len(drivers))
	for _, d := range drivers {
		if d.Contribution <= 0 {
			continue
		}
		d.Contribution /= sum
		kept = append(kept, d)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Contribution > kept[j].Contribution
	})
	b, err := json.Marshal(kept)
	if err != nil {
		return "", fmt.Errorf("marshaling drivers: %w", err)
	}
	return string(b), nil
}

// recentWindow is how far back the models look for change-order
// velocity signals.
const recentWindow = 90 * 24 * time.Hour

// recentApproved counts approved change orders inside the velocity
// window and sums their amounts.
func recentApproved(cos []storage.ChangeOrder, asOf time.Time) (int, float64) {
	var n int
	var amount float64
	cutoff := asOf.Add(-recentWindow)
	for _, co := range cos {
		if co.Status != storage.StatusApproved || co.ApprovalDate.IsZero() {
			continue
		}
		if co.ApprovalDate.After(cutoff) && !co.ApprovalDate.After(asOf) {
			n++
			amount += co.Amount
		}
	}
	return n, amount
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
