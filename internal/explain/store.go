// Package explain persists per-model-version explainability bundles
// and gatekeeps forecast records: nothing reaches decision-makers as a
// bare point estimate, and probability models must be calibrated.
package explain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// ErrAlreadyRecorded is returned when an artifact already exists for a
// model version. Artifacts are write-once; newer versions supersede,
// nothing overwrites.
var ErrAlreadyRecorded = errors.New("artifact already recorded for model version")

// ErrInconsistentRanks is returned when stored importance ranks do not
// match the descending-importance sort order.
var ErrInconsistentRanks = errors.New("importance ranks inconsistent with descending importance order")

// ErrBarePointEstimate is returned when a forecast carries neither an
// interval nor a calibrated probability.
var ErrBarePointEstimate = errors.New("forecast carries neither interval bounds nor calibrated probability")

// Importance is one feature's global importance with its rank and the
// dispersion of its effect across the evaluation set.
type Importance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
	Rank       int     `json:"rank"`
	Dispersion float64 `json:"dispersion"`
}

// PDPPoint is one grid sample of a partial-dependence curve. The p10
// and p90 bounds let a renderer show dispersion, not just the mean.
type PDPPoint struct {
	Value float64 `json:"value"`
	Mean  float64 `json:"mean"`
	P10   float64 `json:"p10"`
	P90   float64 `json:"p90"`
}

// PDPCurve is the partial-dependence samples for one feature.
type PDPCurve struct {
	Feature string     `json:"feature"`
	Points  []PDPPoint `json:"points"`
}

// CalibrationBin maps a raw-probability interval to the observed
// outcome rate inside it.
type CalibrationBin struct {
	Low           float64 `json:"low"`
	High          float64 `json:"high"`
	MeanPredicted float64 `json:"meanPredicted"`
	ObservedRate  float64 `json:"observedRate"`
	Count         int     `json:"count"`
}

// CalibrationCurve maps raw model outputs to calibrated probabilities.
// An empty curve is the identity mapping with version "none".
type CalibrationCurve struct {
	Version string           `json:"version"`
	Bins    []CalibrationBin `json:"bins"`
}

// IdentityCurve passes raw values through unchanged. Used when no
// artifact has been recorded for a model yet.
var IdentityCurve = CalibrationCurve{Version: "none"}

// Apply maps a raw probability through the curve. Values outside [0,1]
// are clamped first.
func (c CalibrationCurve) Apply(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > 1 {
		raw = 1
	}
	for _, b := range c.Bins {
		if raw >= b.Low && raw < b.High {
			return b.ObservedRate
		}
	}
	if n := len(c.Bins); n > 0 && raw == c.Bins[n-1].High {
		return c.Bins[n-1].ObservedRate
	}
	return raw
}

// ConfusionCell is one (actual, predicted) count.
type ConfusionCell struct {
	Actual    string `json:"actual"`
	Predicted string `json:"predicted"`
	Count     int    `json:"count"`
}

// Driver is one ranked attribution on a forecast. Contributions of a
// record sum to 1.
type Driver struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// Artifact is the decoded explainability bundle for one model version.
type Artifact struct {
	ModelName    string
	ModelVersion string
	Importances  []Importance
	PDPCurves    []PDPCurve
	Calibration  CalibrationCurve
	Confusion    []ConfusionCell
	CreatedAt    time.Time
}

// Storage is the artifact persistence the store needs.
type Storage interface {
	SaveArtifact(a storage.Artifact) error
	GetArtifact(modelName, modelVersion string) (storage.Artifact, error)
	LatestArtifact(modelName string) (storage.Artifact, error)
}

// Store validates and persists artifacts and answers calibration
// lookups for the forecast models.
type Store struct {
	db Storage
}

func NewStore(db Storage) *Store {
	return &Store{db: db}
}

// Record writes an artifact once. Ranks must already match descending
// importance order; a mismatch is rejected rather than silently fixed,
// since it means the producer and the ranking disagree.
func (s *Store) Record(a Artifact) error {
	if err := checkRanks(a.Importances); err != nil {
		return err
	}
	row, err := encode(a)
	if err != nil {
		return err
	}
	err = s.db.SaveArtifact(row)
	if errors.Is(err, storage.ErrAlreadyRecorded) {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyRecorded, a.ModelName, a.ModelVersion)
	}
	return err
}

// Get retrieves the artifact for an exact model version.
func (s *Store) Get(modelName, modelVersion string) (Artifact, error) {
	row, err := s.db.GetArtifact(modelName, modelVersion)
	if err != nil {
		return Artifact{}, err
	}
	return decode(row)
}

// Latest retrieves the newest artifact for a model.
func (s *Store) Latest(modelName string) (Artifact, error) {
	row, err := s.db.LatestArtifact(modelName)
	if err != nil {
		return Artifact{}, err
	}
	return decode(row)
}

// LatestCalibration returns the newest calibration curve for a model,
// falling back to the identity curve when nothing has been recorded.
func (s *Store) LatestCalibration(modelName string) (CalibrationCurve, error) {
	a, err := s.Latest(modelName)
	if errors.Is(err, storage.ErrNotFound) {
		return IdentityCurve, nil
	}
	if err != nil {
		return CalibrationCurve{}, err
	}
	if len(a.Calibration.Bins) == 0 {
		return IdentityCurve, nil
	}
	return a.Calibration, nil
}

const driverSumTolerance = 1e-6

// ValidateForecast rejects forecasts that would mislead a reader: bare
// point estimates and driver lists that do not account for the whole
// prediction.
func ValidateForecast(f storage.Forecast) error {
	hasInterval := f.IntervalLow != 0 || f.IntervalHigh != 0
	if !hasInterval && f.CalibratedProbability == nil {
		return fmt.Errorf("%w: %s/%s subject %s", ErrBarePointEstimate, f.ModelName, f.ModelVersion, f.SubjectID)
	}
	if hasInterval && f.IntervalLow > f.IntervalHigh {
		return fmt.Errorf("forecast interval inverted: low %.4f > high %.4f", f.IntervalLow, f.IntervalHigh)
	}
	var drivers []Driver
	if err := json.Unmarshal([]byte(f.Drivers), &drivers); err != nil {
		return fmt.Errorf("decoding forecast drivers: %w", err)
	}
	if len(drivers) == 0 {
		return fmt.Errorf("forecast %s/%s has no driver attributions", f.ModelName, f.ModelVersion)
	}
	var sum float64
	for i, d := range drivers {
		sum += d.Contribution
		if i > 0 && d.Contribution > drivers[i-1].Contribution {
			return fmt.Errorf("forecast drivers not ranked: %q above %q", drivers[i-1].Feature, d.Feature)
		}
	}
	if math.Abs(sum-1.0) > driverSumTolerance {
		return fmt.Errorf("forecast driver contributions sum to %.8f, want 1", sum)
	}
	return nil
}

func checkRanks(imps []Importance) error {
	sorted := append([]Importance(nil), imps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Importance > sorted[j].Importance
	})
	byFeature := make(map[string]int, len(imps))
	for _, im := range imps {
		byFeature[im.Feature] = im.Rank
	}
	for i, im := range sorted {
		if byFeature[im.Feature] != i+1 {
			return fmt.Errorf("%w: feature %q has rank %d, expected %d",
				ErrInconsistentRanks, im.Feature, byFeature[im.Feature], i+1)
		}
	}
	return nil
}

func encode(a Artifact) (storage.Artifact, error) {
	imps, err := json.Marshal(a.Importances)
	if err != nil {
		return storage.Artifact{}, fmt.Errorf("marshaling importances: %w", err)
	}
	pdp, err := json.Marshal(a.PDPCurves)
	if err != nil {
		return storage.Artifact{}, fmt.Errorf("marshaling pdp curves: %w", err)
	}
	cal, err := json.Marshal(a.Calibration)
	if err != nil {
		return storage.Artifact{}, fmt.Errorf("marshaling calibration: %w", err)
	}
	conf, err := json.Marshal(a.Confusion)
	if err != nil {
		return storage.Artifact{}, fmt.Errorf("marshaling confusion: %w", err)
	}
	return storage.Artifact{
		ModelName:    a.ModelName,
		ModelVersion: a.ModelVersion,
		Importances:  string(imps),
		PDPCurves:    string(pdp),
		Calibration:  string(cal),
		Confusion:    string(conf),
		CreatedAt:    a.CreatedAt,
	}, nil
}

func decode(row storage.Artifact) (Artifact, error) {
	a := Artifact{
		ModelName:    row.ModelName,
		ModelVersion: row.ModelVersion,
		CreatedAt:    row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Importances), &a.Importances); err != nil {
		return Artifact{}, fmt.Errorf("decoding importances for %s/%s: %w", row.ModelName, row.ModelVersion, err)
	}
	if err := json.Unmarshal([]byte(row.PDPCurves), &a.PDPCurves); err != nil {
		return Artifact{}, fmt.Errorf("decoding pdp curves for %s/%s: %w", row.ModelName, row.ModelVersion, err)
	}
	if err := json.Unmarshal([]byte(row.Calibration), &a.Calibration); err != nil {
		return Artifact{}, fmt.Errorf("decoding calibration for %s/%s: %w", row.ModelName, row.ModelVersion, err)
	}
	if err := json.Unmarshal([]byte(row.Confusion), &a.Confusion); err != nil {
		return Artifact{}, fmt.Errorf("decoding confusion for %s/%s: %w", row.ModelName, row.ModelVersion, err)
	}
	return a, nil
}
