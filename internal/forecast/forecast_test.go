package forecast

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/classify"
	"github.com/atlas-delivery/leakwatch/internal/explain"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

var asOf = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestData(t *testing.T) (*storage.Store, *explain.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, explain.NewStore(s)
}

func seedProject(t *testing.T, s *storage.Store, p storage.Project) {
	t.Helper()
	if err := s.UpsertProjects([]storage.Project{p}); err != nil {
		t.Fatalf("UpsertProjects: %v", err)
	}
}

func approvedCO(id, projectID, vendorID string, amount float64, approved time.Time) storage.ChangeOrder {
	return storage.ChangeOrder{
		ID:           id,
		ProjectID:    projectID,
		VendorID:     vendorID,
		Amount:       amount,
		Status:       storage.StatusApproved,
		ReasonText:   "grounding conductors omitted",
		CostCode:     "26-0500",
		SubmitDate:   approved.AddDate(0, 0, -10),
		ApprovalDate: approved,
	}
}

func decodeDrivers(t *testing.T, encoded string) []explain.Driver {
	t.Helper()
	var drivers []explain.Driver
	if err := json.Unmarshal([]byte(encoded), &drivers); err != nil {
		t.Fatalf("decoding drivers: %v", err)
	}
	return drivers
}

func checkDrivers(t *testing.T, drivers []explain.Driver) {
	t.Helper()
	if len(drivers) == 0 {
		t.Fatal("no drivers")
	}
	var sum float64
	for i, d := range drivers {
		sum += d.Contribution
		if i > 0 && d.Contribution > drivers[i-1].Contribution {
			t.Errorf("drivers not ranked descending at %d: %v", i, drivers)
		}
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("driver contributions sum to %v, want 1", sum)
	}
}

// TestEACPrediction checks the point estimate and the fixed confidence
// band around it.
func TestEACPrediction(t *testing.T) {
	s, _ := newTestData(t)
	seedProject(t, s, storage.Project{ID: "p-1", CurrentBudget: 1_000_000, CPI: 0.9})
	if err := s.UpsertChangeOrders([]storage.ChangeOrder{
		approvedCO("co-1", "p-1", "v-1", 50_000, asOf.AddDate(0, 0, -30)),
	}); err != nil {
		t.Fatalf("UpsertChangeOrders: %v", err)
	}

	f, err := NewEAC(s).Predict(context.Background(), "p-1", asOf)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	// growth = 0.03 base + 0.5*(50000/1000000) velocity + 0.25*(1-0.9) cpi = 0.08
	wantPoint := 1_000_000 * 1.08
	if math.Abs(f.Point-wantPoint) > 1e-6 {
		t.Errorf("Point = %v, want %v", f.Point, wantPoint)
	}
	if math.Abs(f.IntervalLow-wantPoint*0.97) > 1e-6 {
		t.Errorf("IntervalLow = %v, want %v", f.IntervalLow, wantPoint*0.97)
	}
	if math.Abs(f.IntervalHigh-wantPoint*1.06) > 1e-6 {
		t.Errorf("IntervalHigh = %v, want %v", f.IntervalHigh, wantPoint*1.06)
	}

	checkDrivers(t, decodeDrivers(t, f.Drivers))
	if err := explain.ValidateForecast(f); err != nil {
		t.Errorf("forecast fails validation: %v", err)
	}
}

func TestEACIgnoresOldChangeOrders(t *testing.T) {
	s, _ := newTestData(t)
	seedProject(t, s, storage.Project{ID: "p-1", CurrentBudget: 1_000_000, CPI: 1.0})
	if err := s.UpsertChangeOrders([]storage.ChangeOrder{
		approvedCO("co-old", "p-1", "v-1", 500_000, asOf.AddDate(0, -6, 0)),
	}); err != nil {
		t.Fatalf("UpsertChangeOrders: %v", err)
	}

	f, err := NewEAC(s).Predict(context.Background(), "p-1", asOf)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	// Only baseline growth: nothing approved in the last 90 days, CPI healthy.
	if math.Abs(f.Point-1_030_000) > 1e-6 {
		t.Errorf("Point = %v, want 1030000", f.Point)
	}
}

// TestSchedulePrediction checks the raw probability and that it is
// reported through the calibration curve, identity when none is stored.
func TestSchedulePrediction(t *testing.T) {
	s, cal := newTestData(t)
	seedProject(t, s, storage.Project{ID: "p-1", CurrentBudget: 1_000_000, SPI: 0.9})
	if err := s.UpsertChangeOrders([]storage.ChangeOrder{
		approvedCO("co-1", "p-1", "v-1", 20_000, asOf.AddDate(0, 0, -15)),
	}); err != nil {
		t.Fatalf("UpsertChangeOrders: %v", err)
	}

	f, err := NewSchedule(s, cal).Predict(context.Background(), "p-1", asOf)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	// raw = 0.05 base + 1.5*(1-0.9) spi + 0.03*1 recent = 0.23
	if math.Abs(f.Point-0.23) > 1e-9 {
		t.Errorf("Point = %v, want 0.23", f.Point)
	}
	if f.CalibratedProbability == nil {
		t.Fatal("no calibrated probability")
	}
	if *f.CalibratedProbability != f.Point {
		t.Errorf("identity calibration changed the value: %v", *f.CalibratedProbability)
	}
	if f.CalibrationVersion != "none" {
		t.Errorf("CalibrationVersion = %q, want none", f.CalibrationVersion)
	}
	checkDrivers(t, decodeDrivers(t, f.Drivers))
}

func TestScheduleUsesStoredCalibration(t *testing.T) {
	s, cal := newTestData(t)
	seedProject(t, s, storage.Project{ID: "p-1", CurrentBudget: 1_000_000, SPI: 0.9})

	err := cal.Record(explain.Artifact{
		ModelName:    ModelSchedule,
		ModelVersion: "1.0.0",
		Calibration: explain.CalibrationCurve{
			Version: "cal-7",
			Bins: []explain.CalibrationBin{
				{Low: 0, High: 0.5, ObservedRate: 0.1},
				{Low: 0.5, High: 1, ObservedRate: 0.7},
			},
		},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	f, err := NewSchedule(s, cal).Predict(context.Background(), "p-1", asOf)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	// raw = 0.05 + 0.15 = 0.20, first bin observes 0.1.
	if f.CalibratedProbability == nil || *f.CalibratedProbability != 0.1 {
		t.Errorf("calibrated = %v, want 0.1", f.CalibratedProbability)
	}
	if f.CalibrationVersion != "cal-7" {
		t.Errorf("CalibrationVersion = %q, want cal-7", f.CalibrationVersion)
	}
}

func TestVendorRiskPrediction(t *testing.T) {
	s, cal := newTestData(t)
	if err := s.UpsertVendors([]storage.Vendor{{ID: "v-1", Name: "Acme Electric", TradeCategory: "ELECTRICAL"}}); err != nil {
		t.Fatalf("UpsertVendors: %v", err)
	}
	cos := []storage.ChangeOrder{
		approvedCO("co-1", "p-1", "v-1", 3000, asOf.AddDate(0, 0, -30)),
		approvedCO("co-2", "p-2", "v-1", 4000, asOf.AddDate(0, 0, -20)),
	}
	if err := s.UpsertChangeOrders(cos); err != nil {
		t.Fatalf("UpsertChangeOrders: %v", err)
	}
	if _, err := s.SaveClassification(storage.Classification{
		ID: "cl-1", ChangeOrderID: "co-1", Category: classify.ScopeGap,
		Confidence: 0.8, Probabilities: "{}", TopKeywords: "[]", Attributions: "{}",
		ModelName: classify.ModelName, ModelVersion: "1.0.0",
	}); err != nil {
		t.Fatalf("SaveClassification: %v", err)
	}

	f, err := NewVendorRisk(s, cal).Predict(context.Background(), "v-1", asOf)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	// raw = 0.02 base + 0.05*2 rate + 0.5*(1/2) scope-gap share = 0.37
	if math.Abs(f.Point-0.37) > 1e-9 {
		t.Errorf("Point = %v, want 0.37", f.Point)
	}
	if f.CalibratedProbability == nil {
		t.Fatal("no calibrated probability")
	}
	checkDrivers(t, decodeDrivers(t, f.Drivers))
}

func TestVendorTierBoundaries(t *testing.T) {
	cases := []struct {
		p    float64
		want string
	}{
		{0.9, TierCritical},
		{0.75, TierCritical},
		{0.74, TierHigh},
		{0.5, TierHigh},
		{0.49, TierMedium},
		{0.25, TierMedium},
		{0.24, TierLow},
		{0, TierLow},
	}
	for _, tc := range cases {
		if got := VendorTier(tc.p); got != tc.want {
			t.Errorf("VendorTier(%v) = %q, want %q", tc.p, got, tc.want)
		}
	}
}

// TestContingencyBurnAheadOfSchedule checks the extrapolation and the
// warning driver when the burn outpaces the schedule.
func TestContingencyBurnAheadOfSchedule(t *testing.T) {
	s, _ := newTestData(t)
	seedProject(t, s, storage.Project{
		ID:                "p-1",
		ContingencyBudget: 100_000,
		ContingencyUsed:   70_000,
		PlannedStart:      asOf.AddDate(-1, 0, 0),
		PlannedEnd:        asOf.AddDate(1, 0, 0),
	})

	f, err := NewContingency(s).Predict(context.Background(), "p-1", asOf)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	// burn 0.7 over elapsed ~0.5 projects to ~1.4 of contingency.
	if f.Point < 1.3 || f.Point > 1.5 {
		t.Errorf("Point = %v, want roughly 1.4", f.Point)
	}
	if f.IntervalLow >= f.Point || f.IntervalHigh <= f.Point {
		t.Errorf("interval [%v, %v] does not bracket point %v", f.IntervalLow, f.IntervalHigh, f.Point)
	}

	drivers := decodeDrivers(t, f.Drivers)
	checkDrivers(t, drivers)
	var warned bool
	for _, d := range drivers {
		if d.Feature == "burn_ahead_of_schedule" {
			warned = true
		}
	}
	if !warned {
		t.Errorf("drivers = %v, want burn_ahead_of_schedule", drivers)
	}
}

func TestContingencyNoActivity(t *testing.T) {
	s, _ := newTestData(t)
	seedProject(t, s, storage.Project{ID: "p-idle"})

	f, err := NewContingency(s).Predict(context.Background(), "p-idle", asOf)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if f.Point != 0 {
		t.Errorf("Point = %v, want 0", f.Point)
	}
	drivers := decodeDrivers(t, f.Drivers)
	if len(drivers) != 1 || drivers[0].Feature != "no_activity" {
		t.Errorf("drivers = %v, want single no_activity", drivers)
	}
	if err := explain.ValidateForecast(f); err != nil {
		t.Errorf("idle forecast fails validation: %v", err)
	}
}

// TestSuiteRun runs all four models end to end and checks every model
// persisted a validated row for its subjects.
func TestSuiteRun(t *testing.T) {
	s, cal := newTestData(t)
	seedProject(t, s, storage.Project{
		ID: "p-1", CurrentBudget: 1_000_000, CPI: 0.95, SPI: 0.9,
		ContingencyBudget: 100_000, ContingencyUsed: 30_000,
		PlannedStart: asOf.AddDate(-1, 0, 0), PlannedEnd: asOf.AddDate(1, 0, 0),
	})
	if err := s.UpsertVendors([]storage.Vendor{{ID: "v-1", Name: "Acme Electric"}}); err != nil {
		t.Fatalf("UpsertVendors: %v", err)
	}
	if err := s.UpsertChangeOrders([]storage.ChangeOrder{
		approvedCO("co-1", "p-1", "v-1", 25_000, asOf.AddDate(0, 0, -40)),
	}); err != nil {
		t.Fatalf("UpsertChangeOrders: %v", err)
	}

	suite := NewSuite(s, cal, s, nil)
	if err := suite.Run(context.Background(), []string{"p-1"}, []string{"v-1"}, asOf); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, model := range []string{ModelEAC, ModelSchedule, ModelContingency} {
		rows, err := s.ListForecasts("p-1", model)
		if err != nil {
			t.Fatalf("ListForecasts(%s): %v", model, err)
		}
		if len(rows) != 1 {
			t.Errorf("%s forecasts = %d, want 1", model, len(rows))
		}
	}
	rows, err := s.ListForecasts("v-1", ModelVendorRisk)
	if err != nil {
		t.Fatalf("ListForecasts(vendor-risk): %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("vendor-risk forecasts = %d, want 1", len(rows))
	}
}

// TestSuiteSkipsMissingSubjects checks an unknown subject is skipped
// with a warning instead of failing the whole run.
func TestSuiteSkipsMissingSubjects(t *testing.T) {
	s, cal := newTestData(t)

	suite := NewSuite(s, cal, s, nil)
	if err := suite.Run(context.Background(), []string{"p-ghost"}, nil, asOf); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rows, err := s.ListForecasts("p-ghost", ModelEAC)
	if err != nil {
		t.Fatalf("ListForecasts: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("forecasts for missing subject = %d, want 0", len(rows))
	}
}
