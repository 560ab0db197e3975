package alert

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-delivery/leakwatch/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s, 10.0, nil), s
}

func groundingPattern() storage.Pattern {
	return storage.Pattern{
		ID:                uuid.NewString(),
		Signature:         "conductors,drawings,electrical,grounding,omitted|electrical",
		RunID:             "run-1",
		ClusterID:         "run-1/c1",
		ProjectCount:      4,
		ItemCount:         6,
		AggregateAmount:   18000,
		AverageAmount:     3000,
		DominantKeywords:  `["grounding"]`,
		ProjectIDs:        `["p-1","p-2","p-3","p-4"]`,
		ChangeOrderIDs:    `["co-1","co-2","co-3","co-4","co-5","co-6"]`,
		RiskScore:         12.8,
		RecommendedAction: "Review grounding scope across projects.",
	}
}

// TestEvaluateCreatesAlertAtThreshold checks a pattern scoring above the
// threshold raises exactly one NEW alert, and a rerun of the same
// pattern updates it instead of duplicating it.
func TestEvaluateCreatesAlertAtThreshold(t *testing.T) {
	m, s := newTestManager(t)
	p := groundingPattern()

	created, err := m.Evaluate(p)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !created {
		t.Fatal("score 12.8 >= threshold 10 should create an alert")
	}

	a, err := s.GetActiveAlertBySignature(p.Signature)
	if err != nil {
		t.Fatalf("GetActiveAlertBySignature: %v", err)
	}
	if a.Status != storage.AlertNew {
		t.Errorf("status = %s, want NEW", a.Status)
	}
	if a.Severity != 12.8 || a.ChangeOrderCount != 6 || a.AggregateAmount != 18000 {
		t.Errorf("alert snapshot = %+v, does not match pattern", a)
	}

	// Second evaluation of the same signature updates, never duplicates.
	created, err = m.Evaluate(p)
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if created {
		t.Error("rerun created a second alert for an active signature")
	}

	all, err := s.ListAlerts()
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("alerts = %d, want 1", len(all))
	}
}

func TestEvaluateBelowThreshold(t *testing.T) {
	m, s := newTestManager(t)
	p := groundingPattern()
	p.RiskScore = 9.9

	created, err := m.Evaluate(p)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if created {
		t.Error("score below threshold must not create an alert")
	}
	if _, err := s.GetActiveAlertBySignature(p.Signature); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("lookup error = %v, want ErrNotFound", err)
	}
}

// TestEvaluateSnapshotGrowth checks an existing alert picks up the
// pattern's new size and amount without changing its id or status.
func TestEvaluateSnapshotGrowth(t *testing.T) {
	m, s := newTestManager(t)
	p := groundingPattern()

	if _, err := m.Evaluate(p); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	first, err := s.GetActiveAlertBySignature(p.Signature)
	if err != nil {
		t.Fatalf("GetActiveAlertBySignature: %v", err)
	}

	// Acknowledge, then grow the pattern on the next run.
	if _, err := m.Acknowledge(first.ID, "analyst1", "looking"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	grown := groundingPattern()
	grown.ItemCount = 7
	grown.AggregateAmount = 21000
	grown.RiskScore = 14.3

	created, err := m.Evaluate(grown)
	if err != nil {
		t.Fatalf("Evaluate grown: %v", err)
	}
	if created {
		t.Error("growth of an active signature created a second alert")
	}

	got, err := s.GetAlert(first.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.Status != storage.AlertAcknowledged {
		t.Errorf("status = %s, want ACKNOWLEDGED preserved", got.Status)
	}
	if got.ChangeOrderCount != 7 || got.AggregateAmount != 21000 || got.Severity != 14.3 {
		t.Errorf("snapshot = count %d amount %v severity %v, want 7 / 21000 / 14.3",
			got.ChangeOrderCount, got.AggregateAmount, got.Severity)
	}
}

// TestLifecycle walks NEW -> ACKNOWLEDGED -> INVESTIGATING -> RESOLVED
// and checks the audit trail grows one event per step.
func TestLifecycle(t *testing.T) {
	m, s := newTestManager(t)
	p := groundingPattern()
	if _, err := m.Evaluate(p); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	a, err := s.GetActiveAlertBySignature(p.Signature)
	if err != nil {
		t.Fatalf("GetActiveAlertBySignature: %v", err)
	}

	if a, err = m.Acknowledge(a.ID, "analyst1", ""); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if a.Status != storage.AlertAcknowledged {
		t.Errorf("status = %s, want ACKNOWLEDGED", a.Status)
	}

	if a, err = m.Investigate(a.ID, "analyst1", "auditing bid scope"); err != nil {
		t.Fatalf("Investigate: %v", err)
	}
	if a.Status != storage.AlertInvestigating {
		t.Errorf("status = %s, want INVESTIGATING", a.Status)
	}

	resolved := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if a, err = m.Resolve(a.ID, "analyst1", "spec section updated", resolved); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Status != storage.AlertResolved {
		t.Errorf("status = %s, want RESOLVED", a.Status)
	}
	if !a.ResolutionDate.Equal(resolved) {
		t.Errorf("resolution date = %v, want %v", a.ResolutionDate, resolved)
	}

	events, err := s.ListAlertEvents(a.ID)
	if err != nil {
		t.Fatalf("ListAlertEvents: %v", err)
	}
	// created + three transitions.
	if len(events) != 4 {
		t.Errorf("events = %d, want 4", len(events))
	}
}

func TestResolveRequiresDate(t *testing.T) {
	m, s := newTestManager(t)
	p := groundingPattern()
	if _, err := m.Evaluate(p); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	a, err := s.GetActiveAlertBySignature(p.Signature)
	if err != nil {
		t.Fatalf("GetActiveAlertBySignature: %v", err)
	}
	if _, err := m.Acknowledge(a.ID, "analyst1", ""); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	_, err = m.Resolve(a.ID, "analyst1", "", time.Time{})
	if !errors.Is(err, ErrResolutionDateRequired) {
		t.Errorf("error = %v, want ErrResolutionDateRequired", err)
	}
	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.Status != storage.AlertAcknowledged {
		t.Errorf("status = %s, want ACKNOWLEDGED preserved", got.Status)
	}
}

func TestNewCannotJumpToResolved(t *testing.T) {
	m, s := newTestManager(t)
	p := groundingPattern()
	if _, err := m.Evaluate(p); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	a, err := s.GetActiveAlertBySignature(p.Signature)
	if err != nil {
		t.Fatalf("GetActiveAlertBySignature: %v", err)
	}

	_, err = m.Resolve(a.ID, "analyst1", "", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.Status != storage.AlertNew {
		t.Errorf("status = %s, want NEW preserved", got.Status)
	}
}

// TestRecurrenceAfterResolution checks a resolved signature that scores
// again raises a fresh alert with a new id.
func TestRecurrenceAfterResolution(t *testing.T) {
	m, s := newTestManager(t)
	p := groundingPattern()
	if _, err := m.Evaluate(p); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	first, err := s.GetActiveAlertBySignature(p.Signature)
	if err != nil {
		t.Fatalf("GetActiveAlertBySignature: %v", err)
	}
	if _, err := m.Acknowledge(first.ID, "analyst1", ""); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if _, err := m.Resolve(first.ID, "analyst1", "fixed", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	recurrence := groundingPattern()
	created, err := m.Evaluate(recurrence)
	if err != nil {
		t.Fatalf("Evaluate recurrence: %v", err)
	}
	if !created {
		t.Fatal("recurrence after resolution should create a new alert")
	}
	second, err := s.GetActiveAlertBySignature(p.Signature)
	if err != nil {
		t.Fatalf("GetActiveAlertBySignature: %v", err)
	}
	if second.ID == first.ID {
		t.Error("recurrence reused the resolved alert's id")
	}
	if second.Status != storage.AlertNew {
		t.Errorf("status = %s, want NEW", second.Status)
	}
}

// racingStore simulates a concurrent writer: by the time the insert
// runs, another process has already created the active alert for the
// signature, so the insert reports a unique violation.
type racingStore struct {
	*storage.Store
	inserts int
}

func (s *racingStore) InsertAlert(a storage.Alert) error {
	s.inserts++
	rival := a
	rival.ID = uuid.NewString()
	rival.ChangeOrderCount = 5
	rival.AggregateAmount = 15000
	rival.Severity = 11.0
	if err := s.Store.InsertAlert(rival); err != nil {
		return err
	}
	return storage.ErrDuplicateActiveAlert
}

// TestEvaluateMergesOnInsertCollision covers the window between the
// active-alert lookup and the insert. Losing that race must merge the
// pattern into the winning alert instead of failing the run.
func TestEvaluateMergesOnInsertCollision(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	rs := &racingStore{Store: s}
	m := NewManager(rs, 10.0, nil)
	p := groundingPattern()

	created, err := m.Evaluate(p)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if created {
		t.Error("losing the insert race must not report a new alert")
	}
	if rs.inserts != 1 {
		t.Errorf("inserts = %d, want 1", rs.inserts)
	}

	winner, err := s.GetActiveAlertBySignature(p.Signature)
	if err != nil {
		t.Fatalf("GetActiveAlertBySignature: %v", err)
	}
	if winner.ChangeOrderCount != 6 || winner.AggregateAmount != 18000 || winner.Severity != 12.8 {
		t.Errorf("snapshot = count %d amount %v severity %v, want pattern merged into winner",
			winner.ChangeOrderCount, winner.AggregateAmount, winner.Severity)
	}

	all, err := s.ListAlerts()
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("alerts = %d, want 1", len(all))
	}
	events, err := s.ListAlertEvents(winner.ID)
	if err != nil {
		t.Fatalf("ListAlertEvents: %v", err)
	}
	var snapshots int
	for _, e := range events {
		if e.EventType == "snapshot" {
			snapshots++
		}
	}
	if snapshots != 1 {
		t.Errorf("snapshot events = %d, want 1", snapshots)
	}
}

func TestUnknownAlert(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Acknowledge("nope", "analyst1", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
