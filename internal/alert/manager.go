// Package alert owns the alert lifecycle: creation from scored
// patterns, snapshot updates on re-detection, and the human-facing
// status state machine.
package alert

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// ErrInvalidTransition is returned for a status change outside the
// permitted graph. The prior state is preserved.
var ErrInvalidTransition = errors.New("invalid alert status transition")

// ErrResolutionDateRequired is returned when a resolve request carries
// no resolution date.
var ErrResolutionDateRequired = errors.New("resolving an alert requires a resolution date")

// Store is the subset of alert persistence the manager needs.
type Store interface {
	InsertAlert(a storage.Alert) error
	GetActiveAlertBySignature(signature string) (storage.Alert, error)
	GetAlert(id string) (storage.Alert, error)
	UpdateAlertSnapshot(id string, severity float64, coCount, projectCount int, aggregateAmount float64, patternID string) error
	TransitionAlert(id, fromStatus, toStatus, actor, note string, resolutionDate time.Time) error
}

// Manager serializes alert writes per signature and enforces the
// transition graph.
type Manager struct {
	store     Store
	threshold float64
	logger    *slog.Logger

	mu       sync.Mutex
	sigLocks map[string]*sync.Mutex
}

// NewManager creates a Manager. Patterns scoring at or above threshold
// raise alerts.
func NewManager(store Store, threshold float64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		threshold: threshold,
		logger:    logger,
		sigLocks:  make(map[string]*sync.Mutex),
	}
}

// lockSignature returns the mutex for one signature, creating it on
// first use. All alert writes for a signature happen under this lock.
func (m *Manager) lockSignature(sig string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.sigLocks[sig]
	if !ok {
		l = &sync.Mutex{}
		m.sigLocks[sig] = l
	}
	return l
}

// Evaluate reconciles one pattern against its alert state. An active
// alert gets its snapshot refreshed; otherwise a NEW alert is created
// when the score crosses the threshold. Returns true when a new alert
// was created.
func (m *Manager) Evaluate(p storage.Pattern) (bool, error) {
	l := m.lockSignature(p.Signature)
	l.Lock()
	defer l.Unlock()

	active, err := m.store.GetActiveAlertBySignature(p.Signature)
	switch {
	case err == nil:
		if err := m.store.UpdateAlertSnapshot(active.ID, p.RiskScore, p.ItemCount, p.ProjectCount, p.AggregateAmount, p.ID); err != nil {
			return false, fmt.Errorf("updating alert snapshot for %s: %w", p.Signature, err)
		}
		m.logger.Info("alert snapshot updated",
			"alert_id", active.ID, "signature", p.Signature,
			"change_orders", p.ItemCount, "amount", p.AggregateAmount)
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
		// fall through to creation
	default:
		return false, fmt.Errorf("looking up active alert for %s: %w", p.Signature, err)
	}

	if p.RiskScore < m.threshold {
		return false, nil
	}

	a := storage.Alert{
		ID:                uuid.NewString(),
		Signature:         p.Signature,
		PatternID:         p.ID,
		Status:            storage.AlertNew,
		Severity:          p.RiskScore,
		ChangeOrderCount:  p.ItemCount,
		ProjectCount:      p.ProjectCount,
		AggregateAmount:   p.AggregateAmount,
		RecommendedAction: p.RecommendedAction,
	}
	err = m.store.InsertAlert(a)
	if errors.Is(err, storage.ErrDuplicateActiveAlert) {
		// Lost a race with another run; merge into the winner.
		winner, getErr := m.store.GetActiveAlertBySignature(p.Signature)
		if getErr != nil {
			return false, fmt.Errorf("resolving duplicate alert for %s: %w", p.Signature, getErr)
		}
		if err := m.store.UpdateAlertSnapshot(winner.ID, p.RiskScore, p.ItemCount, p.ProjectCount, p.AggregateAmount, p.ID); err != nil {
			return false, fmt.Errorf("merging into winning alert for %s: %w", p.Signature, err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating alert for %s: %w", p.Signature, err)
	}
	m.logger.Info("alert created",
		"alert_id", a.ID, "signature", p.Signature, "severity", p.RiskScore)
	return true, nil
}

// transitions is the permitted status graph. RESOLVED is terminal and
// NEW cannot jump straight to RESOLVED.
var transitions = map[string][]string{
	storage.AlertNew:           {storage.AlertAcknowledged},
	storage.AlertAcknowledged:  {storage.AlertInvestigating, storage.AlertResolved},
	storage.AlertInvestigating: {storage.AlertAcknowledged, storage.AlertResolved},
	storage.AlertResolved:      nil,
}

func allowed(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Acknowledge moves a NEW alert to ACKNOWLEDGED, or INVESTIGATING back
// to ACKNOWLEDGED.
func (m *Manager) Acknowledge(id, actor, note string) (storage.Alert, error) {
	return m.transition(id, storage.AlertAcknowledged, actor, note, time.Time{})
}

// Investigate moves an ACKNOWLEDGED alert to INVESTIGATING.
func (m *Manager) Investigate(id, actor, note string) (storage.Alert, error) {
	return m.transition(id, storage.AlertInvestigating, actor, note, time.Time{})
}

// Resolve terminates an alert. The resolution date is mandatory.
func (m *Manager) Resolve(id, actor, note string, resolutionDate time.Time) (storage.Alert, error) {
	if resolutionDate.IsZero() {
		return storage.Alert{}, ErrResolutionDateRequired
	}
	return m.transition(id, storage.AlertResolved, actor, note, resolutionDate)
}

func (m *Manager) transition(id, toStatus, actor, note string, resolutionDate time.Time) (storage.Alert, error) {
	current, err := m.store.GetAlert(id)
	if err != nil {
		return storage.Alert{}, err
	}

	l := m.lockSignature(current.Signature)
	l.Lock()
	defer l.Unlock()

	// Re-read under the lock; the status may have moved.
	current, err = m.store.GetAlert(id)
	if err != nil {
		return storage.Alert{}, err
	}
	if !allowed(current.Status, toStatus) {
		return storage.Alert{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, toStatus)
	}
	if err := m.store.TransitionAlert(id, current.Status, toStatus, actor, note, resolutionDate); err != nil {
		return storage.Alert{}, err
	}
	m.logger.Info("alert transitioned",
		"alert_id", id, "from", current.Status, "to", toStatus, "actor", actor)
	return m.store.GetAlert(id)
}
