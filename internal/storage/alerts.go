package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrStaleStatus is returned when a compare-and-set status update finds
// the alert no longer in the expected state.
var ErrStaleStatus = errors.New("alert status changed concurrently")

// ErrDuplicateActiveAlert is returned when an insert collides with the
// one-active-alert-per-signature constraint.
var ErrDuplicateActiveAlert = errors.New("active alert already exists for signature")

// --- Patterns ---

const patternColumns = `id, signature, run_id, cluster_id, project_count, item_count,
	aggregate_amount, average_amount, dominant_vendor_id, dominant_trade,
	dominant_keywords, project_ids, change_order_ids, risk_score,
	recommended_action, created_at`

// UpsertPattern replaces the current materialization for the pattern's
// signature in a single transaction, so an aborted run never leaves a
// half-written pattern.
func (s *Store) UpsertPattern(p Pattern) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning pattern upsert: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM patterns WHERE signature = ?`, p.Signature); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing previous pattern for %s: %w", p.Signature, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Signature, p.RunID, p.ClusterID, p.ProjectCount, p.ItemCount,
		p.AggregateAmount, p.AverageAmount, p.DominantVendorID, p.DominantTrade,
		p.DominantKeywords, p.ProjectIDs, p.ChangeOrderIDs, p.RiskScore,
		p.RecommendedAction, formatTime(createdAt),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting pattern %s: %w", p.Signature, err)
	}
	return tx.Commit()
}

// ListPatterns returns the current patterns in presentation order:
// aggregate amount descending.
func (s *Store) ListPatterns() ([]Pattern, error) {
	rows, err := s.db.Query(`SELECT ` + patternColumns + ` FROM patterns ORDER BY aggregate_amount DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	var results []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) GetPatternBySignature(signature string) (Pattern, error) {
	row := s.db.QueryRow(`SELECT `+patternColumns+` FROM patterns WHERE signature = ?`, signature)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return Pattern{}, ErrNotFound
	}
	return p, err
}

func scanPattern(row rowScanner) (Pattern, error) {
	var p Pattern
	var createdAt string
	if err := row.Scan(&p.ID, &p.Signature, &p.RunID, &p.ClusterID, &p.ProjectCount,
		&p.ItemCount, &p.AggregateAmount, &p.AverageAmount, &p.DominantVendorID,
		&p.DominantTrade, &p.DominantKeywords, &p.ProjectIDs, &p.ChangeOrderIDs,
		&p.RiskScore, &p.RecommendedAction, &createdAt); err != nil {
		return Pattern{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Pattern{}, fmt.Errorf("parsing created_at for pattern %s: %w", p.ID, err)
	}
	p.CreatedAt = t
	return p, nil
}

// --- Alerts ---

const alertColumns = `id, signature, pattern_id, status, severity, change_order_count,
	project_count, aggregate_amount, recommended_action, resolution_date,
	created_at, updated_at`

// InsertAlert creates a NEW alert and its "created" event in one
// transaction. The partial unique index on active signatures turns a
// concurrent duplicate into ErrDuplicateActiveAlert, which the caller
// resolves by merging into the winner's snapshot.
func (s *Store) InsertAlert(a Alert) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning alert insert: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Signature, a.PatternID, a.Status, a.Severity, a.ChangeOrderCount,
		a.ProjectCount, a.AggregateAmount, a.RecommendedAction,
		nullTime(a.ResolutionDate), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return ErrDuplicateActiveAlert
		}
		return fmt.Errorf("inserting alert for %s: %w", a.Signature, err)
	}
	if err := insertAlertEvent(tx, AlertEvent{
		ID:        uuid.New().String(),
		AlertID:   a.ID,
		EventType: "created",
		ToStatus:  a.Status,
		CreatedAt: now,
	}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation matches SQLite unique-constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetActiveAlertBySignature returns the non-RESOLVED alert for a
// signature, or ErrNotFound.
func (s *Store) GetActiveAlertBySignature(signature string) (Alert, error) {
	row := s.db.QueryRow(`
		SELECT `+alertColumns+` FROM alerts
		WHERE signature = ? AND status != ?`, signature, AlertResolved)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return Alert{}, ErrNotFound
	}
	return a, err
}

func (s *Store) GetAlert(id string) (Alert, error) {
	row := s.db.QueryRow(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return Alert{}, ErrNotFound
	}
	return a, err
}

func (s *Store) ListAlerts() ([]Alert, error) {
	rows, err := s.db.Query(`SELECT ` + alertColumns + ` FROM alerts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var results []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// UpdateAlertSnapshot refreshes an active alert's current metrics after
// its pattern grew, appending a "snapshot" event. History rows are never
// rewritten.
func (s *Store) UpdateAlertSnapshot(id string, severity float64, coCount, projectCount int, aggregateAmount float64, patternID string) error {
	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot update: %w", err)
	}
	res, err := tx.Exec(`
		UPDATE alerts SET severity = ?, change_order_count = ?, project_count = ?,
			aggregate_amount = ?, pattern_id = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		severity, coCount, projectCount, aggregateAmount, patternID,
		formatTime(now), id, AlertResolved)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("updating alert snapshot %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		tx.Rollback()
		return ErrNotFound
	}
	if err := insertAlertEvent(tx, AlertEvent{
		ID:        uuid.New().String(),
		AlertID:   id,
		EventType: "snapshot",
		Note:      fmt.Sprintf("count=%d projects=%d amount=%.2f", coCount, projectCount, aggregateAmount),
		CreatedAt: now,
	}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// TransitionAlert moves an alert from one status to another with a
// compare-and-set on the prior status. The transition graph itself is
// enforced by the alert package; this method guarantees atomicity and
// appends the transition event.
func (s *Store) TransitionAlert(id, fromStatus, toStatus, actor, note string, resolutionDate time.Time) error {
	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transition: %w", err)
	}
	res, err := tx.Exec(`
		UPDATE alerts SET status = ?, resolution_date = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		toStatus, nullTime(resolutionDate), formatTime(now), id, fromStatus)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("transitioning alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		tx.Rollback()
		var exists int
		if qErr := s.db.QueryRow(`SELECT COUNT(*) FROM alerts WHERE id = ?`, id).Scan(&exists); qErr == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	if err := insertAlertEvent(tx, AlertEvent{
		ID:         uuid.New().String(),
		AlertID:    id,
		EventType:  "transition",
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Actor:      actor,
		Note:       note,
		CreatedAt:  now,
	}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) ListAlertEvents(alertID string) ([]AlertEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, alert_id, event_type, from_status, to_status, actor, note, created_at
		FROM alert_events WHERE alert_id = ? ORDER BY created_at ASC, id ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("querying alert events: %w", err)
	}
	defer rows.Close()

	var events []AlertEvent
	for rows.Next() {
		var e AlertEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.AlertID, &e.EventType, &e.FromStatus,
			&e.ToStatus, &e.Actor, &e.Note, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for event %s: %w", e.ID, err)
		}
		e.CreatedAt = t
		events = append(events, e)
	}
	return events, rows.Err()
}

func insertAlertEvent(tx *sql.Tx, e AlertEvent) error {
	_, err := tx.Exec(`
		INSERT INTO alert_events (id, alert_id, event_type, from_status, to_status, actor, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AlertID, e.EventType, e.FromStatus, e.ToStatus, e.Actor, e.Note,
		formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting alert event: %w", err)
	}
	return nil
}

func scanAlert(row rowScanner) (Alert, error) {
	var a Alert
	var resolution sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.Signature, &a.PatternID, &a.Status, &a.Severity,
		&a.ChangeOrderCount, &a.ProjectCount, &a.AggregateAmount,
		&a.RecommendedAction, &resolution, &createdAt, &updatedAt); err != nil {
		return Alert{}, err
	}
	var err error
	if a.ResolutionDate, err = scanNullTime(resolution); err != nil {
		return Alert{}, fmt.Errorf("parsing resolution_date for alert %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Alert{}, fmt.Errorf("parsing created_at for alert %s: %w", a.ID, err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Alert{}, fmt.Errorf("parsing updated_at for alert %s: %w", a.ID, err)
	}
	return a, nil
}
