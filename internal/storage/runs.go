package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// --- Run queue ---
//
// Pipeline runs are queued rows drained by a single polling worker, which
// serializes whole batch runs. Failed runs retry with exponential backoff
// until max_attempts; nothing retries beyond that until the next
// scheduled run is enqueued.

func (s *Store) EnqueueRun(run Run) error {
	now := time.Now().UTC()
	runAfter := run.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	maxAttempts := run.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, 'pending', 0, ?, ?, ?, ?)`,
		run.ID, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("enqueueing run %s: %w", run.ID, err)
	}
	return nil
}

// ClaimNextRun atomically claims the oldest due pending run, or returns
// nil if none is due.
func (s *Store) ClaimNextRun() (*Run, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var r Run
	var runAfter, createdAt string
	err = tx.QueryRow(`
		SELECT id, status, attempts, max_attempts, run_after, report, last_error, created_at
		FROM runs
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, formatTime(now),
	).Scan(&r.ID, &r.Status, &r.Attempts, &r.MaxAttempts, &runAfter, &r.Report, &r.LastError, &createdAt)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next run: %w", err)
	}

	res, err := tx.Exec(`UPDATE runs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
		formatTime(now), r.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	r.Status = "running"
	r.UpdatedAt = now
	if r.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for run %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for run %s: %w", r.ID, err)
	}
	return &r, nil
}

// CompleteRun marks a run completed and stores its stage report.
func (s *Store) CompleteRun(id, report string) error {
	res, err := s.db.Exec(`UPDATE runs SET status = 'completed', report = ?, updated_at = ? WHERE id = ?`,
		report, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailRun records a failure; the run re-enters the queue with exponential
// backoff until attempts reach max_attempts, then stays failed.
func (s *Store) FailRun(id, report, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM runs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE runs SET status = 'failed', attempts = ?, report = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, report, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Minute
		_, err = tx.Exec(`UPDATE runs SET status = 'pending', attempts = ?, report = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, report, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) GetRun(id string) (Run, error) {
	var r Run
	var runAfter, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, status, attempts, max_attempts, run_after, report, last_error, created_at, updated_at
		FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Status, &r.Attempts, &r.MaxAttempts, &runAfter, &r.Report,
		&r.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	if r.RunAfter, err = parseTime(runAfter); err != nil {
		return Run{}, fmt.Errorf("parsing run_after for run %s: %w", id, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Run{}, fmt.Errorf("parsing created_at for run %s: %w", id, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Run{}, fmt.Errorf("parsing updated_at for run %s: %w", id, err)
	}
	return r, nil
}

// --- Run exclusions ---

// SaveExclusions records which approved change orders were withheld from
// a run and why. Idempotent per (run, change order).
func (s *Store) SaveExclusions(exclusions []Exclusion) error {
	if len(exclusions) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning exclusion insert: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO run_exclusions (run_id, change_order_id, reason) VALUES (?, ?, ?)
		ON CONFLICT(run_id, change_order_id) DO UPDATE SET reason = excluded.reason`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing exclusion insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range exclusions {
		if _, err := stmt.Exec(e.RunID, e.ChangeOrderID, e.Reason); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting exclusion for %s: %w", e.ChangeOrderID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListExclusions(runID string) ([]Exclusion, error) {
	rows, err := s.db.Query(`
		SELECT run_id, change_order_id, reason FROM run_exclusions
		WHERE run_id = ? ORDER BY change_order_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying exclusions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var results []Exclusion
	for rows.Next() {
		var e Exclusion
		if err := rows.Scan(&e.RunID, &e.ChangeOrderID, &e.Reason); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
