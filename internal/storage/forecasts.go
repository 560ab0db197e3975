package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRecorded is returned when writing an explainability artifact
// for a (model, version) pair that already has one.
var ErrAlreadyRecorded = errors.New("artifact already recorded for model version")

// --- Forecasts ---

const forecastColumns = `id, model_name, model_version, subject_id, as_of, point,
	interval_low, interval_high, calibrated_probability, calibration_version,
	drivers, created_at`

// SaveForecast appends a forecast record. Forecast rows accumulate over
// time; none are deleted.
func (s *Store) SaveForecast(f Forecast) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var calibrated interface{}
	if f.CalibratedProbability != nil {
		calibrated = *f.CalibratedProbability
	}
	_, err := s.db.Exec(`
		INSERT INTO forecasts (`+forecastColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ModelName, f.ModelVersion, f.SubjectID, formatTime(f.AsOf),
		f.Point, f.IntervalLow, f.IntervalHigh, calibrated, f.CalibrationVersion,
		f.Drivers, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting forecast %s/%s: %w", f.ModelName, f.SubjectID, err)
	}
	return nil
}

// ListForecasts returns forecasts for a subject, optionally filtered by
// model name, newest as-of first.
func (s *Store) ListForecasts(subjectID, modelName string) ([]Forecast, error) {
	query := `SELECT ` + forecastColumns + ` FROM forecasts WHERE subject_id = ?`
	args := []interface{}{subjectID}
	if modelName != "" {
		query += ` AND model_name = ?`
		args = append(args, modelName)
	}
	query += ` ORDER BY as_of DESC, created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying forecasts for %s: %w", subjectID, err)
	}
	defer rows.Close()

	var results []Forecast
	for rows.Next() {
		var f Forecast
		var asOf, createdAt string
		var calibrated sql.NullFloat64
		if err := rows.Scan(&f.ID, &f.ModelName, &f.ModelVersion, &f.SubjectID,
			&asOf, &f.Point, &f.IntervalLow, &f.IntervalHigh, &calibrated,
			&f.CalibrationVersion, &f.Drivers, &createdAt); err != nil {
			return nil, err
		}
		if calibrated.Valid {
			v := calibrated.Float64
			f.CalibratedProbability = &v
		}
		if f.AsOf, err = parseTime(asOf); err != nil {
			return nil, fmt.Errorf("parsing as_of for forecast %s: %w", f.ID, err)
		}
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for forecast %s: %w", f.ID, err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// --- Explainability artifacts ---

// SaveArtifact writes an artifact exactly once per (model, version).
// Newer versions supersede older ones; nothing is overwritten.
func (s *Store) SaveArtifact(a Artifact) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO explainability_artifacts
			(model_name, model_version, importances, pdp_curves, calibration, confusion, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_name, model_version) DO NOTHING`,
		a.ModelName, a.ModelVersion, a.Importances, a.PDPCurves, a.Calibration,
		a.Confusion, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting artifact %s/%s: %w", a.ModelName, a.ModelVersion, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyRecorded
	}
	return nil
}

func (s *Store) GetArtifact(modelName, modelVersion string) (Artifact, error) {
	row := s.db.QueryRow(`
		SELECT model_name, model_version, importances, pdp_curves, calibration, confusion, created_at
		FROM explainability_artifacts WHERE model_name = ? AND model_version = ?`,
		modelName, modelVersion)
	return scanArtifact(row)
}

// LatestArtifact returns the most recently recorded artifact for a model.
func (s *Store) LatestArtifact(modelName string) (Artifact, error) {
	row := s.db.QueryRow(`
		SELECT model_name, model_version, importances, pdp_curves, calibration, confusion, created_at
		FROM explainability_artifacts WHERE model_name = ?
		ORDER BY created_at DESC, model_version DESC LIMIT 1`, modelName)
	return scanArtifact(row)
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var a Artifact
	var createdAt string
	err := row.Scan(&a.ModelName, &a.ModelVersion, &a.Importances, &a.PDPCurves,
		&a.Calibration, &a.Confusion, &createdAt)
	if err == sql.ErrNoRows {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Artifact{}, fmt.Errorf("parsing created_at for artifact %s/%s: %w", a.ModelName, a.ModelVersion, err)
	}
	return a, nil
}
