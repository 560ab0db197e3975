package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const classificationColumns = `id, change_order_id, category, confidence, probabilities,
	top_keywords, attributions, cluster_id, model_name, model_version, created_at`

// SaveClassification inserts a classification row if no row exists for
// the same (change order, model, version). Returns true if a row was
// written. Reruns with an unchanged model version are no-ops, which keeps
// the pipeline idempotent at the classification level.
func (s *Store) SaveClassification(c Classification) (bool, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO classifications (`+classificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_order_id, model_name, model_version) DO NOTHING`,
		c.ID, c.ChangeOrderID, c.Category, c.Confidence, c.Probabilities,
		c.TopKeywords, c.Attributions, c.ClusterID, c.ModelName, c.ModelVersion,
		formatTime(createdAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting classification for %s: %w", c.ChangeOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetClassifications returns all classification rows for a change order,
// newest model version first. Multiple rows mean multiple model versions;
// the history is retained for audit and drift analysis.
func (s *Store) GetClassifications(changeOrderID string) ([]Classification, error) {
	rows, err := s.db.Query(`
		SELECT `+classificationColumns+` FROM classifications
		WHERE change_order_id = ? ORDER BY created_at DESC, model_version DESC`,
		changeOrderID)
	if err != nil {
		return nil, fmt.Errorf("querying classifications for %s: %w", changeOrderID, err)
	}
	defer rows.Close()
	return collectClassifications(rows)
}

// ListClassificationsByModel returns all rows for one model version,
// ordered by change order id.
func (s *Store) ListClassificationsByModel(modelName, modelVersion string) ([]Classification, error) {
	rows, err := s.db.Query(`
		SELECT `+classificationColumns+` FROM classifications
		WHERE model_name = ? AND model_version = ? ORDER BY change_order_id ASC`,
		modelName, modelVersion)
	if err != nil {
		return nil, fmt.Errorf("querying classifications for %s/%s: %w", modelName, modelVersion, err)
	}
	defer rows.Close()
	return collectClassifications(rows)
}

// UpdateClusterAssignments rewrites the ephemeral cluster_id of the given
// change orders for one model version. Cluster ids drift between runs;
// consumers resolve membership through pattern change-order-id sets.
func (s *Store) UpdateClusterAssignments(modelName, modelVersion, clusterID string, changeOrderIDs []string) error {
	if len(changeOrderIDs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(changeOrderIDs)+3)
	args = append(args, clusterID, modelName, modelVersion)
	for _, id := range changeOrderIDs {
		args = append(args, id)
	}
	query := `UPDATE classifications SET cluster_id = ?
		WHERE model_name = ? AND model_version = ?
		AND change_order_id IN (?` + strings.Repeat(",?", len(changeOrderIDs)-1) + `)`
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("updating cluster assignments: %w", err)
	}
	return nil
}

func collectClassifications(rows *sql.Rows) ([]Classification, error) {
	var results []Classification
	for rows.Next() {
		var c Classification
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ChangeOrderID, &c.Category, &c.Confidence,
			&c.Probabilities, &c.TopKeywords, &c.Attributions, &c.ClusterID,
			&c.ModelName, &c.ModelVersion, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for classification %s: %w", c.ID, err)
		}
		c.CreatedAt = t
		results = append(results, c)
	}
	return results, rows.Err()
}
