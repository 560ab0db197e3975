package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Change orders ---

const changeOrderColumns = `id, project_id, vendor_id, amount, status, reason_text,
	justification_text, cost_code, submit_date, approval_date, excluded_reason, created_at`

// UpsertChangeOrders writes a batch of canonical records. Existing rows
// are replaced field-for-field except created_at, which is preserved.
func (s *Store) UpsertChangeOrders(records []ChangeOrder) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO change_orders (` + changeOrderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			vendor_id = excluded.vendor_id,
			amount = excluded.amount,
			status = excluded.status,
			reason_text = excluded.reason_text,
			justification_text = excluded.justification_text,
			cost_code = excluded.cost_code,
			submit_date = excluded.submit_date,
			approval_date = excluded.approval_date,
			excluded_reason = excluded.excluded_reason`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(
			r.ID, r.ProjectID, r.VendorID, r.Amount, r.Status, r.ReasonText,
			r.JustificationText, r.CostCode, formatTime(r.SubmitDate),
			nullTime(r.ApprovalDate), r.ExcludedReason, formatTime(createdAt),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting change order %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetChangeOrder(id string) (ChangeOrder, error) {
	row := s.db.QueryRow(`SELECT `+changeOrderColumns+` FROM change_orders WHERE id = ?`, id)
	co, err := scanChangeOrder(row)
	if err == sql.ErrNoRows {
		return ChangeOrder{}, ErrNotFound
	}
	return co, err
}

// ListEligibleChangeOrders returns approved records with a narrative and
// no data-quality exclusion, ordered by id for deterministic processing.
func (s *Store) ListEligibleChangeOrders() ([]ChangeOrder, error) {
	rows, err := s.db.Query(`
		SELECT `+changeOrderColumns+` FROM change_orders
		WHERE status = ? AND reason_text != '' AND excluded_reason = ''
		ORDER BY id ASC`, StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("querying eligible change orders: %w", err)
	}
	defer rows.Close()
	return collectChangeOrders(rows)
}

// ListChangeOrdersByProject returns all records for one project.
func (s *Store) ListChangeOrdersByProject(projectID string) ([]ChangeOrder, error) {
	rows, err := s.db.Query(`
		SELECT `+changeOrderColumns+` FROM change_orders
		WHERE project_id = ? ORDER BY submit_date ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying change orders for project %s: %w", projectID, err)
	}
	defer rows.Close()
	return collectChangeOrders(rows)
}

// ListChangeOrdersByVendor returns all records for one vendor.
func (s *Store) ListChangeOrdersByVendor(vendorID string) ([]ChangeOrder, error) {
	rows, err := s.db.Query(`
		SELECT `+changeOrderColumns+` FROM change_orders
		WHERE vendor_id = ? ORDER BY submit_date ASC`, vendorID)
	if err != nil {
		return nil, fmt.Errorf("querying change orders for vendor %s: %w", vendorID, err)
	}
	defer rows.Close()
	return collectChangeOrders(rows)
}

// CountExcludedApproved counts approved records withheld from detection,
// grouped by exclusion reason. Empty narratives are reported under
// "missing_narrative" so exclusion stays observable rather than silent.
func (s *Store) CountExcludedApproved() (map[string]int, error) {
	counts := make(map[string]int)

	rows, err := s.db.Query(`
		SELECT excluded_reason, COUNT(*) FROM change_orders
		WHERE status = ? AND excluded_reason != ''
		GROUP BY excluded_reason`, StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("counting excluded records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing int
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM change_orders
		WHERE status = ? AND reason_text = '' AND excluded_reason = ''`,
		StatusApproved).Scan(&missing)
	if err != nil {
		return nil, fmt.Errorf("counting missing narratives: %w", err)
	}
	if missing > 0 {
		counts["missing_narrative"] = missing
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChangeOrder(row rowScanner) (ChangeOrder, error) {
	var co ChangeOrder
	var submitDate, createdAt string
	var approvalDate sql.NullString
	if err := row.Scan(
		&co.ID, &co.ProjectID, &co.VendorID, &co.Amount, &co.Status, &co.ReasonText,
		&co.JustificationText, &co.CostCode, &submitDate, &approvalDate,
		&co.ExcludedReason, &createdAt,
	); err != nil {
		return ChangeOrder{}, err
	}

	var err error
	if co.SubmitDate, err = parseTime(submitDate); err != nil {
		return ChangeOrder{}, fmt.Errorf("parsing submit_date for %s: %w", co.ID, err)
	}
	if co.ApprovalDate, err = scanNullTime(approvalDate); err != nil {
		return ChangeOrder{}, fmt.Errorf("parsing approval_date for %s: %w", co.ID, err)
	}
	if co.CreatedAt, err = parseTime(createdAt); err != nil {
		return ChangeOrder{}, fmt.Errorf("parsing created_at for %s: %w", co.ID, err)
	}
	return co, nil
}

func collectChangeOrders(rows *sql.Rows) ([]ChangeOrder, error) {
	var results []ChangeOrder
	for rows.Next() {
		co, err := scanChangeOrder(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, co)
	}
	return results, rows.Err()
}

// --- Vendors ---

func (s *Store) UpsertVendors(vendors []Vendor) error {
	if len(vendors) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning vendor upsert: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO vendors (id, name, trade_category, type) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			trade_category = excluded.trade_category,
			type = excluded.type`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing vendor upsert: %w", err)
	}
	defer stmt.Close()
	for _, v := range vendors {
		if _, err := stmt.Exec(v.ID, v.Name, v.TradeCategory, v.Type); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting vendor %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetVendor(id string) (Vendor, error) {
	var v Vendor
	err := s.db.QueryRow(`SELECT id, name, trade_category, type FROM vendors WHERE id = ?`, id).
		Scan(&v.ID, &v.Name, &v.TradeCategory, &v.Type)
	if err == sql.ErrNoRows {
		return Vendor{}, ErrNotFound
	}
	return v, err
}

func (s *Store) ListVendors() ([]Vendor, error) {
	rows, err := s.db.Query(`SELECT id, name, trade_category, type FROM vendors ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vendors []Vendor
	for rows.Next() {
		var v Vendor
		if err := rows.Scan(&v.ID, &v.Name, &v.TradeCategory, &v.Type); err != nil {
			return nil, err
		}
		vendors = append(vendors, v)
	}
	return vendors, rows.Err()
}

// --- Projects ---

func (s *Store) UpsertProjects(projects []Project) error {
	if len(projects) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning project upsert: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO projects (id, name, original_budget, current_budget,
			contingency_budget, contingency_used, cpi, spi, planned_start, planned_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			original_budget = excluded.original_budget,
			current_budget = excluded.current_budget,
			contingency_budget = excluded.contingency_budget,
			contingency_used = excluded.contingency_used,
			cpi = excluded.cpi,
			spi = excluded.spi,
			planned_start = excluded.planned_start,
			planned_end = excluded.planned_end`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing project upsert: %w", err)
	}
	defer stmt.Close()
	for _, p := range projects {
		if _, err := stmt.Exec(p.ID, p.Name, p.OriginalBudget, p.CurrentBudget,
			p.ContingencyBudget, p.ContingencyUsed, p.CPI, p.SPI,
			nullTime(p.PlannedStart), nullTime(p.PlannedEnd)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting project %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetProject(id string) (Project, error) {
	var p Project
	var start, end sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, original_budget, current_budget, contingency_budget,
			contingency_used, cpi, spi, planned_start, planned_end
		FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.OriginalBudget, &p.CurrentBudget,
			&p.ContingencyBudget, &p.ContingencyUsed, &p.CPI, &p.SPI, &start, &end)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	if p.PlannedStart, err = scanNullTime(start); err != nil {
		return Project{}, fmt.Errorf("parsing planned_start for %s: %w", id, err)
	}
	if p.PlannedEnd, err = scanNullTime(end); err != nil {
		return Project{}, fmt.Errorf("parsing planned_end for %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, original_budget, current_budget, contingency_budget,
			contingency_used, cpi, spi, planned_start, planned_end
		FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var start, end sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.OriginalBudget, &p.CurrentBudget,
			&p.ContingencyBudget, &p.ContingencyUsed, &p.CPI, &p.SPI, &start, &end); err != nil {
			return nil, err
		}
		if p.PlannedStart, err = scanNullTime(start); err != nil {
			return nil, fmt.Errorf("parsing planned_start for %s: %w", p.ID, err)
		}
		if p.PlannedEnd, err = scanNullTime(end); err != nil {
			return nil, fmt.Errorf("parsing planned_end for %s: %w", p.ID, err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
