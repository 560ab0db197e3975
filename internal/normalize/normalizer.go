// Package normalize converts heterogeneous feed records into canonical
// change-order records, flagging data-quality problems instead of
// dropping them.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// FeedRecord is the inbound change-order feed shape (§6).
type FeedRecord struct {
	ID                string   `json:"id"`
	ProjectID         string   `json:"projectId"`
	VendorID          string   `json:"vendorId"`
	Amount            *float64 `json:"amount"`
	Status            string   `json:"status"`
	ReasonText        *string  `json:"reasonText"`
	JustificationText *string  `json:"justificationText"`
	CostCode          string   `json:"costCode"`
	SubmitDate        string   `json:"submitDate"`
	ApprovalDate      *string  `json:"approvalDate"`
}

// DataQualityError describes a missing or malformed required field on an
// approved record. Records with data-quality problems are stored with an
// exclusion reason and counted per run, never silently dropped.
type DataQualityError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: record %s field %s: %s", e.RecordID, e.Field, e.Reason)
}

var validStatuses = map[string]bool{
	storage.StatusDraft:     true,
	storage.StatusSubmitted: true,
	storage.StatusApproved:  true,
	storage.StatusRejected:  true,
	storage.StatusVoid:      true,
}

// Record normalizes one feed record. A returned *DataQualityError means
// the record was still normalized but carries an exclusion reason; a
// plain error means the record is unusable (no id).
func Record(f FeedRecord) (storage.ChangeOrder, *DataQualityError, error) {
	if strings.TrimSpace(f.ID) == "" {
		return storage.ChangeOrder{}, nil, fmt.Errorf("feed record has no id")
	}

	co := storage.ChangeOrder{
		ID:       strings.TrimSpace(f.ID),
		Status:   strings.ToUpper(strings.TrimSpace(f.Status)),
		CostCode: strings.TrimSpace(f.CostCode),
	}
	co.ProjectID = strings.TrimSpace(f.ProjectID)
	co.VendorID = strings.TrimSpace(f.VendorID)
	if f.Amount != nil {
		co.Amount = *f.Amount
	}
	if f.ReasonText != nil {
		co.ReasonText = strings.TrimSpace(*f.ReasonText)
	}
	if f.JustificationText != nil {
		co.JustificationText = strings.TrimSpace(*f.JustificationText)
	}

	dq := validate(&co, f)
	if dq != nil {
		co.ExcludedReason = dq.Reason
	}
	return co, dq, nil
}

// validate checks required fields and parses dates. The first problem
// found wins; approved records with problems become exclusions.
func validate(co *storage.ChangeOrder, f FeedRecord) *DataQualityError {
	var dq *DataQualityError
	flag := func(field, reason string) {
		if dq == nil {
			dq = &DataQualityError{RecordID: co.ID, Field: field, Reason: reason}
		}
	}

	if !validStatuses[co.Status] {
		flag("status", fmt.Sprintf("unknown status %q", co.Status))
	}
	if co.ProjectID == "" {
		flag("projectId", "missing project id")
	}
	if co.VendorID == "" {
		flag("vendorId", "missing vendor id")
	}
	if f.Amount == nil {
		flag("amount", "missing amount")
	} else if *f.Amount < 0 {
		flag("amount", "negative amount")
	}
	if co.CostCode == "" {
		flag("costCode", "missing cost code")
	}

	if f.SubmitDate == "" {
		flag("submitDate", "missing submit date")
	} else if t, err := parseDate(f.SubmitDate); err != nil {
		flag("submitDate", fmt.Sprintf("malformed date %q", f.SubmitDate))
	} else {
		co.SubmitDate = t
	}

	if f.ApprovalDate != nil && *f.ApprovalDate != "" {
		if t, err := parseDate(*f.ApprovalDate); err != nil {
			flag("approvalDate", fmt.Sprintf("malformed date %q", *f.ApprovalDate))
		} else {
			co.ApprovalDate = t
		}
	}
	if co.Status == storage.StatusApproved && co.ApprovalDate.IsZero() {
		flag("approvalDate", "approved record without approval date")
	}

	return dq
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// VendorFeed and ProjectFeed are the reference feed shapes (§6).

type VendorFeed struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TradeCategory string `json:"tradeCategory"`
	Type          string `json:"type"`
}

func Vendor(f VendorFeed) (storage.Vendor, error) {
	if strings.TrimSpace(f.ID) == "" {
		return storage.Vendor{}, fmt.Errorf("vendor feed record has no id")
	}
	return storage.Vendor{
		ID:            strings.TrimSpace(f.ID),
		Name:          strings.TrimSpace(f.Name),
		TradeCategory: strings.ToUpper(strings.TrimSpace(f.TradeCategory)),
		Type:          strings.TrimSpace(f.Type),
	}, nil
}

type ProjectFeed struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	OriginalBudget    float64 `json:"originalBudget"`
	CurrentBudget     float64 `json:"currentBudget"`
	ContingencyBudget float64 `json:"contingencyBudget"`
	ContingencyUsed   float64 `json:"contingencyUsed"`
	CPI               float64 `json:"cpi"`
	SPI               float64 `json:"spi"`
	PlannedStart      string  `json:"plannedStart"`
	PlannedEnd        string  `json:"plannedEnd"`
}

func Project(f ProjectFeed) (storage.Project, error) {
	if strings.TrimSpace(f.ID) == "" {
		return storage.Project{}, fmt.Errorf("project feed record has no id")
	}
	p := storage.Project{
		ID:                strings.TrimSpace(f.ID),
		Name:              strings.TrimSpace(f.Name),
		OriginalBudget:    f.OriginalBudget,
		CurrentBudget:     f.CurrentBudget,
		ContingencyBudget: f.ContingencyBudget,
		ContingencyUsed:   f.ContingencyUsed,
		CPI:               f.CPI,
		SPI:               f.SPI,
	}
	if f.PlannedStart != "" {
		t, err := parseDate(f.PlannedStart)
		if err != nil {
			return storage.Project{}, fmt.Errorf("project %s: %w", p.ID, err)
		}
		p.PlannedStart = t
	}
	if f.PlannedEnd != "" {
		t, err := parseDate(f.PlannedEnd)
		if err != nil {
			return storage.Project{}, fmt.Errorf("project %s: %w", p.ID, err)
		}
		p.PlannedEnd = t
	}
	return p, nil
}
