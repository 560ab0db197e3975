package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Change order statuses as they arrive on the inbound feed.
const (
	StatusDraft     = "DRAFT"
	StatusSubmitted = "SUBMITTED"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
	StatusVoid      = "VOID"
)

// ChangeOrder is the canonical change-order record. The narrative fields
// are immutable once the record is approved; classification output lives
// in its own table and never touches these columns.
type ChangeOrder struct {
	ID                string
	ProjectID         string
	VendorID          string
	Amount            float64
	Status            string
	ReasonText        string
	JustificationText string
	CostCode          string
	SubmitDate        time.Time
	ApprovalDate      time.Time // zero if not approved
	ExcludedReason    string    // empty if eligible for classification/clustering
	CreatedAt         time.Time
}

// Eligible reports whether the record participates in classification and
// clustering: approved, narrative present, no data-quality exclusion.
func (c ChangeOrder) Eligible() bool {
	return c.Status == StatusApproved && c.ReasonText != "" && c.ExcludedReason == ""
}

type Vendor struct {
	ID            string
	Name          string
	TradeCategory string
	Type          string
}

type Project struct {
	ID                string
	Name              string
	OriginalBudget    float64
	CurrentBudget     float64
	ContingencyBudget float64
	ContingencyUsed   float64
	CPI               float64
	SPI               float64
	PlannedStart      time.Time
	PlannedEnd        time.Time
}

// Classification is one model version's output for one change order.
// A new model version appends a new row; history is retained.
type Classification struct {
	ID            string
	ChangeOrderID string
	Category      string
	Confidence    float64
	Probabilities string // JSON object category -> probability
	TopKeywords   string // JSON array stored as text
	Attributions  string // JSON object feature -> signed weight
	ClusterID     string // ephemeral, rewritten by each clustering run
	ModelName     string
	ModelVersion  string
	CreatedAt     time.Time
}

// Pattern is the current materialization of a significant cluster,
// keyed by its stable signature. Fully derived; replaced on rerun.
type Pattern struct {
	ID                string
	Signature         string
	RunID             string
	ClusterID         string
	ProjectCount      int
	ItemCount         int
	AggregateAmount   float64
	AverageAmount     float64
	DominantVendorID  string
	DominantTrade     string
	DominantKeywords  string // JSON array stored as text
	ProjectIDs        string // JSON array stored as text
	ChangeOrderIDs    string // JSON array stored as text
	RiskScore         float64
	RecommendedAction string
	CreatedAt         time.Time
}

// Alert statuses. Transitions are enforced by the alert package; storage
// only persists them.
const (
	AlertNew           = "NEW"
	AlertAcknowledged  = "ACKNOWLEDGED"
	AlertInvestigating = "INVESTIGATING"
	AlertResolved      = "RESOLVED"
)

type Alert struct {
	ID                string
	Signature         string
	PatternID         string
	Status            string
	Severity          float64
	ChangeOrderCount  int
	ProjectCount      int
	AggregateAmount   float64
	RecommendedAction string
	ResolutionDate    time.Time // zero unless resolved
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AlertEvent is an appended history row; existing rows are never mutated.
type AlertEvent struct {
	ID         string
	AlertID    string
	EventType  string // "created", "transition", "snapshot"
	FromStatus string
	ToStatus   string
	Actor      string
	Note       string
	CreatedAt  time.Time
}

// Forecast is one model's prediction for one subject at one as-of date.
// Rows accumulate; none are deleted.
type Forecast struct {
	ID                    string
	ModelName             string
	ModelVersion          string
	SubjectID             string
	AsOf                  time.Time
	Point                 float64
	IntervalLow           float64
	IntervalHigh          float64
	CalibratedProbability *float64
	CalibrationVersion    string
	Drivers               string // JSON array of {feature, contribution}
	CreatedAt             time.Time
}

// Artifact is an explainability bundle for one model version. Write-once.
type Artifact struct {
	ModelName    string
	ModelVersion string
	Importances  string // JSON array stored as text
	PDPCurves    string // JSON array stored as text
	Calibration  string // JSON object stored as text
	Confusion    string // JSON array stored as text
	CreatedAt    time.Time
}

// Run is a pipeline batch run in the run queue.
type Run struct {
	ID          string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	Report      string // JSON stage report, filled on completion/failure
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Exclusion records why an approved change order was left out of a run.
type Exclusion struct {
	RunID         string
	ChangeOrderID string
	Reason        string
}
