// Package api exposes the feed intake and read-side HTTP surface plus
// the asynchronous alert actions.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atlas-delivery/leakwatch/internal/alert"
	"github.com/atlas-delivery/leakwatch/internal/explain"
	"github.com/atlas-delivery/leakwatch/internal/forecast"
	"github.com/atlas-delivery/leakwatch/internal/normalize"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

const maxFeedBodySize = 10 << 20 // 10MB

type AppDeps struct {
	Store   *storage.Store
	Alerts  *alert.Manager
	Explain *explain.Store
	Token   string

	// CalibrationBins is the expected bin count for submitted
	// calibration curves. Zero disables the check.
	CalibrationBins int
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/feeds/change-orders", handleChangeOrderFeed(deps))
		r.Post("/feeds/vendors", handleVendorFeed(deps))
		r.Post("/feeds/projects", handleProjectFeed(deps))

		r.Get("/classifications", handleListClassifications(deps))
		r.Get("/patterns", handleListPatterns(deps))
		r.Get("/alerts", handleListAlerts(deps))
		r.Get("/alerts/{id}", handleGetAlert(deps))
		r.Post("/alerts/{id}/acknowledge", handleAlertAction(deps, "acknowledge"))
		r.Post("/alerts/{id}/investigate", handleAlertAction(deps, "investigate"))
		r.Post("/alerts/{id}/resolve", handleAlertAction(deps, "resolve"))
		r.Get("/forecasts", handleListForecasts(deps))
		r.Get("/explainability/{model}/{version}", handleGetArtifact(deps))
		r.Post("/explainability/{model}/{version}", handleRecordArtifact(deps))
		r.Post("/runs", handleEnqueueRun(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DB().Ping(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// --- Feeds ---

type feedResponse struct {
	Accepted          int      `json:"accepted"`
	Eligible          int      `json:"eligible"`
	Excluded          int      `json:"excluded"`
	DataQualityErrors []string `json:"dataQualityErrors,omitempty"`
}

func handleChangeOrderFeed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFeedBodySize)
		defer r.Body.Close()

		var records []normalize.FeedRecord
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var resp feedResponse
		cos := make([]storage.ChangeOrder, 0, len(records))
		for _, f := range records {
			co, dq, err := normalize.Record(f)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			if dq != nil {
				resp.Excluded++
				resp.DataQualityErrors = append(resp.DataQualityErrors, dq.Error())
			}
			if co.Eligible() {
				resp.Eligible++
			}
			cos = append(cos, co)
		}
		if err := deps.Store.UpsertChangeOrders(cos); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing change orders: %v", err)
			return
		}
		resp.Accepted = len(cos)
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleVendorFeed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFeedBodySize)
		defer r.Body.Close()

		var records []normalize.VendorFeed
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		vendors := make([]storage.Vendor, 0, len(records))
		for _, f := range records {
			v, err := normalize.Vendor(f)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			vendors = append(vendors, v)
		}
		if err := deps.Store.UpsertVendors(vendors); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing vendors: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, feedResponse{Accepted: len(vendors)})
	}
}

func handleProjectFeed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFeedBodySize)
		defer r.Body.Close()

		var records []normalize.ProjectFeed
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		projects := make([]storage.Project, 0, len(records))
		for _, f := range records {
			p, err := normalize.Project(f)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			projects = append(projects, p)
		}
		if err := deps.Store.UpsertProjects(projects); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing projects: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, feedResponse{Accepted: len(projects)})
	}
}

// --- Classifications ---

type classificationResponse struct {
	ID            string          `json:"id"`
	ChangeOrderID string          `json:"changeOrderId"`
	Category      string          `json:"category"`
	Confidence    float64         `json:"confidence"`
	Probabilities json.RawMessage `json:"probabilities"`
	TopKeywords   json.RawMessage `json:"topKeywords"`
	Attributions  json.RawMessage `json:"attributions"`
	ClusterID     string          `json:"clusterId,omitempty"`
	ModelName     string          `json:"modelName"`
	ModelVersion  string          `json:"modelVersion"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func handleListClassifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		coID := q.Get("change_order_id")
		model := q.Get("model")

		var rows []storage.Classification
		var err error
		switch {
		case coID != "":
			rows, err = deps.Store.GetClassifications(coID)
		case model != "":
			version := q.Get("version")
			if version == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "version is required with model")
				return
			}
			rows, err = deps.Store.ListClassificationsByModel(model, version)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "change_order_id or model is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading classifications: %v", err)
			return
		}
		out := make([]classificationResponse, len(rows))
		for i, c := range rows {
			out[i] = classificationResponse{
				ID:            c.ID,
				ChangeOrderID: c.ChangeOrderID,
				Category:      c.Category,
				Confidence:    c.Confidence,
				Probabilities: json.RawMessage(c.Probabilities),
				TopKeywords:   json.RawMessage(c.TopKeywords),
				Attributions:  json.RawMessage(c.Attributions),
				ClusterID:     c.ClusterID,
				ModelName:     c.ModelName,
				ModelVersion:  c.ModelVersion,
				CreatedAt:     c.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- Patterns ---

type patternResponse struct {
	ID                string          `json:"id"`
	Signature         string          `json:"signature"`
	ProjectCount      int             `json:"projectCount"`
	ItemCount         int             `json:"changeOrderCount"`
	AggregateAmount   float64         `json:"aggregateAmount"`
	AverageAmount     float64         `json:"averageAmount"`
	DominantVendorID  string          `json:"dominantVendorId"`
	DominantTrade     string          `json:"dominantTrade"`
	DominantKeywords  json.RawMessage `json:"dominantKeywords"`
	ProjectIDs        json.RawMessage `json:"projectIds"`
	ChangeOrderIDs    json.RawMessage `json:"changeOrderIds"`
	RiskScore         float64         `json:"riskScore"`
	RecommendedAction string          `json:"recommendedAction"`
	CreatedAt         time.Time       `json:"createdAt"`
}

func handleListPatterns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := deps.Store.ListPatterns()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading patterns: %v", err)
			return
		}
		out := make([]patternResponse, len(rows))
		for i, p := range rows {
			out[i] = patternResponse{
				ID:                p.ID,
				Signature:         p.Signature,
				ProjectCount:      p.ProjectCount,
				ItemCount:         p.ItemCount,
				AggregateAmount:   p.AggregateAmount,
				AverageAmount:     p.AverageAmount,
				DominantVendorID:  p.DominantVendorID,
				DominantTrade:     p.DominantTrade,
				DominantKeywords:  json.RawMessage(p.DominantKeywords),
				ProjectIDs:        json.RawMessage(p.ProjectIDs),
				ChangeOrderIDs:    json.RawMessage(p.ChangeOrderIDs),
				RiskScore:         p.RiskScore,
				RecommendedAction: p.RecommendedAction,
				CreatedAt:         p.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- Alerts ---

type alertResponse struct {
	ID                string               `json:"id"`
	Signature         string               `json:"signature"`
	PatternID         string               `json:"patternId"`
	Status            string               `json:"status"`
	Severity          float64              `json:"severity"`
	ChangeOrderCount  int                  `json:"changeOrderCount"`
	ProjectCount      int                  `json:"projectCount"`
	AggregateAmount   float64              `json:"aggregateAmount"`
	RecommendedAction string               `json:"recommendedAction"`
	ResolutionDate    *time.Time           `json:"resolutionDate,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
	Events            []alertEventResponse `json:"events,omitempty"`
}

type alertEventResponse struct {
	EventType  string    `json:"eventType"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toAlertResponse(a storage.Alert) alertResponse {
	resp := alertResponse{
		ID:                a.ID,
		Signature:         a.Signature,
		PatternID:         a.PatternID,
		Status:            a.Status,
		Severity:          a.Severity,
		ChangeOrderCount:  a.ChangeOrderCount,
		ProjectCount:      a.ProjectCount,
		AggregateAmount:   a.AggregateAmount,
		RecommendedAction: a.RecommendedAction,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
	if !a.ResolutionDate.IsZero() {
		d := a.ResolutionDate
		resp.ResolutionDate = &d
	}
	return resp
}

func handleListAlerts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := deps.Store.ListAlerts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading alerts: %v", err)
			return
		}
		out := make([]alertResponse, len(rows))
		for i, a := range rows {
			out[i] = toAlertResponse(a)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetAlert(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		a, err := deps.Store.GetAlert(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "alert %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading alert: %v", err)
			return
		}
		events, err := deps.Store.ListAlertEvents(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading alert events: %v", err)
			return
		}
		resp := toAlertResponse(a)
		resp.Events = make([]alertEventResponse, len(events))
		for i, e := range events {
			resp.Events[i] = alertEventResponse{
				EventType:  e.EventType,
				FromStatus: e.FromStatus,
				ToStatus:   e.ToStatus,
				Actor:      e.Actor,
				Note:       e.Note,
				CreatedAt:  e.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type alertActionRequest struct {
	Actor          string `json:"actor"`
	Note           string `json:"note"`
	ResolutionDate string `json:"resolutionDate"`
}

func handleAlertAction(deps AppDeps, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req alertActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Actor == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "actor is required")
			return
		}

		var a storage.Alert
		var err error
		switch action {
		case "acknowledge":
			a, err = deps.Alerts.Acknowledge(id, req.Actor, req.Note)
		case "investigate":
			a, err = deps.Alerts.Investigate(id, req.Actor, req.Note)
		case "resolve":
			var resolved time.Time
			if req.ResolutionDate != "" {
				resolved, err = parseDate(req.ResolutionDate)
				if err != nil {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid resolutionDate: %v", err)
					return
				}
			}
			a, err = deps.Alerts.Resolve(id, req.Actor, req.Note, resolved)
		}

		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, toAlertResponse(a))
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "alert %s not found", id)
		case errors.Is(err, alert.ErrResolutionDateRequired):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case errors.Is(err, alert.ErrInvalidTransition), errors.Is(err, storage.ErrStaleStatus):
			httpError(w, http.StatusConflict, "invalid_state_transition", "%v", err)
		default:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		}
	}
}

// --- Forecasts ---

type forecastResponse struct {
	ID                    string          `json:"id"`
	ModelName             string          `json:"modelName"`
	ModelVersion          string          `json:"modelVersion"`
	SubjectID             string          `json:"subjectId"`
	AsOf                  time.Time       `json:"asOf"`
	Point                 float64         `json:"point"`
	IntervalLow           float64         `json:"intervalLow"`
	IntervalHigh          float64         `json:"intervalHigh"`
	CalibratedProbability *float64        `json:"calibratedProbability,omitempty"`
	CalibrationVersion    string          `json:"calibrationVersion,omitempty"`
	RiskTier              string          `json:"riskTier,omitempty"`
	Drivers               json.RawMessage `json:"drivers"`
	CreatedAt             time.Time       `json:"createdAt"`
}

func handleListForecasts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := r.URL.Query().Get("subject_id")
		if subjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "subject_id is required")
			return
		}
		model := r.URL.Query().Get("model")
		rows, err := deps.Store.ListForecasts(subjectID, model)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading forecasts: %v", err)
			return
		}
		out := make([]forecastResponse, len(rows))
		for i, f := range rows {
			resp := forecastResponse{
				ID:                    f.ID,
				ModelName:             f.ModelName,
				ModelVersion:          f.ModelVersion,
				SubjectID:             f.SubjectID,
				AsOf:                  f.AsOf,
				Point:                 f.Point,
				IntervalLow:           f.IntervalLow,
				IntervalHigh:          f.IntervalHigh,
				CalibratedProbability: f.CalibratedProbability,
				CalibrationVersion:    f.CalibrationVersion,
				Drivers:               json.RawMessage(f.Drivers),
				CreatedAt:             f.CreatedAt,
			}
			if f.ModelName == forecast.ModelVendorRisk && f.CalibratedProbability != nil {
				resp.RiskTier = forecast.VendorTier(*f.CalibratedProbability)
			}
			out[i] = resp
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- Explainability ---

func handleGetArtifact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		version := chi.URLParam(r, "version")

		var a explain.Artifact
		var err error
		if version == "latest" {
			a, err = deps.Explain.Latest(model)
		} else {
			a, err = deps.Explain.Get(model, version)
		}
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no artifact for %s/%s", model, version)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading artifact: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"modelName":    a.ModelName,
			"modelVersion": a.ModelVersion,
			"importances":  a.Importances,
			"pdpCurves":    a.PDPCurves,
			"calibration":  a.Calibration,
			"confusion":    a.Confusion,
			"createdAt":    a.CreatedAt,
		})
	}
}

type artifactRequest struct {
	Importances []explain.Importance     `json:"importances"`
	PDPCurves   []explain.PDPCurve       `json:"pdpCurves"`
	Calibration explain.CalibrationCurve `json:"calibration"`
	Confusion   []explain.ConfusionCell  `json:"confusion"`
}

// handleRecordArtifact ingests the explainability bundle produced by an
// offline evaluation run. Artifacts are write-once per model version;
// the calibration curve recorded here is what the schedule-slip and
// vendor-risk models apply on their next prediction.
func handleRecordArtifact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		version := chi.URLParam(r, "version")
		if version == "latest" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "version %q is reserved", version)
			return
		}

		var req artifactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if n := len(req.Calibration.Bins); n > 0 && deps.CalibrationBins > 0 && n != deps.CalibrationBins {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"calibration curve has %d bins, expected %d", n, deps.CalibrationBins)
			return
		}

		err := deps.Explain.Record(explain.Artifact{
			ModelName:    model,
			ModelVersion: version,
			Importances:  req.Importances,
			PDPCurves:    req.PDPCurves,
			Calibration:  req.Calibration,
			Confusion:    req.Confusion,
			CreatedAt:    time.Now().UTC(),
		})
		switch {
		case errors.Is(err, explain.ErrAlreadyRecorded):
			httpError(w, http.StatusConflict, "already_recorded", "%v", err)
		case errors.Is(err, explain.ErrInconsistentRanks):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "recording artifact: %v", err)
		default:
			writeJSON(w, http.StatusCreated, map[string]string{
				"modelName":    model,
				"modelVersion": version,
			})
		}
	}
}

// --- Runs ---

func handleEnqueueRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := storage.Run{ID: uuid.NewString()}
		if err := deps.Store.EnqueueRun(run); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing run: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"runId": run.ID, "status": "pending"})
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := deps.Store.GetRun(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "run %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading run: %v", err)
			return
		}
		resp := map[string]any{
			"id":        run.ID,
			"status":    run.Status,
			"attempts":  run.Attempts,
			"createdAt": run.CreatedAt,
		}
		if run.Report != "" {
			resp["report"] = json.RawMessage(run.Report)
		}
		if run.LastError != "" {
			resp["lastError"] = run.LastError
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// --- Helpers ---

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
