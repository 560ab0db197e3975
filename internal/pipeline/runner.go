// Package pipeline drives one batch run through its stages: load the
// eligible corpus, classify and embed it over disjoint shards, cluster,
// aggregate patterns, reconcile alerts. Forecasts run alongside, owning
// no pipeline state.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlas-delivery/leakwatch/internal/alert"
	"github.com/atlas-delivery/leakwatch/internal/classify"
	"github.com/atlas-delivery/leakwatch/internal/cluster"
	"github.com/atlas-delivery/leakwatch/internal/embed"
	"github.com/atlas-delivery/leakwatch/internal/forecast"
	"github.com/atlas-delivery/leakwatch/internal/pattern"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// ModelUnavailableError means a stage's model cannot produce output for
// this run. The stage fails fast and downstream stages are skipped.
type ModelUnavailableError struct {
	Stage  string
	Reason string
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model unavailable in stage %s: %s", e.Stage, e.Reason)
}

// Stage statuses in the run report.
const (
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// StageReport is one stage's outcome in the run report.
type StageReport struct {
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Counts map[string]int `json:"counts,omitempty"`
}

// Report is the JSON document stored on the run row.
type Report struct {
	RunID      string         `json:"runId"`
	Stages     []StageReport  `json:"stages"`
	Exclusions map[string]int `json:"exclusions,omitempty"`
	Patterns   int            `json:"patterns"`
	NewAlerts  int            `json:"newAlerts"`
	Singletons int            `json:"singletons"`
}

// JSON renders the report for storage; marshal failures degrade to an
// error string rather than losing the run outcome.
func (r Report) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"runId":%q,"error":"report marshal failed"}`, r.RunID)
	}
	return string(b)
}

// Runner executes batch runs against the canonical store.
type Runner struct {
	store      *storage.Store
	classifier *classify.Classifier
	embedder   *embed.Embedder
	clusterer  *cluster.Clusterer
	aggregator *pattern.Aggregator
	alerts     *alert.Manager
	forecasts  *forecast.Suite
	logger     *slog.Logger

	reportMu sync.Mutex
}

func NewRunner(store *storage.Store, classifier *classify.Classifier, embedder *embed.Embedder,
	clusterer *cluster.Clusterer, aggregator *pattern.Aggregator, alerts *alert.Manager,
	forecasts *forecast.Suite, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      store,
		classifier: classifier,
		embedder:   embedder,
		clusterer:  clusterer,
		aggregator: aggregator,
		alerts:     alerts,
		forecasts:  forecasts,
		logger:     logger,
	}
}

// Execute runs the full pipeline for one run id. The returned report is
// valid even when err is non-nil; failed and skipped stages carry their
// reasons.
func (r *Runner) Execute(ctx context.Context, runID string) (Report, error) {
	report := Report{RunID: runID}
	start := time.Now()

	orders, err := r.loadStage(&report)
	if err != nil {
		r.skipRemaining(&report, "corpus load failed", "classify", "cluster", "aggregate", "alert", "forecast")
		return report, err
	}

	// Forecasts share no state with the detection stages and run
	// alongside them.
	var fg errgroup.Group
	fg.Go(func() error {
		return r.forecastStage(ctx, &report)
	})

	detectErr := r.detect(ctx, runID, orders, &report)
	forecastErr := fg.Wait()

	r.logger.Info("run finished", "run_id", runID,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"patterns", report.Patterns, "new_alerts", report.NewAlerts)

	if detectErr != nil {
		return report, detectErr
	}
	return report, forecastErr
}

// detect runs classification through alerting. Stages after a failure
// are reported as skipped, never silently absent.
func (r *Runner) detect(ctx context.Context, runID string, orders []storage.ChangeOrder, report *Report) error {
	members, err := r.classifyStage(ctx, runID, orders, report)
	if err != nil {
		r.skipRemaining(report, "classification failed", "cluster", "aggregate", "alert")
		return err
	}

	// Clustering is a barrier: it sees the complete embedding output.
	result := r.clusterer.Cluster(runID, members)
	report.Singletons = len(result.Singletons)
	for _, c := range result.Clusters {
		if err := r.store.UpdateClusterAssignments(r.classifier.Name(), r.classifier.Version(), c.ID, c.MemberIDs); err != nil {
			r.appendStage(report, StageReport{Name: "cluster", Status: StageFailed, Reason: err.Error()})
			r.skipRemaining(report, "clustering failed", "aggregate", "alert")
			return fmt.Errorf("recording cluster assignments: %w", err)
		}
	}
	r.appendStage(report, StageReport{Name: "cluster", Status: StageCompleted, Counts: map[string]int{
		"clusters":   len(result.Clusters),
		"singletons": len(result.Singletons),
	}})

	patterns, err := r.aggregateStage(ctx, result.Clusters, orders, report)
	if err != nil {
		r.skipRemaining(report, "aggregation failed", "alert")
		return err
	}

	return r.alertStage(patterns, report)
}

func (r *Runner) loadStage(report *Report) ([]storage.ChangeOrder, error) {
	orders, err := r.store.ListEligibleChangeOrders()
	if err != nil {
		r.appendStage(report, StageReport{Name: "load", Status: StageFailed, Reason: err.Error()})
		return nil, fmt.Errorf("loading eligible corpus: %w", err)
	}
	excluded, err := r.store.CountExcludedApproved()
	if err != nil {
		r.appendStage(report, StageReport{Name: "load", Status: StageFailed, Reason: err.Error()})
		return nil, fmt.Errorf("counting exclusions: %w", err)
	}
	report.Exclusions = excluded
	r.appendStage(report, StageReport{Name: "load", Status: StageCompleted, Counts: map[string]int{
		"eligible": len(orders),
	}})
	r.logger.Info("corpus loaded", "eligible", len(orders), "excluded_reasons", len(excluded))
	return orders, nil
}

// classifyStage classifies the corpus over disjoint shards, then embeds
// the classified records in one batch. Classification rows are
// per-record, so shards never contend.
func (r *Runner) classifyStage(ctx context.Context, runID string, orders []storage.ChangeOrder, report *Report) ([]cluster.Member, error) {
	if r.classifier == nil || r.embedder == nil {
		err := &ModelUnavailableError{Stage: "classify", Reason: "classifier or embedder not configured"}
		r.appendStage(report, StageReport{Name: "classify", Status: StageFailed, Reason: err.Error()})
		return nil, err
	}

	now := time.Now().UTC()
	classified := make([]bool, len(orders))

	var mu sync.Mutex
	var unclassified []storage.Exclusion

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range orders {
		i := i
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			co := orders[i]
			res, ok := r.classifier.Classify(co)
			if !ok {
				mu.Lock()
				unclassified = append(unclassified, storage.Exclusion{
					RunID: runID, ChangeOrderID: co.ID, Reason: "unclassified",
				})
				mu.Unlock()
				return nil
			}
			row, err := classify.ToRow(res, co.ID, now)
			if err != nil {
				return err
			}
			if _, err := r.store.SaveClassification(row); err != nil {
				return err
			}
			classified[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.appendStage(report, StageReport{Name: "classify", Status: StageFailed, Reason: err.Error()})
		return nil, fmt.Errorf("classify stage: %w", err)
	}

	if len(unclassified) > 0 {
		if err := r.store.SaveExclusions(unclassified); err != nil {
			r.appendStage(report, StageReport{Name: "classify", Status: StageFailed, Reason: err.Error()})
			return nil, fmt.Errorf("recording unclassified exclusions: %w", err)
		}
	}

	// Embed only the classified records, as one batch.
	ids := make([]string, 0, len(orders))
	texts := make([]string, 0, len(orders))
	for i, ok := range classified {
		if ok {
			ids = append(ids, orders[i].ID)
			texts = append(texts, orders[i].ReasonText+" "+orders[i].JustificationText)
		}
	}
	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		r.appendStage(report, StageReport{Name: "classify", Status: StageFailed, Reason: err.Error()})
		return nil, fmt.Errorf("embedding corpus: %w", err)
	}
	members := make([]cluster.Member, len(ids))
	for i := range ids {
		members[i] = cluster.Member{ChangeOrderID: ids[i], Vector: vectors[i]}
	}

	r.appendStage(report, StageReport{Name: "classify", Status: StageCompleted, Counts: map[string]int{
		"classified":   len(members),
		"unclassified": len(unclassified),
	}})
	return members, nil
}

// aggregateStage processes clusters in parallel; clusters partition the
// corpus so there is no shared output.
func (r *Runner) aggregateStage(ctx context.Context, clusters []cluster.Cluster, orders []storage.ChangeOrder, report *Report) ([]storage.Pattern, error) {
	byID := make(map[string]storage.ChangeOrder, len(orders))
	for _, co := range orders {
		byID[co.ID] = co
	}
	vendorList, err := r.store.ListVendors()
	if err != nil {
		r.appendStage(report, StageReport{Name: "aggregate", Status: StageFailed, Reason: err.Error()})
		return nil, fmt.Errorf("loading vendors: %w", err)
	}
	vendors := make(map[string]storage.Vendor, len(vendorList))
	for _, v := range vendorList {
		vendors[v.ID] = v
	}

	now := time.Now().UTC()
	results := make([]*storage.Pattern, len(clusters))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range clusters {
		i := i
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			p, ok, err := r.aggregator.Aggregate(clusters[i], byID, vendors, now)
			if err != nil {
				return err
			}
			if ok {
				results[i] = &p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.appendStage(report, StageReport{Name: "aggregate", Status: StageFailed, Reason: err.Error()})
		return nil, fmt.Errorf("aggregate stage: %w", err)
	}

	var patterns []storage.Pattern
	for _, p := range results {
		if p != nil {
			patterns = append(patterns, *p)
		}
	}
	report.Patterns = len(patterns)
	r.appendStage(report, StageReport{Name: "aggregate", Status: StageCompleted, Counts: map[string]int{
		"patterns":       len(patterns),
		"below_min_size": len(clusters) - len(patterns),
	}})
	return patterns, nil
}

// alertStage persists patterns and reconciles alerts serially; alert
// identity is per signature and writes must not interleave.
func (r *Runner) alertStage(patterns []storage.Pattern, report *Report) error {
	created := 0
	for _, p := range patterns {
		if err := r.store.UpsertPattern(p); err != nil {
			r.appendStage(report, StageReport{Name: "alert", Status: StageFailed, Reason: err.Error()})
			return fmt.Errorf("materializing pattern %s: %w", p.Signature, err)
		}
		isNew, err := r.alerts.Evaluate(p)
		if err != nil {
			r.appendStage(report, StageReport{Name: "alert", Status: StageFailed, Reason: err.Error()})
			return fmt.Errorf("evaluating alert for %s: %w", p.Signature, err)
		}
		if isNew {
			created++
		}
	}
	report.NewAlerts = created
	r.appendStage(report, StageReport{Name: "alert", Status: StageCompleted, Counts: map[string]int{
		"new_alerts": created,
	}})
	return nil
}

func (r *Runner) forecastStage(ctx context.Context, report *Report) error {
	projects, err := r.store.ListProjects()
	if err != nil {
		r.appendStage(report, StageReport{Name: "forecast", Status: StageFailed, Reason: err.Error()})
		return fmt.Errorf("loading projects for forecasting: %w", err)
	}
	vendors, err := r.store.ListVendors()
	if err != nil {
		r.appendStage(report, StageReport{Name: "forecast", Status: StageFailed, Reason: err.Error()})
		return fmt.Errorf("loading vendors for forecasting: %w", err)
	}
	projectIDs := make([]string, len(projects))
	for i, p := range projects {
		projectIDs[i] = p.ID
	}
	vendorIDs := make([]string, len(vendors))
	for i, v := range vendors {
		vendorIDs[i] = v.ID
	}
	if err := r.forecasts.Run(ctx, projectIDs, vendorIDs, time.Now().UTC()); err != nil {
		r.appendStage(report, StageReport{Name: "forecast", Status: StageFailed, Reason: err.Error()})
		return err
	}
	r.appendStage(report, StageReport{Name: "forecast", Status: StageCompleted, Counts: map[string]int{
		"projects": len(projectIDs),
		"vendors":  len(vendorIDs),
	}})
	return nil
}

func (r *Runner) appendStage(report *Report, s StageReport) {
	// Stages append from concurrent goroutines (forecast vs detect).
	r.reportMu.Lock()
	report.Stages = append(report.Stages, s)
	r.reportMu.Unlock()
}

func (r *Runner) skipRemaining(report *Report, reason string, stages ...string) {
	for _, name := range stages {
		r.appendStage(report, StageReport{Name: name, Status: StageSkipped, Reason: reason})
	}
}
