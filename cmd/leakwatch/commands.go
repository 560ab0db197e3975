package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atlas-delivery/leakwatch/internal/alert"
	"github.com/atlas-delivery/leakwatch/internal/classify"
	"github.com/atlas-delivery/leakwatch/internal/cluster"
	"github.com/atlas-delivery/leakwatch/internal/config"
	"github.com/atlas-delivery/leakwatch/internal/embed"
	"github.com/atlas-delivery/leakwatch/internal/explain"
	"github.com/atlas-delivery/leakwatch/internal/forecast"
	"github.com/atlas-delivery/leakwatch/internal/pattern"
	"github.com/atlas-delivery/leakwatch/internal/pipeline"
	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// app holds the wired pipeline components shared by serve and run.
type app struct {
	alerts    *alert.Manager
	explain   *explain.Store
	runner    *pipeline.Runner
	worker    *pipeline.Worker
	scheduler *pipeline.Scheduler
}

func buildApp(cfg config.Config, store *storage.Store) (*app, error) {
	classifier, err := classify.New(cfg.Classifier.Version)
	if err != nil {
		return nil, fmt.Errorf("building classifier: %w", err)
	}
	embedder, err := embed.New(cfg.Embedder.Dim)
	if err != nil {
		return nil, fmt.Errorf("building embedder: %w", err)
	}
	clusterer := cluster.New(cfg.Pattern.ClusterSimilarityThreshold)
	aggregator := pattern.New(cfg.Pattern.MinPatternSize, pattern.Weights{
		Project:      cfg.Pattern.RiskWeights.Project,
		Item:         cfg.Pattern.RiskWeights.Item,
		AmountPer10K: cfg.Pattern.RiskWeights.AmountPer10K,
	})
	alerts := alert.NewManager(store, cfg.Alert.SeverityThreshold, slog.Default())
	explainStore := explain.NewStore(store)
	forecasts := forecast.NewSuite(store, explainStore, store, slog.Default())

	runner := pipeline.NewRunner(store, classifier, embedder, clusterer, aggregator, alerts, forecasts, slog.Default())
	worker := pipeline.NewWorker(store, runner, 2*time.Second, slog.Default())
	scheduler, err := pipeline.NewScheduler(cfg.Run.Schedule, store, slog.Default())
	if err != nil {
		return nil, err
	}

	return &app{
		alerts:    alerts,
		explain:   explainStore,
		runner:    runner,
		worker:    worker,
		scheduler: scheduler,
	}, nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one batch run in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		initLogging(cfg)

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		app, err := buildApp(cfg, store)
		if err != nil {
			return err
		}

		runID := uuid.NewString()
		if err := store.EnqueueRun(storage.Run{ID: runID}); err != nil {
			return err
		}

		printStep("Executing run %s", runID)
		report, execErr := app.runner.Execute(context.Background(), runID)
		if execErr != nil {
			if failErr := store.FailRun(runID, report.JSON(), execErr.Error()); failErr != nil {
				printError("recording run failure: %v", failErr)
			}
			printError("Run failed: %v", execErr)
			return execErr
		}
		if err := store.CompleteRun(runID, report.JSON()); err != nil {
			return err
		}

		printSuccess("Run completed: %d patterns, %d new alerts", report.Patterns, report.NewAlerts)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and show the applied versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		// Opening the store applies pending migrations.
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		versions, err := store.AppliedMigrations()
		if err != nil {
			return err
		}
		for _, v := range versions {
			printStatus("Applied", "%04d", v)
		}
		printSuccess("Schema up to date (%d migrations)", len(versions))
		return nil
	},
}
