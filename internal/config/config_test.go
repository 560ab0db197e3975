package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 4700 {
		t.Errorf("Port = %d, want 4700", cfg.Server.Port)
	}
	if cfg.Pattern.MinPatternSize != 5 {
		t.Errorf("MinPatternSize = %d, want 5", cfg.Pattern.MinPatternSize)
	}
	if cfg.Pattern.ClusterSimilarityThreshold != 0.60 {
		t.Errorf("ClusterSimilarityThreshold = %v, want 0.60", cfg.Pattern.ClusterSimilarityThreshold)
	}
	w := cfg.Pattern.RiskWeights
	if w.Project != 2.0 || w.Item != 0.5 || w.AmountPer10K != 1.0 {
		t.Errorf("RiskWeights = %+v, want 2.0/0.5/1.0", w)
	}
	if cfg.Alert.SeverityThreshold != 10.0 {
		t.Errorf("SeverityThreshold = %v, want 10.0", cfg.Alert.SeverityThreshold)
	}
	if cfg.Run.Schedule != "0 2 * * *" {
		t.Errorf("Schedule = %q, want nightly default", cfg.Run.Schedule)
	}
	if cfg.Embedder.Dim != 128 {
		t.Errorf("Embedder.Dim = %d, want 128", cfg.Embedder.Dim)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 5800
  api_token: secret
pattern:
  min_pattern_size: 3
alert:
  severity_threshold: 7.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 5800 || cfg.Server.APIToken != "secret" {
		t.Errorf("server = %+v, want port 5800 token secret", cfg.Server)
	}
	if cfg.Pattern.MinPatternSize != 3 {
		t.Errorf("MinPatternSize = %d, want 3", cfg.Pattern.MinPatternSize)
	}
	if cfg.Alert.SeverityThreshold != 7.5 {
		t.Errorf("SeverityThreshold = %v, want 7.5", cfg.Alert.SeverityThreshold)
	}
	// Untouched fields keep their defaults.
	if cfg.Pattern.ClusterSimilarityThreshold != 0.60 {
		t.Errorf("ClusterSimilarityThreshold = %v, want default 0.60", cfg.Pattern.ClusterSimilarityThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing config file should be an error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEAKWATCH_PORT", "6200")
	t.Setenv("LEAKWATCH_API_TOKEN", "env-token")
	t.Setenv("LEAKWATCH_MIN_PATTERN_SIZE", "8")
	t.Setenv("LEAKWATCH_ALERT_SEVERITY_THRESHOLD", "15")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 6200 {
		t.Errorf("Port = %d, want 6200", cfg.Server.Port)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("APIToken = %q, want env-token", cfg.Server.APIToken)
	}
	if cfg.Pattern.MinPatternSize != 8 {
		t.Errorf("MinPatternSize = %d, want 8", cfg.Pattern.MinPatternSize)
	}
	if cfg.Alert.SeverityThreshold != 15 {
		t.Errorf("SeverityThreshold = %v, want 15", cfg.Alert.SeverityThreshold)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pattern size", func(c *Config) { c.Pattern.MinPatternSize = 0 }},
		{"threshold at 1", func(c *Config) { c.Pattern.ClusterSimilarityThreshold = 1 }},
		{"negative weight", func(c *Config) { c.Pattern.RiskWeights.Project = -1 }},
		{"tiny embedder", func(c *Config) { c.Embedder.Dim = 4 }},
		{"single calibration bin", func(c *Config) { c.Forecast.CalibrationBinCount = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(&cfg)
			if err := cfg.validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
