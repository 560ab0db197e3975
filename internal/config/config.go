package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	Pattern    PatternConfig    `yaml:"pattern"`
	Alert      AlertConfig      `yaml:"alert"`
	Forecast   ForecastConfig   `yaml:"forecast"`
	Run        RunConfig        `yaml:"run"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type PatternConfig struct {
	MinPatternSize             int         `yaml:"min_pattern_size"`
	ClusterSimilarityThreshold float64     `yaml:"cluster_similarity_threshold"`
	RiskWeights                RiskWeights `yaml:"risk_weights"`
}

// RiskWeights parameterize the pattern risk score. The mix is a tunable
// policy constant, not a fixed law; any non-negative weights keep the
// score monotonic in each input.
type RiskWeights struct {
	Project      float64 `yaml:"project"`
	Item         float64 `yaml:"item"`
	AmountPer10K float64 `yaml:"amount_per_10k"`
}

type AlertConfig struct {
	SeverityThreshold float64 `yaml:"severity_threshold"`
}

type ForecastConfig struct {
	CalibrationBinCount int `yaml:"calibration_bin_count"`
}

type RunConfig struct {
	// Schedule is a standard 5-field cron expression. Empty disables
	// scheduled runs; runs can still be enqueued via the API or CLI.
	Schedule string `yaml:"schedule"`
}

type ClassifierConfig struct {
	Version string `yaml:"version"`
}

type EmbedderConfig struct {
	Dim int `yaml:"dim"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Pattern: PatternConfig{
			MinPatternSize:             5,
			ClusterSimilarityThreshold: 0.60,
			RiskWeights: RiskWeights{
				Project:      2.0,
				Item:         0.5,
				AmountPer10K: 1.0,
			},
		},
		Alert: AlertConfig{
			SeverityThreshold: 10.0,
		},
		Forecast: ForecastConfig{
			CalibrationBinCount: 10,
		},
		Run: RunConfig{
			Schedule: "0 2 * * *",
		},
		Classifier: ClassifierConfig{
			Version: "1.2.0",
		},
		Embedder: EmbedderConfig{
			Dim: 128,
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "leakwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "leakwatch-data"
	}
	return filepath.Join(home, ".local", "share", "leakwatch")
}

// Load reads configuration from the YAML file at path (pass "" to use
// defaults only), then applies LEAKWATCH_* environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEAKWATCH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("LEAKWATCH_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("LEAKWATCH_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("LEAKWATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LEAKWATCH_MIN_PATTERN_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pattern.MinPatternSize = n
		}
	}
	if v := os.Getenv("LEAKWATCH_CLUSTER_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pattern.ClusterSimilarityThreshold = f
		}
	}
	if v := os.Getenv("LEAKWATCH_ALERT_SEVERITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Alert.SeverityThreshold = f
		}
	}
	if v := os.Getenv("LEAKWATCH_RUN_SCHEDULE"); v != "" {
		cfg.Run.Schedule = v
	}
}

func (c Config) validate() error {
	var problems []string
	if c.Pattern.MinPatternSize < 1 {
		problems = append(problems, "pattern.min_pattern_size must be >= 1")
	}
	if c.Pattern.ClusterSimilarityThreshold <= 0 || c.Pattern.ClusterSimilarityThreshold >= 1 {
		problems = append(problems, "pattern.cluster_similarity_threshold must be in (0, 1)")
	}
	if c.Pattern.RiskWeights.Project < 0 || c.Pattern.RiskWeights.Item < 0 || c.Pattern.RiskWeights.AmountPer10K < 0 {
		problems = append(problems, "pattern.risk_weights must be non-negative")
	}
	if c.Forecast.CalibrationBinCount < 2 {
		problems = append(problems, "forecast.calibration_bin_count must be >= 2")
	}
	if c.Embedder.Dim < 8 {
		problems = append(problems, "embedder.dim must be >= 8")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
