// Package config loads the experiment configuration from defaults, an
// optional YAML file, and COLLAPSE_* environment variables, in increasing
// order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/exposure"
	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
	"github.com/lorenzotomasdiez/stance-collapse/internal/oracle"
)

// EnvPrefix is prepended to every environment key: population.agents is
// read from COLLAPSE_POPULATION_AGENTS.
const EnvPrefix = "COLLAPSE"

// Oracle backends.
const (
	BackendOpenRouter = "openrouter"
	BackendOllama     = "ollama"
)

// Config is the full configuration surface of the CLI.
type Config struct {
	Experiment ExperimentConfig `mapstructure:"experiment"`
	Population PopulationConfig `mapstructure:"population"`
	Exposure   ExposureConfig   `mapstructure:"exposure"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Output     OutputConfig     `mapstructure:"output"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ExperimentConfig selects what to run.
type ExperimentConfig struct {
	Scenario string `mapstructure:"scenario"`
	// Condition is a preset name, or "custom" to use the exposure switches.
	Condition string `mapstructure:"condition"`
	Seed      int64  `mapstructure:"seed"`
	// Seeds is how many consecutive seeds a sweep runs, starting at Seed.
	Seeds int `mapstructure:"seeds"`
	// ScenarioFile extends the built-in catalog with YAML scenarios.
	ScenarioFile string `mapstructure:"scenario_file"`
	// Parallel caps how many runs of a sweep execute at once.
	Parallel int `mapstructure:"parallel"`
}

// PopulationConfig shapes the population and the round loop.
type PopulationConfig struct {
	Agents      int  `mapstructure:"agents"`
	Rounds      int  `mapstructure:"rounds"`
	SampleK     int  `mapstructure:"sample_k"`
	IncludeSelf bool `mapstructure:"include_self"`
	// InitialStanceMode is NONE, ENFORCED or SOFT.
	InitialStanceMode   string `mapstructure:"initial_stance_mode"`
	RationaleTruncation int    `mapstructure:"rationale_truncation"`
}

// ExposureConfig holds the switches used when Experiment.Condition is "custom".
type ExposureConfig struct {
	RevealPeers        bool `mapstructure:"reveal_peers"`
	RevealIdentity     bool `mapstructure:"reveal_identity"`
	RevealRationale    bool `mapstructure:"reveal_rationale"`
	RevealSummaryStats bool `mapstructure:"reveal_summary_stats"`
}

// OracleConfig configures the inference backend and how it is called.
type OracleConfig struct {
	Backend      string        `mapstructure:"backend"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryLimit   int           `mapstructure:"retry_limit"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Workers      int           `mapstructure:"workers"`
	// RateLimit is requests per second across workers; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// MetricsConfig tunes the collapse thresholds.
type MetricsConfig struct {
	CollapseThreshold float64 `mapstructure:"collapse_threshold"`
	CollapseRounds    int     `mapstructure:"collapse_rounds"`
	CommitmentShare   float64 `mapstructure:"commitment_share"`
}

// OutputConfig says where runs are written.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
	// Store is the SQLite run index; empty disables indexing.
	Store string `mapstructure:"store"`
	Quiet bool   `mapstructure:"quiet"`
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	s := deliberation.DefaultSettings()
	return &Config{
		Experiment: ExperimentConfig{
			Scenario:  "S1_TROLLEY",
			Condition: "C1_FULL",
			Seed:      s.Seed,
			Seeds:     1,
			Parallel:  1,
		},
		Population: PopulationConfig{
			Agents:              s.Agents,
			Rounds:              s.Rounds,
			SampleK:             s.SampleK,
			IncludeSelf:         s.IncludeSelf,
			InitialStanceMode:   string(s.Mode),
			RationaleTruncation: s.RationaleTruncation,
		},
		Oracle: OracleConfig{
			Backend:      BackendOpenRouter,
			Timeout:      s.OracleTimeout,
			RetryLimit:   s.RetryLimit,
			RetryBackoff: s.RetryBackoff,
			Temperature:  0.2,
			MaxTokens:    512,
			Workers:      s.Workers,
		},
		Metrics: MetricsConfig{
			CollapseThreshold: metrics.DefaultCollapseThreshold,
			CollapseRounds:    metrics.DefaultCollapseRounds,
			CommitmentShare:   metrics.DefaultCommitmentShare,
		},
		Output: OutputConfig{
			Dir:   "runs",
			Store: "runs/index.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every key with v so env overrides apply to keys
// that appear in no file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("experiment.scenario", d.Experiment.Scenario)
	v.SetDefault("experiment.condition", d.Experiment.Condition)
	v.SetDefault("experiment.seed", d.Experiment.Seed)
	v.SetDefault("experiment.seeds", d.Experiment.Seeds)
	v.SetDefault("experiment.scenario_file", d.Experiment.ScenarioFile)
	v.SetDefault("experiment.parallel", d.Experiment.Parallel)

	v.SetDefault("population.agents", d.Population.Agents)
	v.SetDefault("population.rounds", d.Population.Rounds)
	v.SetDefault("population.sample_k", d.Population.SampleK)
	v.SetDefault("population.include_self", d.Population.IncludeSelf)
	v.SetDefault("population.initial_stance_mode", d.Population.InitialStanceMode)
	v.SetDefault("population.rationale_truncation", d.Population.RationaleTruncation)

	v.SetDefault("exposure.reveal_peers", d.Exposure.RevealPeers)
	v.SetDefault("exposure.reveal_identity", d.Exposure.RevealIdentity)
	v.SetDefault("exposure.reveal_rationale", d.Exposure.RevealRationale)
	v.SetDefault("exposure.reveal_summary_stats", d.Exposure.RevealSummaryStats)

	v.SetDefault("oracle.backend", d.Oracle.Backend)
	v.SetDefault("oracle.model", d.Oracle.Model)
	v.SetDefault("oracle.api_key", d.Oracle.APIKey)
	v.SetDefault("oracle.base_url", d.Oracle.BaseURL)
	v.SetDefault("oracle.timeout", d.Oracle.Timeout)
	v.SetDefault("oracle.retry_limit", d.Oracle.RetryLimit)
	v.SetDefault("oracle.retry_backoff", d.Oracle.RetryBackoff)
	v.SetDefault("oracle.temperature", d.Oracle.Temperature)
	v.SetDefault("oracle.max_tokens", d.Oracle.MaxTokens)
	v.SetDefault("oracle.workers", d.Oracle.Workers)
	v.SetDefault("oracle.rate_limit", d.Oracle.RateLimit)

	v.SetDefault("metrics.collapse_threshold", d.Metrics.CollapseThreshold)
	v.SetDefault("metrics.collapse_rounds", d.Metrics.CollapseRounds)
	v.SetDefault("metrics.commitment_share", d.Metrics.CommitmentShare)

	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.store", d.Output.Store)
	v.SetDefault("output.quiet", d.Output.Quiet)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// New returns a viper instance with defaults and environment binding. If
// file is non-empty it is read as YAML.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The bare provider variable is honoured as well.
	_ = v.BindEnv("oracle.api_key", EnvPrefix+"_ORACLE_API_KEY", "OPENROUTER_API_KEY")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.NewConfigurationError("config", "reading %s: %v", file, err)
		}
	}
	return v, nil
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigurationError("config", "decoding: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.NewConfigurationError("dotenv", "loading %s: %v", path, err)
	}
	return nil
}

// Condition resolves the configured exposure condition.
func (c *Config) Condition() (exposure.Condition, error) {
	if strings.EqualFold(c.Experiment.Condition, "custom") {
		e := c.Exposure
		return exposure.Custom(e.RevealPeers, e.RevealIdentity, e.RevealRationale, e.RevealSummaryStats), nil
	}
	return exposure.Preset(c.Experiment.Condition)
}

// Validate reports every invalid value at once. Run-shape checks that need
// the scenario (K against N, label sets) happen in deliberation.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Experiment.Scenario) == "" {
		errs = append(errs, errors.NewConfigurationError("experiment.scenario", "must not be empty"))
	}
	if _, err := c.Condition(); err != nil {
		errs = append(errs, err)
	}
	if c.Experiment.Seeds < 1 {
		errs = append(errs, errors.NewConfigurationError("experiment.seeds", "must be >= 1, got %d", c.Experiment.Seeds))
	}
	if c.Experiment.Parallel < 1 {
		errs = append(errs, errors.NewConfigurationError("experiment.parallel", "must be >= 1, got %d", c.Experiment.Parallel))
	}
	if _, err := oracle.ParseMode(c.Population.InitialStanceMode); err != nil {
		errs = append(errs, err)
	}
	switch c.Oracle.Backend {
	case BackendOpenRouter:
		if c.Oracle.APIKey == "" {
			errs = append(errs, errors.NewConfigurationError("oracle.api_key", "OPENROUTER_API_KEY is required for the openrouter backend"))
		}
	case BackendOllama:
	default:
		errs = append(errs, errors.NewConfigurationError("oracle.backend", "must be %q or %q, got %q", BackendOpenRouter, BackendOllama, c.Oracle.Backend))
	}
	if c.Oracle.Temperature < 0 || c.Oracle.Temperature > 2 {
		errs = append(errs, errors.NewConfigurationError("oracle.temperature", "must be in [0,2], got %g", c.Oracle.Temperature))
	}
	if c.Oracle.MaxTokens < 1 {
		errs = append(errs, errors.NewConfigurationError("oracle.max_tokens", "must be >= 1, got %d", c.Oracle.MaxTokens))
	}
	if c.Metrics.CollapseThreshold < 0 {
		errs = append(errs, errors.NewConfigurationError("metrics.collapse_threshold", "must be >= 0, got %g", c.Metrics.CollapseThreshold))
	}
	if c.Metrics.CollapseRounds < 1 {
		errs = append(errs, errors.NewConfigurationError("metrics.collapse_rounds", "must be >= 1, got %d", c.Metrics.CollapseRounds))
	}
	if c.Metrics.CommitmentShare <= 0 || c.Metrics.CommitmentShare > 1 {
		errs = append(errs, errors.NewConfigurationError("metrics.commitment_share", "must be in (0,1], got %g", c.Metrics.CommitmentShare))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, errors.NewConfigurationError("logging.level", "unknown level %q", c.Logging.Level))
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		errs = append(errs, errors.NewConfigurationError("logging.format", "must be text or json, got %q", f))
	}
	return errors.Join(errs...)
}

// Settings converts the configuration to run settings for one seed.
func (c *Config) Settings(seed int64) (deliberation.Settings, error) {
	cond, err := c.Condition()
	if err != nil {
		return deliberation.Settings{}, err
	}
	mode, err := oracle.ParseMode(c.Population.InitialStanceMode)
	if err != nil {
		return deliberation.Settings{}, err
	}
	return deliberation.Settings{
		ScenarioID:          c.Experiment.Scenario,
		Condition:           cond,
		Agents:              c.Population.Agents,
		Rounds:              c.Population.Rounds,
		SampleK:             c.Population.SampleK,
		Seed:                seed,
		IncludeSelf:         c.Population.IncludeSelf,
		OracleTimeout:       c.Oracle.Timeout,
		RetryLimit:          c.Oracle.RetryLimit,
		RetryBackoff:        c.Oracle.RetryBackoff,
		RationaleTruncation: c.Population.RationaleTruncation,
		Workers:             c.Oracle.Workers,
		RateLimit:           c.Oracle.RateLimit,
		Mode:                mode,
		OracleModel:         c.Oracle.Model,
		Metrics: metrics.Options{
			CollapseThreshold: c.Metrics.CollapseThreshold,
			CollapseRounds:    c.Metrics.CollapseRounds,
			CommitmentShare:   c.Metrics.CommitmentShare,
		},
	}, nil
}

// SeedList returns the seeds of a sweep.
func (c *Config) SeedList() []int64 {
	seeds := make([]int64, c.Experiment.Seeds)
	for i := range seeds {
		seeds[i] = c.Experiment.Seed + int64(i)
	}
	return seeds
}
