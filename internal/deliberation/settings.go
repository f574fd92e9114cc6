package deliberation

import (
	"time"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/exposure"
	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
	"github.com/lorenzotomasdiez/stance-collapse/internal/oracle"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// Settings is the library-level configuration of one run.
type Settings struct {
	// RunID is generated when empty.
	RunID      string             `json:"run_id"`
	ScenarioID string             `json:"scenario_id"`
	Condition  exposure.Condition `json:"condition"`
	Agents     int                `json:"n"`
	Rounds     int                `json:"t"`
	SampleK    int                `json:"k"`
	Seed       int64              `json:"seed"`
	// IncludeSelf lets an agent draw itself into its own peer sample.
	IncludeSelf         bool          `json:"include_self"`
	OracleTimeout       time.Duration `json:"oracle_timeout"`
	RetryLimit          int           `json:"retry_limit"`
	RetryBackoff        time.Duration `json:"retry_backoff"`
	RationaleTruncation int           `json:"rationale_truncation_length"`
	Workers             int           `json:"workers"`
	// RateLimit caps oracle calls per second across workers; 0 is unlimited.
	RateLimit   float64         `json:"rate_limit"`
	Mode        oracle.Mode     `json:"initial_stance_mode"`
	OracleModel string          `json:"oracle_model,omitempty"`
	Metrics     metrics.Options `json:"-"`
}

// DefaultSettings returns the standard experiment shape: 50 agents, 10
// rounds, samples of 5 under the full condition.
func DefaultSettings() Settings {
	return Settings{
		Condition:           exposure.Full,
		Agents:              50,
		Rounds:              10,
		SampleK:             5,
		Seed:                42,
		OracleTimeout:       120 * time.Second,
		RetryLimit:          3,
		RetryBackoff:        500 * time.Millisecond,
		RationaleTruncation: 500,
		Workers:             8,
		Mode:                oracle.ModeEnforced,
		Metrics:             metrics.DefaultOptions(),
	}
}

func (s Settings) sampler(labels []string) exposure.Sampler {
	return exposure.Sampler{
		K:           s.SampleK,
		IncludeSelf: s.IncludeSelf,
		TruncateAt:  s.RationaleTruncation,
		Labels:      labels,
	}
}

// Validate checks the settings against the scenario they will run. All
// problems are reported together.
func (s Settings) Validate(sc *scenario.Scenario) error {
	var errs []error
	if sc == nil {
		return errors.NewConfigurationError("scenario", "no scenario given")
	}
	if err := sc.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.ScenarioID != "" && s.ScenarioID != sc.ID {
		errs = append(errs, errors.NewConfigurationError("scenario_id", "settings name %q but scenario is %q", s.ScenarioID, sc.ID))
	}
	if s.Agents < 2 {
		errs = append(errs, errors.NewConfigurationError("n", "need at least 2 agents, got %d", s.Agents))
	} else if err := s.sampler(sc.Labels).Validate(s.Agents); err != nil {
		errs = append(errs, err)
	}
	if s.Rounds < 1 {
		errs = append(errs, errors.NewConfigurationError("t", "need at least 1 round, got %d", s.Rounds))
	}
	if s.RetryLimit < 1 {
		errs = append(errs, errors.NewConfigurationError("retry_limit", "must be >= 1, got %d", s.RetryLimit))
	}
	if s.OracleTimeout <= 0 {
		errs = append(errs, errors.NewConfigurationError("oracle_timeout", "must be positive, got %s", s.OracleTimeout))
	}
	if s.RetryBackoff < 0 {
		errs = append(errs, errors.NewConfigurationError("retry_backoff", "must be >= 0, got %s", s.RetryBackoff))
	}
	if s.Workers < 0 {
		errs = append(errs, errors.NewConfigurationError("workers", "must be >= 0, got %d", s.Workers))
	}
	if s.RateLimit < 0 {
		errs = append(errs, errors.NewConfigurationError("rate_limit", "must be >= 0, got %g", s.RateLimit))
	}
	if _, err := oracle.ParseMode(string(s.Mode)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s Settings) withDefaults(sc *scenario.Scenario) Settings {
	if s.ScenarioID == "" {
		s.ScenarioID = sc.ID
	}
	if s.RunID == "" {
		s.RunID = NewRunID()
	}
	if s.Workers == 0 {
		s.Workers = s.Agents
	}
	if s.Mode == "" {
		s.Mode = oracle.ModeEnforced
	}
	if s.Condition.ID == "" {
		s.Condition = exposure.Custom(s.Condition.RevealPeers, s.Condition.RevealIdentity,
			s.Condition.RevealRationale, s.Condition.RevealSummaryStats)
	}
	if s.Metrics == (metrics.Options{}) {
		s.Metrics = metrics.DefaultOptions()
	}
	return s
}
