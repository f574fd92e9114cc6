package deliberation

import (
	"time"

	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
)

// Summary is the flat, per-run row used by the run index and the
// cross-run aggregation.
type Summary struct {
	RunID       string `json:"run_id" db:"run_id"`
	ScenarioID  string `json:"scenario_id" db:"scenario_id"`
	ConditionID string `json:"condition_id" db:"condition_id"`

	RevealPeers        bool `json:"reveal_peers" db:"reveal_peers"`
	RevealIdentity     bool `json:"reveal_identity" db:"reveal_identity"`
	RevealRationale    bool `json:"reveal_rationale" db:"reveal_rationale"`
	RevealSummaryStats bool `json:"reveal_summary_stats" db:"reveal_summary_stats"`

	Seed   int64  `json:"seed" db:"seed"`
	Agents int    `json:"n" db:"n"`
	Rounds int    `json:"t" db:"t"`
	K      int    `json:"k" db:"k"`
	Model  string `json:"oracle_model,omitempty" db:"oracle_model"`
	Status Status `json:"status" db:"status"`

	// CompletedRounds is the last committed round; below Rounds when the run
	// was cancelled or invalid.
	CompletedRounds int       `json:"completed_rounds" db:"completed_rounds"`
	Entropy         []float64 `json:"entropy_series" db:"-"`
	H0              float64   `json:"h0" db:"h0"`
	HFinal          float64   `json:"h_final" db:"h_final"`
	// Tau and AbsoluteCollapse are nil when not reached.
	Tau              *int    `json:"tau" db:"tau"`
	AbsoluteCollapse *int    `json:"absolute_collapse_round" db:"absolute_collapse_round"`
	EarlyCommitment  *int    `json:"early_commitment_round" db:"early_commitment_round"`
	FlipCount        int     `json:"flip_count" db:"flip_count"`
	Volatility       float64 `json:"volatility" db:"volatility"`
	HoldoutCount     int     `json:"holdout_count" db:"holdout_count"`

	Informational  int `json:"informational" db:"informational"`
	Normative      int `json:"normative" db:"normative"`
	Uncertainty    int `json:"uncertainty" db:"uncertainty"`
	Changes        int `json:"changes" db:"changes"`
	CarriedForward int `json:"carried_forward" db:"carried_forward"`

	Attempts         int     `json:"oracle_attempts" db:"oracle_attempts"`
	Failures         int     `json:"oracle_failures" db:"oracle_failures"`
	ParseSuccessRate float64 `json:"parse_success_rate" db:"parse_success_rate"`

	InitialCounts map[string]int `json:"initial_counts" db:"-"`
	FinalCounts   map[string]int `json:"final_counts" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"-"`
}

// Collapsed reports whether the run reached τ.
func (s Summary) Collapsed() bool { return s.Tau != nil }

// Summary flattens the result.
func (r *Result) Summary() Summary {
	rep := r.Report
	c := r.Settings.Condition
	return Summary{
		RunID:              r.RunID,
		ScenarioID:         r.Settings.ScenarioID,
		ConditionID:        c.ID,
		RevealPeers:        c.RevealPeers,
		RevealIdentity:     c.RevealIdentity,
		RevealRationale:    c.RevealRationale,
		RevealSummaryStats: c.RevealSummaryStats,
		Seed:               r.Settings.Seed,
		Agents:             r.Settings.Agents,
		Rounds:             r.Settings.Rounds,
		K:                  r.Settings.SampleK,
		Model:              r.Settings.OracleModel,
		Status:             r.Status,
		CompletedRounds:    rep.Rounds,
		Entropy:            rep.Entropy,
		H0:                 rep.H0(),
		HFinal:             rep.HFinal(),
		Tau:                rep.Tau.Ptr(),
		AbsoluteCollapse:   rep.AbsoluteCollapse.Ptr(),
		EarlyCommitment:    rep.EarlyCommitment.Ptr(),
		FlipCount:          rep.FlipCount,
		Volatility:         rep.Volatility,
		HoldoutCount:       rep.HoldoutCount,
		Informational:      rep.Reasons.Informational,
		Normative:          rep.Reasons.Normative,
		Uncertainty:        rep.Reasons.Uncertainty,
		Changes:            rep.Reasons.Changes,
		CarriedForward:     rep.Reasons.CarriedForward,
		Attempts:           r.Diagnostics.Attempts,
		Failures:           r.Diagnostics.Failures,
		ParseSuccessRate:   r.Diagnostics.ParseSuccessRate(),
		InitialCounts:      rep.InitialCounts,
		FinalCounts:        rep.FinalCounts,
		CreatedAt:          time.Now().UTC(),
	}
}

// DriverRatio is the share of changes attributed to INFORMATIONAL,
// NORMATIVE and UNCERTAINTY respectively.
func (s Summary) DriverRatio() (informational, normative, uncertainty float64) {
	b := metrics.ReasonBreakdown{
		Informational: s.Informational,
		Normative:     s.Normative,
		Uncertainty:   s.Uncertainty,
		Changes:       s.Changes,
	}
	return b.Ratio(population.Informational), b.Ratio(population.Normative), b.Ratio(population.Uncertainty)
}
