package deliberation

import (
	"context"
	"maps"

	"github.com/google/uuid"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// Phase is the orchestrator's lifecycle state.
type Phase int

const (
	Initialized Phase = iota
	RoundInProgress
	RoundComplete
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Initialized:
		return "initialized"
	case RoundInProgress:
		return "round_in_progress"
	case RoundComplete:
		return "round_complete"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Status is how a run ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusInvalid   Status = "invalid"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// AgentRound is one agent's committed outcome for one round, with the
// exposure it was shown.
type AgentRound struct {
	Round             int                     `json:"round"`
	AgentID           string                  `json:"agent_id"`
	Seed              int64                   `json:"seed"`
	ScenarioID        string                  `json:"scenario_id"`
	ConditionID       string                  `json:"condition_id"`
	Persona           string                  `json:"persona"`
	Previous          string                  `json:"previous_stance"`
	Stance            string                  `json:"stance"`
	Record            population.ChangeRecord `json:"record"`
	PeersSampled      []string                `json:"peers_sampled"`
	SummaryStatsShown bool                    `json:"summary_stats_shown"`
	Attempts          int                     `json:"attempts"`
	// LastError is the final oracle error when every attempt failed.
	LastError string `json:"last_error,omitempty"`
}

// RoundDiagnostics counts oracle behaviour within one round.
type RoundDiagnostics struct {
	Round    int                          `json:"round"`
	Attempts int                          `json:"attempts"`
	Retries  int                          `json:"retries"`
	Failures int                          `json:"failures"`
	ByKind   map[errors.TransientKind]int `json:"failures_by_kind,omitempty"`
}

// Diagnostics accumulates oracle behaviour across a run.
type Diagnostics struct {
	Rounds   []RoundDiagnostics           `json:"rounds"`
	Attempts int                          `json:"attempts"`
	Retries  int                          `json:"retries"`
	Failures int                          `json:"failures"`
	ByKind   map[errors.TransientKind]int `json:"failures_by_kind"`
}

// ParseSuccessRate is the share of attempts that produced a valid decision.
func (d Diagnostics) ParseSuccessRate() float64 {
	if d.Attempts == 0 {
		return 1
	}
	failed := 0
	for _, n := range d.ByKind {
		failed += n
	}
	return float64(d.Attempts-failed) / float64(d.Attempts)
}

// Add folds one round into the totals.
func (d *Diagnostics) Add(rd RoundDiagnostics) {
	d.Rounds = append(d.Rounds, rd)
	d.Attempts += rd.Attempts
	d.Retries += rd.Retries
	d.Failures += rd.Failures
	if d.ByKind == nil {
		d.ByKind = map[errors.TransientKind]int{}
	}
	for k, n := range rd.ByKind {
		d.ByKind[k] += n
	}
}

func (d Diagnostics) clone() Diagnostics {
	c := d
	c.Rounds = append([]RoundDiagnostics(nil), d.Rounds...)
	c.ByKind = maps.Clone(d.ByKind)
	if c.ByKind == nil {
		c.ByKind = map[errors.TransientKind]int{}
	}
	return c
}

// RunInfo describes a run as it starts.
type RunInfo struct {
	RunID    string             `json:"run_id"`
	Settings Settings           `json:"settings"`
	Scenario *scenario.Scenario `json:"scenario"`
	Initial  *population.State  `json:"-"`
	// Resumed is set when the run continues from a checkpoint.
	Resumed bool `json:"resumed"`
}

// RoundRecord is a committed round.
type RoundRecord struct {
	RunID       string            `json:"run_id"`
	Round       int               `json:"round"`
	Agents      []AgentRound      `json:"agents"`
	Counts      map[string]int    `json:"counts"`
	Entropy     float64           `json:"entropy"`
	Diagnostics RoundDiagnostics  `json:"diagnostics"`
	State       *population.State `json:"-"`
}

// Recorder receives run events. Implementations persist them; a returned
// error aborts the run.
type Recorder interface {
	RunStarted(ctx context.Context, info RunInfo) error
	RoundCommitted(ctx context.Context, rec RoundRecord) error
	RunFinished(ctx context.Context, res *Result) error
	RunInvalid(ctx context.Context, info RunInfo, cause error) error
}

// Result is the terminal artifact of a run.
type Result struct {
	RunID       string             `json:"run_id"`
	Settings    Settings           `json:"settings"`
	Scenario    *scenario.Scenario `json:"-"`
	State       *population.State  `json:"state"`
	Diagnostics Diagnostics        `json:"diagnostics"`
	Report      metrics.Report     `json:"report"`
	Status      Status             `json:"status"`
}

// Survival applies a survival policy to the final state.
func (r *Result) Survival(p metrics.Policy) []metrics.SurvivalEvent {
	return metrics.SurvivalEvents(r.State, p)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(context.Context, RunInfo) error         { return nil }
func (nopRecorder) RoundCommitted(context.Context, RoundRecord) error { return nil }
func (nopRecorder) RunFinished(context.Context, *Result) error        { return nil }
func (nopRecorder) RunInvalid(context.Context, RunInfo, error) error  { return nil }
