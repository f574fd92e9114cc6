// Package runlog persists a run as an append-only JSONL event log, one
// JSON object per line, plus a summary file once the run finishes.
//
// A round is written as round_start, one agent_round per agent, then
// round_end. Only rounds with a round_end line count as committed; anything
// after the last round_end is discarded on resume.
package runlog

import (
	"time"

	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// EventType names a log line.
type EventType string

const (
	EventRunStart   EventType = "run_start"
	EventConfig     EventType = "config"
	EventInitial    EventType = "initial"
	EventRoundStart EventType = "round_start"
	EventAgentRound EventType = "agent_round"
	EventRoundEnd   EventType = "round_end"
	EventRunEnd     EventType = "run_end"
	EventRunInvalid EventType = "run_invalid"
)

// Event is one log line. Which optional fields are set depends on Type.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Round     int       `json:"round"`

	// run_start
	Resumed bool `json:"resumed,omitempty"`
	// config
	Settings *deliberation.Settings `json:"settings,omitempty"`
	Scenario *scenario.Scenario     `json:"scenario,omitempty"`
	// initial
	Agents []population.Agent `json:"agents,omitempty"`
	// agent_round
	Agent *deliberation.AgentRound `json:"agent,omitempty"`
	// round_start, round_end
	Counts      map[string]int                 `json:"counts,omitempty"`
	Entropy     *float64                       `json:"entropy,omitempty"`
	Diagnostics *deliberation.RoundDiagnostics `json:"diagnostics,omitempty"`
	// run_end
	Summary *deliberation.Summary `json:"summary,omitempty"`
	// run_end, run_invalid
	Status deliberation.Status `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
}
