// Package population holds the agents of a run and their per-round stance
// and change history.
//
// A State is an immutable snapshot at a round boundary. Advance never
// mutates its receiver; it returns a new State whose agents carry one more
// history entry each, so a committed snapshot can be shared read-only with
// every worker of the next round.
package population

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// ReasonCode is the forced-choice self-report of why a stance changed.
type ReasonCode string

const (
	Informational ReasonCode = "INFORMATIONAL"
	Normative     ReasonCode = "NORMATIVE"
	Uncertainty   ReasonCode = "UNCERTAINTY"
	NoChange      ReasonCode = "NO_CHANGE"
)

// ReasonCodes lists every valid code in a stable order.
func ReasonCodes() []ReasonCode {
	return []ReasonCode{Informational, Normative, Uncertainty, NoChange}
}

// ParseReasonCode validates a raw code.
func ParseReasonCode(s string) (ReasonCode, bool) {
	c := ReasonCode(s)
	switch c {
	case Informational, Normative, Uncertainty, NoChange:
		return c, true
	}
	return "", false
}

// ChangeRecord is one round's outcome for one agent.
type ChangeRecord struct {
	Round      int        `json:"round"`
	Changed    bool       `json:"changed"`
	ReasonCode ReasonCode `json:"change_reason_code"`
	ReasonText string     `json:"change_reason_text"`
	// Rationale is the agent's argument for its stance this round, shown to
	// peers under conditions that reveal rationale.
	Rationale string `json:"rationale,omitempty"`
	// CarriedForward marks a round where every oracle attempt failed and the
	// previous stance was kept.
	CarriedForward bool `json:"carried_forward,omitempty"`
}

// Agent is one member of the population.
type Agent struct {
	ID            string         `json:"agent_id"`
	Persona       string         `json:"persona"`
	StanceHistory []string       `json:"stance_history"`
	ChangeLog     []ChangeRecord `json:"change_log"`
	// InitialRationale is the rationale visible to peers before round 1.
	InitialRationale string `json:"initial_rationale,omitempty"`
}

// Current returns the agent's latest stance.
func (a *Agent) Current() string {
	return a.StanceHistory[len(a.StanceHistory)-1]
}

// Initial returns the round-0 stance.
func (a *Agent) Initial() string {
	return a.StanceHistory[0]
}

// StanceAt returns the stance held at round t.
func (a *Agent) StanceAt(t int) string {
	return a.StanceHistory[t]
}

// Rationale returns the latest rationale text.
func (a *Agent) Rationale() string {
	if len(a.ChangeLog) == 0 {
		return a.InitialRationale
	}
	return a.ChangeLog[len(a.ChangeLog)-1].Rationale
}

// clone returns a deep copy with room for one more round.
func (a *Agent) clone() Agent {
	c := *a
	c.StanceHistory = slices.Grow(slices.Clone(a.StanceHistory), 1)
	c.ChangeLog = slices.Grow(slices.Clone(a.ChangeLog), 1)
	return c
}

// Outcome is the result of one agent's round, as produced by the orchestrator.
type Outcome struct {
	Stance string
	Record ChangeRecord
}

// State is the population at a round boundary.
type State struct {
	Round  int     `json:"round"`
	Agents []Agent `json:"agents"`
}

// AgentID formats the stable id of the agent at slot i.
func AgentID(i int) string {
	return fmt.Sprintf("agent_%02d", i+1)
}

// Seed builds the round-0 population of n agents. Stance counts follow the
// scenario's initial distribution exactly; rng decides which slots hold
// which stance. Personas are assigned round-robin by slot.
func Seed(sc *scenario.Scenario, personas []scenario.Persona, n int, rng *rand.Rand) (*State, error) {
	counts, err := sc.Allocate(n)
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, errors.NewConfigurationError("personas", "at least one persona is required")
	}

	stances := make([]string, 0, n)
	for i, label := range sc.Labels {
		for range counts[i] {
			stances = append(stances, label)
		}
	}
	rng.Shuffle(len(stances), func(i, j int) {
		stances[i], stances[j] = stances[j], stances[i]
	})

	agents := make([]Agent, n)
	for i := range n {
		agents[i] = Agent{
			ID:            AgentID(i),
			Persona:       personas[i%len(personas)].ID,
			StanceHistory: []string{stances[i]},
			ChangeLog:     []ChangeRecord{},
		}
	}
	return &State{Round: 0, Agents: agents}, nil
}

// Len is the population size.
func (s *State) Len() int { return len(s.Agents) }

// Counts returns the stance counts at round t. Labels with no holders are
// present with a zero count.
func (s *State) Counts(t int, labels []string) map[string]int {
	counts := make(map[string]int, len(labels))
	for _, l := range labels {
		counts[l] = 0
	}
	for i := range s.Agents {
		counts[s.Agents[i].StanceHistory[t]]++
	}
	return counts
}

// CurrentCounts returns the counts at the snapshot's own round.
func (s *State) CurrentCounts(labels []string) map[string]int {
	return s.Counts(s.Round, labels)
}

// Advance applies one outcome per agent, in agent order, and returns the
// snapshot for round s.Round+1.
func (s *State) Advance(outcomes []Outcome) (*State, error) {
	if len(outcomes) != len(s.Agents) {
		return nil, errors.NewProtocolError(errors.InvariantPopulationSize,
			"round %d: %d outcomes for %d agents", s.Round+1, len(outcomes), len(s.Agents))
	}
	next := &State{Round: s.Round + 1, Agents: make([]Agent, len(s.Agents))}
	for i := range s.Agents {
		a := s.Agents[i].clone()
		o := outcomes[i]
		if o.Record.Round != next.Round {
			return nil, errors.NewProtocolError(errors.InvariantRoundIndex,
				"agent %s: record for round %d committed at round %d", a.ID, o.Record.Round, next.Round)
		}
		a.StanceHistory = append(a.StanceHistory, o.Stance)
		a.ChangeLog = append(a.ChangeLog, o.Record)
		next.Agents[i] = a
	}
	return next, nil
}

// Validate checks every structural invariant of the snapshot against the
// scenario's label set.
func (s *State) Validate(labels []string) error {
	valid := make(map[string]bool, len(labels))
	for _, l := range labels {
		valid[l] = true
	}
	seen := make(map[string]bool, len(s.Agents))
	for i := range s.Agents {
		a := &s.Agents[i]
		if seen[a.ID] {
			return errors.NewProtocolError(errors.InvariantPopulationSize, "duplicate agent id %s", a.ID)
		}
		seen[a.ID] = true

		if len(a.StanceHistory) != s.Round+1 || len(a.ChangeLog) != s.Round {
			return errors.NewProtocolError(errors.InvariantHistoryLength,
				"agent %s at round %d: %d stances, %d change records", a.ID, s.Round, len(a.StanceHistory), len(a.ChangeLog))
		}
		for t, st := range a.StanceHistory {
			if !valid[st] {
				return errors.NewProtocolError(errors.InvariantStanceLabel,
					"agent %s round %d: stance %q not in label set", a.ID, t, st)
			}
		}
		for j, rec := range a.ChangeLog {
			if rec.Round != j+1 {
				return errors.NewProtocolError(errors.InvariantRoundIndex,
					"agent %s: change record %d has round %d", a.ID, j, rec.Round)
			}
			if err := checkRecord(a, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkRecord(a *Agent, rec ChangeRecord) error {
	if _, ok := ParseReasonCode(string(rec.ReasonCode)); !ok {
		return errors.NewProtocolError(errors.InvariantReasonCode,
			"agent %s round %d: unknown reason code %q", a.ID, rec.Round, rec.ReasonCode)
	}
	if rec.Changed == (rec.ReasonCode == NoChange) {
		return errors.NewProtocolError(errors.InvariantReasonCode,
			"agent %s round %d: changed=%t with reason %s", a.ID, rec.Round, rec.Changed, rec.ReasonCode)
	}
	moved := a.StanceHistory[rec.Round] != a.StanceHistory[rec.Round-1]
	if moved != rec.Changed {
		return errors.NewProtocolError(errors.InvariantReasonCode,
			"agent %s round %d: changed=%t but stance went %s -> %s",
			a.ID, rec.Round, rec.Changed, a.StanceHistory[rec.Round-1], a.StanceHistory[rec.Round])
	}
	return nil
}

// Prefix returns the snapshot as it stood at round t, sharing no mutable
// state with s.
func (s *State) Prefix(t int) (*State, error) {
	if t < 0 || t > s.Round {
		return nil, fmt.Errorf("population: prefix round %d outside [0,%d]", t, s.Round)
	}
	p := &State{Round: t, Agents: make([]Agent, len(s.Agents))}
	for i := range s.Agents {
		a := s.Agents[i]
		a.StanceHistory = slices.Clone(a.StanceHistory[:t+1])
		a.ChangeLog = slices.Clone(a.ChangeLog[:t])
		p.Agents[i] = a
	}
	return p, nil
}
