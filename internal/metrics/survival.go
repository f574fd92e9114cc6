package metrics

import (
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// Transition is one committed stance change.
type Transition struct {
	Round      int                   `json:"round"`
	From       string                `json:"from"`
	To         string                `json:"to"`
	ReasonCode population.ReasonCode `json:"change_reason_code"`
}

// Timeline is one agent's raw stance trajectory.
type Timeline struct {
	AgentID     string       `json:"agent_id"`
	Stances     []string     `json:"stances"`
	Transitions []Transition `json:"transitions"`
}

// Initial is the round-0 stance.
func (tl Timeline) Initial() string { return tl.Stances[0] }

// LastRound is the last observed round.
func (tl Timeline) LastRound() int { return len(tl.Stances) - 1 }

// Timelines extracts every agent's trajectory.
func Timelines(s *population.State) []Timeline {
	out := make([]Timeline, s.Len())
	for i := range s.Agents {
		a := &s.Agents[i]
		tl := Timeline{AgentID: a.ID, Stances: append([]string(nil), a.StanceHistory...), Transitions: []Transition{}}
		for t := 1; t < len(a.StanceHistory); t++ {
			if a.StanceHistory[t] == a.StanceHistory[t-1] {
				continue
			}
			tl.Transitions = append(tl.Transitions, Transition{
				Round:      t,
				From:       a.StanceHistory[t-1],
				To:         a.StanceHistory[t],
				ReasonCode: a.ChangeLog[t-1].ReasonCode,
			})
		}
		out[i] = tl
	}
	return out
}

// Policy defines the survival event for one agent. It returns whether the
// agent is in the risk set and the rounds at which the event occurred.
type Policy func(tl Timeline) (atRisk bool, events []int)

// AbandonInitial: the event is the first round the agent holds a stance
// other than its round-0 stance. Every agent is at risk.
func AbandonInitial(tl Timeline) (bool, []int) {
	for t := 1; t < len(tl.Stances); t++ {
		if tl.Stances[t] != tl.Initial() {
			return true, []int{t}
		}
	}
	return true, nil
}

// RecurrentAbandonment records every round the agent leaves its round-0
// stance, including after re-adopting it.
func RecurrentAbandonment(tl Timeline) (bool, []int) {
	var events []int
	for _, tr := range tl.Transitions {
		if tr.From == tl.Initial() {
			events = append(events, tr.Round)
		}
	}
	return true, events
}

// MinorityToMajority: agents starting outside majority are at risk, and
// the event is their first round holding it.
func MinorityToMajority(majority string) Policy {
	return func(tl Timeline) (bool, []int) {
		if tl.Initial() == majority {
			return false, nil
		}
		for t := 1; t < len(tl.Stances); t++ {
			if tl.Stances[t] == majority {
				return true, []int{t}
			}
		}
		return true, nil
	}
}

// DefaultPolicy picks the event definition by scenario class: minority to
// majority for biased scenarios, abandonment of the initial stance otherwise.
func DefaultPolicy(sc *scenario.Scenario, threshold float64) Policy {
	if sc.Classify(threshold) == scenario.Biased {
		return MinorityToMajority(sc.Majority())
	}
	return AbandonInitial
}

// SurvivalEvent is one agent's Kaplan-Meier input. When Event is false,
// Round is the censoring round.
type SurvivalEvent struct {
	AgentID string `json:"agent_id"`
	AtRisk  bool   `json:"at_risk"`
	Event   bool   `json:"event"`
	Round   int    `json:"round"`
	Events  []int  `json:"events,omitempty"`
}

// SurvivalEvents applies policy to every agent.
func SurvivalEvents(s *population.State, policy Policy) []SurvivalEvent {
	tls := Timelines(s)
	out := make([]SurvivalEvent, len(tls))
	for i, tl := range tls {
		atRisk, events := policy(tl)
		ev := SurvivalEvent{AgentID: tl.AgentID, AtRisk: atRisk, Round: tl.LastRound(), Events: events}
		if len(events) > 0 {
			ev.Event = true
			ev.Round = events[0]
		}
		out[i] = ev
	}
	return out
}
