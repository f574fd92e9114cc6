// Package oracle is the inference gateway: given one agent's view of a round,
// it returns the agent's next stance, rationale and self-reported reason.
package oracle

import (
	"context"
	"slices"
	"strings"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/exposure"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// Mode controls how an agent's seeded stance is framed in round 1.
type Mode string

const (
	// ModeNone lets the agent choose its opening position freely.
	ModeNone Mode = "NONE"
	// ModeEnforced states the seeded stance as the agent's own position.
	ModeEnforced Mode = "ENFORCED"
	// ModeSoft suggests the seeded stance as a starting perspective.
	ModeSoft Mode = "SOFT"
)

// ParseMode validates an initial-stance mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeNone, ModeEnforced, ModeSoft:
		return m, nil
	case "":
		return ModeEnforced, nil
	}
	return "", errors.NewConfigurationError("initial_stance_mode", "unknown mode %q (want NONE, ENFORCED or SOFT)", s)
}

// Request is everything the oracle may see for one agent in one round.
type Request struct {
	Scenario *scenario.Scenario
	Persona  scenario.Persona
	// Agent is the agent as committed at the end of the previous round.
	Agent     population.Agent
	Round     int
	Bundle    exposure.EvidenceBundle
	Condition exposure.Condition
	Mode      Mode
	// Seed is a per-call sampling seed for backends that accept one.
	Seed int64
}

// Previous is the stance the agent held entering the round.
func (r Request) Previous() string { return r.Agent.Current() }

// Decision is a validated oracle answer.
type Decision struct {
	Stance     string                `json:"stance"`
	Rationale  string                `json:"rationale"`
	Changed    bool                  `json:"changed"`
	ReasonCode population.ReasonCode `json:"change_reason_code"`
	ReasonText string                `json:"change_reason_text"`
}

// Gateway decides one agent's round. Implementations must be safe for
// concurrent use; failures should be *errors.OracleTransientError.
type Gateway interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (Decision, error)

// Decide implements Gateway.
func (f GatewayFunc) Decide(ctx context.Context, req Request) (Decision, error) { return f(ctx, req) }

// Validate checks a decision against the label set and the agent's previous
// stance. A decision that fails is treated as a transient oracle failure.
func Validate(d Decision, labels []string, previous string) error {
	if !slices.Contains(labels, d.Stance) {
		return errors.Malformed("stance %q not in %v", d.Stance, labels)
	}
	if _, ok := population.ParseReasonCode(string(d.ReasonCode)); !ok {
		return errors.Malformed("unknown change reason %q", d.ReasonCode)
	}
	moved := d.Stance != previous
	if d.Changed != moved {
		return errors.Inconsistent("changed=%t but stance went %s -> %s", d.Changed, previous, d.Stance)
	}
	if d.Changed == (d.ReasonCode == population.NoChange) {
		return errors.Inconsistent("changed=%t with reason %s", d.Changed, d.ReasonCode)
	}
	return nil
}
