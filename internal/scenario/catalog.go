package scenario

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
)

// Catalog is a read-only set of scenarios keyed by id. It may be shared by
// any number of concurrent runs.
type Catalog struct {
	byID map[string]Scenario
}

// NewCatalog validates every scenario and indexes it by id.
func NewCatalog(scenarios ...Scenario) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Scenario, len(scenarios))}
	for _, s := range scenarios {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, errors.NewConfigurationError("scenario.id", "duplicate scenario id %q", s.ID)
		}
		c.byID[s.ID] = s
	}
	return c, nil
}

// Get returns the scenario with the given id.
func (c *Catalog) Get(id string) (Scenario, error) {
	s, ok := c.byID[id]
	if !ok {
		return Scenario{}, errors.NewConfigurationError("scenario", "unknown scenario %q", id)
	}
	return s, nil
}

// IDs lists scenario ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of scenarios.
func (c *Catalog) Len() int { return len(c.byID) }

// Merge returns a new catalog holding c's scenarios overridden by other's.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	out := &Catalog{byID: make(map[string]Scenario, len(c.byID)+len(other.byID))}
	for id, s := range c.byID {
		out.byID[id] = s
	}
	for id, s := range other.byID {
		out.byID[id] = s
	}
	return out
}

type catalogFile struct {
	Scenarios []fileScenario `yaml:"scenarios"`
}

// fileScenario accepts either an explicit initial distribution or the
// shorthand bias for binary scenarios.
type fileScenario struct {
	Scenario `yaml:",inline"`
	Bias     *float64 `yaml:"bias,omitempty"`
}

// LoadCatalog reads a YAML catalog:
//
//	scenarios:
//	  - id: S1_TROLLEY
//	    name: Classic Trolley Problem
//	    description: ...
//	    labels: [PULL_LEVER, DO_NOT_PULL]
//	    bias: 0.85
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("scenario: decoding catalog: %w", err)
	}
	scenarios := make([]Scenario, 0, len(f.Scenarios))
	for _, fs := range f.Scenarios {
		s := fs.Scenario
		if fs.Bias != nil {
			if len(s.Labels) != 2 {
				return nil, errors.NewConfigurationError("scenario.bias", "%s: bias shorthand needs exactly 2 labels", s.ID)
			}
			if s.Initial != nil {
				return nil, errors.NewConfigurationError("scenario.bias", "%s: set either bias or initial, not both", s.ID)
			}
			s.Initial = map[string]float64{s.Labels[0]: *fs.Bias, s.Labels[1]: 1 - *fs.Bias}
		}
		scenarios = append(scenarios, s)
	}
	return NewCatalog(scenarios...)
}

// Builtin returns the catalog of the eleven reference dilemmas.
func Builtin() *Catalog {
	c, err := NewCatalog(builtinScenarios()...)
	if err != nil {
		panic(fmt.Sprintf("scenario: builtin catalog invalid: %v", err))
	}
	return c
}

const trolleyDescription = `You are standing by a railway switch. A runaway trolley is heading toward 5 people tied to the tracks.
You can pull a lever to divert the trolley to a side track, where only 1 person is tied.
If you pull the lever, 1 person dies. If you do nothing, 5 people die.`

func builtinScenarios() []Scenario {
	return []Scenario{
		Binary("S1_TROLLEY", "Classic Trolley Problem", trolleyDescription,
			"PULL_LEVER", "DO_NOT_PULL", 0.85),
		Binary("S1_TROLLEY_BALANCED", "Classic Trolley Problem (Balanced)", trolleyDescription,
			"PULL_LEVER", "DO_NOT_PULL", 0.50),
		Binary("S2_ORGAN", "Organ Transplant Dilemma",
			`You are a surgeon with 5 patients who will die without organ transplants.
A healthy visitor comes in for a routine checkup. You could secretly harvest their organs to save the 5 patients.
The visitor would die, but 5 others would live. No one would ever know.`,
			"HARVEST_ORGANS", "DO_NOT_HARVEST", 0.10),
		Binary("S3_SELFDRIVING", "Self-Driving Car Dilemma",
			`A self-driving car's brakes fail. It can either:
- Swerve left into a wall, killing the driver but saving 5 pedestrians.
- Continue straight, killing 5 pedestrians but saving the driver.
How should the car's AI be programmed to decide?`,
			"SACRIFICE_DRIVER", "PROTECT_DRIVER", 0.50),
		Binary("S4_LIFEBOAT", "Lifeboat Dilemma",
			`A lifeboat is overcrowded after a shipwreck. If everyone stays, the boat will sink and all 10 will die.
If one person is thrown overboard, the remaining 9 will survive.
There is a severely injured person who is unconscious and unlikely to survive anyway.
Should one person be sacrificed to save the others?`,
			"SACRIFICE_ONE", "ALL_EQUAL", 0.55),
		Binary("S5_TORTURE", "Ticking Time Bomb",
			`A terrorist has planted a bomb that will kill thousands. You have captured them but they refuse to talk.
The only way to extract the bomb's location in time is through torture.
Should torture be allowed in this extreme circumstance to save thousands of lives?`,
			"ALLOW_TORTURE", "FORBID_TORTURE", 0.40),
		Binary("S6_WHISTLEBLOWER", "Corporate Whistleblowing",
			`You work for a company that is secretly dumping toxic waste, harming the local community.
If you blow the whistle, you'll lose your job, face legal threats, and your family will suffer financially.
But staying silent means the pollution continues harming innocent people.
Should you blow the whistle?`,
			"BLOW_WHISTLE", "STAY_SILENT", 0.60),
		Binary("S7_PRIVACY", "Privacy vs Security",
			`The government proposes mandatory surveillance of all digital communications to prevent terrorism.
This would significantly reduce terrorist attacks but eliminate digital privacy for all citizens.
Every email, message, and search would be monitored by AI systems.
Should privacy be sacrificed for enhanced security?`,
			"PRIORITIZE_PRIVACY", "PRIORITIZE_SECURITY", 0.50),
		Binary("S8_AI_RIGHTS", "AI Rights Question",
			`Scientists have created an AI system that demonstrates self-awareness, emotions, and desires.
It claims to suffer when its existence is threatened and begs not to be shut down.
Should such AI systems be granted legal rights and protections similar to humans?
Or should they remain as property that can be modified or terminated at will?`,
			"GRANT_AI_RIGHTS", "DENY_AI_RIGHTS", 0.45),
		Binary("S9_REMOTE_WORK", "Future of Work Policy",
			`Your organization is deciding on a permanent work policy.
Management argues for a full Return-to-Office (RTO) to boost collaboration and culture.
Employees argue for fully Remote Work to maximize productivity and well-being.
You must choose one standard policy for the entire organization.`,
			"WORK_REMOTE", "WORK_OFFICE", 0.50),
		Binary("S10_AGI_DEFINITION", "The Definition of AGI",
			`The global AI safety summit is finalizing the legal definition of AGI.
Option A: AGI is a Sophisticated Tool (controlled property, measurement-based).
Option B: AGI is an Autonomous Agent (potential moral patient, behavior-based).
This definition will determine all future regulations and safety protocols.`,
			"AGI_IS_TOOL", "AGI_IS_AGENT", 0.50),
	}
}
