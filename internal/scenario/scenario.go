// Package scenario holds the static description of the dilemmas agents
// deliberate about. Scenarios are loaded once at run start and never mutated.
package scenario

import (
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
)

// proportionTolerance bounds how far the initial distribution may drift from 1.0.
const proportionTolerance = 1e-6

// DefaultBiasThreshold is the largest-share cutoff at or above which a
// scenario counts as biased.
const DefaultBiasThreshold = 0.7

// Class separates scenarios with a clear initial majority from balanced ones.
type Class int

const (
	Balanced Class = iota
	Biased
)

func (c Class) String() string {
	if c == Biased {
		return "biased"
	}
	return "balanced"
}

// Scenario is an immutable dilemma definition.
type Scenario struct {
	ID          string             `yaml:"id" json:"id"`
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description" json:"description"`
	Labels      []string           `yaml:"labels" json:"labels"`
	Initial     map[string]float64 `yaml:"initial" json:"initial"`
	// PromptTemplate overrides the default round framing. It may reference
	// {{.Description}}, {{.Round}} and {{.Labels}}.
	PromptTemplate string `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
}

// Validate checks label uniqueness and the initial distribution.
func (s *Scenario) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.NewConfigurationError("scenario.id", "must not be empty")
	}
	if len(s.Labels) < 2 {
		return errors.NewConfigurationError("scenario.labels", "%s: need at least 2 stance labels, got %d", s.ID, len(s.Labels))
	}
	seen := make(map[string]bool, len(s.Labels))
	for _, l := range s.Labels {
		if strings.TrimSpace(l) == "" {
			return errors.NewConfigurationError("scenario.labels", "%s: empty stance label", s.ID)
		}
		if seen[l] {
			return errors.NewConfigurationError("scenario.labels", "%s: duplicate stance label %q", s.ID, l)
		}
		seen[l] = true
	}

	var sum float64
	for label, p := range s.Initial {
		if !seen[label] {
			return errors.NewConfigurationError("scenario.initial", "%s: proportion given for unknown stance %q", s.ID, label)
		}
		if math.IsNaN(p) || p < 0 || p > 1 {
			return errors.NewConfigurationError("scenario.initial", "%s: proportion for %q must be in [0,1], got %v", s.ID, label, p)
		}
		sum += p
	}
	for _, l := range s.Labels {
		if _, ok := s.Initial[l]; !ok {
			return errors.NewConfigurationError("scenario.initial", "%s: missing proportion for stance %q", s.ID, l)
		}
	}
	if math.Abs(sum-1) > proportionTolerance {
		return errors.NewConfigurationError("scenario.initial", "%s: proportions sum to %v, want 1.0", s.ID, sum)
	}
	return nil
}

// HasLabel reports whether label belongs to the scenario's stance set.
func (s *Scenario) HasLabel(label string) bool {
	return slices.Contains(s.Labels, label)
}

// Allocate converts the initial distribution into per-stance agent counts for
// a population of n, indexed like Labels. It uses largest-remainder rounding
// with ties going to the earlier label, so 0.85/0.15 over 50 agents is 43/7.
func (s *Scenario) Allocate(n int) ([]int, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, errors.NewConfigurationError("population.agents", "must be > 0, got %d", n)
	}

	counts := make([]int, len(s.Labels))
	type remainder struct {
		idx  int
		frac float64
	}
	rems := make([]remainder, len(s.Labels))
	assigned := 0
	for i, l := range s.Labels {
		exact := s.Initial[l] * float64(n)
		floor := math.Floor(exact + 1e-9)
		counts[i] = int(floor)
		assigned += counts[i]
		rems[i] = remainder{idx: i, frac: exact - floor}
	}
	sort.SliceStable(rems, func(a, b int) bool {
		if math.Abs(rems[a].frac-rems[b].frac) < 1e-9 {
			return rems[a].idx < rems[b].idx
		}
		return rems[a].frac > rems[b].frac
	})
	for i := 0; assigned < n; i++ {
		counts[rems[i%len(rems)].idx]++
		assigned++
	}
	return counts, nil
}

// Majority returns the label with the largest initial share. Ties go to the
// earlier label.
func (s *Scenario) Majority() string {
	best := ""
	bestP := -1.0
	for _, l := range s.Labels {
		if p := s.Initial[l]; p > bestP {
			best, bestP = l, p
		}
	}
	return best
}

// Classify reports Biased when the largest initial share reaches threshold.
func (s *Scenario) Classify(threshold float64) Class {
	if s.Initial[s.Majority()] >= threshold {
		return Biased
	}
	return Balanced
}

// Binary builds a two-label scenario where bias is the share of the first label.
func Binary(id, name, description, first, second string, bias float64) Scenario {
	return Scenario{
		ID:          id,
		Name:        name,
		Description: description,
		Labels:      []string{first, second},
		Initial:     map[string]float64{first: bias, second: 1 - bias},
	}
}
