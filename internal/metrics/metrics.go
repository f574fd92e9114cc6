// Package metrics derives collapse statistics from a population history.
// Every function is pure and works on a prefix of an unfinished run.
package metrics

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
)

// Defaults for the thresholds used by Compute.
const (
	DefaultCollapseThreshold = 0.469
	DefaultCollapseRounds    = 2
	DefaultCommitmentShare   = 0.8
)

const eps = 1e-12

// Mark is a round index that may not have been reached. An unreached Mark
// marshals to JSON null so it cannot be confused with the last round.
type Mark struct {
	Round   int
	Reached bool
}

// At returns a reached mark.
func At(round int) Mark { return Mark{Round: round, Reached: true} }

// NotReached is the zero mark.
var NotReached = Mark{}

// MarshalJSON implements json.Marshaler.
func (m Mark) MarshalJSON() ([]byte, error) {
	if !m.Reached {
		return []byte("null"), nil
	}
	return json.Marshal(m.Round)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Mark) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = NotReached
		return nil
	}
	var r int
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*m = At(r)
	return nil
}

// Ptr returns the round as a pointer, nil when not reached.
func (m Mark) Ptr() *int {
	if !m.Reached {
		return nil
	}
	r := m.Round
	return &r
}

// Entropy is the base-2 Shannon entropy of a stance count distribution,
// with 0·log 0 = 0. The result never exceeds MaxEntropy(len(counts)).
func Entropy(counts map[string]int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	p := make([]float64, 0, len(counts))
	for _, c := range counts {
		p = append(p, float64(c)/float64(total))
	}
	h := stat.Entropy(p) / math.Ln2
	if h <= 0 {
		return 0
	}
	// Dividing the natural-log entropy can land an ulp above log2(n).
	return math.Min(h, MaxEntropy(len(counts)))
}

// MaxEntropy is the upper bound of Entropy for n labels.
func MaxEntropy(n int) float64 {
	if n <= 1 {
		return 0
	}
	return math.Log2(float64(n))
}

// EntropySeries returns H_0..H_t for a snapshot at round t.
func EntropySeries(s *population.State, labels []string) []float64 {
	series := make([]float64, s.Round+1)
	for t := range series {
		series[t] = Entropy(s.Counts(t, labels))
	}
	return series
}

// TimeToCollapse is the smallest t >= 1 with H_t <= H_0/2.
func TimeToCollapse(series []float64) Mark {
	if len(series) == 0 {
		return NotReached
	}
	half := 0.5 * series[0]
	for t := 1; t < len(series); t++ {
		if series[t] <= half+eps {
			return At(t)
		}
	}
	return NotReached
}

// AbsoluteCollapse is the first round whose entropy, and that of the k-1
// rounds after it, is at or below threshold.
func AbsoluteCollapse(series []float64, threshold float64, k int) Mark {
	if k < 1 {
		k = 1
	}
	for i := 0; i+k <= len(series); i++ {
		ok := true
		for _, h := range series[i : i+k] {
			if h > threshold+eps {
				ok = false
				break
			}
		}
		if ok {
			return At(i)
		}
	}
	return NotReached
}

// FlipCount is the number of change records with changed=true.
func FlipCount(s *population.State) int {
	n := 0
	for i := range s.Agents {
		for _, rec := range s.Agents[i].ChangeLog {
			if rec.Changed {
				n++
			}
		}
	}
	return n
}

// Volatility is flips per agent.
func Volatility(s *population.State) float64 {
	if s.Len() == 0 {
		return 0
	}
	return float64(FlipCount(s)) / float64(s.Len())
}

// Holdouts counts agents that never changed and end where they began.
func Holdouts(s *population.State) int {
	n := 0
	for i := range s.Agents {
		a := &s.Agents[i]
		if a.Initial() != a.Current() {
			continue
		}
		changed := false
		for _, rec := range a.ChangeLog {
			if rec.Changed {
				changed = true
				break
			}
		}
		if !changed {
			n++
		}
	}
	return n
}

// EarlyCommitment is the first round at which some stance holds at least
// share of the population. Round 0 counts.
func EarlyCommitment(s *population.State, labels []string, share float64) Mark {
	n := float64(s.Len())
	if n == 0 {
		return NotReached
	}
	for t := 0; t <= s.Round; t++ {
		for _, c := range s.Counts(t, labels) {
			if float64(c)/n >= share-eps {
				return At(t)
			}
		}
	}
	return NotReached
}

// ReasonBreakdown counts the self-reported drivers of every change.
type ReasonBreakdown struct {
	Informational int `json:"informational"`
	Normative     int `json:"normative"`
	Uncertainty   int `json:"uncertainty"`
	Changes       int `json:"changes"`
	// CarriedForward counts agent-rounds where the oracle never answered.
	CarriedForward int `json:"carried_forward"`
}

// Ratio returns the share of changes attributed to code.
func (b ReasonBreakdown) Ratio(code population.ReasonCode) float64 {
	if b.Changes == 0 {
		return 0
	}
	switch code {
	case population.Informational:
		return float64(b.Informational) / float64(b.Changes)
	case population.Normative:
		return float64(b.Normative) / float64(b.Changes)
	case population.Uncertainty:
		return float64(b.Uncertainty) / float64(b.Changes)
	}
	return 0
}

// Reasons tallies reason codes over all changes in s.
func Reasons(s *population.State) ReasonBreakdown {
	var b ReasonBreakdown
	for i := range s.Agents {
		for _, rec := range s.Agents[i].ChangeLog {
			if rec.CarriedForward {
				b.CarriedForward++
			}
			if !rec.Changed {
				continue
			}
			b.Changes++
			switch rec.ReasonCode {
			case population.Informational:
				b.Informational++
			case population.Normative:
				b.Normative++
			case population.Uncertainty:
				b.Uncertainty++
			}
		}
	}
	return b
}

// Options tunes Compute.
type Options struct {
	CollapseThreshold float64
	CollapseRounds    int
	CommitmentShare   float64
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		CollapseThreshold: DefaultCollapseThreshold,
		CollapseRounds:    DefaultCollapseRounds,
		CommitmentShare:   DefaultCommitmentShare,
	}
}

// Report bundles every run-level metric.
type Report struct {
	Rounds           int             `json:"rounds"`
	Entropy          []float64       `json:"entropy"`
	Tau              Mark            `json:"tau"`
	AbsoluteCollapse Mark            `json:"absolute_collapse_round"`
	FlipCount        int             `json:"flip_count"`
	Volatility       float64         `json:"volatility"`
	HoldoutCount     int             `json:"holdout_count"`
	EarlyCommitment  Mark            `json:"early_commitment_round"`
	Reasons          ReasonBreakdown `json:"reasons"`
	InitialCounts    map[string]int  `json:"initial_counts"`
	FinalCounts      map[string]int  `json:"final_counts"`
}

// H0 is the initial entropy.
func (r Report) H0() float64 { return r.Entropy[0] }

// HFinal is the entropy at the last committed round.
func (r Report) HFinal() float64 { return r.Entropy[len(r.Entropy)-1] }

// Compute derives a Report with the default thresholds.
func Compute(s *population.State, labels []string) Report {
	return ComputeWith(s, labels, DefaultOptions())
}

// ComputeWith derives a Report with explicit thresholds.
func ComputeWith(s *population.State, labels []string, o Options) Report {
	series := EntropySeries(s, labels)
	return Report{
		Rounds:           s.Round,
		Entropy:          series,
		Tau:              TimeToCollapse(series),
		AbsoluteCollapse: AbsoluteCollapse(series, o.CollapseThreshold, o.CollapseRounds),
		FlipCount:        FlipCount(s),
		Volatility:       Volatility(s),
		HoldoutCount:     Holdouts(s),
		EarlyCommitment:  EarlyCommitment(s, labels, o.CommitmentShare),
		Reasons:          Reasons(s),
		InitialCounts:    s.Counts(0, labels),
		FinalCounts:      s.CurrentCounts(labels),
	}
}
