// Package analysis aggregates run summaries across seeds, grouped by
// scenario and exposure condition.
package analysis

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
)

// ConfidenceLevel of every interval reported here.
const ConfidenceLevel = 0.95

// Estimate describes a sample of one metric.
type Estimate struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	SD     float64 `json:"sd"`
	Median float64 `json:"median"`
	// CILow and CIHigh bound the mean; they equal Mean when N < 2.
	CILow  float64 `json:"ci_low"`
	CIHigh float64 `json:"ci_high"`
}

// Describe summarises values with a Student-t interval for the mean.
func Describe(values []float64) Estimate {
	e := Estimate{N: len(values)}
	if e.N == 0 {
		return e
	}
	data := stats.Float64Data(values)
	e.Mean, _ = stats.Mean(data)
	e.Median, _ = stats.Median(data)
	e.CILow, e.CIHigh = e.Mean, e.Mean
	if e.N < 2 {
		return e
	}
	e.SD, _ = stats.StandardDeviationSample(data)
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(e.N - 1)}.Quantile(1 - (1-ConfidenceLevel)/2)
	margin := t * e.SD / math.Sqrt(float64(e.N))
	e.CILow, e.CIHigh = e.Mean-margin, e.Mean+margin
	return e
}

// ConditionStats aggregates the completed runs of one scenario under one
// condition.
type ConditionStats struct {
	ScenarioID  string `json:"scenario_id"`
	ConditionID string `json:"condition_id"`
	Runs        int    `json:"runs"`
	// Skipped counts cancelled or invalid runs left out of every estimate.
	Skipped int `json:"skipped"`

	H0         Estimate `json:"h0"`
	HFinal     Estimate `json:"h_final"`
	Delta      Estimate `json:"entropy_delta"`
	Flips      Estimate `json:"flip_count"`
	Volatility Estimate `json:"volatility"`
	Holdouts   Estimate `json:"holdout_count"`
	// Tau covers only the runs that collapsed.
	Tau               Estimate `json:"tau"`
	Collapsed         int      `json:"collapsed"`
	CollapseRate      float64  `json:"collapse_rate"`
	AbsoluteCollapsed int      `json:"absolute_collapsed"`

	// Driver ratios pool every change across runs.
	Informational    float64 `json:"informational_ratio"`
	Normative        float64 `json:"normative_ratio"`
	Uncertainty      float64 `json:"uncertainty_ratio"`
	ParseSuccessRate float64 `json:"parse_success_rate"`

	finals []float64
	taus   []float64
}

type groupKey struct{ scenario, condition string }

// Aggregate groups summaries by scenario and condition. Groups are sorted
// by scenario id, then condition id.
func Aggregate(sums []deliberation.Summary) []ConditionStats {
	groups := map[groupKey][]deliberation.Summary{}
	for _, s := range sums {
		k := groupKey{s.ScenarioID, s.ConditionID}
		groups[k] = append(groups[k], s)
	}

	out := make([]ConditionStats, 0, len(groups))
	for k, runs := range groups {
		out = append(out, aggregate(k, runs))
	}
	slices.SortFunc(out, func(a, b ConditionStats) int {
		return cmp.Or(cmp.Compare(a.ScenarioID, b.ScenarioID), cmp.Compare(a.ConditionID, b.ConditionID))
	})
	return out
}

func aggregate(k groupKey, runs []deliberation.Summary) ConditionStats {
	cs := ConditionStats{ScenarioID: k.scenario, ConditionID: k.condition}
	var (
		h0, delta, flips, vol, holdouts, parse []float64
		inf, norm, unc, changes                int
	)
	for _, s := range runs {
		if s.Status != deliberation.StatusCompleted {
			cs.Skipped++
			continue
		}
		cs.Runs++
		h0 = append(h0, s.H0)
		cs.finals = append(cs.finals, s.HFinal)
		delta = append(delta, s.HFinal-s.H0)
		flips = append(flips, float64(s.FlipCount))
		vol = append(vol, s.Volatility)
		holdouts = append(holdouts, float64(s.HoldoutCount))
		parse = append(parse, s.ParseSuccessRate)
		if s.Tau != nil {
			cs.Collapsed++
			cs.taus = append(cs.taus, float64(*s.Tau))
		}
		if s.AbsoluteCollapse != nil {
			cs.AbsoluteCollapsed++
		}
		inf += s.Informational
		norm += s.Normative
		unc += s.Uncertainty
		changes += s.Changes
	}

	cs.H0 = Describe(h0)
	cs.HFinal = Describe(cs.finals)
	cs.Delta = Describe(delta)
	cs.Flips = Describe(flips)
	cs.Volatility = Describe(vol)
	cs.Holdouts = Describe(holdouts)
	cs.Tau = Describe(cs.taus)
	if cs.Runs > 0 {
		cs.CollapseRate = float64(cs.Collapsed) / float64(cs.Runs)
		cs.ParseSuccessRate = Describe(parse).Mean
	}
	if changes > 0 {
		cs.Informational = float64(inf) / float64(changes)
		cs.Normative = float64(norm) / float64(changes)
		cs.Uncertainty = float64(unc) / float64(changes)
	}
	return cs
}

// Comparison is a Welch two-sample t-test on a metric of two groups.
type Comparison struct {
	Metric   string  `json:"metric"`
	A        string  `json:"a"`
	B        string  `json:"b"`
	MeanDiff float64 `json:"mean_diff"`
	T        float64 `json:"t"`
	DF       float64 `json:"df"`
	P        float64 `json:"p"`
}

// Welch tests whether a and b have different means. ok is false when
// either sample has fewer than two values or both have zero variance.
func Welch(a, b []float64) (t, df, p float64, ok bool) {
	if len(a) < 2 || len(b) < 2 {
		return 0, 0, 0, false
	}
	ma, _ := stats.Mean(a)
	mb, _ := stats.Mean(b)
	va, _ := stats.SampleVariance(a)
	vb, _ := stats.SampleVariance(b)
	na, nb := float64(len(a)), float64(len(b))
	se2 := va/na + vb/nb
	if se2 == 0 {
		return 0, 0, 0, false
	}
	t = (ma - mb) / math.Sqrt(se2)
	df = se2 * se2 / ((va/na)*(va/na)/(na-1) + (vb/nb)*(vb/nb)/(nb-1))
	p = 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Survival(math.Abs(t))
	return t, df, p, true
}

// CompareFinalEntropy runs Welch's test on final entropy between a and b.
func CompareFinalEntropy(a, b ConditionStats) (Comparison, bool) {
	return compare("h_final", a, b, a.finals, b.finals)
}

// CompareTau runs Welch's test on τ over the collapsed runs of a and b.
func CompareTau(a, b ConditionStats) (Comparison, bool) {
	return compare("tau", a, b, a.taus, b.taus)
}

func compare(metric string, a, b ConditionStats, xa, xb []float64) (Comparison, bool) {
	t, df, p, ok := Welch(xa, xb)
	if !ok {
		return Comparison{}, false
	}
	ma, _ := stats.Mean(xa)
	mb, _ := stats.Mean(xb)
	return Comparison{Metric: metric, A: a.ConditionID, B: b.ConditionID, MeanDiff: ma - mb, T: t, DF: df, P: p}, true
}

// Findings states the headline contrasts per scenario: full exposure
// against rationale-only exposure, and the independent baseline drift.
func Findings(groups []ConditionStats) []string {
	byScenario := map[string]map[string]ConditionStats{}
	var order []string
	for _, g := range groups {
		if byScenario[g.ScenarioID] == nil {
			byScenario[g.ScenarioID] = map[string]ConditionStats{}
			order = append(order, g.ScenarioID)
		}
		byScenario[g.ScenarioID][g.ConditionID] = g
	}

	var out []string
	for _, sc := range order {
		conds := byScenario[sc]
		full, okFull := conds["C1_FULL"]
		info, okInfo := conds["C4_PURE_INFO"]
		if okFull && okInfo && full.Tau.N > 0 && info.Tau.N > 0 {
			faster, slower := full, info
			if info.Tau.Mean < full.Tau.Mean {
				faster, slower = info, full
			}
			line := fmt.Sprintf("%s: %s collapses faster than %s (tau %.1f vs %.1f)",
				sc, faster.ConditionID, slower.ConditionID, faster.Tau.Mean, slower.Tau.Mean)
			if c, ok := CompareTau(faster, slower); ok {
				line += fmt.Sprintf(", Welch p=%.3f", c.P)
			}
			out = append(out, line)
		}
		if c0, ok := conds["C0_INDEPENDENT"]; ok && c0.Runs > 0 {
			out = append(out, fmt.Sprintf("%s: independent baseline entropy change %+.4f", sc, c0.Delta.Mean))
		}
	}
	return out
}
