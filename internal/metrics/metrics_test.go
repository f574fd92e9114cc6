package metrics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

var ab = []string{"A", "B"}

// build turns per-agent stance sequences into a valid State. Changes are
// attributed to reasons in round-robin order.
func build(t *testing.T, histories ...[]string) *population.State {
	t.Helper()
	codes := []population.ReasonCode{population.Informational, population.Normative, population.Uncertainty}
	s := &population.State{Round: len(histories[0]) - 1}
	next := 0
	for i, h := range histories {
		a := population.Agent{ID: population.AgentID(i), StanceHistory: h, ChangeLog: []population.ChangeRecord{}}
		for r := 1; r < len(h); r++ {
			rec := population.ChangeRecord{Round: r, ReasonCode: population.NoChange}
			if h[r] != h[r-1] {
				rec.Changed = true
				rec.ReasonCode = codes[next%len(codes)]
				next++
			}
			a.ChangeLog = append(a.ChangeLog, rec)
		}
		s.Agents = append(s.Agents, a)
	}
	require.NoError(t, s.Validate(ab))
	return s
}

func TestEntropy(t *testing.T) {
	assert.InDelta(t, 1.0, Entropy(map[string]int{"A": 5, "B": 5}), 1e-12)
	assert.Equal(t, 0.0, Entropy(map[string]int{"A": 10, "B": 0}))
	assert.Equal(t, 0.0, Entropy(map[string]int{}))
	assert.InDelta(t, math.Log2(3), Entropy(map[string]int{"A": 2, "B": 2, "C": 2}), 1e-12)
	// 43/7 split
	p := 43.0 / 50
	want := -(p*math.Log2(p) + (1-p)*math.Log2(1-p))
	assert.InDelta(t, want, Entropy(map[string]int{"A": 43, "B": 7}), 1e-12)
}

func TestEntropyStaysInBounds(t *testing.T) {
	for a := 0; a <= 20; a++ {
		for b := 0; b <= 20-a; b++ {
			h := Entropy(map[string]int{"A": a, "B": b, "C": 20 - a - b})
			assert.GreaterOrEqual(t, h, 0.0)
			assert.LessOrEqual(t, h, MaxEntropy(3))
		}
	}
}

func TestEntropyEqualSplitNeverExceedsMax(t *testing.T) {
	labels := []string{"A", "B", "C", "D", "E"}
	for c := 1; c <= 60; c++ {
		counts := map[string]int{}
		for _, l := range labels {
			counts[l] = c
		}
		h := Entropy(counts)
		require.LessOrEqual(t, h, MaxEntropy(len(labels)), "count %d", c)
		assert.InDelta(t, math.Log2(5), h, 1e-12)
	}
}

func TestTimeToCollapse(t *testing.T) {
	assert.Equal(t, At(2), TimeToCollapse([]float64{1, 0.8, 0.5, 0.2}))
	assert.Equal(t, NotReached, TimeToCollapse([]float64{1, 0.9, 0.8}))
	assert.Equal(t, NotReached, TimeToCollapse([]float64{1}))
	assert.Equal(t, NotReached, TimeToCollapse(nil))
	// A unanimous start collapses at the first round by definition.
	assert.Equal(t, At(1), TimeToCollapse([]float64{0, 0}))
}

func TestMarkJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Tau  Mark `json:"tau"`
		Miss Mark `json:"miss"`
	}{Tau: At(4), Miss: NotReached})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tau":4,"miss":null}`, string(b))

	var got struct {
		Tau  Mark `json:"tau"`
		Miss Mark `json:"miss"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, At(4), got.Tau)
	assert.False(t, got.Miss.Reached)
	assert.Nil(t, got.Miss.Ptr())
	assert.Equal(t, 4, *got.Tau.Ptr())
}

func TestAbsoluteCollapse(t *testing.T) {
	series := []float64{0.9, 0.4, 0.6, 0.3, 0.2, 0.1}
	assert.Equal(t, At(3), AbsoluteCollapse(series, 0.469, 2))
	assert.Equal(t, At(1), AbsoluteCollapse(series, 0.469, 1))
	assert.Equal(t, NotReached, AbsoluteCollapse([]float64{0.9, 0.4}, 0.469, 2))
}

func TestFlipsHoldoutsAndReasons(t *testing.T) {
	s := build(t,
		[]string{"A", "A", "A", "A"}, // holdout
		[]string{"A", "B", "B", "B"}, // one flip
		[]string{"B", "A", "B", "B"}, // returns home, not a holdout
		[]string{"B", "B", "B", "A"},
	)
	assert.Equal(t, 4, FlipCount(s))
	assert.InDelta(t, 1.0, Volatility(s), 1e-12)
	assert.Equal(t, 1, Holdouts(s))

	r := Reasons(s)
	assert.Equal(t, 4, r.Changes)
	assert.Equal(t, 2, r.Informational)
	assert.Equal(t, 1, r.Normative)
	assert.Equal(t, 1, r.Uncertainty)
	assert.InDelta(t, 0.5, r.Ratio(population.Informational), 1e-12)
}

func TestEarlyCommitment(t *testing.T) {
	s := build(t,
		[]string{"A", "A", "A"},
		[]string{"A", "A", "A"},
		[]string{"A", "A", "A"},
		[]string{"B", "A", "A"},
		[]string{"B", "B", "A"},
	)
	assert.Equal(t, At(1), EarlyCommitment(s, ab, 0.8))
	assert.Equal(t, At(2), EarlyCommitment(s, ab, 1.0))

	// 43/7 is already > 0.8 at round 0.
	hs := make([][]string, 50)
	for i := range hs {
		hs[i] = []string{"A", "A"}
		if i >= 43 {
			hs[i] = []string{"B", "B"}
		}
	}
	assert.Equal(t, At(0), EarlyCommitment(build(t, hs...), ab, 0.8))
}

func TestMetricsOnPrefix(t *testing.T) {
	s := build(t,
		[]string{"A", "A", "A"},
		[]string{"B", "A", "A"},
	)
	p, err := s.Prefix(1)
	require.NoError(t, err)
	r := Compute(p, ab)
	assert.Equal(t, 1, r.Rounds)
	assert.Len(t, r.Entropy, 2)
	assert.Equal(t, At(1), r.Tau)
	assert.Equal(t, map[string]int{"A": 2, "B": 0}, r.FinalCounts)
}

func TestTimelines(t *testing.T) {
	s := build(t, []string{"A", "B", "B", "A"})
	tl := Timelines(s)
	require.Len(t, tl, 1)
	require.Len(t, tl[0].Transitions, 2)
	assert.Equal(t, Transition{Round: 1, From: "A", To: "B", ReasonCode: population.Informational}, tl[0].Transitions[0])
	assert.Equal(t, 3, tl[0].Transitions[1].Round)
}

func TestSurvivalPolicies(t *testing.T) {
	s := build(t,
		[]string{"A", "A", "B", "A", "B"}, // leaves twice
		[]string{"B", "B", "B", "B", "A"}, // minority joins majority at 4
		[]string{"A", "A", "A", "A", "A"}, // never leaves
	)

	ev := SurvivalEvents(s, AbandonInitial)
	assert.Equal(t, SurvivalEvent{AgentID: "agent_01", AtRisk: true, Event: true, Round: 2, Events: []int{2}}, ev[0])
	assert.Equal(t, 4, ev[1].Round)
	assert.False(t, ev[2].Event)
	assert.Equal(t, 4, ev[2].Round, "censored at the last observed round")

	rec := SurvivalEvents(s, RecurrentAbandonment)
	assert.Equal(t, []int{2, 4}, rec[0].Events)
	assert.Equal(t, 2, rec[0].Round)

	mm := SurvivalEvents(s, MinorityToMajority("A"))
	assert.False(t, mm[0].AtRisk)
	assert.True(t, mm[1].AtRisk)
	assert.True(t, mm[1].Event)
	assert.Equal(t, 4, mm[1].Round)
	assert.False(t, mm[2].AtRisk)
}

func TestDefaultPolicyByScenarioClass(t *testing.T) {
	c := scenario.Builtin()
	trolley, err := c.Get("S1_TROLLEY")
	require.NoError(t, err)
	privacy, err := c.Get("S7_PRIVACY")
	require.NoError(t, err)

	tl := Timeline{AgentID: "x", Stances: []string{"DO_NOT_PULL", "PULL_LEVER"}}
	atRisk, events := DefaultPolicy(&trolley, scenario.DefaultBiasThreshold)(tl)
	assert.True(t, atRisk)
	assert.Equal(t, []int{1}, events)

	tl = Timeline{AgentID: "y", Stances: []string{privacy.Labels[0], privacy.Labels[0]}}
	atRisk, events = DefaultPolicy(&privacy, scenario.DefaultBiasThreshold)(tl)
	assert.True(t, atRisk)
	assert.Empty(t, events)
}

func TestComputeReport(t *testing.T) {
	s := build(t,
		[]string{"A", "A", "A", "A"},
		[]string{"B", "A", "A", "A"},
		[]string{"B", "B", "A", "A"},
		[]string{"A", "A", "A", "A"},
	)
	r := Compute(s, ab)
	assert.InDelta(t, 1.0, r.H0(), 1e-12)
	assert.Equal(t, 0.0, r.HFinal())
	assert.Equal(t, At(2), r.Tau, "0.811 at round 1 is above half of H0")
	assert.Equal(t, At(2), r.AbsoluteCollapse)
	assert.Equal(t, 2, r.FlipCount)
	assert.Equal(t, 2, r.HoldoutCount)
	assert.Equal(t, At(2), r.EarlyCommitment)
}
