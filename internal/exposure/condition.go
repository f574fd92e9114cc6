// Package exposure decides what peer evidence each agent sees in a round.
package exposure

import (
	"fmt"
	"strings"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
)

// Condition is the set of visibility switches governing peer evidence. The
// booleans are the mechanism; preset names are shortcuts only, and any
// combination is valid.
type Condition struct {
	ID string `json:"condition_id" yaml:"id"`
	// RevealPeers controls whether any peer sample is shown at all.
	RevealPeers        bool `json:"reveal_peers" yaml:"reveal_peers"`
	RevealIdentity     bool `json:"reveal_identity" yaml:"reveal_identity"`
	RevealRationale    bool `json:"reveal_rationale" yaml:"reveal_rationale"`
	RevealSummaryStats bool `json:"reveal_summary_stats" yaml:"reveal_summary_stats"`
}

// Named presets.
var (
	Independent   = Condition{ID: "C0_INDEPENDENT"}
	Full          = Condition{ID: "C1_FULL", RevealPeers: true, RevealIdentity: true, RevealRationale: true, RevealSummaryStats: true}
	StanceOnly    = Condition{ID: "C2_STANCE_ONLY", RevealPeers: true, RevealIdentity: true, RevealSummaryStats: true}
	AnonBandwagon = Condition{ID: "C3_ANON_BANDWAGON", RevealPeers: true, RevealRationale: true, RevealSummaryStats: true}
	PureInfo      = Condition{ID: "C4_PURE_INFO", RevealPeers: true, RevealRationale: true}
)

// Presets returns the five named conditions in C0..C4 order.
func Presets() []Condition {
	return []Condition{Independent, Full, StanceOnly, AnonBandwagon, PureInfo}
}

var presetAliases = map[string]Condition{
	"c0": Independent, "independent": Independent,
	"c1": Full, "full": Full,
	"c2": StanceOnly, "stance-only": StanceOnly, "stance_only": StanceOnly,
	"c3": AnonBandwagon, "anon-bandwagon": AnonBandwagon, "anon_bandwagon": AnonBandwagon,
	"c4": PureInfo, "pure-info": PureInfo, "pure_info": PureInfo,
}

// Preset resolves a preset by short code (C1), full id (C1_FULL) or name
// (full, stance-only, ...). Matching is case-insensitive.
func Preset(name string) (Condition, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if c, ok := presetAliases[key]; ok {
		return c, nil
	}
	for _, c := range Presets() {
		if strings.EqualFold(c.ID, name) {
			return c, nil
		}
	}
	return Condition{}, errors.NewConfigurationError("condition", "unknown condition preset %q", name)
}

// Custom builds a condition from explicit switches. If the switches match
// a preset, that preset's id is used.
func Custom(peers, identity, rationale, stats bool) Condition {
	c := Condition{
		RevealPeers:        peers,
		RevealIdentity:     identity,
		RevealRationale:    rationale,
		RevealSummaryStats: stats,
	}
	for _, p := range Presets() {
		if p.sameSwitches(c) {
			return p
		}
	}
	c.ID = fmt.Sprintf("custom_p%di%dr%ds%d", b2i(peers), b2i(identity), b2i(rationale), b2i(stats))
	return c
}

func (c Condition) sameSwitches(o Condition) bool {
	return c.RevealPeers == o.RevealPeers &&
		c.RevealIdentity == o.RevealIdentity &&
		c.RevealRationale == o.RevealRationale &&
		c.RevealSummaryStats == o.RevealSummaryStats
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (c Condition) String() string {
	return fmt.Sprintf("%s{peers=%t identity=%t rationale=%t stats=%t}",
		c.ID, c.RevealPeers, c.RevealIdentity, c.RevealRationale, c.RevealSummaryStats)
}
