package exposure

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"
	"unicode/utf8"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
)

// RNG stream names. Each stream is independent of the others for the same
// seed, round and agent.
const (
	StreamSample     = "sample"
	StreamOracle     = "oracle"
	StreamPopulation = "seed"
)

// StreamRNG derives a generator for one (seed, stream, round, agent) cell.
// Cells are decorrelated by hashing, so agent i's draw at round t tells
// nothing about agent j's draw at round t, or about agent i's at t-1.
func StreamRNG(seed int64, stream string, round int, agentID string) *rand.Rand {
	sum := streamDigest(seed, stream, round, agentID)
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16])))
}

// StreamSeed derives a 32-bit seed for one cell, for oracles that accept a
// sampling seed.
func StreamSeed(seed int64, stream string, round int, agentID string) int64 {
	sum := streamDigest(seed, stream, round, agentID)
	return int64(binary.BigEndian.Uint32(sum[16:20]))
}

func streamDigest(seed int64, stream string, round int, agentID string) [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d|%s", seed, stream, round, agentID)))
}

// PeerRecord is one sampled peer as the agent sees it.
type PeerRecord struct {
	// Label is the peer's agent id, or "Peer n" when identity is hidden.
	Label   string `json:"label"`
	Persona string `json:"persona,omitempty"`
	Stance  string `json:"stance"`
	// Rationale is nil when the condition hides rationale.
	Rationale *string `json:"rationale,omitempty"`
}

// EvidenceBundle is everything an agent may see about its peers in a round.
type EvidenceBundle struct {
	Peers []PeerRecord `json:"peers"`
	// SummaryStats counts every stance across the whole population at the
	// previous round. Nil when the condition hides it.
	SummaryStats map[string]int `json:"summary_stats,omitempty"`

	sources []int
}

// Sources returns the population slots of the sampled peers in Peers order.
// It exists for diagnostics and must never be rendered to the oracle.
func (b EvidenceBundle) Sources() []int { return b.sources }

// Labels returns the peer labels in order.
func (b EvidenceBundle) Labels() []string {
	out := make([]string, len(b.Peers))
	for i, p := range b.Peers {
		out[i] = p.Label
	}
	return out
}

// Sampler draws each agent's peer evidence. Self-sampling is excluded
// unless IncludeSelf is set.
type Sampler struct {
	K           int
	IncludeSelf bool
	// TruncateAt bounds peer rationale length in runes; 0 disables it.
	TruncateAt int
	Labels     []string
}

// Pool is the number of candidate peers in a population of n.
func (s Sampler) Pool(n int) int {
	if s.IncludeSelf {
		return n
	}
	return n - 1
}

// Validate rejects a K that cannot be drawn without replacement from a
// population of n. It never clamps.
func (s Sampler) Validate(n int) error {
	if s.K < 0 {
		return errors.NewConfigurationError("sample_k", "must be >= 0, got %d", s.K)
	}
	if pool := s.Pool(n); s.K > pool {
		return errors.NewConfigurationError("sample_k", "K=%d exceeds the %d available peers (N=%d, include_self=%t)", s.K, pool, n, s.IncludeSelf)
	}
	if s.TruncateAt < 0 {
		return errors.NewConfigurationError("rationale_truncation_length", "must be >= 0, got %d", s.TruncateAt)
	}
	return nil
}

// Sample builds the evidence bundle for the agent at slot self, reading
// only the committed snapshot prev.
func (s Sampler) Sample(prev *population.State, self int, cond Condition, rng *rand.Rand) (EvidenceBundle, error) {
	n := prev.Len()
	if err := s.Validate(n); err != nil {
		return EvidenceBundle{}, err
	}

	var bundle EvidenceBundle
	if cond.RevealSummaryStats {
		bundle.SummaryStats = prev.CurrentCounts(s.Labels)
	}
	if !cond.RevealPeers || s.K == 0 {
		bundle.Peers = []PeerRecord{}
		return bundle, nil
	}

	picked := s.draw(n, self, rng)
	if err := checkDraw(picked, self, s.IncludeSelf, n); err != nil {
		return EvidenceBundle{}, err
	}
	if cond.RevealIdentity {
		// Order by id so prompt order carries no information.
		sort.Ints(picked)
	}

	bundle.Peers = make([]PeerRecord, len(picked))
	for pos, idx := range picked {
		a := &prev.Agents[idx]
		rec := PeerRecord{Stance: a.Current()}
		if cond.RevealIdentity {
			rec.Label = a.ID
			rec.Persona = a.Persona
		} else {
			rec.Label = fmt.Sprintf("Peer %d", pos+1)
		}
		if cond.RevealRationale {
			text := Truncate(a.Rationale(), s.TruncateAt)
			rec.Rationale = &text
		}
		bundle.Peers[pos] = rec
	}
	bundle.sources = picked
	return bundle, nil
}

// draw is a partial Fisher-Yates shuffle over the candidate slots; the
// result is in draw order.
func (s Sampler) draw(n, self int, rng *rand.Rand) []int {
	pool := make([]int, 0, n)
	for i := range n {
		if i == self && !s.IncludeSelf {
			continue
		}
		pool = append(pool, i)
	}
	for i := range s.K {
		j := i + rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:s.K:s.K]
}

func checkDraw(picked []int, self int, includeSelf bool, n int) error {
	seen := make(map[int]bool, len(picked))
	for _, idx := range picked {
		if idx < 0 || idx >= n {
			return errors.NewProtocolError(errors.InvariantSampleIndependence, "peer slot %d outside population of %d", idx, n)
		}
		if seen[idx] {
			return errors.NewProtocolError(errors.InvariantSampleIndependence, "peer slot %d drawn twice", idx)
		}
		if idx == self && !includeSelf {
			return errors.NewProtocolError(errors.InvariantSampleIndependence, "agent slot %d sampled itself", self)
		}
		seen[idx] = true
	}
	return nil
}

// Truncate keeps at most max runes of text, dropping the tail. max <= 0
// leaves text unchanged.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	count := 0
	for i := range text {
		if count == max {
			return text[:i]
		}
		count++
	}
	return text
}
