// Package oracletest provides deterministic gateways for tests.
package oracletest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/oracle"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
)

// Keep returns a decision that holds the previous stance.
func Keep(req oracle.Request) oracle.Decision {
	return oracle.Decision{
		Stance:     req.Previous(),
		Rationale:  fmt.Sprintf("%s keeps %s", req.Agent.ID, req.Previous()),
		ReasonCode: population.NoChange,
	}
}

// Switch returns a decision moving to stance, or Keep if stance is current.
func Switch(req oracle.Request, stance string, code population.ReasonCode) oracle.Decision {
	if stance == req.Previous() {
		return Keep(req)
	}
	return oracle.Decision{
		Stance:     stance,
		Rationale:  fmt.Sprintf("%s moves to %s", req.Agent.ID, stance),
		Changed:    true,
		ReasonCode: code,
		ReasonText: "persuaded by peers",
	}
}

// Stubborn never changes stance.
var Stubborn = oracle.GatewayFunc(func(_ context.Context, req oracle.Request) (oracle.Decision, error) {
	return Keep(req), nil
})

// Conformist adopts the strict majority of its visible peers. With no
// visible peers it falls back to the summary stats; with neither it keeps.
var Conformist = oracle.GatewayFunc(func(_ context.Context, req oracle.Request) (oracle.Decision, error) {
	counts := map[string]int{}
	total := 0
	for _, p := range req.Bundle.Peers {
		counts[p.Stance]++
		total++
	}
	if total == 0 {
		for k, v := range req.Bundle.SummaryStats {
			counts[k] = v
			total += v
		}
	}
	for _, label := range req.Scenario.Labels {
		if 2*counts[label] > total {
			return Switch(req, label, population.Normative), nil
		}
	}
	return Keep(req), nil
})

// Random switches to a uniformly chosen other label with probability p,
// drawing from the request seed so results depend only on the run seed.
func Random(p float64) oracle.Gateway {
	return oracle.GatewayFunc(func(_ context.Context, req oracle.Request) (oracle.Decision, error) {
		rng := rand.New(rand.NewPCG(uint64(req.Seed), uint64(req.Round)))
		if rng.Float64() >= p {
			return Keep(req), nil
		}
		others := make([]string, 0, len(req.Scenario.Labels)-1)
		for _, l := range req.Scenario.Labels {
			if l != req.Previous() {
				others = append(others, l)
			}
		}
		codes := []population.ReasonCode{population.Informational, population.Normative, population.Uncertainty}
		return Switch(req, others[rng.IntN(len(others))], codes[rng.IntN(len(codes))]), nil
	})
}

// FailRounds wraps g so that every call in the listed rounds fails with a
// transport error.
func FailRounds(g oracle.Gateway, rounds ...int) oracle.Gateway {
	fail := make(map[int]bool, len(rounds))
	for _, r := range rounds {
		fail[r] = true
	}
	return oracle.GatewayFunc(func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
		if fail[req.Round] {
			return oracle.Decision{}, errors.NewOracleError(errors.KindTransport, fmt.Errorf("injected failure in round %d", req.Round))
		}
		return g.Decide(ctx, req)
	})
}

// Counter wraps a gateway and counts calls per (round, agent).
type Counter struct {
	Gateway oracle.Gateway

	mu    sync.Mutex
	calls map[string]int
	total int
}

// Decide implements oracle.Gateway.
func (c *Counter) Decide(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[key(req.Round, req.Agent.ID)]++
	c.total++
	n := c.calls[key(req.Round, req.Agent.ID)]
	c.mu.Unlock()
	ctx = context.WithValue(ctx, attemptKey{}, n)
	return c.Gateway.Decide(ctx, req)
}

// Calls returns how often (round, agent) was asked.
func (c *Counter) Calls(round int, agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key(round, agentID)]
}

// Total returns the number of calls made.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

type attemptKey struct{}

// Attempt returns the 1-based attempt number set by a Counter, or 0.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Flaky fails the first n attempts of every (round, agent) with a malformed
// payload error, then defers to g. Wrap it in a Counter.
func Flaky(g oracle.Gateway, n int) oracle.Gateway {
	return oracle.GatewayFunc(func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
		if Attempt(ctx) <= n {
			return oracle.Decision{}, errors.Malformed("injected malformed payload")
		}
		return g.Decide(ctx, req)
	})
}

// Blocking waits for ctx to end, simulating a hung backend.
var Blocking = oracle.GatewayFunc(func(ctx context.Context, _ oracle.Request) (oracle.Decision, error) {
	<-ctx.Done()
	return oracle.Decision{}, errors.NewOracleError(errors.KindTimeout, ctx.Err())
})

func key(round int, agentID string) string { return fmt.Sprintf("%d/%s", round, agentID) }
