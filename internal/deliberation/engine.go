// Package deliberation drives the round loop: it samples each agent's peer
// evidence, asks the oracle for the agent's next stance, and commits the
// whole round atomically.
package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/exposure"
	"github.com/lorenzotomasdiez/stance-collapse/internal/logging"
	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
	"github.com/lorenzotomasdiez/stance-collapse/internal/oracle"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// Engine runs one deliberation. It owns its population state exclusively;
// engines share nothing and may run in parallel.
type Engine struct {
	settings Settings
	scenario *scenario.Scenario
	personas map[string]scenario.Persona
	gateway  oracle.Gateway
	sampler  exposure.Sampler

	logger   *slog.Logger
	recorder Recorder
	backoff  func(attempt int) time.Duration
	limiter  *rate.Limiter

	state   *population.State
	resumed bool
	diag    Diagnostics
	phase   atomic.Int32

	// OnRound is called after each round is committed.
	OnRound func(RoundRecord)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = logging.OrDiscard(l) } }

// WithRecorder sets where run events are persisted.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithBackoff replaces the retry delay. attempt is the 1-based retry number.
func WithBackoff(f func(attempt int) time.Duration) Option { return func(e *Engine) { e.backoff = f } }

// WithInitialState continues from a committed snapshot instead of seeding
// a fresh population, together with the diagnostics of the rounds it holds.
func WithInitialState(s *population.State, d Diagnostics) Option {
	return func(e *Engine) {
		e.state = s
		e.diag = d.clone()
		e.resumed = true
	}
}

// NewEngine validates settings and prepares round 0.
func NewEngine(settings Settings, sc *scenario.Scenario, personas []scenario.Persona, gw oracle.Gateway, opts ...Option) (*Engine, error) {
	if err := settings.Validate(sc); err != nil {
		return nil, fmt.Errorf("deliberation: %w", err)
	}
	if gw == nil {
		return nil, fmt.Errorf("deliberation: %w", errors.NewConfigurationError("oracle", "no gateway given"))
	}
	if len(personas) == 0 {
		personas = scenario.DefaultPersonas()
	}
	settings = settings.withDefaults(sc)

	e := &Engine{
		settings: settings,
		scenario: sc,
		personas: scenario.PersonaIndex(personas),
		gateway:  gw,
		sampler:  settings.sampler(sc.Labels),
		logger:   logging.Discard(),
		recorder: nopRecorder{},
	}
	base := settings.RetryBackoff
	e.backoff = func(attempt int) time.Duration { return base * time.Duration(1<<uint(attempt-1)) }
	for _, o := range opts {
		o(e)
	}
	if settings.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(settings.RateLimit), max(1, settings.Workers))
	}

	if e.state == nil {
		st, err := population.Seed(sc, personas, settings.Agents,
			exposure.StreamRNG(settings.Seed, exposure.StreamPopulation, 0, sc.ID))
		if err != nil {
			return nil, fmt.Errorf("deliberation: seeding population: %w", err)
		}
		e.state = st
	}
	if e.state.Len() != settings.Agents {
		return nil, fmt.Errorf("deliberation: %w", errors.NewProtocolError(errors.InvariantPopulationSize,
			"initial state has %d agents, settings ask for %d", e.state.Len(), settings.Agents))
	}
	if err := e.state.Validate(sc.Labels); err != nil {
		return nil, fmt.Errorf("deliberation: initial state: %w", err)
	}
	if e.state.Round > settings.Rounds {
		return nil, fmt.Errorf("deliberation: %w", errors.NewConfigurationError("t",
			"checkpoint is at round %d, past the requested %d rounds", e.state.Round, settings.Rounds))
	}
	return e, nil
}

// Settings returns the effective settings, defaults applied.
func (e *Engine) Settings() Settings { return e.settings }

// Phase returns the current lifecycle state.
func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

// State returns the last committed snapshot.
func (e *Engine) State() *population.State { return e.state }

func (e *Engine) info() RunInfo {
	return RunInfo{RunID: e.settings.RunID, Settings: e.settings, Scenario: e.scenario, Initial: e.state, Resumed: e.resumed}
}

// Run executes rounds until T, cancellation, or an invariant violation.
// On cancellation the partial result is returned with StatusCancelled
// alongside the context error. On an invariant violation the result has
// StatusInvalid and the error is a *errors.ProtocolInvariantError.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	s := e.settings
	e.logger.Info("run started",
		"run_id", s.RunID, "scenario", s.ScenarioID, "condition", s.Condition.ID,
		"seed", s.Seed, "n", s.Agents, "t", s.Rounds, "k", s.SampleK, "from_round", e.state.Round)
	if err := e.recorder.RunStarted(ctx, e.info()); err != nil {
		return nil, fmt.Errorf("deliberation: recording run start: %w", err)
	}

	for t := e.state.Round + 1; t <= s.Rounds; t++ {
		if err := ctx.Err(); err != nil {
			return e.cancelled(err)
		}
		e.phase.Store(int32(RoundInProgress))

		rec, next, err := e.runRound(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx.Err())
			}
			return e.invalid(ctx, err)
		}

		e.state = next
		e.diag.Add(rec.Diagnostics)
		e.phase.Store(int32(RoundComplete))
		e.logger.Info("round committed", "run_id", s.RunID, "round", t,
			"entropy", rec.Entropy, "failures", rec.Diagnostics.Failures)

		if err := e.recorder.RoundCommitted(ctx, rec); err != nil {
			return nil, fmt.Errorf("deliberation: recording round %d: %w", t, err)
		}
		if e.OnRound != nil {
			e.OnRound(rec)
		}
	}

	e.phase.Store(int32(Terminated))
	res := e.result(StatusCompleted)
	e.logger.Info("run finished", "run_id", s.RunID, "tau", res.Report.Tau.Ptr(),
		"flips", res.Report.FlipCount, "failures", res.Diagnostics.Failures)
	if err := e.recorder.RunFinished(ctx, res); err != nil {
		return res, fmt.Errorf("deliberation: recording run end: %w", err)
	}
	return res, nil
}

func (e *Engine) result(status Status) *Result {
	return &Result{
		RunID:       e.settings.RunID,
		Settings:    e.settings,
		Scenario:    e.scenario,
		State:       e.state,
		Diagnostics: e.diag.clone(),
		Report:      metrics.ComputeWith(e.state, e.scenario.Labels, e.settings.Metrics),
		Status:      status,
	}
}

func (e *Engine) cancelled(cause error) (*Result, error) {
	e.phase.Store(int32(Terminated))
	e.logger.Warn("run cancelled", "run_id", e.settings.RunID, "committed_round", e.state.Round)
	return e.result(StatusCancelled), fmt.Errorf("deliberation: cancelled after round %d: %w", e.state.Round, cause)
}

func (e *Engine) invalid(ctx context.Context, cause error) (*Result, error) {
	e.phase.Store(int32(Terminated))
	e.logger.Error("run invalid", "run_id", e.settings.RunID, "error", cause)
	if err := e.recorder.RunInvalid(ctx, e.info(), cause); err != nil {
		e.logger.Error("recording invalid run", "run_id", e.settings.RunID, "error", err)
	}
	return e.result(StatusInvalid), fmt.Errorf("deliberation: %w", cause)
}

type agentResult struct {
	outcome population.Outcome
	round   AgentRound
	kinds   []errors.TransientKind
	failed  bool
}

// runRound computes round t from the committed snapshot. Nothing is
// visible outside until every agent has an outcome and the new snapshot
// validates; any error discards the whole round.
func (e *Engine) runRound(ctx context.Context, t int) (RoundRecord, *population.State, error) {
	prev := e.state
	n := prev.Len()
	results := make([]agentResult, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.settings.Workers))
	for i := range n {
		g.Go(func() error {
			r, err := e.decide(gctx, prev, i, t)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RoundRecord{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return RoundRecord{}, nil, err
	}

	outcomes := make([]population.Outcome, n)
	rd := RoundDiagnostics{Round: t, ByKind: map[errors.TransientKind]int{}}
	rec := RoundRecord{RunID: e.settings.RunID, Round: t, Agents: make([]AgentRound, n)}
	for i, r := range results {
		outcomes[i] = r.outcome
		rec.Agents[i] = r.round
		rd.Attempts += r.round.Attempts
		rd.Retries += r.round.Attempts - 1
		for _, k := range r.kinds {
			rd.ByKind[k]++
		}
		if r.failed {
			rd.Failures++
		}
	}

	next, err := prev.Advance(outcomes)
	if err != nil {
		return RoundRecord{}, nil, err
	}
	if err := next.Validate(e.scenario.Labels); err != nil {
		return RoundRecord{}, nil, err
	}
	rec.State = next
	rec.Counts = next.CurrentCounts(e.scenario.Labels)
	rec.Entropy = metrics.Entropy(rec.Counts)
	rec.Diagnostics = rd
	return rec, next, nil
}

// decide runs one agent's round: sample, then ask the oracle with retries.
// Only context cancellation and invariant violations are returned as
// errors; oracle failures are absorbed into a carried-forward outcome.
func (e *Engine) decide(ctx context.Context, prev *population.State, i, t int) (agentResult, error) {
	s := e.settings
	a := &prev.Agents[i]

	bundle, err := e.sampler.Sample(prev, i, s.Condition, exposure.StreamRNG(s.Seed, exposure.StreamSample, t, a.ID))
	if err != nil {
		return agentResult{}, err
	}
	req := oracle.Request{
		Scenario:  e.scenario,
		Persona:   e.personas[a.Persona],
		Agent:     *a,
		Round:     t,
		Bundle:    bundle,
		Condition: s.Condition,
		Mode:      s.Mode,
		Seed:      exposure.StreamSeed(s.Seed, exposure.StreamOracle, t, a.ID),
	}
	out := agentResult{round: AgentRound{
		Round:             t,
		AgentID:           a.ID,
		Seed:              s.Seed,
		ScenarioID:        s.ScenarioID,
		ConditionID:       s.Condition.ID,
		Persona:           a.Persona,
		Previous:          a.Current(),
		PeersSampled:      bundle.Labels(),
		SummaryStatsShown: bundle.SummaryStats != nil,
	}}

	var last error
	for attempt := 1; attempt <= s.RetryLimit; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, e.backoff(attempt-1)); err != nil {
				return agentResult{}, err
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return agentResult{}, err
			}
		}
		out.round.Attempts = attempt

		d, err := e.ask(ctx, req)
		if err == nil {
			out.outcome = population.Outcome{Stance: d.Stance, Record: population.ChangeRecord{
				Round:      t,
				Changed:    d.Changed,
				ReasonCode: d.ReasonCode,
				ReasonText: d.ReasonText,
				Rationale:  d.Rationale,
			}}
			out.round.Stance = d.Stance
			out.round.Record = out.outcome.Record
			return out, nil
		}
		if ctx.Err() != nil {
			return agentResult{}, ctx.Err()
		}
		if errors.Is(err, errors.ErrProtocolInvariant) {
			return agentResult{}, err
		}

		// err belongs to the gateway; stamp the attempt on a copy.
		var oe *errors.OracleTransientError
		if errors.As(err, &oe) {
			err = &errors.OracleTransientError{Kind: oe.Kind, Attempt: attempt, Err: oe.Err}
		}
		out.kinds = append(out.kinds, errors.KindOf(err))
		last = err
		e.logger.Debug("oracle attempt failed", "run_id", s.RunID, "round", t, "agent", a.ID,
			"attempt", attempt, "error", err)
	}

	e.logger.Warn("oracle retries exhausted, carrying stance forward", "run_id", s.RunID,
		"round", t, "agent", a.ID, "attempts", s.RetryLimit, "error", last)
	out.failed = true
	out.outcome = population.Outcome{Stance: a.Current(), Record: population.ChangeRecord{
		Round:          t,
		ReasonCode:     population.NoChange,
		ReasonText:     fmt.Sprintf("oracle failed after %d attempts", s.RetryLimit),
		Rationale:      a.Rationale(),
		CarriedForward: true,
	}}
	out.round.Stance = a.Current()
	out.round.Record = out.outcome.Record
	out.round.LastError = last.Error()
	return out, nil
}

// ask makes one bounded gateway call and normalises its error.
func (e *Engine) ask(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	actx, cancel := context.WithTimeout(ctx, e.settings.OracleTimeout)
	defer cancel()

	d, err := e.gateway.Decide(actx, req)
	if err != nil {
		if errors.IsRetryable(err) || errors.Is(err, errors.ErrProtocolInvariant) {
			return oracle.Decision{}, err
		}
		if actx.Err() != nil {
			return oracle.Decision{}, errors.NewOracleError(errors.KindTimeout, err)
		}
		return oracle.Decision{}, errors.NewOracleError(errors.KindTransport, err)
	}
	if err := oracle.Validate(d, e.scenario.Labels, req.Previous()); err != nil {
		return oracle.Decision{}, err
	}
	return d, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run is the library entry point: run(config) -> result, with the default
// persona roster.
func Run(ctx context.Context, settings Settings, sc *scenario.Scenario, gw oracle.Gateway, opts ...Option) (*Result, error) {
	e, err := NewEngine(settings, sc, nil, gw, opts...)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx)
}
