package oracle

import (
	"context"
	"log/slog"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/logging"
)

// Prompt is one text-generation call.
type Prompt struct {
	System      string
	User        string
	Seed        int64
	Temperature float64
	MaxTokens   int
	// Schema constrains output on backends that support structured output.
	Schema map[string]any
}

// Completer is the raw text-generation backend behind an LLMGateway.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// LLMGateway renders requests into prompts, calls a Completer and parses
// the reply into a validated Decision.
type LLMGateway struct {
	completer   Completer
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// LLMOption configures an LLMGateway.
type LLMOption func(*LLMGateway)

// WithTemperature sets the sampling temperature (default 0.2).
func WithTemperature(t float64) LLMOption { return func(g *LLMGateway) { g.temperature = t } }

// WithMaxTokens caps the completion length (default 512).
func WithMaxTokens(n int) LLMOption { return func(g *LLMGateway) { g.maxTokens = n } }

// WithLogger sets the logger used for prompt tracing.
func WithLogger(l *slog.Logger) LLMOption { return func(g *LLMGateway) { g.logger = logging.OrDiscard(l) } }

// NewLLMGateway creates a gateway over c.
func NewLLMGateway(c Completer, opts ...LLMOption) *LLMGateway {
	g := &LLMGateway{
		completer:   c,
		temperature: 0.2,
		maxTokens:   512,
		logger:      logging.Discard(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Decide implements Gateway.
func (g *LLMGateway) Decide(ctx context.Context, req Request) (Decision, error) {
	user, err := roundPrompt(req)
	if err != nil {
		return Decision{}, errors.Malformed("building prompt: %v", err)
	}
	p := Prompt{
		System:      systemPrompt(req.Persona, req.Scenario.Labels),
		User:        user,
		Seed:        req.Seed,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Schema:      ResponseSchema(req.Scenario.Labels),
	}
	logging.Trace(ctx, g.logger, "oracle prompt", "agent", req.Agent.ID, "round", req.Round, "user", user)

	raw, err := g.completer.Complete(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, errors.NewOracleError(errors.KindTimeout, err)
		}
		return Decision{}, errors.NewOracleError(errors.KindTransport, err)
	}
	logging.Trace(ctx, g.logger, "oracle response", "agent", req.Agent.ID, "round", req.Round, "raw", raw)

	d, err := Parse(raw)
	if err != nil {
		return Decision{}, err
	}
	if err := Validate(d, req.Scenario.Labels, req.Previous()); err != nil {
		return Decision{}, err
	}
	return d, nil
}
