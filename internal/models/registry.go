// Package models picks the OpenRouter model that backs the oracle.
package models

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lorenzotomasdiez/stance-collapse/internal/openrouter"
)

// Registry holds the models available to the oracle, free models first.
type Registry struct {
	all  []openrouter.Model
	free []openrouter.Model
}

// NewRegistry indexes models. Models with nil Pricing are never free.
func NewRegistry(models []openrouter.Model) *Registry {
	r := &Registry{all: slices.Clone(models)}
	for _, m := range models {
		if m.Pricing.Free() {
			r.free = append(r.free, m)
		}
	}
	return r
}

// FreeModels returns all free models in the registry.
func (r *Registry) FreeModels() []openrouter.Model {
	return r.free
}

// Lookup finds a model by exact id.
func (r *Registry) Lookup(id string) (openrouter.Model, bool) {
	for _, m := range r.all {
		if m.ID == id {
			return m, true
		}
	}
	return openrouter.Model{}, false
}

// Pick resolves the oracle model. A non-empty preferred id must exist in the
// registry; an empty one selects the first free model. A whole run uses a
// single model, so the choice is made once.
func (r *Registry) Pick(preferred string) (openrouter.Model, error) {
	preferred = strings.TrimSpace(preferred)
	if preferred != "" {
		if m, ok := r.Lookup(preferred); ok {
			return m, nil
		}
		return openrouter.Model{}, fmt.Errorf("models: %q not offered by provider", preferred)
	}
	if len(r.free) == 0 {
		return openrouter.Model{}, fmt.Errorf("models: no free model available")
	}
	return r.free[0], nil
}

// DefaultFreeModels returns a hardcoded fallback list of known free models.
func DefaultFreeModels() []openrouter.Model {
	free := &openrouter.Pricing{Prompt: "0", Completion: "0"}
	return []openrouter.Model{
		{ID: "qwen/qwen3-235b-a22b:free", Name: "Qwen3 235B A22B", Pricing: free},
		{ID: "google/gemma-3n-e2b-it:free", Name: "Gemma 3n 2B", Pricing: free},
		{ID: "nvidia/nemotron-nano-9b-v2:free", Name: "Nemotron Nano 9B V2", Pricing: free},
		{ID: "openai/gpt-oss-120b:free", Name: "GPT OSS 120B", Pricing: free},
	}
}
