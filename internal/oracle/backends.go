package oracle

import (
	"context"
	"fmt"

	"github.com/lorenzotomasdiez/stance-collapse/internal/ollama"
	"github.com/lorenzotomasdiez/stance-collapse/internal/openrouter"
)

// ChatClient is the part of the OpenRouter client the oracle needs.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// OpenRouterCompleter completes prompts through OpenRouter chat completions.
type OpenRouterCompleter struct {
	Client ChatClient
	Model  string
}

// Complete implements Completer.
func (c OpenRouterCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	temp := p.Temperature
	seed := p.Seed
	resp, err := c.Client.ChatCompletion(ctx, openrouter.ChatRequest{
		Model: c.Model,
		Messages: []openrouter.Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature:    &temp,
		Seed:           &seed,
		MaxTokens:      p.MaxTokens,
		ResponseFormat: &openrouter.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", err
	}
	content, ok := resp.Content()
	if !ok {
		return "", fmt.Errorf("oracle: openrouter returned no choices")
	}
	return content, nil
}

// GenerateClient is the part of the Ollama client the oracle needs.
type GenerateClient interface {
	Generate(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateResponse, error)
}

// OllamaCompleter completes prompts on a local Ollama server, constraining
// output with the decision schema.
type OllamaCompleter struct {
	Client GenerateClient
	Model  string
}

// Complete implements Completer.
func (c OllamaCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	seed := p.Seed
	req := ollama.GenerateRequest{
		Model:  c.Model,
		Prompt: p.User,
		System: p.System,
		Options: ollama.Options{
			Temperature: p.Temperature,
			NumPredict:  p.MaxTokens,
			Seed:        &seed,
		},
	}
	if p.Schema != nil {
		req.Format = p.Schema
	}
	resp, err := c.Client.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}
