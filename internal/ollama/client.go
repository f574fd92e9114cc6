// Package ollama is a client for a local Ollama server's generate API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBaseURL is where a stock Ollama install listens.
const DefaultBaseURL = "http://localhost:11434"

// Options are the sampling options forwarded to the model.
type Options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	Seed        *int64  `json:"seed,omitempty"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
	// Format is either the string "json" or a JSON schema object.
	Format  any     `json:"format,omitempty"`
	Options Options `json:"options"`
}

// GenerateResponse is the non-streaming reply of /api/generate.
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Model is one entry of /api/tags.
type Model struct {
	Name string `json:"name"`
}

type tagsResponse struct {
	Models []Model `json:"models"`
}

// Client talks to one Ollama server.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client for baseURL. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{httpClient: &http.Client{}, baseURL: strings.TrimRight(baseURL, "/")}
}

// Generate runs one non-streaming completion.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	req.Stream = false
	if req.Format == nil {
		req.Format = "json"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decoding response: %w", err)
	}
	return &out, nil
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: unexpected status %d", resp.StatusCode)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return tags.Models, nil
}

// HealthCheck confirms the server is up and model is installed. Tags are
// ignored when matching, so "llama3" matches "llama3:8b".
func (c *Client) HealthCheck(ctx context.Context, model string) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	want := baseName(model)
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
		if baseName(m.Name) == want {
			return nil
		}
	}
	return fmt.Errorf("ollama: model %q not found (available: %s)", model, strings.Join(names, ", "))
}

func baseName(model string) string {
	name, _, _ := strings.Cut(model, ":")
	return name
}
