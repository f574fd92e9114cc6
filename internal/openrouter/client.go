// Package openrouter is a minimal client for the OpenRouter chat API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultBaseURL    = "https://openrouter.ai/api/v1"
	defaultMaxRetries = 3
)

// StatusError is a non-200 reply from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client is an OpenRouter API client.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	maxRetries  int
	backoffFunc func(attempt int) time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (for testing or proxies).
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithMaxRetries sets how many times transient statuses (429, 5xx) are
// retried. Zero disables client-side retry.
func WithMaxRetries(n int) Option { return func(c *Client) { c.maxRetries = max(n, 0) } }

// WithBackoff replaces the retry delay function.
func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(c *Client) { c.backoffFunc = f }
}

func defaultBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// NewClient creates a new Client with the default OpenRouter base URL.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{},
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		maxRetries:  defaultMaxRetries,
		backoffFunc: defaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ChatCompletion sends a chat completion request with retry for transient failures.
func (c *Client) ChatCompletion(ctx context.Context, reqBody ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}

	resp, err := c.doWithRetry(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	defer resp.Body.Close()

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("openrouter: decoding response: %w", err)
	}
	return &chatResp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

func (c *Client) doWithRetry(ctx context.Context, do func(context.Context) (*http.Response, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoffFunc(attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := do(ctx)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}

		if !isRetryable(resp.StatusCode) || attempt == c.maxRetries {
			return nil, lastErr
		}

		// Retry-After on 429 is an additional wait on top of backoff.
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil && secs > 0 {
				// Zero backoff signals test mode.
				if c.backoffFunc(0) > 0 {
					if err := sleep(ctx, time.Duration(secs)*time.Second); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return nil, lastErr
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

// ListModels retrieves available models from OpenRouter.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openrouter: %w", &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	var modelsResp ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	return modelsResp.Data, nil
}
