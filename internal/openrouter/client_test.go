package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func noDelay(attempt int) time.Duration { return 0 }

func testClient(url string, opts ...Option) *Client {
	return NewClient("test-key", append([]Option{WithBaseURL(url), WithBackoff(noDelay)}, opts...)...)
}

func successResponse() ChatResponse {
	return ChatResponse{
		Choices: []Choice{
			{Message: Message{Role: "assistant", Content: "ok"}},
		},
	}
}

func userMessage() ChatRequest {
	return ChatRequest{Model: "test-model", Messages: []Message{{Role: "user", Content: "hello"}}}
}

func TestChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Authorization header 'Bearer test-key', got %q", r.Header.Get("Authorization"))
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		var req ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("failed to unmarshal request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("expected model 'test-model', got %q", req.Model)
		}
		if req.Seed == nil || *req.Seed != 77 {
			t.Errorf("expected seed 77, got %v", req.Seed)
		}
		if req.Temperature == nil || *req.Temperature != 0.2 {
			t.Errorf("expected temperature 0.2, got %v", req.Temperature)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response format, got %+v", req.ResponseFormat)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "hi there"}}},
			Usage:   &Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		})
	}))
	defer server.Close()

	seed := int64(77)
	temp := 0.2
	req := userMessage()
	req.Seed = &seed
	req.Temperature = &temp
	req.ResponseFormat = &ResponseFormat{Type: "json_object"}

	resp, err := testClient(server.URL).ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content, ok := resp.Content()
	if !ok || content != "hi there" {
		t.Errorf("expected 'hi there', got %q", content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 {
		t.Errorf("expected usage to be decoded, got %+v", resp.Usage)
	}
}

func TestContentEmptyChoices(t *testing.T) {
	if _, ok := (&ChatResponse{}).Content(); ok {
		t.Error("expected no content for empty choices")
	}
	var nilResp *ChatResponse
	if _, ok := nilResp.Content(); ok {
		t.Error("expected no content for nil response")
	}
}

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/models" {
			t.Errorf("expected /models, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ModelsResponse{
			Data: []Model{
				{ID: "model-1", Name: "Model One", Pricing: &Pricing{Prompt: "0", Completion: "0"}},
				{ID: "model-2", Name: "Model Two", Pricing: nil},
			},
		})
	}))
	defer server.Close()

	models, err := testClient(server.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if !models[0].Pricing.Free() {
		t.Error("expected model-1 to be free")
	}
	if models[1].Pricing.Free() {
		t.Error("nil pricing must not count as free")
	}
}

func TestListModelsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("unauthorized"))
	}))
	defer server.Close()

	_, err := testClient(server.URL).ListModels(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("my-key")
	if client.baseURL != defaultBaseURL {
		t.Errorf("expected default base URL, got %q", client.baseURL)
	}
	if client.maxRetries != defaultMaxRetries {
		t.Errorf("expected %d retries, got %d", defaultMaxRetries, client.maxRetries)
	}
}

func TestChatCompletionRetries429(t *testing.T) {
	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if count.Add(1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, "rate limited")
			return
		}
		json.NewEncoder(w).Encode(successResponse())
	}))
	defer server.Close()

	resp, err := testClient(server.URL).ChatCompletion(context.Background(), userMessage())
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if content, _ := resp.Content(); content != "ok" {
		t.Errorf("expected 'ok', got %q", content)
	}
	if got := count.Load(); got != 3 {
		t.Errorf("expected 3 total requests, got %d", got)
	}
}

func TestChatCompletionMaxRetries(t *testing.T) {
	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "unavailable")
	}))
	defer server.Close()

	_, err := testClient(server.URL).ChatCompletion(context.Background(), userMessage())
	if err == nil {
		t.Fatal("expected error after max retries, got nil")
	}
	if got := count.Load(); got != 4 {
		t.Errorf("expected 4 total attempts (1 + 3 retries), got %d", got)
	}
}

func TestChatCompletionRetriesDisabled(t *testing.T) {
	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testClient(server.URL, WithMaxRetries(0)).ChatCompletion(context.Background(), userMessage())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := count.Load(); got != 1 {
		t.Errorf("expected a single request with retries disabled, got %d", got)
	}
}

func TestChatCompletionNoRetryOn400(t *testing.T) {
	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad request")
	}))
	defer server.Close()

	_, err := testClient(server.URL).ChatCompletion(context.Background(), userMessage())
	if err == nil {
		t.Fatal("expected error for 400, got nil")
	}
	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 request (no retry), got %d", got)
	}
}

func TestChatCompletionHonorsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(server.URL, WithBackoff(func(int) time.Duration { return time.Hour })).ChatCompletion(ctx, userMessage())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
