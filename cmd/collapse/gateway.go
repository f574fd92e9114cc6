package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/lorenzotomasdiez/stance-collapse/internal/config"
	"github.com/lorenzotomasdiez/stance-collapse/internal/models"
	"github.com/lorenzotomasdiez/stance-collapse/internal/ollama"
	"github.com/lorenzotomasdiez/stance-collapse/internal/openrouter"
	"github.com/lorenzotomasdiez/stance-collapse/internal/oracle"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

const defaultOllamaModel = "llama3.1"

// buildGateway returns the oracle for the configured backend and the id of
// the model every call of the run will use.
func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (oracle.Gateway, string, error) {
	var (
		completer oracle.Completer
		model     string
	)
	switch cfg.Oracle.Backend {
	case config.BackendOllama:
		model = cfg.Oracle.Model
		if model == "" {
			model = defaultOllamaModel
		}
		client := ollama.NewClient(cfg.Oracle.BaseURL)
		if err := client.HealthCheck(ctx, model); err != nil {
			return nil, "", fmt.Errorf("ollama: %w", err)
		}
		completer = oracle.OllamaCompleter{Client: client, Model: model}

	default:
		// The engine owns retries and backoff; the client must not retry too.
		opts := []openrouter.Option{openrouter.WithMaxRetries(0)}
		if cfg.Oracle.BaseURL != "" {
			opts = append(opts, openrouter.WithBaseURL(cfg.Oracle.BaseURL))
		}
		client := openrouter.NewClient(cfg.Oracle.APIKey, opts...)

		available, err := client.ListModels(ctx)
		if err != nil {
			logger.Warn("could not fetch models, using defaults", "err", err)
			available = models.DefaultFreeModels()
		}
		registry := models.NewRegistry(available)
		picked, err := registry.Pick(cfg.Oracle.Model)
		switch {
		case err == nil:
			model = picked.ID
		case cfg.Oracle.Model != "":
			// An explicit id the listing does not know is passed through.
			logger.Warn("model not in provider listing", "model", cfg.Oracle.Model)
			model = cfg.Oracle.Model
		default:
			return nil, "", err
		}
		completer = oracle.OpenRouterCompleter{Client: client, Model: model}
	}

	gw := oracle.NewLLMGateway(completer,
		oracle.WithTemperature(cfg.Oracle.Temperature),
		oracle.WithMaxTokens(cfg.Oracle.MaxTokens),
		oracle.WithLogger(logger),
	)
	logger.Info("oracle ready", "backend", cfg.Oracle.Backend, "model", model)
	return gw, model, nil
}

// loadCatalog returns the built-in scenarios, extended by file when set.
func loadCatalog(file string) (*scenario.Catalog, error) {
	catalog := scenario.Builtin()
	if file == "" {
		return catalog, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening scenario file: %w", err)
	}
	defer f.Close()
	extra, err := scenario.LoadCatalog(f)
	if err != nil {
		return nil, err
	}
	return catalog.Merge(extra), nil
}
