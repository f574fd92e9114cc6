package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lorenzotomasdiez/stance-collapse/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "collapse",
		Short: "Measure stance collapse in populations of LLM agents",
		Long: "Runs round-based deliberation experiments: a population of LLM agents holds stances on a dilemma, " +
			"sees a sample of its peers each round under a controlled exposure condition, and may update. " +
			"Entropy of the stance distribution is tracked until it collapses or the rounds run out.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "YAML config file")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().String("api-key", "", "OpenRouter API key (overrides OPENROUTER_API_KEY env var)")
	root.PersistentFlags().String("output-dir", "", "directory for run logs and summaries (default runs)")
	root.PersistentFlags().String("store", "", "SQLite run index (default runs/index.db)")
	root.PersistentFlags().String("log-level", "", "trace, debug, info, warn or error (default info)")
	root.PersistentFlags().String("log-format", "", "text or json (default text)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newScenariosCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootBindings maps persistent flags to config keys.
var rootBindings = map[string]string{
	"api-key":    "oracle.api_key",
	"output-dir": "output.dir",
	"store":      "output.store",
	"log-level":  "logging.level",
	"log-format": "logging.format",
}

// newViper loads the dotenv file and the config file, then binds the
// flags of cmd that appear in bindings.
func newViper(cmd *cobra.Command, bindings map[string]string) (*viper.Viper, error) {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	file, _ := cmd.Root().PersistentFlags().GetString("config")
	v, err := config.New(file)
	if err != nil {
		return nil, err
	}
	for _, set := range []map[string]string{rootBindings, bindings} {
		for flag, key := range set {
			if f := cmd.Flags().Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding --%s: %w", flag, err)
				}
			}
		}
	}
	return v, nil
}

// loadConfig returns the validated configuration for commands that call
// the oracle.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	v, err := newViper(cmd, bindings)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}
