package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorenzotomasdiez/stance-collapse/internal/analysis"
	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/output"
	"github.com/lorenzotomasdiez/stance-collapse/internal/runlog"
	"github.com/lorenzotomasdiez/stance-collapse/internal/store"
)

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Aggregate finished runs by scenario and condition",
		Long: "Reads run summaries from the SQLite index, or from *_summary.json files under --from, " +
			"and reports means with 95% confidence intervals plus Welch tests between conditions.",
		RunE: analyzeRuns,
	}
	cmd.Flags().String("from", "", "directory to scan for summary files instead of the index")
	cmd.Flags().String("scenario", "", "only this scenario")
	cmd.Flags().String("condition", "", "only this condition id")
	cmd.Flags().Bool("json", false, "print the aggregates as JSON")
	return cmd
}

func analyzeRuns(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd, nil)
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetString("from")
	scenarioID, _ := cmd.Flags().GetString("scenario")
	conditionID, _ := cmd.Flags().GetString("condition")
	asJSON, _ := cmd.Flags().GetBool("json")

	var sums []deliberation.Summary
	if from != "" {
		sums, err = readSummaries(from)
	} else {
		sums, err = listIndexed(cmd.Context(), v.GetString("output.store"), store.Filter{ScenarioID: scenarioID, ConditionID: conditionID})
	}
	if err != nil {
		return err
	}
	sums = filterSummaries(sums, scenarioID, conditionID)
	if len(sums) == 0 {
		return fmt.Errorf("no runs found")
	}

	groups := analysis.Aggregate(sums)
	findings := analysis.Findings(groups)
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Groups   []analysis.ConditionStats `json:"groups"`
			Findings []string                  `json:"findings"`
		}{groups, findings})
	}
	output.PrintAnalysis(os.Stdout, groups, findings)
	return nil
}

func listIndexed(ctx context.Context, path string, f store.Filter) ([]deliberation.Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if path == "" {
		return nil, fmt.Errorf("no run index configured; use --from or --store")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("run index %s: %w", path, err)
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.List(ctx, f)
}

// readSummaries loads every summary file below dir.
func readSummaries(dir string) ([]deliberation.Summary, error) {
	var sums []deliberation.Summary
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, "_summary.json") {
			return nil
		}
		doc, err := runlog.ReadSummary(path)
		if err != nil {
			return err
		}
		sums = append(sums, doc.Summary)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return sums, nil
}

func filterSummaries(sums []deliberation.Summary, scenarioID, conditionID string) []deliberation.Summary {
	out := sums[:0]
	for _, s := range sums {
		if scenarioID != "" && s.ScenarioID != scenarioID {
			continue
		}
		if conditionID != "" && s.ConditionID != conditionID {
			continue
		}
		out = append(out, s)
	}
	return out
}
