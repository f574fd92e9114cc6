package deliberation

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lorenzotomasdiez/stance-collapse/internal/oracle"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// Job is one run of a batch.
type Job struct {
	Settings Settings
	Scenario *scenario.Scenario
	Options  []Option
}

// BatchResult pairs a job's result with its error. Err is nil for
// completed runs.
type BatchResult struct {
	Result *Result
	Err    error
}

// RunBatch executes isolated runs with at most parallel running at once.
// Runs share only the gateway; a failed run does not stop the others.
// Results are returned in job order.
func RunBatch(ctx context.Context, jobs []Job, gw oracle.Gateway, personas []scenario.Persona, parallel int) []BatchResult {
	out := make([]BatchResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(max(1, parallel))
	for i, job := range jobs {
		g.Go(func() error {
			e, err := NewEngine(job.Settings, job.Scenario, personas, gw, job.Options...)
			if err != nil {
				out[i] = BatchResult{Err: fmt.Errorf("deliberation: batch job %d: %w", i, err)}
				return nil
			}
			res, err := e.Run(ctx)
			out[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
