package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lorenzotomasdiez/stance-collapse/internal/config"
	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/logging"
	"github.com/lorenzotomasdiez/stance-collapse/internal/output"
	"github.com/lorenzotomasdiez/stance-collapse/internal/runlog"
	"github.com/lorenzotomasdiez/stance-collapse/internal/store"
)

var runBindings = map[string]string{
	"scenario":      "experiment.scenario",
	"condition":     "experiment.condition",
	"seed":          "experiment.seed",
	"seeds":         "experiment.seeds",
	"parallel":      "experiment.parallel",
	"scenario-file": "experiment.scenario_file",
	"agents":        "population.agents",
	"rounds":        "population.rounds",
	"k":             "population.sample_k",
	"include-self":  "population.include_self",
	"mode":          "population.initial_stance_mode",
	"backend":       "oracle.backend",
	"model":         "oracle.model",
	"workers":       "oracle.workers",
	"rate-limit":    "oracle.rate_limit",
	"quiet":         "output.quiet",
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a deliberation experiment, or a sweep over consecutive seeds",
		RunE:  runExperiment,
	}
	cmd.Flags().String("scenario", "", "scenario id (default S1_TROLLEY)")
	cmd.Flags().String("condition", "", "exposure condition: C0..C4, a preset id, or custom (default C1_FULL)")
	cmd.Flags().Int64("seed", 0, "first seed (default 42)")
	cmd.Flags().Int("seeds", 0, "number of consecutive seeds to run (default 1)")
	cmd.Flags().Int("parallel", 0, "runs of a sweep executed at once (default 1)")
	cmd.Flags().String("scenario-file", "", "YAML file of extra scenarios")
	cmd.Flags().Int("agents", 0, "population size N (default 50)")
	cmd.Flags().Int("rounds", 0, "rounds T (default 10)")
	cmd.Flags().Int("k", 0, "peers sampled per agent per round (default 5)")
	cmd.Flags().Bool("include-self", false, "allow an agent to sample itself")
	cmd.Flags().String("mode", "", "initial stance mode: NONE, ENFORCED or SOFT (default ENFORCED)")
	cmd.Flags().String("backend", "", "oracle backend: openrouter or ollama (default openrouter)")
	cmd.Flags().String("model", "", "oracle model id (default: first free model)")
	cmd.Flags().Int("workers", 0, "concurrent oracle calls per round (default 8)")
	cmd.Flags().Float64("rate-limit", 0, "oracle calls per second across workers, 0 for none")
	cmd.Flags().Bool("quiet", false, "print only the final summary")
	return cmd
}

// session holds what every oracle-backed command sets up.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
}

func openSession(cmd *cobra.Command, bindings map[string]string) (*session, error) {
	cfg, err := loadConfig(cmd, bindings)
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:    cfg,
		logger: logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr),
	}
	if cfg.Output.Store != "" {
		if s.store, err = store.Open(cfg.Output.Store); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *session) Close() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// index records res in the run store. Failures are logged; the run log
// remains the source of truth.
func (s *session) index(ctx context.Context, res *deliberation.Result) {
	if s.store == nil || res == nil {
		return
	}
	if err := s.store.Save(context.WithoutCancel(ctx), res.Summary()); err != nil {
		s.logger.Error("indexing run", "run_id", res.RunID, "err", err)
	}
}

func (s *session) stdout() io.Writer {
	if s.cfg.Output.Quiet {
		return io.Discard
	}
	return os.Stdout
}

func runExperiment(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, runBindings)
	if err != nil {
		return err
	}
	defer sess.Close()
	cfg := sess.cfg

	catalog, err := loadCatalog(cfg.Experiment.ScenarioFile)
	if err != nil {
		return err
	}
	sc, err := catalog.Get(cfg.Experiment.Scenario)
	if err != nil {
		return err
	}

	// Ctrl+C stops after the round in flight is discarded.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, model, err := buildGateway(ctx, cfg, sess.logger)
	if err != nil {
		return err
	}

	cond, err := cfg.Condition()
	if err != nil {
		return err
	}
	outDir, err := output.CreateOutputDir(cfg.Output.Dir, output.SweepSlug(sc.ID, cond.ID))
	if err != nil {
		return err
	}

	seeds := cfg.SeedList()
	jobs := make([]deliberation.Job, 0, len(seeds))
	writers := make([]*runlog.Writer, 0, len(seeds))
	defer func() {
		for _, w := range writers {
			_ = w.Close()
		}
	}()
	for _, seed := range seeds {
		settings, err := cfg.Settings(seed)
		if err != nil {
			return err
		}
		settings.RunID = deliberation.NewRunID()
		settings.OracleModel = model
		w, err := runlog.Create(outDir, settings.RunID)
		if err != nil {
			return err
		}
		writers = append(writers, w)
		jobs = append(jobs, deliberation.Job{
			Settings: settings,
			Scenario: &sc,
			Options: []deliberation.Option{
				deliberation.WithRecorder(w),
				deliberation.WithLogger(sess.logger),
			},
		})
	}

	out := sess.stdout()
	fmt.Fprintf(out, "Output: %s\n\n", outDir)

	if len(jobs) == 1 {
		job := jobs[0]
		output.PrintHeader(out, job.Settings, sc.Name)
		eng, err := deliberation.NewEngine(job.Settings, job.Scenario, nil, gw, job.Options...)
		if err != nil {
			return err
		}
		eng.OnRound = func(rec deliberation.RoundRecord) { output.PrintRound(out, rec) }
		res, runErr := eng.Run(ctx)
		return sess.finish(ctx, res, runErr, writers[0].Path())
	}

	fmt.Fprintf(out, "Sweep: %s | %s | %d seeds from %d\n", sc.ID, cond.ID, len(seeds), seeds[0])
	results := deliberation.RunBatch(ctx, jobs, gw, nil, cfg.Experiment.Parallel)
	var errs []error
	for i, br := range results {
		if err := sess.finish(ctx, br.Result, br.Err, writers[i].Path()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// finish indexes and prints one run. A cancelled run reports how to resume.
func (s *session) finish(ctx context.Context, res *deliberation.Result, runErr error, logPath string) error {
	s.index(ctx, res)
	if res != nil {
		output.PrintSummary(os.Stdout, res)
	}
	if runErr == nil {
		fmt.Fprintf(s.stdout(), "Log: %s\n", logPath)
		return nil
	}
	if res != nil && res.Status == deliberation.StatusCancelled {
		return fmt.Errorf("%w\nresume with: collapse resume %s", runErr, logPath)
	}
	return runErr
}
