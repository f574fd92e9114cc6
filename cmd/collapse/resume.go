package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
	"github.com/lorenzotomasdiez/stance-collapse/internal/output"
	"github.com/lorenzotomasdiez/stance-collapse/internal/runlog"
)

var resumeBindings = map[string]string{
	"backend": "oracle.backend",
	"model":   "oracle.model",
	"quiet":   "output.quiet",
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run.jsonl>",
		Short: "Continue an interrupted run from its last committed round",
		Args:  cobra.ExactArgs(1),
		RunE:  resumeRun,
	}
	cmd.Flags().String("backend", "", "oracle backend: openrouter or ollama")
	cmd.Flags().String("model", "", "oracle model id (default: the model the run started with)")
	cmd.Flags().Bool("quiet", false, "print only the final summary")
	return cmd
}

func resumeRun(cmd *cobra.Command, args []string) error {
	path := args[0]
	cp, err := runlog.ReadCheckpoint(path)
	if err != nil {
		return err
	}
	if cp.Finished {
		return fmt.Errorf("run %s already ended with status %s", cp.RunID, cp.Status)
	}

	sess, err := openSession(cmd, resumeBindings)
	if err != nil {
		return err
	}
	defer sess.Close()
	cfg := sess.cfg
	if !cmd.Flags().Changed("model") && cp.Settings.OracleModel != "" {
		cfg.Oracle.Model = cp.Settings.OracleModel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, model, err := buildGateway(ctx, cfg, sess.logger)
	if err != nil {
		return err
	}

	// Drop records of the round that was in flight when the run stopped.
	if err := runlog.Truncate(path, cp.LastRound()); err != nil {
		return err
	}
	w, err := runlog.Open(path)
	if err != nil {
		return err
	}
	defer w.Close()

	settings := cp.Settings
	settings.OracleModel = model
	settings.Metrics = metrics.Options{
		CollapseThreshold: cfg.Metrics.CollapseThreshold,
		CollapseRounds:    cfg.Metrics.CollapseRounds,
		CommitmentShare:   cfg.Metrics.CommitmentShare,
	}

	eng, err := deliberation.NewEngine(settings, cp.Scenario, nil, gw,
		deliberation.WithRecorder(w),
		deliberation.WithLogger(sess.logger),
		deliberation.WithInitialState(cp.State, cp.Diagnostics),
	)
	if err != nil {
		return err
	}

	out := sess.stdout()
	output.PrintHeader(out, settings, cp.Scenario.Name)
	fmt.Fprintf(out, "Resuming %s after round %d of %d\n", cp.RunID, cp.LastRound(), settings.Rounds)
	eng.OnRound = func(rec deliberation.RoundRecord) { output.PrintRound(out, rec) }

	res, runErr := eng.Run(ctx)
	return sess.finish(ctx, res, runErr, path)
}
