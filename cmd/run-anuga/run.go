package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Hydrata/run-anuga/pkg/checkpoint"
	"github.com/Hydrata/run-anuga/pkg/config"
	"github.com/Hydrata/run-anuga/pkg/monitor"
	"github.com/Hydrata/run-anuga/pkg/orchestrator"
)

// engineBinding is the solver one rank drives.
type engineBinding struct {
	Engine orchestrator.Engine
	// Domain feeds the rank 0 monitor; nil disables diagnostics.
	Domain monitor.Domain
	// Loader restores checkpoints when the batch resumes.
	Loader checkpoint.Loader
}

// linkEngine builds the solver for a validated configuration. It stays nil
// unless a solver is compiled into the binary.
var linkEngine func(cfg *config.Config) (*engineBinding, error)

var errNoEngine = errors.New("no simulation engine is linked into this build")

func newRunCommand(configPath *string) *cobra.Command {
	var (
		batch          int
		checkpointTime float64
	)
	cmd := &cobra.Command{
		Use:   "run PACKAGE_DIR",
		Short: "Run one batch of a packaged simulation",
		Long: `Run one batch of a packaged simulation.

The configuration is read from PACKAGE_DIR/run-anuga.yaml unless --config is
given. --batch-number and --checkpoint-time override the file, which is how a
bailed batch is resumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if !cmd.Flags().Changed("config") {
				path = filepath.Join(args[0], config.DefaultConfigName)
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("batch-number") {
				cfg.BatchNumber = batch
			}
			if cmd.Flags().Changed("checkpoint-time") {
				cfg.CheckpointTime = &checkpointTime
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: exitConfigError, err: fmt.Errorf("configuration invalid: %w", err)}
			}
			return runBatch(cmd, cfg)
		},
	}
	cmd.Flags().IntVar(&batch, "batch-number", 1, "batch to run; batches after the first resume from a checkpoint")
	cmd.Flags().Float64Var(&checkpointTime, "checkpoint-time", 0, "simulation time of the checkpoint to resume from")
	return cmd
}

func runBatch(cmd *cobra.Command, cfg *config.Config) error {
	if linkEngine == nil {
		return &exitError{code: exitRuntime, err: errNoEngine}
	}
	binding, err := linkEngine(cfg)
	if err != nil {
		return &exitError{code: exitRuntime, err: fmt.Errorf("link engine: %w", err)}
	}

	session, err := orchestrator.OpenSession(cfg, orchestrator.SessionOptions{
		Loader:  binding.Loader,
		Console: cmd.ErrOrStderr(),
	})
	if err != nil {
		return &exitError{code: exitRuntime, err: err}
	}
	defer session.Close()

	var opts []orchestrator.Option
	if binding.Domain != nil && session.Group.Rank() == 0 {
		mon, err := session.NewMonitor(binding.Domain)
		if err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		opts = append(opts, orchestrator.WithMonitor(mon))
	}
	runner, err := session.NewRunner(binding.Engine, opts...)
	if err != nil {
		return &exitError{code: exitRuntime, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	outcome, err := runner.Run(ctx)
	if err != nil {
		return &exitError{code: exitRuntime, err: err}
	}
	writeOutcome(cmd.OutOrStdout(), cfg.BatchNumber, outcome)
	return session.Close()
}

func writeOutcome(w io.Writer, batch int, outcome orchestrator.Outcome) {
	fmt.Fprintf(w, "batch %d %s after %d yieldsteps at t=%ss\n",
		batch, outcome.Status, outcome.Yieldsteps, checkpoint.FormatTime(outcome.LastSimTime))
	if outcome.Status == orchestrator.StatusBailed {
		fmt.Fprintf(w, "resume with: %s\n", outcome.Instruction)
	}
}
