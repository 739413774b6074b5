package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Hydrata/run-anuga/pkg/bailout"
	"github.com/Hydrata/run-anuga/pkg/checkpoint"
	"github.com/Hydrata/run-anuga/pkg/config"
	"github.com/Hydrata/run-anuga/pkg/monitor"
	"github.com/Hydrata/run-anuga/pkg/observability"
	"github.com/Hydrata/run-anuga/pkg/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitRuntime     = 70
)

// exitError carries the process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, err)
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitUsage
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "run-anuga",
		Short:         "Run, inspect and control partitioned ANUGA simulation batches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigName, "path to configuration file")

	cmd.AddCommand(newRunCommand(&configPath))
	cmd.AddCommand(newValidateCommand(&configPath))
	cmd.AddCommand(newStatusCommand(&configPath))
	cmd.AddCommand(newBailCommand(&configPath))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: exitConfigError, err: fmt.Errorf("failed to load configuration: %w", err)}
	}
	return cfg, nil
}

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(*configPath); err != nil {
				return &exitError{code: exitConfigError, err: fmt.Errorf("configuration invalid: %w", err)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration at %s is valid\n", *configPath)
			return nil
		},
	}
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bail flag, available checkpoints and the last run outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func writeStatus(w io.Writer, cfg *config.Config) error {
	fmt.Fprintf(w, "domain: %s (%d partitions)\n", cfg.DomainName, cfg.ProcessGroup.Size)

	flagPath := filepath.Join(cfg.OutputDir, bailout.FlagName)
	flag, err := bailout.ReadFlag(flagPath)
	switch {
	case err == nil:
		fmt.Fprintf(w, "bail flag: present (requested %s by rank %d: %s)\n",
			flag.RequestedAt.UTC().Format("2006-01-02T15:04:05Z"), flag.Rank, flag.Reason)
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(w, "bail flag: absent")
	default:
		// an unreadable flag still requests a bail
		fmt.Fprintf(w, "bail flag: present (unreadable: %v)\n", err)
	}

	layout := checkpoint.Layout{
		Dir:        cfg.CheckpointDir,
		DomainName: cfg.DomainName,
		Size:       cfg.ProcessGroup.Size,
		Extension:  cfg.Checkpoint.Extension,
	}
	times, err := layout.Scan()
	if err != nil {
		return &exitError{code: exitRuntime, err: fmt.Errorf("scan checkpoints: %w", err)}
	}
	if len(times) == 0 {
		fmt.Fprintln(w, "checkpoints: none")
	} else {
		formatted := make([]string, len(times))
		for i, t := range times {
			formatted[i] = checkpoint.FormatTime(t)
		}
		fmt.Fprintf(w, "checkpoints: %s\n", strings.Join(formatted, ", "))
	}

	summary, err := latestSummary(cfg.OutputDir)
	if err != nil {
		return &exitError{code: exitRuntime, err: err}
	}
	if summary == nil {
		fmt.Fprintln(w, "last summary: none")
		return nil
	}
	fmt.Fprintf(w, "last summary: batch %d %s at t=%ss\n",
		summary.Run.BatchNumber, summary.Run.Outcome, checkpoint.FormatTime(summary.Model.FinalSimTimeS))
	if summary.Run.Resume != nil {
		fmt.Fprintf(w, "resume with: %s\n", summary.Run.Resume.Instruction)
	}
	return nil
}

var summaryName = regexp.MustCompile(`^run_summary_(\d+)\.json$`)

// latestSummary loads the summary of the highest batch in dir, or nil when
// no batch has finished yet.
func latestSummary(dir string) (*monitor.RunSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output directory: %w", err)
	}
	best, bestName := 0, ""
	for _, entry := range entries {
		m := summaryName.FindStringSubmatch(entry.Name())
		if m == nil || entry.IsDir() {
			continue
		}
		batch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if batch > best {
			best, bestName = batch, entry.Name()
		}
	}
	if bestName == "" {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, bestName))
	if err != nil {
		return nil, fmt.Errorf("read run summary: %w", err)
	}
	var summary monitor.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("decode %s: %w", bestName, err)
	}
	return &summary, nil
}

func newBailCommand(configPath *string) *cobra.Command {
	var (
		pid    int
		reason string
	)
	cmd := &cobra.Command{
		Use:   "bail",
		Short: "Ask a running batch to stop after its current yieldstep",
		Long: `Ask a running batch to stop after its current yieldstep.

With --pid the configured bail signal is delivered to the rank 0 process,
which writes the bail flag itself. Without it the flag is written directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if pid > 0 {
				sig, err := bailout.ParseSignal(cfg.Bail.Signal)
				if err != nil {
					return &exitError{code: exitConfigError, err: err}
				}
				if err := bailout.Deliver(pid, sig); err != nil {
					return &exitError{code: exitRuntime, err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s to pid %d\n", sig, pid)
				return nil
			}

			reporter := observability.NewStructuredReporter(cfg.Run.Label, -1, observability.NewTextLogger(cmd.ErrOrStderr()), nil).
				WithComponent("cli")
			ctrl, err := bailout.NewController(cfg.OutputDir, 0,
				bailout.WithPackageDir(cfg.PackageDir),
				bailout.WithReporter(reporter),
			)
			if err != nil {
				return &exitError{code: exitRuntime, err: err}
			}
			if err := ctrl.Request(reason); err != nil {
				return &exitError{code: exitRuntime, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bail flag written to %s\n", ctrl.FlagPath())
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process id of rank 0; deliver the bail signal instead of writing the flag")
	cmd.Flags().StringVar(&reason, "reason", "requested from command line", "reason recorded in the bail flag")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current()
			fmt.Fprintf(cmd.OutOrStdout(), "run-anuga %s (%s)\n", info.Version, info.GoVersion)
			return nil
		},
	}
}
