// Package orchestrator drives one batch of a partitioned simulation: resume
// or fresh start, the yieldstep loop, bail handling and finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Hydrata/run-anuga/pkg/bailout"
	"github.com/Hydrata/run-anuga/pkg/checkpoint"
	"github.com/Hydrata/run-anuga/pkg/config"
	"github.com/Hydrata/run-anuga/pkg/monitor"
	"github.com/Hydrata/run-anuga/pkg/observability"
	"github.com/Hydrata/run-anuga/pkg/procgroup"
	"github.com/Hydrata/run-anuga/pkg/sysinfo"
)

// Engine is the rank-local numerical solver.
type Engine interface {
	// Restore replaces the engine state with a resumed checkpoint.
	Restore(state checkpoint.State) error
	// Evolve advances one yieldstep and reports the simulation time reached.
	// done is true once the final time has been reached.
	Evolve(ctx context.Context) (simTime float64, done bool, err error)
	// MergeOutputs combines the per-rank output files.
	MergeOutputs(ctx context.Context, incomplete bool) error
}

// Resumer restores a checkpoint agreed by every rank.
type Resumer interface {
	Resume(ctx context.Context, req checkpoint.Request) (checkpoint.State, error)
}

// Bailer tracks operator stop requests.
type Bailer interface {
	Install(sigs ...os.Signal) error
	Close() error
	Requested() bool
	Clear() (bool, error)
	ResumeInstruction(nextBatch int, lastTime float64) string
}

// Monitor samples diagnostics and writes the run summary. Only rank 0 has one.
type Monitor interface {
	Record(simTime float64, wall time.Duration, memMB float64) monitor.Record
	MarkBailed(nextBatch int, lastTime float64, instruction string)
	Finalize(ctx context.Context) (*monitor.RunSummary, error)
}

// Status is the final state of a batch.
type Status string

const (
	StatusFinished Status = "finished"
	StatusBailed   Status = "bailed"
)

// Outcome summarises one batch.
type Outcome struct {
	Status      Status
	Yieldsteps  int
	LastSimTime float64
	// NextBatch and Instruction are set when Status is StatusBailed.
	NextBatch   int
	Instruction string
	// Summary is nil on ranks without a monitor.
	Summary *monitor.RunSummary
}

// Runner executes one batch for one rank.
type Runner struct {
	cfg      *config.Config
	group    procgroup.Group
	engine   Engine
	bailer   Bailer
	resumer  Resumer
	monitor  Monitor
	signals  []os.Signal
	memory   func() (float64, error)
	reporter observability.Reporter
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithResumer sets the checkpoint resumer, required for batches after the first.
func WithResumer(res Resumer) Option {
	return func(r *Runner) {
		r.resumer = res
	}
}

// WithMonitor attaches the diagnostics monitor.
func WithMonitor(m Monitor) Option {
	return func(r *Runner) {
		r.monitor = m
	}
}

// WithSignals overrides the signals that request a bail.
func WithSignals(sigs ...os.Signal) Option {
	return func(r *Runner) {
		r.signals = sigs
	}
}

// WithMemorySampler overrides how resident memory is measured.
func WithMemorySampler(fn func() (float64, error)) Option {
	return func(r *Runner) {
		if fn != nil {
			r.memory = fn
		}
	}
}

// WithReporter attaches an observability reporter to the runner.
func WithReporter(rep observability.Reporter) Option {
	return func(r *Runner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(r *Runner) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRunner constructs a Runner with the provided dependencies.
func NewRunner(cfg *config.Config, group procgroup.Group, engine Engine, bailer Bailer, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if group == nil {
		return nil, errors.New("process group must not be nil")
	}
	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	if bailer == nil {
		return nil, errors.New("bailer must not be nil")
	}

	runner := &Runner{
		cfg:      cfg,
		group:    group,
		engine:   engine,
		bailer:   bailer,
		memory:   sysinfo.MemoryMB,
		reporter: observability.NoopReporter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(runner)
	}

	if cfg.Resuming() {
		if runner.resumer == nil {
			return nil, fmt.Errorf("batch %d resumes from a checkpoint and requires a resumer", cfg.BatchNumber)
		}
		if cfg.CheckpointTime == nil {
			return nil, fmt.Errorf("batch %d requires a checkpoint time", cfg.BatchNumber)
		}
	}
	if len(runner.signals) == 0 {
		sig, err := bailout.ParseSignal(cfg.Bail.Signal)
		if err != nil {
			return nil, fmt.Errorf("bail signal: %w", err)
		}
		runner.signals = []os.Signal{sig}
	}

	return runner, nil
}

// Run executes the batch until it finishes, bails, fails, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	lastTime := 0.0
	if r.cfg.Resuming() {
		if err := r.resume(ctx); err != nil {
			return Outcome{}, err
		}
		lastTime = *r.cfg.CheckpointTime
	}

	if err := r.bailer.Install(r.signals...); err != nil && !errors.Is(err, bailout.ErrAlreadyInstalled) {
		return Outcome{}, fmt.Errorf("install bail handler: %w", err)
	}
	defer r.bailer.Close()

	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		start := r.now()
		simTime, done, err := r.engine.Evolve(ctx)
		if err != nil {
			if isContextErr(err) {
				return Outcome{}, err
			}
			return Outcome{}, fmt.Errorf("evolve yieldstep %d: %w", steps+1, err)
		}
		steps++
		lastTime = simTime
		r.recordYieldstep(ctx, steps, simTime, r.now().Sub(start))

		if done {
			return r.finish(ctx, steps, lastTime)
		}

		bail, err := r.pollBail(ctx, steps)
		if err != nil {
			return Outcome{}, err
		}
		if bail {
			return r.bail(ctx, steps, lastTime)
		}
	}
}

func (r *Runner) resume(ctx context.Context) error {
	req := checkpoint.Request{
		DomainName:     r.cfg.DomainName,
		Dir:            r.cfg.CheckpointDir,
		CheckpointTime: *r.cfg.CheckpointTime,
		Extension:      r.cfg.Checkpoint.Extension,
		MaxAttempts:    r.cfg.Checkpoint.MaxAttempts,
		RetryDelay:     r.cfg.RetryDelay(),
	}
	state, err := r.resumer.Resume(ctx, req)
	if err != nil {
		if isContextErr(err) {
			return err
		}
		return fmt.Errorf("resume batch %d: %w", r.cfg.BatchNumber, err)
	}
	if err := r.engine.Restore(state); err != nil {
		return fmt.Errorf("restore checkpoint state: %w", err)
	}
	return nil
}

func (r *Runner) recordYieldstep(ctx context.Context, step int, simTime float64, wall time.Duration) {
	fields := map[string]interface{}{
		"step":       step,
		"sim_time_s": simTime,
		"wall_s":     wall.Seconds(),
	}
	message := fmt.Sprintf("yieldstep %d reached t=%ss", step, checkpoint.FormatTime(simTime))
	if r.monitor != nil {
		mem, err := r.memory()
		if err != nil {
			r.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelDebug,
				Event:   "memory_sample_failed",
				Message: err.Error(),
			})
		}
		rec := r.monitor.Record(simTime, wall, mem)
		message += " " + monitor.FormatLogSuffix(rec)
		fields["n_steps"] = rec.NSteps
	}
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "yieldstep",
		Message: message,
		Fields:  fields,
	})
}

// pollBail reports whether the batch should stop after this yieldstep. The
// local polls are OR-ed so every rank returns the same answer even when the
// flag file appears between two ranks' reads.
func (r *Runner) pollBail(ctx context.Context, step int) (bool, error) {
	local := r.bailer.Requested()
	tag := fmt.Sprintf("bail/%d/%d", r.cfg.BatchNumber, step)
	votes, err := procgroup.Exchange(ctx, r.group, tag, local)
	if err != nil {
		if isContextErr(err) {
			return false, err
		}
		return false, fmt.Errorf("agree on bail at yieldstep %d: %w", step, err)
	}
	return procgroup.Any(votes), nil
}

func (r *Runner) finish(ctx context.Context, steps int, lastTime float64) (Outcome, error) {
	outcome := Outcome{Status: StatusFinished, Yieldsteps: steps, LastSimTime: lastTime}
	if err := r.wrapUp(ctx, false, &outcome); err != nil {
		return Outcome{}, err
	}
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "batch_finished",
		Message: fmt.Sprintf("batch %d finished at t=%ss", r.cfg.BatchNumber, checkpoint.FormatTime(lastTime)),
		Fields:  map[string]interface{}{"batch": r.cfg.BatchNumber, "yieldsteps": steps},
	})
	return outcome, nil
}

func (r *Runner) bail(ctx context.Context, steps int, lastTime float64) (Outcome, error) {
	nextBatch := r.cfg.BatchNumber + 1
	instruction := r.bailer.ResumeInstruction(nextBatch, lastTime)
	outcome := Outcome{
		Status:      StatusBailed,
		Yieldsteps:  steps,
		LastSimTime: lastTime,
		NextBatch:   nextBatch,
		Instruction: instruction,
	}

	if r.monitor != nil {
		r.monitor.MarkBailed(nextBatch, lastTime, instruction)
	}
	if err := r.wrapUp(ctx, true, &outcome); err != nil {
		return Outcome{}, err
	}
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "bail_resume_instruction",
		Message: instruction,
		Fields: map[string]interface{}{
			"next_batch":        nextBatch,
			"checkpoint_time_s": lastTime,
		},
	})

	if r.group.Rank() == 0 {
		if _, err := r.bailer.Clear(); err != nil {
			return Outcome{}, err
		}
	}
	return outcome, nil
}

// wrapUp merges outputs and writes the summary between two group barriers,
// so no rank reads merged outputs before every rank stopped evolving.
func (r *Runner) wrapUp(ctx context.Context, incomplete bool, outcome *Outcome) error {
	batch := r.cfg.BatchNumber
	if err := r.barrier(ctx, fmt.Sprintf("batch/%d/evolved", batch)); err != nil {
		return err
	}
	if err := r.engine.MergeOutputs(ctx, incomplete); err != nil {
		if isContextErr(err) {
			return err
		}
		return fmt.Errorf("merge outputs: %w", err)
	}
	if r.monitor != nil {
		// A failed diagnostics write is reported, never fatal to the batch.
		summary, err := r.monitor.Finalize(ctx)
		if err != nil {
			r.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Event:   "diagnostics_finalize_failed",
				Message: err.Error(),
				Fields:  map[string]interface{}{"batch": batch},
			})
		}
		outcome.Summary = summary
	}
	return r.barrier(ctx, fmt.Sprintf("batch/%d/finalized", batch))
}

func (r *Runner) barrier(ctx context.Context, name string) error {
	if err := r.group.Barrier(ctx, name); err != nil {
		if isContextErr(err) {
			return err
		}
		return fmt.Errorf("barrier %s: %w", name, err)
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var _ Resumer = (*checkpoint.Coordinator)(nil)
var _ Bailer = (*bailout.Controller)(nil)
var _ Monitor = (*monitor.Monitor)(nil)
