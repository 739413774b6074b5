// Package bailout lets an operator stop a running simulation cleanly. A signal
// delivered to rank 0 (or a direct Request) drops a flag file into the output
// directory; every rank polls for it between yieldsteps.
package bailout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Hydrata/run-anuga/internal/fsutil"
	"github.com/Hydrata/run-anuga/pkg/checkpoint"
	"github.com/Hydrata/run-anuga/pkg/observability"
)

// FlagName is the bail flag's file name inside the output directory.
const FlagName = "bail.flag"

// ErrAlreadyInstalled is returned when Install is called twice.
var ErrAlreadyInstalled = errors.New("bail signal handler already installed")

// Flag is the advisory content written to the bail flag.
type Flag struct {
	RequestedAt time.Time `json:"requested_at"`
	RequestID   string    `json:"request_id"`
	Rank        int       `json:"rank"`
	PID         int       `json:"pid"`
	Reason      string    `json:"reason,omitempty"`
}

// Controller tracks bail requests for one rank.
type Controller struct {
	flagPath   string
	packageDir string
	rank       int

	requested atomic.Bool
	clearOnce sync.Once

	reporter observability.Reporter
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	signals chan os.Signal
	stopped chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(c *Controller) {
		if rep != nil {
			c.reporter = rep
		}
	}
}

// WithPackageDir sets the package directory quoted in resume instructions.
func WithPackageDir(dir string) Option {
	return func(c *Controller) {
		c.packageDir = dir
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewController builds the controller for rank with its flag inside outputDir.
func NewController(outputDir string, rank int, opts ...Option) (*Controller, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("bail controller requires an output directory")
	}
	if rank < 0 {
		return nil, fmt.Errorf("bail controller rank must be non-negative, got %d", rank)
	}
	c := &Controller{
		flagPath: filepath.Join(outputDir, FlagName),
		rank:     rank,
		reporter: observability.NoopReporter{},
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FlagPath returns the location of the bail flag.
func (c *Controller) FlagPath() string { return c.flagPath }

// Install registers a handler that turns sigs into bail requests. With no sigs
// DefaultSignal is used. Only rank 0 installs a handler; on other ranks Install
// is a no-op.
func (c *Controller) Install(sigs ...os.Signal) error {
	if c.rank != 0 {
		return nil
	}
	if len(sigs) == 0 {
		sigs = []os.Signal{DefaultSignal}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signals != nil {
		return ErrAlreadyInstalled
	}
	c.signals = make(chan os.Signal, 1)
	c.stopped = make(chan struct{})
	notify(c.signals, sigs...)

	c.wg.Add(1)
	go c.handleSignals(c.signals, c.stopped)
	return nil
}

func (c *Controller) handleSignals(signals <-chan os.Signal, stopped <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case sig := <-signals:
			if err := c.Request("signal " + sig.String()); err != nil {
				c.reporter.RecordEvent(context.Background(), observability.Event{
					Level:   observability.LevelError,
					Event:   "bail_flag_write_failed",
					Message: err.Error(),
					Fields:  map[string]interface{}{"path": c.flagPath},
				})
			}
		case <-stopped:
			return
		}
	}
}

// Close uninstalls the signal handler. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.signals == nil {
		c.mu.Unlock()
		return nil
	}
	stopNotify(c.signals)
	close(c.stopped)
	c.signals = nil
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// Request records a bail locally and writes the flag so every rank sees it.
// The local request stands even when the flag cannot be written.
func (c *Controller) Request(reason string) error {
	defer c.requested.Store(true)

	flag := Flag{
		RequestedAt: c.now().UTC(),
		RequestID:   c.newID(),
		Rank:        c.rank,
		PID:         os.Getpid(),
		Reason:      strings.TrimSpace(reason),
	}
	data, err := json.MarshalIndent(flag, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bail flag: %w", err)
	}
	if err := fsutil.WriteFileAtomic(c.flagPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write bail flag: %w", err)
	}

	c.reporter.RecordEvent(context.Background(), observability.Event{
		Level:   observability.LevelWarn,
		Event:   "bail_requested",
		Message: "bail requested; the run stops after the current yieldstep",
		Fields: map[string]interface{}{
			"path":       c.flagPath,
			"request_id": flag.RequestID,
			"reason":     flag.Reason,
		},
	})
	return nil
}

// Requested reports whether this rank was asked to bail or the flag exists.
// A stat failure other than not-exist is reported and treated as not requested.
func (c *Controller) Requested() bool {
	if c.requested.Load() {
		return true
	}
	active, err := flagExists(c.flagPath)
	if err != nil {
		c.reporter.RecordEvent(context.Background(), observability.Event{
			Level:   observability.LevelWarn,
			Event:   "bail_flag_check_failed",
			Message: err.Error(),
			Fields:  map[string]interface{}{"path": c.flagPath},
		})
		return false
	}
	return active
}

// Clear deletes the flag. Only the first call on a controller removes it and
// reports true; later calls return false.
func (c *Controller) Clear() (bool, error) {
	cleared := false
	var err error
	c.clearOnce.Do(func() {
		cleared = true
		if rmErr := os.Remove(c.flagPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("remove bail flag: %w", rmErr)
			return
		}
		c.reporter.RecordEvent(context.Background(), observability.Event{
			Level:  observability.LevelInfo,
			Event:  "bail_flag_cleared",
			Fields: map[string]interface{}{"path": c.flagPath},
		})
	})
	return cleared, err
}

// ResumeInstruction returns the command that continues a bailed run.
func (c *Controller) ResumeInstruction(nextBatch int, lastTime float64) string {
	return ResumeInstruction(c.packageDir, nextBatch, lastTime)
}

// ResumeInstruction formats the command that resumes packageDir at nextBatch
// from the checkpoint written at lastTime.
func ResumeInstruction(packageDir string, nextBatch int, lastTime float64) string {
	return "run-anuga run " + packageDir +
		" --batch-number " + strconv.Itoa(nextBatch) +
		" --checkpoint-time " + checkpoint.FormatTime(lastTime)
}

// ReadFlag decodes the flag at path.
func ReadFlag(path string) (Flag, error) {
	var flag Flag
	data, err := os.ReadFile(path)
	if err != nil {
		return flag, err
	}
	if err := json.Unmarshal(data, &flag); err != nil {
		return flag, fmt.Errorf("decode bail flag: %w", err)
	}
	return flag, nil
}

func flagExists(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
