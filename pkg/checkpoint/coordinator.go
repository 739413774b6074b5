// Package checkpoint coordinates resuming a partitioned simulation from
// per-rank checkpoint blobs. A resume succeeds only when every rank loaded its
// own blob in the same round.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hydrata/run-anuga/pkg/observability"
	"github.com/Hydrata/run-anuga/pkg/procgroup"
)

// DefaultMaxAttempts bounds the number of load and vote rounds.
const DefaultMaxAttempts = 5

// DefaultRetryDelay separates two rounds.
const DefaultRetryDelay = 5 * time.Second

// abstainTimeout bounds the false votes sent after this rank is cancelled.
const abstainTimeout = 5 * time.Second

// ErrQuorumNotReached indicates that no round produced a unanimous vote.
var ErrQuorumNotReached = errors.New("checkpoint quorum not reached")

// State is a restored rank-local simulation state.
type State interface {
	// ResetForResume clears wall-clock and communication timers carried over
	// from the run that wrote the checkpoint.
	ResetForResume()
}

// Loader reads the blob at path into a State.
type Loader interface {
	Load(ctx context.Context, path string) (State, error)
}

// LoaderFunc adapts a function into a Loader.
type LoaderFunc func(ctx context.Context, path string) (State, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, path string) (State, error) {
	return f(ctx, path)
}

// Request names the checkpoint every rank should resume from.
type Request struct {
	DomainName     string
	Dir            string
	CheckpointTime float64
	// Extension defaults to DefaultExtension.
	Extension   string
	MaxAttempts int
	RetryDelay  time.Duration
}

// QuorumError reports the last failed round of an exhausted resume.
type QuorumError struct {
	CheckpointTime float64
	Attempts       int
	// FailedRanks lists the ranks that voted false in the last round.
	FailedRanks []int
	// Paths holds the expected blob path of each rank in FailedRanks.
	Paths []string
	// LocalErr is this rank's own load error, when it had one.
	LocalErr error
}

func (e *QuorumError) Error() string {
	msg := fmt.Sprintf("%s for checkpoint time %s after %d attempts", ErrQuorumNotReached, FormatTime(e.CheckpointTime), e.Attempts)
	if len(e.Paths) > 0 {
		msg += "; missing or unreadable: " + strings.Join(e.Paths, ", ")
	}
	if e.LocalErr != nil {
		msg += "; local load error: " + e.LocalErr.Error()
	}
	return msg
}

// Is matches ErrQuorumNotReached.
func (e *QuorumError) Is(target error) bool {
	return target == ErrQuorumNotReached
}

// Unwrap exposes the local load error.
func (e *QuorumError) Unwrap() error {
	return e.LocalErr
}

// Coordinator runs the resume protocol for one rank of a process group.
type Coordinator struct {
	group    procgroup.Group
	loader   Loader
	reporter observability.Reporter
	sleep    func(time.Duration)
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(c *Coordinator) {
		if rep != nil {
			c.reporter = rep
		}
	}
}

// WithSleepFunc overrides the sleep used between rounds.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *Coordinator) {
		c.sleep = fn
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCoordinator constructs a Coordinator for the calling rank of group.
func NewCoordinator(group procgroup.Group, loader Loader, opts ...Option) (*Coordinator, error) {
	if group == nil {
		return nil, errors.New("process group must not be nil")
	}
	if loader == nil {
		return nil, errors.New("checkpoint loader must not be nil")
	}
	c := &Coordinator{
		group:    group,
		loader:   loader,
		reporter: observability.NoopReporter{},
		sleep:    time.Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sleep == nil {
		c.sleep = time.Sleep
	}
	return c, nil
}

// Resume loads this rank's blob and votes with every other rank until a round
// is unanimous or the attempts are exhausted. On success the returned state
// has been reset for resume and every rank has passed the resume barrier.
func (c *Coordinator) Resume(ctx context.Context, req Request) (State, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.DomainName) == "" {
		return nil, errors.New("checkpoint resume requires a domain name")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	delay := req.RetryDelay
	if delay < 0 {
		delay = 0
	}

	layout := Layout{Dir: req.Dir, DomainName: req.DomainName, Size: c.group.Size(), Extension: req.Extension}
	rank := c.group.Rank()
	path := layout.Path(rank, req.CheckpointTime)
	timeLabel := FormatTime(req.CheckpointTime)
	start := c.now()

	var (
		votes   []bool
		loadErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.recordLoadAttempt(ctx, attempt, maxAttempts, path)

		var state State
		state, loadErr = c.load(ctx, path)
		if errors.Is(loadErr, context.Canceled) || errors.Is(loadErr, context.DeadlineExceeded) {
			c.abstain(ctx, timeLabel, attempt, maxAttempts)
			return nil, loadErr
		}
		local := loadErr == nil

		var err error
		votes, err = procgroup.Exchange(ctx, c.group, voteTag(timeLabel, attempt), local)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.abstain(ctx, timeLabel, attempt+1, maxAttempts)
				return nil, err
			}
			return nil, fmt.Errorf("exchange checkpoint votes: %w", err)
		}
		overall := procgroup.All(votes)
		c.recordVote(ctx, attempt, local, overall, votes, loadErr)

		if overall {
			state.ResetForResume()
			if err := c.group.Barrier(ctx, "checkpoint/"+timeLabel+"/resumed"); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil, err
				}
				return nil, fmt.Errorf("resume barrier: %w", err)
			}
			c.recordResumed(ctx, attempt, path, c.now().Sub(start))
			return state, nil
		}

		if attempt < maxAttempts {
			if err := c.sleepWithContext(ctx, delay); err != nil {
				c.abstain(ctx, timeLabel, attempt+1, maxAttempts)
				return nil, err
			}
		}
	}

	qerr := &QuorumError{CheckpointTime: req.CheckpointTime, Attempts: maxAttempts, LocalErr: loadErr}
	for peer, ok := range votes {
		if !ok {
			qerr.FailedRanks = append(qerr.FailedRanks, peer)
			qerr.Paths = append(qerr.Paths, layout.Path(peer, req.CheckpointTime))
		}
	}
	c.recordQuorumFailed(ctx, qerr, c.now().Sub(start))
	return nil, qerr
}

func voteTag(timeLabel string, attempt int) string {
	return fmt.Sprintf("checkpoint/%s/%d", timeLabel, attempt)
}

// abstain votes false for attempts from..to so peers finish their rounds with
// a quorum failure instead of waiting on a rank that has stopped.
func (c *Coordinator) abstain(ctx context.Context, timeLabel string, from, to int) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abstainTimeout)
	defer cancel()
	for attempt := from; attempt <= to; attempt++ {
		if err := procgroup.Announce(sendCtx, c.group, voteTag(timeLabel, attempt), false); err != nil {
			c.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Event:   "checkpoint_abstain_failed",
				Message: err.Error(),
				Fields:  map[string]interface{}{"attempt": attempt},
			})
			return
		}
	}
}

func (c *Coordinator) load(ctx context.Context, path string) (state State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			state, err = nil, fmt.Errorf("load %s: panic: %v", path, rec)
		}
	}()
	state, err = c.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("load %s: loader returned no state", path)
	}
	return state, nil
}

func (c *Coordinator) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		c.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Coordinator) recordLoadAttempt(ctx context.Context, attempt, maxAttempts int, path string) {
	c.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "checkpoint_load_attempt",
		Fields: map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"path":         path,
		},
	})
}

func (c *Coordinator) recordVote(ctx context.Context, attempt int, local, overall bool, votes []bool, loadErr error) {
	result := "ok"
	if !local {
		result = "failed"
	}
	c.reporter.RecordMetric(observability.Metric{
		Name:        "checkpoint_votes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of local checkpoint load votes grouped by result.",
	})

	failed := 0
	for _, v := range votes {
		if !v {
			failed++
		}
	}
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"attempt":      attempt,
		"local":        local,
		"overall":      overall,
		"failed_ranks": failed,
	}
	if loadErr != nil {
		level = observability.LevelWarn
		fields["error"] = loadErr.Error()
	}
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  "checkpoint_vote",
		Fields: fields,
	})
}

func (c *Coordinator) recordResumed(ctx context.Context, attempts int, path string, elapsed time.Duration) {
	c.recordResumeDuration("resumed", elapsed)
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "checkpoint_resumed",
		Message: "all ranks restored checkpoint",
		Fields: map[string]interface{}{
			"attempts":   attempts,
			"path":       path,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
}

func (c *Coordinator) recordQuorumFailed(ctx context.Context, qerr *QuorumError, elapsed time.Duration) {
	c.recordResumeDuration("quorum_failed", elapsed)
	fields := map[string]interface{}{
		"attempts":     qerr.Attempts,
		"failed_ranks": qerr.FailedRanks,
		"paths":        qerr.Paths,
	}
	if qerr.LocalErr != nil {
		fields["error"] = qerr.LocalErr.Error()
	}
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelError,
		Event:   "checkpoint_quorum_failed",
		Message: qerr.Error(),
		Fields:  fields,
	})
}

func (c *Coordinator) recordResumeDuration(result string, elapsed time.Duration) {
	c.reporter.RecordMetric(observability.Metric{
		Name:        "checkpoint_resume_seconds",
		Type:        observability.MetricHistogram,
		Value:       elapsed.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Duration of checkpoint resume coordination grouped by result.",
		Unit:        "seconds",
	})
}
