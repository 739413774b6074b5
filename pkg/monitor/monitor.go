package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hydrata/run-anuga/internal/fsutil"
	"github.com/Hydrata/run-anuga/pkg/observability"
)

// DefaultCFL is the Courant number of the DE0 scheme.
const DefaultCFL = 0.9

// ErrFinalized is returned when a finalized monitor is used again.
var ErrFinalized = errors.New("monitor already finalized")

// RunMetadata identifies the scenario a run belongs to.
type RunMetadata struct {
	Label      string
	Project    int
	Scenario   int
	RunID      int
	Name       string
	EPSG       string
	Resolution *float64
}

// Options configures a Monitor.
type Options struct {
	OutputDir   string
	BatchNumber int
	// Yieldstep is the simulated seconds between two Record calls.
	Yieldstep float64
	// CFL defaults to DefaultCFL.
	CFL float64
	// Duration is the requested simulated duration; nil when open ended.
	Duration *float64
	Run      RunMetadata
}

// Monitor samples one partition at every yieldstep. It is used by a single
// goroutine; Records and MeshStats may be read concurrently.
type Monitor struct {
	domain      Domain
	opts        Options
	reporter    observability.Reporter
	now         func() time.Time
	environment func() Environment

	csvPath     string
	summaryPath string

	mu        sync.Mutex
	mesh      Mesh
	meshOK    bool
	stats     MeshStats
	prevSteps int
	records   []Record
	startedAt time.Time
	sink      *csvSink
	resume    *ResumeInfo
	finalized bool
}

// Option customises a Monitor beyond its Options.
type Option func(*Monitor)

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(m *Monitor) {
		if rep != nil {
			m.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithEnvironment overrides how the summary's environment block is gathered.
func WithEnvironment(fn func() Environment) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.environment = fn
		}
	}
}

// New computes the mesh statistics and opens the diagnostics CSV.
func New(domain Domain, opts Options, options ...Option) (*Monitor, error) {
	if domain == nil {
		return nil, errors.New("monitor requires a domain")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, errors.New("monitor requires an output directory")
	}
	if opts.Yieldstep <= 0 {
		return nil, fmt.Errorf("monitor yieldstep must be positive, got %v", opts.Yieldstep)
	}
	if opts.BatchNumber < 1 {
		opts.BatchNumber = 1
	}
	if opts.CFL <= 0 {
		opts.CFL = DefaultCFL
	}

	m := &Monitor{
		domain:      domain,
		opts:        opts,
		reporter:    observability.NoopReporter{},
		now:         time.Now,
		environment: CollectEnvironment,
		csvPath:     filepath.Join(opts.OutputDir, fmt.Sprintf("run_diagnostics_%d.csv", opts.BatchNumber)),
		summaryPath: filepath.Join(opts.OutputDir, fmt.Sprintf("run_summary_%d.json", opts.BatchNumber)),
	}
	for _, opt := range options {
		opt(m)
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	m.startedAt = m.now()
	m.prevSteps = domain.NumberOfSteps()
	m.stats = m.computeMeshStats(context.Background())

	sink, err := newCSVSink(m.csvPath, m.stats.Summary)
	if err != nil {
		return nil, err
	}
	m.sink = sink

	m.reporter.RecordEvent(context.Background(), observability.Event{
		Level:   observability.LevelInfo,
		Event:   "mesh_diagnostics",
		Message: m.stats.Summary,
		Fields: map[string]interface{}{
			"n_triangles": m.stats.NTriangles,
			"available":   m.stats.Available,
		},
	})
	return m, nil
}

func (m *Monitor) computeMeshStats(ctx context.Context) MeshStats {
	mesh, err := m.domain.Mesh()
	if err == nil {
		m.mesh, m.meshOK = mesh, true
		var stats MeshStats
		if stats, err = computeMeshStats(mesh); err == nil {
			return stats
		}
	}
	m.debug(ctx, "mesh_stats_unavailable", err)
	return unavailableMeshStats(m.domain.NumberOfTriangles())
}

// CSVPath returns the diagnostics CSV location.
func (m *Monitor) CSVPath() string { return m.csvPath }

// SummaryPath returns the run summary JSON location.
func (m *Monitor) SummaryPath() string { return m.summaryPath }

// MeshStats returns the statistics computed at startup.
func (m *Monitor) MeshStats() MeshStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Records returns a copy of the records taken so far.
func (m *Monitor) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Record samples the domain at simTime. wall is the wall-clock time spent on
// the yieldstep and memMB the process memory (0 when unknown). The record is
// appended and flushed to the CSV before Record returns. Failures to read the
// flow state degrade the flow fields to zero.
func (m *Monitor) Record(simTime float64, wall time.Duration, memMB float64) Record {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := m.domain.NumberOfSteps()
	nSteps := max(1, steps-m.prevSteps)
	m.prevSteps = steps
	lastDt := m.domain.LastTimestep()

	var (
		fs  flowState
		err error
	)
	if !m.meshOK {
		if mesh, meshErr := m.domain.Mesh(); meshErr == nil {
			m.mesh, m.meshOK = mesh, true
		} else {
			err = fmt.Errorf("read mesh: %w", meshErr)
		}
	}
	if err == nil {
		fs, err = sampleFlow(m.domain, m.mesh, m.opts.CFL, lastDt)
	}
	if err != nil {
		m.debug(ctx, "yieldstep_metrics_degraded", err)
		fs = flowState{}
	}

	rec := Record{
		SimTimeS:          round(simTime, 1),
		WallTimeS:         round(wall.Seconds(), 1),
		NSteps:            nSteps,
		MeanDtMs:          round(m.opts.Yieldstep/float64(nSteps)*1000, 2),
		LastDtMs:          round(lastDt*1000, 2),
		ImpliedMaxSpeedMs: round(fs.impliedSpeed, 2),
		WetCells:          fs.wetCells,
		WetFraction:       round(fs.wetFraction, 4),
		VolumeM3:          round(fs.volume, 1),
		MaxDepthM:         round(fs.maxDepth, 3),
		MaxSpeedMs:        round(fs.maxSpeed, 3),
		PeakSpeedX:        round(fs.peak.X, 1),
		PeakSpeedY:        round(fs.peak.Y, 1),
		MemMB:             round(memMB, 1),
	}
	if clamped := rec.clampNonFinite(); len(clamped) > 0 {
		m.debug(ctx, "yieldstep_metrics_nonfinite", fmt.Errorf("non-finite values zeroed: %s", strings.Join(clamped, ", ")))
	}
	m.records = append(m.records, rec)

	if m.sink != nil {
		if err := m.sink.Write(rec); err != nil {
			m.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Event:   "diagnostics_write_failed",
				Message: err.Error(),
				Fields:  map[string]interface{}{"path": m.csvPath},
			})
		}
	}
	m.publishGauges(rec)
	return rec
}

// MarkBailed records that the run stopped on request. The summary then
// carries the resume instruction; the outcome is still classified from the
// records.
func (m *Monitor) MarkBailed(nextBatch int, lastTime float64, instruction string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resume = &ResumeInfo{
		NextBatchNumber: nextBatch,
		CheckpointTimeS: lastTime,
		Instruction:     instruction,
	}
}

// Finalize writes the run summary and closes the diagnostics CSV. It may be
// called once; later calls return ErrFinalized.
func (m *Monitor) Finalize(ctx context.Context) (*RunSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, ErrFinalized
	}
	m.finalized = true

	m.recordRecap(ctx)

	summary := buildSummary(summaryInput{
		options:       m.opts,
		stats:         m.stats,
		records:       m.records,
		flowAlgorithm: m.domain.FlowAlgorithm(),
		startedAt:     m.startedAt,
		finishedAt:    m.now(),
		resume:        m.resume,
		environment:   m.environment(),
	})

	var errs []error
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		errs = append(errs, fmt.Errorf("encode run summary: %w", err))
	} else if err := fsutil.WriteFileAtomic(m.summaryPath, append(data, '\n'), 0o644); err != nil {
		errs = append(errs, fmt.Errorf("write run summary: %w", err))
	} else {
		m.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelInfo,
			Event:   "run_summary_written",
			Message: "run summary written to " + m.summaryPath,
			Fields: map[string]interface{}{
				"path":    m.summaryPath,
				"outcome": string(summary.Run.Outcome),
				"bailed":  summary.Run.Bailed,
			},
		})
	}

	if err := m.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close diagnostics csv: %w", err))
	} else {
		m.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelInfo,
			Event:   "diagnostics_written",
			Message: "diagnostics written to " + m.csvPath,
			Fields:  map[string]interface{}{"path": m.csvPath},
		})
	}
	m.sink = nil

	if len(errs) > 0 {
		return summary, errors.Join(errs...)
	}
	return summary, nil
}

func (m *Monitor) recordRecap(ctx context.Context) {
	if len(m.records) == 0 {
		return
	}
	maxSpeed, minDt, maxSteps := m.records[0].MaxSpeedMs, m.records[0].LastDtMs, m.records[0].NSteps
	for _, r := range m.records[1:] {
		maxSpeed = max(maxSpeed, r.MaxSpeedMs)
		minDt = min(minDt, r.LastDtMs)
		maxSteps = max(maxSteps, r.NSteps)
	}
	final := m.records[len(m.records)-1]
	m.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "diagnostics_summary",
		Message: fmt.Sprintf("max_speed=%.2fm/s min_dt=%.1fms max_steps/yieldstep=%d final_wet=%.0f%% final_vol=%.0fm³",
			maxSpeed, minDt, maxSteps, final.WetFraction*100, final.VolumeM3),
	})
}

func (m *Monitor) publishGauges(rec Record) {
	gauges := []struct {
		name  string
		value float64
		help  string
	}{
		{"yieldstep_sim_time_seconds", rec.SimTimeS, "Simulated time at the last yieldstep."},
		{"yieldstep_internal_steps", float64(rec.NSteps), "Internal timesteps taken during the last yieldstep."},
		{"yieldstep_last_dt_milliseconds", rec.LastDtMs, "Most recent internal timestep."},
		{"yieldstep_implied_max_speed_mps", rec.ImpliedMaxSpeedMs, "Speed implied by the CFL condition at the last yieldstep."},
		{"yieldstep_wet_fraction", rec.WetFraction, "Fraction of owned cells that are wet."},
		{"yieldstep_volume_cubic_metres", rec.VolumeM3, "Water volume over wet cells."},
		{"yieldstep_max_depth_metres", rec.MaxDepthM, "Maximum depth over owned cells."},
		{"yieldstep_max_speed_mps", rec.MaxSpeedMs, "Maximum flow speed over wet cells."},
		{"yieldstep_memory_megabytes", rec.MemMB, "Process resident memory."},
	}
	for _, g := range gauges {
		m.reporter.RecordMetric(observability.Metric{
			Name:        g.name,
			Type:        observability.MetricGauge,
			Value:       g.value,
			Description: g.help,
		})
	}
}

func (m *Monitor) debug(ctx context.Context, event string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelDebug,
		Event:   event,
		Message: msg,
	})
}
