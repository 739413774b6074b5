package monitor

import "time"

// SummarySchemaVersion is bumped whenever summary fields are added or removed.
const SummarySchemaVersion = "1"

// DefaultFlowAlgorithm is reported when the domain does not name its scheme.
const DefaultFlowAlgorithm = "DE0"

// isoTimestamp renders microseconds and a numeric UTC offset.
const isoTimestamp = "2006-01-02T15:04:05.000000-07:00"

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeUnstable   Outcome = "unstable"
	OutcomeIncomplete Outcome = "incomplete"
)

// RunSummary is the JSON document written once per batch.
type RunSummary struct {
	SchemaVersion string             `json:"schema_version"`
	Run           RunSection         `json:"run"`
	Model         ModelSection       `json:"model"`
	Mesh          MeshSection        `json:"mesh"`
	Performance   PerformanceSection `json:"performance"`
	Flow          FlowSection        `json:"flow"`
	Stability     StabilitySection   `json:"stability"`
	Environment   Environment        `json:"environment"`
}

// RunSection identifies the run and its outcome.
type RunSection struct {
	RunLabel       string      `json:"run_label"`
	Project        int         `json:"project"`
	Scenario       int         `json:"scenario"`
	RunID          int         `json:"run_id"`
	Name           string      `json:"name"`
	BatchNumber    int         `json:"batch_number"`
	StartedAt      string      `json:"started_at"`
	FinishedAt     string      `json:"finished_at"`
	TotalWallTimeS float64     `json:"total_wall_time_s"`
	Outcome        Outcome     `json:"outcome"`
	Bailed         bool        `json:"bailed"`
	Resume         *ResumeInfo `json:"resume,omitempty"`
}

// ResumeInfo tells an operator how to continue a bailed run.
type ResumeInfo struct {
	NextBatchNumber int     `json:"next_batch_number"`
	CheckpointTimeS float64 `json:"checkpoint_time_s"`
	Instruction     string  `json:"instruction"`
}

// ModelSection echoes the model configuration.
type ModelSection struct {
	DurationS     *float64 `json:"duration_s"`
	FinalSimTimeS float64  `json:"final_sim_time_s"`
	NYieldsteps   int      `json:"n_yieldsteps"`
	YieldstepS    float64  `json:"yieldstep_s"`
	EPSG          string   `json:"epsg"`
	ResolutionM   *float64 `json:"resolution_m"`
	FlowAlgorithm string   `json:"flow_algorithm"`
	CFL           float64  `json:"cfl"`
}

// MeshSection reports mesh quality.
type MeshSection struct {
	NTriangles      int     `json:"n_triangles"`
	InradiusMinM    float64 `json:"inradius_min_m"`
	InradiusP5M     float64 `json:"inradius_p5_m"`
	InradiusMedianM float64 `json:"inradius_median_m"`
	MinAngleDeg     float64 `json:"min_angle_deg"`
	WorstTriangleX  float64 `json:"worst_triangle_x"`
	WorstTriangleY  float64 `json:"worst_triangle_y"`
}

// PerformanceSection aggregates throughput and timestep behaviour.
type PerformanceSection struct {
	TotalWallTimeS        float64 `json:"total_wall_time_s"`
	SimPerWallRatio       float64 `json:"sim_per_wall_ratio"`
	TotalInternalSteps    int     `json:"total_internal_steps"`
	MeanStepsPerYieldstep float64 `json:"mean_steps_per_yieldstep"`
	MaxStepsPerYieldstep  int     `json:"max_steps_per_yieldstep"`
	MeanDtMs              float64 `json:"mean_dt_ms"`
	FirstDtMs             float64 `json:"first_dt_ms"`
	MinDtMs               float64 `json:"min_dt_ms"`
	MinDtAtSimS           float64 `json:"min_dt_at_sim_s"`
	PeakMemMB             float64 `json:"peak_mem_mb"`
}

// FlowSection reports the final and peak flow state.
type FlowSection struct {
	FinalWetFraction float64 `json:"final_wet_fraction"`
	FinalVolumeM3    float64 `json:"final_volume_m3"`
	MaxDepthM        float64 `json:"max_depth_m"`
	MaxSpeedMs       float64 `json:"max_speed_ms"`
	PeakSpeedX       float64 `json:"peak_speed_x"`
	PeakSpeedY       float64 `json:"peak_speed_y"`
}

// StabilitySection reports the numerical stability verdict.
type StabilitySection struct {
	Stable                 bool    `json:"stable"`
	MaxImpliedSpeedMs      float64 `json:"max_implied_speed_ms"`
	MaxImpliedSpeedAtSimS  float64 `json:"max_implied_speed_at_sim_s"`
	TimestepCollapseRatio  float64 `json:"timestep_collapse_ratio"`
	InstabilityThresholdMs float64 `json:"instability_threshold_ms"`
}

// classifyOutcome ranks completed over unstable over incomplete. A run with
// a known duration completes once it reaches 99% of it; without a duration
// any recorded yieldstep counts as completion.
func classifyOutcome(duration *float64, finalSim float64, nRecords int, maxImplied float64) Outcome {
	completed := (duration != nil && finalSim >= 0.99*(*duration)) || (duration == nil && nRecords > 0)
	switch {
	case completed:
		return OutcomeCompleted
	case maxImplied >= InstabilitySpeedThreshold:
		return OutcomeUnstable
	default:
		return OutcomeIncomplete
	}
}

type summaryInput struct {
	options       Options
	stats         MeshStats
	records       []Record
	flowAlgorithm string
	startedAt     time.Time
	finishedAt    time.Time
	resume        *ResumeInfo
	environment   Environment
}

func buildSummary(in summaryInput) *RunSummary {
	recs := in.records
	n := len(recs)
	totalWall := in.finishedAt.Sub(in.startedAt).Seconds()

	var (
		finalSim, firstDt        float64
		totalSteps, maxSteps     int
		weightedDt               float64
		minDt, minDtAt           float64
		peakMem                  float64
		maxDepth                 float64
		maxImplied, maxImpliedAt float64
		peakIdx                  int
	)
	if n > 0 {
		finalSim = recs[n-1].SimTimeS
		firstDt = recs[0].LastDtMs
		minDt, minDtAt = recs[0].LastDtMs, recs[0].SimTimeS
		maxImplied, maxImpliedAt = recs[0].ImpliedMaxSpeedMs, recs[0].SimTimeS
		maxSteps = recs[0].NSteps
		peakMem = recs[0].MemMB
		maxDepth = recs[0].MaxDepthM
	}
	for i, r := range recs {
		totalSteps += r.NSteps
		weightedDt += r.MeanDtMs * float64(r.NSteps)
		if r.NSteps > maxSteps {
			maxSteps = r.NSteps
		}
		if r.LastDtMs < minDt {
			minDt, minDtAt = r.LastDtMs, r.SimTimeS
		}
		if r.ImpliedMaxSpeedMs > maxImplied {
			maxImplied, maxImpliedAt = r.ImpliedMaxSpeedMs, r.SimTimeS
		}
		if r.MemMB > peakMem {
			peakMem = r.MemMB
		}
		if r.MaxDepthM > maxDepth {
			maxDepth = r.MaxDepthM
		}
		if r.MaxSpeedMs > recs[peakIdx].MaxSpeedMs {
			peakIdx = i
		}
	}

	simPerWall := 0.0
	if totalWall > 0 {
		simPerWall = round(finalSim/totalWall, 3)
	}
	collapse := 1.0
	if firstDt > 0 {
		collapse = minDt / firstDt
	}

	opts := in.options
	flowAlgorithm := in.flowAlgorithm
	if flowAlgorithm == "" {
		flowAlgorithm = DefaultFlowAlgorithm
	}

	s := &RunSummary{
		SchemaVersion: SummarySchemaVersion,
		Run: RunSection{
			RunLabel:       opts.Run.Label,
			Project:        opts.Run.Project,
			Scenario:       opts.Run.Scenario,
			RunID:          opts.Run.RunID,
			Name:           opts.Run.Name,
			BatchNumber:    opts.BatchNumber,
			StartedAt:      in.startedAt.UTC().Format(isoTimestamp),
			FinishedAt:     in.finishedAt.UTC().Format(isoTimestamp),
			TotalWallTimeS: round(totalWall, 1),
			Outcome:        classifyOutcome(opts.Duration, finalSim, n, maxImplied),
			Bailed:         in.resume != nil,
			Resume:         in.resume,
		},
		Model: ModelSection{
			DurationS:     opts.Duration,
			FinalSimTimeS: finalSim,
			NYieldsteps:   n,
			YieldstepS:    opts.Yieldstep,
			EPSG:          opts.Run.EPSG,
			ResolutionM:   opts.Run.Resolution,
			FlowAlgorithm: flowAlgorithm,
			CFL:           opts.CFL,
		},
		Mesh: MeshSection{
			NTriangles:      in.stats.NTriangles,
			InradiusMinM:    finite(round(in.stats.InradiusMin, 4)),
			InradiusP5M:     finite(round(in.stats.InradiusP5, 4)),
			InradiusMedianM: finite(round(in.stats.InradiusMedian, 4)),
			MinAngleDeg:     finite(round(in.stats.MinAngleDeg, 2)),
			WorstTriangleX:  finite(round(in.stats.Worst.X, 1)),
			WorstTriangleY:  finite(round(in.stats.Worst.Y, 1)),
		},
		Performance: PerformanceSection{
			TotalWallTimeS:        round(totalWall, 1),
			SimPerWallRatio:       simPerWall,
			TotalInternalSteps:    totalSteps,
			MeanStepsPerYieldstep: round(float64(totalSteps)/float64(max(1, n)), 1),
			MaxStepsPerYieldstep:  maxSteps,
			MeanDtMs:              round(weightedDt/float64(max(1, totalSteps)), 2),
			FirstDtMs:             round(firstDt, 2),
			MinDtMs:               round(minDt, 2),
			MinDtAtSimS:           minDtAt,
			PeakMemMB:             round(peakMem, 1),
		},
		Stability: StabilitySection{
			Stable:                 maxImplied < InstabilitySpeedThreshold,
			MaxImpliedSpeedMs:      round(maxImplied, 2),
			MaxImpliedSpeedAtSimS:  maxImpliedAt,
			TimestepCollapseRatio:  round(collapse, 4),
			InstabilityThresholdMs: InstabilitySpeedThreshold,
		},
		Environment: in.environment,
	}
	if n > 0 {
		final, peak := recs[n-1], recs[peakIdx]
		s.Flow = FlowSection{
			FinalWetFraction: final.WetFraction,
			FinalVolumeM3:    final.VolumeM3,
			MaxDepthM:        maxDepth,
			MaxSpeedMs:       round(peak.MaxSpeedMs, 3),
			PeakSpeedX:       peak.PeakSpeedX,
			PeakSpeedY:       peak.PeakSpeedY,
		}
	}
	return s
}
