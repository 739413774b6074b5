package monitor

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// WetThreshold is the depth in metres above which a cell counts as wet.
const WetThreshold = 1e-3

// InstabilitySpeedThreshold is the implied speed in m/s at or above which a
// run is numerically unstable. Shallow urban flows stay well below 20 m/s.
const InstabilitySpeedThreshold = 20.0

// minTimestep floors the divisor of the implied speed.
const minTimestep = 1e-12

// CSVFields lists the per-yieldstep columns in file order.
var CSVFields = []string{
	"sim_time_s",
	"wall_time_s",
	"n_steps",
	"mean_dt_ms",
	"last_dt_ms",
	"implied_max_speed_ms",
	"wet_cells",
	"wet_fraction",
	"volume_m3",
	"max_depth_m",
	"max_speed_ms",
	"peak_speed_x",
	"peak_speed_y",
	"mem_mb",
}

// Record is the sample taken at one yieldstep boundary. Values are rounded
// the way they are written to the CSV.
type Record struct {
	SimTimeS          float64 `json:"sim_time_s"`
	WallTimeS         float64 `json:"wall_time_s"`
	NSteps            int     `json:"n_steps"`
	MeanDtMs          float64 `json:"mean_dt_ms"`
	LastDtMs          float64 `json:"last_dt_ms"`
	ImpliedMaxSpeedMs float64 `json:"implied_max_speed_ms"`
	WetCells          int     `json:"wet_cells"`
	WetFraction       float64 `json:"wet_fraction"`
	VolumeM3          float64 `json:"volume_m3"`
	MaxDepthM         float64 `json:"max_depth_m"`
	MaxSpeedMs        float64 `json:"max_speed_ms"`
	PeakSpeedX        float64 `json:"peak_speed_x"`
	PeakSpeedY        float64 `json:"peak_speed_y"`
	MemMB             float64 `json:"mem_mb"`
}

func (r Record) csvRow() []string {
	return []string{
		formatFloat(r.SimTimeS),
		formatFloat(r.WallTimeS),
		strconv.Itoa(r.NSteps),
		formatFloat(r.MeanDtMs),
		formatFloat(r.LastDtMs),
		formatFloat(r.ImpliedMaxSpeedMs),
		strconv.Itoa(r.WetCells),
		formatFloat(r.WetFraction),
		formatFloat(r.VolumeM3),
		formatFloat(r.MaxDepthM),
		formatFloat(r.MaxSpeedMs),
		formatFloat(r.PeakSpeedX),
		formatFloat(r.PeakSpeedY),
		formatFloat(r.MemMB),
	}
}

// FormatLogSuffix renders the compact form appended to the yieldstep log line,
// for example "steps=480 dt=125ms vmax=2.10m/s v_impl=2.2m/s wet=23% vol=1234m³".
func FormatLogSuffix(r Record) string {
	return fmt.Sprintf("steps=%d dt=%.0fms vmax=%.2fm/s v_impl=%.1fm/s wet=%.0f%% vol=%.0fm³",
		r.NSteps, r.LastDtMs, r.MaxSpeedMs, r.ImpliedMaxSpeedMs, r.WetFraction*100, r.VolumeM3)
}

// flowState holds the unrounded flow metrics of one sample.
type flowState struct {
	wetCells     int
	wetFraction  float64
	volume       float64
	maxDepth     float64
	maxSpeed     float64
	peak         Point
	impliedSpeed float64
}

// sampleFlow derives the flow metrics from the current centroid values.
func sampleFlow(domain Domain, mesh Mesh, cfl, lastDt float64) (flowState, error) {
	var fs flowState

	stage, err := domain.Quantity(QuantityStage)
	if err != nil {
		return fs, fmt.Errorf("read %s: %w", QuantityStage, err)
	}
	elev, err := domain.Quantity(QuantityElevation)
	if err != nil {
		return fs, fmt.Errorf("read %s: %w", QuantityElevation, err)
	}
	xmom, err := domain.Quantity(QuantityXMomentum)
	if err != nil {
		return fs, fmt.Errorf("read %s: %w", QuantityXMomentum, err)
	}
	ymom, err := domain.Quantity(QuantityYMomentum)
	if err != nil {
		return fs, fmt.Errorf("read %s: %w", QuantityYMomentum, err)
	}

	n := len(stage)
	full, ok := domain.FullCells()
	if !ok {
		full = make([]bool, n)
		for i := range full {
			full[i] = true
		}
	}
	if err := checkLengths(n, map[string]int{
		QuantityElevation: len(elev),
		QuantityXMomentum: len(xmom),
		QuantityYMomentum: len(ymom),
		"areas":           len(mesh.Areas),
		"radii":           len(mesh.Radii),
		"centroids":       len(mesh.Centroids),
		"full flags":      len(full),
	}); err != nil {
		return fs, err
	}

	nFull := 0
	maxDepth := math.Inf(-1)
	minRadiusWet := math.Inf(1)
	peakIdx := -1
	for i := 0; i < n; i++ {
		if !full[i] {
			continue
		}
		nFull++
		depth := stage[i] - elev[i]
		if depth > maxDepth {
			maxDepth = depth
		}
		// NaN depths are never wet.
		if !(depth > WetThreshold) {
			continue
		}
		fs.wetCells++
		fs.volume += depth * mesh.Areas[i]
		if mesh.Radii[i] < minRadiusWet {
			minRadiusWet = mesh.Radii[i]
		}
		d := math.Max(depth, WetThreshold)
		speed := math.Hypot(xmom[i]/d, ymom[i]/d)
		if !isFinite(speed) {
			continue
		}
		if peakIdx < 0 || speed > fs.maxSpeed {
			peakIdx = i
			fs.maxSpeed = speed
		}
	}

	if nFull > 0 {
		fs.maxDepth = maxDepth
	}
	fs.wetFraction = float64(fs.wetCells) / float64(max(1, nFull))
	if peakIdx >= 0 {
		fs.peak = mesh.Centroids[peakIdx]
	}
	if fs.wetCells > 0 {
		fs.impliedSpeed = cfl * minRadiusWet / math.Max(lastDt, minTimestep)
	}
	return fs, nil
}

func checkLengths(want int, got map[string]int) error {
	var bad []string
	for name, n := range got {
		if n != want {
			bad = append(bad, fmt.Sprintf("%s=%d", name, n))
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("array lengths disagree with %d cells: %s", want, strings.Join(bad, ", "))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// finite maps NaN and infinities to zero.
func finite(v float64) float64 {
	if !isFinite(v) {
		return 0
	}
	return v
}

// clampNonFinite zeroes every NaN or infinite field and returns the names of
// the fields it changed.
func (r *Record) clampNonFinite() []string {
	fields := []struct {
		name string
		v    *float64
	}{
		{"sim_time_s", &r.SimTimeS},
		{"wall_time_s", &r.WallTimeS},
		{"mean_dt_ms", &r.MeanDtMs},
		{"last_dt_ms", &r.LastDtMs},
		{"implied_max_speed_ms", &r.ImpliedMaxSpeedMs},
		{"wet_fraction", &r.WetFraction},
		{"volume_m3", &r.VolumeM3},
		{"max_depth_m", &r.MaxDepthM},
		{"max_speed_ms", &r.MaxSpeedMs},
		{"peak_speed_x", &r.PeakSpeedX},
		{"peak_speed_y", &r.PeakSpeedY},
		{"mem_mb", &r.MemMB},
	}
	var clamped []string
	for _, f := range fields {
		if !isFinite(*f.v) {
			*f.v = finite(*f.v)
			clamped = append(clamped, f.name)
		}
	}
	return clamped
}

func round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// formatFloat keeps a decimal point on integral values so CSV columns stay
// recognisably floating point ("125.0", not "125").
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".nN") {
		s += ".0"
	}
	return s
}
