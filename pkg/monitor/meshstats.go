package monitor

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// angleEpsilon keeps the law-of-cosines denominator away from zero for
// degenerate triangles.
const angleEpsilon = 1e-10

// MeshStats summarises mesh quality once at startup.
type MeshStats struct {
	NTriangles     int
	InradiusMin    float64
	InradiusP5     float64
	InradiusMedian float64
	MinAngleDeg    float64
	Worst          Point
	Summary        string
	// Available is false when the statistics could not be computed.
	Available bool
}

var countPrinter = message.NewPrinter(language.English)

func formatCount(n int) string {
	return countPrinter.Sprintf("%d", n)
}

func computeMeshStats(mesh Mesh) (MeshStats, error) {
	n := len(mesh.Radii)
	if n == 0 {
		return MeshStats{}, errors.New("mesh has no triangles")
	}
	if len(mesh.Centroids) != n {
		return MeshStats{}, fmt.Errorf("mesh has %d centroids for %d triangles", len(mesh.Centroids), n)
	}

	worst := 0
	for i, r := range mesh.Radii {
		if r < mesh.Radii[worst] {
			worst = i
		}
	}
	sorted := append([]float64(nil), mesh.Radii...)
	sort.Float64s(sorted)

	stats := MeshStats{
		NTriangles:     n,
		InradiusMin:    sorted[0],
		InradiusP5:     percentileSorted(sorted, 5),
		InradiusMedian: percentileSorted(sorted, 50),
		MinAngleDeg:    globalMinAngle(mesh.Vertices),
		Worst:          mesh.Centroids[worst],
		Available:      true,
	}
	stats.Summary = fmt.Sprintf("%s triangles | inradius min=%.3fm p5=%.3fm median=%.3fm | min_angle=%.1f° | worst at (%.0f, %.0f)",
		formatCount(n), stats.InradiusMin, stats.InradiusP5, stats.InradiusMedian, stats.MinAngleDeg, stats.Worst.X, stats.Worst.Y)
	return stats, nil
}

func unavailableMeshStats(n int) MeshStats {
	return MeshStats{
		NTriangles: n,
		Summary:    formatCount(n) + " triangles | mesh quality stats unavailable",
	}
}

// percentileSorted interpolates linearly between the closest ranks of an
// ascending slice, matching numpy's default percentile.
func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(idx-float64(lo))
}

// globalMinAngle returns the smallest interior angle in degrees over all
// triangles. It returns 0 when the vertex list is not a whole number of
// triangles.
func globalMinAngle(vertices []Point) float64 {
	if len(vertices) == 0 || len(vertices)%3 != 0 {
		return 0
	}
	minAngle := math.Inf(1)
	for k := 0; k < len(vertices); k += 3 {
		v0, v1, v2 := vertices[k], vertices[k+1], vertices[k+2]
		a := math.Hypot(v1.X-v0.X, v1.Y-v0.Y)
		b := math.Hypot(v2.X-v1.X, v2.Y-v1.Y)
		c := math.Hypot(v0.X-v2.X, v0.Y-v2.Y)

		cosA := (b*b + c*c - a*a) / (2*b*c + angleEpsilon)
		cosB := (a*a + c*c - b*b) / (2*a*c + angleEpsilon)
		cosC := (a*a + b*b - c*c) / (2*a*b + angleEpsilon)
		// The smallest angle has the largest cosine.
		maxCos := math.Max(cosA, math.Max(cosB, cosC))
		maxCos = math.Max(-1, math.Min(1, maxCos))
		angle := math.Acos(maxCos) * 180 / math.Pi
		if angle < minAngle {
			minAngle = angle
		}
	}
	return minAngle
}
