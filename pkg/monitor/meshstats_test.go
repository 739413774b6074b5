package monitor

import (
	"math"
	"strings"
	"testing"
)

func TestGlobalMinAngleEquilateral(t *testing.T) {
	got := globalMinAngle(equilateral(0))
	if math.Abs(got-60) > 1e-6 {
		t.Fatalf("expected 60 degrees, got %v", got)
	}
}

func TestGlobalMinAngleTakesWorstTriangle(t *testing.T) {
	vertices := append(equilateral(0), Point{X: 0, Y: 0}, Point{X: 1, Y: 0}, Point{X: 0, Y: 1})
	got := globalMinAngle(vertices)
	if math.Abs(got-45) > 1e-6 {
		t.Fatalf("expected 45 degrees from the right isosceles triangle, got %v", got)
	}
}

func TestGlobalMinAngleRejectsPartialTriangles(t *testing.T) {
	if got := globalMinAngle([]Point{{X: 0}, {X: 1}}); got != 0 {
		t.Fatalf("expected 0 for malformed vertices, got %v", got)
	}
}

func TestPercentileMatchesLinearInterpolation(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	if got := percentileSorted(sorted, 5); math.Abs(got-1.2) > 1e-12 {
		t.Fatalf("expected p5 1.2, got %v", got)
	}
	if got := percentileSorted(sorted, 50); got != 3 {
		t.Fatalf("expected median 3, got %v", got)
	}
	if got := percentileSorted([]float64{1, 2, 3, 4}, 50); got != 2.5 {
		t.Fatalf("expected even median 2.5, got %v", got)
	}
}

func TestComputeMeshStatsSummary(t *testing.T) {
	mesh := Mesh{
		Radii:     []float64{0.5, 0.25, 1.0},
		Centroids: []Point{{X: 10, Y: 20}, {X: 331234.4, Y: 6245678.2}, {X: 30, Y: 40}},
		Vertices:  append(append(equilateral(0), equilateral(2)...), equilateral(4)...),
	}
	stats, err := computeMeshStats(mesh)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if stats.InradiusMin != 0.25 || stats.InradiusMedian != 0.5 || stats.Worst.X != 331234.4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	want := "3 triangles | inradius min=0.250m p5=0.275m median=0.500m | min_angle=60.0° | worst at (331234, 6245678)"
	if stats.Summary != want {
		t.Fatalf("unexpected summary\n got %q\nwant %q", stats.Summary, want)
	}
}

func TestComputeMeshStatsRejectsEmptyMesh(t *testing.T) {
	if _, err := computeMeshStats(Mesh{}); err == nil {
		t.Fatal("expected error for empty mesh")
	}
}

func TestFormatCountUsesThousandsSeparator(t *testing.T) {
	if got := formatCount(1234567); got != "1,234,567" {
		t.Fatalf("unexpected count %q", got)
	}
	if !strings.HasPrefix(unavailableMeshStats(1234).Summary, "1,234 triangles") {
		t.Fatal("expected separator in fallback summary")
	}
}
