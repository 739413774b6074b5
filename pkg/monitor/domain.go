// Package monitor samples a running shallow-water domain at every yieldstep,
// streams the samples to a CSV file and writes a JSON run summary when the run
// ends. Monitoring is best effort: a metric that cannot be computed degrades to
// zero and never stops the simulation.
package monitor

// Point is a planar coordinate in the domain's projected reference system.
type Point struct {
	X float64
	Y float64
}

// Mesh exposes the triangle geometry of the local partition. Every slice is
// indexed by triangle except Vertices, which holds three consecutive points
// per triangle.
type Mesh struct {
	Radii     []float64
	Areas     []float64
	Centroids []Point
	Vertices  []Point
}

// Quantity names read from the domain at every yieldstep.
const (
	QuantityStage     = "stage"
	QuantityElevation = "elevation"
	QuantityXMomentum = "xmomentum"
	QuantityYMomentum = "ymomentum"
)

// Domain is the simulation engine's view of the local partition.
type Domain interface {
	Mesh() (Mesh, error)
	// Quantity returns the centroid values of the named quantity.
	Quantity(name string) ([]float64, error)
	// FullCells reports which triangles are owned by this partition (false for
	// ghost halo cells). ok is false when the engine keeps no such flag; every
	// cell is then treated as full.
	FullCells() (full []bool, ok bool)
	// NumberOfSteps is the cumulative count of internal timesteps.
	NumberOfSteps() int
	// LastTimestep is the most recent internal timestep in seconds.
	LastTimestep() float64
	FlowAlgorithm() string
	NumberOfTriangles() int
}
