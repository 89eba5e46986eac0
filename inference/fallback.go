package inference

import (
	"math"
	"slices"

	"github.com/gomlx/bsplines"
	"github.com/pkg/errors"

	"github.com/rigml/shapecraft/pose"
)

// FallbackConfig tunes the procedural approximation served when no model is
// available. It is a coarse, smooth stand-in for a trained model: good enough
// to keep a rig posable, never meant to match sculpted correctives.
type FallbackConfig struct {
	// Amplitude scales the whole field. Default 0.1 scene units.
	Amplitude float64

	// ReferenceAngles are the normalized rotations (in [-1, 1]) at which the
	// per-joint response is anchored; in between, the response follows a
	// quadratic B-spline over these knots, constant beyond the range ends.
	// Must be strictly ascending, at least 2. Default {-1, -0.5, 0, 0.5, 1}.
	ReferenceAngles []float64

	spline *bsplines.BSpline
}

// Degree of the response spline over the reference angles.
const splineDegree = 2

func (c *FallbackConfig) fillDefaults() error {
	if c.Amplitude == 0 {
		c.Amplitude = 0.1
	}
	if c.ReferenceAngles == nil {
		c.ReferenceAngles = []float64{-1, -0.5, 0, 0.5, 1}
	}
	if len(c.ReferenceAngles) < 2 {
		return errors.Errorf("fallback needs at least 2 reference angles, got %d", len(c.ReferenceAngles))
	}
	if !slices.IsSortedFunc(c.ReferenceAngles, func(a, b float64) int {
		if a < b {
			return -1
		}
		return 1
	}) {
		return errors.Errorf("fallback reference angles must be strictly ascending, got %v", c.ReferenceAngles)
	}
	c.spline = responseSpline(c.ReferenceAngles)
	return nil
}

// referenceResponse is the anchored per-joint response at a reference angle:
// zero at rest pose, growing toward the range ends where volume loss from
// linear skinning is worst.
func referenceResponse(angle float64) float64 {
	return math.Sin(math.Pi * angle / 2)
}

// responseSpline builds the per-joint response curve: a quadratic B-spline
// over the reference angles, with control values sampled from the anchored
// response at the Greville abscissae of the clamped knot vector. The curve
// hits the anchored response exactly at the range ends and stays constant
// beyond them.
func responseSpline(refs []float64) *bsplines.BSpline {
	expanded := make([]float64, 0, len(refs)+2*splineDegree)
	for i := 0; i < splineDegree; i++ {
		expanded = append(expanded, refs[0])
	}
	expanded = append(expanded, refs...)
	for i := 0; i < splineDegree; i++ {
		expanded = append(expanded, refs[len(refs)-1])
	}
	control := make([]float64, len(refs)+splineDegree-1)
	for i := range control {
		sum := 0.0
		for j := 1; j <= splineDegree; j++ {
			sum += expanded[i+j]
		}
		control[i] = referenceResponse(sum / splineDegree)
	}
	return bsplines.New(splineDegree, refs).
		WithControlPoints(control).
		WithExtrapolation(bsplines.ExtrapolateConstant)
}

// jointResponse evaluates the response spline at a normalized joint angle.
func (c *FallbackConfig) jointResponse(angle float64) float64 {
	return c.spline.Evaluate(angle)
}

// proceduralField builds the fallback displacement field for a pose: each
// joint contributes its spline response modulated by a fixed sinusoidal
// profile over the vertices, bulging along x with half the effect on z.
// Purely a function of the pose: same pose, same field.
func (s *Session) proceduralField(p pose.Vector) pose.Field {
	numVertices := s.schema.NumVertices
	field := pose.ZeroField(numVertices)
	for j, angle := range p {
		response := s.fallback.Amplitude * s.fallback.jointResponse(float64(angle))
		// Snap spline residue at the rest pose to an exact zero.
		if math.Abs(response) < 1e-12 {
			continue
		}
		for i := 0; i < numVertices; i++ {
			profile := math.Sin(math.Pi*float64(i+1)/float64(numVertices+1) + float64(j))
			field[3*i] += float32(response * profile)
			field[3*i+2] += float32(0.5 * response * profile)
		}
	}
	return field
}
