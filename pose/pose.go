// Package pose defines the value types exchanged between the rig, the
// dataset recorder and the models: a pose vector of normalized joint
// rotations and a flat per-vertex displacement field.
package pose

import "github.com/pkg/errors"

// Vector holds one normalized rotation value per driver joint, in [-1, 1].
// The convention follows the capture pipeline: degrees divided by 180.
type Vector []float32

// Field is a flat displacement field: 3 floats (x, y, z offsets) per vertex,
// vertex-major. Its length is always 3*NumVertices.
type Field []float32

// NormalizeDegrees maps a joint rotation in degrees to the normalized
// [-1, 1] range used by pose vectors. Values beyond ±180° extrapolate
// linearly; the models were only ever trained inside the range.
func NormalizeDegrees(deg float64) float32 {
	return float32(deg / 180.0)
}

// Degrees converts a normalized rotation back to degrees.
func Degrees(normalized float32) float64 {
	return float64(normalized) * 180.0
}

// FromDegrees builds a pose vector from joint rotations in degrees.
func FromDegrees(degrees []float64) Vector {
	p := make(Vector, len(degrees))
	for i, d := range degrees {
		p[i] = NormalizeDegrees(d)
	}
	return p
}

// Clone returns an independent copy of the pose vector.
func (p Vector) Clone() Vector {
	c := make(Vector, len(p))
	copy(c, p)
	return c
}

// NumVertices returns the number of vertices the field spans.
func (f Field) NumVertices() int { return len(f) / 3 }

// At returns the (x, y, z) displacement of vertex i.
func (f Field) At(i int) (x, y, z float32) {
	return f[3*i], f[3*i+1], f[3*i+2]
}

// Scaled returns the field multiplied element-wise by weight. A weight of 0
// returns an all-zero field, 1 returns a copy.
func (f Field) Scaled(weight float32) Field {
	s := make(Field, len(f))
	if weight == 0 {
		return s
	}
	for i, v := range f {
		s[i] = v * weight
	}
	return s
}

// ZeroField returns an all-zero displacement field for numVertices vertices.
func ZeroField(numVertices int) Field {
	return make(Field, 3*numVertices)
}

// CheckField validates that f covers exactly numVertices vertices.
func CheckField(f Field, numVertices int) error {
	if len(f) != 3*numVertices {
		return errors.Errorf("displacement field has %d values, want 3×%d=%d", len(f), numVertices, 3*numVertices)
	}
	return nil
}
