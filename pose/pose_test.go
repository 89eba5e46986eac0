package pose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDegrees(t *testing.T) {
	assert.Equal(t, float32(0), NormalizeDegrees(0))
	assert.Equal(t, float32(0.5), NormalizeDegrees(90))
	assert.Equal(t, float32(-0.5), NormalizeDegrees(-90))
	assert.Equal(t, float32(1), NormalizeDegrees(180))

	for _, deg := range []float64{-180, -90, -33.5, 0, 12.25, 90, 180} {
		assert.InDelta(t, deg, Degrees(NormalizeDegrees(deg)), 1e-4)
	}
}

func TestFromDegrees(t *testing.T) {
	p := FromDegrees([]float64{-90, 0, 45})
	require.Len(t, p, 3)
	assert.Equal(t, Vector{-0.5, 0, 0.25}, p)

	c := p.Clone()
	c[0] = 1
	assert.Equal(t, float32(-0.5), p[0], "Clone must not alias the original")
}

func TestField(t *testing.T) {
	f := Field{1, 2, 3, 4, 5, 6}
	require.Equal(t, 2, f.NumVertices())
	x, y, z := f.At(1)
	assert.Equal(t, [3]float32{4, 5, 6}, [3]float32{x, y, z})

	assert.Equal(t, Field{2, 4, 6, 8, 10, 12}, f.Scaled(2))
	assert.Equal(t, ZeroField(2), f.Scaled(0))
	assert.Equal(t, f, f.Scaled(1))

	require.NoError(t, CheckField(f, 2))
	require.Error(t, CheckField(f, 3))
}
