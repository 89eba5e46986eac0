package model

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigml/shapecraft/dataset"
	"github.com/rigml/shapecraft/pose"
)

var testJoints = []string{"elbow_L", "elbow_R", "knee_L"}

const testVertices = 4

// smallConfig keeps the test models tiny so graph compilation stays fast.
func smallConfig(arch Architecture) Config {
	cfg := Config{
		Architecture: arch,
		JointNames:   testJoints,
		NumVertices:  testVertices,
	}
	switch arch {
	case Standard:
		cfg.HiddenLayers = []int{8, 8}
		cfg.DropoutRate = 0.1
	case Compact:
		cfg.HiddenLayers = []int{8}
		cfg.LatentDim = 2
	case Residual:
		cfg.HiddenSize = 8
		cfg.NumBlocks = 2
	}
	return cfg
}

func testBasisDataset(t *testing.T) *dataset.Dataset {
	ds := dataset.New(testJoints)
	for i := 0; i < 6; i++ {
		p := pose.Vector{float32(i) / 6, -float32(i) / 6, 0.5}
		deltas := make(pose.Field, 3*testVertices)
		for d := range deltas {
			deltas[d] = float32(math.Sin(float64(i+1)*float64(d+1))) * 0.1
		}
		require.NoError(t, ds.Append(dataset.Sample{Pose: p, Deltas: deltas, Method: dataset.MethodSculpted}))
	}
	return ds
}

func TestParseArchitecture(t *testing.T) {
	for _, arch := range Architectures {
		parsed, err := ParseArchitecture(string(arch))
		require.NoError(t, err)
		assert.Equal(t, arch, parsed)
	}
	_, err := ParseArchitecture("transformer")
	require.ErrorIs(t, err, ErrUnknownArchitecture)
}

func TestForwardShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, arch := range Architectures {
		t.Run(string(arch), func(t *testing.T) {
			m, err := New(backend, smallConfig(arch))
			require.NoError(t, err)
			if arch == Compact {
				basis, err := FitBasis(testBasisDataset(t), 2)
				require.NoError(t, err)
				require.NoError(t, m.SetBasis(basis))
			}

			field, err := m.Forward(pose.Vector{0.5, -0.25, 0})
			require.NoError(t, err)
			require.Len(t, field, 3*testVertices)
			for i, v := range field {
				require.False(t, math.IsNaN(float64(v)), "output %d is NaN", i)
			}
			assert.Greater(t, m.NumParameters(), 0, "forward must have created the weights")
		})
	}
}

func TestNumParametersCountsModelScopeOnly(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend, smallConfig(Standard))
	require.NoError(t, err)
	_, err = m.Forward(pose.Vector{0, 0, 0})
	require.NoError(t, err)

	n := m.NumParameters()
	require.Greater(t, n, 0)

	// A trainable variable in a sibling scope sharing the name prefix must
	// not be counted.
	m.Context().In("modeling").VariableWithValue("stray", tensors.FromFlatDataAndDimensions(make([]float32, 6), 6))
	assert.Equal(t, n, m.NumParameters())
}

func TestForwardDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend, smallConfig(Standard))
	require.NoError(t, err)

	p := pose.Vector{0.1, 0.2, -0.3}
	first, err := m.Forward(p)
	require.NoError(t, err)
	second, err := m.Forward(p)
	require.NoError(t, err)
	require.Equal(t, first, second, "inference must not be stochastic (dropout only applies while training)")
}

func TestForwardValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend, smallConfig(Standard))
	require.NoError(t, err)
	_, err = m.Forward(pose.Vector{0.5})
	require.Error(t, err, "wrong pose width")

	compact, err := New(backend, smallConfig(Compact))
	require.NoError(t, err)
	_, err = compact.Forward(pose.Vector{0, 0, 0})
	require.Error(t, err, "compact model without a basis must fail, not predict garbage")
}

func TestConfigDefaults(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend, Config{Architecture: Standard, JointNames: testJoints, NumVertices: 10})
	require.NoError(t, err)
	assert.Equal(t, []int{256, 512, 512, 256}, m.Config().HiddenLayers)
	assert.Equal(t, 0.1, m.Config().DropoutRate)

	m, err = New(backend, Config{Architecture: Compact, JointNames: testJoints, NumVertices: 10})
	require.NoError(t, err)
	assert.Equal(t, []int{128, 256, 128}, m.Config().HiddenLayers)
	assert.Equal(t, 50, m.Config().LatentDim)

	m, err = New(backend, Config{Architecture: Residual, JointNames: testJoints, NumVertices: 10})
	require.NoError(t, err)
	assert.Equal(t, 512, m.Config().HiddenSize)
	assert.Equal(t, 4, m.Config().NumBlocks)

	_, err = New(backend, Config{Architecture: "transformer", JointNames: testJoints, NumVertices: 10})
	require.ErrorIs(t, err, ErrUnknownArchitecture)
	_, err = New(backend, Config{Architecture: Standard, JointNames: nil, NumVertices: 10})
	require.Error(t, err)
	_, err = New(backend, Config{Architecture: Standard, JointNames: testJoints, NumVertices: 0})
	require.Error(t, err)
}

func TestFitBasis(t *testing.T) {
	ds := testBasisDataset(t)
	basis, err := FitBasis(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, basis.NumComponents)
	require.Len(t, basis.Mean, 3*testVertices)
	require.Len(t, basis.Components, 3*3*testVertices)

	// k larger than the attainable rank gets clamped to the sample count.
	basis, err = FitBasis(ds, 100)
	require.NoError(t, err)
	assert.Equal(t, ds.Len(), basis.NumComponents)

	_, err = FitBasis(ds, 0)
	require.Error(t, err)
	_, err = FitBasis(dataset.New(testJoints), 2)
	require.Error(t, err, "empty dataset")
}

func TestFitBasisMean(t *testing.T) {
	// All samples identical: the mean is the sample itself.
	ds := dataset.New([]string{"j"})
	deltas := pose.Field{1, 2, 3, 4, 5, 6}
	for i := 0; i < 4; i++ {
		require.NoError(t, ds.Append(dataset.Sample{Pose: pose.Vector{0.5}, Deltas: deltas}))
	}
	basis, err := FitBasis(ds, 2)
	require.NoError(t, err)
	for i := range deltas {
		assert.InDelta(t, float64(deltas[i]), float64(basis.Mean[i]), 1e-6)
	}
}
