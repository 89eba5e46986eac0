package dataset

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigml/shapecraft/pose"
)

// stubRig deforms a tiny synthetic mesh proportionally to the pose, so tests
// can predict the captured deltas exactly.
type stubRig struct {
	current     pose.Vector
	numVertices int
	setPoses    []pose.Vector // every pose driven through SetPose, in order
}

func newStubRig(numJoints, numVertices int) *stubRig {
	return &stubRig{current: make(pose.Vector, numJoints), numVertices: numVertices}
}

func (r *stubRig) Pose() (pose.Vector, error) { return r.current.Clone(), nil }

func (r *stubRig) SetPose(p pose.Vector) error {
	r.current = p.Clone()
	r.setPoses = append(r.setPoses, p.Clone())
	return nil
}

func (r *stubRig) Deltas() (pose.Field, error) {
	field := pose.ZeroField(r.numVertices)
	for j, angle := range r.current {
		for i := 0; i < r.numVertices; i++ {
			field[3*i] += angle * float32(j+1)
		}
	}
	return field, nil
}

func TestAppendSchema(t *testing.T) {
	ds := New([]string{"elbow_L", "elbow_R"})
	require.NoError(t, ds.Append(Sample{Pose: pose.Vector{0.5, 0}, Deltas: make(pose.Field, 9), Method: MethodManual}))
	require.Equal(t, 3, ds.NumVertices, "first sample must fix the vertex count")

	err := ds.Append(Sample{Pose: pose.Vector{0.5, 0}, Deltas: make(pose.Field, 12)})
	require.ErrorIs(t, err, ErrDimensionMismatch, "vertex count changed")

	err = ds.Append(Sample{Pose: pose.Vector{0.5}, Deltas: make(pose.Field, 9)})
	require.ErrorIs(t, err, ErrDimensionMismatch, "joint count changed")

	err = ds.Append(Sample{Pose: pose.Vector{0.5, 0}, Deltas: make(pose.Field, 10)})
	require.ErrorIs(t, err, ErrDimensionMismatch, "field not a multiple of 3")

	require.Equal(t, 1, ds.Len())
}

func TestCaptureRange(t *testing.T) {
	rig := newStubRig(2, 4)
	heldAngle := pose.NormalizeDegrees(30)
	require.NoError(t, rig.SetPose(pose.Vector{0, heldAngle}))
	rig.setPoses = nil

	ds := New([]string{"elbow_L", "elbow_R"})
	recorder := NewRecorder(rig, ds)
	require.NoError(t, recorder.CaptureRange(0, -90, 90, 19))
	require.Equal(t, 19, ds.Len())

	for i := 0; i < 19; i++ {
		s := ds.Sample(i)
		assert.Equal(t, MethodRangeSwept, s.Method)
		wantDeg := -90 + 180*float64(i)/18
		assert.InDelta(t, wantDeg, pose.Degrees(s.Pose[0]), 1e-4, "sample %d swept angle", i)
		assert.Equal(t, heldAngle, s.Pose[1], "sample %d must hold the other joint", i)

		// Deltas must correspond to the recorded pose.
		wantX := s.Pose[0] + 2*s.Pose[1]
		assert.InDelta(t, wantX, s.Deltas[0], 1e-6, "sample %d deltas", i)
	}

	// The swept joint must be restored after the sweep.
	assert.Equal(t, pose.Vector{0, heldAngle}, rig.current)
	require.Len(t, rig.setPoses, 20, "19 sweep stops plus the restore")
}

func TestCaptureRangeInvalid(t *testing.T) {
	recorder := NewRecorder(newStubRig(2, 4), New([]string{"a", "b"}))
	require.ErrorIs(t, recorder.CaptureRange(0, -90, 90, 1), ErrInvalidRange)
	require.ErrorIs(t, recorder.CaptureRange(0, 45, 45, 10), ErrInvalidRange)
	require.ErrorIs(t, recorder.CaptureRange(2, -90, 90, 10), ErrInvalidRange)
	require.ErrorIs(t, recorder.CaptureRange(-1, -90, 90, 10), ErrInvalidRange)
	require.Equal(t, 0, recorder.Dataset().Len(), "failed sweeps must not leave partial samples behind")
}

func TestCaptureZero(t *testing.T) {
	rig := newStubRig(1, 3)
	require.NoError(t, rig.SetPose(pose.Vector{0.5}))
	recorder := NewRecorder(rig, New([]string{"elbow"}))
	require.NoError(t, recorder.CaptureZero())

	ds := recorder.Dataset()
	require.Equal(t, 1, ds.Len())
	assert.Equal(t, pose.ZeroField(3), ds.Sample(0).Deltas)
	assert.Equal(t, pose.Vector{0.5}, ds.Sample(0).Pose)
}

func buildDataset(t *testing.T, numSamples int) *Dataset {
	rng := rand.New(rand.NewSource(7))
	ds := New([]string{"elbow_L", "elbow_R", "knee_L"})
	for i := 0; i < numSamples; i++ {
		p := pose.Vector{rng.Float32()*2 - 1, rng.Float32()*2 - 1, rng.Float32()*2 - 1}
		deltas := make(pose.Field, 3*5)
		for d := range deltas {
			deltas[d] = float32(math.Sin(float64(i+d))) * p[0]
		}
		require.NoError(t, ds.Append(Sample{Pose: p, Deltas: deltas, Method: MethodSculpted}))
	}
	return ds
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ds := buildDataset(t, 17)
	path := filepath.Join(t.TempDir(), "captures.bin")
	require.NoError(t, ds.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ds.JointNames, loaded.JointNames)
	require.Equal(t, ds.NumVertices, loaded.NumVertices)
	require.Equal(t, ds.Len(), loaded.Len())
	for i := 0; i < ds.Len(); i++ {
		require.Equal(t, ds.Sample(i), loaded.Sample(i), "sample %d must round-trip bit-exact", i)
	}
}

func TestSaveEmpty(t *testing.T) {
	ds := New([]string{"elbow_L"})
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.Error(t, ds.Save(path), "an empty dataset has no schema worth persisting")
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "a refused save must not create the file")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "not_a_dataset.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a gob stream"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestSplit(t *testing.T) {
	ds := buildDataset(t, 100)
	trainSet, validSet := ds.Split(0.2, rand.New(rand.NewSource(42)))
	require.Equal(t, 80, trainSet.Len())
	require.Equal(t, 20, validSet.Len())
	require.Equal(t, ds.NumVertices, trainSet.NumVertices)
	require.Equal(t, ds.NumVertices, validSet.NumVertices)

	// Same seed, same partition.
	train2, valid2 := ds.Split(0.2, rand.New(rand.NewSource(42)))
	for i := 0; i < trainSet.Len(); i++ {
		require.Equal(t, trainSet.Sample(i).Pose, train2.Sample(i).Pose)
	}
	for i := 0; i < validSet.Len(); i++ {
		require.Equal(t, validSet.Sample(i).Pose, valid2.Sample(i).Pose)
	}
}

func TestInMemory(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := buildDataset(t, 10)
	mds, err := ds.InMemory(backend, "test")
	require.NoError(t, err)
	require.Equal(t, 10, mds.NumExamples())

	empty := New([]string{"a"})
	_, err = empty.InMemory(backend, "empty")
	require.Error(t, err)
}
