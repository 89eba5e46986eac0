// Package dataset implements the corrective-displacement sample store: paired
// (pose, displacement) examples captured from a rig, persisted to a single
// binary file and bridged to an in-memory dataset for training.
package dataset

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"

	"github.com/rigml/shapecraft/pose"
)

var (
	// ErrDimensionMismatch is returned when a sample's pose or displacement
	// field doesn't match the schema fixed by the dataset's first sample.
	ErrDimensionMismatch = errors.New("sample dimensions don't match dataset schema")

	// ErrInvalidRange is returned by range sweeps with fewer than 2 steps or
	// a degenerate (start == end) angle range.
	ErrInvalidRange = errors.New("invalid sweep range")
)

// Method records how a sample was captured.
type Method string

const (
	// MethodManual marks a sample captured one-off from the current rig state.
	MethodManual Method = "manual"
	// MethodSculpted marks a sample whose deltas come from an artist-sculpted
	// corrective target.
	MethodSculpted Method = "sculpted"
	// MethodRangeSwept marks a sample produced by an automated joint sweep.
	MethodRangeSwept Method = "range_swept"
)

// Sample pairs a normalized pose with the corrective displacement field
// observed at that pose.
type Sample struct {
	Pose   pose.Vector
	Deltas pose.Field
	Method Method
}

// Dataset is an append-only collection of samples sharing one schema:
// a fixed set of driver joints and a fixed vertex count. The vertex count is
// locked in by the first sample appended.
type Dataset struct {
	JointNames  []string
	NumVertices int

	samples []Sample
}

// New creates an empty dataset for the given driver joints. The vertex count
// is set by the first sample.
func New(jointNames []string) *Dataset {
	return &Dataset{JointNames: jointNames}
}

// NumJoints returns the number of driver joints in the schema.
func (ds *Dataset) NumJoints() int { return len(ds.JointNames) }

// Len returns the number of samples.
func (ds *Dataset) Len() int { return len(ds.samples) }

// Sample returns the i-th sample. The returned slices are owned by the
// dataset and must not be mutated.
func (ds *Dataset) Sample(i int) Sample { return ds.samples[i] }

// Append adds a sample, validating it against the schema. The first appended
// sample fixes the dataset's vertex count.
func (ds *Dataset) Append(s Sample) error {
	if len(s.Pose) != len(ds.JointNames) {
		return errors.WithMessagef(ErrDimensionMismatch,
			"pose has %d joints, dataset schema has %d", len(s.Pose), len(ds.JointNames))
	}
	if len(s.Deltas)%3 != 0 {
		return errors.WithMessagef(ErrDimensionMismatch,
			"displacement field length %d is not a multiple of 3", len(s.Deltas))
	}
	numVertices := s.Deltas.NumVertices()
	if ds.Len() == 0 {
		ds.NumVertices = numVertices
	} else if numVertices != ds.NumVertices {
		return errors.WithMessagef(ErrDimensionMismatch,
			"displacement field covers %d vertices, dataset schema has %d", numVertices, ds.NumVertices)
	}
	ds.samples = append(ds.samples, s)
	return nil
}

// Split partitions the dataset into train and validation subsets.
// `validationFraction` of the samples (rounded down) are drawn at random with
// rng into the validation set; the rest keep their capture order in the
// training set. The sample slices are shared, not copied.
func (ds *Dataset) Split(validationFraction float64, rng *rand.Rand) (train, validation *Dataset) {
	n := ds.Len()
	numValidation := int(float64(n) * validationFraction)
	perm := rng.Perm(n)
	isValidation := make([]bool, n)
	for _, i := range perm[:numValidation] {
		isValidation[i] = true
	}
	train = &Dataset{JointNames: ds.JointNames, NumVertices: ds.NumVertices}
	validation = &Dataset{JointNames: ds.JointNames, NumVertices: ds.NumVertices}
	for i, s := range ds.samples {
		if isValidation[i] {
			validation.samples = append(validation.samples, s)
		} else {
			train.samples = append(train.samples, s)
		}
	}
	return
}

// Tensors materializes the dataset as a pair of tensors: poses shaped
// [numSamples, numJoints] and displacement fields shaped
// [numSamples, 3*numVertices], both Float32.
func (ds *Dataset) Tensors() (poses, deltas *tensors.Tensor) {
	n := ds.Len()
	numJoints := ds.NumJoints()
	flatPoses := make([]float32, n*numJoints)
	flatDeltas := make([]float32, n*3*ds.NumVertices)
	for i, s := range ds.samples {
		copy(flatPoses[i*numJoints:], s.Pose)
		copy(flatDeltas[i*3*ds.NumVertices:], s.Deltas)
	}
	poses = tensors.FromFlatDataAndDimensions(flatPoses, n, numJoints)
	deltas = tensors.FromFlatDataAndDimensions(flatDeltas, n, 3*ds.NumVertices)
	return
}

// InMemory bridges the dataset to a datasets.InMemoryDataset usable with
// train.Trainer and train.Loop. Inputs are pose vectors, labels are flat
// displacement fields.
func (ds *Dataset) InMemory(backend backends.Backend, name string) (*datasets.InMemoryDataset, error) {
	if ds.Len() == 0 {
		return nil, errors.Errorf("dataset %q is empty", name)
	}
	poses, deltas := ds.Tensors()
	mds, err := datasets.InMemoryFromData(backend, name, []any{poses}, []any{deltas})
	if err != nil {
		return nil, errors.WithMessagef(err, "building in-memory dataset %q", name)
	}
	return mds, nil
}
