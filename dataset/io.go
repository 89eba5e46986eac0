package dataset

import (
	"encoding/gob"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// File format: a gob stream with a fileHeader followed by two tensors
// (poses [N, numJoints] and deltas [N, 3*numVertices], Float32).
// Float32 payloads round-trip bit-exact.
const fileFormatVersion = 1

type fileHeader struct {
	Version     int
	JointNames  []string
	NumVertices int
	Methods     []Method
}

// Save writes the dataset to a single binary file at path. The file is
// written atomically: to a temporary file first, then renamed into place.
func (ds *Dataset) Save(path string) error {
	if ds.Len() == 0 {
		return errors.Errorf("refusing to save an empty dataset to %q", path)
	}
	tmpFile, err := os.CreateTemp("", "shapecraft_dataset")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file to save dataset to %q", path)
	}
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpFile.Name())
		}
	}()

	enc := gob.NewEncoder(tmpFile)
	header := fileHeader{
		Version:     fileFormatVersion,
		JointNames:  ds.JointNames,
		NumVertices: ds.NumVertices,
		Methods:     make([]Method, 0, ds.Len()),
	}
	for _, s := range ds.samples {
		header.Methods = append(header.Methods, s.Method)
	}
	if err := enc.Encode(header); err != nil {
		return errors.Wrapf(err, "encoding dataset header for %q", path)
	}
	poses, deltas := ds.Tensors()
	if err := poses.GobSerialize(enc); err != nil {
		return errors.WithMessagef(err, "encoding poses for %q", path)
	}
	if err := deltas.GobSerialize(enc); err != nil {
		return errors.WithMessagef(err, "encoding displacement fields for %q", path)
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "flushing dataset to %q", path)
	}
	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return errors.Wrapf(err, "moving dataset into place at %q", path)
	}
	tmpFile = nil
	return nil
}

// Load reads a dataset previously written with Save.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening dataset file %q", path)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	var header fileHeader
	if err := dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "decoding dataset header from %q", path)
	}
	if header.Version != fileFormatVersion {
		return nil, errors.Errorf("dataset file %q has format version %d, this build reads version %d",
			path, header.Version, fileFormatVersion)
	}
	poses, err := tensors.GobDeserialize(dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding poses from %q", path)
	}
	deltas, err := tensors.GobDeserialize(dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding displacement fields from %q", path)
	}

	n := len(header.Methods)
	numJoints := len(header.JointNames)
	if dims := poses.Shape().Dimensions; len(dims) != 2 || dims[0] != n || dims[1] != numJoints {
		return nil, errors.Errorf("dataset file %q: poses tensor shaped %v, want [%d, %d]",
			path, dims, n, numJoints)
	}
	if dims := deltas.Shape().Dimensions; len(dims) != 2 || dims[0] != n || dims[1] != 3*header.NumVertices {
		return nil, errors.Errorf("dataset file %q: displacements tensor shaped %v, want [%d, %d]",
			path, dims, n, 3*header.NumVertices)
	}

	ds := &Dataset{
		JointNames:  header.JointNames,
		NumVertices: header.NumVertices,
		samples:     make([]Sample, n),
	}
	flatPoses := tensors.MustCopyFlatData[float32](poses)
	flatDeltas := tensors.MustCopyFlatData[float32](deltas)
	for i := range ds.samples {
		ds.samples[i] = Sample{
			Pose:   flatPoses[i*numJoints : (i+1)*numJoints],
			Deltas: flatDeltas[i*3*header.NumVertices : (i+1)*3*header.NumVertices],
			Method: header.Methods[i],
		}
	}
	return ds, nil
}
