// Package artifact reads and writes trained corrective-shape models as
// single self-describing files: architecture tag, rig schema,
// architecture-specific sizes and every model weight. A file written by
// Export can be loaded with no other context than the rig it will run on.
package artifact

import (
	"encoding/gob"
	"os"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/rigml/shapecraft/model"
	"github.com/rigml/shapecraft/pose"
)

// ErrSchemaMismatch is returned when an artifact's rig schema (joint count or
// vertex count) doesn't match the rig it is being loaded for.
var ErrSchemaMismatch = errors.New("artifact schema doesn't match rig")

const fileFormatVersion = 1

// Schema is the receiving rig's shape, checked against the artifact before
// any weight is touched.
type Schema struct {
	JointNames  []string
	NumVertices int
}

type fileHeader struct {
	Version      int
	Architecture string
	JointNames   []string
	NumVertices  int
	HiddenLayers []int
	LatentDim    int
	HiddenSize   int
	NumBlocks    int
	DropoutRate  float64
	NumVariables int
}

type variableHeader struct {
	Scope     string
	Name      string
	Trainable bool
}

// Export writes the model to a single file at path. Only variables under the
// model scope are written: optimizer state and training bookkeeping stay
// behind. The file is written to a temporary location and renamed into place.
func Export(m *model.Model, path string) error {
	cfg := m.Config()

	type varEntry struct {
		header variableHeader
		value  *tensors.Tensor
	}
	var entries []varEntry
	prefix := context.ScopeSeparator + model.Scope
	for v := range m.Context().IterVariables() {
		if v.Scope() != prefix && !isUnderScope(v.Scope(), prefix) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		entries = append(entries, varEntry{
			header: variableHeader{Scope: v.Scope(), Name: v.Name(), Trainable: v.Trainable},
			value:  value,
		})
	}
	if len(entries) == 0 {
		return errors.New("model has no weights to export: run at least one forward or training step first")
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].header.Scope != entries[j].header.Scope {
			return entries[i].header.Scope < entries[j].header.Scope
		}
		return entries[i].header.Name < entries[j].header.Name
	})

	tmpFile, err := os.CreateTemp("", "shapecraft_artifact")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file to export model to %q", path)
	}
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpFile.Name())
		}
	}()

	enc := gob.NewEncoder(tmpFile)
	header := fileHeader{
		Version:      fileFormatVersion,
		Architecture: string(cfg.Architecture),
		JointNames:   cfg.JointNames,
		NumVertices:  cfg.NumVertices,
		HiddenLayers: cfg.HiddenLayers,
		LatentDim:    cfg.LatentDim,
		HiddenSize:   cfg.HiddenSize,
		NumBlocks:    cfg.NumBlocks,
		DropoutRate:  cfg.DropoutRate,
		NumVariables: len(entries),
	}
	if err := enc.Encode(header); err != nil {
		return errors.Wrapf(err, "encoding artifact header for %q", path)
	}
	for _, e := range entries {
		if err := enc.Encode(e.header); err != nil {
			return errors.Wrapf(err, "encoding variable header %q for %q", e.header.Name, path)
		}
		if err := e.value.GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "encoding variable %s/%s for %q", e.header.Scope, e.header.Name, path)
		}
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "flushing artifact to %q", path)
	}
	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return errors.Wrapf(err, "moving artifact into place at %q", path)
	}
	tmpFile = nil
	return nil
}

// Load reads an artifact and validates it against the receiving rig's schema
// before building the model. Nothing outside the returned model is touched,
// so a failed load leaves any currently active model undisturbed.
//
// Joint and vertex counts must match (ErrSchemaMismatch otherwise). Joint
// names are compared too, but a pure renaming only logs a warning.
func Load(backend backends.Backend, path string, schema Schema) (*model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening artifact %q", path)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	var header fileHeader
	if err := dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "decoding artifact header from %q", path)
	}
	if header.Version != fileFormatVersion {
		return nil, errors.Errorf("artifact %q has format version %d, this build reads version %d",
			path, header.Version, fileFormatVersion)
	}
	arch, err := model.ParseArchitecture(header.Architecture)
	if err != nil {
		return nil, errors.WithMessagef(err, "artifact %q", path)
	}
	if len(header.JointNames) != len(schema.JointNames) {
		return nil, errors.WithMessagef(ErrSchemaMismatch,
			"artifact %q drives %d joints, rig has %d", path, len(header.JointNames), len(schema.JointNames))
	}
	if header.NumVertices != schema.NumVertices {
		return nil, errors.WithMessagef(ErrSchemaMismatch,
			"artifact %q covers %d vertices, rig has %d", path, header.NumVertices, schema.NumVertices)
	}
	for i, name := range header.JointNames {
		if name != schema.JointNames[i] {
			klog.Warningf("Artifact %q joint %d is named %q, rig calls it %q -- loading anyway, verify the rig mapping",
				path, i, name, schema.JointNames[i])
		}
	}

	ctx := context.New()
	for i := 0; i < header.NumVariables; i++ {
		var vh variableHeader
		if err := dec.Decode(&vh); err != nil {
			return nil, errors.Wrapf(err, "decoding variable header %d of %d from %q", i, header.NumVariables, path)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding variable %s/%s from %q", vh.Scope, vh.Name, path)
		}
		ctx.InAbsPath(vh.Scope).Checked(false).
			VariableWithValue(vh.Name, value).
			SetTrainable(vh.Trainable)
	}

	cfg := model.Config{
		Architecture: arch,
		JointNames:   schema.JointNames,
		NumVertices:  header.NumVertices,
		HiddenLayers: header.HiddenLayers,
		LatentDim:    header.LatentDim,
		HiddenSize:   header.HiddenSize,
		NumBlocks:    header.NumBlocks,
		DropoutRate:  header.DropoutRate,
	}
	var basis *model.Basis
	if arch == model.Compact {
		basis, err = basisFromContext(ctx, cfg)
		if err != nil {
			return nil, errors.WithMessagef(err, "artifact %q", path)
		}
	}
	m, err := model.FromContext(backend, cfg, ctx, basis)
	if err != nil {
		return nil, errors.WithMessagef(err, "building model from artifact %q", path)
	}
	return m, nil
}

// basisFromContext rebuilds the Compact reconstruction basis from the
// restored reconstruction variables.
func basisFromContext(ctx *context.Context, cfg model.Config) (*model.Basis, error) {
	scope := context.ScopeSeparator + model.Scope + context.ScopeSeparator + "reconstruction"
	componentsVar := ctx.InspectVariable(scope, "components")
	meanVar := ctx.InspectVariable(scope, "mean")
	if componentsVar == nil || meanVar == nil {
		return nil, errors.New("compact artifact has no reconstruction basis variables")
	}
	componentsT, err := componentsVar.Value()
	if err != nil {
		return nil, errors.WithMessage(err, "reading reconstruction components")
	}
	meanT, err := meanVar.Value()
	if err != nil {
		return nil, errors.WithMessage(err, "reading reconstruction mean")
	}
	dims := componentsT.Shape().Dimensions
	if len(dims) != 2 || dims[1] != cfg.OutputDim() {
		return nil, errors.Errorf("reconstruction components shaped %v, want [k, %d]", dims, cfg.OutputDim())
	}
	return &model.Basis{
		NumComponents: dims[0],
		Mean:          tensors.MustCopyFlatData[float32](meanT),
		Components:    tensors.MustCopyFlatData[float32](componentsT),
	}, nil
}

// ExportVerified exports the model and immediately loads the file back,
// comparing predictions on the probe poses within tolerance. It catches
// artifact corruption at export time rather than in the host session.
func ExportVerified(m *model.Model, path string, probes []pose.Vector, tolerance float64) error {
	if err := Export(m, path); err != nil {
		return err
	}
	cfg := m.Config()
	loaded, err := Load(m.Backend(), path, Schema{JointNames: cfg.JointNames, NumVertices: cfg.NumVertices})
	if err != nil {
		return errors.WithMessage(err, "verifying exported artifact")
	}
	for _, probe := range probes {
		want, err := m.Forward(probe)
		if err != nil {
			return errors.WithMessage(err, "verifying exported artifact: original forward")
		}
		got, err := loaded.Forward(probe)
		if err != nil {
			return errors.WithMessage(err, "verifying exported artifact: loaded forward")
		}
		for i := range want {
			diff := float64(want[i] - got[i])
			if diff < -tolerance || diff > tolerance {
				return errors.Errorf("exported artifact diverges from source model: value %d is %g, want %g (tolerance %g)",
					i, got[i], want[i], tolerance)
			}
		}
	}
	return nil
}

func isUnderScope(scope, prefix string) bool {
	return len(scope) > len(prefix) && scope[:len(prefix)] == prefix &&
		scope[len(prefix):len(prefix)+1] == context.ScopeSeparator
}
