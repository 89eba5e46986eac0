// Package model implements the corrective-shape model family: three
// architectures sharing one contract — a normalized pose vector in, a flat
// per-vertex displacement field out. Model weights live in a gomlx
// context.Context, so training, export and inference all share the same
// variable store.
package model

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"

	"github.com/rigml/shapecraft/pose"
)

// Scope under which all model weights live in the context. Optimizer state
// and other training bookkeeping live outside it, so exporting only this
// scope captures exactly the model.
const Scope = "model"

// Config fully describes a model: architecture, rig schema and
// architecture-specific sizes. A Config with zero-valued sizes gets the
// family defaults filled in by New.
type Config struct {
	Architecture Architecture

	// JointNames gives the driver joints, fixing the input dimension.
	JointNames []string

	// NumVertices fixes the output dimension (3 values per vertex).
	NumVertices int

	// HiddenLayers are the widths of the hidden layers for Standard and of
	// the encoder for Compact.
	HiddenLayers []int

	// LatentDim is the number of basis coefficients (Compact only).
	LatentDim int

	// HiddenSize and NumBlocks shape the Residual architecture.
	HiddenSize int
	NumBlocks  int

	// DropoutRate in [0, 1); 0 disables dropout. Only active while training.
	DropoutRate float64
}

func (cfg *Config) fillDefaults() {
	switch cfg.Architecture {
	case Standard:
		if cfg.HiddenLayers == nil {
			cfg.HiddenLayers = []int{256, 512, 512, 256}
			cfg.DropoutRate = 0.1
		}
	case Compact:
		if cfg.HiddenLayers == nil {
			cfg.HiddenLayers = []int{128, 256, 128}
		}
		if cfg.LatentDim == 0 {
			cfg.LatentDim = 50
		}
	case Residual:
		if cfg.HiddenSize == 0 {
			cfg.HiddenSize = 512
		}
		if cfg.NumBlocks == 0 {
			cfg.NumBlocks = 4
		}
	}
}

func (cfg *Config) validate() error {
	if _, err := ParseArchitecture(string(cfg.Architecture)); err != nil {
		return err
	}
	if len(cfg.JointNames) == 0 {
		return errors.New("model config needs at least one driver joint")
	}
	if cfg.NumVertices < 1 {
		return errors.Errorf("model config needs a positive vertex count, got %d", cfg.NumVertices)
	}
	for _, w := range cfg.HiddenLayers {
		if w < 1 {
			return errors.Errorf("hidden layer widths must be positive, got %v", cfg.HiddenLayers)
		}
	}
	if cfg.DropoutRate < 0 || cfg.DropoutRate >= 1 {
		return errors.Errorf("dropout rate must be in [0, 1), got %g", cfg.DropoutRate)
	}
	return nil
}

// NumJoints returns the input dimension.
func (cfg *Config) NumJoints() int { return len(cfg.JointNames) }

// OutputDim returns the flat output dimension, 3 per vertex.
func (cfg *Config) OutputDim() int { return 3 * cfg.NumVertices }

// Model is one trainable corrective-shape predictor. It owns the context
// holding its weights and a lazily compiled single-pose executor.
type Model struct {
	cfg     Config
	backend backends.Backend
	ctx     *context.Context

	// basis is only set for the Compact architecture.
	basis *Basis

	mu   sync.Mutex
	exec *context.Exec
}

// New creates a model with freshly initialized weights. Missing
// architecture-specific sizes get the family defaults.
func New(backend backends.Backend, cfg Config) (*Model, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, backend: backend, ctx: context.New()}, nil
}

// FromContext wraps an existing weight store (a training snapshot or a loaded
// artifact) in a Model. The context is used as is, not cloned.
func FromContext(backend backends.Backend, cfg Config, ctx *context.Context, basis *Basis) (*Model, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Architecture == Compact && basis == nil {
		return nil, errors.New("compact model requires a reconstruction basis")
	}
	return &Model{cfg: cfg, backend: backend, ctx: ctx, basis: basis}, nil
}

// Config returns a copy of the model's configuration.
func (m *Model) Config() Config { return m.cfg }

// Context returns the context holding the model weights (plus whatever
// training state accumulated around them).
func (m *Model) Context() *context.Context { return m.ctx }

// Backend returns the backend the model executes on.
func (m *Model) Backend() backends.Backend { return m.backend }

// Basis returns the Compact reconstruction basis, nil for other
// architectures or before SetBasis.
func (m *Model) Basis() *Basis { return m.basis }

// SetBasis installs the reconstruction basis for a Compact model. It must be
// called before the first forward pass or training step.
func (m *Model) SetBasis(b *Basis) error {
	if m.cfg.Architecture != Compact {
		return errors.Errorf("architecture %q takes no reconstruction basis", m.cfg.Architecture)
	}
	if len(b.Mean) != m.cfg.OutputDim() || len(b.Components) != b.NumComponents*m.cfg.OutputDim() {
		return errors.Errorf("basis sized for %d values doesn't match model output dimension %d",
			len(b.Mean), m.cfg.OutputDim())
	}
	if b.NumComponents != m.cfg.LatentDim {
		// The fit may have clamped k below the configured latent dimension.
		m.cfg.LatentDim = b.NumComponents
	}
	m.basis = b
	return nil
}

// ForwardGraph builds the forward computation for a batch of poses shaped
// [batch, numJoints], returning displacements shaped [batch, 3*numVertices].
// It is a graph building function: it panics on invalid graphs, in gomlx
// style; executors convert those panics to errors.
func (m *Model) ForwardGraph(ctx *context.Context, poses *Node) *Node {
	ctx = ctx.In(Scope)
	switch m.cfg.Architecture {
	case Standard:
		return m.standardGraph(ctx, poses)
	case Compact:
		return m.compactGraph(ctx, poses)
	case Residual:
		return m.residualGraph(ctx, poses)
	}
	exceptions.Panicf("model: unknown architecture %q", m.cfg.Architecture)
	return nil
}

// standardGraph: a plain FC stack with ReLU in between and dropout after
// each hidden activation, predicting all displacements directly.
func (m *Model) standardGraph(ctx *context.Context, x *Node) *Node {
	for i, width := range m.cfg.HiddenLayers {
		layer := fnn.New(ctx.Inf("dense_%d", i), x, width)
		if i > 0 && m.cfg.DropoutRate > 0 {
			layer.Dropout(m.cfg.DropoutRate)
		}
		x = layer.Done()
		x = activations.Apply(activations.TypeRelu, x)
	}
	out := fnn.New(ctx.In("output"), x, m.cfg.OutputDim())
	if m.cfg.DropoutRate > 0 {
		out.Dropout(m.cfg.DropoutRate)
	}
	return out.Done()
}

// compactGraph: an encoder to LatentDim coefficients followed by the frozen
// linear reconstruction latent·components + mean.
func (m *Model) compactGraph(ctx *context.Context, x *Node) *Node {
	if m.basis == nil {
		exceptions.Panicf("compact model has no reconstruction basis: fit one from the training samples (or load an artifact) first")
	}
	for i, width := range m.cfg.HiddenLayers {
		x = fnn.New(ctx.Inf("encoder_%d", i), x, width).Done()
		x = activations.Apply(activations.TypeRelu, x)
	}
	latent := fnn.New(ctx.In("latent"), x, m.cfg.LatentDim).Done()

	reconCtx := ctx.In("reconstruction").Checked(false)
	dim := m.cfg.OutputDim()
	componentsVar := reconCtx.VariableWithValue("components",
		tensors.FromFlatDataAndDimensions(m.basis.Components, m.basis.NumComponents, dim)).
		SetTrainable(false)
	meanVar := reconCtx.VariableWithValue("mean",
		tensors.FromFlatDataAndDimensions(m.basis.Mean, dim)).
		SetTrainable(false)

	g := latent.Graph()
	out := DotProduct(latent, componentsVar.ValueGraph(g))
	return Add(out, InsertAxes(meanVar.ValueGraph(g), 0))
}

// residualGraph: input projection to HiddenSize, NumBlocks skip-connected
// blocks, output projection.
func (m *Model) residualGraph(ctx *context.Context, x *Node) *Node {
	x = fnn.New(ctx.In("input_projection"), x, m.cfg.HiddenSize).Done()
	x = activations.Apply(activations.TypeRelu, x)
	for i := 0; i < m.cfg.NumBlocks; i++ {
		blockCtx := ctx.Inf("block_%d", i)
		y := fnn.New(blockCtx.In("dense_0"), x, m.cfg.HiddenSize).Done()
		y = activations.Apply(activations.TypeRelu, y)
		inner := fnn.New(blockCtx.In("dense_1"), y, m.cfg.HiddenSize)
		if m.cfg.DropoutRate > 0 {
			inner.Dropout(m.cfg.DropoutRate)
		}
		y = inner.Done()
		x = activations.Apply(activations.TypeRelu, Add(x, y))
	}
	return fnn.New(ctx.In("output_projection"), x, m.cfg.OutputDim()).Done()
}

// TrainingModelFn adapts the model to the train.Trainer contract.
func (m *Model) TrainingModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{m.ForwardGraph(ctx, inputs[0])}
	}
}

// Forward runs a single pose through the model and returns the predicted
// displacement field. The first call compiles and caches the executor;
// subsequent calls only execute.
func (m *Model) Forward(p pose.Vector) (pose.Field, error) {
	if len(p) != m.cfg.NumJoints() {
		return nil, errors.Errorf("pose has %d joints, model expects %d", len(p), m.cfg.NumJoints())
	}
	exec, err := m.forwardExec()
	if err != nil {
		return nil, err
	}
	input := tensors.FromFlatDataAndDimensions([]float32(p), 1, m.cfg.NumJoints())
	output, err := exec.Exec1(input)
	if err != nil {
		return nil, errors.WithMessage(err, "model forward pass")
	}
	var flat []float32
	if err := exceptions.TryCatch[error](func() { flat = tensors.MustCopyFlatData[float32](output) }); err != nil {
		return nil, errors.WithMessage(err, "reading model output")
	}
	return pose.Field(flat), nil
}

func (m *Model) forwardExec() (*context.Exec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec != nil {
		return m.exec, nil
	}
	exec, err := context.NewExec(m.backend, m.ctx, func(ctx *context.Context, poses *Node) *Node {
		return m.ForwardGraph(ctx, poses)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "compiling model forward executor")
	}
	m.exec = exec
	return exec, nil
}

// NumParameters returns the number of trainable weights. Weights are created
// on the first graph build, so this is 0 for a model that never ran.
func (m *Model) NumParameters() int {
	total := 0
	prefix := context.ScopeSeparator + Scope
	for v := range m.ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		// Exact scope or a child of it, never a sibling like "/modelx".
		if v.Scope() == prefix || strings.HasPrefix(v.Scope(), prefix+context.ScopeSeparator) {
			total += v.Shape().Size()
		}
	}
	return total
}

// String gives a one-line description, e.g. for logs.
func (m *Model) String() string {
	switch m.cfg.Architecture {
	case Residual:
		return fmt.Sprintf("%s(hidden=%d, blocks=%d) joints=%d vertices=%d",
			m.cfg.Architecture, m.cfg.HiddenSize, m.cfg.NumBlocks, m.cfg.NumJoints(), m.cfg.NumVertices)
	case Compact:
		return fmt.Sprintf("%s(encoder=%v, latent=%d) joints=%d vertices=%d",
			m.cfg.Architecture, m.cfg.HiddenLayers, m.cfg.LatentDim, m.cfg.NumJoints(), m.cfg.NumVertices)
	default:
		return fmt.Sprintf("%s(hidden=%v) joints=%d vertices=%d",
			m.cfg.Architecture, m.cfg.HiddenLayers, m.cfg.NumJoints(), m.cfg.NumVertices)
	}
}
