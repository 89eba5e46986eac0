// Package inference evaluates corrective displacements inside a host's
// per-frame deformation loop. A Session never fails the host: when no model
// is loaded, a load was rejected, or the model errors at runtime, it serves
// a deterministic procedural approximation instead and keeps count.
package inference

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/rigml/shapecraft/artifact"
	"github.com/rigml/shapecraft/model"
	"github.com/rigml/shapecraft/pose"
)

// Config configures a session for one rig.
type Config struct {
	// Schema is the rig the session serves. Artifacts are validated against
	// it before activation.
	Schema artifact.Schema

	// Fallback tunes the procedural approximation. Zero values get defaults.
	Fallback FallbackConfig
}

// Stats are cumulative session counters, safe to read concurrently with
// Predict.
type Stats struct {
	// Predictions counts all Predict calls.
	Predictions uint64
	// ModelPredictions counts predictions served by the loaded model.
	ModelPredictions uint64
	// FallbackPredictions counts predictions served procedurally.
	FallbackPredictions uint64
	// ModelFailures counts model forward passes that errored and were
	// absorbed into fallbacks.
	ModelFailures uint64
	// LoadFailures counts rejected LoadModel/UseModel calls.
	LoadFailures uint64
}

// Session serves per-frame displacement predictions. The active model is
// swapped atomically, so Predict can run concurrently with LoadModel; a
// failed load leaves the previous model active.
type Session struct {
	backend  backends.Backend
	schema   artifact.Schema
	fallback FallbackConfig

	active atomic.Pointer[model.Model]
	forced atomic.Bool

	// loadMu serializes model installation, not prediction.
	loadMu sync.Mutex

	predictions         atomic.Uint64
	modelPredictions    atomic.Uint64
	fallbackPredictions atomic.Uint64
	modelFailures       atomic.Uint64
	loadFailures        atomic.Uint64
}

// NewSession creates a session with no model: it serves procedural fallbacks
// until a model is installed.
func NewSession(backend backends.Backend, cfg Config) (*Session, error) {
	if len(cfg.Schema.JointNames) == 0 {
		return nil, errors.New("session schema needs at least one driver joint")
	}
	if cfg.Schema.NumVertices < 1 {
		return nil, errors.Errorf("session schema needs a positive vertex count, got %d", cfg.Schema.NumVertices)
	}
	if err := cfg.Fallback.fillDefaults(); err != nil {
		return nil, err
	}
	return &Session{backend: backend, schema: cfg.Schema, fallback: cfg.Fallback}, nil
}

// Schema returns the rig schema the session serves.
func (s *Session) Schema() artifact.Schema { return s.schema }

// NumVertices returns the vertex count of every predicted field.
func (s *Session) NumVertices() int { return s.schema.NumVertices }

// LoadModel loads an artifact and makes it the active model. The load is
// transactional: validation, weight restore and a warm-up forward pass all
// happen before the swap, and any failure leaves the previous model active.
func (s *Session) LoadModel(path string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	m, err := artifact.Load(s.backend, path, s.schema)
	if err != nil {
		s.loadFailures.Add(1)
		klog.Errorf("Model load rejected, previous model (if any) stays active: %v", err)
		return err
	}
	if err := s.install(m); err != nil {
		klog.Errorf("Model from %q failed warm-up, previous model (if any) stays active: %v", path, err)
		return errors.WithMessagef(err, "warming up model from %q", path)
	}
	klog.V(1).Infof("Activated model from %q: %s", path, m)
	return nil
}

// UseModel installs an in-memory model (e.g. fresh from training) as the
// active model, with the same validation and warm-up as LoadModel.
func (s *Session) UseModel(m *model.Model) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	cfg := m.Config()
	if cfg.NumJoints() != len(s.schema.JointNames) || cfg.NumVertices != s.schema.NumVertices {
		s.loadFailures.Add(1)
		return errors.WithMessagef(artifact.ErrSchemaMismatch,
			"model (%d joints, %d vertices) doesn't fit session rig (%d joints, %d vertices)",
			cfg.NumJoints(), cfg.NumVertices, len(s.schema.JointNames), s.schema.NumVertices)
	}
	if err := s.install(m); err != nil {
		return errors.WithMessage(err, "warming up model")
	}
	klog.V(1).Infof("Activated in-memory model: %s", m)
	return nil
}

// install warms the model up (compiling its executor, so Predict never
// compiles on the frame path) and swaps it in.
func (s *Session) install(m *model.Model) error {
	if _, err := m.Forward(make(pose.Vector, len(s.schema.JointNames))); err != nil {
		s.loadFailures.Add(1)
		return err
	}
	s.active.Store(m)
	return nil
}

// ClearModel drops the active model; the session falls back to procedural
// predictions.
func (s *Session) ClearModel() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.active.Store(nil)
}

// Model returns the active model, or nil.
func (s *Session) Model() *model.Model { return s.active.Load() }

// SetForcedFallback toggles serving procedural predictions even while a
// model is loaded. Used to compare behaviors live on a rig.
func (s *Session) SetForcedFallback(forced bool) { s.forced.Store(forced) }

// ForcedFallback reports whether forced fallback is on.
func (s *Session) ForcedFallback() bool { return s.forced.Load() }

// Predict returns the corrective displacement field for the pose, scaled by
// weight. It never returns an error: any model problem is absorbed, counted
// and served from the procedural fallback. weight 0 short-circuits to a zero
// field.
func (s *Session) Predict(p pose.Vector, weight float32) pose.Field {
	s.predictions.Add(1)
	if weight == 0 {
		return pose.ZeroField(s.schema.NumVertices)
	}

	var field pose.Field
	if m := s.active.Load(); m != nil && !s.forced.Load() {
		out, err := m.Forward(p)
		if err == nil && len(out) == 3*s.schema.NumVertices {
			s.modelPredictions.Add(1)
			field = out
		} else {
			s.modelFailures.Add(1)
			if err == nil {
				err = errors.Errorf("model produced %d values, rig needs %d", len(out), 3*s.schema.NumVertices)
			}
			klog.V(1).Infof("Model prediction failed, serving fallback: %v", err)
		}
	}
	if field == nil {
		s.fallbackPredictions.Add(1)
		field = s.proceduralField(p)
	}

	if weight != 1 {
		for i := range field {
			field[i] *= weight
		}
	}
	return field
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Predictions:         s.predictions.Load(),
		ModelPredictions:    s.modelPredictions.Load(),
		FallbackPredictions: s.fallbackPredictions.Load(),
		ModelFailures:       s.modelFailures.Load(),
		LoadFailures:        s.loadFailures.Load(),
	}
}
