package dataset

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/rigml/shapecraft/pose"
)

// Rig is the live capture surface the recorder drives: it can read and write
// the driver-joint pose and evaluate the corrective displacement field at the
// current pose. Implementations talk to whatever hosts the character
// (a DCC session, a simulation, a test stub).
type Rig interface {
	// Pose returns the current normalized driver-joint rotations.
	Pose() (pose.Vector, error)

	// SetPose drives the joints to the given normalized rotations.
	SetPose(pose.Vector) error

	// Deltas returns the corrective displacement field at the current pose:
	// corrective target minus base deformation, per vertex. A rig with no
	// corrective target returns an all-zero field.
	Deltas() (pose.Field, error)
}

// Recorder captures samples from a rig into a dataset.
type Recorder struct {
	rig Rig
	ds  *Dataset
}

// NewRecorder creates a recorder that appends captures from rig to ds.
func NewRecorder(rig Rig, ds *Dataset) *Recorder {
	return &Recorder{rig: rig, ds: ds}
}

// Dataset returns the dataset the recorder appends to.
func (r *Recorder) Dataset() *Dataset { return r.ds }

// Capture records one sample at the rig's current pose.
func (r *Recorder) Capture(method Method) error {
	p, err := r.rig.Pose()
	if err != nil {
		return errors.WithMessage(err, "reading rig pose")
	}
	deltas, err := r.rig.Deltas()
	if err != nil {
		return errors.WithMessage(err, "reading rig deltas")
	}
	return r.ds.Append(Sample{Pose: p, Deltas: deltas, Method: method})
}

// CaptureZero records a sample at the rig's current pose with an all-zero
// displacement field, regardless of any corrective target. Zero samples
// anchor the models at poses that need no correction.
func (r *Recorder) CaptureZero() error {
	p, err := r.rig.Pose()
	if err != nil {
		return errors.WithMessage(err, "reading rig pose")
	}
	numVertices := r.ds.NumVertices
	if numVertices == 0 {
		deltas, err := r.rig.Deltas()
		if err != nil {
			return errors.WithMessage(err, "reading rig deltas to size zero sample")
		}
		numVertices = deltas.NumVertices()
	}
	return r.ds.Append(Sample{Pose: p, Deltas: pose.ZeroField(numVertices), Method: MethodManual})
}

// CaptureRange sweeps one joint from startDeg to endDeg (inclusive) in
// `steps` evenly spaced stops, capturing a sample at each stop. All other
// pose components are held at their current values, and the swept joint is
// restored to its previous rotation afterwards.
//
// steps must be ≥ 2 and startDeg ≠ endDeg, otherwise ErrInvalidRange.
func (r *Recorder) CaptureRange(jointIndex int, startDeg, endDeg float64, steps int) error {
	if steps < 2 {
		return errors.WithMessagef(ErrInvalidRange, "steps=%d, need at least 2", steps)
	}
	if startDeg == endDeg {
		return errors.WithMessagef(ErrInvalidRange, "start and end angle are both %g°", startDeg)
	}
	if jointIndex < 0 || jointIndex >= r.ds.NumJoints() {
		return errors.WithMessagef(ErrInvalidRange, "joint index %d out of range [0, %d)", jointIndex, r.ds.NumJoints())
	}

	held, err := r.rig.Pose()
	if err != nil {
		return errors.WithMessage(err, "reading rig pose before sweep")
	}
	defer func() {
		if err := r.rig.SetPose(held); err != nil {
			klog.Warningf("Failed to restore pose after sweep of joint %d: %v", jointIndex, err)
		}
	}()

	for i := 0; i < steps; i++ {
		deg := startDeg + (endDeg-startDeg)*float64(i)/float64(steps-1)
		p := held.Clone()
		p[jointIndex] = pose.NormalizeDegrees(deg)
		if err := r.rig.SetPose(p); err != nil {
			return errors.WithMessagef(err, "driving joint %d to %g°", jointIndex, deg)
		}
		deltas, err := r.rig.Deltas()
		if err != nil {
			return errors.WithMessagef(err, "reading rig deltas at %g°", deg)
		}
		if err := r.ds.Append(Sample{Pose: p, Deltas: deltas, Method: MethodRangeSwept}); err != nil {
			return err
		}
	}
	return nil
}
