// Package host defines the narrow boundary between the corrective pipeline
// and whatever application owns the character: the host exposes the pose and
// accepts displacements, nothing else crosses.
package host

import (
	"github.com/pkg/errors"

	"github.com/rigml/shapecraft/inference"
	"github.com/rigml/shapecraft/pose"
)

// Rig is the host-side capability surface used per frame.
type Rig interface {
	// Pose returns the current normalized driver-joint rotations.
	Pose() (pose.Vector, error)

	// ApplyDisplacements offsets the deformed mesh by the given field.
	ApplyDisplacements(pose.Field) error
}

// EvaluateFrame runs one frame: read the pose, predict the correction scaled
// by weight, push it back to the rig. Prediction itself never fails; only
// rig I/O can return an error, and the host decides what to do with it.
func EvaluateFrame(rig Rig, session *inference.Session, weight float32) error {
	p, err := rig.Pose()
	if err != nil {
		return errors.WithMessage(err, "reading rig pose")
	}
	field := session.Predict(p, weight)
	if err := rig.ApplyDisplacements(field); err != nil {
		return errors.WithMessage(err, "applying displacements")
	}
	return nil
}
