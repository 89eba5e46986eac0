// shapecraft-capture produces a corrective dataset by sweeping each joint of
// a synthetic rig across an angle range. Useful to exercise the training and
// inference pipeline without a DCC session; the synthetic correctives follow
// a smooth, known function of the pose.
package main

import (
	"flag"
	"fmt"
	"math"
	"strings"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/rigml/shapecraft/dataset"
	"github.com/rigml/shapecraft/pose"
)

var (
	flagOutput   = flag.String("output", "captures.bin", "Dataset file to write.")
	flagJoints   = flag.String("joints", "elbow_L,elbow_R,knee_L", "Comma-separated driver joint names.")
	flagVertices = flag.Int("vertices", 64, "Vertex count of the synthetic mesh.")
	flagStart    = flag.Float64("start_deg", -90, "Sweep start angle in degrees.")
	flagEnd      = flag.Float64("end_deg", 90, "Sweep end angle in degrees.")
	flagSteps    = flag.Int("steps", 19, "Samples per joint sweep.")
)

// syntheticRig deforms a pretend mesh with a smooth closed-form corrective:
// each joint bends a sinusoidal bulge across the vertices, quadratic in the
// rotation so the rest pose needs no correction.
type syntheticRig struct {
	current     pose.Vector
	numVertices int
}

func newSyntheticRig(numJoints, numVertices int) *syntheticRig {
	return &syntheticRig{current: make(pose.Vector, numJoints), numVertices: numVertices}
}

func (r *syntheticRig) Pose() (pose.Vector, error) { return r.current.Clone(), nil }

func (r *syntheticRig) SetPose(p pose.Vector) error {
	if len(p) != len(r.current) {
		return fmt.Errorf("pose has %d joints, rig has %d", len(p), len(r.current))
	}
	r.current = p.Clone()
	return nil
}

func (r *syntheticRig) Deltas() (pose.Field, error) {
	field := pose.ZeroField(r.numVertices)
	for j, angle := range r.current {
		bend := float64(angle) * float64(angle) * math.Copysign(1, float64(angle))
		for i := 0; i < r.numVertices; i++ {
			profile := math.Sin(math.Pi * float64(i+1) / float64(r.numVertices+1))
			field[3*i] += float32(0.2 * bend * profile)
			field[3*i+1] += float32(0.05 * bend * profile * math.Cos(float64(j)))
			field[3*i+2] += float32(0.1 * bend * profile)
		}
	}
	return field, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	jointNames := strings.Split(*flagJoints, ",")
	rig := newSyntheticRig(len(jointNames), *flagVertices)
	ds := dataset.New(jointNames)
	recorder := dataset.NewRecorder(rig, ds)

	// Anchor the rest pose with a zero correction, then sweep every joint.
	must.M(recorder.Capture(dataset.MethodManual))
	for j := range jointNames {
		must.M(recorder.CaptureRange(j, *flagStart, *flagEnd, *flagSteps))
		klog.V(1).Infof("Swept %s: %d samples", jointNames[j], *flagSteps)
	}

	must.M(ds.Save(*flagOutput))
	fmt.Printf("Captured %d samples (%d joints, %d vertices) to %s\n",
		ds.Len(), ds.NumJoints(), ds.NumVertices, *flagOutput)
}
