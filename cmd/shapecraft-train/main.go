// shapecraft-train fits a corrective-shape model on a captured dataset and
// exports the best checkpoint as a self-describing artifact.
//
// Example:
//
//	shapecraft-train -data captures.bin -output elbow.model -arch compact -epochs 150
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/rigml/shapecraft/artifact"
	"github.com/rigml/shapecraft/dataset"
	"github.com/rigml/shapecraft/model"
	"github.com/rigml/shapecraft/pose"
	"github.com/rigml/shapecraft/training"
)

var (
	flagData   = flag.String("data", "", "Dataset file to train on (required).")
	flagOutput = flag.String("output", "corrective.model", "Artifact file to write.")
	flagArch   = flag.String("arch", "standard", fmt.Sprintf("Model architecture, one of %v.", model.Architectures))
	flagLatent = flag.Int("latent", 0, "Latent dimension for the compact architecture (0 for the default).")

	flagEpochs      = flag.Int("epochs", 100, "Number of training epochs.")
	flagBatchSize   = flag.Int("batch", 32, "Batch size.")
	flagOptimizer   = flag.String("optimizer", "adam", "Optimizer name.")
	flagLR          = flag.Float64("learning_rate", 1e-3, "Initial learning rate.")
	flagValFraction = flag.Float64("val_fraction", 0.2, "Fraction of samples held out for validation.")
	flagSeed        = flag.Int64("seed", 42, "Random seed: same seed, same data, same run.")
	flagPatience    = flag.Int("patience", 10, "Epochs without improvement before the learning rate is halved.")
	flagProgress    = flag.Bool("progress", true, "Show a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	if *flagData == "" {
		klog.Exitf("Flag -data is required, see -help.")
	}

	goCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := backends.MustNew()
	ds := must.M1(dataset.Load(*flagData))
	fmt.Printf("Dataset: %d samples, %d joints, %d vertices\n", ds.Len(), ds.NumJoints(), ds.NumVertices)

	arch := must.M1(model.ParseArchitecture(*flagArch))
	m := must.M1(model.New(backend, model.Config{
		Architecture: arch,
		JointNames:   ds.JointNames,
		NumVertices:  ds.NumVertices,
		LatentDim:    *flagLatent,
	}))

	cfg := training.DefaultConfig()
	cfg.Epochs = *flagEpochs
	cfg.BatchSize = *flagBatchSize
	cfg.Optimizer = *flagOptimizer
	cfg.LearningRate = *flagLR
	cfg.ValidationFraction = *flagValFraction
	cfg.Seed = *flagSeed
	cfg.PlateauPatience = *flagPatience
	cfg.ShowProgress = *flagProgress

	result, err := training.Fit(goCtx, m, ds, cfg)
	if result == nil {
		klog.Exitf("Training failed: %+v", err)
	}
	if err != nil {
		klog.Warningf("Training stopped early (%s): %v -- exporting the best checkpoint anyway", result.State, err)
	}

	fmt.Printf("\nTraining %s after %d epochs\n", result.State, result.EpochsRun)
	fmt.Printf("\tmodel:           %s (%d parameters)\n", result.Best, result.Best.NumParameters())
	fmt.Printf("\tbest epoch:      %d (loss %.6g)\n", result.BestEpoch, result.BestValidationLoss)
	fmt.Printf("\tfinal train:     %.6g\n", result.FinalTrainLoss)
	fmt.Printf("\tfinal validation: %.6g\n", result.FinalValidationLoss)
	fmt.Printf("\tfinal learning rate: %g\n", result.FinalLearningRate)

	probes := probePoses(ds)
	must.M(artifact.ExportVerified(result.Best, *flagOutput, probes, 1e-5))
	fmt.Printf("Artifact written and verified: %s\n", *flagOutput)
}

// probePoses picks a few dataset poses to verify the exported artifact
// against the in-memory model.
func probePoses(ds *dataset.Dataset) []pose.Vector {
	n := ds.Len()
	if n > 3 {
		n = 3
	}
	probes := make([]pose.Vector, 0, n+1)
	probes = append(probes, make(pose.Vector, ds.NumJoints())) // rest pose
	for i := 0; i < n; i++ {
		probes = append(probes, ds.Sample(i).Pose)
	}
	return probes
}
