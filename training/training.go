// Package training fits corrective-shape models on captured sample sets:
// shuffled mini-batches under MSE, a held-out validation split, a plateau
// learning-rate schedule, best-checkpoint tracking and fail-fast on numeric
// divergence. Runs are reproducible for a fixed seed.
package training

import (
	stdctx "context"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/rigml/shapecraft/dataset"
	"github.com/rigml/shapecraft/model"
)

// ErrNumericalDivergence is returned when a batch loss turns NaN or ±Inf.
// The run stops immediately; the best checkpoint so far is still returned.
var ErrNumericalDivergence = errors.New("training loss diverged (NaN or Inf)")

// errCanceled distinguishes cooperative cancellation inside loop hooks.
var errCanceled = errors.New("training canceled")

// State describes how a training run ended.
type State int

const (
	// Completed: all requested epochs ran.
	Completed State = iota
	// Canceled: the caller's context was canceled; the run stopped at a
	// batch boundary.
	Canceled
	// Diverged: stopped by ErrNumericalDivergence.
	Diverged
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Diverged:
		return "diverged"
	}
	return "unknown"
}

// Config are the training hyperparameters. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	Epochs    int
	BatchSize int

	// Optimizer name, one of gomlx's known optimizers ("adam", "adamw",
	// "adamax", "sgd", "rmsprop").
	Optimizer    string
	LearningRate float64

	// ValidationFraction of samples held out for validation, in [0, 1).
	// With 0 (or a dataset too small to split) the training loss is
	// monitored instead.
	ValidationFraction float64

	// Seed drives the split, the shuffles, weight initialization and
	// dropout. Same seed, same dataset, same config → same run.
	Seed int64

	// Plateau learning-rate schedule: when the monitored loss hasn't
	// improved for PlateauPatience epochs, the learning rate is multiplied
	// by PlateauFactor (never below MinLearningRate) and the patience window
	// restarts.
	PlateauPatience int
	PlateauFactor   float64
	MinLearningRate float64

	// ShowProgress attaches a command-line progress bar to the loop.
	ShowProgress bool
}

// DefaultConfig returns the defaults the capture pipeline ships with.
func DefaultConfig() Config {
	return Config{
		Epochs:             100,
		BatchSize:          32,
		Optimizer:          "adam",
		LearningRate:       1e-3,
		ValidationFraction: 0.2,
		Seed:               42,
		PlateauPatience:    10,
		PlateauFactor:      0.5,
		MinLearningRate:    1e-6,
	}
}

func (cfg *Config) validate() error {
	if cfg.Epochs < 1 {
		return errors.Errorf("training needs at least 1 epoch, got %d", cfg.Epochs)
	}
	if cfg.BatchSize < 1 {
		return errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.ValidationFraction < 0 || cfg.ValidationFraction >= 1 {
		return errors.Errorf("validation fraction must be in [0, 1), got %g", cfg.ValidationFraction)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.PlateauFactor <= 0 || cfg.PlateauFactor >= 1 {
		return errors.Errorf("plateau factor must be in (0, 1), got %g", cfg.PlateauFactor)
	}
	if cfg.PlateauPatience < 1 {
		return errors.Errorf("plateau patience must be positive, got %d", cfg.PlateauPatience)
	}
	return nil
}

// Result reports a finished (or stopped) training run. Best is always the
// model snapshot with the lowest monitored loss, even for stopped runs.
type Result struct {
	Best  *model.Model
	State State

	EpochsRun int
	BestEpoch int

	FinalTrainLoss      float64
	FinalValidationLoss float64
	BestValidationLoss  float64

	// Per-epoch mean losses, in epoch order.
	TrainLossHistory      []float64
	ValidationLossHistory []float64

	// BestLossHistory[i] is the best monitored loss after epoch i. It never
	// increases.
	BestLossHistory []float64

	FinalLearningRate float64
}

// Fit trains m on ds. The caller's context is checked between batches and
// between epochs; cancellation stops the run cleanly with State Canceled.
//
// The returned Result's Best model shares no weights with m: it is a
// snapshot of the epoch with the lowest monitored loss.
func Fit(goCtx stdctx.Context, m *model.Model, ds *dataset.Dataset, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mcfg := m.Config()
	if ds.NumJoints() != mcfg.NumJoints() || ds.NumVertices != mcfg.NumVertices {
		return nil, errors.WithMessagef(dataset.ErrDimensionMismatch,
			"dataset schema (%d joints, %d vertices) doesn't match model (%d joints, %d vertices)",
			ds.NumJoints(), ds.NumVertices, mcfg.NumJoints(), mcfg.NumVertices)
	}
	if ds.Len() < 2 {
		return nil, errors.Errorf("training needs at least 2 samples, got %d", ds.Len())
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	trainSet, validSet := ds.Split(cfg.ValidationFraction, rng)
	if trainSet.Len() == 0 {
		return nil, errors.Errorf("validation fraction %g leaves no training samples", cfg.ValidationFraction)
	}
	klog.V(1).Infof("Training %s on %d samples (%d train / %d validation)",
		m, ds.Len(), trainSet.Len(), validSet.Len())

	if mcfg.Architecture == model.Compact && m.Basis() == nil {
		basis, err := model.FitBasis(trainSet, mcfg.LatentDim)
		if err != nil {
			return nil, errors.WithMessage(err, "fitting reconstruction basis")
		}
		if err := m.SetBasis(basis); err != nil {
			return nil, err
		}
		klog.V(1).Infof("Fitted reconstruction basis with %d components", basis.NumComponents)
	}

	backend := m.Backend()
	mctx := m.Context()
	mctx.SetParam(optimizers.ParamOptimizer, cfg.Optimizer)
	mctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)
	mctx.SetRNGStateFromSeed(cfg.Seed)
	trainCtx := mctx.WithInitializer(initializers.XavierUniformFn(mctx))

	batchSize := cfg.BatchSize
	if batchSize > trainSet.Len() {
		batchSize = trainSet.Len()
	}
	trainData, err := trainSet.InMemory(backend, "train")
	if err != nil {
		return nil, err
	}
	batches := trainData.Copy().
		BatchSize(batchSize, true).
		Shuffle().
		WithRand(rand.New(rand.NewSource(cfg.Seed + 1)))
	evalTrain := trainData.Copy().BatchSize(trainSet.Len(), false)
	var evalValid train.Dataset
	if validSet.Len() > 0 {
		vd, err := validSet.InMemory(backend, "validation")
		if err != nil {
			return nil, err
		}
		evalValid = vd.BatchSize(validSet.Len(), false)
	}

	trainer := train.NewTrainer(backend, trainCtx, m.TrainingModelFn(),
		losses.MeanSquaredError,
		optimizers.FromContext(trainCtx),
		nil, nil) // trainMetrics, evalMetrics
	loop := train.NewLoop(trainer)
	if cfg.ShowProgress {
		commandline.AttachProgressBar(loop)
	}

	loop.OnStep("cancellation", 100, func(loop *train.Loop, metrics []*tensors.Tensor) error {
		select {
		case <-goCtx.Done():
			return errCanceled
		default:
			return nil
		}
	})
	loop.OnStep("divergence check", 110, func(loop *train.Loop, metrics []*tensors.Tensor) error {
		if len(metrics) == 0 {
			return nil
		}
		loss := scalarToFloat64(metrics[0])
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return ErrNumericalDivergence
		}
		return nil
	})

	result := &Result{
		State:              Completed,
		BestEpoch:          -1,
		BestValidationLoss: math.Inf(1),
		FinalLearningRate:  cfg.LearningRate,
	}
	var bestSnapshot *context.Context
	plateauWait := 0
	currentLR := cfg.LearningRate

	var runErr error
epochs:
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if _, err := loop.RunEpochs(batches, 1); err != nil {
			switch {
			case errors.Is(err, errCanceled):
				result.State = Canceled
				klog.V(1).Infof("Training canceled after %d epochs", epoch)
			case errors.Is(err, ErrNumericalDivergence):
				result.State = Diverged
				runErr = err
				klog.Warningf("Training diverged at epoch %d", epoch)
			default:
				return nil, errors.WithMessagef(err, "training epoch %d", epoch)
			}
			break epochs
		}
		result.EpochsRun = epoch + 1

		trainLoss, err := evalLoss(trainer, evalTrain)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating training loss after epoch %d", epoch)
		}
		monitored := trainLoss
		validLoss := math.NaN()
		if evalValid != nil {
			validLoss, err = evalLoss(trainer, evalValid)
			if err != nil {
				return nil, errors.WithMessagef(err, "evaluating validation loss after epoch %d", epoch)
			}
			monitored = validLoss
		}
		result.TrainLossHistory = append(result.TrainLossHistory, trainLoss)
		result.ValidationLossHistory = append(result.ValidationLossHistory, validLoss)

		if math.IsNaN(monitored) || math.IsInf(monitored, 0) {
			result.State = Diverged
			runErr = errors.WithMessagef(ErrNumericalDivergence, "after epoch %d", epoch)
			break epochs
		}

		if monitored < result.BestValidationLoss {
			result.BestValidationLoss = monitored
			result.BestEpoch = epoch
			snapshot, err := mctx.Clone()
			if err != nil {
				return nil, errors.WithMessagef(err, "snapshotting best model at epoch %d", epoch)
			}
			bestSnapshot = snapshot
			plateauWait = 0
		} else {
			plateauWait++
			if plateauWait >= cfg.PlateauPatience && currentLR > cfg.MinLearningRate {
				currentLR = math.Max(currentLR*cfg.PlateauFactor, cfg.MinLearningRate)
				if err := setLearningRate(mctx, currentLR); err != nil {
					return nil, errors.WithMessagef(err, "reducing learning rate at epoch %d", epoch)
				}
				result.FinalLearningRate = currentLR
				plateauWait = 0
				klog.V(1).Infof("Plateau at epoch %d: learning rate reduced to %g", epoch, currentLR)
			}
		}
		result.BestLossHistory = append(result.BestLossHistory, result.BestValidationLoss)
		klog.V(2).Infof("Epoch %d: train=%.6g validation=%.6g best=%.6g",
			epoch, trainLoss, validLoss, result.BestValidationLoss)

		select {
		case <-goCtx.Done():
			result.State = Canceled
			break epochs
		default:
		}
	}

	if n := len(result.TrainLossHistory); n > 0 {
		result.FinalTrainLoss = result.TrainLossHistory[n-1]
		result.FinalValidationLoss = result.ValidationLossHistory[n-1]
	}

	bestCtx := bestSnapshot
	if bestCtx == nil {
		// No epoch finished evaluation; fall back to the live weights.
		bestCtx = mctx
	}
	best, err := model.FromContext(backend, m.Config(), bestCtx, m.Basis())
	if err != nil {
		return nil, errors.WithMessage(err, "wrapping best checkpoint")
	}
	result.Best = best
	return result, runErr
}

// evalLoss evaluates the mean loss on ds and resets it so it can be reused
// next epoch.
func evalLoss(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	values, err := trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, errors.New("evaluation returned no metrics")
	}
	// The trainer's first eval metric is the mean loss.
	return scalarToFloat64(values[0]), nil
}

func scalarToFloat64(t *tensors.Tensor) float64 {
	if !t.Shape().IsScalar() {
		return math.NaN()
	}
	switch t.Shape().DType {
	case dtypes.Float64:
		return tensors.ToScalar[float64](t)
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t))
	}
	return math.NaN()
}

// setLearningRate overwrites the optimizer's learning-rate variable,
// matching whatever dtype the optimizer created it with.
func setLearningRate(ctx *context.Context, lr float64) error {
	v := ctx.InspectVariable(context.ScopeSeparator+optimizers.Scope, optimizers.ParamLearningRate)
	if v == nil {
		// Not created yet (no train step ran): the context param is enough.
		ctx.SetParam(optimizers.ParamLearningRate, lr)
		return nil
	}
	switch v.Shape().DType {
	case dtypes.Float64:
		return v.SetValue(tensors.FromScalar(lr))
	default:
		return v.SetValue(tensors.FromScalar(float32(lr)))
	}
}
