// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/glow/pkg/data"
	"github.com/gomlx/glow/pkg/glow"
	"github.com/gomlx/glow/pkg/samples"
	"github.com/gomlx/glow/ui/console"
	"github.com/gomlx/glow/ui/plots"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of a training run that are not hyperparameters.
type Options struct {
	// Dataset to train on, stored (or downloaded to, if Download is set) under DataRoot.
	Dataset  data.Name
	DataRoot string
	Download bool

	// OutputDir holds hparams.json, the checkpoints, the plots and the samples. If it exists it must be
	// empty, unless Fresh is set, in which case its contents are removed.
	OutputDir string
	Fresh     bool

	// SavedModel is a checkpoint directory to resume from. The optimizer state is only restored if
	// SavedOptimizer is set.
	SavedModel     string
	SavedOptimizer bool

	// HParams saved to hparams.json, typically the command line flags.
	HParams map[string]any

	// ShowProgressBar during the training epochs.
	ShowProgressBar bool
}

// epochsCompletedVar is the name of the variable, in the trainer scope, holding the number of
// completed epochs.
const epochsCompletedVar = "epochs_completed"

// EpochsCompletedVar returns the variable holding the number of completed epochs, saved with the
// checkpoints.
func EpochsCompletedVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(train.TrainerAbsoluteScope).
		Checked(false).
		VariableWithValue(epochsCompletedVar, int64(0)).
		SetTrainable(false)
}

// Run trains the model configured in ctx, following opts. It returns after the last epoch.
func Run(backend backends.Backend, ctx *context.Context, opts Options) error {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	if _, err = glow.ConfigFromContext(ctx); err != nil {
		return err
	}
	if err = PrepareOutputDir(opts.OutputDir, opts.Fresh); err != nil {
		return err
	}
	out := console.Stdout()
	cfg.Seed = ResolveSeed(cfg.Seed)
	out.UsingSeed(cfg.Seed)
	ctx.SetParam(ParamSeed, cfg.Seed)
	ctx.SetParam(glow.ParamInitSeed, cfg.Seed)
	if _, err = WriteHParams(opts.OutputDir, opts.HParams, cfg.Seed); err != nil {
		return err
	}

	info, trainImages, testImages, err := data.Load(opts.Dataset, opts.DataRoot, opts.Download)
	if err != nil {
		return err
	}
	klog.V(1).Infof("Dataset %s: %d training and %d test examples", info, trainImages.NumExamples(),
		testImages.NumExamples())
	ctx.SetParams(map[string]any{
		glow.ParamImageHeight:   info.ImageShape[0],
		glow.ParamImageWidth:    info.ImageShape[1],
		glow.ParamImageChannels: info.ImageShape[2],
		glow.ParamNumClasses:    info.NumClasses,
	})
	model, err := glow.New(ctx)
	if err != nil {
		return err
	}
	if klog.V(1).Enabled() {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	trainBatches, err := data.NewBatches(trainImages, data.TrainConfig(info, cfg.BatchSize, cfg.Augment, uint64(cfg.Seed)))
	if err != nil {
		return err
	}
	testBatches, err := data.NewBatches(testImages, data.EvalConfig(cfg.EvalBatchSize))
	if err != nil {
		return err
	}

	optimizer := NewOptimizer(cfg)
	if opts.SavedModel != "" {
		if err = loadSavedModel(ctx, optimizer, opts); err != nil {
			return err
		}
	}
	ctx.RngStateFromSeed(int64(cfg.Seed))
	checkpoint, err := checkpoints.Build(ctx).
		Dir(filepath.Join(opts.OutputDir, CheckpointsDir)).
		Keep(2).
		Done()
	if err != nil {
		return errors.WithMessage(err, "creating checkpoints directory")
	}

	if err = initActNorm(backend, ctx, model, cfg, trainBatches, out); err != nil {
		return err
	}

	trainMetrics, evalMetrics := Metrics(model)
	trainer := train.NewTrainer(backend, ctx.Checked(false), ModelFn(model, cfg), totalLoss, optimizer,
		trainMetrics, evalMetrics)
	loop := train.NewLoop(trainer)
	if opts.ShowProgressBar {
		commandline.AttachProgressBar(loop)
	}

	var recorder *plots.Recorder
	if cfg.Plots {
		if recorder, err = plots.NewRecorder(opts.OutputDir); err != nil {
			return err
		}
	}
	var generator *samples.Generator
	if cfg.NumSamples > 0 {
		if err = os.MkdirAll(filepath.Join(opts.OutputDir, SamplesDir), 0o755); err != nil {
			return errors.Wrap(err, "creating samples directory")
		}
		referencePath := filepath.Join(opts.OutputDir, SamplesDir, ReferenceSamplesFile)
		if err = samples.SaveReferenceGrid(testImages, cfg.NumSamples, referencePath); err != nil {
			klog.Warningf("Failed to save reference images: %+v", err)
		}
		generator, err = samples.NewGenerator(backend, ctx.Checked(false), model, cfg.NumSamples, cfg.SampleTemperature, -1)
		if err != nil {
			return err
		}
	}

	e := &epochRunner{
		ctx:        ctx,
		cfg:        cfg,
		opts:       opts,
		trainer:    trainer,
		loop:       loop,
		trainDS:    data.Parallel(trainBatches, cfg.NumWorkers),
		evalDS:     data.Parallel(testBatches, cfg.NumWorkers),
		checkpoint: checkpoint,
		recorder:   recorder,
		generator:  generator,
		out:        out,
	}
	return e.run()
}

// loadSavedModel restores the variables of the checkpoint in opts.SavedModel. The hyperparameters
// come from ctx, not from the checkpoint.
func loadSavedModel(ctx *context.Context, optimizer *Optimizer, opts Options) error {
	_, err := checkpoints.Load(ctx).Dir(opts.SavedModel).Immediate().ExcludeAllParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "loading saved model from %q", opts.SavedModel)
	}
	klog.Infof("Loaded saved model from %q", opts.SavedModel)
	if !opts.SavedOptimizer {
		if err = optimizer.Clear(ctx); err != nil {
			return errors.WithMessage(err, "clearing optimizer state of the saved model")
		}
	}
	return nil
}

// initActNorm runs the data-dependent initialization of the ActNorm layers, unless the model was
// already initialized (when resuming).
func initActNorm(backend backends.Backend, ctx *context.Context, model *glow.Model, cfg Config,
	trainBatches *data.Batches, out *console.Printer) error {
	initialized, err := glow.IsActNormInitialized(ctx)
	if err != nil {
		return err
	}
	if initialized {
		return nil
	}
	numExamples := min(cfg.NumInitBatches, trainBatches.NumBatches()) * cfg.BatchSize
	x, y, err := trainBatches.Take(numExamples)
	if err != nil {
		return errors.WithMessage(err, "taking batches for ActNorm initialization")
	}
	nll, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, x, y *Node) *Node {
		return model.InitActNormGraph(ctx, x, y)
	}, x, y)
	if err != nil {
		return errors.WithMessage(err, "initializing ActNorm layers")
	}
	out.Println(fmt.Sprintf("ActNorm initialized with %d examples, NLL: %.3f bits/dim", numExamples,
		shapes.ConvertTo[float64](nll.Value())))
	return nil
}

// epochRunner runs the training epochs.
type epochRunner struct {
	ctx             *context.Context
	cfg             Config
	opts            Options
	trainer         *train.Trainer
	loop            *train.Loop
	trainDS, evalDS train.Dataset
	checkpoint      *checkpoints.Handler
	recorder        *plots.Recorder
	generator       *samples.Generator
	out             *console.Printer
}

func (e *epochRunner) run() error {
	epochsVar := EpochsCompletedVar(e.ctx)
	startEpoch := int(tensors.ToScalar[int64](epochsVar.MustValue()))
	if startEpoch >= e.cfg.Epochs {
		e.out.Println(fmt.Sprintf("%d epochs already completed, nothing to train.", startEpoch))
		return nil
	}
	for epoch := startEpoch; epoch < e.cfg.Epochs; epoch++ {
		SetLearningRate(e.ctx, e.cfg.LearningRate*WarmupFactor(epoch, e.cfg.Warmup))
		trainValues, err := e.loop.RunEpochs(e.trainDS, 1)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch+1)
		}
		epochsVar.MustSetValue(tensors.FromScalar(int64(epoch + 1)))
		if err = e.checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch+1)
		}
		evalValues, err := e.trainer.Eval(e.evalDS)
		e.evalDS.Reset()
		if err != nil {
			return errors.WithMessagef(err, "evaluating epoch %d", epoch+1)
		}
		e.report(epoch+1, trainValues, evalValues)
		finalizeAll(trainValues)
		finalizeAll(evalValues)
	}
	if e.recorder != nil {
		e.out.Println(e.recorder.Points().String())
	}
	return nil
}

// report the results of the 1-based epoch: printed, recorded for the plots and with a grid of samples.
// Failures of the plots and samples are only logged.
func (e *epochRunner) report(epoch int, trainValues, evalValues []*tensors.Tensor) {
	evalDescs := e.trainer.EvalMetrics()
	e.out.ValidationResults(epoch, evalResults(evalDescs, evalValues))
	e.out.EpochDone(epoch, console.MeanDuration(e.loop.TrainStepDurations))

	if e.recorder != nil {
		err := e.recorder.AddEpoch(epoch, e.trainer.TrainMetrics(), trainValues, evalDescs, evalValues)
		if err == nil {
			err = e.recorder.Render()
		}
		if err != nil {
			klog.Warningf("Failed to update plots after epoch %d: %+v", epoch, err)
		}
	}
	if e.generator != nil {
		imgs, err := e.generator.Generate()
		if err == nil {
			path := filepath.Join(e.opts.OutputDir, SamplesDir, fmt.Sprintf("epoch_%03d.png", epoch))
			err = samples.SaveGrid(imgs, path, 0)
			imgs.MustFinalizeAll()
		}
		if err != nil {
			klog.Warningf("Failed to save samples after epoch %d: %+v", epoch, err)
		}
	}
}

func finalizeAll(values []*tensors.Tensor) {
	for _, t := range values {
		if t != nil {
			t.MustFinalizeAll()
		}
	}
}
