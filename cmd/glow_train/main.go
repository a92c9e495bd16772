// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// glow_train trains a Glow model on CIFAR-10 or SVHN.
//
// Example:
//
//	glow_train --dataset=cifar10 --dataroot=~/work/data --download --output_dir=~/work/glow --fresh
//
// Any hyperparameter can also be changed with -set, e.g. -set="energy_samples=64;energy_temperature=0.5".
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/glow/pkg/data"
	"github.com/gomlx/glow/pkg/glow"
	"github.com/gomlx/glow/pkg/trainer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	// Dataset.
	flagDataset   = flag.String("dataset", string(data.Cifar10), fmt.Sprintf("Dataset to train on, one of %q.", data.Names))
	flagDataroot  = flag.String("dataroot", "./", "Directory with the dataset files.")
	flagDownload  = flag.Bool("download", false, "Download the dataset files into --dataroot if missing.")
	flagNoAugment = flag.Bool("no_augment", false, "Disable the random translations (and flips, for CIFAR-10) of training images.")

	// Model.
	flagHiddenChannels  = flag.Int("hidden_channels", 512, "Number of hidden channels of the coupling networks.")
	flagK               = flag.Int("K", 32, "Number of flow steps per level.")
	flagL               = flag.Int("L", 3, "Number of levels.")
	flagActNormScale    = flag.Float64("actnorm_scale", 1.0, "Target standard deviation of the ActNorm outputs at initialization.")
	flagFlowPermutation = flag.String("flow_permutation", glow.PermutationInvConv, "Permutation of the channels: invconv, shuffle or reverse.")
	flagFlowCoupling    = flag.String("flow_coupling", glow.CouplingAffine, "Coupling layer: affine or additive.")
	flagNoLUDecomposed  = flag.Bool("no_LU_decomposed", false, "Use a plain weight matrix for the invertible 1x1 convolutions.")
	flagNoLearnTop      = flag.Bool("no_learn_top", false, "Do not learn the prior of the top level.")
	flagYCondition      = flag.Bool("y_condition", false, "Condition the prior on the class.")
	flagYWeight         = flag.Float64("y_weight", 0.01, "Weight of the classification loss, with --y_condition.")

	// Optimization.
	flagMaxGradClip   = flag.Float64("max_grad_clip", 0.5, "Clip each gradient value to [-v, v]; 0 disables it.")
	flagMaxGradNorm   = flag.Float64("max_grad_norm", 1.0, "Clip the global norm of the gradients; 0 disables it.")
	flagNumWorkers    = flag.Int("n_workers", 6, "Number of goroutines preparing batches.")
	flagBatchSize     = flag.Int("batch_size", 150, "Training batch size.")
	flagEvalBatchSize = flag.Int("eval_batch_size", 150, "Evaluation batch size.")
	flagEpochs        = flag.Int("epochs", 250, "Number of epochs to train.")
	flagLearningRate  = flag.Float64("lr", 5e-4, "Learning rate of the Adamax optimizer.")
	flagWarmup        = flag.Float64("warmup", 5, "Number of epochs of linear learning rate warmup; may be fractional.")
	flagNumInitBatch  = flag.Int("n_init_batches", 8, "Number of batches used for the ActNorm initialization.")
	flagObjective     = flag.String("objective", trainer.ObjectiveEnergy, "Training objective when not class conditioned: energy or nll.")

	// Run.
	flagNoCUDA         = flag.Bool("no_cuda", false, "Run on the CPU.")
	flagOutputDir      = flag.String("output_dir", "output/", "Directory for hparams.json, checkpoints, plots and samples.")
	flagFresh          = flag.Bool("fresh", false, "Remove the contents of --output_dir if not empty.")
	flagSavedModel     = flag.String("saved_model", "", "Checkpoint directory to resume training from.")
	flagSavedOptimizer = flag.Bool("saved_optimizer", false, "Also restore the optimizer state from --saved_model.")
	flagSeed           = flag.Int("seed", 0, "Random seed; 0 picks one at random.")
	flagNumSamples     = flag.Int("num_samples", 64, "Number of images sampled after each epoch; 0 disables it.")
	flagSampleTemp     = flag.Float64("sample_temperature", 0.7, "Temperature of the images sampled after each epoch.")
	flagPlots          = flag.Bool("plots", true, "Plot the losses after each epoch.")
)

// cpuBackend is used with --no_cuda.
const cpuBackend = "xla:cpu"

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	var flagNames []string
	flag.VisitAll(func(f *flag.Flag) { flagNames = append(flagNames, f.Name) })
	klog.InitFlags(nil)
	flag.Parse()

	dataset, err := data.ParseName(*flagDataset)
	if err != nil {
		klog.Exitf("Invalid --dataset: %v", err)
	}
	setParamsFromFlags(ctx)
	must.M1(commandline.ParseContextSettings(ctx, *settings))
	if _, err = trainer.ConfigFromContext(ctx); err != nil {
		klog.Exitf("Invalid flags: %v", err)
	}
	if _, err = glow.ConfigFromContext(ctx); err != nil {
		klog.Exitf("Invalid flags: %v", err)
	}

	opts := trainer.Options{
		Dataset:         dataset,
		DataRoot:        *flagDataroot,
		Download:        *flagDownload,
		OutputDir:       fsutil.MustReplaceTildeInDir(*flagOutputDir),
		Fresh:           *flagFresh,
		SavedModel:      *flagSavedModel,
		SavedOptimizer:  *flagSavedOptimizer,
		HParams:         flagValues(flagNames),
		ShowProgressBar: true,
	}
	if opts.SavedModel != "" {
		opts.SavedModel = fsutil.MustReplaceTildeInDir(opts.SavedModel)
	}

	backend := newBackend()
	klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())
	err = exceptions.TryCatch[error](func() {
		must.M(trainer.Run(backend, ctx, opts))
	})
	if err != nil {
		klog.Errorf("Training failed: %+v", err)
		os.Exit(1)
	}
}

// setParamsFromFlags writes the hyperparameters given as flags to the context.
func setParamsFromFlags(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		trainer.ParamAugment:           !*flagNoAugment,
		glow.ParamHiddenChannels:       *flagHiddenChannels,
		glow.ParamK:                    *flagK,
		glow.ParamL:                    *flagL,
		glow.ParamActNormScale:         *flagActNormScale,
		glow.ParamFlowPermutation:      *flagFlowPermutation,
		glow.ParamFlowCoupling:         *flagFlowCoupling,
		glow.ParamLUDecomposed:         !*flagNoLUDecomposed,
		glow.ParamLearnTop:             !*flagNoLearnTop,
		glow.ParamYCondition:           *flagYCondition,
		trainer.ParamYWeight:           *flagYWeight,
		trainer.ParamMaxGradClip:       *flagMaxGradClip,
		trainer.ParamMaxGradNorm:       *flagMaxGradNorm,
		trainer.ParamNumWorkers:        *flagNumWorkers,
		trainer.ParamBatchSize:         *flagBatchSize,
		trainer.ParamEvalBatchSize:     *flagEvalBatchSize,
		trainer.ParamEpochs:            *flagEpochs,
		trainer.ParamLearningRate:      *flagLearningRate,
		trainer.ParamWarmup:            *flagWarmup,
		trainer.ParamNumInitBatches:    *flagNumInitBatch,
		trainer.ParamObjective:         *flagObjective,
		trainer.ParamSeed:              *flagSeed,
		trainer.ParamNumSamples:        *flagNumSamples,
		trainer.ParamSampleTemperature: *flagSampleTemp,
		trainer.ParamPlots:             *flagPlots,
	})
}

// flagValues returns the values of the named flags, keyed by name.
func flagValues(names []string) map[string]any {
	values := make(map[string]any, len(names))
	flag.VisitAll(func(f *flag.Flag) {
		if !slices.Contains(names, f.Name) {
			return
		}
		if getter, ok := f.Value.(flag.Getter); ok {
			values[f.Name] = getter.Get()
		} else {
			values[f.Name] = f.Value.String()
		}
	})
	return values
}

func newBackend() backends.Backend {
	if *flagNoCUDA {
		return must.M1(backends.NewWithConfig(cpuBackend))
	}
	return backends.MustNew()
}
