// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains a Glow model (see package glow) on one of the image datasets of package data.
//
// Hyperparameters are context parameters: CreateDefaultContext sets all of them (the model ones
// included), they can be changed with commandline.ParseContextSettings, and they are saved along with
// the checkpoints. Run executes the whole training: ActNorm initialization, then for each epoch a pass
// over the training data, a checkpoint, an evaluation on the test data and the learning rate warmup.
package trainer

import (
	"github.com/gomlx/glow/pkg/glow"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Context parameters of the training. The model parameters are defined in package glow.
// ParamLearningRate is the key read by the gomlx optimizers.
const (
	ParamBatchSize         = "batch_size"
	ParamEvalBatchSize     = "eval_batch_size"
	ParamEpochs            = "epochs"
	ParamLearningRate      = "learning_rate"
	ParamWarmup            = "warmup"
	ParamNumInitBatches    = "n_init_batches"
	ParamMaxGradClip       = "max_grad_clip"
	ParamMaxGradNorm       = "max_grad_norm"
	ParamYWeight           = "y_weight"
	ParamWeightDecay       = "weight_decay"
	ParamObjective         = "objective"
	ParamEnergySamples     = "energy_samples"
	ParamEnergyTemperature = "energy_temperature"
	ParamAugment           = "augment"
	ParamNumWorkers        = "n_workers"
	ParamNumSamples        = "num_samples"
	ParamSampleTemperature = "sample_temperature"
	ParamPlots             = "plots"
	ParamSeed              = "seed"
)

// Objectives of models that are not class conditioned. Class conditioned models always train on the
// likelihood plus the classification loss.
const (
	ObjectiveEnergy = "energy"
	ObjectiveNLL    = "nll"
)

// CreateDefaultContext returns a context with the default value of every hyperparameter, model ones
// included.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Batch sizes. Evaluation keeps the last incomplete batch.
		ParamBatchSize:     150,
		ParamEvalBatchSize: 150,

		// epochs to train. Training resumed from a checkpoint continues from the epochs already completed.
		ParamEpochs: 250,

		// Adamax learning rate, linearly warmed up during the first "warmup" epochs.
		ParamLearningRate: 5e-4,
		ParamWarmup:       5.0,

		// n_init_batches is the number of training batches used for the data-dependent ActNorm initialization.
		ParamNumInitBatches: 8,

		// Gradient clipping by value and then by global norm. Disabled if <= 0.
		ParamMaxGradClip: 0.5,
		ParamMaxGradNorm: 1.0,

		// L2 regularization added to the gradients.
		ParamWeightDecay: 5e-5,

		// y_weight is the weight of the classification loss of class conditioned models.
		ParamYWeight: 0.01,

		// objective of models that are not class conditioned: "energy" or "nll".
		ParamObjective: ObjectiveEnergy,

		// energy_samples is the number of images generated per batch for the energy objective. 0 uses the batch size.
		ParamEnergySamples: 0,

		// energy_temperature of the prior when generating images for the energy objective.
		ParamEnergyTemperature: 0.3,

		// augment training images with random translations (and horizontal flips, on datasets that allow it).
		ParamAugment: true,

		// n_workers preparing training batches in parallel.
		ParamNumWorkers: 6,

		// num_samples is the number of images sampled and saved after each epoch. 0 disables it.
		ParamNumSamples:        64,
		ParamSampleTemperature: 0.7,

		// plots enables saving the metrics after each epoch, plotted in loss.png and exported in metrics.csv.
		ParamPlots: true,

		// seed of the random number generators. 0 picks one at random.
		ParamSeed: 0,
	})
	glow.SetDefaultParams(ctx)
	return ctx
}

// Config holds the training hyperparameters.
type Config struct {
	BatchSize, EvalBatchSize int
	Epochs                   int
	LearningRate             float64
	Warmup                   float64
	NumInitBatches           int
	MaxGradClip, MaxGradNorm float64
	WeightDecay              float64
	YWeight                  float64
	Objective                string
	EnergySamples            int
	EnergyTemperature        float64
	Augment                  bool
	NumWorkers               int
	NumSamples               int
	SampleTemperature        float64
	Plots                    bool
	Seed                     int
}

// ConfigFromContext reads the training hyperparameters from ctx and validates them.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := Config{
		BatchSize:         context.GetParamOr(ctx, ParamBatchSize, 150),
		EvalBatchSize:     context.GetParamOr(ctx, ParamEvalBatchSize, 0),
		Epochs:            context.GetParamOr(ctx, ParamEpochs, 250),
		LearningRate:      context.GetParamOr(ctx, ParamLearningRate, 5e-4),
		Warmup:            context.GetParamOr(ctx, ParamWarmup, 5.0),
		NumInitBatches:    context.GetParamOr(ctx, ParamNumInitBatches, 8),
		MaxGradClip:       context.GetParamOr(ctx, ParamMaxGradClip, 0.0),
		MaxGradNorm:       context.GetParamOr(ctx, ParamMaxGradNorm, 0.0),
		WeightDecay:       context.GetParamOr(ctx, ParamWeightDecay, 0.0),
		YWeight:           context.GetParamOr(ctx, ParamYWeight, 0.01),
		Objective:         context.GetParamOr(ctx, ParamObjective, ObjectiveEnergy),
		EnergySamples:     context.GetParamOr(ctx, ParamEnergySamples, 0),
		EnergyTemperature: context.GetParamOr(ctx, ParamEnergyTemperature, 0.3),
		Augment:           context.GetParamOr(ctx, ParamAugment, true),
		NumWorkers:        context.GetParamOr(ctx, ParamNumWorkers, 0),
		NumSamples:        context.GetParamOr(ctx, ParamNumSamples, 0),
		SampleTemperature: context.GetParamOr(ctx, ParamSampleTemperature, 0.7),
		Plots:             context.GetParamOr(ctx, ParamPlots, false),
		Seed:              context.GetParamOr(ctx, ParamSeed, 0),
	}
	if cfg.EvalBatchSize <= 0 {
		cfg.EvalBatchSize = cfg.BatchSize
	}
	return cfg, cfg.Validate()
}

// Validate the configuration.
func (cfg Config) Validate() error {
	if cfg.BatchSize <= 0 {
		return errors.Errorf("%s=%d must be > 0", ParamBatchSize, cfg.BatchSize)
	}
	if cfg.Epochs < 0 {
		return errors.Errorf("%s=%d must be >= 0", ParamEpochs, cfg.Epochs)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("%s=%g must be > 0", ParamLearningRate, cfg.LearningRate)
	}
	if cfg.Warmup < 0 {
		return errors.Errorf("%s=%g must be >= 0", ParamWarmup, cfg.Warmup)
	}
	if cfg.NumInitBatches < 1 {
		return errors.Errorf("%s=%d must be >= 1", ParamNumInitBatches, cfg.NumInitBatches)
	}
	if cfg.WeightDecay < 0 {
		return errors.Errorf("%s=%g must be >= 0", ParamWeightDecay, cfg.WeightDecay)
	}
	switch cfg.Objective {
	case ObjectiveEnergy, ObjectiveNLL:
	default:
		return errors.Errorf("unknown %s=%q, valid values are %q and %q", ParamObjective, cfg.Objective,
			ObjectiveEnergy, ObjectiveNLL)
	}
	if cfg.EnergySamples < 0 {
		return errors.Errorf("%s=%d must be >= 0", ParamEnergySamples, cfg.EnergySamples)
	}
	if cfg.EnergyTemperature <= 0 || cfg.SampleTemperature <= 0 {
		return errors.Errorf("%s=%g and %s=%g must be > 0", ParamEnergyTemperature, cfg.EnergyTemperature,
			ParamSampleTemperature, cfg.SampleTemperature)
	}
	if cfg.NumSamples < 0 {
		return errors.Errorf("%s=%d must be >= 0", ParamNumSamples, cfg.NumSamples)
	}
	if cfg.Seed < 0 {
		return errors.Errorf("%s=%d must be >= 0", ParamSeed, cfg.Seed)
	}
	return nil
}

// WarmupFactor returns the learning rate multiplier of the 0-based epoch: min(1, (epoch+1)/warmup).
// warmup may be fractional.
func WarmupFactor(epoch int, warmup float64) float64 {
	if warmup <= 0 {
		return 1
	}
	return min(1.0, float64(epoch+1)/warmup)
}
