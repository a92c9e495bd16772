// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/glow/pkg/glow"
	"github.com/gomlx/glow/pkg/objectives"
	"github.com/gomlx/glow/ui/console"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// LossesGraph builds the objective for the images x ([batch, height, width, channels]) with one-hot
// labels y ([batch, num_classes]):
//
//   - Class conditioned models: likelihood plus y_weight times the classification loss.
//   - ObjectiveNLL: the likelihood only.
//   - ObjectiveEnergy: energy distance between x and images generated from the prior, with
//     EnergyTemperature. Gradients flow through the generation.
func LossesGraph(ctx *context.Context, model *glow.Model, cfg Config, x, y *Node) objectives.Losses {
	if model.Config().YCondition {
		_, nll, yLogits := model.Forward(ctx, x, y)
		return objectives.LossY(nll, yLogits, cfg.YWeight, y, false, objectives.ReductionMean)
	}
	switch cfg.Objective {
	case ObjectiveNLL:
		_, nll, _ := model.Forward(ctx, x, nil)
		return objectives.Loss(nll, objectives.ReductionMean)
	case ObjectiveEnergy:
		numSamples := cfg.EnergySamples
		if numSamples == 0 {
			numSamples = x.Shape().Dimensions[0]
		}
		genX := model.Reverse(ctx, x.Graph(), nil, nil, cfg.EnergyTemperature, numSamples)
		return objectives.LossEnergy(x, genX, nil, objectives.ReductionMean)
	}
	exceptions.Panicf("unknown objective %q", cfg.Objective)
	return objectives.Losses{}
}

// ModelFn returns the train.ModelFn of the model: inputs are the images and one-hot labels, and the
// predictions are the total loss followed, for class conditioned models, by the mean NLL.
func ModelFn(model *glow.Model, cfg Config) train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		if len(inputs) != 2 {
			exceptions.Panicf("expected inputs [images, labels], got %d inputs", len(inputs))
		}
		losses := LossesGraph(ctx, model, cfg, inputs[0], inputs[1])
		predictions := []*Node{losses.TotalLoss}
		if losses.NLL != nil && losses.LossClasses != nil {
			predictions = append(predictions, losses.NLL)
		}
		return predictions
	}
}

// nllMovingAverageWeight is the weight of each new batch in the "~nll" moving average: a running
// average that keeps 0.98 of the previous value.
const nllMovingAverageWeight = 0.02

// totalLoss is the train.LossFn: the model already returns the loss as its first prediction.
func totalLoss(_, predictions []*Node) *Node {
	return predictions[0]
}

// nllMetricGraph returns the NLL prediction.
func nllMetricGraph(_ *context.Context, _, predictions []*Node) *Node {
	return predictions[1]
}

// Metrics returns the train and eval metrics, besides the loss ones that train.Trainer always includes.
func Metrics(model *glow.Model) (trainMetrics, evalMetrics []metrics.Interface) {
	if !model.Config().YCondition {
		return nil, nil
	}
	trainMetrics = []metrics.Interface{
		metrics.NewExponentialMovingAverageMetric("Moving Average NLL", "~nll", metrics.LossMetricType,
			nllMetricGraph, nil, nllMovingAverageWeight),
	}
	evalMetrics = []metrics.Interface{
		metrics.NewMeanMetric("Mean NLL", "#nll", metrics.LossMetricType, nllMetricGraph, nil),
	}
	return
}

// reportedEvalMetrics maps the short names of the eval metrics reported after each epoch to the names
// they are reported with, in order. Other eval metrics, like the "#loss+" one of train.Trainer, are not
// reported.
var reportedEvalMetrics = []struct{ shortName, name string }{
	{"#loss", "total_loss"},
	{"#nll", "nll"},
}

// evalResults returns the reported eval metrics, given the metric descriptors and their values as
// returned by train.Trainer.Eval.
func evalResults(descs []metrics.Interface, values []*tensors.Tensor) []console.Result {
	var results []console.Result
	for _, reported := range reportedEvalMetrics {
		for ii, desc := range descs {
			if desc.ShortName() == reported.shortName && ii < len(values) {
				results = append(results, console.Result{
					Name:  reported.name,
					Value: shapes.ConvertTo[float64](values[ii].Value()),
				})
				break
			}
		}
	}
	return results
}
