// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// gradientsOptimizer is an optimizer that can apply gradients computed elsewhere.
type gradientsOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// clipNormEpsilon is added to the global norm before computing the clipping coefficient.
const clipNormEpsilon = 1e-6

// Optimizer is Adamax with the gradients clipped by value and by global norm, and L2 regularization
// added to them, before the update.
type Optimizer struct {
	adamax                   gradientsOptimizer
	maxGradClip, maxGradNorm float64
	weightDecay              float64
}

var _ optimizers.Interface = (*Optimizer)(nil)

// NewOptimizer creates the optimizer configured by cfg.
func NewOptimizer(cfg Config) *Optimizer {
	adamax := optimizers.Adam().Adamax().
		Betas(0.9, 0.999).
		Epsilon(1e-8).
		LearningRate(cfg.LearningRate).
		Done()
	return &Optimizer{
		adamax:      adamax.(gradientsOptimizer),
		maxGradClip: cfg.MaxGradClip,
		maxGradNorm: cfg.MaxGradNorm,
		weightDecay: cfg.WeightDecay,
	}
}

// UpdateGraph implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss, got %s", loss.Shape())
	}
	// Same order as the variables are visited by the Adam optimizer.
	var values []*Node
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			values = append(values, v.ValueGraph(g))
		}
	}
	if len(values) == 0 {
		exceptions.Panicf("optimizer found no trainable variables used by the graph")
	}
	grads := Gradient(loss, values...)
	grads = ClipGradients(grads, o.maxGradClip, o.maxGradNorm)
	grads = AddWeightDecay(grads, values, o.weightDecay)
	o.adamax.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// Clear implements optimizers.Interface, removing the Adamax moments.
func (o *Optimizer) Clear(ctx *context.Context) error {
	return o.adamax.Clear(ctx)
}

// ClipGradients clips each gradient element to [-maxValue, maxValue], and then scales all gradients
// so their global L2 norm is at most maxNorm. Each clipping is disabled if its limit is <= 0.
func ClipGradients(grads []*Node, maxValue, maxNorm float64) []*Node {
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		if maxValue > 0 {
			grad = ClipScalar(grad, -maxValue, maxValue)
		}
		clipped[ii] = grad
	}
	if maxNorm <= 0 || len(clipped) == 0 {
		return clipped
	}
	var sumSquares *Node
	for _, grad := range clipped {
		s := ReduceAllSum(Square(grad))
		if sumSquares == nil {
			sumSquares = s
		} else {
			sumSquares = Add(sumSquares, s)
		}
	}
	norm := Sqrt(sumSquares)
	coef := Div(Scalar(norm.Graph(), norm.DType(), maxNorm), AddScalar(norm, clipNormEpsilon))
	coef = MinScalar(coef, 1)
	for ii, grad := range clipped {
		clipped[ii] = Mul(grad, coef)
	}
	return clipped
}

// AddWeightDecay adds weightDecay * value to the gradient of each value.
func AddWeightDecay(grads, values []*Node, weightDecay float64) []*Node {
	if weightDecay == 0 {
		return grads
	}
	if len(grads) != len(values) {
		exceptions.Panicf("AddWeightDecay got %d gradients for %d values", len(grads), len(values))
	}
	decayed := make([]*Node, len(grads))
	for ii, grad := range grads {
		decayed[ii] = Add(grad, MulScalar(values[ii], weightDecay))
	}
	return decayed
}

// SetLearningRate sets the learning rate used by the optimizer in the following steps.
func SetLearningRate(ctx *context.Context, learningRate float64) {
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, learningRate)
	lrVar.MustSetValue(tensors.FromScalar(float32(learningRate)))
}
