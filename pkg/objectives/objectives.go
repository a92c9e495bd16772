// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package objectives implements the training objectives of the flow: the negative log-likelihood,
// optionally combined with a classification loss, and an energy distance (a multi-bandwidth RBF
// kernel maximum mean discrepancy) between generated samples and data.
//
// All functions are graph building functions, and panic (with exceptions.Panicf) on invalid arguments.
package objectives

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// Reduction of per-example losses.
type Reduction string

const (
	ReductionMean Reduction = "mean"
	ReductionSum  Reduction = "sum"
	ReductionNone Reduction = "none"
)

// ParseReduction converts a string to a Reduction.
func ParseReduction(s string) (Reduction, error) {
	switch r := Reduction(s); r {
	case ReductionMean, ReductionSum, ReductionNone:
		return r, nil
	}
	return "", errors.Errorf("unknown reduction %q, valid values are %q, %q and %q", s, ReductionMean, ReductionSum, ReductionNone)
}

// reduce the per-example values (first axis is the batch) of x.
func reduce(x *Node, reduction Reduction) *Node {
	switch reduction {
	case ReductionMean:
		return ReduceAllMean(x)
	case ReductionSum:
		return ReduceAllSum(x)
	case ReductionNone:
		return x
	}
	exceptions.Panicf("objectives: unknown reduction %q", reduction)
	return nil
}

// Losses computed by the objectives. Fields not used by an objective are nil.
type Losses struct {
	// NLL is the negative log-likelihood, in bits per dimension.
	NLL *Node

	// LossClasses is the classification loss of class conditioned models.
	LossClasses *Node

	// Energy is the energy distance between generated samples and data.
	Energy *Node

	// TotalLoss is the value being minimized.
	TotalLoss *Node
}

// Loss is the plain likelihood objective: TotalLoss = NLL.
func Loss(nll *Node, reduction Reduction) Losses {
	nll = reduce(nll, reduction)
	return Losses{NLL: nll, TotalLoss: nll}
}

// LossY adds a classification loss (weighted by yWeight) to the likelihood objective.
//
// y is shaped [batch, num_classes]. If multiClass is false, the classification loss is the cross
// entropy of yLogits against the class argmax(y). Otherwise y is a multi-hot encoding, and the loss is
// the binary cross-entropy of each class, averaged over the classes.
func LossY(nll, yLogits *Node, yWeight float64, y *Node, multiClass bool, reduction Reduction) Losses {
	if !slices.Equal(yLogits.Shape().Dimensions, y.Shape().Dimensions) || y.Rank() != 2 {
		exceptions.Panicf("objectives: y_logits %s and y %s must be shaped [batch, num_classes]", yLogits.Shape(), y.Shape())
	}
	nll = reduce(nll, reduction)
	var lossClasses *Node
	if multiClass {
		lossClasses = ReduceMean(binaryCrossEntropyLogits(yLogits, y), 1)
	} else {
		lossClasses = crossEntropyLogits(yLogits, y)
	}
	lossClasses = reduce(lossClasses, reduction)
	return Losses{
		NLL:         nll,
		LossClasses: lossClasses,
		TotalLoss:   Add(nll, MulScalar(lossClasses, yWeight)),
	}
}

// crossEntropyLogits returns the [batch] cross entropy of the logits against the class argmax(y).
func crossEntropyLogits(logits, y *Node) *Node {
	numClasses := y.Shape().Dimensions[1]
	labels := OneHot(ArgMax(y, 1, dtypes.Int32), numClasses, logits.DType())
	shifted := Sub(logits, StopGradient(ReduceAndKeep(logits, ReduceMax, -1)))
	logProbs := Sub(shifted, Log(ReduceAndKeep(Exp(shifted), ReduceSum, -1)))
	return Neg(ReduceSum(Mul(labels, logProbs), -1))
}

// binaryCrossEntropyLogits returns the elementwise binary cross entropy of the logits against the
// targets y: max(x, 0) - x*y + log(1 + exp(-|x|)).
func binaryCrossEntropyLogits(logits, y *Node) *Node {
	return Add(Sub(MaxScalar(logits, 0), Mul(logits, y)), Log1p(Exp(Neg(Abs(logits)))))
}

// DefaultSigmas are the bandwidths of the RBF kernels of Energy.
var DefaultSigmas = []float64{2, 5, 10, 20, 40, 80}

const (
	// energyExponentLimit bounds the kernel exponents.
	energyExponentLimit = 1e4

	// energyEpsilon is added before the square root of the energy.
	energyEpsilon = 1e-5
)

// ScaleMatrix returns the [numGen+numOrig, 1] weights of the MMD estimate: 1/numGen for each generated
// example followed by -1/numOrig for each data example.
func ScaleMatrix(g *Graph, dtype dtypes.DType, numGen, numOrig int) *Node {
	if numGen <= 0 || numOrig <= 0 {
		exceptions.Panicf("objectives: ScaleMatrix requires positive sizes, got numGen=%d, numOrig=%d", numGen, numOrig)
	}
	values := make([]float64, numGen+numOrig)
	for ii := range values {
		if ii < numGen {
			values[ii] = 1.0 / float64(numGen)
		} else {
			values[ii] = -1.0 / float64(numOrig)
		}
	}
	return ConvertDType(Reshape(Const(g, values), numGen+numOrig, 1), dtype)
}

// Energy returns the square root of the maximum mean discrepancy between the data x and the
// generated examples genX, using a sum of RBF kernels with the given bandwidths (DefaultSigmas if nil).
//
// Both are flattened to [examples, d], and the kernel exponents -|a-b|^2/2 are scaled by 1/sqrt(d)
// and clipped to [-1e4, 1e4]. Each row of the [N+M, N+M] weighted kernel matrix is summed, and the
// row sums are reduced with reduction (ReductionNone returns them per row). Finally sqrt(loss + 1e-5)
// is returned.
func Energy(x, genX *Node, sigmas []float64, reduction Reduction) *Node {
	if sigmas == nil {
		sigmas = DefaultSigmas
	}
	if len(sigmas) == 0 {
		exceptions.Panicf("objectives: Energy requires at least one sigma")
	}
	numOrig, numGen := x.Shape().Dimensions[0], genX.Shape().Dimensions[0]
	d := x.Shape().Size() / numOrig
	if genX.Shape().Size()/numGen != d {
		exceptions.Panicf("objectives: Energy with incompatible data %s and generated %s shapes", x.Shape(), genX.Shape())
	}
	all := Concatenate([]*Node{Reshape(genX, numGen, d), Reshape(x, numOrig, d)}, 0)

	dots := MatMul(all, Transpose(all, 0, 1))
	squaredNorms := Reshape(ReduceSum(Square(all), 1), numGen+numOrig, 1)
	exponent := Sub(Sub(dots, MulScalar(squaredNorms, 0.5)), MulScalar(Transpose(squaredNorms, 0, 1), 0.5))
	exponent = DivScalar(exponent, math.Sqrt(float64(d)))
	exponent = ClipScalar(exponent, -energyExponentLimit, energyExponentLimit)

	s := ScaleMatrix(x.Graph(), x.DType(), numGen, numOrig)
	weights := MatMul(s, Transpose(s, 0, 1))
	var loss *Node
	for _, sigma := range sigmas {
		rowSums := ReduceSum(Mul(weights, Exp(DivScalar(exponent, sigma))), 1)
		if loss == nil {
			loss = rowSums
		} else {
			loss = Add(loss, rowSums)
		}
	}
	loss = reduce(loss, reduction)
	return Sqrt(AddScalar(loss, energyEpsilon))
}

// LossEnergy is the energy objective: TotalLoss = Energy(x, genX).
func LossEnergy(x, genX *Node, sigmas []float64, reduction Reduction) Losses {
	energy := Energy(x, genX, sigmas, reduction)
	return Losses{Energy: energy, TotalLoss: energy}
}
