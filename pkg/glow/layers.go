// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package glow

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// GraphParamActNormInit is a graph parameter that, when set to true, makes every ActNorm layer
	// initialize its bias and log-scale from the statistics of its input in the graph being built.
	GraphParamActNormInit = "glow_actnorm_init"

	// actNormEpsilon added to the standard deviation of the inputs during ActNorm initialization.
	actNormEpsilon = 1e-6

	// zerosLogScaleFactor multiplies the log-scale of the zero initialized layers.
	zerosLogScaleFactor = 3.0

	// convStddev of the normal initialization of convolution kernels.
	convStddev = 0.05
)

var log2Pi = math.Log(2 * math.Pi)

// broadcastChannels reshapes a per channel vector [C] to [1, 1, 1, C].
func broadcastChannels(v *Node) *Node {
	return Reshape(v, 1, 1, 1, v.Shape().Dimensions[0])
}

// ActNorm applies an affine transformation per channel, with bias and log-scale initialized from the
// data (see GraphParamActNormInit) so that the output of the first batch has zero mean and standard
// deviation of actnorm_scale per channel.
//
// x is shaped [batch, height, width, channels]. logdet, if not nil, is shaped [batch] and is updated with
// the log-determinant of the transformation (added in the forward direction and subtracted in reverse).
func ActNorm(ctx *context.Context, x, logdet *Node, reverse bool) (*Node, *Node) {
	g := x.Graph()
	dims := x.Shape().Dimensions
	numChannels := dims[3]
	biasVar := zerosVariable(ctx, "bias", numChannels)
	logsVar := zerosVariable(ctx, "logs", numChannels)

	var bias, logs *Node
	if context.GetGraphParamOr(ctx, g, GraphParamActNormInit, false) && !reverse {
		scale := context.GetParamOr(ctx, ParamActNormScale, 1.0)
		bias = Neg(ReduceMean(x, 0, 1, 2))
		variance := ReduceMean(Square(Add(x, broadcastChannels(bias))), 0, 1, 2)
		logs = Log(Div(Scalar(g, x.DType(), scale), AddScalar(Sqrt(variance), actNormEpsilon)))
		biasVar.SetValueGraph(bias)
		logsVar.SetValueGraph(logs)
	} else {
		bias = biasVar.ValueGraph(g)
		logs = logsVar.ValueGraph(g)
	}

	pixels := float64(dims[1] * dims[2])
	var dlogdet *Node
	if logdet != nil {
		dlogdet = MulScalar(ReduceAllSum(logs), pixels)
	}
	if !reverse {
		x = Mul(Add(x, broadcastChannels(bias)), Exp(broadcastChannels(logs)))
		if logdet != nil {
			logdet = Add(logdet, dlogdet)
		}
	} else {
		x = Sub(Mul(x, Exp(Neg(broadcastChannels(logs)))), broadcastChannels(bias))
		if logdet != nil {
			logdet = Sub(logdet, dlogdet)
		}
	}
	return x, logdet
}

// conv2DActNorm is a "same" padded convolution without bias, followed by ActNorm.
func conv2DActNorm(ctx *context.Context, x *Node, outChannels, kernelSize int) *Node {
	inChannels := x.Shape().Dimensions[3]
	kernel := normalVariable(ctx, "weights", convStddev, kernelSize, kernelSize, inChannels, outChannels)
	x = Convolve(x, kernel.ValueGraph(x.Graph())).Strides(1).PadSame().Done()
	x, _ = ActNorm(ctx.In("actnorm"), x, nil, false)
	return x
}

// conv2DZeros is a "same" padded 3x3 convolution initialized with zeros, with a bias and a learned
// output scale exp(3*logs): the layer starts as the zero function.
func conv2DZeros(ctx *context.Context, x *Node, outChannels int) *Node {
	const kernelSize = 3
	g := x.Graph()
	inChannels := x.Shape().Dimensions[3]
	kernel := zerosVariable(ctx, "weights", kernelSize, kernelSize, inChannels, outChannels)
	bias := zerosVariable(ctx, "bias", outChannels).ValueGraph(g)
	logs := zerosVariable(ctx, "logs", outChannels).ValueGraph(g)
	x = Convolve(x, kernel.ValueGraph(g)).Strides(1).PadSame().Done()
	x = Add(x, broadcastChannels(bias))
	return Mul(x, Exp(broadcastChannels(MulScalar(logs, zerosLogScaleFactor))))
}

// linearZeros is a dense layer initialized with zeros, with a learned output scale exp(3*logs).
// x is shaped [batch, inFeatures].
func linearZeros(ctx *context.Context, x *Node, outFeatures int) *Node {
	g := x.Graph()
	inFeatures := x.Shape().Dimensions[1]
	weights := zerosVariable(ctx, "weights", inFeatures, outFeatures).ValueGraph(g)
	bias := zerosVariable(ctx, "bias", outFeatures).ValueGraph(g)
	logs := zerosVariable(ctx, "logs", outFeatures).ValueGraph(g)
	x = Add(MatMul(x, weights), ExpandDims(bias, 0))
	return Mul(x, ExpandDims(Exp(MulScalar(logs, zerosLogScaleFactor)), 0))
}

// GaussianLogP returns the element-wise log-density of x under N(mean, exp(logs)^2).
func GaussianLogP(mean, logs, x *Node) *Node {
	// -0.5 * (2*logs + (x-mean)^2 / exp(2*logs) + log(2*pi))
	twoLogs := MulScalar(logs, 2)
	sq := Div(Square(Sub(x, mean)), Exp(twoLogs))
	return MulScalar(AddScalar(Add(twoLogs, sq), log2Pi), -0.5)
}

// GaussianLikelihood returns the log-density of x under N(mean, exp(logs)^2), summed over all axes
// but the batch axis.
func GaussianLikelihood(mean, logs, x *Node) *Node {
	logp := GaussianLogP(mean, logs, x)
	axes := make([]int, logp.Rank()-1)
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return ReduceSum(logp, axes...)
}

// GaussianSample draws from N(mean, (exp(logs)*temperature)^2).
func GaussianSample(ctx *context.Context, mean, logs *Node, temperature float64) *Node {
	eps := ctx.RandomNormal(mean.Graph(), mean.Shape())
	return Add(mean, Mul(MulScalar(Exp(logs), temperature), eps))
}

// scalarTensor is used to initialize flag variables.
func scalarTensor[T float32 | bool | int32](v T) func() *tensors.Tensor {
	return func() *tensors.Tensor { return tensors.FromScalar(v) }
}
