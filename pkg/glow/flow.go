// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package glow

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Squeeze2D trades spatial resolution for channels: [batch, height, width, channels] becomes
// [batch, height/factor, width/factor, channels*factor^2]. Output channel c*factor^2 + fh*factor + fw
// holds the input channel c at offset (fh, fw) of each factor x factor block.
func Squeeze2D(x *Node, factor int) *Node {
	if factor == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if height%factor != 0 || width%factor != 0 {
		exceptions.Panicf("Squeeze2D: height and width of %s must be divisible by %d", x.Shape(), factor)
	}
	x = Reshape(x, batch, height/factor, factor, width/factor, factor, channels)
	x = TransposeAllDims(x, 0, 1, 3, 5, 2, 4)
	return Reshape(x, batch, height/factor, width/factor, channels*factor*factor)
}

// Unsqueeze2D is the inverse of Squeeze2D.
func Unsqueeze2D(x *Node, factor int) *Node {
	if factor == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels%(factor*factor) != 0 {
		exceptions.Panicf("Unsqueeze2D: channels of %s must be divisible by %d", x.Shape(), factor*factor)
	}
	channels /= factor * factor
	x = Reshape(x, batch, height, width, channels, factor, factor)
	x = TransposeAllDims(x, 0, 1, 4, 2, 5, 3)
	return Reshape(x, batch, height*factor, width*factor, channels)
}

// SplitHalves splits the channels in the first and second halves.
func SplitHalves(x *Node) (first, second *Node) {
	parts := Split(x, -1, 2)
	return parts[0], parts[1]
}

// SplitCross splits the channels in the even and odd ones.
func SplitCross(x *Node) (even, odd *Node) {
	dims := x.Shape().Dimensions
	rank := len(dims)
	pairs := make([]int, rank+1)
	copy(pairs, dims)
	pairs[rank-1] = dims[rank-1] / 2
	pairs[rank] = 2
	x = Reshape(x, pairs...)
	even = Squeeze(SliceAxis(x, rank, AxisElem(0)), rank)
	odd = Squeeze(SliceAxis(x, rank, AxisElem(1)), rank)
	return
}

// couplingNetwork is the convolutional network of the coupling layers: conv3x3 and conv1x1 (each
// followed by ActNorm and ReLU) and a zero initialized conv3x3, so the coupling starts as the identity.
func couplingNetwork(ctx *context.Context, x *Node, hiddenChannels, outChannels int) *Node {
	x = activations.Relu(conv2DActNorm(ctx.In("conv_0"), x, hiddenChannels, 3))
	x = activations.Relu(conv2DActNorm(ctx.In("conv_1"), x, hiddenChannels, 1))
	return conv2DZeros(ctx.In("conv_zeros"), x, outChannels)
}

// Coupling splits the channels in halves (z1, z2), and transforms z2 conditioned on z1:
//
//   - additive: z2 = z2 + NN(z1), volume preserving.
//   - affine: shift, scale = NN(z1) (split in even/odd channels), scale = sigmoid(scale + 2) and
//     z2 = (z2 + shift) * scale, with log-determinant sum(log(scale)).
func Coupling(ctx *context.Context, x, logdet *Node, hiddenChannels int, coupling string, reverse bool) (*Node, *Node) {
	numChannels := x.Shape().Dimensions[3]
	z1, z2 := SplitHalves(x)
	switch coupling {
	case CouplingAdditive:
		h := couplingNetwork(ctx, z1, hiddenChannels, numChannels-numChannels/2)
		if !reverse {
			z2 = Add(z2, h)
		} else {
			z2 = Sub(z2, h)
		}
	case CouplingAffine:
		h := couplingNetwork(ctx, z1, hiddenChannels, 2*(numChannels-numChannels/2))
		shift, scale := SplitCross(h)
		scale = Sigmoid(AddScalar(scale, 2))
		if !reverse {
			z2 = Mul(Add(z2, shift), scale)
		} else {
			z2 = Sub(Div(z2, scale), shift)
		}
		if logdet != nil {
			dlogdet := ReduceSum(Log(scale), 1, 2, 3)
			if !reverse {
				logdet = Add(logdet, dlogdet)
			} else {
				logdet = Sub(logdet, dlogdet)
			}
		}
	default:
		exceptions.Panicf("glow: unknown coupling %q", coupling)
	}
	return Concatenate([]*Node{z1, z2}, -1), logdet
}

// FlowStep is one step of flow: ActNorm, a channel permutation and a coupling layer, applied in the
// opposite order in reverse.
func FlowStep(ctx *context.Context, cfg Config, x, logdet *Node, reverse bool) (*Node, *Node) {
	permute := func(x, logdet *Node) (*Node, *Node) {
		pCtx := ctx.In("permutation")
		switch cfg.FlowPermutation {
		case PermutationInvConv:
			return InvConv2D(pCtx, x, logdet, cfg.LUDecomposed, reverse)
		case PermutationShuffle:
			return Permute2D(pCtx, x, true, reverse), logdet
		case PermutationReverse:
			return Permute2D(pCtx, x, false, reverse), logdet
		}
		exceptions.Panicf("glow: unknown flow permutation %q", cfg.FlowPermutation)
		return nil, nil
	}

	if !reverse {
		x, logdet = ActNorm(ctx.In("actnorm"), x, logdet, false)
		x, logdet = permute(x, logdet)
		x, logdet = Coupling(ctx.In("coupling"), x, logdet, cfg.HiddenChannels, cfg.FlowCoupling, false)
	} else {
		x, logdet = Coupling(ctx.In("coupling"), x, logdet, cfg.HiddenChannels, cfg.FlowCoupling, true)
		x, logdet = permute(x, logdet)
		x, logdet = ActNorm(ctx.In("actnorm"), x, logdet, true)
	}
	return x, logdet
}

// splitPrior returns the mean and log-scale of the prior of the factored out half, conditioned on
// the half that is kept.
func splitPrior(ctx *context.Context, z1 *Node, numChannels int) (mean, logs *Node) {
	h := conv2DZeros(ctx.In("conv_zeros"), z1, numChannels)
	return SplitCross(h)
}

// Split2D factors out half of the channels at the end of a level. In the forward direction the
// log-likelihood of the factored out half under its learned prior is added to logdet, and the kept
// half is returned. In reverse, the factored out half is sampled from the prior (scaled by
// temperature) and concatenated back.
func Split2D(ctx *context.Context, x, logdet *Node, temperature float64, reverse bool) (*Node, *Node) {
	if !reverse {
		numChannels := x.Shape().Dimensions[3]
		z1, z2 := SplitHalves(x)
		mean, logs := splitPrior(ctx, z1, numChannels)
		if logdet != nil {
			logdet = Add(logdet, GaussianLikelihood(mean, logs, z2))
		}
		return z1, logdet
	}
	numChannels := 2 * x.Shape().Dimensions[3]
	mean, logs := splitPrior(ctx, x, numChannels)
	z2 := GaussianSample(ctx, mean, logs, temperature)
	return Concatenate([]*Node{x, z2}, -1), logdet
}
