// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package glow

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// Scope of the model variables, under the context passed to New.
	Scope = "glow"

	// NumBins is the number of discrete values per channel of the images being modeled (8 bits).
	NumBins = 256

	// actNormInitializedVar is a boolean variable, under Scope, set once the ActNorm layers have been
	// initialized from data.
	actNormInitializedVar = "actnorm_initialized"
)

// Model is the Glow flow: L levels, each a squeeze followed by K flow steps and a split (except the
// last level), plus a learned Gaussian prior on the top latent.
//
// Its methods are graph building functions: they create the variables on first use, under
// ctx.In(Scope), and reuse them afterwards, so they can be used in any number of graphs.
type Model struct {
	cfg Config
}

// New reads the configuration from ctx parameters (see ConfigFromContext) and returns the model.
func New(ctx *context.Context) (*Model, error) {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return &Model{cfg: cfg}, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// checkImages panics if x is not a batch of images of the configured shape.
func (m *Model) checkImages(x *Node) {
	dims := x.Shape().Dimensions
	if x.Rank() != 4 || dims[1] != m.cfg.ImageShape[0] || dims[2] != m.cfg.ImageShape[1] || dims[3] != m.cfg.ImageShape[2] {
		exceptions.Panicf("glow: expected images shaped [batch, %d, %d, %d], got %s",
			m.cfg.ImageShape[0], m.cfg.ImageShape[1], m.cfg.ImageShape[2], x.Shape())
	}
}

// encode runs the flow forward, returning the top latent and the accumulated logdet (including the
// log-likelihood of the latents factored out by the splits).
func (m *Model) encode(ctx *context.Context, x, logdet *Node) (*Node, *Node) {
	flowCtx := ctx.In("flow")
	for level := range m.cfg.L {
		levelCtx := flowCtx.Inf("level_%d", level)
		x = Squeeze2D(x, 2)
		for step := range m.cfg.K {
			x, logdet = FlowStep(levelCtx.Inf("step_%d", step), m.cfg, x, logdet, false)
		}
		if level < m.cfg.L-1 {
			x, logdet = Split2D(levelCtx.In("split"), x, logdet, 0, false)
		}
	}
	return x, logdet
}

// decode runs the flow in reverse from the top latent z, sampling the factored out latents with the
// given temperature.
func (m *Model) decode(ctx *context.Context, z *Node, temperature float64) *Node {
	flowCtx := ctx.In("flow")
	x := z
	for level := m.cfg.L - 1; level >= 0; level-- {
		levelCtx := flowCtx.Inf("level_%d", level)
		if level < m.cfg.L-1 {
			x, _ = Split2D(levelCtx.In("split"), x, nil, temperature, true)
		}
		for step := m.cfg.K - 1; step >= 0; step-- {
			x, _ = FlowStep(levelCtx.Inf("step_%d", step), m.cfg, x, nil, true)
		}
		x = Unsqueeze2D(x, 2)
	}
	return x
}

// prior returns the mean and log-scale of the Gaussian prior of the top latent, for the given batch
// size. yOneHot ([batch, num_classes]) is only used if the model is class conditioned.
func (m *Model) prior(ctx *context.Context, g *Graph, batchSize int, yOneHot *Node) (mean, logs *Node) {
	top := m.cfg.LatentShape()
	h := Zeros(g, shapes.Make(dtypes.Float32, batchSize, top[0], top[1], 2*top[2]))
	if m.cfg.LearnTop {
		h = conv2DZeros(ctx.In("learn_top"), h, 2*top[2])
	}
	if m.cfg.YCondition {
		if yOneHot == nil {
			exceptions.Panicf("glow: class conditioned model requires the labels")
		}
		yh := linearZeros(ctx.In("project_ychannel"), yOneHot, 2*top[2])
		h = Add(h, Reshape(yh, batchSize, 1, 1, 2*top[2]))
	}
	return SplitHalves(h)
}

// Forward encodes the images x ([batch, height, width, channels], preprocessed to [-0.5, 0.5)), after
// dequantizing them with uniform noise of one bin width.
//
// It returns the top latent z, the negative log-likelihood in bits per dimension (shaped [batch]) and,
// if the model is class conditioned, the class logits (shaped [batch, num_classes]; nil otherwise).
// yOneHot is only used if the model is class conditioned.
//
// During ActNorm initialization (see InitActNormGraph) the ActNorm layers are initialized from x.
func (m *Model) Forward(ctx *context.Context, x, yOneHot *Node) (z, nll, yLogits *Node) {
	ctx = ctx.In(Scope)
	m.checkImages(x)
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	numDims := float64(m.cfg.NumDimensions())

	// Dequantization: the discrete data log-likelihood is bounded by the continuous one of x + U(0, 1/NumBins).
	noise := DivScalar(ctx.RandomUniform(g, x.Shape()), NumBins)
	x = Add(x, noise)
	logdet := BroadcastToDims(Scalar(g, x.DType(), -math.Log(NumBins)*numDims), batchSize)

	z, logdet = m.encode(ctx, x, logdet)
	mean, logs := m.prior(ctx, g, batchSize, yOneHot)
	objective := Add(logdet, GaussianLikelihood(mean, logs, z))

	if m.cfg.YCondition {
		yLogits = linearZeros(ctx.In("project_class"), ReduceMean(z, 1, 2), m.cfg.NumClasses)
	}
	nll = DivScalar(Neg(objective), math.Ln2*numDims)
	return
}

// Reverse decodes the latent z ([batch] + LatentShape()) back to images. If z is nil, it is sampled
// from the prior with the given temperature, for numSamples images (or for the batch size of
// yOneHot, if the model is class conditioned).
func (m *Model) Reverse(ctx *context.Context, g *Graph, z, yOneHot *Node, temperature float64, numSamples int) *Node {
	ctx = ctx.In(Scope)
	if z == nil {
		batchSize := numSamples
		if m.cfg.YCondition && yOneHot != nil {
			batchSize = yOneHot.Shape().Dimensions[0]
		}
		if batchSize <= 0 {
			exceptions.Panicf("glow: invalid number of samples %d", batchSize)
		}
		mean, logs := m.prior(ctx, g, batchSize, yOneHot)
		z = GaussianSample(ctx, mean, logs, temperature)
	}
	return m.decode(ctx, z, temperature)
}

// InitActNormGraph runs Forward on x in ActNorm initialization mode: every ActNorm layer sets its
// variables from the statistics of its input. It marks the model as initialized, and returns the
// mean negative log-likelihood (bits per dimension) of x after initialization.
//
// It should be executed once, before training, with a large batch of training examples.
func (m *Model) InitActNormGraph(ctx *context.Context, x, yOneHot *Node) *Node {
	g := x.Graph()
	ctx.SetGraphParam(g, GraphParamActNormInit, true)
	defer ctx.SetGraphParam(g, GraphParamActNormInit, false)
	_, nll, _ := m.Forward(ctx, x, yOneHot)
	initialized := variable(ctx.In(Scope), actNormInitializedVar, false, scalarTensor(false))
	initialized.SetValueGraph(Const(g, true))
	return ReduceAllMean(nll)
}

// IsActNormInitialized returns whether the ActNorm layers of the model were initialized from data,
// either with InitActNormGraph or by loading a checkpoint of an initialized model.
func IsActNormInitialized(ctx *context.Context) (bool, error) {
	v := ctx.In(Scope).GetVariable(actNormInitializedVar)
	if v == nil {
		return false, nil
	}
	value, err := v.Value()
	if err != nil {
		return false, errors.WithMessage(err, "reading ActNorm initialization flag")
	}
	initialized, ok := value.Value().(bool)
	if !ok {
		return false, errors.Errorf("variable %q has unexpected shape %s", v.ScopeAndName(), value.Shape())
	}
	return initialized, nil
}
