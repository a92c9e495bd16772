// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package glow implements the Glow normalizing flow (Kingma & Dhariwal, 2018) over channels-last
// images, as GoMLX graph building functions.
//
// The model hyperparameters are read from the context parameters (see the Param* constants), so they
// can be set from the command line with commandline.ParseContextSettings and are saved along with the
// checkpoints.
//
// Images are shaped [batch, height, width, channels] and preprocessed to [-0.5, 0.5). The flow maps
// them to a latent z shaped [batch, height/2^L, width/2^L, channels*2^(L+1)], plus the latents that
// were factored out by the splits at the end of each level (except the last).
package glow

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamHiddenChannels is the number of hidden channels of the coupling networks. Default 512.
	ParamHiddenChannels = "hidden_channels"

	// ParamK is the number of flow steps per level. Default 32.
	ParamK = "K"

	// ParamL is the number of levels. Default 3.
	ParamL = "L"

	// ParamActNormScale is the target scale of the data-dependent ActNorm initialization. Default 1.0.
	ParamActNormScale = "actnorm_scale"

	// ParamFlowPermutation is the channel permutation of each step: "invconv" (default), "shuffle" or "reverse".
	ParamFlowPermutation = "flow_permutation"

	// ParamFlowCoupling is the coupling type of each step: "affine" (default) or "additive".
	ParamFlowCoupling = "flow_coupling"

	// ParamLUDecomposed selects the LU parametrization of the invertible 1x1 convolution. Default true.
	ParamLUDecomposed = "LU_decomposed"

	// ParamLearnTop makes the top prior learnable. Default true.
	ParamLearnTop = "learn_top"

	// ParamYCondition conditions the top prior on the class, and adds a class prediction head. Default false.
	ParamYCondition = "y_condition"

	// ParamNumClasses is the number of classes of the conditioning labels. Default 10.
	ParamNumClasses = "num_classes"

	// ParamImageHeight, ParamImageWidth and ParamImageChannels are the shape of the images. Default 32x32x3.
	ParamImageHeight   = "image_height"
	ParamImageWidth    = "image_width"
	ParamImageChannels = "image_channels"

	// ParamInitSeed seeds the host side random initialization of the variables. Default 0.
	ParamInitSeed = "init_seed"
)

// Permutation types.
const (
	PermutationInvConv = "invconv"
	PermutationShuffle = "shuffle"
	PermutationReverse = "reverse"
)

// Coupling types.
const (
	CouplingAffine   = "affine"
	CouplingAdditive = "additive"
)

// Config holds the model hyperparameters.
type Config struct {
	ImageShape      [3]int // Height, width, channels.
	HiddenChannels  int
	K, L            int
	ActNormScale    float64
	FlowPermutation string
	FlowCoupling    string
	LUDecomposed    bool
	LearnTop        bool
	YCondition      bool
	NumClasses      int
}

// DefaultConfig returns the configuration used when no context parameter is set.
func DefaultConfig() Config {
	return Config{
		ImageShape:      [3]int{32, 32, 3},
		HiddenChannels:  512,
		K:               32,
		L:               3,
		ActNormScale:    1.0,
		FlowPermutation: PermutationInvConv,
		FlowCoupling:    CouplingAffine,
		LUDecomposed:    true,
		LearnTop:        true,
		YCondition:      false,
		NumClasses:      10,
	}
}

// SetDefaultParams sets the default model hyperparameters in ctx.
func SetDefaultParams(ctx *context.Context) {
	cfg := DefaultConfig()
	ctx.SetParams(map[string]any{
		ParamImageHeight:     cfg.ImageShape[0],
		ParamImageWidth:      cfg.ImageShape[1],
		ParamImageChannels:   cfg.ImageShape[2],
		ParamHiddenChannels:  cfg.HiddenChannels,
		ParamK:               cfg.K,
		ParamL:               cfg.L,
		ParamActNormScale:    cfg.ActNormScale,
		ParamFlowPermutation: cfg.FlowPermutation,
		ParamFlowCoupling:    cfg.FlowCoupling,
		ParamLUDecomposed:    cfg.LUDecomposed,
		ParamLearnTop:        cfg.LearnTop,
		ParamYCondition:      cfg.YCondition,
		ParamNumClasses:      cfg.NumClasses,
		ParamInitSeed:        0,
	})
}

// ConfigFromContext reads the hyperparameters from ctx, using the defaults for the ones not set,
// and validates them.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	def := DefaultConfig()
	cfg := Config{
		ImageShape: [3]int{
			context.GetParamOr(ctx, ParamImageHeight, def.ImageShape[0]),
			context.GetParamOr(ctx, ParamImageWidth, def.ImageShape[1]),
			context.GetParamOr(ctx, ParamImageChannels, def.ImageShape[2]),
		},
		HiddenChannels:  context.GetParamOr(ctx, ParamHiddenChannels, def.HiddenChannels),
		K:               context.GetParamOr(ctx, ParamK, def.K),
		L:               context.GetParamOr(ctx, ParamL, def.L),
		ActNormScale:    context.GetParamOr(ctx, ParamActNormScale, def.ActNormScale),
		FlowPermutation: context.GetParamOr(ctx, ParamFlowPermutation, def.FlowPermutation),
		FlowCoupling:    context.GetParamOr(ctx, ParamFlowCoupling, def.FlowCoupling),
		LUDecomposed:    context.GetParamOr(ctx, ParamLUDecomposed, def.LUDecomposed),
		LearnTop:        context.GetParamOr(ctx, ParamLearnTop, def.LearnTop),
		YCondition:      context.GetParamOr(ctx, ParamYCondition, def.YCondition),
		NumClasses:      context.GetParamOr(ctx, ParamNumClasses, def.NumClasses),
	}
	return cfg, cfg.Validate()
}

// Validate the configuration.
func (cfg Config) Validate() error {
	if cfg.K < 1 || cfg.L < 1 {
		return errors.Errorf("glow: K=%d and L=%d must be >= 1", cfg.K, cfg.L)
	}
	if cfg.HiddenChannels < 1 {
		return errors.Errorf("glow: %s=%d must be >= 1", ParamHiddenChannels, cfg.HiddenChannels)
	}
	if cfg.ActNormScale <= 0 {
		return errors.Errorf("glow: %s=%g must be > 0", ParamActNormScale, cfg.ActNormScale)
	}
	for ii, dim := range cfg.ImageShape {
		if dim < 1 {
			return errors.Errorf("glow: invalid image shape %v", cfg.ImageShape)
		}
		if ii < 2 && dim%(1<<cfg.L) != 0 {
			return errors.Errorf("glow: image shape %v not divisible by 2^L=%d", cfg.ImageShape, 1<<cfg.L)
		}
	}
	switch cfg.FlowPermutation {
	case PermutationInvConv, PermutationShuffle, PermutationReverse:
	default:
		return errors.Errorf("glow: unknown %s=%q, valid values are %q, %q and %q", ParamFlowPermutation,
			cfg.FlowPermutation, PermutationInvConv, PermutationShuffle, PermutationReverse)
	}
	switch cfg.FlowCoupling {
	case CouplingAffine, CouplingAdditive:
	default:
		return errors.Errorf("glow: unknown %s=%q, valid values are %q and %q", ParamFlowCoupling,
			cfg.FlowCoupling, CouplingAffine, CouplingAdditive)
	}
	if cfg.YCondition && cfg.NumClasses < 2 {
		return errors.Errorf("glow: %s=%d must be >= 2 with %s", ParamNumClasses, cfg.NumClasses, ParamYCondition)
	}
	return nil
}

// LevelShapes returns the [height, width, channels] of the activations inside each level, that is,
// after the squeeze.
func (cfg Config) LevelShapes() [][3]int {
	shapes := make([][3]int, cfg.L)
	h, w, c := cfg.ImageShape[0], cfg.ImageShape[1], cfg.ImageShape[2]
	for level := range cfg.L {
		h, w, c = h/2, w/2, c*4
		shapes[level] = [3]int{h, w, c}
		if level < cfg.L-1 {
			c /= 2
		}
	}
	return shapes
}

// LatentShape returns the [height, width, channels] of the top latent z.
func (cfg Config) LatentShape() [3]int {
	levels := cfg.LevelShapes()
	return levels[len(levels)-1]
}

// NumDimensions is the number of dimensions of one image, height*width*channels.
func (cfg Config) NumDimensions() int {
	return cfg.ImageShape[0] * cfg.ImageShape[1] * cfg.ImageShape[2]
}

// String implements fmt.Stringer.
func (cfg Config) String() string {
	return fmt.Sprintf("Glow(image=%v, K=%d, L=%d, hidden=%d, permutation=%s, coupling=%s, LU=%v, learn_top=%v, y_condition=%v)",
		cfg.ImageShape, cfg.K, cfg.L, cfg.HiddenChannels, cfg.FlowPermutation, cfg.FlowCoupling,
		cfg.LUDecomposed, cfg.LearnTop, cfg.YCondition)
}
