// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package glow

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// variable returns the variable name in the current scope of ctx, creating it with the value
// returned by initFn if it doesn't exist yet.
//
// The same model graph is built more than once on the same context (ActNorm initialization,
// training, evaluation and sampling), so an existing variable is always reused.
func variable(ctx *context.Context, name string, trainable bool, initFn func() *tensors.Tensor) *context.Variable {
	v := ctx.GetVariable(name)
	if v == nil {
		v = ctx.VariableWithValue(name, initFn())
	}
	if !trainable {
		v.SetTrainable(false)
	}
	return v
}

// zerosVariable returns a float32 variable initialized with zeros.
func zerosVariable(ctx *context.Context, name string, dims ...int) *context.Variable {
	return variable(ctx, name, true, func() *tensors.Tensor {
		size := 1
		for _, dim := range dims {
			size *= dim
		}
		return tensors.FromFlatDataAndDimensions(make([]float32, size), dims...)
	})
}

// normalVariable returns a float32 variable initialized with a normal distribution N(0, stddev^2).
func normalVariable(ctx *context.Context, name string, stddev float64, dims ...int) *context.Variable {
	return variable(ctx, name, true, func() *tensors.Tensor {
		rng := initRand(ctx, name)
		size := 1
		for _, dim := range dims {
			size *= dim
		}
		values := make([]float32, size)
		for ii := range values {
			values[ii] = float32(rng.NormFloat64() * stddev)
		}
		return tensors.FromFlatDataAndDimensions(values, dims...)
	})
}

// initRand returns the random number generator used to initialize the variable name in the scope
// of ctx. It is seeded with ParamInitSeed and the variable's full name, so the initial values don't
// depend on the order variables are created.
func initRand(ctx *context.Context, name string) *rand.Rand {
	seed := context.GetParamOr(ctx, ParamInitSeed, 0)
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(ctx.Scope()))
	_, _ = hasher.Write([]byte{'/'})
	_, _ = hasher.Write([]byte(name))
	return rand.New(rand.NewPCG(uint64(seed), hasher.Sum64()))
}
