// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package objectives

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestParseReduction(t *testing.T) {
	for _, s := range []string{"mean", "sum", "none"} {
		r, err := ParseReduction(s)
		require.NoError(t, err)
		require.Equal(t, Reduction(s), r)
	}
	_, err := ParseReduction("max")
	require.Error(t, err)
}

func TestScaleMatrix(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ScaleMatrix", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{ScaleMatrix(g, dtypes.Float32, 2, 4)}
		return
	}, []any{
		[][]float32{{0.5}, {0.5}, {-0.25}, {-0.25}, {-0.25}, {-0.25}},
	}, 0)
}

func TestLoss(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Loss", func(g *Graph) (inputs, outputs []*Node) {
		nll := Const(g, []float32{1, 3})
		inputs = []*Node{nll}
		mean := Loss(nll, ReductionMean)
		none := Loss(nll, ReductionNone)
		outputs = []*Node{mean.TotalLoss, mean.NLL, none.TotalLoss}
		return
	}, []any{float32(2), float32(2), []float32{1, 3}}, 0)
}

func TestLossY(t *testing.T) {
	graphtest.RunTestGraphFn(t, "LossY", func(g *Graph) (inputs, outputs []*Node) {
		nll := Const(g, []float64{1, 3})
		yLogits := Const(g, [][]float64{{0, 0, 0, 0}, {0, 0, 0, 0}})
		y := Const(g, [][]float64{{0, 1, 0, 0}, {0, 0, 0, 1}})
		inputs = []*Node{nll, yLogits, y}
		single := LossY(nll, yLogits, 0.5, y, false, ReductionMean)
		multi := LossY(nll, yLogits, 0.5, y, true, ReductionMean)
		perExample := LossY(nll, yLogits, 0.5, y, false, ReductionNone)
		outputs = []*Node{single.LossClasses, single.TotalLoss, multi.LossClasses, perExample.TotalLoss}
		return
	}, []any{
		math.Log(4),
		2 + 0.5*math.Log(4),
		math.Log(2),
		[]float64{1 + 0.5*math.Log(4), 3 + 0.5*math.Log(4)},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "LossY with confident logits", func(g *Graph) (inputs, outputs []*Node) {
		nll := Const(g, []float64{0})
		yLogits := Const(g, [][]float64{{-20, 20}})
		y := Const(g, [][]float64{{0, 1}})
		inputs = []*Node{nll, yLogits, y}
		outputs = []*Node{LossY(nll, yLogits, 1, y, false, ReductionSum).TotalLoss}
		return
	}, []any{0.0}, 1e-6)

	// Per example losses are reduced only once: true class margins of 40 and -40.
	graphtest.RunTestGraphFn(t, "LossY reductions", func(g *Graph) (inputs, outputs []*Node) {
		nll := Const(g, []float64{0, 0})
		yLogits := Const(g, [][]float64{{20, -20}, {-20, 20}})
		y := Const(g, [][]float64{{1, 0}, {1, 0}})
		inputs = []*Node{nll, yLogits, y}
		outputs = []*Node{
			LossY(nll, yLogits, 1, y, false, ReductionNone).LossClasses,
			LossY(nll, yLogits, 1, y, false, ReductionSum).LossClasses,
			LossY(nll, yLogits, 1, y, false, ReductionMean).LossClasses,
			LossY(nll, yLogits, 1, y, true, ReductionNone).LossClasses,
			LossY(nll, yLogits, 1, y, true, ReductionMean).LossClasses,
		}
		return
	}, []any{
		[]float64{0, 40},
		40.0,
		20.0,
		[]float64{0, 20},
		10.0,
	}, 1e-6)
}

func TestEnergy(t *testing.T) {
	// One-dimensional examples x=0 and generated=1 with sigma=1: the kernel matrix is
	// [[1, e^-0.5], [e^-0.5, 1]] and the weights [[1, -1], [-1, 1]].
	rowSum := 1 - math.Exp(-0.5)
	graphtest.RunTestGraphFn(t, "Energy by hand", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float64{{0}})
		genX := Const(g, [][]float64{{1}})
		inputs = []*Node{x, genX}
		sigmas := []float64{1}
		outputs = []*Node{
			Energy(x, genX, sigmas, ReductionSum),
			Energy(x, genX, sigmas, ReductionMean),
			Energy(x, genX, sigmas, ReductionNone),
		}
		return
	}, []any{
		math.Sqrt(2*rowSum + 1e-5),
		math.Sqrt(rowSum + 1e-5),
		[]float64{math.Sqrt(rowSum + 1e-5), math.Sqrt(rowSum + 1e-5)},
	}, 1e-9)

	graphtest.RunTestGraphFn(t, "Energy of identical batches", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float64{{{0.1, -0.2}, {0.3, 0.4}}, {{-0.5, 0.2}, {0.0, 0.1}}, {{0.2, 0.2}, {-0.1, 0.3}}})
		inputs = []*Node{x}
		outputs = []*Node{Energy(x, x, nil, ReductionSum)}
		return
	}, []any{math.Sqrt(1e-5)}, 1e-7)

	graphtest.RunTestGraphFn(t, "Energy swap invariance", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float64{{0.1, -0.2, 0.3}, {0.3, 0.4, -0.1}})
		genX := Const(g, [][]float64{{-0.5, 0.2, 0.0}, {0.0, 0.1, 0.9}})
		inputs = []*Node{x, genX}
		forward := Energy(x, genX, nil, ReductionSum)
		swapped := Energy(genX, x, nil, ReductionSum)
		outputs = []*Node{
			Abs(Sub(forward, swapped)),
			GreaterThan(forward, Scalar(g, dtypes.Float64, math.Sqrt(1e-5))),
		}
		return
	}, []any{0.0, true}, 1e-9)

	graphtest.RunTestGraphFn(t, "Energy with different batch sizes", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{1, 2}, {3, 4}, {5, 6}})
		genX := Const(g, [][]float32{{0, 0}})
		inputs = []*Node{x, genX}
		energy := Energy(x, genX, nil, ReductionMean)
		outputs = []*Node{
			LogicalAnd(IsFinite(energy), GreaterOrEqual(energy, ZerosLike(energy))),
		}
		return
	}, []any{true}, 0)
}
