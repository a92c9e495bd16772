// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package glow

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"gonum.org/v1/gonum/mat"
)

// applyChannelMatrix multiplies the channels of x [batch, height, width, in] by w [out, in].
func applyChannelMatrix(x, w *Node) *Node {
	return Einsum("bhwc,oc->bhwo", x, w)
}

// Permute2D applies a fixed permutation of the channels: reverse=false applies the permutation,
// reverse=true its inverse. shuffle selects a random permutation (stored in the variable "indices"),
// otherwise the channel order is reversed. It is volume preserving, so there is no logdet.
func Permute2D(ctx *context.Context, x *Node, shuffle, reverse bool) *Node {
	numChannels := x.Shape().Dimensions[3]
	var indices *Node
	if shuffle {
		indicesVar := variable(ctx, "indices", false, func() *tensors.Tensor {
			perm := initRand(ctx, "indices").Perm(numChannels)
			values := make([]int32, numChannels)
			for ii, p := range perm {
				values[ii] = int32(p)
			}
			return tensors.FromValue(values)
		})
		indices = indicesVar.ValueGraph(x.Graph())
	} else {
		indices = Reverse(Iota(x.Graph(), shapes.Make(dtypes.Int32, numChannels), 0), 0)
	}
	// permutation[o, c] = 1 if output channel o takes input channel c.
	permutation := OneHot(indices, numChannels, x.DType())
	if reverse {
		permutation = Transpose(permutation, 0, 1)
	}
	return applyChannelMatrix(x, permutation)
}

// randomRotation returns a random orthogonal n x n matrix: the Q factor of the QR decomposition of
// a matrix with normal distributed entries.
func randomRotation(ctx *context.Context, name string, n int) *mat.Dense {
	rng := initRand(ctx, name)
	values := make([]float64, n*n)
	for ii := range values {
		values[ii] = rng.NormFloat64()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(n, n, values))
	var q mat.Dense
	qr.QTo(&q)
	return &q
}

// luInit is the LU parametrization of the initial 1x1 convolution weight: w = p * l * u, with u split
// into sign(s) * exp(logS) on the diagonal and upper strictly above it.
type luInit struct {
	p, lower, upper [][]float32
	signS, logS     []float32
}

// newLUInit factorizes w with partial pivoting.
func newLUInit(w *mat.Dense) luInit {
	n, _ := w.Dims()
	var lu mat.LU
	lu.Factorize(w)
	var l, u mat.TriDense
	lu.LTo(&l)
	lu.UTo(&u)

	// p = w * (l*u)^-1, so the pivoting convention of the factorization doesn't matter.
	var product, productInverse, p mat.Dense
	product.Mul(&l, &u)
	if err := productInverse.Inverse(&product); err != nil {
		exceptions.Panicf("inverting the LU product of the %dx%d initial rotation: %+v", n, n, err)
	}
	p.Mul(w, &productInverse)

	values := luInit{
		p:     make([][]float32, n),
		lower: make([][]float32, n),
		upper: make([][]float32, n),
		signS: make([]float32, n),
		logS:  make([]float32, n),
	}
	for row := range n {
		values.p[row] = make([]float32, n)
		values.lower[row] = make([]float32, n)
		values.upper[row] = make([]float32, n)
		for col := range n {
			values.p[row][col] = float32(math.Round(p.At(row, col)))
			switch {
			case row > col:
				values.lower[row][col] = float32(l.At(row, col))
			case row < col:
				values.upper[row][col] = float32(u.At(row, col))
			}
		}
		s := u.At(row, row)
		values.signS[row] = 1
		if s < 0 {
			values.signS[row] = -1
		}
		values.logS[row] = float32(math.Log(math.Abs(s)))
	}
	return values
}

// InvConv2D is the invertible 1x1 convolution: it multiplies the channels by a learned square
// matrix w, initialized as a random rotation. With luDecomposed, w = p * l * u where p is fixed,
// l is unit lower triangular and u is upper triangular with diagonal sign(s)*exp(log(s)): the
// log-determinant is then sum(log(s)) * height * width, and the inverse is built from triangular
// inverses. Otherwise w is learned directly, and its log-determinant and inverse are computed with
// an in-graph LU factorization.
func InvConv2D(ctx *context.Context, x, logdet *Node, luDecomposed, reverse bool) (*Node, *Node) {
	g := x.Graph()
	dims := x.Shape().Dimensions
	n := dims[3]
	pixels := float64(dims[1] * dims[2])

	var weight, dlogdet *Node
	if luDecomposed {
		var lazyInit *luInit
		getInit := func() luInit {
			if lazyInit == nil {
				values := newLUInit(randomRotation(ctx, "weight", n))
				lazyInit = &values
			}
			return *lazyInit
		}
		p := variable(ctx, "p", false, func() *tensors.Tensor { return tensors.FromValue(getInit().p) }).ValueGraph(g)
		signS := variable(ctx, "sign_s", false, func() *tensors.Tensor { return tensors.FromValue(getInit().signS) }).ValueGraph(g)
		lower := variable(ctx, "lower", true, func() *tensors.Tensor { return tensors.FromValue(getInit().lower) }).ValueGraph(g)
		upper := variable(ctx, "upper", true, func() *tensors.Tensor { return tensors.FromValue(getInit().upper) }).ValueGraph(g)
		logS := variable(ctx, "log_s", true, func() *tensors.Tensor { return tensors.FromValue(getInit().logS) }).ValueGraph(g)

		strictLower := Mul(lower, strictlyLower(lower, n))
		strictUpper := Mul(upper, strictlyUpper(upper, n))
		diagonal := Mul(signS, Exp(logS))
		dlogdet = MulScalar(ReduceAllSum(logS), pixels)
		if !reverse {
			l := Add(strictLower, identity(lower, n))
			u := Add(strictUpper, Mul(identity(upper, n), ExpandDims(diagonal, 0)))
			weight = MatMul(p, MatMul(l, u))
		} else {
			lInverse := invertUnitTriangular(strictLower)
			uInverse := invertUpperTriangular(diagonal, strictUpper)
			weight = MatMul(uInverse, MatMul(lInverse, Transpose(p, 0, 1)))
		}
	} else {
		w := variable(ctx, "weight", true, func() *tensors.Tensor {
			q := randomRotation(ctx, "weight", n)
			values := make([][]float32, n)
			for row := range n {
				values[row] = make([]float32, n)
				for col := range n {
					values[row][col] = float32(q.At(row, col))
				}
			}
			return tensors.FromValue(values)
		}).ValueGraph(g)
		logAbsDet, inverse := logAbsDeterminantAndInverse(w)
		dlogdet = MulScalar(logAbsDet, pixels)
		if !reverse {
			weight = w
		} else {
			weight = inverse
		}
	}

	x = applyChannelMatrix(x, weight)
	if logdet != nil {
		if !reverse {
			logdet = Add(logdet, dlogdet)
		} else {
			logdet = Sub(logdet, dlogdet)
		}
	}
	return x, logdet
}
