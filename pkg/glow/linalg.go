// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package glow

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// The graph has no matrix inversion or factorization ops, so the few square matrices the flow needs
// to invert (channels x channels, at most a few hundred) are handled with the helpers below.

// triangularMask returns a constant [n, n] mask of the given dtype, with 1 where keep(row, col) is true.
func triangularMask(x *Node, n int, keep func(row, col int) bool) *Node {
	mask := make([][]float32, n)
	for row := range n {
		mask[row] = make([]float32, n)
		for col := range n {
			if keep(row, col) {
				mask[row][col] = 1
			}
		}
	}
	return ConvertDType(Const(x.Graph(), mask), x.DType())
}

// strictlyLower returns a mask that selects the elements strictly below the diagonal.
func strictlyLower(x *Node, n int) *Node {
	return triangularMask(x, n, func(row, col int) bool { return row > col })
}

// strictlyUpper returns a mask that selects the elements strictly above the diagonal.
func strictlyUpper(x *Node, n int) *Node {
	return triangularMask(x, n, func(row, col int) bool { return row < col })
}

// identity returns the [n, n] identity matrix with the dtype of x.
func identity(x *Node, n int) *Node {
	return triangularMask(x, n, func(row, col int) bool { return row == col })
}

// invertUnitTriangular returns (I + N)^-1 for a strictly triangular (hence nilpotent) matrix N:
// the series sum_k (-N)^k is finite, and it is computed as prod_j (I + (-N)^(2^j)) with
// ceil(log2(n)) matrix multiplications.
func invertUnitTriangular(nilpotent *Node) *Node {
	n := nilpotent.Shape().Dimensions[0]
	eye := identity(nilpotent, n)
	power := Neg(nilpotent)
	inverse := Add(eye, power)
	for reach := 2; reach < n; reach *= 2 {
		power = MatMul(power, power)
		inverse = MatMul(inverse, Add(eye, power))
	}
	return inverse
}

// invertUpperTriangular returns U^-1 for U = diag(d) + strictUpper, with no zeros in d.
// U = D (I + D^-1 strictUpper), so U^-1 = (I + D^-1 strictUpper)^-1 D^-1.
func invertUpperTriangular(diagonal, strictUpper *Node) *Node {
	invDiag := Reciprocal(diagonal)
	scaled := Mul(ExpandDims(invDiag, -1), strictUpper) // Row i scaled by 1/d_i.
	return Mul(invertUnitTriangular(scaled), ExpandDims(invDiag, 0))
}

// unitColumn returns the [n, 1] column vector e_k with the dtype of x.
func unitColumn(x *Node, n, k int) *Node {
	e := make([][]float32, n)
	for row := range n {
		e[row] = []float32{0}
	}
	e[k][0] = 1
	return ConvertDType(Const(x.Graph(), e), x.DType())
}

// luWithPartialPivoting factorizes the square matrix a as p*a = l*u, with p a permutation matrix, l unit
// lower triangular and u upper triangular, using Gaussian elimination unrolled in the graph. At step k
// the row (among k..n-1) with the largest absolute value in column k is swapped into the pivot position.
func luWithPartialPivoting(a *Node) (p, l, u *Node) {
	n := a.Shape().Dimensions[0]
	g := a.Graph()
	dtype := a.DType()
	eye := identity(a, n)
	p, u = eye, a
	multipliers := ZerosLike(a)
	for k := 0; k < n-1; k++ {
		// Rows above k score -1, so they are never picked.
		candidates := make([]float32, n)
		below := make([][]float32, n)
		for r := range n {
			below[r] = []float32{0}
			if r >= k {
				candidates[r] = 1
			}
			if r > k {
				below[r][0] = 1
			}
		}
		mask := ConvertDType(Const(g, candidates), dtype)
		column := Reshape(Slice(u, AxisRange(), AxisElem(k)), n)
		score := Add(Mul(Abs(column), mask), AddScalar(mask, -1))
		pivotRow := Reshape(OneHot(ArgMax(score, 0, dtypes.Int32), n, dtype), n, 1)

		// swap = I - d*d^T, with d = e_k - e_pivot, exchanges rows k and pivot (identity if they are the same).
		d := Sub(unitColumn(a, n, k), pivotRow)
		swap := StopGradient(Sub(eye, MatMul(d, Transpose(d, 0, 1))))
		u = MatMul(swap, u)
		p = MatMul(swap, p)
		multipliers = MatMul(swap, multipliers)

		pivot := Reshape(Slice(u, AxisElem(k), AxisElem(k))) // Scalar.
		row := Slice(u, AxisElem(k), AxisRange())            // [1, n]
		column2D := Slice(u, AxisRange(), AxisElem(k))       // [n, 1]
		factors := Mul(Div(column2D, pivot), ConvertDType(Const(g, below), dtype))
		u = Sub(u, MatMul(factors, row))
		multipliers = Add(multipliers, MatMul(factors, Transpose(unitColumn(a, n, k), 0, 1)))
	}
	l = Add(eye, multipliers)
	return
}

// logAbsDeterminantAndInverse returns log|det(a)| and the inverse of a square matrix a, using
// luWithPartialPivoting: a^-1 = u^-1 * l^-1 * p.
func logAbsDeterminantAndInverse(a *Node) (logAbsDet, inverse *Node) {
	n := a.Shape().Dimensions[0]
	p, l, u := luWithPartialPivoting(a)
	eye := identity(a, n)
	diagonal := ReduceSum(Mul(u, eye), 1)
	logAbsDet = ReduceAllSum(Log(Abs(diagonal)))
	lInverse := invertUnitTriangular(Mul(l, strictlyLower(a, n)))
	uInverse := invertUpperTriangular(diagonal, Mul(u, strictlyUpper(a, n)))
	inverse = MatMul(uInverse, MatMul(lInverse, p))
	return
}
