// Package refcheck computes layer normalization on the host in float64 so
// kernel outputs can be checked against it.
package refcheck

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Forward normalizes every row of src. scale and shift may be nil. When
// mean and variance are given they are used instead of the row statistics.
func Forward(src [][]float64, scale, shift, mean, variance []float64, eps float64) (dst [][]float64, rowMean, rowVar []float64) {
	dst = make([][]float64, len(src))
	rowMean = make([]float64, len(src))
	rowVar = make([]float64, len(src))
	for i, row := range src {
		if mean != nil {
			rowMean[i], rowVar[i] = mean[i], variance[i]
		} else {
			rowMean[i], rowVar[i] = stat.PopMeanVariance(row, nil)
		}
		inv := 1 / math.Sqrt(rowVar[i]+eps)
		out := make([]float64, len(row))
		floats.AddConst(-rowMean[i], floats.AddTo(out, out, row))
		floats.Scale(inv, out)
		if scale != nil {
			floats.Mul(out, scale)
			floats.Add(out, shift)
		}
		dst[i] = out
	}
	return dst, rowMean, rowVar
}

// Backward returns the input gradient and the scale/shift gradients. scale
// may be nil. With globalStats the mean and variance are treated as
// constants.
func Backward(src, diffDst [][]float64, mean, variance, scale []float64, eps float64, globalStats bool) (diffSrc [][]float64, diffScale, diffShift []float64) {
	if len(src) == 0 {
		return nil, nil, nil
	}
	c := len(src[0])
	cf := float64(c)
	diffSrc = make([][]float64, len(src))
	diffScale = make([]float64, c)
	diffShift = make([]float64, c)

	for i, row := range src {
		inv := 1 / math.Sqrt(variance[i]+eps)
		xhat := make([]float64, c)
		floats.AddConst(-mean[i], floats.AddTo(xhat, xhat, row))
		floats.Scale(inv, xhat)

		g := make([]float64, c)
		copy(g, diffDst[i])
		if scale != nil {
			floats.Mul(g, scale)
		}

		out := make([]float64, c)
		if globalStats {
			floats.ScaleTo(out, inv, g)
		} else {
			sumG := floats.Sum(g)
			sumGX := floats.Dot(g, xhat)
			for j := range out {
				out[j] = inv * (g[j] - sumG/cf - xhat[j]*sumGX/cf)
			}
		}
		diffSrc[i] = out

		for j := range c {
			diffScale[j] += diffDst[i][j] * xhat[j]
			diffShift[j] += diffDst[i][j]
		}
	}
	return diffSrc, diffScale, diffShift
}

// MaxAbsDiff returns the largest elementwise distance between a and b,
// which must have equal shapes.
func MaxAbsDiff(a, b [][]float64) float64 {
	var m float64
	for i := range a {
		m = math.Max(m, floats.Distance(a[i], b[i], math.Inf(1)))
	}
	return m
}

// MaxAbsDiffVec is MaxAbsDiff for vectors.
func MaxAbsDiffVec(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return floats.Distance(a, b, math.Inf(1))
}

// Float32ToFloat64 converts a slice of float32 to float64
func Float32ToFloat64(input []float32) []float64 {
	output := make([]float64, len(input))
	for i, v := range input {
		output[i] = float64(v)
	}
	return output
}

// Float64MatrixToFloat32 converts a 2D float64 matrix to a flat float32 array in row-major order
func Float64MatrixToFloat32(matrix [][]float64) []float32 {
	if len(matrix) == 0 {
		return []float32{}
	}

	result := make([]float32, 0, len(matrix)*len(matrix[0]))
	for _, row := range matrix {
		for _, v := range row {
			result = append(result, float32(v))
		}
	}
	return result
}

// Rows converts a flat float32 array to a 2D float64 matrix with cols
// columns. It returns nil if the length is not a multiple of cols.
func Rows(array []float32, cols int) [][]float64 {
	if cols <= 0 || len(array)%cols != 0 {
		return nil
	}

	matrix := make([][]float64, len(array)/cols)
	for i := range matrix {
		matrix[i] = Float32ToFloat64(array[i*cols : (i+1)*cols])
	}
	return matrix
}
