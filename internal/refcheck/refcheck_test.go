package refcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestForward(t *testing.T) {
	src := [][]float64{
		{1, 2, 3, 4},
		{-1, -1, 1, 1},
	}
	dst, mean, variance := Forward(src, nil, nil, nil, nil, 0)
	assert.InDeltaSlice(t, []float64{2.5, 0}, mean, 1e-12)
	assert.InDeltaSlice(t, []float64{1.25, 1}, variance, 1e-12)
	for _, row := range dst {
		m, v := stat.PopMeanVariance(row, nil)
		assert.InDelta(t, 0, m, 1e-12)
		assert.InDelta(t, 1, v, 1e-12)
	}
	assert.InDeltaSlice(t, []float64{-1, -1, 1, 1}, dst[1], 1e-12)

	t.Run("scale and shift", func(t *testing.T) {
		dst, _, _ := Forward(src[1:], []float64{2, 2, 2, 2}, []float64{1, 1, 1, 1}, nil, nil, 0)
		assert.InDeltaSlice(t, []float64{-1, -1, 3, 3}, dst[0], 1e-12)
	})

	t.Run("given statistics", func(t *testing.T) {
		dst, _, _ := Forward(src[:1], nil, nil, []float64{0}, []float64{4}, 0)
		assert.InDeltaSlice(t, []float64{0.5, 1, 1.5, 2}, dst[0], 1e-12)
	})
}

func TestBackward(t *testing.T) {
	src := [][]float64{{1, 2, 3, 4}}
	_, mean, variance := Forward(src, nil, nil, nil, nil, 0)

	t.Run("uniform gradient vanishes", func(t *testing.T) {
		// shifting every input by the same amount leaves the output unchanged
		diffSrc, _, diffShift := Backward(src, [][]float64{{1, 1, 1, 1}}, mean, variance, nil, 0, false)
		assert.InDeltaSlice(t, []float64{0, 0, 0, 0}, diffSrc[0], 1e-12)
		assert.InDeltaSlice(t, []float64{1, 1, 1, 1}, diffShift, 1e-12)
	})

	t.Run("global stats is a plain scale", func(t *testing.T) {
		diffSrc, _, _ := Backward(src, [][]float64{{1, 1, 1, 1}}, []float64{0}, []float64{4}, nil, 0, true)
		assert.InDeltaSlice(t, []float64{0.5, 0.5, 0.5, 0.5}, diffSrc[0], 1e-12)
	})

	t.Run("matches finite differences", func(t *testing.T) {
		x := []float64{0.3, -1.2, 2.0, 0.7}
		dy := []float64{0.5, -0.25, 1.0, 0.1}
		scale := []float64{1.5, 0.5, -1, 2}
		loss := func(x []float64) float64 {
			y, _, _ := Forward([][]float64{x}, scale, make([]float64, 4), nil, nil, 1e-5)
			var l float64
			for i := range y[0] {
				l += y[0][i] * dy[i]
			}
			return l
		}
		_, m, v := Forward([][]float64{x}, nil, nil, nil, nil, 0)
		diffSrc, _, _ := Backward([][]float64{x}, [][]float64{dy}, m, v, scale, 1e-5, false)

		const h = 1e-6
		for i := range x {
			xp := append([]float64(nil), x...)
			xm := append([]float64(nil), x...)
			xp[i] += h
			xm[i] -= h
			numeric := (loss(xp) - loss(xm)) / (2 * h)
			assert.InDelta(t, numeric, diffSrc[0][i], 1e-5, "element %d", i)
		}
	})
}

func TestConversions(t *testing.T) {
	flat := []float32{1, 2, 3, 4, 5, 6}
	m := Rows(flat, 3)
	require.Len(t, m, 2)
	assert.Equal(t, []float64{4, 5, 6}, m[1])
	assert.Equal(t, flat, Float64MatrixToFloat32(m))
	assert.Nil(t, Rows(flat, 4))
	assert.Empty(t, Float64MatrixToFloat32(nil))

	assert.Equal(t, 3.0, MaxAbsDiff(m, [][]float64{{1, 2, 3}, {4, 5, 9}}))
	assert.Equal(t, 0.0, MaxAbsDiffVec(nil, nil))
}
