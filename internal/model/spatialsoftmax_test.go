package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func featureMap(b, c, h, w int, rng *rand.Rand) *tensor.Dense {
	data := make([]float64, b*c*h*w)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return tensor.New(tensor.WithShape(b, c, h, w), tensor.WithBacking(data))
}

func TestAttentionSumsToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, temp := range []float64{0.1, 1.0, 5.0} {
		ss := NewSpatialSoftmax(6, 5, 3, temp, NCHW)
		ss.Forward(featureMap(2, 3, 6, 5, rng))

		spatial := 6 * 5
		for r := 0; r < 2*3; r++ {
			var sum float64
			for _, w := range ss.lastWeight[r*spatial : (r+1)*spatial] {
				sum += w
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "temperature %g row %d", temp, r)
		}
	}
}

func TestPeakedMapConvergesToGridCoordinate(t *testing.T) {
	// All activation at (h=1, w=3) of a 4x5 map; with a sharp temperature
	// the expectation collapses to that position's grid values.
	const h, w = 4, 5
	data := make([]float64, h*w)
	data[1*w+3] = 10
	feat := tensor.New(tensor.WithShape(1, 1, h, w), tensor.WithBacking(data))

	ss := NewSpatialSoftmax(h, w, 1, 0.01, NCHW)
	out := ss.Forward(feat).Data().([]float64)

	wantX := -1 + 2*float64(1)/float64(h-1)
	wantY := -1 + 2*float64(3)/float64(w-1)
	assert.InDelta(t, wantX, out[0], 1e-6)
	assert.InDelta(t, wantY, out[1], 1e-6)
}

func TestUnitAwareEndpointMapping(t *testing.T) {
	// Activation pinned to the (0, 0) corner maps to (x_min, y_min); the
	// opposite corner maps to (x_max, y_max).
	const h, w = 4, 4
	xRange := [2]float64{0, 20}
	yRange := [2]float64{-2, 2}

	near := make([]float64, h*w)
	near[0] = 10
	far := make([]float64, h*w)
	far[h*w-1] = 10

	ss := NewSpatialSoftmaxV2(h, w, 1, 0.001, NCHW, xRange, yRange)
	out := ss.Forward(tensor.New(tensor.WithShape(1, 1, h, w), tensor.WithBacking(near))).Data().([]float64)
	assert.InDelta(t, 0.0, out[0], 1e-6)
	assert.InDelta(t, -2.0, out[1], 1e-6)

	out = ss.Forward(tensor.New(tensor.WithShape(1, 1, h, w), tensor.WithBacking(far))).Data().([]float64)
	assert.InDelta(t, 20.0, out[0], 1e-6)
	assert.InDelta(t, 2.0, out[1], 1e-6)
}

func TestDataFormatsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	nchw := featureMap(2, 3, 4, 5, rng)
	nhwc := permuteNCHWToNHWC(nchw)

	a := NewSpatialSoftmax(4, 5, 3, 0, NCHW).Forward(nchw).Data().([]float64)
	b := NewSpatialSoftmax(4, 5, 3, 0, NHWC).Forward(nhwc).Data().([]float64)
	require.Len(t, b, len(a))
	for i := range a {
		assert.InDelta(t, a[i], b[i], 1e-12)
	}
}

func TestSpatialSoftmaxSizeMismatchPanics(t *testing.T) {
	ss := NewSpatialSoftmaxV2(4, 4, 1, 0, NCHW, [2]float64{0, 20}, [2]float64{-1, 1})
	bad := featureMap(1, 1, 5, 5, rand.New(rand.NewSource(1)))
	assert.Panics(t, func() { ss.Forward(bad) })
}

// Finite-difference check of the analytic feature gradient, including the
// trainable temperature.
func TestSpatialSoftmaxGradient(t *testing.T) {
	const h, w = 3, 3
	rng := rand.New(rand.NewSource(11))
	feat := featureMap(1, 2, h, w, rng)
	base := feat.Data().([]float64)

	ss := NewSpatialSoftmaxV2(h, w, 2, 0.7, NCHW, [2]float64{0, 10}, [2]float64{-2, 2})

	// Scalar objective: sum of all outputs.
	objective := func(f *tensor.Dense, temp float64) float64 {
		probe := NewSpatialSoftmaxV2(h, w, 2, temp, NCHW, [2]float64{0, 10}, [2]float64{-2, 2})
		out := probe.Forward(f).Data().([]float64)
		var sum float64
		for _, v := range out {
			sum += v
		}
		return sum
	}

	out := ss.Forward(feat)
	ones := make([]float64, len(out.Data().([]float64)))
	for i := range ones {
		ones[i] = 1
	}
	grad := ss.Backward(tensor.New(tensor.WithShape(1, 2, 2), tensor.WithBacking(ones))).Data().([]float64)

	const eps = 1e-6
	for i := range base {
		bumped := make([]float64, len(base))
		copy(bumped, base)
		bumped[i] += eps
		plus := objective(tensor.New(tensor.WithShape(1, 2, h, w), tensor.WithBacking(bumped)), 0.7)
		bumped[i] -= 2 * eps
		minus := objective(tensor.New(tensor.WithShape(1, 2, h, w), tensor.WithBacking(bumped)), 0.7)
		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, grad[i], 1e-4, "feature gradient %d", i)
	}

	plus := objective(feat, 0.7+eps)
	minus := objective(feat, 0.7-eps)
	numeric := (plus - minus) / (2 * eps)
	require.NotNil(t, ss.temperature)
	assert.InDelta(t, numeric, ss.temperature.Grad[0], 1e-4, "temperature gradient")
}
