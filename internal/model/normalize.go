package model

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Normalizer rescales an NCHW image batch by fixed per-channel statistics.
type Normalizer interface {
	Forward(x *tensor.Dense) *tensor.Dense
	// State adds any persisted statistics to a checkpoint state map.
	State(dst map[string]*tensor.Dense)
}

// Normalize subtracts a fixed per-channel mean and divides by a fixed
// per-channel standard deviation. Its statistics are part of the persisted
// parameter state, so they travel with checkpoints.
type Normalize struct {
	mean []float64
	std  []float64
}

// NewNormalize builds a normalizer from per-channel statistics.
func NewNormalize(mean, std []float64) *Normalize {
	if len(mean) != len(std) {
		panic(fmt.Sprintf("model: normalize mean has %d channels, std has %d", len(mean), len(std)))
	}
	return &Normalize{mean: append([]float64(nil), mean...), std: append([]float64(nil), std...)}
}

// Forward returns (x - mean) / std, broadcasting the channel statistics
// over the full height/width extent. Panics if the channel axis does not
// match the statistics' length.
func (n *Normalize) Forward(x *tensor.Dense) *tensor.Dense {
	return normalize(x, n.mean, n.std)
}

// Denormalize inverts Forward with the same statistics.
func (n *Normalize) Denormalize(y *tensor.Dense) *tensor.Dense {
	s := mustDims(y, 4, "image batch")
	b, c, h, w := s[0], s[1], s[2], s[3]
	if c != len(n.mean) {
		panic(fmt.Sprintf("model: image has %d channels, normalize stats have %d", c, len(n.mean)))
	}
	in := denseData(y)
	out := make([]float64, len(in))
	plane := h * w
	for i := 0; i < b; i++ {
		for ch := 0; ch < c; ch++ {
			base := (i*c + ch) * plane
			for p := 0; p < plane; p++ {
				out[base+p] = in[base+p]*n.std[ch] + n.mean[ch]
			}
		}
	}
	return newDense(out, b, c, h, w)
}

// State persists the statistics alongside the learnable parameters.
func (n *Normalize) State(dst map[string]*tensor.Dense) {
	dst["normalize.mean"] = newDense(append([]float64(nil), n.mean...), 1, len(n.mean), 1, 1)
	dst["normalize.std"] = newDense(append([]float64(nil), n.std...), 1, len(n.std), 1, 1)
}

// NormalizeV2 is numerically identical to Normalize but keeps its
// statistics out of the persisted state. Retained for loading checkpoints
// written without normalization entries.
type NormalizeV2 struct {
	mean []float64
	std  []float64
}

// NewNormalizeV2 builds the non-persisted variant.
func NewNormalizeV2(mean, std []float64) *NormalizeV2 {
	if len(mean) != len(std) {
		panic(fmt.Sprintf("model: normalize mean has %d channels, std has %d", len(mean), len(std)))
	}
	return &NormalizeV2{mean: append([]float64(nil), mean...), std: append([]float64(nil), std...)}
}

// Forward returns (x - mean) / std.
func (n *NormalizeV2) Forward(x *tensor.Dense) *tensor.Dense {
	return normalize(x, n.mean, n.std)
}

// State is a no-op: V2 statistics never persist.
func (n *NormalizeV2) State(map[string]*tensor.Dense) {}

func normalize(x *tensor.Dense, mean, std []float64) *tensor.Dense {
	s := mustDims(x, 4, "image batch")
	b, c, h, w := s[0], s[1], s[2], s[3]
	if c != len(mean) {
		panic(fmt.Sprintf("model: image has %d channels, normalize stats have %d", c, len(mean)))
	}
	in := denseData(x)
	out := make([]float64, len(in))
	plane := h * w
	for i := 0; i < b; i++ {
		for ch := 0; ch < c; ch++ {
			base := (i*c + ch) * plane
			for p := 0; p < plane; p++ {
				out[base+p] = (in[base+p] - mean[ch]) / std[ch]
			}
		}
	}
	return newDense(out, b, c, h, w)
}
