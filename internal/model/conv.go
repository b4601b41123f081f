package model

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// Conv2D is a strided 2D convolution over NCHW batches with an optional
// fused ReLU. Forward caches what Backward needs; Backward accumulates
// weight gradients and returns the gradient w.r.t. the input.
type Conv2D struct {
	inC, outC int
	kernel    int
	stride    int
	padding   int
	relu      bool

	weight *Param // (outC, inC, k, k)
	bias   *Param // (outC)

	// Forward cache.
	lastIn  []float64
	lastPre []float64
	lastB   int
	lastH   int
	lastW   int
}

// NewConv2D builds a convolution layer with He-initialized weights.
func NewConv2D(name string, inC, outC, kernel, stride, padding int, relu bool, rng *rand.Rand) *Conv2D {
	fanIn := inC * kernel * kernel
	return &Conv2D{
		inC:     inC,
		outC:    outC,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
		relu:    relu,
		weight:  NewParamHe(name+".weight", fanIn, rng, outC, inC, kernel, kernel),
		bias:    NewParam(name+".bias", outC),
	}
}

// OutDims returns the output spatial size for a given input size.
func (c *Conv2D) OutDims(inH, inW int) (int, int) {
	outH := (inH+2*c.padding-c.kernel)/c.stride + 1
	outW := (inW+2*c.padding-c.kernel)/c.stride + 1
	return outH, outW
}

// OutChannels returns the number of output feature channels.
func (c *Conv2D) OutChannels() int { return c.outC }

// Params returns the layer's learnable parameters.
func (c *Conv2D) Params() []*Param { return []*Param{c.weight, c.bias} }

// Forward convolves an NCHW batch.
func (c *Conv2D) Forward(x *tensor.Dense) *tensor.Dense {
	s := mustDims(x, 4, "conv input")
	b, ch, h, w := s[0], s[1], s[2], s[3]
	if ch != c.inC {
		panic(fmt.Sprintf("model: conv %s expects %d input channels, got %d", c.weight.Name, c.inC, ch))
	}
	outH, outW := c.OutDims(h, w)

	in := denseData(x)
	pre := make([]float64, b*c.outC*outH*outW)
	out := make([]float64, len(pre))
	k := c.kernel

	for bi := 0; bi < b; bi++ {
		for f := 0; f < c.outC; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := c.bias.Data[f]
					for ic := 0; ic < c.inC; ic++ {
						for kh := 0; kh < k; kh++ {
							ih := oh*c.stride + kh - c.padding
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*c.stride + kw - c.padding
								if iw < 0 || iw >= w {
									continue
								}
								inIdx := ((bi*c.inC+ic)*h+ih)*w + iw
								kIdx := ((f*c.inC+ic)*k+kh)*k + kw
								sum += in[inIdx] * c.weight.Data[kIdx]
							}
						}
					}
					outIdx := ((bi*c.outC+f)*outH+oh)*outW + ow
					pre[outIdx] = sum
					if c.relu && sum < 0 {
						out[outIdx] = 0
					} else {
						out[outIdx] = sum
					}
				}
			}
		}
	}

	c.lastIn = in
	c.lastPre = pre
	c.lastB, c.lastH, c.lastW = b, h, w
	return newDense(out, b, c.outC, outH, outW)
}

// Backward accumulates weight and bias gradients and returns the gradient
// w.r.t. the forward input.
func (c *Conv2D) Backward(gradOut *tensor.Dense) *tensor.Dense {
	if c.lastIn == nil {
		panic(fmt.Sprintf("model: conv %s Backward called before Forward", c.weight.Name))
	}
	b, h, w := c.lastB, c.lastH, c.lastW
	outH, outW := c.OutDims(h, w)
	grad := denseData(gradOut)
	if len(grad) != b*c.outC*outH*outW {
		panic(fmt.Sprintf("model: conv %s gradient has %d values, want %d", c.weight.Name, len(grad), b*c.outC*outH*outW))
	}

	gradIn := make([]float64, b*c.inC*h*w)
	k := c.kernel

	for bi := 0; bi < b; bi++ {
		for f := 0; f < c.outC; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					outIdx := ((bi*c.outC+f)*outH+oh)*outW + ow
					g := grad[outIdx]
					if c.relu && c.lastPre[outIdx] <= 0 {
						continue
					}
					c.bias.Grad[f] += g
					for ic := 0; ic < c.inC; ic++ {
						for kh := 0; kh < k; kh++ {
							ih := oh*c.stride + kh - c.padding
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*c.stride + kw - c.padding
								if iw < 0 || iw >= w {
									continue
								}
								inIdx := ((bi*c.inC+ic)*h+ih)*w + iw
								kIdx := ((f*c.inC+ic)*k+kh)*k + kw
								gradIn[inIdx] += g * c.weight.Data[kIdx]
								c.weight.Grad[kIdx] += g * c.lastIn[inIdx]
							}
						}
					}
				}
			}
		}
	}

	return newDense(gradIn, b, c.inC, h, w)
}
