package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// DataFormat names the axis order of a feature map.
type DataFormat string

const (
	// NCHW is the canonical channel-before-spatial order.
	NCHW DataFormat = "NCHW"
	// NHWC feature maps are permuted to NCHW before any reduction.
	NHWC DataFormat = "NHWC"
)

// SpatialSoftmax reduces each channel of a feature map to the expected 2D
// position of its activation, using a softmax over the flattened spatial
// axis as the reduction weight. The expectation is a differentiable stand-in
// for "position of maximum activation": a hard argmax is non-differentiable
// and jumps around near ties, while the weighted spatial mean is smooth and
// still interpretable.
//
// Coordinates are normalized to [-1, 1]. x spans the height axis (distance
// ahead) and y spans the width axis (left/right).
type SpatialSoftmax struct {
	height  int
	width   int
	channel int
	format  DataFormat

	// Grid values per flattened spatial position, fixed at construction.
	posX []float64
	posY []float64

	// Trainable softmax temperature; nil means fixed at 1.0.
	temperature *Param

	// Forward cache consumed by Backward.
	lastBatch  int
	lastFeat   []float64 // raw NCHW features, (B*C, H*W)
	lastWeight []float64 // softmax weights, (B*C, H*W)
}

// NewSpatialSoftmax builds an extractor for feature maps of the given
// spatial size and channel count. A temperature > 0 becomes a trainable
// parameter initialized to that value; otherwise the temperature is fixed
// at 1.0.
func NewSpatialSoftmax(height, width, channel int, temperature float64, format DataFormat) *SpatialSoftmax {
	if height < 2 || width < 2 {
		panic(fmt.Sprintf("model: spatial softmax needs height, width >= 2, got %dx%d", height, width))
	}
	if channel < 1 {
		panic(fmt.Sprintf("model: spatial softmax needs channel >= 1, got %d", channel))
	}
	if format != NCHW && format != NHWC {
		panic(fmt.Sprintf("model: unknown data format %q", format))
	}

	spanH := floats.Span(make([]float64, height), -1, 1)
	spanW := floats.Span(make([]float64, width), -1, 1)
	posX := make([]float64, height*width)
	posY := make([]float64, height*width)
	for h := 0; h < height; h++ {
		for w := 0; w < width; w++ {
			posX[h*width+w] = spanH[h]
			posY[h*width+w] = spanW[w]
		}
	}

	ss := &SpatialSoftmax{
		height:  height,
		width:   width,
		channel: channel,
		format:  format,
		posX:    posX,
		posY:    posY,
	}
	if temperature > 0 {
		ss.temperature = NewParam("spatial_softmax.temperature", 1)
		ss.temperature.Data[0] = temperature
	}
	return ss
}

// Temperature returns the current softmax temperature.
func (ss *SpatialSoftmax) Temperature() float64 {
	if ss.temperature == nil {
		return 1.0
	}
	return ss.temperature.Data[0]
}

// Params returns the trainable parameters, if any.
func (ss *SpatialSoftmax) Params() []*Param {
	if ss.temperature == nil {
		return nil
	}
	return []*Param{ss.temperature}
}

// Forward maps a feature map to one (x, y) pair per (sample, channel),
// returned with shape (batch, channel, 2) in normalized [-1, 1] space.
func (ss *SpatialSoftmax) Forward(feature *tensor.Dense) *tensor.Dense {
	if ss.format == NHWC {
		feature = permuteNHWCToNCHW(feature)
	}
	s := mustDims(feature, 4, "feature map")
	b, c, h, w := s[0], s[1], s[2], s[3]
	if h*w != len(ss.posX) {
		panic(fmt.Sprintf("model: feature map is %dx%d, coordinate grid was built for %dx%d",
			h, w, ss.height, ss.width))
	}

	feat := denseData(feature)
	spatial := h * w
	rows := b * c
	temp := ss.Temperature()

	weight := make([]float64, rows*spatial)
	out := make([]float64, rows*2)
	for r := 0; r < rows; r++ {
		row := feat[r*spatial : (r+1)*spatial]
		wRow := weight[r*spatial : (r+1)*spatial]
		softmaxScaled(row, temp, wRow)

		var ex, ey float64
		for j, wj := range wRow {
			ex += ss.posX[j] * wj
			ey += ss.posY[j] * wj
		}
		out[r*2] = ex
		out[r*2+1] = ey
	}

	ss.lastBatch = b
	ss.lastFeat = feat
	ss.lastWeight = weight
	return newDense(out, b, c, 2)
}

// Backward propagates a gradient w.r.t. the (batch, channel, 2) output back
// to the feature map, accumulating into the temperature parameter when it is
// trainable. The returned gradient uses the same axis order as the input.
func (ss *SpatialSoftmax) Backward(gradOut *tensor.Dense) *tensor.Dense {
	if ss.lastWeight == nil {
		panic("model: spatial softmax Backward called before Forward")
	}
	gs := mustDims(gradOut, 3, "spatial softmax gradient")
	b, c := gs[0], gs[1]
	if b != ss.lastBatch || gs[2] != 2 {
		panic(fmt.Sprintf("model: spatial softmax gradient shape %v does not match forward batch %d", gs, ss.lastBatch))
	}

	grad := denseData(gradOut)
	spatial := ss.height * ss.width
	rows := b * c
	temp := ss.Temperature()

	gradFeat := make([]float64, rows*spatial)
	var gradTemp float64
	for r := 0; r < rows; r++ {
		gx := grad[r*2]
		gy := grad[r*2+1]
		wRow := ss.lastWeight[r*spatial : (r+1)*spatial]
		fRow := ss.lastFeat[r*spatial : (r+1)*spatial]

		var ex, ey float64
		for j, wj := range wRow {
			ex += ss.posX[j] * wj
			ey += ss.posY[j] * wj
		}
		for j, wj := range wRow {
			gradFeat[r*spatial+j] = wj / temp * ((ss.posX[j]-ex)*gx + (ss.posY[j]-ey)*gy)
		}

		if ss.temperature != nil {
			var fMean float64
			for j, wj := range wRow {
				fMean += wj * fRow[j]
			}
			for j, wj := range wRow {
				dw := wj / (temp * temp) * (fMean - fRow[j])
				gradTemp += (ss.posX[j]*gx + ss.posY[j]*gy) * dw
			}
		}
	}
	if ss.temperature != nil {
		ss.temperature.Grad[0] += gradTemp
	}

	out := newDense(gradFeat, b, c, ss.height, ss.width)
	if ss.format == NHWC {
		return permuteNCHWToNHWC(out)
	}
	return out
}

// SpatialSoftmaxV2 is the unit-aware variant: it validates the feature map
// against the construction-time spatial size and affine-maps the normalized
// expectation into configured physical ranges (meters), independently per
// axis: value = (normalized + 1) / 2 * (max - min) + min.
type SpatialSoftmaxV2 struct {
	*SpatialSoftmax
	xRange [2]float64
	yRange [2]float64
}

// NewSpatialSoftmaxV2 builds a unit-aware extractor. xRange covers the
// height (forward) axis and yRange the width (lateral) axis.
func NewSpatialSoftmaxV2(height, width, channel int, temperature float64, format DataFormat, xRange, yRange [2]float64) *SpatialSoftmaxV2 {
	return &SpatialSoftmaxV2{
		SpatialSoftmax: NewSpatialSoftmax(height, width, channel, temperature, format),
		xRange:         xRange,
		yRange:         yRange,
	}
}

// Forward returns one (x, y) pair per (sample, channel) in physical units,
// shape (batch, channel, 2). Panics if the feature map's spatial size does
// not match the size fixed at construction.
func (ss *SpatialSoftmaxV2) Forward(feature *tensor.Dense) *tensor.Dense {
	s := mustDims(feature, 4, "feature map")
	h, w := s[2], s[3]
	if ss.format == NHWC {
		h, w = s[1], s[2]
	}
	if h != ss.height || w != ss.width {
		panic(fmt.Sprintf("model: feature map is %dx%d, spatial softmax was built for %dx%d",
			h, w, ss.height, ss.width))
	}

	norm := ss.SpatialSoftmax.Forward(feature)
	out := denseData(norm)
	for r := 0; r < len(out)/2; r++ {
		out[r*2] = (out[r*2]+1)/2*(ss.xRange[1]-ss.xRange[0]) + ss.xRange[0]
		out[r*2+1] = (out[r*2+1]+1)/2*(ss.yRange[1]-ss.yRange[0]) + ss.yRange[0]
	}
	return norm
}

// Backward rescales the physical-unit gradient back to normalized space and
// defers to the base extractor.
func (ss *SpatialSoftmaxV2) Backward(gradOut *tensor.Dense) *tensor.Dense {
	grad := denseData(gradOut)
	scaled := make([]float64, len(grad))
	for r := 0; r < len(grad)/2; r++ {
		scaled[r*2] = grad[r*2] * (ss.xRange[1] - ss.xRange[0]) / 2
		scaled[r*2+1] = grad[r*2+1] * (ss.yRange[1] - ss.yRange[0]) / 2
	}
	gs := gradOut.Shape()
	return ss.SpatialSoftmax.Backward(newDense(scaled, gs[0], gs[1], gs[2]))
}

// softmaxScaled writes softmax(row/temp) into dst with the usual max-shift
// for numerical stability.
func softmaxScaled(row []float64, temp float64, dst []float64) {
	maxV := row[0] / temp
	for _, v := range row[1:] {
		if v/temp > maxV {
			maxV = v / temp
		}
	}
	var sum float64
	for j, v := range row {
		e := math.Exp(v/temp - maxV)
		dst[j] = e
		sum += e
	}
	inv := 1.0 / sum
	for j := range dst {
		dst[j] *= inv
	}
}

func permuteNHWCToNCHW(t *tensor.Dense) *tensor.Dense {
	s := mustDims(t, 4, "feature map")
	b, h, w, c := s[0], s[1], s[2], s[3]
	in := denseData(t)
	out := make([]float64, len(in))
	for i := 0; i < b; i++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					out[((i*c+ch)*h+y)*w+x] = in[((i*h+y)*w+x)*c+ch]
				}
			}
		}
	}
	return newDense(out, b, c, h, w)
}

func permuteNCHWToNHWC(t *tensor.Dense) *tensor.Dense {
	s := mustDims(t, 4, "feature map")
	b, c, h, w := s[0], s[1], s[2], s[3]
	in := denseData(t)
	out := make([]float64, len(in))
	for i := 0; i < b; i++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					out[((i*h+y)*w+x)*c+ch] = in[((i*c+ch)*h+y)*w+x]
				}
			}
		}
	}
	return newDense(out, b, h, w, c)
}
