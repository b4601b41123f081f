package model

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// Backbone wraps a convolutional trunk together with its output channel
// count. The trunk is chosen by name through NewBackbone; the policy only
// ever sees this wrapper.
type Backbone struct {
	name     string
	layers   []*Conv2D
	channels int
}

// NewBackbone builds a trunk by name. pretrained requests published weights,
// which this repository does not bundle, so it is rejected at construction
// time rather than silently ignored.
func NewBackbone(name string, inChannels int, pretrained bool, rng *rand.Rand) (*Backbone, error) {
	if pretrained {
		return nil, fmt.Errorf("backbone %q: no pretrained weights are bundled with this build", name)
	}

	var layers []*Conv2D
	switch name {
	case "shallow":
		layers = []*Conv2D{
			NewConv2D("backbone.conv1", inChannels, 16, 5, 2, 2, true, rng),
			NewConv2D("backbone.conv2", 16, 32, 3, 2, 1, true, rng),
			NewConv2D("backbone.conv3", 32, 32, 3, 2, 1, true, rng),
		}
	case "deep":
		layers = []*Conv2D{
			NewConv2D("backbone.conv1", inChannels, 16, 5, 2, 2, true, rng),
			NewConv2D("backbone.conv2", 16, 32, 3, 1, 1, true, rng),
			NewConv2D("backbone.conv3", 32, 32, 3, 2, 1, true, rng),
			NewConv2D("backbone.conv4", 32, 64, 3, 1, 1, true, rng),
			NewConv2D("backbone.conv5", 64, 64, 3, 2, 1, true, rng),
		}
	default:
		return nil, fmt.Errorf("unknown backbone %q", name)
	}

	last := layers[len(layers)-1]
	return &Backbone{name: name, layers: layers, channels: last.OutChannels()}, nil
}

// Name returns the trunk identifier used to build this backbone.
func (b *Backbone) Name() string { return b.name }

// Channels returns the trunk's output channel count.
func (b *Backbone) Channels() int { return b.channels }

// OutDims returns the trunk's output spatial size for a given input size.
func (b *Backbone) OutDims(h, w int) (int, int) {
	for _, l := range b.layers {
		h, w = l.OutDims(h, w)
	}
	return h, w
}

// Params returns all trunk parameters.
func (b *Backbone) Params() []*Param {
	var params []*Param
	for _, l := range b.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// Forward runs the trunk over an NCHW batch.
func (b *Backbone) Forward(x *tensor.Dense) *tensor.Dense {
	for _, l := range b.layers {
		x = l.Forward(x)
	}
	return x
}

// Backward propagates a feature-map gradient back through the trunk.
func (b *Backbone) Backward(grad *tensor.Dense) *tensor.Dense {
	for i := len(b.layers) - 1; i >= 0; i-- {
		grad = b.layers[i].Backward(grad)
	}
	return grad
}
