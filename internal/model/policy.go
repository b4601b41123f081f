package model

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// PolicyOptions configures an ImagePolicy.
type PolicyOptions struct {
	Backbone   string
	Pretrained bool
	Commands   int
	Steps      int

	ImageChannels int
	ImageHeight   int
	ImageWidth    int

	// Per-channel normalization statistics; nil defaults to 0.5 everywhere.
	Mean []float64
	Std  []float64
	// PersistNorm selects the Normalize variant whose statistics travel
	// with checkpoints; false selects NormalizeV2.
	PersistNorm bool

	// Temperature > 0 makes the spatial softmax temperature trainable.
	Temperature float64
	// Physical output ranges in meters; zero values default to (0, 20)
	// ahead and (-1, 1) lateral.
	XRange [2]float64
	YRange [2]float64

	Seed int64
}

// ImagePolicy is a command-conditioned waypoint predictor. An image batch is
// normalized, reduced to a feature map by the backbone trunk, projected by a
// 1x1 head convolution to commands*steps attention channels, reduced to
// physical (x, y) keypoints by spatial softmax, and finally gathered down to
// one branch of steps waypoints per sample by that sample's command.
type ImagePolicy struct {
	norm     Normalizer
	backbone *Backbone
	head     *Conv2D
	ssmax    *SpatialSoftmaxV2

	commands int
	steps    int

	lastCommand *tensor.Dense
}

// NewImagePolicy constructs the model. The spatial softmax grid is fixed to
// the backbone's output size for the configured image dimensions, so inputs
// of any other size fail fast at the extractor.
func NewImagePolicy(opts PolicyOptions) (*ImagePolicy, error) {
	if opts.Commands < 1 {
		return nil, fmt.Errorf("policy: commands must be >= 1, got %d", opts.Commands)
	}
	if opts.Steps < 1 {
		return nil, fmt.Errorf("policy: steps must be >= 1, got %d", opts.Steps)
	}
	if opts.ImageChannels < 1 || opts.ImageHeight < 1 || opts.ImageWidth < 1 {
		return nil, fmt.Errorf("policy: invalid image shape %dx%dx%d",
			opts.ImageChannels, opts.ImageHeight, opts.ImageWidth)
	}

	mean, std := opts.Mean, opts.Std
	if mean == nil {
		mean = fill(opts.ImageChannels, 0.5)
	}
	if std == nil {
		std = fill(opts.ImageChannels, 0.5)
	}
	if len(mean) != opts.ImageChannels || len(std) != opts.ImageChannels {
		return nil, fmt.Errorf("policy: normalization stats have %d/%d channels, image has %d",
			len(mean), len(std), opts.ImageChannels)
	}

	var norm Normalizer
	if opts.PersistNorm {
		norm = NewNormalize(mean, std)
	} else {
		norm = NewNormalizeV2(mean, std)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	backbone, err := NewBackbone(opts.Backbone, opts.ImageChannels, opts.Pretrained, rng)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	featH, featW := backbone.OutDims(opts.ImageHeight, opts.ImageWidth)
	if featH < 2 || featW < 2 {
		return nil, fmt.Errorf("policy: backbone %q reduces %dx%d images to a %dx%d map, too small for keypoints",
			opts.Backbone, opts.ImageHeight, opts.ImageWidth, featH, featW)
	}

	heads := opts.Commands * opts.Steps
	head := NewConv2D("head", backbone.Channels(), heads, 1, 1, 0, false, rng)

	xRange, yRange := opts.XRange, opts.YRange
	if xRange == [2]float64{} {
		xRange = [2]float64{0, 20}
	}
	if yRange == [2]float64{} {
		yRange = [2]float64{-1, 1}
	}
	ssmax := NewSpatialSoftmaxV2(featH, featW, heads, opts.Temperature, NCHW, xRange, yRange)

	return &ImagePolicy{
		norm:     norm,
		backbone: backbone,
		head:     head,
		ssmax:    ssmax,
		commands: opts.Commands,
		steps:    opts.Steps,
	}, nil
}

// Params returns every learnable parameter, in a stable order.
func (m *ImagePolicy) Params() []*Param {
	params := m.backbone.Params()
	params = append(params, m.head.Params()...)
	params = append(params, m.ssmax.Params()...)
	return params
}

// ZeroGrad clears all accumulated gradients.
func (m *ImagePolicy) ZeroGrad() {
	for _, p := range m.Params() {
		p.Zero()
	}
}

// Forward predicts (batch, steps, 2) waypoints in meters for an image batch
// and a per-sample command. Images may carry a leading time axis
// (batch, frames, c, h, w); only the most recent frame is used. Commands may
// likewise be (batch, frames); the most recent value selects the branch.
func (m *ImagePolicy) Forward(image, command *tensor.Dense) *tensor.Dense {
	img := latestFrame(image)
	cmd := latestCommand(command)

	x := m.norm.Forward(img)
	feat := m.backbone.Forward(x)
	logits := m.head.Forward(feat)
	keypoints := m.ssmax.Forward(logits) // (B, commands*steps, 2)

	b := keypoints.Shape()[0]
	branches := newDense(denseData(keypoints), b, m.commands, m.steps, 2)

	m.lastCommand = cmd
	return SelectBranch(branches, cmd)
}

// Backward accumulates parameter gradients for a loss gradient w.r.t. the
// predicted waypoints. The gradient w.r.t. the raw image is discarded: the
// trunk is the first trainable stage.
func (m *ImagePolicy) Backward(gradPred *tensor.Dense) {
	if m.lastCommand == nil {
		panic("policy: Backward called before Forward")
	}
	gradBranches := ScatterBranch(gradPred, m.lastCommand, m.commands)

	s := gradBranches.Shape()
	b := s[0]
	gradKeypoints := newDense(denseData(gradBranches), b, m.commands*m.steps, 2)

	gradLogits := m.ssmax.Backward(gradKeypoints)
	gradFeat := m.head.Backward(gradLogits)
	m.backbone.Backward(gradFeat)
}

// State snapshots all learnable parameters keyed by name, plus whatever the
// normalization variant persists.
func (m *ImagePolicy) State() map[string]*tensor.Dense {
	state := make(map[string]*tensor.Dense)
	for _, p := range m.Params() {
		state[p.Name] = p.Tensor()
	}
	m.norm.State(state)
	return state
}

// LoadState restores learnable parameters from a snapshot. Entries the model
// does not own (for example persisted normalization statistics) are ignored;
// a missing parameter is an error.
func (m *ImagePolicy) LoadState(state map[string]*tensor.Dense) error {
	for _, p := range m.Params() {
		t, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("policy: state has no entry for %s", p.Name)
		}
		if err := p.Set(t); err != nil {
			return err
		}
	}
	return nil
}

func latestFrame(image *tensor.Dense) *tensor.Dense {
	s := image.Shape()
	switch len(s) {
	case 4:
		return image
	case 5:
		b, t, c, h, w := s[0], s[1], s[2], s[3], s[4]
		in := denseData(image)
		out := make([]float64, b*c*h*w)
		frame := c * h * w
		for i := 0; i < b; i++ {
			src := (i*t + (t - 1)) * frame
			copy(out[i*frame:(i+1)*frame], in[src:src+frame])
		}
		return newDense(out, b, c, h, w)
	default:
		panic(fmt.Sprintf("policy: image batch must be 4D or 5D, got shape %v", s))
	}
}

func latestCommand(command *tensor.Dense) *tensor.Dense {
	s := command.Shape()
	if len(s) == 1 {
		return command
	}
	b := s[0]
	per := 1
	for _, d := range s[1:] {
		per *= d
	}
	in := denseData(command)
	out := make([]float64, b)
	for i := 0; i < b; i++ {
		out[i] = in[(i+1)*per-1]
	}
	return newDense(out, b)
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
