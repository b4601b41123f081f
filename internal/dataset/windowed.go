package dataset

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// Options selects which fields become observations and actions and how the
// windows around each anchor frame are laid out.
type Options struct {
	ObsHorizon int
	ActHorizon int
	Gap        int
	ObsStride  int
	ActStride  int
	ObsKeys    []string
	ActKeys    []string
}

// Sample pairs one observation tuple with one action tuple. Tensors are
// ordered by the configured key lists; each has a leading horizon axis.
type Sample struct {
	Obs []*tensor.Dense
	Act []*tensor.Dense
}

// Windowed is a fixed-length indexable view over a log. Sample i observes
// frames i, i+stride, ... and is labeled with the frames following the last
// observation after the configured gap.
type Windowed struct {
	log  *Log
	opts Options
	n    int
}

// NewWindowed validates the windowing against the log and returns the view.
func NewWindowed(l *Log, opts Options) (*Windowed, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if opts.ObsHorizon < 1 || opts.ActHorizon < 1 {
		return nil, fmt.Errorf("dataset: horizons must be >= 1, got obs=%d act=%d", opts.ObsHorizon, opts.ActHorizon)
	}
	if opts.ObsStride < 1 || opts.ActStride < 1 {
		return nil, fmt.Errorf("dataset: strides must be >= 1, got obs=%d act=%d", opts.ObsStride, opts.ActStride)
	}
	if opts.Gap < 0 {
		return nil, fmt.Errorf("dataset: gap must be >= 0, got %d", opts.Gap)
	}
	if len(opts.ObsKeys) == 0 || len(opts.ActKeys) == 0 {
		return nil, fmt.Errorf("dataset: obs and act key lists must be non-empty")
	}
	for _, key := range append(append([]string(nil), opts.ObsKeys...), opts.ActKeys...) {
		if _, ok := l.Fields[key]; !ok {
			return nil, fmt.Errorf("dataset: log has no field %q", key)
		}
	}

	span := (opts.ObsHorizon-1)*opts.ObsStride + opts.Gap + opts.ActHorizon*opts.ActStride
	n := l.Frames - span
	if n < 1 {
		return nil, fmt.Errorf("dataset: %d frames cannot fit a %d-frame window", l.Frames, span+1)
	}
	return &Windowed{log: l, opts: opts, n: n}, nil
}

// Len returns the number of samples.
func (d *Windowed) Len() int { return d.n }

// FieldShape returns the per-frame shape of a log field.
func (d *Windowed) FieldShape(key string) []int {
	return d.log.Fields[key].Shape
}

// At assembles sample i. Observation tensors have shape
// (obsHorizon, fieldShape...), action tensors (actHorizon, fieldShape...).
func (d *Windowed) At(i int) (Sample, error) {
	if i < 0 || i >= d.n {
		return Sample{}, fmt.Errorf("dataset: index %d out of range [0, %d)", i, d.n)
	}
	obs := make([]*tensor.Dense, len(d.opts.ObsKeys))
	for k, key := range d.opts.ObsKeys {
		obs[k] = d.gather(key, i, d.opts.ObsHorizon, d.opts.ObsStride)
	}
	lastObs := i + (d.opts.ObsHorizon-1)*d.opts.ObsStride
	act := make([]*tensor.Dense, len(d.opts.ActKeys))
	for k, key := range d.opts.ActKeys {
		act[k] = d.gather(key, lastObs+d.opts.Gap+d.opts.ActStride, d.opts.ActHorizon, d.opts.ActStride)
	}
	return Sample{Obs: obs, Act: act}, nil
}

func (d *Windowed) gather(key string, start, horizon, stride int) *tensor.Dense {
	field := d.log.Fields[key]
	size := field.FrameSize()
	out := make([]float64, horizon*size)
	for k := 0; k < horizon; k++ {
		frame := start + k*stride
		copy(out[k*size:(k+1)*size], field.Data[frame*size:(frame+1)*size])
	}
	shape := append([]int{horizon}, field.Shape...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))
}

// Split shuffles sample indices with the given source of randomness and
// holds out the tail valRatio fraction for validation. The same seed always
// reproduces the same split.
func Split(n int, valRatio float64, rng *rand.Rand) (train, val []int) {
	perm := rng.Perm(n)
	valSize := int(float64(n) * valRatio)
	return perm[:n-valSize], perm[n-valSize:]
}
