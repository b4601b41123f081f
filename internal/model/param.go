package model

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// Param is a named learnable tensor with its accumulated gradient.
// Params are owned by the model that created them and handed by
// reference to the optimizer and to checkpointing.
type Param struct {
	Name  string
	Shape tensor.Shape
	Data  []float64
	Grad  []float64
}

// NewParam allocates a zero-valued parameter of the given shape.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: tensor.Shape(shape),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// NewParamHe allocates a parameter with He-normal initialization,
// where fanIn is the number of inputs feeding each output unit.
func NewParamHe(name string, fanIn int, rng *rand.Rand, shape ...int) *Param {
	p := NewParam(name, shape...)
	stddev := math.Sqrt(2.0 / float64(fanIn))
	for i := range p.Data {
		p.Data[i] = rng.NormFloat64() * stddev
	}
	return p
}

// Zero clears the accumulated gradient.
func (p *Param) Zero() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Tensor returns a detached snapshot of the parameter values.
func (p *Param) Tensor() *tensor.Dense {
	backing := make([]float64, len(p.Data))
	copy(backing, p.Data)
	return tensor.New(tensor.WithShape([]int(p.Shape)...), tensor.WithBacking(backing))
}

// Set copies values from a tensor snapshot into the parameter.
func (p *Param) Set(t *tensor.Dense) error {
	data, ok := t.Data().([]float64)
	if !ok {
		return fmt.Errorf("param %s: snapshot is not float64", p.Name)
	}
	if len(data) != len(p.Data) {
		return fmt.Errorf("param %s: snapshot has %d values, want %d", p.Name, len(data), len(p.Data))
	}
	copy(p.Data, data)
	return nil
}
