package model

import (
	"fmt"

	"gorgonia.org/tensor"
)

func newDense(backing []float64, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

func denseData(t *tensor.Dense) []float64 {
	data, ok := t.Data().([]float64)
	if !ok {
		panic(fmt.Sprintf("model: expected float64 tensor, got %T", t.Data()))
	}
	return data
}

func mustDims(t *tensor.Dense, n int, what string) tensor.Shape {
	s := t.Shape()
	if len(s) != n {
		panic(fmt.Sprintf("model: %s must be %dD, got shape %v", what, n, s))
	}
	return s
}
