package model

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// SelectBranch gathers, for each sample, the branch output named by that
// sample's command: out[i] = branches[i, command[i]]. branches has shape
// (batch, n, ...) and command holds one value per sample, coerced to an
// integer index. The model computes every branch unconditionally and loss is
// attributed to exactly one per sample, which conditions the network on the
// command without materializing a one-hot tensor.
//
// Panics if a command value falls outside [0, n): that is a programming or
// data error, not a recoverable condition.
func SelectBranch(branches *tensor.Dense, command *tensor.Dense) *tensor.Dense {
	s := branches.Shape()
	if len(s) < 2 {
		panic(fmt.Sprintf("model: branches must be at least 2D, got shape %v", s))
	}
	b, n := s[0], s[1]
	idx := commandIndices(command, b, n)

	in := denseData(branches)
	slice := len(in) / (b * n)
	out := make([]float64, b*slice)
	for i := 0; i < b; i++ {
		src := (i*n + idx[i]) * slice
		copy(out[i*slice:(i+1)*slice], in[src:src+slice])
	}

	outShape := append([]int{b}, s[2:]...)
	return newDense(out, outShape...)
}

// ScatterBranch routes a gradient w.r.t. the selected slices back into the
// stacked branch tensor: the chosen branch per sample receives the gradient,
// every other branch receives zero.
func ScatterBranch(gradSelected *tensor.Dense, command *tensor.Dense, n int) *tensor.Dense {
	s := gradSelected.Shape()
	if len(s) < 1 {
		panic(fmt.Sprintf("model: selected gradient must be at least 1D, got shape %v", s))
	}
	b := s[0]
	idx := commandIndices(command, b, n)

	in := denseData(gradSelected)
	slice := len(in) / b
	out := make([]float64, b*n*slice)
	for i := 0; i < b; i++ {
		dst := (i*n + idx[i]) * slice
		copy(out[dst:dst+slice], in[i*slice:(i+1)*slice])
	}

	outShape := append([]int{b, n}, s[1:]...)
	return newDense(out, outShape...)
}

func commandIndices(command *tensor.Dense, batch, n int) []int {
	vals := denseData(command)
	if len(vals) != batch {
		panic(fmt.Sprintf("model: command has %d values for batch of %d", len(vals), batch))
	}
	idx := make([]int, batch)
	for i, v := range vals {
		c := int(math.Trunc(v))
		if c < 0 || c >= n {
			panic(fmt.Sprintf("model: command %d out of range [0, %d) at sample %d", c, n, i))
		}
		idx[i] = c
	}
	return idx
}
