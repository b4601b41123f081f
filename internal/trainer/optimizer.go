package trainer

import (
	"math"

	"github.com/nveshaan/offroad-navigation/internal/model"
)

// Adam applies adaptive-moment gradient updates to a fixed set of
// parameters. Moment buffers are keyed by parameter name and allocated
// lazily on the first step.
type Adam struct {
	lr      float64
	beta1   float64
	beta2   float64
	epsilon float64
	step    int

	params []*model.Param
	m      map[string][]float64
	v      map[string][]float64
}

// NewAdam builds an optimizer over params with standard defaults
// (beta1=0.9, beta2=0.999, eps=1e-8).
func NewAdam(params []*model.Param, lr float64) *Adam {
	return &Adam{
		lr:      lr,
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-8,
		params:  params,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
	}
}

// Step applies one update from the accumulated gradients.
func (opt *Adam) Step() {
	opt.step++
	correction1 := 1 - math.Pow(opt.beta1, float64(opt.step))
	correction2 := 1 - math.Pow(opt.beta2, float64(opt.step))

	for _, p := range opt.params {
		m := opt.m[p.Name]
		if m == nil {
			m = make([]float64, len(p.Data))
			opt.m[p.Name] = m
			opt.v[p.Name] = make([]float64, len(p.Data))
		}
		v := opt.v[p.Name]

		for j, grad := range p.Grad {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad
			mHat := m[j] / correction1
			vHat := v[j] / correction2
			p.Data[j] -= opt.lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}
