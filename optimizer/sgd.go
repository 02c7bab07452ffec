package optimizer

import (
	"fmt"

	"github.com/tsawler/go-detect/tensor"
)

// SGDOptimizer implements stochastic gradient descent with classical or
// Nesterov momentum and L2 weight decay.
type SGDOptimizer struct {
	groups      []*ParameterGroup
	momentum    float64
	weightDecay float64
	nesterov    bool
	velocities  map[*tensor.Parameter][]float64
}

func newSGD(groups []*ParameterGroup, momentum, weightDecay float64, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		groups:      groups,
		momentum:    momentum,
		weightDecay: weightDecay,
		nesterov:    nesterov,
		velocities:  make(map[*tensor.Parameter][]float64),
	}
}

// Step performs a single optimization step
func (s *SGDOptimizer) Step() error {
	for _, g := range s.groups {
		for _, p := range g.Params {
			if !p.RequiresGrad || p.Grad == nil {
				continue
			}
			if len(p.Grad) != len(p.Data) {
				return fmt.Errorf("parameter %s: gradient length %d does not match data length %d", p.Name, len(p.Grad), len(p.Data))
			}

			grad := gradWithDecay(p.Data, p.Grad, s.weightDecay)

			if s.momentum > 0 {
				velocity, ok := s.velocities[p]
				if !ok {
					// First step seeds the buffer with the gradient itself
					velocity = append([]float64(nil), grad...)
					s.velocities[p] = velocity
				} else {
					for i := range velocity {
						velocity[i] = s.momentum*velocity[i] + grad[i]
					}
				}

				if s.nesterov {
					// grad = grad + momentum * velocity
					nesterovGrad := make([]float64, len(grad))
					for i := range grad {
						nesterovGrad[i] = grad[i] + s.momentum*velocity[i]
					}
					grad = nesterovGrad
				} else {
					grad = velocity
				}
			}

			for i := range p.Data {
				p.Data[i] -= g.LR * grad[i]
			}
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (s *SGDOptimizer) ZeroGrad() { zeroGrad(s.groups) }

func (s *SGDOptimizer) Groups() []*ParameterGroup { return s.groups }

func (s *SGDOptimizer) LR() float64 { return firstLR(s.groups) }

func (s *SGDOptimizer) Kind() Kind {
	if s.nesterov {
		return SGDNesterov
	}
	return SGD
}

