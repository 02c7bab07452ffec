package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detect/tensor"
)

// RMSPropOptimizer scales each update by a moving average of squared
// gradients.
type RMSPropOptimizer struct {
	groups      []*ParameterGroup
	alpha       float64
	eps         float64
	weightDecay float64
	squareAvg   map[*tensor.Parameter][]float64
}

func newRMSProp(groups []*ParameterGroup, alpha, eps, weightDecay float64) *RMSPropOptimizer {
	return &RMSPropOptimizer{
		groups:      groups,
		alpha:       alpha,
		eps:         eps,
		weightDecay: weightDecay,
		squareAvg:   make(map[*tensor.Parameter][]float64),
	}
}

// Step performs a single optimization step
func (r *RMSPropOptimizer) Step() error {
	for _, g := range r.groups {
		for _, p := range g.Params {
			if !p.RequiresGrad || p.Grad == nil {
				continue
			}
			if len(p.Grad) != len(p.Data) {
				return fmt.Errorf("parameter %s: gradient length %d does not match data length %d", p.Name, len(p.Grad), len(p.Data))
			}

			grad := gradWithDecay(p.Data, p.Grad, r.weightDecay)

			sq, ok := r.squareAvg[p]
			if !ok {
				sq = make([]float64, len(p.Data))
				r.squareAvg[p] = sq
			}

			// squared_avg = alpha * squared_avg + (1 - alpha) * grad^2
			for i := range p.Data {
				sq[i] = r.alpha*sq[i] + (1-r.alpha)*grad[i]*grad[i]
				p.Data[i] -= g.LR * grad[i] / (math.Sqrt(sq[i]) + r.eps)
			}
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (r *RMSPropOptimizer) ZeroGrad() { zeroGrad(r.groups) }

func (r *RMSPropOptimizer) Groups() []*ParameterGroup { return r.groups }

func (r *RMSPropOptimizer) LR() float64 { return firstLR(r.groups) }

func (r *RMSPropOptimizer) Kind() Kind { return RMSProp }

