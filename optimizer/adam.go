package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detect/tensor"
)

// AdamOptimizer implements Adam with L2 weight decay. With amsgrad set the
// denominator uses the running maximum of the second moment estimate.
type AdamOptimizer struct {
	groups      []*ParameterGroup
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	amsgrad     bool
	stepCount   uint64

	m      map[*tensor.Parameter][]float64 // First moment estimates
	v      map[*tensor.Parameter][]float64 // Second moment estimates
	maxV   map[*tensor.Parameter][]float64 // Running max of v (AMSGrad only)
	counts map[*tensor.Parameter]int       // Per-parameter step for bias correction
}

func newAdam(groups []*ParameterGroup, beta1, beta2, eps, weightDecay float64, amsgrad bool) *AdamOptimizer {
	return &AdamOptimizer{
		groups:      groups,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		amsgrad:     amsgrad,
		m:           make(map[*tensor.Parameter][]float64),
		v:           make(map[*tensor.Parameter][]float64),
		maxV:        make(map[*tensor.Parameter][]float64),
		counts:      make(map[*tensor.Parameter]int),
	}
}

// Step performs a single optimization step
func (a *AdamOptimizer) Step() error {
	a.stepCount++
	for _, g := range a.groups {
		for _, p := range g.Params {
			if !p.RequiresGrad || p.Grad == nil {
				continue
			}
			if len(p.Grad) != len(p.Data) {
				return fmt.Errorf("parameter %s: gradient length %d does not match data length %d", p.Name, len(p.Grad), len(p.Data))
			}

			grad := gradWithDecay(p.Data, p.Grad, a.weightDecay)

			m, ok := a.m[p]
			if !ok {
				m = make([]float64, len(p.Data))
				a.m[p] = m
				a.v[p] = make([]float64, len(p.Data))
				if a.amsgrad {
					a.maxV[p] = make([]float64, len(p.Data))
				}
			}
			v := a.v[p]
			maxV := a.maxV[p]

			a.counts[p]++
			step := float64(a.counts[p])
			bias1 := 1.0 - math.Pow(a.beta1, step)
			bias2 := 1.0 - math.Pow(a.beta2, step)

			for i := range p.Data {
				m[i] = a.beta1*m[i] + (1-a.beta1)*grad[i]
				v[i] = a.beta2*v[i] + (1-a.beta2)*grad[i]*grad[i]

				second := v[i]
				if a.amsgrad {
					if v[i] > maxV[i] {
						maxV[i] = v[i]
					}
					second = maxV[i]
				}

				denom := math.Sqrt(second)/math.Sqrt(bias2) + a.eps
				p.Data[i] -= (g.LR / bias1) * m[i] / denom
			}
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (a *AdamOptimizer) ZeroGrad() { zeroGrad(a.groups) }

func (a *AdamOptimizer) Groups() []*ParameterGroup { return a.groups }

func (a *AdamOptimizer) LR() float64 { return firstLR(a.groups) }

func (a *AdamOptimizer) Kind() Kind {
	if a.amsgrad {
		return AdamAMSGrad
	}
	return Adam
}

