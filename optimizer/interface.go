package optimizer

import (
	"fmt"
)

// Optimizer updates the parameters of its groups from their accumulated
// gradients. Implementations keep their moment buffers private and are not
// safe for concurrent use.
type Optimizer interface {
	// Step applies one update to every trainable parameter with a gradient.
	Step() error

	// ZeroGrad clears the gradients of every parameter in every group.
	ZeroGrad()

	// Groups returns the bound parameter groups. Schedulers adjust LR in place.
	Groups() []*ParameterGroup

	// LR returns the learning rate of the first group.
	LR() float64

	// Kind identifies the update rule.
	Kind() Kind
}

// Config holds the hyperparameters shared by every optimizer kind. Fields a
// kind does not use are ignored.
type Config struct {
	Kind        Kind
	WeightDecay float64
	Momentum    float64 // SGD only
	Beta1       float64 // Adam
	Beta2       float64 // Adam
	Alpha       float64 // RMSProp smoothing constant
	Epsilon     float64 // Adam, RMSProp
}

// DefaultConfig returns defaults for kind. SGD momentum is 0.9.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:     kind,
		Momentum: 0.9,
		Beta1:    0.9,
		Beta2:    0.999,
		Alpha:    0.99,
		Epsilon:  1e-8,
	}
}

// New builds the optimizer selected by cfg.Kind over groups.
func New(groups []*ParameterGroup, cfg Config) (Optimizer, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}
	for _, g := range groups {
		if g.LR < 0 {
			return nil, fmt.Errorf("group %s: learning rate cannot be negative: %f", g.Name, g.LR)
		}
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", cfg.WeightDecay)
	}

	switch cfg.Kind {
	case Adam, AdamAMSGrad:
		if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
			return nil, fmt.Errorf("adam betas must be in [0, 1), got (%f, %f)", cfg.Beta1, cfg.Beta2)
		}
		return newAdam(groups, cfg.Beta1, cfg.Beta2, cfg.Epsilon, cfg.WeightDecay, cfg.Kind == AdamAMSGrad), nil
	case RMSProp:
		if cfg.Alpha < 0 || cfg.Alpha >= 1 {
			return nil, fmt.Errorf("rmsprop alpha must be in [0, 1), got %f", cfg.Alpha)
		}
		return newRMSProp(groups, cfg.Alpha, cfg.Epsilon, cfg.WeightDecay), nil
	default:
		if cfg.Momentum < 0 {
			return nil, fmt.Errorf("momentum cannot be negative: %f", cfg.Momentum)
		}
		if cfg.Kind == SGDNesterov && cfg.Momentum == 0 {
			return nil, fmt.Errorf("nesterov requires momentum > 0")
		}
		return newSGD(groups, cfg.Momentum, cfg.WeightDecay, cfg.Kind == SGDNesterov), nil
	}
}

// zeroGrad clears gradients for every parameter in groups.
func zeroGrad(groups []*ParameterGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

func firstLR(groups []*ParameterGroup) float64 {
	if len(groups) == 0 {
		return 0
	}
	return groups[0].LR
}

// gradWithDecay returns grad + weightDecay*param as a fresh slice, or grad
// itself when no decay is configured.
func gradWithDecay(data, grad []float64, weightDecay float64) []float64 {
	if weightDecay == 0 {
		return grad
	}
	out := make([]float64, len(grad))
	for i := range grad {
		out[i] = grad[i] + weightDecay*data[i]
	}
	return out
}
