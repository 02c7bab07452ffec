package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-detect/optimizer"
)

// LRScheduler scales every group's initial rate by a per-epoch factor.
// Factor(0) is 1 for every schedule, so epoch 0 trains at the configured
// rates.
type LRScheduler interface {
	Factor(epoch int) float64
	Name() string
}

// Advance sets each group's rate for epoch and returns the rate of the first
// group. The rate is always derived from InitialLR, never from the current
// LR, so repeated calls for the same epoch are idempotent.
func Advance(s LRScheduler, groups []*optimizer.ParameterGroup, epoch int) float64 {
	factor := s.Factor(epoch)
	for _, g := range groups {
		g.LR = g.InitialLR * factor
	}
	if len(groups) == 0 {
		return 0
	}
	return groups[0].LR
}

// StepLR multiplies the rate by Gamma once every Every epochs.
type StepLR struct {
	Every int
	Gamma float64
}

func (s StepLR) Factor(epoch int) float64 {
	return math.Pow(s.Gamma, float64(epoch/s.Every))
}

func (StepLR) Name() string { return "step" }

// ExponentialLR multiplies the rate by Gamma every epoch.
type ExponentialLR struct {
	Gamma float64
}

func (s ExponentialLR) Factor(epoch int) float64 {
	return math.Pow(s.Gamma, float64(epoch))
}

func (ExponentialLR) Name() string { return "exponential" }

// CosineLR follows half a cosine from 1 down to Floor over Epochs epochs and
// holds Floor afterwards.
type CosineLR struct {
	Epochs int
	Floor  float64
}

func (s CosineLR) Factor(epoch int) float64 {
	if epoch >= s.Epochs {
		return s.Floor
	}
	progress := float64(epoch) / float64(s.Epochs)
	return s.Floor + (1-s.Floor)*(1+math.Cos(math.Pi*progress))/2
}

func (CosineLR) Name() string { return "cosine" }

// ConstantLR keeps the initial rates.
type ConstantLR struct{}

func (ConstantLR) Factor(int) float64 { return 1 }

func (ConstantLR) Name() string { return "constant" }

// SchedulerConfig selects a schedule by name: step (default), exponential,
// cosine or constant. MaxEpochs is the cosine period.
type SchedulerConfig struct {
	Name      string
	StepSize  int
	Gamma     float64
	MaxEpochs int
}

func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	switch name {
	case "", "step", "exponential":
		if cfg.Gamma <= 0 || cfg.Gamma > 1 {
			return nil, fmt.Errorf("lr gamma must be in (0, 1], got %g", cfg.Gamma)
		}
	}

	switch name {
	case "", "step":
		if cfg.StepSize <= 0 {
			return nil, fmt.Errorf("lr step size must be positive, got %d", cfg.StepSize)
		}
		return StepLR{Every: cfg.StepSize, Gamma: cfg.Gamma}, nil
	case "exponential":
		return ExponentialLR{Gamma: cfg.Gamma}, nil
	case "cosine":
		return CosineLR{Epochs: max(cfg.MaxEpochs, 1)}, nil
	case "constant":
		return ConstantLR{}, nil
	default:
		return nil, fmt.Errorf("unknown lr schedule %q", cfg.Name)
	}
}
