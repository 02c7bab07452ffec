package optimizer

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-detect/tensor"
)

// Group names produced by BuildParameterGroups.
const (
	HeadGroup     = "head"
	BackboneGroup = "backbone"
)

var (
	// ErrNoBackbone is returned when the module reports no backbone parameters.
	ErrNoBackbone = errors.New("module exposes no backbone parameters")
	// ErrDuplicateParameter is returned when a parameter is listed twice.
	ErrDuplicateParameter = errors.New("parameter listed more than once")
)

// Module is the part of a network the optimizer needs: its full parameter
// list and a membership test for the shared feature extractor.
type Module interface {
	Parameters() []*tensor.Parameter
	InBackbone(p *tensor.Parameter) bool
}

// ParameterGroup is a named set of trainable parameters sharing one learning
// rate. InitialLR is the rate schedulers decay from.
type ParameterGroup struct {
	Name      string
	Params    []*tensor.Parameter
	LR        float64
	InitialLR float64
}

func (g *ParameterGroup) String() string {
	return fmt.Sprintf("ParameterGroup(%s, params=%d, lr=%g)", g.Name, len(g.Params), g.LR)
}

// LRConfig selects per-group learning rates.
type LRConfig struct {
	BackboneLR     float64
	OtherLR        float64
	FreezeBackbone bool
}

// BuildParameterGroups partitions m's parameters into head and backbone
// groups. With FreezeBackbone set, backbone parameters are marked
// non-trainable and only the head group is returned. Parameters that are
// already frozen never appear in a group.
func BuildParameterGroups(m Module, cfg LRConfig) ([]*ParameterGroup, error) {
	head := &ParameterGroup{Name: HeadGroup, LR: cfg.OtherLR, InitialLR: cfg.OtherLR}
	backbone := &ParameterGroup{Name: BackboneGroup, LR: cfg.BackboneLR, InitialLR: cfg.BackboneLR}

	seen := make(map[*tensor.Parameter]struct{})
	backboneCount := 0
	for _, p := range m.Parameters() {
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParameter, p.Name)
		}
		seen[p] = struct{}{}

		if m.InBackbone(p) {
			backboneCount++
			if cfg.FreezeBackbone {
				p.RequiresGrad = false
				continue
			}
			if p.RequiresGrad {
				backbone.Params = append(backbone.Params, p)
			}
			continue
		}
		if p.RequiresGrad {
			head.Params = append(head.Params, p)
		}
	}

	if backboneCount == 0 {
		return nil, ErrNoBackbone
	}
	if cfg.FreezeBackbone {
		return []*ParameterGroup{head}, nil
	}
	return []*ParameterGroup{head, backbone}, nil
}
