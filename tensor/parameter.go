package tensor

import "fmt"

// Parameter is a named trainable tensor owned by a network. RequiresGrad is
// the freeze flag: optimizers never touch a parameter with RequiresGrad false.
type Parameter struct {
	Name         string
	RequiresGrad bool
	*Tensor
}

// NewParameter allocates a zero-initialised trainable parameter.
func NewParameter(name string, shape ...int) (*Parameter, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	return &Parameter{Name: name, RequiresGrad: true, Tensor: t}, nil
}

// MustParameter is NewParameter for statically known shapes.
func MustParameter(name string, shape ...int) *Parameter {
	p, err := NewParameter(name, shape...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(%s, shape=%v, requires_grad=%t)", p.Name, p.Shape, p.RequiresGrad)
}

// CountElements sums the element counts of params. When trainableOnly is set
// frozen parameters are skipped.
func CountElements(params []*Parameter, trainableOnly bool) int {
	total := 0
	for _, p := range params {
		if trainableOnly && !p.RequiresGrad {
			continue
		}
		total += p.NumElems
	}
	return total
}
