package tensor

import (
	"fmt"
)

// Tensor is a dense float64 array on the CPU. Grad has the same length as
// Data once a gradient has been seeded or accumulated into it.
type Tensor struct {
	Shape    []int
	Data     []float64
	Grad     []float64
	NumElems int
}

// New wraps data in a tensor of the given shape.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Data:     data,
		NumElems: n,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return New(shape, make([]float64, calculateNumElements(shape)))
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// EnsureGrad allocates the gradient buffer if it is missing.
func (t *Tensor) EnsureGrad() []float64 {
	if len(t.Grad) != len(t.Data) {
		t.Grad = make([]float64, len(t.Data))
	}
	return t.Grad
}

// ZeroGrad clears the gradient buffer in place.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Row returns the i-th slice along the first dimension.
func (t *Tensor) Row(i int) []float64 {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil
	}
	stride := t.NumElems / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// SameShape reports whether both shapes have identical dimensions.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
