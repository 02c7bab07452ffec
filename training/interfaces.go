package training

import (
	"github.com/tsawler/go-detect/tensor"
)

// Batch is one step's worth of images and their labels.
type Batch struct {
	Images *tensor.Tensor
	Labels *tensor.Tensor
}

// Network is the detector being trained. Forward returns one output per
// head in head order. Backward propagates the gradients the criteria seeded
// into each output's Grad down to the parameters.
type Network interface {
	Parameters() []*tensor.Parameter
	InBackbone(p *tensor.Parameter) bool
	Forward(batch *Batch) ([]*tensor.Tensor, error)
	Backward(outputs []*tensor.Tensor) error
}

// Criterion computes the loss of one head and seeds out.Grad with the
// gradient of the total with respect to out.
type Criterion interface {
	Compute(out *tensor.Tensor, labels *tensor.Tensor) (LossComponents, error)
}

// Loader yields batches for one epoch. Next returns nil at the end of the
// epoch; Reset starts the next one.
type Loader interface {
	Len() int
	Reset()
	Next() (*Batch, error)
}

// ScalarSink receives tagged scalars at strictly increasing steps.
type ScalarSink interface {
	AddScalar(tag string, value float64, step int64) error
}

// TrainingState is the mutable position of a run.
type TrainingState struct {
	GlobalStep   int64
	Epoch        int
	LearningRate float64
}
