package training

import (
	"errors"
	"fmt"
)

// NumScales is the number of detection heads, ordered from the lowest to
// the highest output resolution.
const NumScales = 3

// ErrHeadCount is returned when the number of per-head results differs
// from NumScales.
var ErrHeadCount = errors.New("head count mismatch")

// ComponentNames are the metric tags of the loss components, in the order
// Values returns them.
var ComponentNames = [...]string{"total_loss", "x", "y", "w", "h", "conf", "cls"}

// LossComponents is the loss of one head, or the sum over heads.
type LossComponents struct {
	Total float64
	X     float64
	Y     float64
	W     float64
	H     float64
	Conf  float64
	Cls   float64
}

// Values returns the components in ComponentNames order.
func (c LossComponents) Values() [len(ComponentNames)]float64 {
	return [len(ComponentNames)]float64{c.Total, c.X, c.Y, c.W, c.H, c.Conf, c.Cls}
}

// Add returns the component-wise sum of c and o.
func (c LossComponents) Add(o LossComponents) LossComponents {
	return LossComponents{
		Total: c.Total + o.Total,
		X:     c.X + o.X,
		Y:     c.Y + o.Y,
		W:     c.W + o.W,
		H:     c.H + o.H,
		Conf:  c.Conf + o.Conf,
		Cls:   c.Cls + o.Cls,
	}
}

// AggregateLosses sums per-head losses in head order.
func AggregateLosses(heads []LossComponents) (LossComponents, error) {
	if len(heads) != NumScales {
		return LossComponents{}, fmt.Errorf("%w: got %d heads, expected %d", ErrHeadCount, len(heads), NumScales)
	}
	var sum LossComponents
	for _, h := range heads {
		sum = sum.Add(h)
	}
	return sum, nil
}
