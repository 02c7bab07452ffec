package training

import (
	"fmt"
)

// Scalar is one tagged value.
type Scalar struct {
	Tag   string
	Value float64
}

// MetricReporter forwards step scalars to a sink.
type MetricReporter struct {
	sink ScalarSink
}

func NewMetricReporter(sink ScalarSink) *MetricReporter {
	return &MetricReporter{sink: sink}
}

// Report writes every scalar at step. It stops at the first sink error.
func (r *MetricReporter) Report(step int64, scalars []Scalar) error {
	if r == nil || r.sink == nil {
		return nil
	}
	for _, s := range scalars {
		if err := r.sink.AddScalar(s.Tag, s.Value, step); err != nil {
			return fmt.Errorf("report %s at step %d: %w", s.Tag, step, err)
		}
	}
	return nil
}

// StepScalars lays out the scalars of a metrics step: lr, example/sec,
// then each loss component.
func StepScalars(lr, examplesPerSec float64, loss LossComponents) []Scalar {
	values := loss.Values()
	out := make([]Scalar, 0, 2+len(values))
	out = append(out, Scalar{Tag: "lr", Value: lr}, Scalar{Tag: "example/sec", Value: examplesPerSec})
	for i, name := range ComponentNames {
		out = append(out, Scalar{Tag: name, Value: values[i]})
	}
	return out
}
