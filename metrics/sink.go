package metrics

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Sink is anything that accepts tagged scalars.
type Sink interface {
	AddScalar(tag string, value float64, step int64) error
}

// Multi forwards every scalar to each sink in order and joins their errors.
type Multi []Sink

func (m Multi) AddScalar(tag string, value float64, step int64) error {
	var errs []error
	for _, s := range m {
		if err := s.AddScalar(tag, value, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each scalar as a debug event.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) AddScalar(tag string, value float64, step int64) error {
	s.Logger.Debug().Str("tag", tag).Float64("value", value).Int64("step", step).Msg("scalar")
	return nil
}

// Recorder keeps every scalar in memory.
type Recorder struct {
	mu     sync.Mutex
	points []Point
}

func (r *Recorder) AddScalar(tag string, value float64, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, Point{Tag: tag, Step: step, Value: value})
	return nil
}

// Points returns a copy of everything recorded so far.
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Point, len(r.points))
	copy(out, r.points)
	return out
}

// Tag returns the points recorded for tag.
func (r *Recorder) Tag(tag string) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Point
	for _, p := range r.points {
		if p.Tag == tag {
			out = append(out, p)
		}
	}
	return out
}

// Steps returns the distinct steps in arrival order.
func (r *Recorder) Steps() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, p := range r.points {
		if len(out) == 0 || out[len(out)-1] != p.Step {
			out = append(out, p.Step)
		}
	}
	return out
}
