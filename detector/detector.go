// Package detector is a small CPU reference detector: a pooled-feature
// backbone shared by three dense detection heads, one per output scale,
// plus the matching YOLO-style per-head loss.
package detector

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-detect/tensor"
	"github.com/tsawler/go-detect/training"
)

// Strides of the three heads, lowest output resolution first.
var Strides = [training.NumScales]int{32, 16, 8}

// Config describes the network shape.
type Config struct {
	ImgW     int
	ImgH     int
	Channels int
	Pool     int // Backbone input is a Pool x Pool average per channel
	Hidden   int
	Classes  int
	Anchors  [][][]int // Per scale, [w, h] in pixels
	Seed     int64
}

// Grid returns the output grid of head i: image size over stride, at least 1.
func (c Config) Grid(i int) (gw, gh int) {
	gw = c.ImgW / Strides[i]
	gh = c.ImgH / Strides[i]
	if gw < 1 {
		gw = 1
	}
	if gh < 1 {
		gh = 1
	}
	return gw, gh
}

// Attributes is the number of values predicted per anchor.
func (c Config) Attributes() int {
	return 5 + c.Classes
}

type linear struct {
	weight *tensor.Parameter // [out, in]
	bias   *tensor.Parameter // [out]
	in     int
	out    int
}

func newLinear(name string, in, out int, rng *rand.Rand) (linear, error) {
	w, err := tensor.NewParameter(name+".weight", out, in)
	if err != nil {
		return linear{}, err
	}
	b, err := tensor.NewParameter(name+".bias", out)
	if err != nil {
		return linear{}, err
	}
	bound := 1 / math.Sqrt(float64(in))
	for i := range w.Data {
		w.Data[i] = (2*rng.Float64() - 1) * bound
	}
	return linear{weight: w, bias: b, in: in, out: out}, nil
}

func (l linear) forward(x, y []float64) {
	for o := 0; o < l.out; o++ {
		y[o] = l.bias.Data[o] + floats.Dot(l.weight.Row(o), x)
	}
}

// backward accumulates parameter gradients for dy and, when dx is not nil,
// adds the input gradient to dx.
func (l linear) backward(x, dy, dx []float64) {
	if l.weight.RequiresGrad {
		wg := l.weight.EnsureGrad()
		for o := 0; o < l.out; o++ {
			floats.AddScaled(wg[o*l.in:(o+1)*l.in], dy[o], x)
		}
	}
	if l.bias.RequiresGrad {
		floats.Add(l.bias.EnsureGrad(), dy)
	}
	if dx != nil {
		for o := 0; o < l.out; o++ {
			floats.AddScaled(dx, dy[o], l.weight.Row(o))
		}
	}
}

// Detector implements training.Network.
type Detector struct {
	cfg      Config
	backbone linear
	heads    [training.NumScales]linear
	params   []*tensor.Parameter

	// Activations kept from the last Forward for Backward.
	features [][]float64
	hidden   [][]float64
}

func New(cfg Config) (*Detector, error) {
	if cfg.Channels <= 0 {
		cfg.Channels = 3
	}
	if cfg.ImgW <= 0 || cfg.ImgH <= 0 || cfg.Pool <= 0 || cfg.Hidden <= 0 || cfg.Classes <= 0 {
		return nil, fmt.Errorf("invalid detector config %+v", cfg)
	}
	if len(cfg.Anchors) != training.NumScales {
		return nil, fmt.Errorf("%w: %d anchor scales", training.ErrHeadCount, len(cfg.Anchors))
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	d := &Detector{cfg: cfg}

	var err error
	in := cfg.Channels * cfg.Pool * cfg.Pool
	d.backbone, err = newLinear("backbone.fc", in, cfg.Hidden, rng)
	if err != nil {
		return nil, err
	}
	d.params = append(d.params, d.backbone.weight, d.backbone.bias)

	for i := range d.heads {
		if len(cfg.Anchors[i]) == 0 {
			return nil, fmt.Errorf("scale %d has no anchors", i)
		}
		gw, gh := cfg.Grid(i)
		out := gw * gh * len(cfg.Anchors[i]) * cfg.Attributes()
		d.heads[i], err = newLinear(fmt.Sprintf("head%d", i), cfg.Hidden, out, rng)
		if err != nil {
			return nil, err
		}
		d.params = append(d.params, d.heads[i].weight, d.heads[i].bias)
	}
	return d, nil
}

func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) Parameters() []*tensor.Parameter {
	return d.params
}

func (d *Detector) InBackbone(p *tensor.Parameter) bool {
	return p == d.backbone.weight || p == d.backbone.bias
}

// Forward returns one tensor per head shaped [B, gh, gw, anchors, 5+classes]
// holding raw logits.
func (d *Detector) Forward(batch *training.Batch) ([]*tensor.Tensor, error) {
	if batch == nil || batch.Images == nil {
		return nil, fmt.Errorf("batch has no images")
	}
	images := batch.Images
	want := []int{images.Shape[0], d.cfg.Channels, d.cfg.ImgH, d.cfg.ImgW}
	if !tensor.SameShape(images.Shape, want) {
		return nil, fmt.Errorf("image batch shape %v, expected %v", images.Shape, want)
	}
	n := images.Shape[0]

	d.features = make([][]float64, n)
	d.hidden = make([][]float64, n)
	for b := 0; b < n; b++ {
		d.features[b] = d.pool(images.Row(b))
		h := make([]float64, d.cfg.Hidden)
		d.backbone.forward(d.features[b], h)
		for i := range h {
			h[i] = math.Tanh(h[i])
		}
		d.hidden[b] = h
	}

	outputs := make([]*tensor.Tensor, training.NumScales)
	for i, head := range d.heads {
		gw, gh := d.cfg.Grid(i)
		out, err := tensor.Zeros([]int{n, gh, gw, len(d.cfg.Anchors[i]), d.cfg.Attributes()})
		if err != nil {
			return nil, err
		}
		for b := 0; b < n; b++ {
			head.forward(d.hidden[b], out.Row(b))
		}
		outputs[i] = out
	}
	return outputs, nil
}

// Backward propagates the gradients seeded in each output's Grad.
func (d *Detector) Backward(outputs []*tensor.Tensor) error {
	if len(outputs) != training.NumScales {
		return fmt.Errorf("%w: %d outputs", training.ErrHeadCount, len(outputs))
	}
	if d.hidden == nil {
		return fmt.Errorf("backward called before forward")
	}
	n := len(d.hidden)
	for i, out := range outputs {
		if len(out.Grad) != len(out.Data) || out.Shape[0] != n {
			return fmt.Errorf("head %d output has no gradient for a batch of %d", i, n)
		}
	}

	for b := 0; b < n; b++ {
		dh := make([]float64, d.cfg.Hidden)
		for i, head := range d.heads {
			stride := outputs[i].NumElems / n
			head.backward(d.hidden[b], outputs[i].Grad[b*stride:(b+1)*stride], dh)
		}
		for j, a := range d.hidden[b] {
			dh[j] *= 1 - a*a
		}
		d.backbone.backward(d.features[b], dh, nil)
	}
	return nil
}

// pool averages each channel of a [C, H, W] image over a Pool x Pool grid.
func (d *Detector) pool(image []float64) []float64 {
	c, h, w, p := d.cfg.Channels, d.cfg.ImgH, d.cfg.ImgW, d.cfg.Pool
	out := make([]float64, 0, c*p*p)
	for ch := 0; ch < c; ch++ {
		plane := image[ch*h*w : (ch+1)*h*w]
		for py := 0; py < p; py++ {
			y0, y1 := span(py, p, h)
			for px := 0; px < p; px++ {
				x0, x1 := span(px, p, w)
				sum := 0.0
				for y := y0; y < y1; y++ {
					sum += floats.Sum(plane[y*w+x0 : y*w+x1])
				}
				out = append(out, sum/float64((y1-y0)*(x1-x0)))
			}
		}
	}
	return out
}

// span returns the half-open pixel range of pool cell i, never empty.
func span(i, cells, size int) (int, int) {
	lo := i * size / cells
	hi := (i + 1) * size / cells
	if lo >= size {
		lo = size - 1
	}
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// Criteria returns one loss per head configured to match the network.
func (d *Detector) Criteria() []training.Criterion {
	out := make([]training.Criterion, training.NumScales)
	for i := range out {
		gw, gh := d.cfg.Grid(i)
		out[i] = NewYOLOLoss(LossConfig{
			Anchors: d.cfg.Anchors[i],
			Classes: d.cfg.Classes,
			ImgW:    d.cfg.ImgW,
			ImgH:    d.cfg.ImgH,
			GridW:   gw,
			GridH:   gh,
		})
	}
	return out
}
