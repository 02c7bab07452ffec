package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-detect/tensor"
)

// LabelWidth is the number of values per box: class, cx, cy, w, h. Box
// coordinates are normalized to [0, 1]. Unused rows have class -1.
const LabelWidth = 5

// SyntheticConfig describes generated images.
type SyntheticConfig struct {
	Samples  int
	Width    int
	Height   int
	Channels int
	Classes  int
	MaxBoxes int
	Seed     int64
}

// Synthetic draws filled rectangles on a low-noise background. The channel
// a box is painted on depends on its class, so the class is learnable.
// Sample i is the same on every call.
type Synthetic struct {
	cfg SyntheticConfig
}

func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Channels <= 0 {
		cfg.Channels = 3
	}
	if cfg.MaxBoxes <= 0 {
		cfg.MaxBoxes = 4
	}
	if cfg.Samples < 0 || cfg.Width <= 0 || cfg.Height <= 0 || cfg.Classes <= 0 {
		return nil, fmt.Errorf("invalid synthetic dataset config %+v", cfg)
	}
	return &Synthetic{cfg: cfg}, nil
}

func (s *Synthetic) Len() int {
	return s.cfg.Samples
}

func (s *Synthetic) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= s.cfg.Samples {
		return nil, nil, fmt.Errorf("sample index %d out of range [0, %d)", idx, s.cfg.Samples)
	}
	c, h, w := s.cfg.Channels, s.cfg.Height, s.cfg.Width
	rng := rand.New(rand.NewSource(s.cfg.Seed*1_000_003 + int64(idx)))

	image, err := tensor.Zeros([]int{c, h, w})
	if err != nil {
		return nil, nil, err
	}
	for i := range image.Data {
		image.Data[i] = 0.1 * rng.Float64()
	}

	label, err := tensor.Zeros([]int{s.cfg.MaxBoxes, LabelWidth})
	if err != nil {
		return nil, nil, err
	}
	boxes := 1 + rng.Intn(s.cfg.MaxBoxes)
	for b := 0; b < s.cfg.MaxBoxes; b++ {
		row := label.Row(b)
		if b >= boxes {
			row[0] = -1
			continue
		}
		class := rng.Intn(s.cfg.Classes)
		bw := 0.1 + 0.4*rng.Float64()
		bh := 0.1 + 0.4*rng.Float64()
		cx := bw/2 + (1-bw)*rng.Float64()
		cy := bh/2 + (1-bh)*rng.Float64()
		row[0], row[1], row[2], row[3], row[4] = float64(class), cx, cy, bw, bh

		paintBox(image.Data, c, h, w, class%c, cx, cy, bw, bh)
	}
	return image, label, nil
}

func paintBox(data []float64, channels, height, width, channel int, cx, cy, bw, bh float64) {
	x0 := clamp(int((cx-bw/2)*float64(width)), 0, width-1)
	x1 := clamp(int((cx+bw/2)*float64(width)), 0, width-1)
	y0 := clamp(int((cy-bh/2)*float64(height)), 0, height-1)
	y1 := clamp(int((cy+bh/2)*float64(height)), 0, height-1)
	plane := data[channel*height*width : (channel+1)*height*width]
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			plane[y*width+x] = 1
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
