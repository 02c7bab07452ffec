package detector

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detect/tensor"
	"github.com/tsawler/go-detect/training"
)

// Label layout, matching dataset.LabelWidth.
const (
	labelClass = iota
	labelCX
	labelCY
	labelW
	labelH
	labelWidth
)

// LossConfig configures one head's loss. Zero lambdas and threshold take
// the defaults 2.5 (xy), 2.5 (wh), 1 (conf), 1 (cls) and 0.5.
type LossConfig struct {
	Anchors         [][]int
	Classes         int
	ImgW            int
	ImgH            int
	GridW           int
	GridH           int
	IgnoreThreshold float64
	LambdaXY        float64
	LambdaWH        float64
	LambdaConf      float64
	LambdaCls       float64
}

// YOLOLoss scores one head's logits against box labels.
//
// Each box is assigned to the grid cell holding its center and to the
// anchor with the best shape IoU. x, y, conf and cls are binary cross
// entropy on sigmoid outputs; w and h are squared error on the log scale
// relative to the anchor. Every term is a mean over all cells and anchors
// of the batch. Anchors whose IoU with a box exceeds IgnoreThreshold are
// not penalised as background.
type YOLOLoss struct {
	cfg LossConfig
}

func NewYOLOLoss(cfg LossConfig) *YOLOLoss {
	if cfg.IgnoreThreshold == 0 {
		cfg.IgnoreThreshold = 0.5
	}
	if cfg.LambdaXY == 0 {
		cfg.LambdaXY = 2.5
	}
	if cfg.LambdaWH == 0 {
		cfg.LambdaWH = 2.5
	}
	if cfg.LambdaConf == 0 {
		cfg.LambdaConf = 1
	}
	if cfg.LambdaCls == 0 {
		cfg.LambdaCls = 1
	}
	return &YOLOLoss{cfg: cfg}
}

type target struct {
	obj    bool
	noobj  bool
	tx, ty float64
	tw, th float64
	class  int
}

// Compute returns the loss components and seeds out.Grad with the gradient
// of Total.
func (l *YOLOLoss) Compute(out *tensor.Tensor, labels *tensor.Tensor) (training.LossComponents, error) {
	cfg := l.cfg
	anchors := len(cfg.Anchors)
	attrs := 5 + cfg.Classes
	if len(out.Shape) != 5 || out.Shape[1] != cfg.GridH || out.Shape[2] != cfg.GridW ||
		out.Shape[3] != anchors || out.Shape[4] != attrs {
		return training.LossComponents{}, fmt.Errorf("output shape %v does not match grid %dx%d with %d anchors and %d attributes",
			out.Shape, cfg.GridW, cfg.GridH, anchors, attrs)
	}
	batch := out.Shape[0]
	if labels == nil || len(labels.Shape) != 3 || labels.Shape[0] != batch || labels.Shape[2] != labelWidth {
		return training.LossComponents{}, fmt.Errorf("labels must be [%d, boxes, %d]", batch, labelWidth)
	}

	targets, err := l.buildTargets(batch, labels)
	if err != nil {
		return training.LossComponents{}, err
	}

	n := float64(len(targets))
	grad := out.EnsureGrad()
	var loss training.LossComponents
	for k, t := range targets {
		o := out.Data[k*attrs : (k+1)*attrs]
		g := grad[k*attrs : (k+1)*attrs]

		if t.obj {
			loss.X += bceWithLogits(o[0], t.tx) / n
			loss.Y += bceWithLogits(o[1], t.ty) / n
			dw, dh := o[2]-t.tw, o[3]-t.th
			loss.W += dw * dw / n
			loss.H += dh * dh / n
			loss.Conf += bceWithLogits(o[4], 1) / n

			g[0] = cfg.LambdaXY * (sigmoid(o[0]) - t.tx) / n
			g[1] = cfg.LambdaXY * (sigmoid(o[1]) - t.ty) / n
			g[2] = cfg.LambdaWH * 2 * dw / n
			g[3] = cfg.LambdaWH * 2 * dh / n
			g[4] = cfg.LambdaConf * (sigmoid(o[4]) - 1) / n

			scale := n * float64(cfg.Classes)
			for c := 0; c < cfg.Classes; c++ {
				tc := 0.0
				if c == t.class {
					tc = 1
				}
				loss.Cls += bceWithLogits(o[5+c], tc) / scale
				g[5+c] = cfg.LambdaCls * (sigmoid(o[5+c]) - tc) / scale
			}
			continue
		}

		for i := range g {
			g[i] = 0
		}
		if t.noobj {
			loss.Conf += 0.5 * bceWithLogits(o[4], 0) / n
			g[4] = cfg.LambdaConf * 0.5 * sigmoid(o[4]) / n
		}
	}

	loss.Total = cfg.LambdaXY*(loss.X+loss.Y) + cfg.LambdaWH*(loss.W+loss.H) +
		cfg.LambdaConf*loss.Conf + cfg.LambdaCls*loss.Cls
	return loss, nil
}

// buildTargets lays targets out in the same order as the output tensor:
// batch, row, column, anchor.
func (l *YOLOLoss) buildTargets(batch int, labels *tensor.Tensor) ([]target, error) {
	cfg := l.cfg
	anchors := len(cfg.Anchors)
	targets := make([]target, batch*cfg.GridH*cfg.GridW*anchors)
	for i := range targets {
		targets[i].noobj = true
	}
	index := func(b, gy, gx, a int) int {
		return ((b*cfg.GridH+gy)*cfg.GridW+gx)*anchors + a
	}

	boxes := labels.Shape[1]
	for b := 0; b < batch; b++ {
		rows := labels.Row(b)
		for j := 0; j < boxes; j++ {
			row := rows[j*labelWidth : (j+1)*labelWidth]
			if row[labelClass] < 0 {
				continue
			}
			class := int(row[labelClass])
			if class >= cfg.Classes {
				return nil, fmt.Errorf("label class %d out of range [0, %d)", class, cfg.Classes)
			}
			if row[labelW] <= 0 || row[labelH] <= 0 {
				continue
			}

			gx := clampIndex(int(row[labelCX]*float64(cfg.GridW)), cfg.GridW)
			gy := clampIndex(int(row[labelCY]*float64(cfg.GridH)), cfg.GridH)
			bw := row[labelW] * float64(cfg.ImgW)
			bh := row[labelH] * float64(cfg.ImgH)

			best, bestIoU := 0, -1.0
			for a, anchor := range cfg.Anchors {
				iou := shapeIoU(bw, bh, float64(anchor[0]), float64(anchor[1]))
				if iou > cfg.IgnoreThreshold {
					targets[index(b, gy, gx, a)].noobj = false
				}
				if iou > bestIoU {
					best, bestIoU = a, iou
				}
			}

			t := &targets[index(b, gy, gx, best)]
			t.obj = true
			t.noobj = false
			t.tx = row[labelCX]*float64(cfg.GridW) - float64(gx)
			t.ty = row[labelCY]*float64(cfg.GridH) - float64(gy)
			t.tw = math.Log(bw/float64(cfg.Anchors[best][0]) + 1e-16)
			t.th = math.Log(bh/float64(cfg.Anchors[best][1]) + 1e-16)
			t.class = class
		}
	}
	return targets, nil
}

// shapeIoU is the IoU of two boxes sharing a center.
func shapeIoU(w1, h1, w2, h2 float64) float64 {
	inter := math.Min(w1, w2) * math.Min(h1, h2)
	return inter / (w1*h1 + w2*h2 - inter + 1e-16)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// bceWithLogits is binary cross entropy of sigmoid(x) against t.
func bceWithLogits(x, t float64) float64 {
	return math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
