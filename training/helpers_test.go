package training

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/metrics"
	"github.com/tsawler/go-detect/optimizer"
	"github.com/tsawler/go-detect/tensor"
)

// fakeNetwork has one backbone and one head parameter. Each output is a
// single value and Backward routes its gradient into both parameters.
type fakeNetwork struct {
	backbone *tensor.Parameter
	head     *tensor.Parameter

	forwardErr   error
	forwards     int
	firstForward float64
}

func newFakeNetwork() *fakeNetwork {
	b := tensor.MustParameter("backbone.weight", 1)
	h := tensor.MustParameter("head.weight", 1)
	b.Data[0] = 1
	h.Data[0] = 1
	return &fakeNetwork{backbone: b, head: h}
}

func (n *fakeNetwork) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{n.backbone, n.head}
}

func (n *fakeNetwork) InBackbone(p *tensor.Parameter) bool {
	return p == n.backbone
}

func (n *fakeNetwork) Forward(*Batch) ([]*tensor.Tensor, error) {
	if n.forwardErr != nil {
		return nil, n.forwardErr
	}
	if n.forwards == 0 {
		n.firstForward = n.backbone.Data[0]
	}
	n.forwards++
	outs := make([]*tensor.Tensor, NumScales)
	for i := range outs {
		out, err := tensor.New([]int{1}, []float64{n.backbone.Data[0] * n.head.Data[0]})
		if err != nil {
			return nil, err
		}
		outs[i] = out
	}
	return outs, nil
}

func (n *fakeNetwork) Backward(outputs []*tensor.Tensor) error {
	bg := n.backbone.EnsureGrad()
	hg := n.head.EnsureGrad()
	for _, out := range outputs {
		if len(out.Grad) != 1 {
			return errors.New("output gradient not seeded")
		}
		bg[0] += out.Grad[0] * n.head.Data[0]
		hg[0] += out.Grad[0] * n.backbone.Data[0]
	}
	return nil
}

// fakeCriterion returns a fixed loss and seeds a unit gradient.
type fakeCriterion struct {
	loss LossComponents
	err  error
}

func (c fakeCriterion) Compute(out *tensor.Tensor, _ *tensor.Tensor) (LossComponents, error) {
	if c.err != nil {
		return LossComponents{}, c.err
	}
	grad := out.EnsureGrad()
	grad[0] = 0.01
	return c.loss, nil
}

func fakeCriteria() []Criterion {
	out := make([]Criterion, NumScales)
	for i := range out {
		v := float64(i + 1)
		out[i] = fakeCriterion{loss: LossComponents{Total: 6 * v, X: v, Y: v, W: v, H: v, Conf: v, Cls: v}}
	}
	return out
}

// fakeLoader yields n batches per epoch and can fail at a given call.
type fakeLoader struct {
	n      int
	pos    int
	calls  int
	failAt int
	resets int
}

func (l *fakeLoader) Len() int { return l.n }

func (l *fakeLoader) Reset() {
	l.pos = 0
	l.resets++
}

func (l *fakeLoader) Next() (*Batch, error) {
	l.calls++
	if l.failAt > 0 && l.calls == l.failAt {
		return nil, errors.New("disk unplugged")
	}
	if l.pos >= l.n {
		return nil, nil
	}
	l.pos++
	labels, _ := tensor.Zeros([]int{1})
	return &Batch{Labels: labels}, nil
}

// stepClock advances by delta on every call.
func stepClock(delta time.Duration) func() time.Time {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(delta)
		return now
	}
}

type harness struct {
	net      *fakeNetwork
	loader   *fakeLoader
	opt      optimizer.Optimizer
	manager  *CheckpointManager
	recorder *metrics.Recorder
	dir      string
}

func newHarness(t *testing.T, batches int) *harness {
	t.Helper()
	net := newFakeNetwork()
	groups, err := optimizer.BuildParameterGroups(net, optimizer.LRConfig{BackboneLR: 0.001, OtherLR: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	opt, err := optimizer.New(groups, optimizer.DefaultConfig(optimizer.SGD))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	return &harness{
		net:      net,
		loader:   &fakeLoader{n: batches},
		opt:      opt,
		manager:  NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, Format: checkpoints.FormatProto, RunID: "test"}, zerolog.Nop()),
		recorder: &metrics.Recorder{},
		dir:      dir,
	}
}

func (h *harness) components() Components {
	return Components{
		Network:     h.net,
		Criteria:    fakeCriteria(),
		Loader:      h.loader,
		Optimizer:   h.opt,
		Scheduler:   StepLR{Every: 20, Gamma: 0.1},
		Checkpoints: h.manager,
		Reporter:    NewMetricReporter(h.recorder),
		Clock:       stepClock(100 * time.Millisecond),
	}
}

func (h *harness) loop(t *testing.T, config TrainingConfig) *Loop {
	t.Helper()
	l, err := NewLoop(config, h.components())
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	return l
}

func buildGroupsFrozen(net *fakeNetwork) (optimizer.Optimizer, error) {
	groups, err := optimizer.BuildParameterGroups(net, optimizer.LRConfig{BackboneLR: 0.001, OtherLR: 0.01, FreezeBackbone: true})
	if err != nil {
		return nil, err
	}
	return optimizer.New(groups, optimizer.DefaultConfig(optimizer.SGD))
}
