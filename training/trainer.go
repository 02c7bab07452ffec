package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-detect/optimizer"
	"github.com/tsawler/go-detect/tensor"
)

// ErrLoopNotIdle is returned by Run on a loop that already ran.
var ErrLoopNotIdle = errors.New("training loop is not idle")

// Phase is the lifecycle position of a Loop.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// TrainingConfig holds the cadences and run bounds of a Loop.
type TrainingConfig struct {
	Epochs             int
	MetricsEvery       int64 // Report scalars every N global steps
	CheckpointEvery    int64 // Save mid-epoch every N global steps
	EffectiveBatchSize int   // Examples per step across all devices
	StartStep          int64 // GlobalStep before the first batch
	PretrainSnapshot   string
}

// Components are the collaborators a Loop drives. Criteria holds one
// criterion per head.
type Components struct {
	Network     Network
	Criteria    []Criterion
	Loader      Loader
	Optimizer   optimizer.Optimizer
	Scheduler   LRScheduler
	Checkpoints *CheckpointManager
	Reporter    *MetricReporter

	// Progress receives a per-epoch progress bar when set.
	Progress io.Writer
	Logger   *zerolog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Loop runs epochs of forward, loss, backward and optimizer steps, emitting
// metrics and checkpoints on fixed global-step cadences.
type Loop struct {
	config TrainingConfig
	c      Components
	logger zerolog.Logger
	now    func() time.Time
	phase  Phase
	state  TrainingState
}

func NewLoop(config TrainingConfig, c Components) (*Loop, error) {
	if c.Network == nil || c.Loader == nil || c.Optimizer == nil || c.Checkpoints == nil {
		return nil, errors.New("training loop needs a network, loader, optimizer and checkpoint manager")
	}
	if len(c.Criteria) != NumScales {
		return nil, fmt.Errorf("%w: %d criteria for %d heads", ErrHeadCount, len(c.Criteria), NumScales)
	}
	if config.MetricsEvery <= 0 {
		config.MetricsEvery = 10
	}
	if config.CheckpointEvery <= 0 {
		config.CheckpointEvery = 500
	}
	if config.EffectiveBatchSize <= 0 {
		config.EffectiveBatchSize = 1
	}
	if c.Scheduler == nil {
		c.Scheduler = ConstantLR{}
	}

	l := &Loop{
		config: config,
		c:      c,
		logger: zerolog.Nop(),
		now:    time.Now,
		state:  TrainingState{GlobalStep: config.StartStep},
	}
	if c.Logger != nil {
		l.logger = *c.Logger
	}
	if c.Clock != nil {
		l.now = c.Clock
	}
	return l, nil
}

func (l *Loop) Phase() Phase {
	return l.phase
}

// State returns a copy of the current training position.
func (l *Loop) State() TrainingState {
	return l.state
}

// Run trains for the configured number of epochs. Any collaborator error
// stops the run immediately; checkpoints already written stay on disk.
func (l *Loop) Run(ctx context.Context) error {
	if l.phase != PhaseIdle {
		return fmt.Errorf("%w: phase %s", ErrLoopNotIdle, l.phase)
	}
	l.phase = PhaseRunning
	defer func() { l.phase = PhaseFinished }()

	params := l.c.Network.Parameters()
	if l.config.PretrainSnapshot != "" {
		if _, err := l.c.Checkpoints.Load(l.config.PretrainSnapshot, params); err != nil {
			return fmt.Errorf("pretrain snapshot: %w", err)
		}
	}

	l.state.LearningRate = l.c.Optimizer.LR()
	l.logger.Info().
		Int("epochs", l.config.Epochs).
		Int("batches", l.c.Loader.Len()).
		Int64("start_step", l.state.GlobalStep).
		Str("optimizer", l.c.Optimizer.Kind().String()).
		Str("scheduler", l.c.Scheduler.Name()).
		Msg("Start training")

	for epoch := 0; epoch < l.config.Epochs; epoch++ {
		l.state.Epoch = epoch
		if err := l.runEpoch(ctx, epoch); err != nil {
			return err
		}

		if err := l.save(params); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		l.advanceSchedule(epoch + 1)
	}

	// The last epoch boundary already saved this step
	if last, ok := l.c.Checkpoints.LastSavedStep(); !ok || last != l.state.GlobalStep {
		if err := l.save(params); err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
	}
	l.logger.Info().Int64("global_step", l.state.GlobalStep).Msg("Training finished")
	return nil
}

func (l *Loop) runEpoch(ctx context.Context, epoch int) error {
	l.c.Loader.Reset()

	var bar *ProgressBar
	if l.c.Progress != nil {
		bar = NewProgressBar(l.c.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, l.config.Epochs), l.c.Loader.Len())
		defer bar.Finish()
	}

	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch, l.state.GlobalStep, err)
		}
		batch, err := l.c.Loader.Next()
		if err != nil {
			return fmt.Errorf("epoch %d step %d: load batch: %w", epoch, l.state.GlobalStep+1, err)
		}
		if batch == nil {
			return nil
		}
		start := l.now()
		l.state.GlobalStep++

		losses, err := l.step(batch)
		if err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch, l.state.GlobalStep, err)
		}
		l.state.LearningRate = l.c.Optimizer.LR()

		if l.state.GlobalStep > 0 && l.state.GlobalStep%l.config.MetricsEvery == 0 {
			if err := l.report(epoch, iter, start, losses); err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, l.state.GlobalStep, err)
			}
		}
		if l.state.GlobalStep > 0 && l.state.GlobalStep%l.config.CheckpointEvery == 0 {
			if err := l.save(l.c.Network.Parameters()); err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, l.state.GlobalStep, err)
			}
		}
		if bar != nil {
			bar.Update(iter+1, map[string]float64{"loss": losses.Total})
		}
	}
}

// step runs forward, loss, backward and the optimizer update for one batch.
func (l *Loop) step(batch *Batch) (LossComponents, error) {
	l.c.Optimizer.ZeroGrad()

	outputs, err := l.c.Network.Forward(batch)
	if err != nil {
		return LossComponents{}, fmt.Errorf("forward: %w", err)
	}
	if len(outputs) != NumScales {
		return LossComponents{}, fmt.Errorf("forward: %w: got %d outputs", ErrHeadCount, len(outputs))
	}

	heads := make([]LossComponents, NumScales)
	for i, out := range outputs {
		heads[i], err = l.c.Criteria[i].Compute(out, batch.Labels)
		if err != nil {
			return LossComponents{}, fmt.Errorf("loss head %d: %w", i, err)
		}
	}
	losses, err := AggregateLosses(heads)
	if err != nil {
		return LossComponents{}, err
	}

	if err := l.c.Network.Backward(outputs); err != nil {
		return LossComponents{}, fmt.Errorf("backward: %w", err)
	}
	if err := l.c.Optimizer.Step(); err != nil {
		return LossComponents{}, fmt.Errorf("optimizer step: %w", err)
	}
	return losses, nil
}

func (l *Loop) report(epoch, iter int, start time.Time, losses LossComponents) error {
	elapsed := l.now().Sub(start).Seconds()
	var examplesPerSec float64
	if elapsed > 0 {
		examplesPerSec = float64(l.config.EffectiveBatchSize) / elapsed
	}
	lr := l.c.Optimizer.LR()

	l.logger.Info().
		Int("epoch", epoch).
		Int("iter", iter).
		Float64("loss", losses.Total).
		Float64("example/sec", examplesPerSec).
		Float64("lr", lr).
		Msg("Training step")

	if err := l.c.Reporter.Report(l.state.GlobalStep, StepScalars(lr, examplesPerSec, losses)); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func (l *Loop) save(params []*tensor.Parameter) error {
	_, err := l.c.Checkpoints.Save(params, l.state)
	return err
}

func (l *Loop) advanceSchedule(epoch int) {
	l.state.LearningRate = Advance(l.c.Scheduler, l.c.Optimizer.Groups(), epoch)
	l.logger.Debug().Int("epoch", epoch).Float64("lr", l.state.LearningRate).Msg("Learning rate updated")
}
