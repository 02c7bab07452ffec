package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/tensor"
)

const (
	CheckpointFileName     = "model.ckpt"
	BestCheckpointFileName = "model_best.ckpt"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string                       // Run directory; the checkpoint path inside it is fixed
	Format        checkpoints.CheckpointFormat // Proto or JSON
	RunID         string                       // Stamped into every checkpoint
	// ShouldKeep, when set, decides whether a saved checkpoint is also
	// copied to BestCheckpointFileName.
	ShouldKeep func(*checkpoints.Checkpoint) bool
}

// CheckpointManager overwrites one checkpoint file per run.
type CheckpointManager struct {
	config   CheckpointConfig
	saver    *checkpoints.CheckpointSaver
	logger   zerolog.Logger
	saves    int
	lastStep int64
}

func NewCheckpointManager(config CheckpointConfig, logger zerolog.Logger) *CheckpointManager {
	return &CheckpointManager{
		config:   config,
		saver:    checkpoints.NewCheckpointSaver(config.Format),
		logger:   logger,
		lastStep: -1,
	}
}

// Path returns the fixed checkpoint location.
func (cm *CheckpointManager) Path() string {
	return filepath.Join(cm.config.SaveDirectory, CheckpointFileName)
}

// Save snapshots params tagged with state and replaces the previous file.
// On failure the previous file is left as it was.
func (cm *CheckpointManager) Save(params []*tensor.Parameter, state TrainingState) (string, error) {
	checkpoint := checkpoints.FromParameters(params, checkpoints.TrainingState{
		Epoch:        state.Epoch,
		Step:         state.GlobalStep,
		LearningRate: state.LearningRate,
	})
	checkpoint.Metadata.RunID = cm.config.RunID
	checkpoint.Metadata.Description = fmt.Sprintf("epoch %d step %d", state.Epoch, state.GlobalStep)

	path := cm.Path()
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cm.saves++
	cm.lastStep = state.GlobalStep

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	event := cm.logger.Info().Str("path", abs).Int64("step", state.GlobalStep)
	if info, err := os.Stat(path); err == nil {
		event = event.Str("size", humanize.Bytes(uint64(info.Size())))
	}
	event.Msg("Model checkpoint saved")

	if cm.config.ShouldKeep != nil && cm.config.ShouldKeep(checkpoint) {
		best := filepath.Join(cm.config.SaveDirectory, BestCheckpointFileName)
		if err := cm.saver.SaveCheckpoint(checkpoint, best); err != nil {
			return "", fmt.Errorf("failed to save best checkpoint: %w", err)
		}
		cm.logger.Info().Str("path", best).Msg("Best checkpoint updated")
	}
	return path, nil
}

// Load copies the weights stored at path into params and returns the state
// the checkpoint was tagged with. The file may be in either format,
// whatever this manager writes.
func (cm *CheckpointManager) Load(path string, params []*tensor.Parameter) (checkpoints.TrainingState, error) {
	checkpoint, format, err := checkpoints.LoadCheckpointFile(path)
	if err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := checkpoints.ApplyToParameters(checkpoint, params); err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("failed to restore parameters from %s: %w", path, err)
	}
	cm.logger.Info().
		Str("path", path).
		Stringer("format", format).
		Int("weights", len(checkpoint.Weights)).
		Int64("step", checkpoint.TrainingState.Step).
		Msg("Loaded pretrained weights")
	return checkpoint.TrainingState, nil
}

// Saves is the number of successful writes.
func (cm *CheckpointManager) Saves() int {
	return cm.saves
}

// LastSavedStep returns the step of the latest write, or false before the
// first one.
func (cm *CheckpointManager) LastSavedStep() (int64, bool) {
	return cm.lastStep, cm.saves > 0
}
