package training

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-detect/checkpoints"
)

func TestCheckpointManagerSaveOverwrites(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, RunID: "run-1"}, zerolog.New(&logs))
	net := newFakeNetwork()

	if _, ok := cm.LastSavedStep(); ok {
		t.Error("LastSavedStep reported a save before any write")
	}

	for step := int64(500); step <= 1500; step += 500 {
		net.head.Data[0] = float64(step)
		path, err := cm.Save(net.Parameters(), TrainingState{GlobalStep: step, Epoch: 1, LearningRate: 0.01})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if path != filepath.Join(dir, CheckpointFileName) {
			t.Errorf("Unexpected checkpoint path %s", path)
		}
	}

	if cm.Saves() != 3 {
		t.Errorf("Saves = %d, want 3", cm.Saves())
	}
	if step, ok := cm.LastSavedStep(); !ok || step != 1500 {
		t.Errorf("LastSavedStep = %d, %t", step, ok)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected one file in the run directory, got %d", len(entries))
	}

	restored := newFakeNetwork()
	state, err := cm.Load(cm.Path(), restored.Parameters())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if restored.head.Data[0] != 1500 || state.Step != 1500 || state.Epoch != 1 {
		t.Errorf("Restored head %f at %+v", restored.head.Data[0], state)
	}

	abs, _ := filepath.Abs(cm.Path())
	if !strings.Contains(logs.String(), abs) || !strings.Contains(logs.String(), `"size"`) {
		t.Errorf("Save log must name the absolute path and size: %s", logs.String())
	}
}

func TestCheckpointManagerShouldKeep(t *testing.T) {
	dir := t.TempDir()
	var seen []int64
	cm := NewCheckpointManager(CheckpointConfig{
		SaveDirectory: dir,
		Format:        checkpoints.FormatJSON,
		ShouldKeep: func(c *checkpoints.Checkpoint) bool {
			seen = append(seen, c.TrainingState.Step)
			return c.TrainingState.Step == 20
		},
	}, zerolog.Nop())

	net := newFakeNetwork()
	for _, step := range []int64{10, 20, 30} {
		if _, err := cm.Save(net.Parameters(), TrainingState{GlobalStep: step}); err != nil {
			t.Fatal(err)
		}
	}
	if len(seen) != 3 {
		t.Errorf("ShouldKeep called %d times, want 3", len(seen))
	}

	best, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(filepath.Join(dir, BestCheckpointFileName))
	if err != nil {
		t.Fatalf("Best checkpoint missing: %v", err)
	}
	if best.TrainingState.Step != 20 {
		t.Errorf("Best checkpoint step = %d, want 20", best.TrainingState.Step)
	}
}

func TestCheckpointManagerLoadMismatch(t *testing.T) {
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir()}, zerolog.Nop())
	net := newFakeNetwork()
	if _, err := cm.Save(net.Parameters(), TrainingState{}); err != nil {
		t.Fatal(err)
	}

	other := newFakeNetwork()
	other.head.Name = "head9.weight"
	if _, err := cm.Load(cm.Path(), other.Parameters()); err == nil {
		t.Error("Expected error restoring into a network with different parameter names")
	}
	if other.backbone.Data[0] != 1 {
		t.Error("A failed restore must not touch parameters")
	}
}

func TestCheckpointManagerLoadsEitherFormat(t *testing.T) {
	formats := []checkpoints.CheckpointFormat{checkpoints.FormatProto, checkpoints.FormatJSON}
	for _, written := range formats {
		for _, reader := range formats {
			t.Run(written.String()+"->"+reader.String(), func(t *testing.T) {
				src := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir(), Format: written}, zerolog.Nop())
				net := newFakeNetwork()
				net.head.Data[0] = 4.5
				if _, err := src.Save(net.Parameters(), TrainingState{GlobalStep: 300, Epoch: 2}); err != nil {
					t.Fatal(err)
				}

				dst := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir(), Format: reader}, zerolog.Nop())
				restored := newFakeNetwork()
				state, err := dst.Load(src.Path(), restored.Parameters())
				if err != nil {
					t.Fatalf("Load failed: %v", err)
				}
				if restored.head.Data[0] != 4.5 || state.Step != 300 || state.Epoch != 2 {
					t.Errorf("Restored head %f, state %+v", restored.head.Data[0], state)
				}
			})
		}
	}
}
