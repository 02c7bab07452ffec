package checkpoints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-detect/tensor"
)

func testParameters() []*tensor.Parameter {
	w := tensor.MustParameter("backbone.weight", 2, 3)
	b := tensor.MustParameter("head0.bias", 3)
	for i := range w.Data {
		w.Data[i] = float64(i) * 0.25
	}
	for i := range b.Data {
		b.Data[i] = -float64(i) - 0.5
	}
	w.RequiresGrad = false
	return []*tensor.Parameter{w, b}
}

func TestCheckpointSaveLoadFormats(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			params := testParameters()
			checkpoint := FromParameters(params, TrainingState{Epoch: 3, Step: 1500, LearningRate: 0.001})
			checkpoint.Metadata = CheckpointMetadata{
				Version:     FrameworkVersion,
				Framework:   FrameworkName,
				RunID:       "run-1",
				CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
				Description: "Test checkpoint",
			}

			path := filepath.Join(t.TempDir(), "model.ckpt")
			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if loaded.TrainingState != checkpoint.TrainingState {
				t.Errorf("Training state mismatch: expected %+v, got %+v", checkpoint.TrainingState, loaded.TrainingState)
			}
			if loaded.Metadata.RunID != "run-1" || loaded.Metadata.Description != "Test checkpoint" {
				t.Errorf("Metadata mismatch: %+v", loaded.Metadata)
			}
			if !loaded.Metadata.CreatedAt.Equal(checkpoint.Metadata.CreatedAt) {
				t.Errorf("CreatedAt mismatch: expected %v, got %v", checkpoint.Metadata.CreatedAt, loaded.Metadata.CreatedAt)
			}
			if len(loaded.Weights) != len(checkpoint.Weights) {
				t.Fatalf("Weight count mismatch: expected %d, got %d", len(checkpoint.Weights), len(loaded.Weights))
			}
			for i, w := range checkpoint.Weights {
				got := loaded.Weights[i]
				if got.Name != w.Name || !tensor.SameShape(got.Shape, w.Shape) || got.Trainable != w.Trainable {
					t.Errorf("Weight %d header mismatch: expected %s%v, got %s%v", i, w.Name, w.Shape, got.Name, got.Shape)
				}
				for j := range w.Data {
					if got.Data[j] != w.Data[j] {
						t.Errorf("Weight %s value %d mismatch: expected %f, got %f", w.Name, j, w.Data[j], got.Data[j])
					}
				}
			}
		})
	}
}

func TestSaveOverwritesInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	saver := NewCheckpointSaver(FormatProto)
	params := testParameters()

	for step := int64(1); step <= 3; step++ {
		params[1].Data[0] = float64(step)
		if err := saver.SaveCheckpoint(FromParameters(params, TrainingState{Step: step}), path); err != nil {
			t.Fatalf("Save %d failed: %v", step, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("Expected a single checkpoint file, found %v", names)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.TrainingState.Step != 3 || loaded.Weights[1].Data[0] != 3 {
		t.Errorf("Expected the last save to win, got step %d value %f", loaded.TrainingState.Step, loaded.Weights[1].Data[0])
	}
}

func TestSaveDefaultsMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	checkpoint := FromParameters(testParameters(), TrainingState{})
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatal(err)
	}
	if checkpoint.Metadata.Framework != FrameworkName || checkpoint.Metadata.CreatedAt.IsZero() {
		t.Errorf("Expected metadata defaults, got %+v", checkpoint.Metadata)
	}
}

func TestSaveFailureKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	saver := NewCheckpointSaver(FormatProto)
	if err := saver.SaveCheckpoint(FromParameters(testParameters(), TrainingState{Step: 7}), path); err != nil {
		t.Fatal(err)
	}

	missing := filepath.Join(dir, "missing", "model.ckpt")
	if err := saver.SaveCheckpoint(FromParameters(testParameters(), TrainingState{Step: 8}), missing); err == nil {
		t.Fatal("Expected error writing into a missing directory")
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.TrainingState.Step != 7 {
		t.Errorf("Previous checkpoint changed: step %d", loaded.TrainingState.Step)
	}
}

func TestApplyToParameters(t *testing.T) {
	source := testParameters()
	checkpoint := FromParameters(source, TrainingState{})

	target := testParameters()
	for _, p := range target {
		for i := range p.Data {
			p.Data[i] = 42
		}
	}
	if err := ApplyToParameters(checkpoint, target); err != nil {
		t.Fatalf("ApplyToParameters failed: %v", err)
	}
	for i, p := range target {
		for j := range p.Data {
			if p.Data[j] != source[i].Data[j] {
				t.Fatalf("%s[%d]: expected %f, got %f", p.Name, j, source[i].Data[j], p.Data[j])
			}
		}
	}
}

func TestApplyToParametersRejectsMismatch(t *testing.T) {
	checkpoint := FromParameters(testParameters(), TrainingState{})

	wrongShape := []*tensor.Parameter{tensor.MustParameter("backbone.weight", 3, 2)}
	if err := ApplyToParameters(checkpoint, wrongShape); err == nil || !strings.Contains(err.Error(), "shape mismatch") {
		t.Errorf("Expected shape mismatch error, got %v", err)
	}

	unknown := tensor.MustParameter("head9.weight", 1)
	untouched := testParameters()
	untouched[1].Data[0] = 99
	if err := ApplyToParameters(checkpoint, append(untouched, unknown)); err == nil {
		t.Error("Expected error for parameter missing from checkpoint")
	}
	if untouched[1].Data[0] != 99 {
		t.Error("Parameters must not change when validation fails")
	}
}

func TestLoadCorruptProto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	if err := os.WriteFile(path, []byte{0x0a, 0xff, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCheckpointSaver(FormatProto).LoadCheckpoint(path); err == nil {
		t.Error("Expected error for truncated protobuf data")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatProto, false},
		{"proto", FormatProto, false},
		{"JSON", FormatJSON, false},
		{"onnx", FormatProto, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %s, %v", tt.in, got, err)
		}
	}
}

func TestLoadCheckpointFileDetectsFormat(t *testing.T) {
	dir := t.TempDir()
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		// Both formats share the same file name.
		path := filepath.Join(dir, format.String(), "model.ckpt")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		checkpoint := FromParameters(testParameters(), TrainingState{Epoch: 1, Step: 123})
		if err := NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path); err != nil {
			t.Fatal(err)
		}

		loaded, detected, err := LoadCheckpointFile(path)
		if err != nil {
			t.Fatalf("%s: load failed: %v", format, err)
		}
		if detected != format {
			t.Errorf("Detected %s for a %s file", detected, format)
		}
		if loaded.TrainingState.Step != 123 || len(loaded.Weights) != 2 {
			t.Errorf("%s: unexpected checkpoint %+v", format, loaded.TrainingState)
		}
	}

	if _, _, err := LoadCheckpointFile(filepath.Join(dir, "missing.ckpt")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestDetectFormat(t *testing.T) {
	if DetectFormat([]byte(`{"weights":[]}`)) != FormatJSON {
		t.Error("JSON object not detected")
	}
	// A weight message of length 123 starts with the tag 0x0a then 0x7b.
	if DetectFormat([]byte{0x0a, 0x7b}) != FormatProto {
		t.Error("Proto data misdetected as JSON")
	}
	if DetectFormat(nil) != FormatProto {
		t.Error("Empty data should decode as an empty proto message")
	}
}
