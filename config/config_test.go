package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
epochs = 3
batch_size = 8
parallels = [0, 1]

[lr]
other_lr = 0.05
freeze_backbone = true

[optimizer]
type = "adam"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Epochs != 3 || cfg.BatchSize != 8 || len(cfg.Parallels) != 2 {
		t.Errorf("Top-level keys not applied: %+v", cfg)
	}
	if cfg.LR.OtherLR != 0.05 || !cfg.LR.FreezeBackbone {
		t.Errorf("LR table not applied: %+v", cfg.LR)
	}
	if cfg.LR.BackboneLR != 0.001 || cfg.LR.DecayStep != 20 {
		t.Errorf("Unset LR keys must keep defaults: %+v", cfg.LR)
	}
	if cfg.Optimizer.Type != "adam" || cfg.Optimizer.Momentum != 0.9 {
		t.Errorf("Optimizer table mismatch: %+v", cfg.Optimizer)
	}
	if cfg.MetricsEvery != 10 || cfg.CheckpointEvery != 500 {
		t.Errorf("Cadence defaults changed: %d/%d", cfg.MetricsEvery, cfg.CheckpointEvery)
	}
}

func TestLoadExampleParams(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "params.toml"))
	if err != nil {
		t.Fatalf("Example params do not load: %v", err)
	}
	if cfg.Model.BackboneName != "tiny_dense" || len(cfg.YOLO.Anchors) != NumScales {
		t.Errorf("Unexpected example config: %+v", cfg.Model)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "epoch = 3\n", "epoch"},
		{"empty parallels", "parallels = []\n", "parallels"},
		{"zero batch", "batch_size = 0\n", "batch_size"},
		{"two scales", "[yolo]\nanchors = [[[1, 2]], [[3, 4]]]\n", "3 scales"},
		{"bad anchor", "[yolo]\nanchors = [[[1, 2]], [[3]], [[5, 6]]]\n", "anchors[1][0]"},
		{"bad gamma", "[lr]\ndecay_gamma = 1.5\n", "decay_gamma"},
		{"bad schedule", "[lr]\nschedule = \"plateau\"\n", "lr.schedule"},
		{"bad format", "[checkpoint]\nformat = \"onnx\"\n", "checkpoint.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadSyntaxError(t *testing.T) {
	_, err := Load(writeConfig(t, "epochs = \n"))
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("Expected a decode error, got %v", err)
	}
}

func TestPrepare(t *testing.T) {
	cfg := Default()
	cfg.WorkingDir = t.TempDir()
	cfg.BatchSize = 4
	cfg.Parallels = []int{0, 1, 2}
	cfg.ImgW, cfg.ImgH = 320, 256
	cfg.Try = 2

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if err := cfg.Prepare(now); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	want := filepath.Join(cfg.WorkingDir, "darknet_53", "size320x256_try2", "20260304050607")
	if cfg.SubWorkingDir != want {
		t.Errorf("SubWorkingDir = %s, want %s", cfg.SubWorkingDir, want)
	}
	if info, err := os.Stat(want); err != nil || !info.IsDir() {
		t.Errorf("Run directory not created: %v", err)
	}
	if cfg.EffectiveBatchSize != 12 {
		t.Errorf("EffectiveBatchSize = %d, want 12", cfg.EffectiveBatchSize)
	}
	if len(cfg.RunID) != 36 {
		t.Errorf("RunID %q is not a uuid", cfg.RunID)
	}

	if got := cfg.ResolvePath("model.ckpt"); got != filepath.Join(want, "model.ckpt") {
		t.Errorf("ResolvePath relative = %s", got)
	}
	abs := filepath.Join(cfg.WorkingDir, "elsewhere.ckpt")
	if got := cfg.ResolvePath(abs); got != abs {
		t.Errorf("ResolvePath absolute = %s", got)
	}
}
