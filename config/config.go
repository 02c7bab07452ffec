// Package config loads and validates the training configuration.
//
// A configuration is read once at startup from a TOML file layered over
// Default(), validated, then prepared: Prepare computes the per-run working
// directory and run id. Nothing mutates a Config after Prepare.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// NumScales is the number of detection heads the anchors must describe.
const NumScales = 3

type Config struct {
	Epochs           int    `toml:"epochs"`
	BatchSize        int    `toml:"batch_size"`
	Parallels        []int  `toml:"parallels"`
	ImgW             int    `toml:"img_w"`
	ImgH             int    `toml:"img_h"`
	WorkingDir       string `toml:"working_dir"`
	Try              int    `toml:"try"`
	StartStep        int64  `toml:"start_step"`
	PretrainSnapshot string `toml:"pretrain_snapshot"`
	MetricsEvery     int    `toml:"metrics_every"`
	CheckpointEvery  int    `toml:"checkpoint_every"`

	Model      ModelConfig      `toml:"model"`
	YOLO       YOLOConfig       `toml:"yolo"`
	LR         LRConfig         `toml:"lr"`
	Optimizer  OptimizerConfig  `toml:"optimizer"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Data       DataConfig       `toml:"data"`

	// Set by Prepare.
	SubWorkingDir      string `toml:"-"`
	RunID              string `toml:"-"`
	EffectiveBatchSize int    `toml:"-"`
}

type ModelConfig struct {
	BackboneName string `toml:"backbone_name"`
	Hidden       int    `toml:"hidden"`
	Pool         int    `toml:"pool"`
}

// YOLOConfig holds one anchor list per scale, ordered from the lowest to
// the highest output resolution. Each anchor is a [w, h] pair in pixels.
type YOLOConfig struct {
	Anchors [][][]int `toml:"anchors"`
	Classes int       `toml:"classes"`
}

type LRConfig struct {
	BackboneLR     float64 `toml:"backbone_lr"`
	OtherLR        float64 `toml:"other_lr"`
	FreezeBackbone bool    `toml:"freeze_backbone"`
	DecayGamma     float64 `toml:"decay_gamma"`
	DecayStep      int     `toml:"decay_step"`
	Schedule       string  `toml:"schedule"`
}

type OptimizerConfig struct {
	Type        string  `toml:"type"`
	WeightDecay float64 `toml:"weight_decay"`
	Momentum    float64 `toml:"momentum"`
}

type CheckpointConfig struct {
	Format   string `toml:"format"`
	KeepBest bool   `toml:"keep_best"`
}

type MetricsConfig struct {
	Store      string `toml:"store"`
	Prometheus bool   `toml:"prometheus"`
	ListenAddr string `toml:"listen_addr"`
}

type DataConfig struct {
	Samples int   `toml:"samples"`
	Seed    int64 `toml:"seed"`
	Shuffle bool  `toml:"shuffle"`
}

// Default returns the baseline configuration files are layered over.
func Default() Config {
	return Config{
		Epochs:          100,
		BatchSize:       16,
		Parallels:       []int{0},
		ImgW:            416,
		ImgH:            416,
		WorkingDir:      "runs",
		MetricsEvery:    10,
		CheckpointEvery: 500,
		Model: ModelConfig{
			BackboneName: "darknet_53",
			Hidden:       32,
			Pool:         8,
		},
		YOLO: YOLOConfig{
			Anchors: [][][]int{
				{{116, 90}, {156, 198}, {373, 326}},
				{{30, 61}, {62, 45}, {59, 119}},
				{{10, 13}, {16, 30}, {33, 23}},
			},
			Classes: 80,
		},
		LR: LRConfig{
			BackboneLR: 0.001,
			OtherLR:    0.01,
			DecayGamma: 0.1,
			DecayStep:  20,
			Schedule:   "step",
		},
		Optimizer: OptimizerConfig{
			Type:        "sgd",
			WeightDecay: 4e-05,
			Momentum:    0.9,
		},
		Checkpoint: CheckpointConfig{
			Format: "proto",
		},
		Metrics: MetricsConfig{
			Store: "events.db",
		},
		Data: DataConfig{
			Samples: 64,
			Seed:    1,
			Shuffle: true,
		},
	}
}

// Load reads path over Default and validates the result. Unknown keys are
// rejected so typos surface at startup.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	// An explicitly empty parallels list would zero the batch size
	if meta.IsDefined("parallels") && len(cfg.Parallels) == 0 {
		return Config{}, fmt.Errorf("%w: parallels must list at least one device", ErrInvalid)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and the anchor layout.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Epochs < 0 {
		add("epochs must be >= 0, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		add("batch_size must be positive, got %d", c.BatchSize)
	}
	if len(c.Parallels) == 0 {
		add("parallels must list at least one device")
	}
	if c.ImgW <= 0 || c.ImgH <= 0 {
		add("img_w and img_h must be positive, got %dx%d", c.ImgW, c.ImgH)
	}
	if strings.TrimSpace(c.WorkingDir) == "" {
		add("working_dir is required")
	}
	if c.StartStep < 0 {
		add("start_step must be >= 0, got %d", c.StartStep)
	}
	if c.MetricsEvery <= 0 {
		add("metrics_every must be positive, got %d", c.MetricsEvery)
	}
	if c.CheckpointEvery <= 0 {
		add("checkpoint_every must be positive, got %d", c.CheckpointEvery)
	}
	if strings.TrimSpace(c.Model.BackboneName) == "" {
		add("model.backbone_name is required")
	}
	if c.Model.Hidden <= 0 || c.Model.Pool <= 0 {
		add("model.hidden and model.pool must be positive")
	}

	if len(c.YOLO.Anchors) != NumScales {
		add("yolo.anchors must define %d scales, got %d", NumScales, len(c.YOLO.Anchors))
	}
	for i, scale := range c.YOLO.Anchors {
		if len(scale) == 0 {
			add("yolo.anchors[%d] is empty", i)
		}
		for j, a := range scale {
			if len(a) != 2 || a[0] <= 0 || a[1] <= 0 {
				add("yolo.anchors[%d][%d] must be a positive [w, h] pair, got %v", i, j, a)
			}
		}
	}
	if c.YOLO.Classes <= 0 {
		add("yolo.classes must be positive, got %d", c.YOLO.Classes)
	}

	if c.LR.BackboneLR < 0 || c.LR.OtherLR < 0 {
		add("learning rates must be >= 0")
	}
	if c.LR.DecayStep <= 0 {
		add("lr.decay_step must be positive, got %d", c.LR.DecayStep)
	}
	if c.LR.DecayGamma <= 0 || c.LR.DecayGamma > 1 {
		add("lr.decay_gamma must be in (0, 1], got %g", c.LR.DecayGamma)
	}
	switch strings.ToLower(strings.TrimSpace(c.LR.Schedule)) {
	case "", "step", "exponential", "cosine", "constant":
	default:
		add("lr.schedule must be step, exponential, cosine or constant, got %q", c.LR.Schedule)
	}

	if c.Optimizer.WeightDecay < 0 {
		add("optimizer.weight_decay must be >= 0")
	}
	if c.Optimizer.Momentum < 0 {
		add("optimizer.momentum must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Checkpoint.Format)) {
	case "", "proto", "protobuf", "pb", "json":
	default:
		add("checkpoint.format must be proto or json, got %q", c.Checkpoint.Format)
	}
	if c.Data.Samples < 0 {
		add("data.samples must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Prepare fills the derived fields and creates the run directory
// <working_dir>/<backbone>/size<W>x<H>_try<N>/<timestamp>.
func (c *Config) Prepare(now time.Time) error {
	c.EffectiveBatchSize = c.BatchSize * len(c.Parallels)
	c.SubWorkingDir = filepath.Join(
		c.WorkingDir,
		c.Model.BackboneName,
		fmt.Sprintf("size%dx%d_try%d", c.ImgW, c.ImgH, c.Try),
		now.Format("20060102150405"),
	)
	if err := os.MkdirAll(c.SubWorkingDir, 0o755); err != nil {
		return fmt.Errorf("create sub working dir: %w", err)
	}
	c.RunID = uuid.NewString()
	return nil
}

// ResolvePath returns name inside the run directory unless it is absolute.
func (c Config) ResolvePath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.SubWorkingDir, name)
}
