package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-detect/tensor"
)

const (
	FrameworkName    = "go-detect"
	FrameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "json" or "proto" to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "proto", "protobuf", "pb":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatProto, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is a snapshot of every network parameter tagged with the point
// in training it was taken at. It carries no optimizer state.
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	Trainable bool      `json:"trainable"`
}

// TrainingState tags a checkpoint. Restoring a checkpoint does not restore it.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int64   `json:"step"`
	LearningRate float64 `json:"learning_rate"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// FromParameters copies the current values of params into a checkpoint.
func FromParameters(params []*tensor.Parameter, state TrainingState) *Checkpoint {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, WeightTensor{
			Name:      p.Name,
			Shape:     append([]int(nil), p.Shape...),
			Data:      append([]float64(nil), p.Data...),
			Trainable: p.RequiresGrad,
		})
	}
	return &Checkpoint{Weights: weights, TrainingState: state}
}

// ApplyToParameters copies checkpoint weights into params by name. Every
// parameter must be present with a matching shape.
func ApplyToParameters(checkpoint *Checkpoint, params []*tensor.Parameter) error {
	weightMap := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weightMap[w.Name] = w
	}

	for _, p := range params {
		w, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight for parameter %s", p.Name)
		}
		if !tensor.SameShape(p.Shape, w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs checkpoint %v", p.Name, p.Shape, w.Shape)
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("weight %s has %d values, expected %d", p.Name, len(w.Data), len(p.Data))
		}
	}

	// Only mutate once every weight has been validated
	for _, p := range params {
		copy(p.Data, weightMap[p.Name].Data)
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes checkpoint to path, replacing any existing file. The
// data goes to a temporary file in the same directory first so a failed
// write leaves the previous checkpoint intact.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = FrameworkName
		checkpoint.Metadata.Version = FrameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalCheckpoint(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a checkpoint written in the saver's format.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return decodeCheckpoint(cs.format, data)
}

// DetectFormat reports the format data was written in. JSON checkpoints
// start with '{'; a proto checkpoint starts with a field tag, and 0x7b
// would be field 15, which the layout does not define.
func DetectFormat(data []byte) CheckpointFormat {
	if len(data) > 0 && data[0] == '{' {
		return FormatJSON
	}
	return FormatProto
}

// LoadCheckpointFile loads path in whichever format it was written.
func LoadCheckpointFile(path string) (*Checkpoint, CheckpointFormat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, FormatProto, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	format := DetectFormat(data)
	checkpoint, err := decodeCheckpoint(format, data)
	return checkpoint, format, err
}

func decodeCheckpoint(format CheckpointFormat, data []byte) (*Checkpoint, error) {
	switch format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatProto:
		checkpoint, err := unmarshalCheckpoint(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format.String())
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}
