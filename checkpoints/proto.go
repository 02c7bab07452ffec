package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Wire layout of the protobuf checkpoint format:
//
//	message Checkpoint {
//	  repeated WeightTensor weights = 1;
//	  TrainingState training_state = 2;
//	  Metadata metadata = 3;
//	}
//	message WeightTensor {
//	  string name = 1;
//	  repeated int64 shape = 2;   // packed
//	  repeated double data = 3;   // packed
//	  bool trainable = 4;
//	}
//	message TrainingState { int64 epoch = 1; int64 step = 2; double learning_rate = 3; }
//	message Metadata {
//	  string version = 1;
//	  string framework = 2;
//	  google.protobuf.Timestamp created_at = 3;
//	  string run_id = 4;
//	  string description = 5;
//	}

func marshalCheckpoint(c *Checkpoint) ([]byte, error) {
	var b []byte
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(w))
	}

	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(c.TrainingState))

	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)
	return b, nil
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	if w.Trainable {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func marshalTrainingState(s TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Epoch))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Step))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LearningRate))
	return b
}

func marshalMetadata(m CheckpointMetadata) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)

	ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal created_at: %w", err)
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)

	if m.RunID != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.RunID)
	}
	if m.Description != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}
	return b, nil
}

// fieldFunc handles one decoded field and returns the bytes it consumed, or a
// negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n = fn(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var nested error
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType || num < 1 || num > 3 {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case 1:
			w, err := unmarshalWeight(v)
			if err != nil {
				nested = fmt.Errorf("weight %d: %w", len(c.Weights), err)
				return len(b)
			}
			c.Weights = append(c.Weights, w)
		case 2:
			s, err := unmarshalTrainingState(v)
			if err != nil {
				nested = fmt.Errorf("training state: %w", err)
				return len(b)
			}
			c.TrainingState = s
		case 3:
			m, err := unmarshalMetadata(v)
			if err != nil {
				nested = fmt.Errorf("metadata: %w", err)
				return len(b)
			}
			c.Metadata = m
		}
		return n
	})
	if err != nil {
		return nil, err
	}
	if nested != nil {
		return nil, nested
	}
	return c, nil
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			w.Name = v
			return n
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m
				}
				w.Shape = append(w.Shape, int(d))
				packed = packed[m:]
			}
			return n
		case num == 2 && typ == protowire.VarintType:
			d, n := protowire.ConsumeVarint(b)
			w.Shape = append(w.Shape, int(d))
			return n
		case num == 3 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			w.Data = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return m
				}
				w.Data = append(w.Data, math.Float64frombits(bits))
				packed = packed[m:]
			}
			return n
		case num == 3 && typ == protowire.Fixed64Type:
			bits, n := protowire.ConsumeFixed64(b)
			w.Data = append(w.Data, math.Float64frombits(bits))
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			w.Trainable = protowire.DecodeBool(v)
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	return w, err
}

func unmarshalTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Epoch = int(v)
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Step = int64(v)
			return n
		case num == 3 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			s.LearningRate = math.Float64frombits(v)
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	return s, err
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	var tsErr error
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case 1:
			m.Version = string(v)
		case 2:
			m.Framework = string(v)
		case 3:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				tsErr = err
				return n
			}
			m.CreatedAt = ts.AsTime()
		case 4:
			m.RunID = string(v)
		case 5:
			m.Description = string(v)
		}
		return n
	})
	if err != nil {
		return m, err
	}
	if tsErr != nil {
		return m, fmt.Errorf("created_at: %w", tsErr)
	}
	return m, nil
}
