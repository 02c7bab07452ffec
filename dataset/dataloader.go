// Package dataset provides sample sources and the batching loader the
// training loop consumes.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-detect/tensor"
	"github.com/tsawler/go-detect/training"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	// Len is the total number of samples
	Len() int
	// Get returns one sample; every sample has the same shapes
	Get(idx int) (image, label *tensor.Tensor, err error)
}

// DataLoader batches a dataset, optionally reshuffling on every Reset.
// A DataLoader is driven by a single goroutine.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
}

// NewDataLoader creates a loader. Shuffling is seeded so runs repeat.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds to the start of a new epoch
func (dl *DataLoader) Reset() {
	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*training.Batch, error) {
	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// loadBatch stacks samples along a new leading dimension.
func (dl *DataLoader) loadBatch(indices []int) (*training.Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	firstImage, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}

	images, err := tensor.Zeros(append([]int{len(indices)}, firstImage.Shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch image tensor: %w", err)
	}
	labels, err := tensor.Zeros(append([]int{len(indices)}, firstLabel.Shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch label tensor: %w", err)
	}

	for i, idx := range indices {
		image, label := firstImage, firstLabel
		if i > 0 {
			image, label, err = dl.dataset.Get(idx)
			if err != nil {
				return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
		}
		if err := copyInto(images, image, i); err != nil {
			return nil, fmt.Errorf("sample %d image: %w", idx, err)
		}
		if err := copyInto(labels, label, i); err != nil {
			return nil, fmt.Errorf("sample %d label: %w", idx, err)
		}
	}

	return &training.Batch{Images: images, Labels: labels}, nil
}

// copyInto copies a sample into row batchIndex of a stacked tensor.
func copyInto(batchTensor, sample *tensor.Tensor, batchIndex int) error {
	if !tensor.SameShape(batchTensor.Shape[1:], sample.Shape) {
		return fmt.Errorf("shape mismatch: batch row %v, sample %v", batchTensor.Shape[1:], sample.Shape)
	}
	copy(batchTensor.Row(batchIndex), sample.Data)
	return nil
}
