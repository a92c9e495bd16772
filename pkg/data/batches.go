// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// BatchConfig configures how Batches serves a partition.
type BatchConfig struct {
	// Name of the dataset, as reported by train.Dataset.Name. Defaults to the Images name.
	Name string

	BatchSize int

	// Shuffle the order of the examples at every Reset.
	Shuffle bool

	// DropIncompleteBatch at the end of an epoch.
	DropIncompleteBatch bool

	// Augment with random translations, plus random horizontal flips if Flip is set.
	Augment, Flip bool

	// Seed for shuffling and augmentation.
	Seed uint64
}

// TrainConfig returns the configuration used for training: shuffled, incomplete batches dropped and
// augmentation as requested.
func TrainConfig(info Info, batchSize int, augment bool, seed uint64) BatchConfig {
	return BatchConfig{
		BatchSize:           batchSize,
		Shuffle:             true,
		DropIncompleteBatch: true,
		Augment:             augment,
		Flip:                info.Flip,
		Seed:                seed,
	}
}

// EvalConfig returns the configuration used for evaluation: in order, with the last incomplete batch and
// no augmentation.
func EvalConfig(batchSize int) BatchConfig {
	return BatchConfig{BatchSize: batchSize}
}

// Batches implements train.Dataset over Images. It is safe for concurrent calls to Yield, so it can
// be parallelized with datasets.CustomParallel.
//
// Each yield returns inputs=[x, y] and labels=[y], with x shaped [batch, Height, Width, Depth] (float32,
// preprocessed) and y shaped [batch, NumClasses] (float32, one-hot). The labels are also given as inputs
// so class conditioned models can use them.
type Batches struct {
	images *Images
	config BatchConfig

	muSampling sync.Mutex // Protects the fields below.
	order      []int
	next       int
	rng        *rand.Rand
}

var _ train.Dataset = (*Batches)(nil)

// NewBatches creates a dataset of batches over images.
func NewBatches(images *Images, config BatchConfig) (*Batches, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d for dataset %q", config.BatchSize, images.Name)
	}
	if config.DropIncompleteBatch && images.NumExamples() < config.BatchSize {
		return nil, errors.Errorf("dataset %q has %d examples, not enough for one batch of %d",
			images.Name, images.NumExamples(), config.BatchSize)
	}
	if config.Name == "" {
		config.Name = images.Name
	}
	b := &Batches{
		images: images,
		config: config,
		order:  make([]int, images.NumExamples()),
		rng:    rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}
	for ii := range b.order {
		b.order[ii] = ii
	}
	if config.Shuffle {
		b.shuffleLocked()
	}
	return b, nil
}

// Name implements train.Dataset.
func (b *Batches) Name() string { return b.config.Name }

// NumBatches yielded per epoch.
func (b *Batches) NumBatches() int {
	n := b.images.NumExamples()
	if b.config.DropIncompleteBatch {
		return n / b.config.BatchSize
	}
	return (n + b.config.BatchSize - 1) / b.config.BatchSize
}

// Reset implements train.Dataset. It restarts the epoch, reshuffling if configured.
func (b *Batches) Reset() {
	b.muSampling.Lock()
	defer b.muSampling.Unlock()
	b.next = 0
	if b.config.Shuffle {
		b.shuffleLocked()
	}
}

func (b *Batches) shuffleLocked() {
	b.rng.Shuffle(len(b.order), func(i, j int) {
		b.order[i], b.order[j] = b.order[j], b.order[i]
	})
}

// nextYield returns the example indices and augmentations for the next batch, or nil at the end of
// the epoch. The tensors are built outside the lock.
func (b *Batches) nextYield() (indices []int, augs []Augmentation) {
	b.muSampling.Lock()
	defer b.muSampling.Unlock()
	numExamples := len(b.order)
	remaining := numExamples - b.next
	if remaining <= 0 || (b.config.DropIncompleteBatch && remaining < b.config.BatchSize) {
		return nil, nil
	}
	n := min(remaining, b.config.BatchSize)
	indices = make([]int, n)
	copy(indices, b.order[b.next:b.next+n])
	b.next += n
	augs = make([]Augmentation, n)
	if b.config.Augment {
		for ii := range augs {
			augs[ii] = RandomAugmentation(b.rng, b.config.Flip)
		}
	}
	return
}

// Yield implements train.Dataset.
func (b *Batches) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	indices, augs := b.nextYield()
	if indices == nil {
		err = io.EOF
		return
	}
	x := b.imagesTensor(indices, augs)
	return nil, []*tensors.Tensor{x, b.oneHotTensor(indices)}, []*tensors.Tensor{b.oneHotTensor(indices)}, nil
}

// imagesTensor builds the preprocessed (and augmented) images of the given examples.
func (b *Batches) imagesTensor(indices []int, augs []Augmentation) *tensors.Tensor {
	x := tensors.FromShape(shapes.Make(dtypes.Float32, len(indices), Height, Width, Depth))
	tensors.MustMutableFlatData[float32](x, func(flat []float32) {
		for ii, idx := range indices {
			WriteExample(b.images.Example(idx), augs[ii], flat[ii*imageSizeBytes:(ii+1)*imageSizeBytes])
		}
	})
	return x
}

// oneHotTensor builds the one-hot labels of the given examples. Inputs and labels get separate tensors,
// since the training loop finalizes each of them after use.
func (b *Batches) oneHotTensor(indices []int) *tensors.Tensor {
	y := tensors.FromShape(shapes.Make(dtypes.Float32, len(indices), NumClasses))
	tensors.MustMutableFlatData[float32](y, func(flat []float32) {
		for ii, idx := range indices {
			flat[ii*NumClasses+b.images.Labels[idx]] = 1
		}
	})
	return y
}

// Take returns the inputs and labels of the first n examples the dataset would yield (across batches)
// concatenated in one batch, and resets the dataset. Used for the ActNorm initialization.
func (b *Batches) Take(n int) (x, y *tensors.Tensor, err error) {
	b.Reset()
	defer b.Reset()
	var indices []int
	var augs []Augmentation
	for len(indices) < n {
		batchIndices, batchAugs := b.nextYield()
		if batchIndices == nil {
			return nil, nil, errors.Errorf("dataset %q exhausted after %d examples, wanted %d",
				b.Name(), len(indices), n)
		}
		indices = append(indices, batchIndices...)
		augs = append(augs, batchAugs...)
	}
	return b.imagesTensor(indices[:n], augs[:n]), b.oneHotTensor(indices[:n]), nil
}

// Parallel wraps the dataset with datasets.CustomParallel using numWorkers goroutines, or returns it
// as is if numWorkers <= 0.
func Parallel(ds train.Dataset, numWorkers int) train.Dataset {
	if numWorkers <= 0 {
		return ds
	}
	return datasets.CustomParallel(ds).Parallelism(numWorkers).Start()
}
