package dataset

import (
	"context"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/sync/errgroup"
)

// prefetchBatches is the loader's channel depth: how many assembled batches may wait
// ahead of the training loop.
const prefetchBatches = 2

// Batch is one fixed-size group of samples, already converted to tensors:
// Inputs is [Size, width, width, NumChannels], Labels is [Size, width, width, 1].
type Batch struct {
	Inputs *tensors.Tensor
	Labels *tensors.Tensor
	Size   int
}

// Iterator yields the batches of one epoch. After Next returns false the consumer
// must check Err for a worker failure.
type Iterator interface {
	// Next blocks until the next batch is ready, and returns false at the end of
	// the epoch or on error.
	Next() (Batch, bool)
	// Err returns the first loading error, if any. Only valid after Next returned false.
	Err() error
}

// Source produces one Iterator per epoch over a fixed number of batches.
// It is implemented by *Loader; the trainer only depends on this contract.
type Source interface {
	// Batches per epoch.
	Batches() int
	// Start begins loading one epoch's batches in the background.
	Start(ctx context.Context) Iterator
}

// Loader serves shuffled batches from a subset of a Dataset, decoding samples with a
// pool of parallel workers. The training loop blocks only when it asks for the next
// batch and none is ready yet.
type Loader struct {
	ds        *Dataset
	sampler   *subsetSampler
	batchSize int
	workers   int
}

var _ Source = (*Loader)(nil)

// NewLoader creates a loader over the given subset of sample indices.
// Each epoch reshuffles the subset with the loader's own seeded RNG.
func NewLoader(ds *Dataset, indices []int, batchSize, workers int, seed int64) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{
		ds:        ds,
		sampler:   newSubsetSampler(indices, seed),
		batchSize: batchSize,
		workers:   workers,
	}
}

// Batches returns the number of full batches per epoch. A trailing partial batch is
// dropped, keeping every executed program at the same batch size.
func (l *Loader) Batches() int {
	return len(l.sampler.indices) / l.batchSize
}

// Start launches background loading of one epoch and returns its iterator.
// The iterator must be drained (or ctx cancelled) before calling Start again.
func (l *Loader) Start(ctx context.Context) Iterator {
	it := &epochIterator{ch: make(chan Batch, prefetchBatches)}
	order := l.sampler.epochOrder()
	numBatches := l.Batches()

	group, groupCtx := errgroup.WithContext(ctx)
	it.wait = group.Wait
	group.Go(func() error {
		defer close(it.ch)
		for batchIdx := range numBatches {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			batchIndices := order[batchIdx*l.batchSize : (batchIdx+1)*l.batchSize]
			batch, err := l.assembleBatch(groupCtx, batchIndices)
			if err != nil {
				return err
			}
			select {
			case it.ch <- batch:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
		return nil
	})
	return it
}

// assembleBatch decodes the batch's samples in parallel and packs them into tensors.
func (l *Loader) assembleBatch(ctx context.Context, indices []int) (Batch, error) {
	samples := make([]Sample, len(indices))
	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(l.workers)
	for slot, sampleIdx := range indices {
		group.Go(func() error {
			sample, err := l.ds.Sample(sampleIdx)
			if err != nil {
				return err
			}
			samples[slot] = sample
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Batch{}, err
	}

	width := l.ds.Width()
	batch := Batch{
		Inputs: tensors.FromShape(shapes.Make(dtypes.Float32, len(indices), width, width, NumChannels)),
		Labels: tensors.FromShape(shapes.Make(dtypes.Float32, len(indices), width, width, 1)),
		Size:   len(indices),
	}
	tensors.MutableFlatData(batch.Inputs, func(flat []float32) {
		for slot, sample := range samples {
			copy(flat[slot*len(sample.Input):], sample.Input)
		}
	})
	tensors.MutableFlatData(batch.Labels, func(flat []float32) {
		for slot, sample := range samples {
			copy(flat[slot*len(sample.Label):], sample.Label)
		}
	})
	return batch, nil
}

type epochIterator struct {
	ch   chan Batch
	wait func() error
	err  error
	done bool
}

func (it *epochIterator) Next() (Batch, bool) {
	batch, ok := <-it.ch
	if !ok && !it.done {
		it.done = true
		it.err = it.wait()
	}
	return batch, ok
}

func (it *epochIterator) Err() error { return it.err }
