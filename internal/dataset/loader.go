package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"gorgonia.org/tensor"
)

// Batch is a stacked minibatch. Each tensor gains a leading batch axis over
// the corresponding sample tensor.
type Batch struct {
	Index int
	Size  int
	Obs   []*tensor.Dense
	Act   []*tensor.Dense
}

// LoaderOptions configures batching and prefetching.
type LoaderOptions struct {
	BatchSize int
	Workers   int
	Shuffle   bool
	Seed      int64
}

// Loader hands out minibatches over a subset of a windowed dataset. Worker
// goroutines assemble batches concurrently; an aggregator re-emits them in
// batch order over a bounded channel, so a fixed seed reproduces the exact
// batch sequence regardless of worker count.
type Loader struct {
	ds      *Windowed
	indices []int
	opts    LoaderOptions
}

// NewLoader builds a loader over the given sample indices.
func NewLoader(ds *Windowed, indices []int, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("loader: batch size must be >= 1, got %d", opts.BatchSize)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("loader: no sample indices")
	}
	return &Loader{ds: ds, indices: append([]int(nil), indices...), opts: opts}, nil
}

// Batches returns the number of minibatches per epoch. The final batch may
// be smaller than the configured batch size.
func (l *Loader) Batches() int {
	return (len(l.indices) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Epoch starts prefetching one pass over the data. Shuffling loaders reorder
// their indices from a seed derived from the epoch number, so every run with
// the same configuration sees the same order.
func (l *Loader) Epoch(ctx context.Context, epoch int) (<-chan Batch, <-chan error) {
	// Derived context so the aggregator can release the producer and the
	// workers when it stops early, e.g. after an assembly error.
	ctx, cancel := context.WithCancel(ctx)

	order := append([]int(nil), l.indices...)
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	type job struct {
		id   int
		idxs []int
	}
	type result struct {
		id    int
		batch Batch
		err   error
	}

	nBatches := l.Batches()
	jobs := make(chan job, l.opts.Workers)
	results := make(chan result, l.opts.Workers)
	out := make(chan Batch, l.opts.Workers)
	errCh := make(chan error, 1)

	go func() {
		defer close(jobs)
		for b := 0; b < nBatches; b++ {
			start := b * l.opts.BatchSize
			end := start + l.opts.BatchSize
			if end > len(order) {
				end = len(order)
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- job{id: b, idxs: order[start:end]}:
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < l.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				batch, err := l.assemble(j.id, j.idxs)
				select {
				case <-ctx.Done():
					return
				case results <- result{id: j.id, batch: batch, err: err}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(out)
		defer close(errCh)
		defer cancel()
		pending := make(map[int]result)
		next := 0
		for next < nBatches {
			res, ok := pending[next]
			if !ok {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case r, open := <-results:
					if !open {
						return
					}
					pending[r.id] = r
					continue
				}
			}
			delete(pending, next)
			if res.err != nil {
				errCh <- res.err
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- res.batch:
				next++
			}
		}
	}()

	return out, errCh
}

func (l *Loader) assemble(id int, idxs []int) (Batch, error) {
	batch := Batch{Index: id, Size: len(idxs)}
	for row, idx := range idxs {
		sample, err := l.ds.At(idx)
		if err != nil {
			return Batch{}, err
		}
		if row == 0 {
			batch.Obs = allocStacked(sample.Obs, len(idxs))
			batch.Act = allocStacked(sample.Act, len(idxs))
		}
		stackInto(batch.Obs, sample.Obs, row)
		stackInto(batch.Act, sample.Act, row)
	}
	return batch, nil
}

func allocStacked(tuple []*tensor.Dense, batchSize int) []*tensor.Dense {
	out := make([]*tensor.Dense, len(tuple))
	for i, t := range tuple {
		shape := append([]int{batchSize}, t.Shape()...)
		n := batchSize
		for _, d := range t.Shape() {
			n *= d
		}
		out[i] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float64, n)))
	}
	return out
}

func stackInto(dst, src []*tensor.Dense, row int) {
	for i, t := range src {
		data := t.Data().([]float64)
		dstData := dst[i].Data().([]float64)
		copy(dstData[row*len(data):(row+1)*len(data)], data)
	}
}
