package sparkit

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Lazy is a per-partition result that is computed on demand. Partition i of
// a Lazy is derived from partition i of its input only, so results stay
// aligned with the input partitioning. Computed partitions are memoized in
// a bounded LRU cache, and callers get their own copy of a memoized result.
type Lazy[T any] struct {
	input          *Dataset
	fn             func(records []Record) (T, error)
	clone          func(T) T
	maxConcurrency int
	cache          *lru.Cache
}

// newLazy returns a Lazy computing fn over each partition of input. clone
// copies a result; it may be nil when T holds no references.
func newLazy[T any](d *Driver, input *Dataset, fn func(records []Record) (T, error), clone func(T) T) *Lazy[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	l := &Lazy[T]{
		input:          input,
		fn:             fn,
		clone:          clone,
		maxConcurrency: d.Config.MaxConcurrency,
	}
	if size := d.Config.PredictCacheSize; size > 0 {
		cache, err := lru.New(size)
		if err != nil {
			log.Warnf("Unable to create partition cache: %s", err)
		} else {
			l.cache = cache
		}
	}
	return l
}

// NumPartitions returns the number of partitions, equal to that of the
// input.
func (l *Lazy[T]) NumPartitions() int {
	return l.input.NumPartitions()
}

// Partition computes, or returns the memoized, result of partition i.
func (l *Lazy[T]) Partition(ctx context.Context, i int) (T, error) {
	var zero T
	if i < 0 || i >= l.NumPartitions() {
		return zero, errors.E(errors.Invalid, fmt.Sprintf("partition %d out of range [0, %d)", i, l.NumPartitions()))
	}
	if l.cache != nil {
		if v, ok := l.cache.Get(i); ok {
			return l.clone(v.(T)), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	records, err := l.input.Partition(i).Records()
	if err != nil {
		return zero, errors.E(err, fmt.Sprintf("read partition %d", i))
	}
	out, err := l.fn(records)
	if err != nil {
		return zero, errors.E(err, fmt.Sprintf("partition %d", i))
	}
	if l.cache != nil {
		l.cache.Add(i, out)
		return l.clone(out), nil
	}
	return out, nil
}

// Collect computes every partition concurrently and returns the results in
// partition order.
func (l *Lazy[T]) Collect(ctx context.Context) ([]T, error) {
	out := make([]T, l.NumPartitions())
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(l.maxConcurrency))
	for i := range out {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		i := i
		g.Go(func() error {
			defer sem.Release(1)
			v, err := l.Partition(gctx, i)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Flatten concatenates per-partition results.
func Flatten[T any](parts [][]T) []T {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]T, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
