// Package tasks provides the bounded-parallelism and sequential helpers the
// crawler schedules its work with.
package tasks

import (
	"context"
	"math/rand/v2"

	"github.com/remeh/sizedwaitgroup"
	"golang.org/x/sync/errgroup"
)

// DefaultGroupSize is the batch size Chunkify uses when given a non-positive one.
const DefaultGroupSize = 16

// Task is a unit of work that can fail.
type Task[T any] func(ctx context.Context) (T, error)

// Thunk is a unit of work that contains its own failures.
type Thunk[T any] func(ctx context.Context) T

// ParallelLimit runs tasks with at most limit of them in flight and returns
// their results in input order. The first failure is returned and cancels the
// context seen by tasks that have not finished; results of tasks that did
// complete are still filled in.
func ParallelLimit[T any](ctx context.Context, tasks []Task[T], limit int) ([]T, error) {
	if limit <= 0 {
		limit = 1
	}
	results := make([]T, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, task := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := task(gctx)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	return results, g.Wait()
}

// Execute runs tasks one after another in slice order and stops at the first
// error. Tasks after the failing one are never started.
func Execute[T any](ctx context.Context, tasks []Task[T]) ([]T, error) {
	results := make([]T, 0, len(tasks))
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := task(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Chunkify runs thunks in randomized batches of groupSize. While more than
// groupSize thunks remain, the remainder is shuffled and its head is run as
// one fully parallel batch; the next batch starts only after the whole batch
// returned. The last remainder of at most groupSize runs as a final batch.
//
// The result holds one entry per thunk in execution (batch) order, not input
// order.
func Chunkify[T any](ctx context.Context, thunks []Thunk[T], groupSize int) []T {
	return chunkify(ctx, thunks, groupSize, nil)
}

func chunkify[T any](ctx context.Context, thunks []Thunk[T], groupSize int, rng *rand.Rand) []T {
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}

	remaining := make([]Thunk[T], len(thunks))
	copy(remaining, thunks)

	results := make([]T, 0, len(thunks))
	for len(remaining) > groupSize {
		Shuffle(remaining, rng)
		batch := remaining[:groupSize]
		remaining = remaining[groupSize:]
		results = append(results, runBatch(ctx, batch)...)
	}
	return append(results, runBatch(ctx, remaining)...)
}

// runBatch starts every thunk at once and waits for all of them.
func runBatch[T any](ctx context.Context, batch []Thunk[T]) []T {
	out := make([]T, len(batch))
	if len(batch) == 0 {
		return out
	}

	swg := sizedwaitgroup.New(len(batch))
	for i, thunk := range batch {
		swg.Add()
		go func() {
			defer swg.Done()
			out[i] = thunk(ctx)
		}()
	}
	swg.Wait()
	return out
}

// Shuffle permutes items in place with a Fisher–Yates shuffle. A nil rng uses
// the process-wide source.
func Shuffle[T any](items []T, rng *rand.Rand) {
	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}
	for i := len(items) - 1; i > 0; i-- {
		j := intN(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}
