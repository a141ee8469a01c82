package broker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/driftlock/driftlock/internal/types"
)

/*
 * Sharded single-writer executor.
 *
 * All mutations for one distinct ID run on one shard goroutine, which
 * serializes journey execution per user without per-journey locks. Events
 * for different users proceed in parallel across shards.
 *
 * The generation counter implements identity-change cancellation: tasks
 * carry the generation current when their inputs were read, and an
 * identity change bumps it, so work built for the old identity executes
 * as stale and is dropped by the caller.
 */

const (
	numShards     = 8
	shardQueueCap = 64
)

type task struct {
	gen uint64
	run func(ctx context.Context, stale bool)
}

type executor struct {
	shards [numShards]chan task
	gen    atomic.Uint64
	logger *slog.Logger
}

func newExecutor(logger *slog.Logger) *executor {
	e := &executor{logger: logger}
	for i := range e.shards {
		e.shards[i] = make(chan task, shardQueueCap)
	}
	return e
}

// Run drives the shard loops until ctx is cancelled. Queued tasks are
// abandoned on shutdown; every durable transition has already been
// persisted by the time its task completes, so dropped tasks only lose
// not-yet-started work.
func (e *executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range e.shards {
		wg.Add(1)
		go func(ch chan task) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ch:
					stale := t.gen != e.gen.Load()
					t.run(ctx, stale)
				}
			}
		}(e.shards[i])
	}
	wg.Wait()
}

// Enqueue schedules fn on the shard owning distinctID with the current
// generation. fn always runs; stale reports whether the identity changed
// after enqueue, in which case fn must drop the mutation.
func (e *executor) Enqueue(distinctID types.DistinctID, fn func(ctx context.Context, stale bool)) {
	e.EnqueueAt(distinctID, e.gen.Load(), fn)
}

// EnqueueAt schedules fn with a generation the caller captured earlier.
// Callers that read identity-dependent state must capture the generation
// in the same critical section as that read, so a bump between the read
// and the enqueue still marks the task stale.
func (e *executor) EnqueueAt(distinctID types.DistinctID, gen uint64, fn func(ctx context.Context, stale bool)) {
	e.shards[shardFor(distinctID)] <- task{gen: gen, run: fn}
}

// Generation returns the current generation counter.
func (e *executor) Generation() uint64 {
	return e.gen.Load()
}

// BumpGeneration invalidates all queued tasks. Called on identity change.
func (e *executor) BumpGeneration() {
	e.gen.Add(1)
}

func shardFor(distinctID types.DistinctID) int {
	h := fnv.New32a()
	h.Write([]byte(distinctID))
	return int(h.Sum32() % numShards)
}
