package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestExecutor_SerializesPerKey(t *testing.T) {
	e := newExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	const n = 50
	var order []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		e.Enqueue("user-1", func(ctx context.Context, stale bool) {
			// Same key means same shard goroutine; no lock needed.
			order = append(order, i)
			if i == n-1 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("tasks did not complete")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, tasks for one key must run in enqueue order", i, v)
		}
	}
}

func TestExecutor_CapturedGenerationSurvivesBumpBeforeEnqueue(t *testing.T) {
	e := newExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)))

	// An identify landing between the identity read and the enqueue must
	// not launder the task into the new generation.
	gen := e.Generation()
	e.BumpGeneration()

	got := make(chan bool, 1)
	e.EnqueueAt("user-1", gen, func(ctx context.Context, stale bool) {
		got <- stale
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	select {
	case stale := <-got:
		if !stale {
			t.Errorf("task enqueued with a pre-bump generation must run stale")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("task did not run")
	}
}

func TestExecutor_BumpGenerationMarksQueuedTasksStale(t *testing.T) {
	e := newExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Enqueue before the shards start so the bump is guaranteed to land
	// while the task is still queued.
	var mu sync.Mutex
	var got []bool
	done := make(chan struct{})
	e.Enqueue("user-1", func(ctx context.Context, stale bool) {
		mu.Lock()
		got = append(got, stale)
		mu.Unlock()
	})
	e.BumpGeneration()
	e.Enqueue("user-1", func(ctx context.Context, stale bool) {
		mu.Lock()
		got = append(got, stale)
		mu.Unlock()
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("tasks did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("stale flags = %v, want [true false]", got)
	}
}
