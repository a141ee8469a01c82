// Package sched wakes paused journeys: a timer loop over an in-process
// min-heap of resume timestamps, backed by periodic store scans that catch
// journeys scheduled before the last process restart and waits that have no
// timestamp at all.
package sched

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlock/driftlock/internal/journey"
	"github.com/driftlock/driftlock/internal/types"
)

// DefaultPollInterval bounds how long a condition-gated wait with no
// timestamp goes unchecked between events.
const DefaultPollInterval = 30 * time.Second

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Resumer wakes journeys on their owner's shard. Implemented by the broker.
type Resumer interface {
	WakeJourney(id types.JourneyID)
	RevalidateJourney(id types.JourneyID)
}

// JourneyScans reads paused journeys from the store.
type JourneyScans interface {
	DueJourneys(ctx context.Context, now time.Time) ([]*journey.Journey, error)
	PausedJourneys(ctx context.Context) ([]*journey.Journey, error)
}

// Scheduler owns the resume timeline. Resumes are idempotent downstream
// (status-guarded by the machine), so firing twice for one journey, or
// firing for a journey that already advanced, is harmless.
type Scheduler struct {
	resumer Resumer
	scans   JourneyScans
	clock   Clock
	logger  *slog.Logger
	poll    time.Duration

	mu   sync.Mutex
	heap wakeHeap
	kick chan struct{}
}

// New creates a scheduler. A nil clock uses the system clock; a
// non-positive poll interval uses DefaultPollInterval.
func New(resumer Resumer, scans JourneyScans, clock Clock, poll time.Duration, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = systemClock{}
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		resumer: resumer,
		scans:   scans,
		clock:   clock,
		logger:  logger,
		poll:    poll,
		kick:    make(chan struct{}, 1),
	}
}

// Schedule implements journey.Waker: records a wake time and wakes the
// timer loop so an earlier entry shortens the current wait.
func (s *Scheduler) Schedule(id types.JourneyID, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.heap, wakeEntry{at: at, id: id})
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the timer loop until ctx is cancelled. One poll pass runs at
// startup to recover journeys whose wake time passed while the process was
// down.
func (s *Scheduler) Run(ctx context.Context) {
	s.pollOnce(ctx)

	timer := time.NewTimer(s.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-timer.C:
			s.WakeDue(s.clock.Now())
			s.pollOnce(ctx)
		}
		timer.Reset(s.nextWait())
	}
}

// WakeDue fires every heap entry whose wake time has passed.
func (s *Scheduler) WakeDue(now time.Time) {
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		entry := heap.Pop(&s.heap).(wakeEntry)
		s.mu.Unlock()

		s.resumer.WakeJourney(entry.id)
	}
}

// RescanForeground revalidates every paused journey. Called on
// app-foreground: device timers do not survive backgrounding, so the
// durable rows, not the in-process heap, are the source of truth.
func (s *Scheduler) RescanForeground(ctx context.Context) {
	paused, err := s.scans.PausedJourneys(ctx)
	if err != nil {
		s.logger.Error("foreground rescan failed", "error", err)
		return
	}
	for _, j := range paused {
		s.resumer.RevalidateJourney(j.ID)
	}
}

// pollOnce scans the store for due journeys (wake times that predate this
// process) and for condition-gated waits with no timestamp, which only a
// periodic re-evaluation can advance between events.
func (s *Scheduler) pollOnce(ctx context.Context) {
	now := s.clock.Now()

	due, err := s.scans.DueJourneys(ctx, now)
	if err != nil {
		s.logger.Error("due journey scan failed", "error", err)
	} else {
		for _, j := range due {
			s.resumer.WakeJourney(j.ID)
		}
	}

	paused, err := s.scans.PausedJourneys(ctx)
	if err != nil {
		s.logger.Error("paused journey scan failed", "error", err)
		return
	}
	for _, j := range paused {
		if j.Pending != nil && j.Pending.Condition != nil && j.Pending.ResumeAt == nil {
			s.resumer.WakeJourney(j.ID)
		}
	}
}

// nextWait returns how long to sleep: until the earliest heap entry, capped
// by the poll interval.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heap.Len() == 0 {
		return s.poll
	}
	wait := s.heap[0].at.Sub(s.clock.Now())
	if wait < 0 {
		return 0
	}
	if wait > s.poll {
		return s.poll
	}
	return wait
}

// wakeEntry is one (wake time, journey) pair.
type wakeEntry struct {
	at time.Time
	id types.JourneyID
}

// wakeHeap is a min-heap ordered by wake time.
type wakeHeap []wakeEntry

func (h wakeHeap) Len() int           { return len(h) }
func (h wakeHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h wakeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *wakeHeap) Push(x any)        { *h = append(*h, x.(wakeEntry)) }
func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
