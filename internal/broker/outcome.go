package broker

import (
	"sync"
	"time"
)

/*
 * Outcome correlation registry.
 *
 * Remote calls started by a workflow resolve asynchronously: the host
 * application (or its transport layer) reports success or failure later,
 * possibly never. Each registration resolves exactly once, whether by an
 * observed outcome, by its timeout, or by cancellation; late observers are
 * no-ops and report false.
 */

// Outcome is the resolution of one correlated remote operation.
type Outcome struct {
	Success  bool
	TimedOut bool
}

type pendingOutcome struct {
	fn    func(Outcome)
	timer *time.Timer
}

// OutcomeRegistry correlates asynchronous outcomes with their waiters.
type OutcomeRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingOutcome
}

// NewOutcomeRegistry creates an empty registry.
func NewOutcomeRegistry() *OutcomeRegistry {
	return &OutcomeRegistry{pending: make(map[string]*pendingOutcome)}
}

// Register binds fn to the correlation id. If timeout is positive and no
// outcome is observed in time, fn resolves with a timed-out failure.
// Re-registering an id replaces the previous registration without
// resolving it.
func (r *OutcomeRegistry) Register(id string, timeout time.Duration, fn func(Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.pending[id]; ok && prev.timer != nil {
		prev.timer.Stop()
	}

	p := &pendingOutcome{fn: fn}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			r.resolve(id, Outcome{TimedOut: true})
		})
	}
	r.pending[id] = p
}

// Observe resolves the registration for id. Reports false when the id is
// unknown or already resolved, which makes concurrent observe/timeout races
// safe: exactly one resolution wins.
func (r *OutcomeRegistry) Observe(id string, success bool) bool {
	return r.resolve(id, Outcome{Success: success})
}

// Cancel drops a registration without invoking its callback.
func (r *OutcomeRegistry) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(r.pending, id)
	}
}

// Len returns the number of unresolved registrations.
func (r *OutcomeRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// resolve removes the registration under lock, then invokes the callback
// outside it. The delete-before-callback ordering is what guarantees
// exactly-once.
func (r *OutcomeRegistry) resolve(id string, oc Outcome) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.fn(oc)
	return true
}
