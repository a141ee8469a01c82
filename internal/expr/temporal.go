// internal/expr/temporal.go
package expr

import "time"

/*
 * Temporal predicate semantics over ordered timestamp sets.
 *
 * These helpers define the single source of truth for inOrder,
 * activePeriods, stopped, and restarted. The store-backed event adapters
 * fetch qualifying timestamps and delegate here, so production and
 * in-memory test adapters share identical semantics.
 *
 * All functions take timestamps sorted ascending and an explicit now;
 * they perform no I/O and no clock reads.
 */

// DefaultPeriod is the activePeriods bucket length when none is supplied:
// one calendar-aligned UTC day.
const DefaultPeriod = 24 * time.Hour

// OrderedWithin reports whether one timestamp can be picked from each step
// set such that picks are strictly increasing, every consecutive gap is
// within perStep, and the full span is within overall. Zero durations mean
// unbounded; when both are set, both must hold.
//
// The search backtracks over candidate picks. Taking the earliest valid
// timestamp for a step can strand a later step whose only candidates sit
// past that pick's perStep reach, so every in-range candidate is tried
// before a prefix is abandoned. Step count is capped at MaxInOrderSteps
// upstream.
func OrderedWithin(steps [][]time.Time, overall, perStep time.Duration) bool {
	if len(steps) == 0 {
		return false
	}
	for _, ts := range steps {
		if len(ts) == 0 {
			return false
		}
	}

	for _, first := range steps[0] {
		if pickAfter(steps[1:], first, first, overall, perStep) {
			return true
		}
	}
	return false
}

// pickAfter searches depth-first for one strictly increasing pick per
// remaining step, given the first pick and the previous one. Candidates
// are ascending, so a candidate past a window bound ends that step's loop.
func pickAfter(steps [][]time.Time, first, prev time.Time, overall, perStep time.Duration) bool {
	if len(steps) == 0 {
		return true
	}
	for _, t := range steps[0] {
		if !t.After(prev) {
			continue
		}
		if perStep > 0 && t.Sub(prev) > perStep {
			break
		}
		if overall > 0 && t.Sub(first) > overall {
			break
		}
		if pickAfter(steps[1:], first, t, overall, perStep) {
			return true
		}
	}
	return false
}

// ActivePeriodCount buckets timestamps into calendar-aligned periods and
// counts how many of the last total periods (the current one included)
// contain at least one timestamp.
func ActivePeriodCount(times []time.Time, period time.Duration, total int, now time.Time) int {
	if period <= 0 {
		period = DefaultPeriod
	}
	if total <= 0 {
		return 0
	}

	current := now.UTC().Truncate(period)
	oldest := current.Add(-time.Duration(total-1) * period)

	seen := make(map[time.Time]bool, total)
	for _, t := range times {
		bucket := t.UTC().Truncate(period)
		if bucket.Before(oldest) || bucket.After(current) {
			continue
		}
		seen[bucket] = true
	}
	return len(seen)
}

// StoppedSince reports whether activity has stopped: the most recent
// qualifying timestamp is strictly older than inactiveFor. An empty
// history is "never active", not "stopped", and reports false.
func StoppedSince(last time.Time, hasLast bool, inactiveFor time.Duration, now time.Time) bool {
	if !hasLast {
		return false
	}
	return now.Sub(last) > inactiveFor
}

// RestartedWithin reports whether an inactivity gap longer than
// inactiveFor was ended by a new qualifying timestamp, and that restart
// happened within `within` before now. The restart event itself ends the
// gap, so the gap is measured between consecutive timestamps.
func RestartedWithin(times []time.Time, inactiveFor, within time.Duration, now time.Time) bool {
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap <= inactiveFor {
			continue
		}
		if within > 0 && now.Sub(times[i]) > within {
			continue
		}
		return true
	}
	return false
}
