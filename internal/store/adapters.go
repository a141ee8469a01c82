package store

import (
	"context"
	"time"

	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/types"
)

/*
 * Store-backed event history adapter.
 *
 * Rows are fetched per (user, event name) and filtered in Go with the same
 * predicate and temporal helpers the in-memory test adapters use, so both
 * paths share identical semantics. The name column is indexed; the Where
 * predicates and time bounds are applied after the fetch.
 */

// EventsFor returns an event-history adapter scoped to one user. The
// adapter is stateless; every call reads the current log.
func (s *Store) EventsFor(distinctID types.DistinctID) expr.EventQueries {
	return &userEvents{store: s, distinctID: distinctID}
}

type userEvents struct {
	store      *Store
	distinctID types.DistinctID
}

// qualifying returns the occurrence times of events matching f, ascending.
// The EventQueries contract is context-free (local reads only), so the
// background context is used throughout.
func (u *userEvents) qualifying(f expr.EventFilter) ([]time.Time, error) {
	events, err := u.store.eventsByName(context.Background(), u.distinctID, f.Name)
	if err != nil {
		return nil, err
	}

	var times []time.Time
	for _, ev := range events {
		if expr.MatchesFilter(f, ev.Name, ev.Timestamp, ev.Properties) {
			times = append(times, ev.Timestamp)
		}
	}
	return times, nil
}

func (u *userEvents) Exists(f expr.EventFilter) (bool, error) {
	times, err := u.qualifying(f)
	if err != nil {
		return false, err
	}
	return len(times) > 0, nil
}

func (u *userEvents) Count(f expr.EventFilter) (int, error) {
	times, err := u.qualifying(f)
	if err != nil {
		return 0, err
	}
	return len(times), nil
}

func (u *userEvents) FirstTime(f expr.EventFilter) (time.Time, bool, error) {
	times, err := u.qualifying(f)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(times) == 0 {
		return time.Time{}, false, nil
	}
	return times[0], true, nil
}

func (u *userEvents) LastTime(f expr.EventFilter) (time.Time, bool, error) {
	times, err := u.qualifying(f)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(times) == 0 {
		return time.Time{}, false, nil
	}
	return times[len(times)-1], true, nil
}

// Aggregate folds a numeric property over qualifying events. Events whose
// property is absent or non-numeric are skipped; ok is false when no event
// contributed a value.
func (u *userEvents) Aggregate(f expr.EventFilter, property string, agg expr.AggregateKind) (float64, bool, error) {
	events, err := u.store.eventsByName(context.Background(), u.distinctID, f.Name)
	if err != nil {
		return 0, false, err
	}

	var sum, min, max float64
	var n int
	for _, ev := range events {
		if !expr.MatchesFilter(f, ev.Name, ev.Timestamp, ev.Properties) {
			continue
		}
		raw, present := ev.Properties[property]
		if !present {
			continue
		}
		v, ok := expr.NumberValue(raw)
		if !ok {
			continue
		}
		if n == 0 {
			min, max = v, v
		} else {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		sum += v
		n++
	}

	if n == 0 {
		return 0, false, nil
	}

	switch agg {
	case expr.AggSum:
		return sum, true, nil
	case expr.AggAvg:
		return sum / float64(n), true, nil
	case expr.AggMin:
		return min, true, nil
	case expr.AggMax:
		return max, true, nil
	default:
		return 0, false, types.ErrUnsupportedExpression
	}
}

func (u *userEvents) InOrder(steps []expr.EventFilter, overallWithin, perStepWithin time.Duration) (bool, error) {
	if len(steps) > types.MaxInOrderSteps {
		return false, types.ErrTooManyInOrderSteps
	}

	stepTimes := make([][]time.Time, len(steps))
	for i, f := range steps {
		times, err := u.qualifying(f)
		if err != nil {
			return false, err
		}
		stepTimes[i] = times
	}
	return expr.OrderedWithin(stepTimes, overallWithin, perStepWithin), nil
}

func (u *userEvents) ActivePeriods(f expr.EventFilter, period time.Duration, total, min int, now time.Time) (bool, error) {
	times, err := u.qualifying(f)
	if err != nil {
		return false, err
	}
	return expr.ActivePeriodCount(times, period, total, now) >= min, nil
}

func (u *userEvents) Stopped(f expr.EventFilter, inactiveFor time.Duration, now time.Time) (bool, error) {
	last, hasLast, err := u.LastTime(f)
	if err != nil {
		return false, err
	}
	return expr.StoppedSince(last, hasLast, inactiveFor, now), nil
}

func (u *userEvents) Restarted(f expr.EventFilter, inactiveFor, within time.Duration, now time.Time) (bool, error) {
	times, err := u.qualifying(f)
	if err != nil {
		return false, err
	}
	return expr.RestartedWithin(times, inactiveFor, within, now), nil
}
