// internal/expr/context.go
package expr

import (
	"io"
	"log/slog"
	"time"

	"github.com/driftlock/driftlock/internal/types"
)

/*
 * Evaluation context and adapter contracts.
 *
 * Context is ephemeral: built per evaluation, never persisted, so results
 * cannot go stale across calls. Adapters are already scoped to the current
 * user - no method takes a distinct ID - which fixes identity for the
 * whole evaluation and rules out cross-user leakage.
 *
 * Adapters are read-only and must not block on network I/O; they answer
 * from local caches. "Cannot answer" is signalled with ErrDataUnavailable
 * and is a distinct outcome from false.
 */

// Context carries the point-in-time inputs for one evaluation.
// Rebuilt on every Evaluate call; never persisted.
type Context struct {
	Now   time.Time
	Event *types.Event // triggering event, nil when none

	Events   EventQueries
	Segments SegmentQueries
	Features FeatureQueries
	User     UserProperties

	Logger *slog.Logger // nil disables interpreter logging
}

// logger returns the context logger or a discard logger.
func (c *Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EventQueries answers event-history predicates for the context's user.
// Time-relative predicates take an explicit now so they stay pure and
// deterministic under test.
type EventQueries interface {
	Exists(f EventFilter) (bool, error)
	Count(f EventFilter) (int, error)
	FirstTime(f EventFilter) (time.Time, bool, error)
	LastTime(f EventFilter) (time.Time, bool, error)
	Aggregate(f EventFilter, property string, agg AggregateKind) (float64, bool, error)
	InOrder(steps []EventFilter, overallWithin, perStepWithin time.Duration) (bool, error)
	ActivePeriods(f EventFilter, period time.Duration, total, min int, now time.Time) (bool, error)
	Stopped(f EventFilter, inactiveFor time.Duration, now time.Time) (bool, error)
	Restarted(f EventFilter, inactiveFor, within time.Duration, now time.Time) (bool, error)
}

// SegmentQueries answers cached segment membership for the context's user.
type SegmentQueries interface {
	IsMember(segmentID string) (bool, error)
}

// FeatureAccess is the cached access state for one feature.
type FeatureAccess struct {
	FeatureID string
	EntityID  string
	Granted   bool
}

// FeatureQueries answers cached feature access for the context's user.
// A nil FeatureAccess with nil error means "no cached answer".
type FeatureQueries interface {
	CheckCached(featureID, entityID string) (*FeatureAccess, error)
}

// UserProperties looks up cached user profile properties.
// The ok result distinguishes "absent" from "present with zero value".
type UserProperties interface {
	Get(key string) (any, bool, error)
}
