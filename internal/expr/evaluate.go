// internal/expr/evaluate.go
package expr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftlock/driftlock/internal/types"
)

/*
 * Expression evaluation orchestration.
 *
 * Evaluate is total: adapter failures, missing data, unknown node kinds,
 * and unsupported schema versions all resolve to false and are logged,
 * never propagated. A misconfigured or partially-available rule must
 * never crash the host app or block unrelated triggers.
 *
 * Evaluation flow:
 *   1. Schema version gate (unsupported -> false, logged once per expression)
 *   2. Recursive node walk with depth limit and short-circuit AND/OR
 *   3. Domain predicates routed to user-scoped adapters
 *   4. Comparison: fetch operand -> coerce type -> compare operator
 *
 * Log-once: unsupported expressions are reported once per expression
 * identity (CacheKey), not once per evaluation, to avoid log storms when
 * a stale rule is evaluated on every trigger.
 */

// loggedUnsupported tracks expression cache keys already reported.
var loggedUnsupported sync.Map

// Evaluate checks the expression against the context. Total: never panics
// outward and never returns an error; every failure mode resolves to false.
func Evaluate(e *Expression, ctx *Context) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			ctx.logger().Error("expression evaluation panicked", "panic", r)
			result = false
		}
	}()

	if e == nil || e.Root == nil {
		return false
	}
	if e.SchemaVersion <= 0 || e.SchemaVersion > SchemaVersion {
		warnUnsupported(e, ctx, fmt.Errorf("%w: schema version %d", types.ErrUnsupportedExpression, e.SchemaVersion))
		return false
	}

	v, err := evalNode(e.Root, ctx, 0)
	if err != nil {
		if errors.Is(err, types.ErrUnsupportedExpression) || errors.Is(err, types.ErrExpressionTooDeep) {
			warnUnsupported(e, ctx, err)
		} else {
			ctx.logger().Debug("expression resolved false", "error", err)
		}
		return false
	}
	return v
}

// warnUnsupported logs an unsupported expression once per expression identity.
func warnUnsupported(e *Expression, ctx *Context, err error) {
	key := e.CacheKey()
	if _, seen := loggedUnsupported.LoadOrStore(key, struct{}{}); !seen {
		ctx.logger().Warn("unsupported expression fails closed", "expression", key, "error", err)
	}
}

// evalNode walks the tree. Errors bubble to Evaluate where they fold to false.
func evalNode(n *Node, ctx *Context, depth int) (bool, error) {
	if depth > types.MaxExpressionDepth {
		return false, types.ErrExpressionTooDeep
	}
	if n == nil {
		return false, fmt.Errorf("%w: nil node", types.ErrUnsupportedExpression)
	}

	switch n.Kind {
	case KindBool:
		if n.Bool == nil {
			return false, malformed(n.Kind)
		}
		return n.Bool.Value, nil

	case KindNot:
		if n.Not == nil {
			return false, malformed(n.Kind)
		}
		v, err := evalNode(n.Not.Child, ctx, depth+1)
		if err != nil {
			return false, err
		}
		return !v, nil

	case KindAnd:
		if n.And == nil {
			return false, malformed(n.Kind)
		}
		for _, child := range n.And.Children {
			v, err := evalNode(child, ctx, depth+1)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil

	case KindOr:
		if n.Or == nil {
			return false, malformed(n.Kind)
		}
		for _, child := range n.Or.Children {
			v, err := evalNode(child, ctx, depth+1)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil

	case KindCompare:
		if n.Compare == nil {
			return false, malformed(n.Kind)
		}
		return evalCompare(n.Compare, ctx)

	case KindEventExists:
		if n.Exists == nil {
			return false, malformed(n.Kind)
		}
		if ctx.Events == nil {
			return false, types.ErrDataUnavailable
		}
		return ctx.Events.Exists(n.Exists.Filter)

	case KindEventCount:
		if n.Count == nil {
			return false, malformed(n.Kind)
		}
		if ctx.Events == nil {
			return false, types.ErrDataUnavailable
		}
		count, err := ctx.Events.Count(n.Count.Filter)
		if err != nil {
			return false, err
		}
		return compareTyped(opOrDefault(n.Count.Op), TypeNumber, float64(count), n.Count.Value, nil), nil

	case KindEventAgg:
		if n.Aggregate == nil {
			return false, malformed(n.Kind)
		}
		if ctx.Events == nil {
			return false, types.ErrDataUnavailable
		}
		agg := n.Aggregate
		value, ok, err := ctx.Events.Aggregate(agg.Filter, agg.Property, agg.Agg)
		if err != nil {
			return false, err
		}
		if !ok {
			// No qualifying events: distinct from an aggregate of zero.
			return false, nil
		}
		return compareTyped(opOrDefault(agg.Op), TypeNumber, value, agg.Value, nil), nil

	case KindInOrder:
		if n.InOrder == nil {
			return false, malformed(n.Kind)
		}
		if len(n.InOrder.Steps) == 0 || len(n.InOrder.Steps) > types.MaxInOrderSteps {
			return false, types.ErrTooManyInOrderSteps
		}
		if ctx.Events == nil {
			return false, types.ErrDataUnavailable
		}
		return ctx.Events.InOrder(
			n.InOrder.Steps,
			time.Duration(n.InOrder.OverallWithinMs)*time.Millisecond,
			time.Duration(n.InOrder.PerStepWithinMs)*time.Millisecond,
		)

	case KindActivePeriods:
		if n.ActivePeriods == nil {
			return false, malformed(n.Kind)
		}
		if ctx.Events == nil {
			return false, types.ErrDataUnavailable
		}
		ap := n.ActivePeriods
		return ctx.Events.ActivePeriods(
			ap.Filter,
			time.Duration(ap.PeriodMs)*time.Millisecond,
			ap.Total, ap.Min, ctx.Now,
		)

	case KindStopped:
		if n.Stopped == nil {
			return false, malformed(n.Kind)
		}
		if ctx.Events == nil {
			return false, types.ErrDataUnavailable
		}
		return ctx.Events.Stopped(
			n.Stopped.Filter,
			time.Duration(n.Stopped.InactiveForMs)*time.Millisecond,
			ctx.Now,
		)

	case KindRestarted:
		if n.Restarted == nil {
			return false, malformed(n.Kind)
		}
		if ctx.Events == nil {
			return false, types.ErrDataUnavailable
		}
		return ctx.Events.Restarted(
			n.Restarted.Filter,
			time.Duration(n.Restarted.InactiveForMs)*time.Millisecond,
			time.Duration(n.Restarted.WithinMs)*time.Millisecond,
			ctx.Now,
		)

	case KindSegment:
		if n.Segment == nil {
			return false, malformed(n.Kind)
		}
		if ctx.Segments == nil {
			return false, types.ErrDataUnavailable
		}
		return ctx.Segments.IsMember(n.Segment.SegmentID)

	case KindFeature:
		if n.Feature == nil {
			return false, malformed(n.Kind)
		}
		if ctx.Features == nil {
			return false, types.ErrDataUnavailable
		}
		access, err := ctx.Features.CheckCached(n.Feature.FeatureID, n.Feature.EntityID)
		if err != nil {
			return false, err
		}
		if access == nil {
			// Absence of a cached answer is not a denial, but it cannot
			// grant either: fail closed.
			return false, nil
		}
		return access.Granted, nil

	default:
		return false, fmt.Errorf("%w: node kind %q", types.ErrUnsupportedExpression, n.Kind)
	}
}

// evalCompare fetches the operand and applies the typed comparison.
// An absent property resolves the comparison to false, not to an error.
func evalCompare(c *CompareNode, ctx *Context) (bool, error) {
	var value any
	var present bool

	switch c.Source {
	case SourceUser:
		if ctx.User == nil {
			return false, types.ErrDataUnavailable
		}
		v, ok, err := ctx.User.Get(c.Key)
		if err != nil {
			return false, err
		}
		value, present = v, ok
	case SourceEvent:
		if ctx.Event != nil {
			value, present = ctx.Event.Properties[c.Key]
		}
	default:
		return false, fmt.Errorf("%w: compare source %q", types.ErrUnsupportedExpression, c.Source)
	}

	if c.Op == OpExists {
		return present, nil
	}
	if !present {
		return false, nil
	}
	return compareTyped(c.Op, c.Type, value, c.Value, c.Values), nil
}

// malformed reports a node whose payload does not match its kind.
func malformed(kind NodeKind) error {
	return fmt.Errorf("%w: malformed %q node", types.ErrUnsupportedExpression, kind)
}

// opOrDefault substitutes gte for an unset comparison operator, the common
// "at least N" reading of count and aggregate thresholds.
func opOrDefault(op CompareOp) CompareOp {
	if op == "" {
		return OpGte
	}
	return op
}
