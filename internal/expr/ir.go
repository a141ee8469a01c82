// internal/expr/ir.go
package expr

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

/*
 * Compiled expression IR.
 *
 * Expressions arrive pre-compiled from the server as a versioned envelope
 * around an immutable node tree. The envelope's schema is owned by the
 * upstream compiler; this package only consumes it.
 *
 * Node is a tagged union: Kind selects exactly one populated payload
 * pointer. Unknown kinds and unsupported schema versions are not errors
 * at decode time - they fail closed to false at evaluation time, so a
 * newer server rule degrades gracefully on an older client.
 */

// SchemaVersion is the highest IR schema version this interpreter supports.
const SchemaVersion = 1

// Expression is the versioned envelope around a compiled node tree.
type Expression struct {
	SchemaVersion int   `json:"schema_version"`
	Root          *Node `json:"root"`

	hashOnce sync.Once
	hash     string
}

// CacheKey returns a stable identity for this expression, used to
// deduplicate unsupported-expression log lines. Computed lazily from the
// canonical JSON encoding and memoized.
func (e *Expression) CacheKey() string {
	e.hashOnce.Do(func() {
		raw, err := json.Marshal(struct {
			V int   `json:"v"`
			R *Node `json:"r"`
		}{e.SchemaVersion, e.Root})
		if err != nil {
			e.hash = fmt.Sprintf("unhashable:%p", e)
			return
		}
		sum := sha256.Sum256(raw)
		e.hash = fmt.Sprintf("%x", sum[:8])
	})
	return e.hash
}

// NodeKind discriminates the Node tagged union.
type NodeKind string

// Node kinds understood by this interpreter version.
const (
	KindBool          NodeKind = "bool"
	KindNot           NodeKind = "not"
	KindAnd           NodeKind = "and"
	KindOr            NodeKind = "or"
	KindCompare       NodeKind = "compare"
	KindEventExists   NodeKind = "event.exists"
	KindEventCount    NodeKind = "event.count"
	KindEventAgg      NodeKind = "event.aggregate"
	KindInOrder       NodeKind = "event.inOrder"
	KindActivePeriods NodeKind = "event.activePeriods"
	KindStopped       NodeKind = "event.stopped"
	KindRestarted     NodeKind = "event.restarted"
	KindSegment       NodeKind = "segment.isMember"
	KindFeature       NodeKind = "feature.access"
)

// Node is one node of the expression tree. Exactly one payload field
// matching Kind is non-nil; all others are omitted from JSON.
type Node struct {
	Kind NodeKind `json:"kind"`

	Bool          *BoolNode          `json:"bool,omitempty"`
	Not           *NotNode           `json:"not,omitempty"`
	And           *LogicalNode       `json:"and,omitempty"`
	Or            *LogicalNode       `json:"or,omitempty"`
	Compare       *CompareNode       `json:"compare,omitempty"`
	Exists        *ExistsNode        `json:"exists,omitempty"`
	Count         *CountNode         `json:"count,omitempty"`
	Aggregate     *AggregateNode     `json:"aggregate,omitempty"`
	InOrder       *InOrderNode       `json:"in_order,omitempty"`
	ActivePeriods *ActivePeriodsNode `json:"active_periods,omitempty"`
	Stopped       *StoppedNode       `json:"stopped,omitempty"`
	Restarted     *RestartedNode     `json:"restarted,omitempty"`
	Segment       *SegmentNode       `json:"segment,omitempty"`
	Feature       *FeatureNode       `json:"feature,omitempty"`
}

// BoolNode is a boolean literal.
type BoolNode struct {
	Value bool `json:"value"`
}

// NotNode negates its child.
type NotNode struct {
	Child *Node `json:"child"`
}

// LogicalNode holds the children of an AND or OR node.
type LogicalNode struct {
	Children []*Node `json:"children"`
}

// ValueSource selects where a comparison reads its left-hand value from.
type ValueSource string

const (
	// SourceUser reads a user profile property.
	SourceUser ValueSource = "user"
	// SourceEvent reads a property of the triggering event.
	SourceEvent ValueSource = "event"
)

// CompareOp enumerates comparison operators.
type CompareOp string

const (
	OpEq     CompareOp = "eq"
	OpNeq    CompareOp = "neq"
	OpLt     CompareOp = "lt"
	OpLte    CompareOp = "lte"
	OpGt     CompareOp = "gt"
	OpGte    CompareOp = "gte"
	OpPrefix CompareOp = "prefix"
	OpSuffix CompareOp = "suffix"
	OpIn     CompareOp = "in"
	OpExists CompareOp = "exists"
)

// ValueType declares the expected type of a compared value.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeNumber ValueType = "number"
	TypeBool   ValueType = "bool"
	TypeDate   ValueType = "date"
)

// CompareNode is a typed comparison against a user property or a property
// of the triggering event. An absent property short-circuits the whole
// comparison to false rather than erroring.
type CompareNode struct {
	Source ValueSource `json:"source"`
	Key    string      `json:"key"`
	Op     CompareOp   `json:"op"`
	Type   ValueType   `json:"type"`
	Value  any         `json:"value,omitempty"`
	Values []any       `json:"values,omitempty"` // for OpIn
}

// PropMatch is one property predicate inside an EventFilter.
type PropMatch struct {
	Key    string    `json:"key"`
	Op     CompareOp `json:"op"`
	Type   ValueType `json:"type"`
	Value  any       `json:"value,omitempty"`
	Values []any     `json:"values,omitempty"`
}

// EventFilter scopes an event-history predicate to qualifying events:
// name equality, optional time bounds, and optional property predicates.
// Zero Since/Until mean "all history" on that side.
type EventFilter struct {
	Name  string      `json:"name"`
	Since *time.Time  `json:"since,omitempty"`
	Until *time.Time  `json:"until,omitempty"`
	Where []PropMatch `json:"where,omitempty"`
}

// ExistsNode is true when at least one qualifying event exists.
type ExistsNode struct {
	Filter EventFilter `json:"filter"`
}

// CountNode compares the number of qualifying events against a threshold.
type CountNode struct {
	Filter EventFilter `json:"filter"`
	Op     CompareOp   `json:"op"`
	Value  float64     `json:"value"`
}

// AggregateKind enumerates numeric aggregations over an event property.
type AggregateKind string

const (
	AggSum AggregateKind = "sum"
	AggAvg AggregateKind = "avg"
	AggMin AggregateKind = "min"
	AggMax AggregateKind = "max"
)

// AggregateNode aggregates a numeric event property over qualifying events
// and compares the result against a threshold. No qualifying events is a
// distinct outcome from zero and resolves the node to false.
type AggregateNode struct {
	Filter   EventFilter   `json:"filter"`
	Property string        `json:"property"`
	Agg      AggregateKind `json:"agg"`
	Op       CompareOp     `json:"op"`
	Value    float64       `json:"value"`
}

// InOrderNode requires the steps to occur in order, each step strictly
// after the previous. When both bounds are present, both must hold:
// last-first within OverallWithinMs and each consecutive gap within
// PerStepWithinMs. Zero means unbounded.
type InOrderNode struct {
	Steps           []EventFilter `json:"steps"`
	OverallWithinMs int64         `json:"overall_within_ms,omitempty"`
	PerStepWithinMs int64         `json:"per_step_within_ms,omitempty"`
}

// ActivePeriodsNode requires at least Min of the last Total fixed-length
// periods to contain a qualifying event. PeriodMs of zero defaults to one
// calendar-aligned UTC day.
type ActivePeriodsNode struct {
	Filter   EventFilter `json:"filter"`
	PeriodMs int64       `json:"period_ms,omitempty"`
	Total    int         `json:"total"`
	Min      int         `json:"min"`
}

// StoppedNode is true when the most recent qualifying event is older than
// InactiveForMs. No qualifying event at all resolves to false.
type StoppedNode struct {
	Filter        EventFilter `json:"filter"`
	InactiveForMs int64       `json:"inactive_for_ms"`
}

// RestartedNode is true when an inactivity gap longer than InactiveForMs
// was followed by a new qualifying event, and that restart happened within
// WithinMs before the evaluation time.
type RestartedNode struct {
	Filter        EventFilter `json:"filter"`
	InactiveForMs int64       `json:"inactive_for_ms"`
	WithinMs      int64       `json:"within_ms"`
}

// SegmentNode tests cached segment membership.
type SegmentNode struct {
	SegmentID string `json:"segment_id"`
}

// FeatureNode tests cached feature access, optionally scoped to an entity.
type FeatureNode struct {
	FeatureID string `json:"feature_id"`
	EntityID  string `json:"entity_id,omitempty"`
}

// Literal returns an expression that always evaluates to v.
// Used for campaigns whose trigger has no filter.
func Literal(v bool) *Expression {
	return &Expression{
		SchemaVersion: SchemaVersion,
		Root:          &Node{Kind: KindBool, Bool: &BoolNode{Value: v}},
	}
}
