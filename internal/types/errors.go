package types

import "errors"

// Sentinel errors for Driftlock operations.
var (
	// ErrDataUnavailable indicates an adapter could not answer a query.
	// Predicates referencing unavailable data resolve to false; this error
	// never crosses a component boundary.
	ErrDataUnavailable = errors.New("adapter data unavailable")

	// ErrUnsupportedExpression indicates an IR schema version or node kind
	// the interpreter does not recognize. Evaluation fails closed to false.
	ErrUnsupportedExpression = errors.New("unsupported expression")

	// ErrExpressionTooDeep indicates an IR tree exceeds MaxExpressionDepth.
	ErrExpressionTooDeep = errors.New("expression exceeds maximum depth")

	// ErrNodeExecution indicates a workflow node's side effect failed.
	// The journey follows its failure edge or cancels.
	ErrNodeExecution = errors.New("workflow node execution failed")

	// ErrIdentityRace indicates a journey mutation was attempted against a
	// distinct ID that changed while the mutation was in flight.
	ErrIdentityRace = errors.New("identity changed during operation")

	// ErrDanglingNode indicates a workflow references a node ID that does
	// not exist in the node map. Programmer error, surfaced to the caller.
	ErrDanglingNode = errors.New("workflow references unknown node")

	// ErrJourneyTerminal indicates a transition was attempted on a journey
	// already in a terminal state (completed or cancelled).
	ErrJourneyTerminal = errors.New("journey is in a terminal state")

	// ErrPropertiesTooLarge indicates event properties exceed MaxPropertiesSize.
	ErrPropertiesTooLarge = errors.New("event properties exceed maximum size")

	// ErrTooManyInOrderSteps indicates an ordered-sequence predicate exceeds
	// MaxInOrderSteps.
	ErrTooManyInOrderSteps = errors.New("inOrder predicate has too many steps")
)
