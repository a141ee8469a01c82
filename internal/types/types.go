// Package types provides domain models shared across Driftlock components.
//
// Zero-dependency design: types.go and errors.go use only the standard
// library to keep the SDK-facing surface minimal. ID utilities in ids.go
// import uuid but are isolated for selective inclusion.
package types

import (
	"encoding/json"
	"time"
)

// DistinctID identifies a single end user of the host application.
// Identity changes (identify/reset) replace the DistinctID wholesale;
// journeys never migrate between DistinctIDs.
type DistinctID string

// Properties represents arbitrary key-value properties attached to an event
// or accumulated in a journey context. Values are JSON-compatible
// (string, float64, bool, nested maps/slices after unmarshaling).
type Properties map[string]any

// Event is one application event as recorded in the local event log.
// Timestamp is the client-side occurrence time, not the insert time;
// conversion-window checks compare against Timestamp.
type Event struct {
	ID         EventID    `json:"id" db:"event_id"`
	DistinctID DistinctID `json:"distinct_id" db:"distinct_id"`
	Name       string     `json:"name" db:"name"`
	Properties Properties `json:"properties,omitempty"`
	Timestamp  time.Time  `json:"timestamp" db:"timestamp"`
}

// PropertiesJSON marshals event properties for storage.
// Nil properties serialize as an empty object so the column is never NULL.
func (e *Event) PropertiesJSON() ([]byte, error) {
	if e.Properties == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Properties)
}

// Resource limits enforced by the decision core to bound evaluation cost.
const (
	// MaxExpressionDepth prevents stack overflow on recursive IR traversal.
	// 32 levels handles deeply nested AND/OR/NOT trees from the compiler.
	MaxExpressionDepth = 32

	// MaxWorkflowSteps bounds a single journey execution pass.
	// Prevents a malformed workflow graph from looping forever.
	MaxWorkflowSteps = 256

	// MaxInOrderSteps limits ordered-sequence predicates.
	// 16 steps covers realistic funnels without quadratic matching cost.
	MaxInOrderSteps = 16

	// MaxPropertiesSize caps serialized event properties to bound row size.
	MaxPropertiesSize = 256 * 1024
)
