// internal/campaign/campaign.go

// Package campaign defines the immutable per-version campaign rule
// definition: trigger, workflow graph, goal, exit policy, and frequency
// policy. Campaigns are owned by the server; the client holds a read-only
// cached copy that is replaced wholesale on profile refresh.
package campaign

import (
	"time"

	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/types"
)

// Campaign is one cached campaign revision. Instances are treated as
// immutable after decode; journeys snapshot the goal and exit policy at
// start so later campaign edits cannot alter an in-flight run.
type Campaign struct {
	ID        types.CampaignID        `json:"id"`
	VersionID types.CampaignVersionID `json:"version_id"`
	Name      string                  `json:"name"`

	Trigger  Trigger  `json:"trigger"`
	Workflow Workflow `json:"workflow"`

	Goal       *Goal      `json:"goal,omitempty"`
	ExitPolicy ExitPolicy `json:"exit_policy"`

	ConversionAnchor   AnchorKind `json:"conversion_anchor"`
	ConversionWindowMs int64      `json:"conversion_window_ms"`

	Frequency FrequencyPolicy `json:"frequency"`
}

// ConversionWindow returns the conversion window as a duration.
// Zero means no window: goals may convert at any time after the anchor.
func (c *Campaign) ConversionWindow() time.Duration {
	return time.Duration(c.ConversionWindowMs) * time.Millisecond
}

// Trigger decides whether an incoming event starts this campaign.
// Either EventName (with an optional IR filter over the event) or
// SegmentID (with an IR condition) is set, never both.
type Trigger struct {
	EventName string           `json:"event_name,omitempty"`
	Filter    *expr.Expression `json:"filter,omitempty"`

	SegmentID string           `json:"segment_id,omitempty"`
	Condition *expr.Expression `json:"condition,omitempty"`
}

// GoalKind enumerates what satisfies a campaign goal.
type GoalKind string

const (
	GoalEvent        GoalKind = "event"
	GoalSegmentEnter GoalKind = "segmentEnter"
	GoalSegmentLeave GoalKind = "segmentLeave"
	GoalAttribute    GoalKind = "attribute"
)

// Goal is the condition whose satisfaction counts as a conversion.
// Event goals match against the qualifying event's own timestamp; segment
// and attribute goals are point-in-time checks.
type Goal struct {
	Kind GoalKind `json:"kind"`

	Event     *expr.EventFilter `json:"event,omitempty"`
	SegmentID string            `json:"segment_id,omitempty"`
	Attribute *AttributeGoal    `json:"attribute,omitempty"`
}

// AttributeGoal compares a user property at evaluation time.
type AttributeGoal struct {
	Key    string         `json:"key"`
	Op     expr.CompareOp `json:"op"`
	Type   expr.ValueType `json:"type"`
	Value  any            `json:"value,omitempty"`
	Values []any          `json:"values,omitempty"`
}

// ExitPolicy governs early termination of a journey.
type ExitPolicy string

const (
	// ExitNever runs the workflow to natural completion regardless of goal.
	ExitNever ExitPolicy = "never"
	// ExitOnGoal completes the journey as soon as the goal converts.
	ExitOnGoal ExitPolicy = "onGoal"
	// ExitOnStopMatching completes when the original trigger condition no
	// longer matches on a subsequent event.
	ExitOnStopMatching ExitPolicy = "onStopMatching"
	// ExitOnGoalOrStop combines ExitOnGoal and ExitOnStopMatching.
	ExitOnGoalOrStop ExitPolicy = "onGoalOrStop"
)

// ExitsOnGoal reports whether goal conversion ends the journey early.
func (p ExitPolicy) ExitsOnGoal() bool {
	return p == ExitOnGoal || p == ExitOnGoalOrStop
}

// ExitsOnStopMatching reports whether losing the trigger match ends the
// journey early.
func (p ExitPolicy) ExitsOnStopMatching() bool {
	return p == ExitOnStopMatching || p == ExitOnGoalOrStop
}

// AnchorKind selects the reference timestamp the conversion window is
// measured from.
type AnchorKind string

const (
	// AnchorJourneyStart measures the window from journey creation.
	AnchorJourneyStart AnchorKind = "journeyStart"
	// AnchorContentShown measures the window from the first shown content.
	AnchorContentShown AnchorKind = "contentShown"
)

// FrequencyKind enumerates how often a campaign may fire per user.
type FrequencyKind string

const (
	FrequencyEveryTime      FrequencyKind = "everyTime"
	FrequencyOncePerUser    FrequencyKind = "oncePerUser"
	FrequencyOncePerSession FrequencyKind = "oncePerSession"
	FrequencyRateLimited    FrequencyKind = "rateLimited"
)

// FrequencyPolicy bounds how often a campaign fires for one user.
// Checked against completion records before any IR evaluation, so an
// exhausted campaign costs nothing per trigger.
type FrequencyPolicy struct {
	Kind          FrequencyKind `json:"kind"`
	MinIntervalMs int64         `json:"min_interval_ms,omitempty"` // rateLimited only
}

// MinInterval returns the rate-limit interval as a duration.
func (p FrequencyPolicy) MinInterval() time.Duration {
	return time.Duration(p.MinIntervalMs) * time.Millisecond
}
