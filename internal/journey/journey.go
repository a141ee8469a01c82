// internal/journey/journey.go

// Package journey owns the persistent, resumable execution instance of one
// campaign for one user: the journey state machine, its pending actions,
// and goal/conversion accounting.
package journey

import (
	"encoding/json"
	"time"

	"github.com/driftlock/driftlock/internal/campaign"
	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/types"
)

// Status is the journey lifecycle state.
// pending -> active <-> paused -> {completed, cancelled}; terminal states
// are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ExitReason records why a journey terminated.
type ExitReason string

const (
	ReasonWorkflowFinished ExitReason = "workflow-finished"
	ReasonGoalAchieved     ExitReason = "goal-achieved"
	ReasonStoppedMatching  ExitReason = "stopped-matching"
	ReasonExecutionError   ExitReason = "execution-error"
	ReasonExpired          ExitReason = "expired"
	ReasonIdentityChanged  ExitReason = "identity-changed"
)

// PendingKind tags the four suspension variants.
type PendingKind string

const (
	PendingDelay       PendingKind = "delay"
	PendingTimeWindow  PendingKind = "timeWindow"
	PendingWaitUntil   PendingKind = "waitUntil"
	PendingRemoteRetry PendingKind = "remoteRetry"
)

// PendingAction records why a journey is suspended and how it resumes.
// At most one is outstanding per journey.
type PendingAction struct {
	Kind      PendingKind      `json:"kind"`
	NodeID    string           `json:"node_id"` // the suspending node
	StartedAt time.Time        `json:"started_at"`
	ResumeAt  *time.Time       `json:"resume_at,omitempty"`
	Condition *expr.Expression `json:"condition,omitempty"`
	MaxTimeMs int64            `json:"max_time_ms,omitempty"`
}

// Deadline returns the hard timeout after which the wait is abandoned and
// treated as "not met". ok is false when the wait is unbounded.
func (p *PendingAction) Deadline() (time.Time, bool) {
	if p.MaxTimeMs <= 0 {
		return time.Time{}, false
	}
	return p.StartedAt.Add(time.Duration(p.MaxTimeMs) * time.Millisecond), true
}

// Journey is the mutable, persisted execution instance of one campaign for
// one user. The goal, exit policy, and trigger are snapshots copied at
// start: later campaign edits cannot retroactively alter an in-flight run,
// and CampaignVersionID pins the executing workflow revision.
type Journey struct {
	ID                types.JourneyID         `json:"id"`
	CampaignID        types.CampaignID        `json:"campaign_id"`
	CampaignVersionID types.CampaignVersionID `json:"campaign_version_id"`
	DistinctID        types.DistinctID        `json:"distinct_id"`

	Status      Status           `json:"status"`
	Context     types.Properties `json:"context,omitempty"`
	CurrentNode string           `json:"current_node,omitempty"`
	Pending     *PendingAction   `json:"pending,omitempty"`

	GoalSnapshot       *campaign.Goal      `json:"goal_snapshot,omitempty"`
	ExitPolicySnapshot campaign.ExitPolicy `json:"exit_policy_snapshot"`
	TriggerSnapshot    campaign.Trigger    `json:"trigger_snapshot"`
	WorkflowSnapshot   campaign.Workflow   `json:"workflow_snapshot"`

	ConversionAnchor   campaign.AnchorKind `json:"conversion_anchor"`
	ConversionAnchorAt time.Time           `json:"conversion_anchor_at"`
	ConversionWindowMs int64               `json:"conversion_window_ms"`

	StartedAt   time.Time  `json:"started_at"`
	ConvertedAt *time.Time `json:"converted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitReason  ExitReason `json:"exit_reason,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// New creates a pending journey for the campaign, snapshotting the goal,
// exit policy, and trigger by value so the run is isolated from later
// campaign edits.
func New(c *campaign.Campaign, distinctID types.DistinctID, now time.Time) *Journey {
	j := &Journey{
		ID:                 types.NewJourneyID(),
		CampaignID:         c.ID,
		CampaignVersionID:  c.VersionID,
		DistinctID:         distinctID,
		Status:             StatusPending,
		Context:            types.Properties{},
		GoalSnapshot:       cloneGoal(c.Goal),
		ExitPolicySnapshot: c.ExitPolicy,
		TriggerSnapshot:    cloneTrigger(c.Trigger),
		WorkflowSnapshot:   cloneWorkflow(c.Workflow),
		ConversionAnchor:   c.ConversionAnchor,
		ConversionWindowMs: c.ConversionWindowMs,
		StartedAt:          now,
	}
	if c.ConversionAnchor != campaign.AnchorContentShown {
		j.ConversionAnchorAt = now
	}
	return j
}

// HasExpired reports whether the journey passed its expiry at the given
// time. Pure: takes an explicit now so tests drive it deterministically.
func (j *Journey) HasExpired(now time.Time) bool {
	return j.ExpiresAt != nil && now.After(*j.ExpiresAt)
}

// ShouldResume reports whether a paused journey is time-ready to resume at
// the given time: its resume timestamp elapsed or its wait deadline passed.
// Condition-gated waits additionally require a condition evaluation, which
// is the machine's job; ShouldResume only answers the clock question.
func (j *Journey) ShouldResume(now time.Time) bool {
	if j.Status != StatusPaused || j.Pending == nil {
		return false
	}
	if j.Pending.ResumeAt != nil && !now.Before(*j.Pending.ResumeAt) {
		return true
	}
	if deadline, ok := j.Pending.Deadline(); ok && now.After(deadline) {
		return true
	}
	return false
}

// InConversionWindow reports whether t falls in [anchor, anchor+window].
// A zero window is unbounded on the right; an unset anchor never converts.
func (j *Journey) InConversionWindow(t time.Time) bool {
	if j.ConversionAnchorAt.IsZero() {
		return false
	}
	if t.Before(j.ConversionAnchorAt) {
		return false
	}
	if j.ConversionWindowMs <= 0 {
		return true
	}
	end := j.ConversionAnchorAt.Add(time.Duration(j.ConversionWindowMs) * time.Millisecond)
	return !t.After(end)
}

// CompletionRecord is an immutable audit row used solely to enforce
// frequency policy across journey lifetimes. Append-only, never mutated.
type CompletionRecord struct {
	CampaignID  types.CampaignID `json:"campaign_id" db:"campaign_id"`
	DistinctID  types.DistinctID `json:"distinct_id" db:"distinct_id"`
	JourneyID   types.JourneyID  `json:"journey_id" db:"journey_id"`
	CompletedAt time.Time        `json:"completed_at" db:"completed_at"`
	ExitReason  ExitReason       `json:"exit_reason" db:"exit_reason"`
	Converted   bool             `json:"converted" db:"converted"`
}

// cloneGoal deep-copies a goal via its JSON encoding. Goal payloads carry
// arbitrary comparison values, so a structural copy is the safe route.
func cloneGoal(g *campaign.Goal) *campaign.Goal {
	if g == nil {
		return nil
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return nil
	}
	out := &campaign.Goal{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil
	}
	return out
}

// cloneWorkflow deep-copies the workflow graph via its JSON encoding.
// The snapshot pins the executing logic: a profile refresh that replaces
// the campaign cannot change the nodes an in-flight journey walks.
func cloneWorkflow(w campaign.Workflow) campaign.Workflow {
	raw, err := json.Marshal(w)
	if err != nil {
		return w
	}
	out := campaign.Workflow{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return w
	}
	return out
}

// cloneTrigger deep-copies a trigger via its JSON encoding.
func cloneTrigger(t campaign.Trigger) campaign.Trigger {
	raw, err := json.Marshal(t)
	if err != nil {
		return t
	}
	out := campaign.Trigger{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return t
	}
	return out
}
