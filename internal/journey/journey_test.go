// internal/journey/journey_test.go
package journey

import (
	"testing"
	"time"

	"github.com/driftlock/driftlock/internal/campaign"
	"github.com/driftlock/driftlock/internal/expr"
)

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusActive, false},
		{StatusPaused, false},
		{StatusCompleted, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestJourney_HasExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(time.Hour)

	j := &Journey{}
	if j.HasExpired(now) {
		t.Errorf("journey without expiry should never expire")
	}

	j.ExpiresAt = &expiry
	if j.HasExpired(now) {
		t.Errorf("journey before expiry should not be expired")
	}
	if j.HasExpired(expiry) {
		t.Errorf("journey exactly at expiry should not be expired")
	}
	if !j.HasExpired(expiry.Add(time.Second)) {
		t.Errorf("journey past expiry should be expired")
	}
}

func TestJourney_ShouldResume(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	resumeAt := now.Add(time.Hour)
	started := now.Add(-time.Minute)

	j := &Journey{Status: StatusActive}
	if j.ShouldResume(now) {
		t.Errorf("active journey should not resume")
	}

	j = &Journey{Status: StatusPaused}
	if j.ShouldResume(now) {
		t.Errorf("paused journey without pending action should not resume")
	}

	j.Pending = &PendingAction{Kind: PendingDelay, StartedAt: started, ResumeAt: &resumeAt}
	if j.ShouldResume(now) {
		t.Errorf("should not resume before resume timestamp")
	}
	if !j.ShouldResume(resumeAt) {
		t.Errorf("should resume at resume timestamp")
	}

	// Condition wait with only a deadline resumes once the deadline passes.
	j.Pending = &PendingAction{Kind: PendingWaitUntil, StartedAt: started, MaxTimeMs: int64(time.Hour / time.Millisecond)}
	if j.ShouldResume(now) {
		t.Errorf("should not resume before wait deadline")
	}
	if !j.ShouldResume(started.Add(2 * time.Hour)) {
		t.Errorf("should resume after wait deadline")
	}

	// Unbounded condition wait never resumes on the clock.
	j.Pending = &PendingAction{Kind: PendingWaitUntil, StartedAt: started}
	if j.ShouldResume(now.Add(1000 * time.Hour)) {
		t.Errorf("unbounded condition wait should never be time-ready")
	}
}

func TestJourney_InConversionWindow(t *testing.T) {
	anchor := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	j := &Journey{ConversionAnchorAt: anchor, ConversionWindowMs: int64(7 * day / time.Millisecond)}

	if j.InConversionWindow(anchor.Add(-time.Second)) {
		t.Errorf("before anchor should not convert")
	}
	if !j.InConversionWindow(anchor) {
		t.Errorf("at anchor should convert")
	}
	if !j.InConversionWindow(anchor.Add(3 * day)) {
		t.Errorf("inside window should convert")
	}
	if !j.InConversionWindow(anchor.Add(7 * day)) {
		t.Errorf("at window close should convert")
	}
	if j.InConversionWindow(anchor.Add(7*day + time.Second)) {
		t.Errorf("past window should not convert")
	}

	// Zero window is unbounded on the right.
	j.ConversionWindowMs = 0
	if !j.InConversionWindow(anchor.Add(1000 * day)) {
		t.Errorf("zero window should be unbounded")
	}

	// Unset anchor never converts (content-shown anchor before any render).
	j = &Journey{ConversionWindowMs: 1000}
	if j.InConversionWindow(anchor) {
		t.Errorf("unset anchor should never convert")
	}
}

func TestNew_SnapshotsAreIsolated(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := &campaign.Campaign{
		ID:        "c1",
		VersionID: "v1",
		Trigger:   campaign.Trigger{EventName: "signup"},
		Workflow: campaign.Workflow{
			Entry: "end",
			Nodes: map[string]campaign.Node{"end": {Kind: campaign.NodeExit, Exit: &campaign.ExitNode{}}},
		},
		Goal:       &campaign.Goal{Kind: campaign.GoalEvent, Event: &expr.EventFilter{Name: "purchase"}},
		ExitPolicy: campaign.ExitOnGoal,
	}

	j := New(c, "user-1", now)

	if j.Status != StatusPending {
		t.Errorf("Status = %v, want pending", j.Status)
	}
	if j.ConversionAnchorAt != now {
		t.Errorf("journeyStart anchor should be set at creation")
	}

	// Later campaign edits must not leak into the snapshot.
	c.Goal.Event.Name = "refund"
	c.Trigger.EventName = "other"
	c.Workflow.Nodes["extra"] = campaign.Node{Kind: campaign.NodeExit, Exit: &campaign.ExitNode{}}

	if j.GoalSnapshot.Event.Name != "purchase" {
		t.Errorf("goal snapshot mutated by campaign edit")
	}
	if j.TriggerSnapshot.EventName != "signup" {
		t.Errorf("trigger snapshot mutated by campaign edit")
	}
	if _, ok := j.WorkflowSnapshot.Nodes["extra"]; ok {
		t.Errorf("workflow snapshot mutated by campaign edit")
	}
}

func TestNew_ContentShownAnchorDeferred(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := &campaign.Campaign{
		ID:               "c1",
		ConversionAnchor: campaign.AnchorContentShown,
		Workflow: campaign.Workflow{
			Entry: "end",
			Nodes: map[string]campaign.Node{"end": {Kind: campaign.NodeExit, Exit: &campaign.ExitNode{}}},
		},
	}

	j := New(c, "user-1", now)
	if !j.ConversionAnchorAt.IsZero() {
		t.Errorf("contentShown anchor must stay unset until a render")
	}
}

func TestPendingAction_Deadline(t *testing.T) {
	started := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	p := &PendingAction{StartedAt: started}
	if _, ok := p.Deadline(); ok {
		t.Errorf("unbounded wait should have no deadline")
	}

	p.MaxTimeMs = int64(time.Hour / time.Millisecond)
	deadline, ok := p.Deadline()
	if !ok {
		t.Fatalf("bounded wait should have a deadline")
	}
	if !deadline.Equal(started.Add(time.Hour)) {
		t.Errorf("Deadline() = %v, want %v", deadline, started.Add(time.Hour))
	}
}
