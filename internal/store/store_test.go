package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftlock/driftlock/internal/campaign"
	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/journey"
	"github.com/driftlock/driftlock/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	s, err := New(db, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestEvent(t *testing.T, s *Store, distinctID types.DistinctID, name string, props types.Properties, ts time.Time) {
	t.Helper()
	ev := &types.Event{
		ID:         types.NewEventID(),
		DistinctID: distinctID,
		Name:       name,
		Properties: props,
		Timestamp:  ts,
	}
	if err := s.InsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("InsertEvent() error = %v", err)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("first MigrateUp() error = %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Fatalf("second MigrateUp() error = %v", err)
	}

	statuses, err := MigrateStatus(db)
	if err != nil {
		t.Fatalf("MigrateStatus() error = %v", err)
	}
	for _, st := range statuses {
		if !st.Applied {
			t.Errorf("migration %s not applied", st.ID)
		}
	}
}

func TestStore_EventHistoryAdapter(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	insertTestEvent(t, s, "user-1", "purchase", types.Properties{"amount": float64(50)}, base)
	insertTestEvent(t, s, "user-1", "purchase", types.Properties{"amount": float64(150)}, base.Add(time.Hour))
	insertTestEvent(t, s, "user-1", "page_view", nil, base.Add(2*time.Hour))
	insertTestEvent(t, s, "user-2", "purchase", types.Properties{"amount": float64(999)}, base)

	q := s.EventsFor("user-1")

	ok, err := q.Exists(expr.EventFilter{Name: "purchase"})
	if err != nil || !ok {
		t.Errorf("Exists(purchase) = %v, %v, want true", ok, err)
	}
	ok, err = q.Exists(expr.EventFilter{Name: "refund"})
	if err != nil || ok {
		t.Errorf("Exists(refund) = %v, %v, want false", ok, err)
	}

	// Scoped to the user: the other user's purchase must not leak in.
	n, err := q.Count(expr.EventFilter{Name: "purchase"})
	if err != nil || n != 2 {
		t.Errorf("Count(purchase) = %d, %v, want 2", n, err)
	}

	// Property predicates apply after the fetch.
	n, err = q.Count(expr.EventFilter{
		Name:  "purchase",
		Where: []expr.PropMatch{{Key: "amount", Op: expr.OpGte, Type: expr.TypeNumber, Value: float64(100)}},
	})
	if err != nil || n != 1 {
		t.Errorf("Count(purchase >= 100) = %d, %v, want 1", n, err)
	}

	sum, ok, err := q.Aggregate(expr.EventFilter{Name: "purchase"}, "amount", expr.AggSum)
	if err != nil || !ok || sum != 200 {
		t.Errorf("Aggregate(sum) = %v, %v, %v, want 200", sum, ok, err)
	}
	_, ok, err = q.Aggregate(expr.EventFilter{Name: "page_view"}, "amount", expr.AggSum)
	if err != nil || ok {
		t.Errorf("Aggregate with no contributing events must report ok=false")
	}

	first, ok, err := q.FirstTime(expr.EventFilter{Name: "purchase"})
	if err != nil || !ok || !first.Equal(base) {
		t.Errorf("FirstTime() = %v, %v, %v, want %v", first, ok, err, base)
	}
	last, ok, err := q.LastTime(expr.EventFilter{Name: "purchase"})
	if err != nil || !ok || !last.Equal(base.Add(time.Hour)) {
		t.Errorf("LastTime() = %v, %v, %v, want %v", last, ok, err, base.Add(time.Hour))
	}

	ordered, err := q.InOrder([]expr.EventFilter{{Name: "purchase"}, {Name: "page_view"}}, 0, 0)
	if err != nil || !ordered {
		t.Errorf("InOrder(purchase, page_view) = %v, %v, want true", ordered, err)
	}
}

func TestStore_InsertEventRejectsOversizedProperties(t *testing.T) {
	s := newTestStore(t)

	big := make([]byte, types.MaxPropertiesSize)
	for i := range big {
		big[i] = 'x'
	}
	ev := &types.Event{
		ID:         types.NewEventID(),
		DistinctID: "user-1",
		Name:       "blob",
		Properties: types.Properties{"payload": string(big)},
		Timestamp:  time.Now().UTC(),
	}
	if err := s.InsertEvent(context.Background(), ev); !errors.Is(err, types.ErrPropertiesTooLarge) {
		t.Errorf("InsertEvent() error = %v, want ErrPropertiesTooLarge", err)
	}
}

func storeTestCampaign(id types.CampaignID) *campaign.Campaign {
	return &campaign.Campaign{
		ID:        id,
		VersionID: "v1",
		Trigger:   campaign.Trigger{EventName: "signup"},
		Workflow: campaign.Workflow{
			Entry: "end",
			Nodes: map[string]campaign.Node{
				"end": {Kind: campaign.NodeExit, Exit: &campaign.ExitNode{}},
			},
		},
	}
}

func TestStore_JourneyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	j := journey.New(storeTestCampaign("c1"), "user-1", now)
	resumeAt := now.Add(time.Hour)
	j.Status = journey.StatusPaused
	j.CurrentNode = "end"
	j.Pending = &journey.PendingAction{
		Kind:      journey.PendingDelay,
		NodeID:    "end",
		StartedAt: now,
		ResumeAt:  &resumeAt,
	}

	if err := s.UpsertJourney(ctx, j); err != nil {
		t.Fatalf("UpsertJourney() error = %v", err)
	}

	got, err := s.GetJourney(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJourney() error = %v", err)
	}
	if got.ID != j.ID || got.CampaignID != "c1" || got.DistinctID != "user-1" {
		t.Errorf("loaded journey = %+v, identity fields mangled", got)
	}
	if got.Status != journey.StatusPaused || got.Pending == nil || got.Pending.Kind != journey.PendingDelay {
		t.Errorf("loaded journey lost its pending action: %+v", got)
	}
	if got.Pending.ResumeAt == nil || !got.Pending.ResumeAt.Equal(resumeAt) {
		t.Errorf("ResumeAt = %v, want %v", got.Pending.ResumeAt, resumeAt)
	}

	active, err := s.ActiveJourney(ctx, "c1", "user-1")
	if err != nil {
		t.Fatalf("ActiveJourney() error = %v", err)
	}
	if active == nil || active.ID != j.ID {
		t.Errorf("ActiveJourney() = %v, want the paused journey", active)
	}

	// Terminal journeys disappear from the active lookup but stay loadable.
	j.Status = journey.StatusCompleted
	j.Pending = nil
	if err := s.UpsertJourney(ctx, j); err != nil {
		t.Fatalf("UpsertJourney() error = %v", err)
	}
	active, err = s.ActiveJourney(ctx, "c1", "user-1")
	if err != nil {
		t.Fatalf("ActiveJourney() error = %v", err)
	}
	if active != nil {
		t.Errorf("ActiveJourney() = %v, want nil after completion", active)
	}

	all, err := s.JourneysForUser(ctx, "user-1")
	if err != nil || len(all) != 1 {
		t.Errorf("JourneysForUser() = %v, %v, want the one journey", all, err)
	}
}

func TestStore_GetJourneyNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJourney(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJourney() error = %v, want ErrNotFound", err)
	}
}

func TestStore_DueAndPausedScans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// Due in one hour.
	timed := journey.New(storeTestCampaign("c1"), "user-1", now)
	resumeAt := now.Add(time.Hour)
	timed.Status = journey.StatusPaused
	timed.Pending = &journey.PendingAction{
		Kind: journey.PendingDelay, NodeID: "end", StartedAt: now, ResumeAt: &resumeAt,
	}

	// Condition-gated with no timestamp: never "due", only pollable.
	gated := journey.New(storeTestCampaign("c2"), "user-1", now)
	gated.Status = journey.StatusPaused
	gated.Pending = &journey.PendingAction{
		Kind: journey.PendingWaitUntil, NodeID: "end", StartedAt: now,
		Condition: expr.Literal(true),
	}

	for _, j := range []*journey.Journey{timed, gated} {
		if err := s.UpsertJourney(ctx, j); err != nil {
			t.Fatalf("UpsertJourney() error = %v", err)
		}
	}

	due, err := s.DueJourneys(ctx, now)
	if err != nil {
		t.Fatalf("DueJourneys() error = %v", err)
	}
	if len(due) != 0 {
		t.Errorf("DueJourneys(now) = %d journeys, want none before the wake time", len(due))
	}

	due, err = s.DueJourneys(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DueJourneys() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != timed.ID {
		t.Errorf("DueJourneys(+2h) = %v, want only the timed journey", due)
	}

	paused, err := s.PausedJourneys(ctx)
	if err != nil {
		t.Fatalf("PausedJourneys() error = %v", err)
	}
	if len(paused) != 2 {
		t.Errorf("PausedJourneys() = %d journeys, want both", len(paused))
	}
}

func TestStore_DueJourneysUsesWaitDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// Condition wait with a deadline but no resume timestamp: the deadline
	// is its wake time.
	j := journey.New(storeTestCampaign("c1"), "user-1", now)
	j.Status = journey.StatusPaused
	j.Pending = &journey.PendingAction{
		Kind: journey.PendingWaitUntil, NodeID: "end", StartedAt: now,
		Condition: expr.Literal(false),
		MaxTimeMs: int64(time.Hour / time.Millisecond),
	}
	if err := s.UpsertJourney(ctx, j); err != nil {
		t.Fatalf("UpsertJourney() error = %v", err)
	}

	due, err := s.DueJourneys(ctx, now.Add(30*time.Minute))
	if err != nil || len(due) != 0 {
		t.Errorf("DueJourneys before deadline = %v, %v, want none", due, err)
	}
	due, err = s.DueJourneys(ctx, now.Add(2*time.Hour))
	if err != nil || len(due) != 1 {
		t.Errorf("DueJourneys past deadline = %v, %v, want the journey", due, err)
	}
}

func TestStore_Completions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	n, err := s.CompletionCount(ctx, "c1", "user-1")
	if err != nil || n != 0 {
		t.Errorf("CompletionCount() = %d, %v, want 0", n, err)
	}
	_, ok, err := s.LastCompletionAt(ctx, "c1", "user-1")
	if err != nil || ok {
		t.Errorf("LastCompletionAt() ok = %v, %v, want false", ok, err)
	}

	recs := []journey.CompletionRecord{
		{CampaignID: "c1", DistinctID: "user-1", JourneyID: "j1", CompletedAt: base, ExitReason: journey.ReasonWorkflowFinished},
		{CampaignID: "c1", DistinctID: "user-1", JourneyID: "j2", CompletedAt: base.Add(time.Hour), ExitReason: journey.ReasonGoalAchieved, Converted: true},
		{CampaignID: "c2", DistinctID: "user-1", JourneyID: "j3", CompletedAt: base, ExitReason: journey.ReasonExpired},
	}
	for _, rec := range recs {
		if err := s.AppendCompletion(ctx, rec); err != nil {
			t.Fatalf("AppendCompletion() error = %v", err)
		}
	}

	n, err = s.CompletionCount(ctx, "c1", "user-1")
	if err != nil || n != 2 {
		t.Errorf("CompletionCount(c1) = %d, %v, want 2", n, err)
	}

	last, ok, err := s.LastCompletionAt(ctx, "c1", "user-1")
	if err != nil || !ok {
		t.Fatalf("LastCompletionAt() = %v, %v", ok, err)
	}
	if !last.Equal(base.Add(time.Hour)) {
		t.Errorf("LastCompletionAt() = %v, want %v", last, base.Add(time.Hour))
	}
}
