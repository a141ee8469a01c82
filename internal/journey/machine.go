// internal/journey/machine.go
package journey

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/driftlock/driftlock/internal/campaign"
	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/types"
)

/*
 * Journey state machine execution.
 *
 * Walks the workflow snapshot node by node. Synchronous kinds (branch,
 * setContext, showContent, exit) execute inline; the four suspending kinds
 * (delay, waitUntil, timeWindow, remoteCall) write a PendingAction, flip
 * status to paused, and return control without blocking a thread.
 *
 * Persistence ordering: every transition is persisted before its side
 * effect is considered committed. A crash after persist but before the
 * side effect re-runs the effect on resume rather than losing state.
 *
 * Failure semantics: any error or panic while executing a node is caught
 * at the node boundary. The journey advances to the node's declared
 * failure edge if one exists, else cancels with execution-error. Journeys
 * are never left in an inconsistent in-memory state.
 */

// Store persists journeys and completion records. Implementations must not
// perform partial writes; an upsert replaces the whole row transactionally.
type Store interface {
	UpsertJourney(ctx context.Context, j *Journey) error
	AppendCompletion(ctx context.Context, rec CompletionRecord) error
}

// Effects performs workflow side effects (content rendering, server
// actions). External collaborators; the machine only sequences them.
type Effects interface {
	ShowContent(ctx context.Context, j *Journey, contentID string) error
	StartRemoteCall(ctx context.Context, j *Journey, actionID string) error
}

// Waker receives resume timestamps for suspended journeys.
type Waker interface {
	Schedule(id types.JourneyID, at time.Time)
}

// Observer is notified of intermediate progress the broker reports to the
// caller (e.g. content shown) before the terminal decision.
type Observer interface {
	ContentShown(j *Journey, contentID string)
}

// ContextBuilder assembles a fresh evaluation context scoped to the user.
// Called once per evaluation so interpreter inputs never go stale.
type ContextBuilder func(distinctID types.DistinctID, now time.Time, ev *types.Event) *expr.Context

// Machine executes journeys. Callers serialize all mutations for a given
// distinct ID; the machine itself holds no locks.
type Machine struct {
	store       Store
	effects     Effects
	waker       Waker    // nil: no timer scheduling (tests, replay)
	observer    Observer // nil: no progress reporting
	evalContext ContextBuilder
	logger      *slog.Logger
}

// NewMachine creates a journey machine.
func NewMachine(store Store, effects Effects, evalContext ContextBuilder, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{
		store:       store,
		effects:     effects,
		evalContext: evalContext,
		logger:      logger,
	}
}

// SetWaker attaches the scheduler used for timed resumes.
func (m *Machine) SetWaker(w Waker) { m.waker = w }

// SetObserver attaches the progress observer.
func (m *Machine) SetObserver(o Observer) { m.observer = o }

// Start creates and persists a journey for the campaign, then immediately
// executes from the entry node. The returned journey may already be
// paused, completed, or cancelled.
func (m *Machine) Start(ctx context.Context, c *campaign.Campaign, distinctID types.DistinctID, now time.Time, ev *types.Event) (*Journey, error) {
	j := New(c, distinctID, now)
	j.Status = StatusActive
	if err := m.store.UpsertJourney(ctx, j); err != nil {
		return nil, fmt.Errorf("persist new journey: %w", err)
	}
	if err := m.run(ctx, j, j.WorkflowSnapshot.Entry, now, ev); err != nil {
		return j, err
	}
	return j, nil
}

// Resume wakes a paused journey. Idempotent: resuming a journey that is
// not paused (a timer racing the foreground rescan) is a no-op, so the
// transition is guarded by status, not by timer identity.
func (m *Machine) Resume(ctx context.Context, j *Journey, now time.Time) error {
	return m.resumeWith(ctx, j, now, nil)
}

// resumeWith is Resume with an optional triggering event for condition
// re-evaluation.
func (m *Machine) resumeWith(ctx context.Context, j *Journey, now time.Time, ev *types.Event) error {
	if j.Status != StatusPaused || j.Pending == nil {
		return nil
	}
	if j.HasExpired(now) {
		return m.terminate(ctx, j, StatusCancelled, ReasonExpired, now)
	}

	p := j.Pending
	node, ok := j.WorkflowSnapshot.Nodes[p.NodeID]
	if !ok {
		return m.terminate(ctx, j, StatusCancelled, ReasonExecutionError, now)
	}

	// Hard timeout: the wait is abandoned and treated as "not met".
	if deadline, bounded := p.Deadline(); bounded && now.After(deadline) {
		return m.advance(ctx, j, timeoutEdge(node), now, ev)
	}

	switch p.Kind {
	case PendingDelay:
		if p.ResumeAt != nil && now.Before(*p.ResumeAt) {
			return nil // timer fired early; stay paused
		}
		return m.advance(ctx, j, node.Delay.Next, now, ev)

	case PendingWaitUntil:
		if m.eval(j, p.Condition, now, ev) {
			return m.advance(ctx, j, node.WaitUntil.Next, now, ev)
		}
		return nil // condition still unmet; stay paused

	case PendingTimeWindow:
		tw := node.TimeWindow
		if inHourWindow(now, tw.FromHour, tw.ToHour) && m.eval(j, p.Condition, now, ev) {
			return m.advance(ctx, j, tw.Next, now, ev)
		}
		// Outside the window (or condition unmet): push the wake to the
		// next window start and re-check there.
		resumeAt := nextHourWindowStart(now, tw.FromHour)
		j.Pending.ResumeAt = &resumeAt
		if err := m.store.UpsertJourney(ctx, j); err != nil {
			return fmt.Errorf("persist window reschedule: %w", err)
		}
		m.schedule(j.ID, resumeAt)
		return nil

	case PendingRemoteRetry:
		// Resumed only by CompleteRemote or by deadline (handled above).
		return nil

	default:
		return m.terminate(ctx, j, StatusCancelled, ReasonExecutionError, now)
	}
}

// CompleteRemote resolves a remoteRetry suspension with the server-side
// outcome. Idempotent under the same status guard as Resume.
func (m *Machine) CompleteRemote(ctx context.Context, j *Journey, success bool, now time.Time) error {
	if j.Status != StatusPaused || j.Pending == nil || j.Pending.Kind != PendingRemoteRetry {
		return nil
	}
	node, ok := j.WorkflowSnapshot.Nodes[j.Pending.NodeID]
	if !ok || node.RemoteCall == nil {
		return m.terminate(ctx, j, StatusCancelled, ReasonExecutionError, now)
	}
	if success {
		return m.advance(ctx, j, node.RemoteCall.Next, now, nil)
	}
	if node.RemoteCall.FailureEdge != "" {
		return m.advance(ctx, j, node.RemoteCall.FailureEdge, now, nil)
	}
	return m.terminate(ctx, j, StatusCancelled, ReasonExecutionError, now)
}

// OnEvent runs opportunistic checks for one incoming event: goal
// conversion, exit-policy stop-matching, and re-evaluation of a pending
// condition wait.
func (m *Machine) OnEvent(ctx context.Context, j *Journey, ev *types.Event, now time.Time) error {
	if j.Status.Terminal() {
		return nil
	}

	if _, err := m.checkGoal(ctx, j, ev, now); err != nil || j.Status.Terminal() {
		return err
	}

	if j.ExitPolicySnapshot.ExitsOnStopMatching() && !m.triggerStillMatches(j, ev, now) {
		return m.terminate(ctx, j, StatusCompleted, ReasonStoppedMatching, now)
	}

	if j.Status == StatusPaused && j.Pending != nil && j.Pending.Condition != nil {
		return m.resumeWith(ctx, j, now, ev)
	}
	return nil
}

// Cancel terminates a journey with the given reason (identity change,
// administrative cancellation). No-op on terminal journeys.
func (m *Machine) Cancel(ctx context.Context, j *Journey, reason ExitReason, now time.Time) error {
	if j.Status.Terminal() {
		return nil
	}
	return m.terminate(ctx, j, StatusCancelled, reason, now)
}

// Revalidate is the foreground re-check for one paused journey: expired
// journeys cancel, past-due journeys resume immediately rather than
// waiting for a timer that may never have survived backgrounding.
func (m *Machine) Revalidate(ctx context.Context, j *Journey, now time.Time) error {
	if j.Status != StatusPaused {
		return nil
	}
	if j.HasExpired(now) {
		return m.terminate(ctx, j, StatusCancelled, ReasonExpired, now)
	}
	if j.ShouldResume(now) {
		return m.resumeWith(ctx, j, now, nil)
	}
	return nil
}

// advance clears the pending action, reactivates the journey, and resumes
// workflow execution from the given node.
func (m *Machine) advance(ctx context.Context, j *Journey, nodeID string, now time.Time, ev *types.Event) error {
	j.Pending = nil
	j.Status = StatusActive
	return m.run(ctx, j, nodeID, now, ev)
}

// run executes workflow nodes until the journey suspends or terminates.
// Node transitions within one journey are strictly sequential. The goal is
// re-checked at every transition, not only on incoming events: a segment or
// attribute goal that became true while the journey was paused must be
// noticed on the resume that walks the next nodes, and an onGoal exit
// policy stops the walk right there.
func (m *Machine) run(ctx context.Context, j *Journey, nodeID string, now time.Time, ev *types.Event) error {
	for steps := 0; steps < types.MaxWorkflowSteps; steps++ {
		if _, err := m.checkGoal(ctx, j, ev, now); err != nil {
			return err
		}
		if j.Status.Terminal() {
			return nil
		}
		if nodeID == "" {
			return m.terminate(ctx, j, StatusCompleted, ReasonWorkflowFinished, now)
		}

		node, ok := j.WorkflowSnapshot.Nodes[nodeID]
		if !ok {
			// Validated at cache load; a miss here means a corrupt snapshot.
			m.logger.Error("journey references unknown node", "journey", j.ID, "node", nodeID)
			return m.terminate(ctx, j, StatusCancelled, ReasonExecutionError, now)
		}
		j.CurrentNode = nodeID

		next, suspended, err := m.execNode(ctx, j, nodeID, node, now, ev)
		if err != nil {
			m.logger.Warn("workflow node failed", "journey", j.ID, "node", nodeID, "error", err)
			if edge := node.FailureEdge(); edge != "" {
				nodeID = edge
				continue
			}
			return m.terminate(ctx, j, StatusCancelled, ReasonExecutionError, now)
		}
		if suspended {
			return nil
		}
		nodeID = next
	}

	m.logger.Error("workflow step limit exhausted", "journey", j.ID)
	return m.terminate(ctx, j, StatusCancelled, ReasonExecutionError, now)
}

// execNode executes a single node. Panics are converted to node errors at
// this boundary so a faulty node can never take down the caller.
func (m *Machine) execNode(ctx context.Context, j *Journey, nodeID string, node campaign.Node, now time.Time, ev *types.Event) (next string, suspended bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in node %s: %v", types.ErrNodeExecution, nodeID, r)
		}
	}()

	switch node.Kind {
	case campaign.NodeBranch:
		b := node.Branch
		if m.eval(j, b.Condition, now, ev) {
			return b.TrueEdge, false, nil
		}
		return b.FalseEdge, false, nil

	case campaign.NodeSetContext:
		if j.Context == nil {
			j.Context = types.Properties{}
		}
		for k, v := range node.SetContext.Values {
			j.Context[k] = v
		}
		return node.SetContext.Next, false, nil

	case campaign.NodeShowContent:
		sc := node.ShowContent
		if j.ConversionAnchor == campaign.AnchorContentShown && j.ConversionAnchorAt.IsZero() {
			j.ConversionAnchorAt = now
		}
		// Persist before the side effect: the render is committed only
		// once the transition is durable.
		if err := m.store.UpsertJourney(ctx, j); err != nil {
			return "", false, fmt.Errorf("%w: %v", types.ErrNodeExecution, err)
		}
		if err := m.effects.ShowContent(ctx, j, sc.ContentID); err != nil {
			return "", false, fmt.Errorf("%w: show content %s: %v", types.ErrNodeExecution, sc.ContentID, err)
		}
		if m.observer != nil {
			m.observer.ContentShown(j, sc.ContentID)
		}
		return sc.Next, false, nil

	case campaign.NodeDelay:
		resumeAt := now.Add(time.Duration(node.Delay.DelayMs) * time.Millisecond)
		return "", true, m.suspend(ctx, j, &PendingAction{
			Kind:      PendingDelay,
			NodeID:    nodeID,
			StartedAt: now,
			ResumeAt:  &resumeAt,
		})

	case campaign.NodeWaitUntil:
		w := node.WaitUntil
		if m.eval(j, w.Condition, now, ev) {
			return w.Next, false, nil
		}
		return "", true, m.suspend(ctx, j, &PendingAction{
			Kind:      PendingWaitUntil,
			NodeID:    nodeID,
			StartedAt: now,
			Condition: w.Condition,
			MaxTimeMs: w.MaxTimeMs,
		})

	case campaign.NodeTimeWindow:
		tw := node.TimeWindow
		if inHourWindow(now, tw.FromHour, tw.ToHour) && m.eval(j, tw.Condition, now, ev) {
			return tw.Next, false, nil
		}
		resumeAt := nextHourWindowStart(now, tw.FromHour)
		return "", true, m.suspend(ctx, j, &PendingAction{
			Kind:      PendingTimeWindow,
			NodeID:    nodeID,
			StartedAt: now,
			ResumeAt:  &resumeAt,
			Condition: tw.Condition,
			MaxTimeMs: tw.MaxTimeMs,
		})

	case campaign.NodeRemoteCall:
		rc := node.RemoteCall
		if err := m.suspend(ctx, j, &PendingAction{
			Kind:      PendingRemoteRetry,
			NodeID:    nodeID,
			StartedAt: now,
			MaxTimeMs: rc.MaxTimeMs,
		}); err != nil {
			return "", false, err
		}
		if err := m.effects.StartRemoteCall(ctx, j, rc.ActionID); err != nil {
			// Unwind the suspension so run() can take the failure edge.
			j.Pending = nil
			j.Status = StatusActive
			return "", false, fmt.Errorf("%w: remote call %s: %v", types.ErrNodeExecution, rc.ActionID, err)
		}
		return "", true, nil

	case campaign.NodeExit:
		return "", false, nil // empty next terminates via run()

	default:
		return "", false, fmt.Errorf("%w: node kind %q", types.ErrNodeExecution, node.Kind)
	}
}

// suspend writes the pending action, pauses the journey, persists, and
// schedules the wake. Exactly one pending action may be outstanding.
func (m *Machine) suspend(ctx context.Context, j *Journey, p *PendingAction) error {
	j.Pending = p
	j.Status = StatusPaused
	if err := m.store.UpsertJourney(ctx, j); err != nil {
		return fmt.Errorf("persist suspension: %w", err)
	}
	if p.ResumeAt != nil {
		m.schedule(j.ID, *p.ResumeAt)
	}
	if deadline, bounded := p.Deadline(); bounded {
		m.schedule(j.ID, deadline)
	}
	return nil
}

// terminate applies a terminal transition, persists it, and archives the
// completion record for frequency accounting.
func (m *Machine) terminate(ctx context.Context, j *Journey, status Status, reason ExitReason, now time.Time) error {
	j.Status = status
	j.Pending = nil
	j.ExitReason = reason
	completedAt := now
	j.CompletedAt = &completedAt

	if err := m.store.UpsertJourney(ctx, j); err != nil {
		return fmt.Errorf("persist terminal transition: %w", err)
	}
	rec := CompletionRecord{
		CampaignID:  j.CampaignID,
		DistinctID:  j.DistinctID,
		JourneyID:   j.ID,
		CompletedAt: now,
		ExitReason:  reason,
		Converted:   j.ConvertedAt != nil,
	}
	if err := m.store.AppendCompletion(ctx, rec); err != nil {
		return fmt.Errorf("append completion record: %w", err)
	}
	m.logger.Debug("journey terminated", "journey", j.ID, "status", status, "reason", reason)
	return nil
}

// checkGoal evaluates the goal snapshot. Event goals convert when the
// qualifying event's own timestamp falls inside the conversion window,
// even if evaluation runs later (offline sync). Segment and attribute
// goals must hold at evaluation time and before the window closes.
func (m *Machine) checkGoal(ctx context.Context, j *Journey, ev *types.Event, now time.Time) (bool, error) {
	g := j.GoalSnapshot
	if g == nil || j.ConvertedAt != nil {
		return false, nil
	}

	var convertedAt time.Time
	switch g.Kind {
	case campaign.GoalEvent:
		if g.Event == nil || ev == nil {
			return false, nil
		}
		if !expr.MatchesFilter(*g.Event, ev.Name, ev.Timestamp, ev.Properties) {
			return false, nil
		}
		if !j.InConversionWindow(ev.Timestamp) {
			return false, nil
		}
		convertedAt = ev.Timestamp

	case campaign.GoalSegmentEnter, campaign.GoalSegmentLeave:
		if !j.InConversionWindow(now) {
			return false, nil
		}
		ectx := m.evalContext(j.DistinctID, now, ev)
		if ectx.Segments == nil {
			return false, nil
		}
		member, err := ectx.Segments.IsMember(g.SegmentID)
		if err != nil {
			return false, nil // unavailable data never converts
		}
		if (g.Kind == campaign.GoalSegmentEnter) != member {
			return false, nil
		}
		convertedAt = now

	case campaign.GoalAttribute:
		if g.Attribute == nil || !j.InConversionWindow(now) {
			return false, nil
		}
		ectx := m.evalContext(j.DistinctID, now, ev)
		if ectx.User == nil {
			return false, nil
		}
		v, present, err := ectx.User.Get(g.Attribute.Key)
		if err != nil || !present {
			return false, nil
		}
		a := g.Attribute
		if !expr.CompareValues(a.Op, a.Type, v, a.Value, a.Values) {
			return false, nil
		}
		convertedAt = now

	default:
		return false, nil
	}

	j.ConvertedAt = &convertedAt
	if j.ExitPolicySnapshot.ExitsOnGoal() {
		return true, m.terminate(ctx, j, StatusCompleted, ReasonGoalAchieved, now)
	}
	if err := m.store.UpsertJourney(ctx, j); err != nil {
		return true, fmt.Errorf("persist conversion: %w", err)
	}
	return true, nil
}

// triggerStillMatches re-checks the original (snapshotted) trigger
// condition for stop-matching exit policies. Event triggers without a
// filter have no condition to lose and always match.
func (m *Machine) triggerStillMatches(j *Journey, ev *types.Event, now time.Time) bool {
	t := j.TriggerSnapshot
	if t.SegmentID != "" {
		if t.Condition != nil {
			return m.eval(j, t.Condition, now, ev)
		}
		ectx := m.evalContext(j.DistinctID, now, ev)
		if ectx.Segments == nil {
			return true // unavailable data must not force an exit
		}
		member, err := ectx.Segments.IsMember(t.SegmentID)
		if err != nil {
			return true
		}
		return member
	}
	if t.Filter != nil {
		return m.eval(j, t.Filter, now, ev)
	}
	return true
}

// eval evaluates an expression in a fresh user-scoped context.
// A nil expression is vacuously true.
func (m *Machine) eval(j *Journey, e *expr.Expression, now time.Time, ev *types.Event) bool {
	if e == nil {
		return true
	}
	return expr.Evaluate(e, m.evalContext(j.DistinctID, now, ev))
}

// schedule forwards a wake time to the scheduler when one is attached.
func (m *Machine) schedule(id types.JourneyID, at time.Time) {
	if m.waker != nil {
		m.waker.Schedule(id, at)
	}
}

// timeoutEdge returns where an abandoned wait continues. Empty terminates
// the workflow normally.
func timeoutEdge(node campaign.Node) string {
	switch node.Kind {
	case campaign.NodeWaitUntil:
		if node.WaitUntil != nil {
			return node.WaitUntil.TimeoutEdge
		}
	case campaign.NodeTimeWindow:
		if node.TimeWindow != nil {
			return node.TimeWindow.TimeoutEdge
		}
	case campaign.NodeRemoteCall:
		if node.RemoteCall != nil {
			return node.RemoteCall.FailureEdge
		}
	}
	return ""
}

// inHourWindow reports whether now's UTC hour falls in [from, to).
// Windows may wrap midnight (from > to).
func inHourWindow(now time.Time, from, to int) bool {
	if from == to {
		return true // degenerate window: always open
	}
	h := now.UTC().Hour()
	if from < to {
		return h >= from && h < to
	}
	return h >= from || h < to
}

// nextHourWindowStart returns the next UTC instant at which the window
// opens, strictly after now.
func nextHourWindowStart(now time.Time, from int) time.Time {
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), from, 0, 0, 0, time.UTC)
	if !start.After(u) {
		start = start.Add(24 * time.Hour)
	}
	return start
}
