// Package broker turns incoming application events into campaign decisions:
// it persists the event, enforces frequency policy, evaluates triggers,
// starts or advances journeys, and reports the outcome over an update
// channel.
package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlock/driftlock/internal/campaign"
	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/journey"
	"github.com/driftlock/driftlock/internal/types"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Storage is the persistence surface the broker and its journey machine
// depend on. *store.Store satisfies it.
type Storage interface {
	InsertEvent(ctx context.Context, ev *types.Event) error
	EventsFor(distinctID types.DistinctID) expr.EventQueries

	UpsertJourney(ctx context.Context, j *journey.Journey) error
	AppendCompletion(ctx context.Context, rec journey.CompletionRecord) error
	GetJourney(ctx context.Context, id types.JourneyID) (*journey.Journey, error)
	ActiveJourney(ctx context.Context, campaignID types.CampaignID, distinctID types.DistinctID) (*journey.Journey, error)
	JourneysForUser(ctx context.Context, distinctID types.DistinctID) ([]*journey.Journey, error)
	CompletionCount(ctx context.Context, campaignID types.CampaignID, distinctID types.DistinctID) (int, error)
	LastCompletionAt(ctx context.Context, campaignID types.CampaignID, distinctID types.DistinctID) (time.Time, bool, error)
}

// UpdateKind tags decision updates. flowShown is intermediate; every other
// kind is terminal and closes the update channel.
type UpdateKind string

const (
	UpdateFlowShown  UpdateKind = "flowShown"
	UpdateJourney    UpdateKind = "journey"
	UpdateAllowed    UpdateKind = "allowed"
	UpdateConverted  UpdateKind = "converted"
	UpdateDenied     UpdateKind = "denied"
	UpdateSuppressed UpdateKind = "suppressed"
	UpdateNoMatch    UpdateKind = "noMatch"
	UpdateError      UpdateKind = "error"
)

// contentOutcomeTimeout bounds how long shown content awaits a correlated
// follow-up before resolving as no-interaction. A shorter conversion
// window shortens it.
const contentOutcomeTimeout = 5 * time.Minute

// Registry keys are namespaced per concern: one journey can await a remote
// call and a content outcome at the same time.
func contentOutcomeKey(id types.JourneyID) string { return "content:" + string(id) }
func remoteOutcomeKey(id types.JourneyID) string  { return "remote:" + string(id) }

// Update is one decision progress report.
type Update struct {
	Kind       UpdateKind
	CampaignID types.CampaignID
	JourneyID  types.JourneyID
	ContentID  string
	Err        error
}

// Broker coordinates event handling across the store, the profile caches,
// and the journey machine. One instance per SDK client.
type Broker struct {
	storage  Storage
	machine  *journey.Machine
	registry *OutcomeRegistry
	exec     *executor
	profile  profileHolder
	clock    Clock
	logger   *slog.Logger

	mu        sync.Mutex
	currentID types.DistinctID
	sessionAt time.Time

	emitters sync.Map // types.DistinctID -> chan Update
}

// New creates a broker. effects performs content rendering and remote
// calls; a nil clock uses the system clock.
func New(storage Storage, effects journey.Effects, clock Clock, logger *slog.Logger) *Broker {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Broker{
		storage:  storage,
		registry: NewOutcomeRegistry(),
		exec:     newExecutor(logger),
		clock:    clock,
		logger:   logger,
	}
	b.machine = journey.NewMachine(storage, &brokerEffects{broker: b, inner: effects}, b.buildContext, logger)
	b.machine.SetObserver(b)
	return b
}

// Machine exposes the journey machine for scheduler wiring.
func (b *Broker) Machine() *journey.Machine { return b.machine }

// Run drives the executor shards until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	b.exec.Run(ctx)
}

// Identify switches the active identity. Idempotent: re-identifying the
// same distinct ID is a no-op. A real switch invalidates queued work for
// the old identity, cancels its in-flight journeys, and starts a fresh
// session for the new identity.
func (b *Broker) Identify(newID types.DistinctID) {
	b.mu.Lock()
	oldID := b.currentID
	if oldID == newID {
		b.mu.Unlock()
		return
	}
	b.currentID = newID
	b.sessionAt = b.clock.Now()
	// Bumped inside the critical section: any task built from an
	// identityAndGen snapshot of the old identity carries the old
	// generation and lands stale.
	b.exec.BumpGeneration()
	b.mu.Unlock()

	if oldID == "" {
		return
	}
	// Enqueued after the bump, so the cancellation itself is not stale.
	b.exec.Enqueue(oldID, func(ctx context.Context, stale bool) {
		if stale {
			return
		}
		b.cancelJourneysFor(ctx, oldID)
	})
}

// CurrentIdentity returns the active distinct ID.
func (b *Broker) CurrentIdentity() types.DistinctID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentID
}

// identityAndGen samples the active identity and the executor generation
// atomically. A task enqueued with this pair can never pair the old
// identity with the new generation.
func (b *Broker) identityAndGen() (types.DistinctID, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentID, b.exec.Generation()
}

// StartSession marks a new session boundary for oncePerSession frequency
// accounting.
func (b *Broker) StartSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionAt = b.clock.Now()
}

func (b *Broker) sessionStartAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionAt
}

// OnProfileRefreshed swaps the cached profile snapshot copy-on-write.
// Evaluations in flight keep the snapshot they started with.
func (b *Broker) OnProfileRefreshed(p *Profile) {
	b.profile.store(p)
}

// Handle processes one application event for the current identity. The
// returned channel carries zero or more flowShown updates followed by
// exactly one terminal update, then closes.
func (b *Broker) Handle(ctx context.Context, name string, props types.Properties) <-chan Update {
	updates := make(chan Update, shardQueueCap)
	distinctID, gen := b.identityAndGen()

	ev := &types.Event{
		ID:         types.NewEventID(),
		DistinctID: distinctID,
		Name:       name,
		Properties: props,
		Timestamp:  b.clock.Now(),
	}

	b.exec.EnqueueAt(distinctID, gen, func(ctx context.Context, stale bool) {
		defer close(updates)
		if stale {
			updates <- Update{Kind: UpdateError, Err: types.ErrIdentityRace}
			return
		}
		b.emitters.Store(distinctID, updates)
		defer b.emitters.Delete(distinctID)
		updates <- b.process(ctx, ev)
	})
	return updates
}

// process runs the full decision pipeline for one event and returns the
// terminal update. Runs on the event's shard, so all journey mutations for
// this user are serialized.
func (b *Broker) process(ctx context.Context, ev *types.Event) Update {
	// Persist first: history predicates evaluated for this very event must
	// already see it, and a crash after this point loses no data.
	if err := b.storage.InsertEvent(ctx, ev); err != nil {
		b.logger.Error("event persist failed", "event", ev.Name, "error", err)
		return Update{Kind: UpdateError, Err: err}
	}

	p := b.profile.load()
	if p == nil || p.Campaigns == nil || p.Campaigns.Len() == 0 {
		return Update{Kind: UpdateNoMatch}
	}

	now := b.clock.Now()
	var (
		started    *journey.Journey
		startedFor types.CampaignID
		converted  *journey.Journey
		consumed   bool
		suppressed bool
		denied     bool
	)

	for _, c := range p.Campaigns.All() {
		// At most one non-terminal journey per (campaign, user): an
		// existing one consumes the event instead of starting a duplicate.
		existing, err := b.storage.ActiveJourney(ctx, c.ID, ev.DistinctID)
		if err != nil {
			b.logger.Error("active journey lookup failed", "campaign", c.ID, "error", err)
			continue
		}
		if existing != nil {
			hadConverted := existing.ConvertedAt != nil
			if err := b.machine.OnEvent(ctx, existing, ev, now); err != nil {
				b.logger.Error("journey event handling failed", "journey", existing.ID, "error", err)
			}
			// A conversion correlated to shown content rewrites this
			// event's terminal decision, but only while the awaiting-outcome
			// record is still live: a timed-out record already resolved as
			// no-interaction and a late observation stays a plain consume.
			if !hadConverted && existing.ConvertedAt != nil &&
				b.registry.Observe(contentOutcomeKey(existing.ID), true) && converted == nil {
				converted = existing
			}
			consumed = true
			continue
		}

		if !b.triggerApplies(c, ev) {
			continue
		}
		if !b.frequencyAllows(ctx, c, ev.DistinctID, now) {
			suppressed = true
			continue
		}
		if !b.triggerConditionHolds(c, ev, now) {
			denied = true
			continue
		}

		j, err := b.machine.Start(ctx, c, ev.DistinctID, now, ev)
		if err != nil {
			b.logger.Error("journey start failed", "campaign", c.ID, "error", err)
			continue
		}
		if started == nil {
			started = j
			startedFor = c.ID
		}
	}

	switch {
	case started != nil:
		return Update{Kind: UpdateJourney, CampaignID: startedFor, JourneyID: started.ID}
	case converted != nil:
		return Update{Kind: UpdateConverted, CampaignID: converted.CampaignID, JourneyID: converted.ID}
	case consumed:
		return Update{Kind: UpdateAllowed}
	case suppressed:
		return Update{Kind: UpdateSuppressed}
	case denied:
		return Update{Kind: UpdateDenied}
	default:
		return Update{Kind: UpdateNoMatch}
	}
}

// triggerApplies reports whether this event addresses the campaign's
// trigger at all: name equality for event triggers, cached membership for
// segment triggers. No IR runs here; frequency policy is checked by the
// caller before any condition evaluates.
func (b *Broker) triggerApplies(c *campaign.Campaign, ev *types.Event) bool {
	t := c.Trigger
	if t.EventName != "" {
		return t.EventName == ev.Name
	}
	if t.SegmentID != "" {
		p := b.profile.load()
		member, err := (&segmentAdapter{profile: p}).IsMember(t.SegmentID)
		return err == nil && member
	}
	return false
}

// triggerConditionHolds evaluates the trigger's IR condition. A trigger
// without one matches unconditionally.
func (b *Broker) triggerConditionHolds(c *campaign.Campaign, ev *types.Event, now time.Time) bool {
	cond := c.Trigger.Filter
	if c.Trigger.SegmentID != "" {
		cond = c.Trigger.Condition
	}
	if cond == nil {
		return true
	}
	return expr.Evaluate(cond, b.buildContext(ev.DistinctID, now, ev))
}

// WakeJourney resumes a paused journey on its owner's shard. Called by the
// scheduler when a resume timestamp or wait deadline elapses.
func (b *Broker) WakeJourney(id types.JourneyID) {
	b.dispatchJourney(id, func(ctx context.Context, j *journey.Journey, now time.Time) error {
		return b.machine.Resume(ctx, j, now)
	})
}

// RevalidateJourney re-checks one paused journey (expiry, overdue resume).
// Called by the scheduler's foreground rescan.
func (b *Broker) RevalidateJourney(id types.JourneyID) {
	b.dispatchJourney(id, func(ctx context.Context, j *journey.Journey, now time.Time) error {
		return b.machine.Revalidate(ctx, j, now)
	})
}

// ResolveRemote reports the outcome of a remote call correlated to a
// journey. Reports false when the correlation is unknown or already
// resolved.
func (b *Broker) ResolveRemote(id types.JourneyID, success bool) bool {
	return b.registry.Observe(remoteOutcomeKey(id), success)
}

// dispatchJourney loads the journey, then runs fn on its owner's shard
// against a fresh load so the mutation sees current state.
func (b *Broker) dispatchJourney(id types.JourneyID, fn func(ctx context.Context, j *journey.Journey, now time.Time) error) {
	j, err := b.storage.GetJourney(context.Background(), id)
	if err != nil {
		b.logger.Warn("journey dispatch lookup failed", "journey", id, "error", err)
		return
	}

	b.exec.Enqueue(j.DistinctID, func(ctx context.Context, stale bool) {
		if stale {
			b.logger.Debug("dropping stale journey dispatch", "journey", id)
			return
		}
		fresh, err := b.storage.GetJourney(ctx, id)
		if err != nil {
			b.logger.Warn("journey reload failed", "journey", id, "error", err)
			return
		}
		if err := fn(ctx, fresh, b.clock.Now()); err != nil {
			b.logger.Error("journey dispatch failed", "journey", id, "error", err)
		}
	})
}

// cancelJourneysFor cancels every non-terminal journey of an identity.
func (b *Broker) cancelJourneysFor(ctx context.Context, distinctID types.DistinctID) {
	journeys, err := b.storage.JourneysForUser(ctx, distinctID)
	if err != nil {
		b.logger.Error("identity cancellation load failed", "distinct_id", distinctID, "error", err)
		return
	}
	now := b.clock.Now()
	for _, j := range journeys {
		b.registry.Cancel(remoteOutcomeKey(j.ID))
		b.registry.Cancel(contentOutcomeKey(j.ID))
		if err := b.machine.Cancel(ctx, j, journey.ReasonIdentityChanged, now); err != nil {
			b.logger.Error("identity cancellation failed", "journey", j.ID, "error", err)
		}
	}
}

// ContentShown implements journey.Observer: content renders are reported
// as intermediate flowShown updates on the in-flight decision channel.
func (b *Broker) ContentShown(j *journey.Journey, contentID string) {
	if ch, ok := b.emitters.Load(j.DistinctID); ok {
		select {
		case ch.(chan Update) <- Update{
			Kind:       UpdateFlowShown,
			CampaignID: j.CampaignID,
			JourneyID:  j.ID,
			ContentID:  contentID,
		}:
		default:
			// Channel full: the caller stopped draining; drop the progress
			// report rather than block the shard.
		}
	}
}

// buildContext assembles a fresh evaluation context for one user, combining
// the store-backed event history with the current profile snapshot.
func (b *Broker) buildContext(distinctID types.DistinctID, now time.Time, ev *types.Event) *expr.Context {
	p := b.profile.load()
	return &expr.Context{
		Now:      now,
		Event:    ev,
		Events:   b.storage.EventsFor(distinctID),
		Segments: &segmentAdapter{profile: p},
		Features: &featureAdapter{profile: p},
		User:     &userAdapter{profile: p},
		Logger:   b.logger,
	}
}

// brokerEffects wraps the host-supplied effects, correlating remote calls
// through the outcome registry so their async results resume the right
// journey on the right shard.
type brokerEffects struct {
	broker *Broker
	inner  journey.Effects
}

func (e *brokerEffects) ShowContent(ctx context.Context, j *journey.Journey, contentID string) error {
	if err := e.inner.ShowContent(ctx, j, contentID); err != nil {
		return err
	}
	e.broker.awaitContentOutcome(j)
	return nil
}

func (e *brokerEffects) StartRemoteCall(ctx context.Context, j *journey.Journey, actionID string) error {
	b := e.broker
	id := j.ID

	var timeout time.Duration
	if j.Pending != nil && j.Pending.MaxTimeMs > 0 {
		timeout = time.Duration(j.Pending.MaxTimeMs) * time.Millisecond
	}

	// Registered before the call starts so a synchronous resolution still
	// finds its waiter.
	b.registry.Register(remoteOutcomeKey(id), timeout, func(oc Outcome) {
		b.dispatchJourney(id, func(ctx context.Context, fresh *journey.Journey, now time.Time) error {
			return b.machine.CompleteRemote(ctx, fresh, oc.Success && !oc.TimedOut, now)
		})
	})

	if err := e.inner.StartRemoteCall(ctx, j, actionID); err != nil {
		b.registry.Cancel(remoteOutcomeKey(id))
		return err
	}
	return nil
}

// awaitContentOutcome registers shown content for follow-up correlation.
// A conversion observed before the timeout rewrites the correlated event's
// terminal decision; the timeout resolves the record as no-interaction.
// Re-registering on a second render replaces the previous record.
func (b *Broker) awaitContentOutcome(j *journey.Journey) {
	timeout := contentOutcomeTimeout
	if j.ConversionWindowMs > 0 {
		if w := time.Duration(j.ConversionWindowMs) * time.Millisecond; w < timeout {
			timeout = w
		}
	}
	id := j.ID
	b.registry.Register(contentOutcomeKey(id), timeout, func(oc Outcome) {
		if oc.TimedOut {
			b.logger.Debug("shown content drew no interaction before timeout", "journey", id)
		}
	})
}
