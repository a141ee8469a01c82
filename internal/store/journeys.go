package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftlock/driftlock/internal/journey"
	"github.com/driftlock/driftlock/internal/types"
)

// journeyRow is the database representation of one journey. The full state
// lives in the JSON state column; the extracted columns exist only so the
// scheduler and broker can query without decoding every row.
type journeyRow struct {
	JourneyID   string        `db:"journey_id"`
	CampaignID  string        `db:"campaign_id"`
	DistinctID  string        `db:"distinct_id"`
	Status      string        `db:"status"`
	ResumeAtMs  sql.NullInt64 `db:"resume_at_ms"`
	State       []byte        `db:"state"`
	UpdatedAtMs int64         `db:"updated_at_ms"`
}

// UpsertJourney writes the journey's full state as one row, replacing any
// previous version. The row carries the earliest wake time (resume
// timestamp or wait deadline, whichever comes first) so due-journey scans
// stay a single indexed query.
func (s *Store) UpsertJourney(ctx context.Context, j *journey.Journey) error {
	state, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to encode journey state: %w", err)
	}

	var resumeAt sql.NullInt64
	if j.Status == journey.StatusPaused && j.Pending != nil {
		if wake, ok := wakeTime(j.Pending); ok {
			resumeAt = sql.NullInt64{Int64: wake.UnixMilli(), Valid: true}
		}
	}

	_, err = s.q.Exec(ctx, "upsert-journey",
		string(j.ID),
		string(j.CampaignID),
		string(j.DistinctID),
		string(j.Status),
		resumeAt,
		state,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert journey %s: %w", j.ID, err)
	}
	return nil
}

// wakeTime returns the earliest moment the pending action needs the clock:
// its resume timestamp or its deadline. ok is false for waits that are
// purely condition-gated and only advance on events or periodic rescans.
func wakeTime(p *journey.PendingAction) (time.Time, bool) {
	deadline, hasDeadline := p.Deadline()
	switch {
	case p.ResumeAt != nil && hasDeadline:
		if p.ResumeAt.Before(deadline) {
			return *p.ResumeAt, true
		}
		return deadline, true
	case p.ResumeAt != nil:
		return *p.ResumeAt, true
	case hasDeadline:
		return deadline, true
	default:
		return time.Time{}, false
	}
}

// GetJourney loads one journey by ID. Returns ErrNotFound when absent.
func (s *Store) GetJourney(ctx context.Context, id types.JourneyID) (*journey.Journey, error) {
	var row journeyRow
	if err := s.q.Get(ctx, "select-journey", &row, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load journey %s: %w", id, err)
	}
	return row.toJourney()
}

// ActiveJourney returns the non-terminal journey for (campaign, user), or
// nil when none exists. At most one such journey exists at a time.
func (s *Store) ActiveJourney(ctx context.Context, campaignID types.CampaignID, distinctID types.DistinctID) (*journey.Journey, error) {
	var row journeyRow
	err := s.q.Get(ctx, "select-active-journey", &row, string(campaignID), string(distinctID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active journey: %w", err)
	}
	return row.toJourney()
}

// JourneysForUser loads all journeys for one user, terminal included.
func (s *Store) JourneysForUser(ctx context.Context, distinctID types.DistinctID) ([]*journey.Journey, error) {
	var rows []journeyRow
	if err := s.q.Select(ctx, "select-journeys-by-user", &rows, string(distinctID)); err != nil {
		return nil, fmt.Errorf("failed to query journeys: %w", err)
	}
	return toJourneys(rows)
}

// DueJourneys returns paused journeys whose wake time has passed.
func (s *Store) DueJourneys(ctx context.Context, now time.Time) ([]*journey.Journey, error) {
	var rows []journeyRow
	if err := s.q.Select(ctx, "select-due-journeys", &rows, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to query due journeys: %w", err)
	}
	return toJourneys(rows)
}

// PausedJourneys returns every paused journey, wake time or not. The
// scheduler rescans these on foreground to catch waits with no timestamp.
func (s *Store) PausedJourneys(ctx context.Context) ([]*journey.Journey, error) {
	var rows []journeyRow
	if err := s.q.Select(ctx, "select-paused-journeys", &rows); err != nil {
		return nil, fmt.Errorf("failed to query paused journeys: %w", err)
	}
	return toJourneys(rows)
}

// AppendCompletion records one terminal journey outcome. Append-only;
// frequency policies count and date these rows.
func (s *Store) AppendCompletion(ctx context.Context, rec journey.CompletionRecord) error {
	_, err := s.q.Exec(ctx, "insert-completion",
		string(rec.CampaignID),
		string(rec.DistinctID),
		string(rec.JourneyID),
		rec.CompletedAt.UnixMilli(),
		string(rec.ExitReason),
		rec.Converted,
	)
	if err != nil {
		return fmt.Errorf("failed to insert completion: %w", err)
	}
	return nil
}

// CompletionCount returns how many journeys of the campaign the user has
// completed (any exit reason).
func (s *Store) CompletionCount(ctx context.Context, campaignID types.CampaignID, distinctID types.DistinctID) (int, error) {
	var count int
	if err := s.q.Get(ctx, "count-completions", &count, string(campaignID), string(distinctID)); err != nil {
		return 0, fmt.Errorf("failed to count completions: %w", err)
	}
	return count, nil
}

// LastCompletionAt returns when the user last completed a journey of the
// campaign. ok is false when there is no completion yet.
func (s *Store) LastCompletionAt(ctx context.Context, campaignID types.CampaignID, distinctID types.DistinctID) (time.Time, bool, error) {
	var ms int64
	err := s.q.Get(ctx, "last-completion", &ms, string(campaignID), string(distinctID))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last completion: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (r *journeyRow) toJourney() (*journey.Journey, error) {
	j := &journey.Journey{}
	if err := json.Unmarshal(r.State, j); err != nil {
		return nil, fmt.Errorf("failed to decode journey %s: %w", r.JourneyID, err)
	}
	return j, nil
}

func toJourneys(rows []journeyRow) ([]*journey.Journey, error) {
	journeys := make([]*journey.Journey, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJourney()
		if err != nil {
			return nil, err
		}
		journeys = append(journeys, j)
	}
	return journeys, nil
}
