package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftlock/driftlock/internal/types"
)

// eventRow is the database representation of one event.
type eventRow struct {
	EventID     string `db:"event_id"`
	DistinctID  string `db:"distinct_id"`
	Name        string `db:"name"`
	Properties  []byte `db:"properties"`
	TimestampMs int64  `db:"timestamp_ms"`
}

// InsertEvent appends one event to the local event log. Events are
// persisted before any evaluation so that history queries triggered by the
// event can already see it.
func (s *Store) InsertEvent(ctx context.Context, ev *types.Event) error {
	props, err := ev.PropertiesJSON()
	if err != nil {
		return fmt.Errorf("failed to encode event properties: %w", err)
	}
	if len(props) > types.MaxPropertiesSize {
		return types.ErrPropertiesTooLarge
	}

	_, err = s.q.Exec(ctx, "insert-event",
		string(ev.ID),
		string(ev.DistinctID),
		ev.Name,
		props,
		ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// eventsByName loads one user's events with the given name, ordered by
// occurrence time ascending. Property predicates are applied by the caller;
// the row set per (user, name) is small on-device.
func (s *Store) eventsByName(ctx context.Context, distinctID types.DistinctID, name string) ([]*types.Event, error) {
	var rows []eventRow
	if err := s.q.Select(ctx, "select-event-rows", &rows, string(distinctID), name); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]*types.Event, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *eventRow) toEvent() (*types.Event, error) {
	ev := &types.Event{
		ID:         types.EventID(r.EventID),
		DistinctID: types.DistinctID(r.DistinctID),
		Name:       r.Name,
		Timestamp:  time.UnixMilli(r.TimestampMs).UTC(),
	}
	if len(r.Properties) > 0 {
		if err := json.Unmarshal(r.Properties, &ev.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode event properties: %w", err)
		}
	}
	return ev, nil
}
