// internal/expr/temporal_test.go
package expr

import (
	"testing"
	"time"
)

func at(base time.Time, d time.Duration) time.Time { return base.Add(d) }

func TestOrderedWithin(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	h := time.Hour

	tests := []struct {
		name    string
		steps   [][]time.Time
		overall time.Duration
		perStep time.Duration
		want    bool
	}{
		{
			name:  "simple order",
			steps: [][]time.Time{{at(base, 0)}, {at(base, h)}, {at(base, 2 * h)}},
			want:  true,
		},
		{
			name:  "out of order",
			steps: [][]time.Time{{at(base, 2 * h)}, {at(base, h)}},
			want:  false,
		},
		{
			name:  "equal timestamps are not strictly after",
			steps: [][]time.Time{{at(base, h)}, {at(base, h)}},
			want:  false,
		},
		{
			name:    "overall window holds",
			steps:   [][]time.Time{{at(base, 0)}, {at(base, 3 * h)}},
			overall: 4 * h,
			want:    true,
		},
		{
			name:    "overall window exceeded",
			steps:   [][]time.Time{{at(base, 0)}, {at(base, 5 * h)}},
			overall: 4 * h,
			want:    false,
		},
		{
			name:    "per-step window exceeded",
			steps:   [][]time.Time{{at(base, 0)}, {at(base, h)}, {at(base, 10 * h)}},
			perStep: 2 * h,
			want:    false,
		},
		{
			name:    "both windows must hold",
			steps:   [][]time.Time{{at(base, 0)}, {at(base, 2 * h)}, {at(base, 4 * h)}},
			overall: 3 * h,
			perStep: 2 * h,
			want:    false,
		},
		{
			name: "later first candidate satisfies windows",
			// Starting at 0 blows the overall window; starting at 6h fits.
			steps:   [][]time.Time{{at(base, 0), at(base, 6 * h)}, {at(base, 7 * h)}},
			overall: 2 * h,
			want:    true,
		},
		{
			name: "later pick for a middle step rescues the tail",
			// The middle step's earliest candidate strands the last step;
			// its 10h candidate keeps every gap in range.
			steps:   [][]time.Time{{at(base, 0)}, {at(base, h), at(base, 10 * h)}, {at(base, 15 * h)}},
			perStep: 10 * h,
			want:    true,
		},
		{
			name:    "backtracked pick still bounded by overall window",
			steps:   [][]time.Time{{at(base, 0)}, {at(base, h), at(base, 10 * h)}, {at(base, 15 * h)}},
			overall: 12 * h,
			perStep: 10 * h,
			want:    false,
		},
		{
			name:  "empty step",
			steps: [][]time.Time{{at(base, 0)}, {}},
			want:  false,
		},
		{
			name:  "no steps",
			steps: nil,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OrderedWithin(tt.steps, tt.overall, tt.perStep); got != tt.want {
				t.Errorf("OrderedWithin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActivePeriodCount(t *testing.T) {
	day := 24 * time.Hour
	now := time.Date(2025, 6, 10, 15, 30, 0, 0, time.UTC)

	times := []time.Time{
		time.Date(2025, 6, 10, 1, 0, 0, 0, time.UTC),  // today
		time.Date(2025, 6, 9, 23, 0, 0, 0, time.UTC),  // yesterday
		time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC),   // yesterday again, same bucket
		time.Date(2025, 6, 5, 12, 0, 0, 0, time.UTC),  // 5 days ago
		time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC), // outside a 7-day horizon
	}

	if got := ActivePeriodCount(times, day, 7, now); got != 3 {
		t.Errorf("ActivePeriodCount(7 days) = %d, want 3", got)
	}
	if got := ActivePeriodCount(times, day, 2, now); got != 2 {
		t.Errorf("ActivePeriodCount(2 days) = %d, want 2", got)
	}
	if got := ActivePeriodCount(nil, day, 7, now); got != 0 {
		t.Errorf("ActivePeriodCount(no events) = %d, want 0", got)
	}
	if got := ActivePeriodCount(times, day, 0, now); got != 0 {
		t.Errorf("ActivePeriodCount(total 0) = %d, want 0", got)
	}

	// Zero period defaults to one UTC day.
	if got := ActivePeriodCount(times, 0, 7, now); got != 3 {
		t.Errorf("ActivePeriodCount(default period) = %d, want 3", got)
	}
}

func TestStoppedSince(t *testing.T) {
	day := 24 * time.Hour
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	last := start.Add(day) // activity at T and T+1d; last is T+1d

	// inactiveFor 3d, evaluated at T+5d: 4 days of silence.
	if !StoppedSince(last, true, 3*day, start.Add(5*day)) {
		t.Errorf("4 days inactive with 3d threshold should be stopped")
	}
	// Evaluated at T+2d: only 1 day of silence.
	if StoppedSince(last, true, 3*day, start.Add(2*day)) {
		t.Errorf("1 day inactive with 3d threshold should not be stopped")
	}
	// Exactly at the threshold is not strictly older.
	if StoppedSince(last, true, 3*day, last.Add(3*day)) {
		t.Errorf("exactly inactiveFor should not be stopped")
	}
	// Never active is not stopped.
	if StoppedSince(time.Time{}, false, 3*day, start) {
		t.Errorf("empty history should not be stopped")
	}
}

func TestRestartedWithin(t *testing.T) {
	day := 24 * time.Hour
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Activity, 10-day gap, restart.
	times := []time.Time{start, start.Add(day), start.Add(11 * day)}

	// Restart one day before now, within a 2-day window.
	if !RestartedWithin(times, 7*day, 2*day, start.Add(12*day)) {
		t.Errorf("gap of 10d with restart 1d ago should report restarted")
	}
	// Restart five days before now is outside the 2-day window.
	if RestartedWithin(times, 7*day, 2*day, start.Add(16*day)) {
		t.Errorf("restart 5d ago should be outside a 2d window")
	}
	// Zero window means any restart qualifies.
	if !RestartedWithin(times, 7*day, 0, start.Add(16*day)) {
		t.Errorf("unbounded window should accept any restart")
	}
	// No gap longer than inactiveFor.
	if RestartedWithin(times, 15*day, 2*day, start.Add(12*day)) {
		t.Errorf("no qualifying gap should report false")
	}
	// Single event has no gap.
	if RestartedWithin(times[:1], time.Hour, 0, start.Add(day)) {
		t.Errorf("single event cannot restart")
	}
}
