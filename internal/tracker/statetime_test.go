package tracker

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/units"
)

func TestStateRecordOnlyOnTransition(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewStateTracker(store, zap.NewNop())

	ts := localTime(1, 8, 0)
	tr.Record("veh1", "online", ts)
	tr.Record("veh1", "online", ts.Add(time.Minute))
	tr.Record("veh1", "asleep", ts.Add(2*time.Minute))
	tr.Record("veh1", "", ts.Add(3*time.Minute))
	tr.Record("veh1", "asleep", ts.Add(4*time.Minute))

	entries := tr.Entries("veh1")
	if len(entries) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(entries))
	}
	if entries[0].State != "online" || entries[1].State != "asleep" {
		t.Errorf("unexpected transitions: %+v", entries)
	}
}

func TestComputeStateStatsOpenTail(t *testing.T) {
	ts := localTime(1, 8, 0)
	entries := []StateEntry{
		{Time: ts, State: "online"},
		{Time: ts.Add(2 * time.Hour), State: "asleep"},
	}
	now := ts.Add(5 * time.Hour)

	stats := ComputeStateStats(entries, now)
	day := stats["2025-06-01"]
	if math.Abs(day.Online-7200) > 1e-6 {
		t.Errorf("expected 7200s online, got %v", day.Online)
	}
	if math.Abs(day.Asleep-10800) > 1e-6 {
		t.Errorf("open tail must extend to now: expected 10800s asleep, got %v", day.Asleep)
	}
	if day.Offline != 0 {
		t.Errorf("expected no offline time, got %v", day.Offline)
	}
	if math.Abs(day.Observed()-18000) > 1e-6 {
		t.Errorf("observed must sum the states, got %v", day.Observed())
	}
}

func TestComputeStateStatsMidnightSplit(t *testing.T) {
	start := time.Date(2025, 6, 1, 23, 0, 0, 0, units.Location())
	entries := []StateEntry{{Time: start, State: "online"}}
	now := start.Add(2 * time.Hour)

	stats := ComputeStateStats(entries, now)
	if math.Abs(stats["2025-06-01"].Online-3600) > 1e-6 {
		t.Errorf("expected 3600s before midnight, got %v", stats["2025-06-01"].Online)
	}
	if math.Abs(stats["2025-06-02"].Online-3600) > 1e-6 {
		t.Errorf("expected 3600s after midnight, got %v", stats["2025-06-02"].Online)
	}
}

func TestComputeStateStatsUnknownStateCountsOffline(t *testing.T) {
	ts := localTime(1, 8, 0)
	entries := []StateEntry{{Time: ts, State: "service"}}
	stats := ComputeStateStats(entries, ts.Add(time.Hour))
	if math.Abs(stats["2025-06-01"].Offline-3600) > 1e-6 {
		t.Errorf("unknown states must count as offline, got %+v", stats["2025-06-01"])
	}
}

func TestComputeStateStatsUnsortedInput(t *testing.T) {
	ts := localTime(1, 8, 0)
	entries := []StateEntry{
		{Time: ts.Add(time.Hour), State: "asleep"},
		{Time: ts, State: "online"},
	}
	stats := ComputeStateStats(entries, ts.Add(2*time.Hour))
	day := stats["2025-06-01"]
	if math.Abs(day.Online-3600) > 1e-6 || math.Abs(day.Asleep-3600) > 1e-6 {
		t.Errorf("entries must be ordered before accounting, got %+v", day)
	}
}

func TestNormalizeStatePercentages(t *testing.T) {
	tests := []struct {
		name                    string
		online, offline, asleep float64
		wantSum                 float64
	}{
		{"thirds", 100.0 / 3, 100.0 / 3, 100.0 / 3, 100},
		{"uneven", 33.333, 33.333, 33.334, 100},
		{"dominant online", 99.999, 0.0005, 0.0005, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, f, a := NormalizeStatePercentages(tt.online, tt.offline, tt.asleep)
			sum := o + f + a
			if math.Abs(sum-tt.wantSum) > 1e-9 {
				t.Errorf("expected sum %v, got %v (%v/%v/%v)", tt.wantSum, sum, o, f, a)
			}
		})
	}

	o, f, a := NormalizeStatePercentages(0, 0, 0)
	if o != 0 || f != 0 || a != 0 {
		t.Errorf("zero input must stay zero, got %v/%v/%v", o, f, a)
	}
}

func TestStateRecordSeedsFromLogTail(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewStateTracker(store, zap.NewNop())

	ts := localTime(1, 8, 0)
	tr.Record("veh1", "online", ts)

	// A fresh tracker compares the first poll against the logged
	// tail instead of writing a duplicate non-transition line.
	tr2 := NewStateTracker(store, zap.NewNop())
	tr2.Record("veh1", "online", ts.Add(time.Minute))

	entries := tr2.Entries("veh1")
	if len(entries) != 1 {
		t.Fatalf("restart must not duplicate the unchanged state, got %d lines", len(entries))
	}

	tr2.Record("veh1", "asleep", ts.Add(2*time.Minute))
	entries = tr2.Entries("veh1")
	if len(entries) != 2 || entries[1].State != "asleep" {
		t.Fatalf("real transition after restart must append, got %+v", entries)
	}
}
