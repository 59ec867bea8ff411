package tracker

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/units"
	"github.com/teslawerk/telemetry/internal/upstream"
)

func localTime(day, hour, min int) time.Time {
	return time.Date(2025, 6, day, hour, min, 0, 0, units.Location())
}

func fptr(v float64) *float64 { return &v }

func sptr(v string) *string { return &v }

func chargingSnapshot(state string, added float64) *upstream.Snapshot {
	return &upstream.Snapshot{
		State: upstream.StateOnline,
		Live:  true,
		ChargeState: &upstream.ChargeState{
			ChargingState:     state,
			ChargeEnergyAdded: fptr(added),
		},
	}
}

func TestEnergyLastWinsPerSession(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewEnergyTracker(store, zap.NewNop())

	start := localTime(1, 10, 0)
	tr.Observe("veh1", chargingSnapshot("Charging", 0), start)
	tr.Observe("veh1", chargingSnapshot("Charging", 4.5), start.Add(10*time.Minute))
	tr.Observe("veh1", chargingSnapshot("Charging", 8.0), start.Add(30*time.Minute))
	tr.Observe("veh1", chargingSnapshot("Complete", 8.0), start.Add(31*time.Minute))

	daily := tr.ComputeStats("veh1")
	if got := daily["2025-06-01"]; math.Abs(got-8.0) > 1e-6 {
		t.Errorf("expected 8.0 kWh on 2025-06-01, got %v", got)
	}
	if len(daily) != 1 {
		t.Errorf("expected one day, got %v", daily)
	}
}

func TestEnergyRepeatedValueWritesOnce(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewEnergyTracker(store, zap.NewNop())

	start := localTime(1, 10, 0)
	tr.Observe("veh1", chargingSnapshot("Charging", 4.5), start)
	tr.Observe("veh1", chargingSnapshot("Charging", 4.5), start.Add(time.Minute))
	tr.Observe("veh1", chargingSnapshot("Charging", 4.5), start.Add(2*time.Minute))

	entries := store.ReadEntries("veh1", "energy.log")
	if len(entries) != 1 {
		t.Fatalf("expected 1 log line for repeated value, got %d", len(entries))
	}
}

func TestEnergySessionLinesCarrySessionStart(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewEnergyTracker(store, zap.NewNop())

	start := localTime(1, 10, 0)
	tr.Observe("veh1", chargingSnapshot("Charging", 0), start)
	tr.Observe("veh1", chargingSnapshot("Charging", 2.0), start.Add(20*time.Minute))
	tr.Observe("veh1", chargingSnapshot("Charging", 5.0), start.Add(40*time.Minute))

	entries := store.ReadEntries("veh1", "energy.log")
	if len(entries) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(entries))
	}
	for i, e := range entries {
		if !e.Time.Equal(start) {
			t.Errorf("line %d: expected session-start timestamp %v, got %v", i, start, e.Time)
		}
		var rec EnergyRecord
		if err := e.Decode(&rec); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if rec.SessionID == "" {
			t.Errorf("line %d: missing session id", i)
		}
	}
}

func TestEnergyCounterResetStartsNewSession(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewEnergyTracker(store, zap.NewNop())

	first := localTime(1, 10, 0)
	tr.Observe("veh1", chargingSnapshot("Charging", 0), first)
	tr.Observe("veh1", chargingSnapshot("Charging", 6.0), first.Add(30*time.Minute))

	// The counter drops back, the old session flushes and a new one
	// begins at the reset observation.
	second := first.Add(2 * time.Hour)
	tr.Observe("veh1", chargingSnapshot("Charging", 1.5), second)
	tr.Observe("veh1", chargingSnapshot("Complete", 3.0), second.Add(15*time.Minute))

	daily := tr.ComputeStats("veh1")
	if got := daily["2025-06-01"]; math.Abs(got-9.0) > 1e-6 {
		t.Errorf("expected 6.0 + 3.0 = 9.0 kWh, got %v", got)
	}
}

func TestEnergyLogDropsReadingBeforeSessionStart(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewEnergyTracker(store, zap.NewNop())

	start := localTime(2, 9, 0)
	tr.Observe("veh1", chargingSnapshot("Charging", 0), start)
	if tr.LogEnergy("veh1", 3.0, start.Add(-time.Hour)) {
		t.Error("reading before session start must be dropped")
	}
	if tr.LogEnergy("veh1", 3.0, start.Add(time.Minute)) != true {
		t.Error("reading after session start must be written")
	}
}

func TestEnergySessionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store := logstore.New(dir)
	tr := NewEnergyTracker(store, zap.NewNop())

	start := localTime(3, 8, 0)
	tr.Observe("veh1", chargingSnapshot("Charging", 1.0), start)

	// A fresh tracker over the same store picks up the persisted
	// session start instead of opening a new session.
	tr2 := NewEnergyTracker(store, zap.NewNop())
	tr2.Observe("veh1", chargingSnapshot("Charging", 2.5), start.Add(20*time.Minute))
	tr2.Observe("veh1", chargingSnapshot("Complete", 2.5), start.Add(21*time.Minute))

	daily := tr2.ComputeStats("veh1")
	if got := daily["2025-06-03"]; math.Abs(got-2.5) > 1e-6 {
		t.Errorf("expected one 2.5 kWh session, got %v", daily)
	}
}

func TestComputeEnergyStatsSkipsZeroAndCorrupt(t *testing.T) {
	store := logstore.New(t.TempDir())
	ts := localTime(4, 12, 0)
	if err := store.Append("veh1", "energy.log", ts, EnergyRecord{VehicleID: "veh1", AddedEnergy: 0, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Append("veh1", "energy.log", ts, map[string]string{"unrelated": "line"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Append("veh1", "energy.log", ts, EnergyRecord{VehicleID: "veh1", AddedEnergy: 4.2, SessionID: "s2"}); err != nil {
		t.Fatal(err)
	}

	daily := ComputeEnergyStats(store.ReadEntries("veh1", "energy.log"))
	if got := daily["2025-06-04"]; math.Abs(got-4.2) > 1e-6 {
		t.Errorf("expected 4.2, got %v", got)
	}
}
