package tracker

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/units"
)

// StateEntry is one parsed state transition.
type StateEntry struct {
	Time  time.Time
	State string
}

// StateDurations holds seconds per connectivity state for one day.
type StateDurations struct {
	Online  float64
	Offline float64
	Asleep  float64
}

// Observed returns the total covered seconds of the day.
func (d StateDurations) Observed() float64 {
	return d.Online + d.Offline + d.Asleep
}

// StateTracker writes a state.log line on every connectivity
// transition.
type StateTracker struct {
	mu     sync.Mutex
	store  *logstore.Store
	logger *zap.Logger
	last   map[string]string
}

func NewStateTracker(store *logstore.Store, logger *zap.Logger) *StateTracker {
	return &StateTracker{
		store:  store,
		logger: logger,
		last:   make(map[string]string),
	}
}

// Record appends a transition record when the state changed. The
// first observation after a restart is compared against the tail of
// state.log so an unchanged state does not produce a duplicate line.
func (t *StateTracker) Record(vehicleID, state string, now time.Time) {
	if state == "" {
		return
	}
	t.mu.Lock()
	if _, seeded := t.last[vehicleID]; !seeded {
		t.last[vehicleID] = t.lastLogged(vehicleID)
	}
	if t.last[vehicleID] == state {
		t.mu.Unlock()
		return
	}
	t.last[vehicleID] = state
	t.mu.Unlock()

	payload := map[string]string{"vehicle_id": vehicleID, "state": state}
	if err := t.store.Append(vehicleID, "state.log", now, payload); err != nil {
		t.logger.Error("Failed to append state log",
			zap.String("vehicle_id", vehicleID), zap.Error(err))
	}
}

func (t *StateTracker) lastLogged(vehicleID string) string {
	entries := LoadStateEntries(t.store.ReadEntries(vehicleID, "state.log"))
	if len(entries) == 0 {
		return ""
	}
	return entries[len(entries)-1].State
}

// Entries loads the state transition log for a vehicle.
func (t *StateTracker) Entries(vehicleID string) []StateEntry {
	return LoadStateEntries(t.store.ReadEntries(vehicleID, "state.log"))
}

func LoadStateEntries(entries []logstore.Entry) []StateEntry {
	var out []StateEntry
	for _, e := range entries {
		var rec struct {
			State string `json:"state"`
		}
		if err := e.Decode(&rec); err != nil || rec.State == "" {
			continue
		}
		out = append(out, StateEntry{Time: e.Time, State: rec.State})
	}
	return out
}

// ComputeStateStats converts transitions into per-day seconds spent
// in each state. The open tail is extended to now; segments crossing
// local midnight are split proportionally. States other than online
// and asleep count as offline.
func ComputeStateStats(entries []StateEntry, now time.Time) map[string]StateDurations {
	stats := make(map[string]StateDurations)
	if len(entries) == 0 {
		return stats
	}
	sorted := make([]StateEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	sorted = append(sorted, StateEntry{Time: now, State: sorted[len(sorted)-1].State})

	for i := 0; i < len(sorted)-1; i++ {
		state := sorted[i].State
		units.SplitByLocalDay(sorted[i].Time, sorted[i+1].Time, func(day string, seconds float64) {
			d := stats[day]
			switch state {
			case "online":
				d.Online += seconds
			case "asleep":
				d.Asleep += seconds
			default:
				d.Offline += seconds
			}
			stats[day] = d
		})
	}
	return stats
}

// NormalizeStatePercentages rounds the three shares to two decimals
// and adjusts the largest one so they sum to exactly 100.00.
func NormalizeStatePercentages(online, offline, asleep float64) (float64, float64, float64) {
	if online+offline+asleep <= 0 {
		return 0, 0, 0
	}
	round2 := func(v float64) float64 { return math.Round(v*100) / 100 }
	o := round2(online)
	f := round2(offline)
	a := round2(asleep)
	diff := round2(100.0 - (o + f + a))
	switch {
	case o >= f && o >= a:
		o = round2(o + diff)
	case f >= o && f >= a:
		f = round2(f + diff)
	default:
		a = round2(a + diff)
	}
	return o, f, a
}
