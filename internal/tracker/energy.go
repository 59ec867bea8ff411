package tracker

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/units"
	"github.com/teslawerk/telemetry/internal/upstream"
)

const energyEpsilon = 0.001

// EnergyRecord is one line of energy.log. The last line per session
// is authoritative.
type EnergyRecord struct {
	VehicleID   string  `json:"vehicle_id"`
	AddedEnergy float64 `json:"added_energy"`
	SessionID   string  `json:"session_id"`
}

// EnergyTracker detects charging sessions and records the energy
// added per session to energy.log.
type EnergyTracker struct {
	mu     sync.Mutex
	store  *logstore.Store
	logger *zap.Logger

	// sessionStart tracks the active charging session per vehicle.
	sessionStart map[string]time.Time
	// lastValue is the last added_energy observed per vehicle.
	lastValue map[string]float64
	// logged marks (vehicle, session, value) tuples already written,
	// so repeated identical observations stay single lines.
	logged map[string]float64
}

func NewEnergyTracker(store *logstore.Store, logger *zap.Logger) *EnergyTracker {
	return &EnergyTracker{
		store:        store,
		logger:       logger,
		sessionStart: make(map[string]time.Time),
		lastValue:    make(map[string]float64),
		logged:       make(map[string]float64),
	}
}

// Observe drives session bookkeeping from one snapshot. Counter
// resets close the previous session; a Complete or Disconnected
// charge state flushes the final value.
func (t *EnergyTracker) Observe(vehicleID string, snap *upstream.Snapshot, now time.Time) {
	if snap == nil || snap.ChargeState == nil {
		return
	}
	cs := snap.ChargeState
	chargingState := cs.ChargingState

	t.mu.Lock()
	start, hasSession := t.sessionStart[vehicleID]
	if !hasSession {
		if persisted, ok := t.store.LoadSessionStart(vehicleID); ok {
			start, hasSession = persisted, true
			t.sessionStart[vehicleID] = persisted
		}
	}
	last, hasLast := t.lastValue[vehicleID]
	t.mu.Unlock()

	if chargingState == "Charging" && !hasSession {
		t.beginSession(vehicleID, now)
		start, hasSession = now, true
	}

	if cs.ChargeEnergyAdded == nil {
		return
	}
	val := *cs.ChargeEnergyAdded

	// Counter reset means a new session started upstream; flush the
	// previous session's final value first.
	if hasLast && val < last-energyEpsilon {
		if last > 0 && hasSession {
			t.LogEnergy(vehicleID, last, start)
		}
		t.ClearSession(vehicleID)
		hasSession = false
		if chargingState == "Charging" {
			t.beginSession(vehicleID, now)
			start, hasSession = now, true
		}
	}

	t.mu.Lock()
	t.lastValue[vehicleID] = val
	t.mu.Unlock()

	if val > 0 && hasSession {
		t.LogEnergy(vehicleID, val, start)
	}

	if chargingState == "Complete" || chargingState == "Disconnected" {
		if val > 0 && hasSession {
			t.LogEnergy(vehicleID, val, start)
		}
		t.ClearSession(vehicleID)
	}
}

func (t *EnergyTracker) beginSession(vehicleID string, start time.Time) {
	t.mu.Lock()
	t.sessionStart[vehicleID] = start
	t.mu.Unlock()
	if err := t.store.SaveSessionStart(vehicleID, start); err != nil {
		t.logger.Warn("Failed to persist session start",
			zap.String("vehicle_id", vehicleID), zap.Error(err))
	}
}

// LogEnergy appends the latest added-energy reading for the active
// session. A reading timestamped before the session start is dropped
// so backfilled data cannot shift energy to an earlier day. Returns
// true when a line was written.
func (t *EnergyTracker) LogEnergy(vehicleID string, added float64, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.sessionStart[vehicleID]
	if !ok {
		if persisted, found := t.store.LoadSessionStart(vehicleID); found {
			start = persisted
		} else {
			start = ts
			if err := t.store.SaveSessionStart(vehicleID, start); err != nil {
				t.logger.Warn("Failed to persist session start",
					zap.String("vehicle_id", vehicleID), zap.Error(err))
			}
		}
		t.sessionStart[vehicleID] = start
	}

	if ts.Before(start) {
		return false
	}

	sessionID := start.In(units.Location()).Format(time.RFC3339Nano)
	dedupKey := vehicleID + "|" + sessionID
	if prev, seen := t.logged[dedupKey]; seen && math.Abs(prev-added) <= energyEpsilon {
		return false
	}

	rec := EnergyRecord{
		VehicleID:   vehicleID,
		AddedEnergy: added,
		SessionID:   sessionID,
	}
	if err := t.store.Append(vehicleID, "energy.log", ts, rec); err != nil {
		t.logger.Error("Failed to append energy log",
			zap.String("vehicle_id", vehicleID), zap.Error(err))
		return false
	}
	t.logged[dedupKey] = added
	return true
}

// ClearSession forgets the active session; the next reading starts a
// fresh one even at an earlier wall-clock time.
func (t *EnergyTracker) ClearSession(vehicleID string) {
	t.mu.Lock()
	delete(t.sessionStart, vehicleID)
	delete(t.lastValue, vehicleID)
	t.mu.Unlock()
	t.store.ClearSessionStart(vehicleID)
}

// ComputeStats returns added energy in kWh per local day for one
// vehicle's energy log.
func (t *EnergyTracker) ComputeStats(vehicleID string) map[string]float64 {
	return ComputeEnergyStats(t.store.ReadEntries(vehicleID, "energy.log"))
}

// ComputeEnergyStats groups records by (vehicle, session), keeps the
// last record per session and sums per local day of that record.
func ComputeEnergyStats(entries []logstore.Entry) map[string]float64 {
	type sessionValue struct {
		day   string
		value float64
	}
	sessions := make(map[string]sessionValue)
	for _, e := range entries {
		var rec EnergyRecord
		if err := e.Decode(&rec); err != nil {
			continue
		}
		if rec.AddedEnergy <= energyEpsilon {
			continue
		}
		key := rec.VehicleID + "|" + rec.SessionID
		sessions[key] = sessionValue{day: units.DayString(e.Time), value: rec.AddedEnergy}
	}

	daily := make(map[string]float64)
	for _, sv := range sessions {
		daily[sv.day] += sv.value
	}
	for day, total := range daily {
		daily[day] = math.Round(total*1e6) / 1e6
	}
	return daily
}
