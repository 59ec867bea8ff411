package tracker

import (
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/upstream"
)

// Trackers bundles the per-subsystem derivation state. Each tracker
// owns its log file and its in-memory session maps; the container
// replaces what used to be free-floating process globals.
type Trackers struct {
	Energy  *EnergyTracker
	Parking *ParkingTracker
	Trip    *TripRecorder
	State   *StateTracker
}

func New(store *logstore.Store, logger *zap.Logger) *Trackers {
	return &Trackers{
		Energy:  NewEnergyTracker(store, logger),
		Parking: NewParkingTracker(store, logger),
		Trip:    NewTripRecorder(store, logger),
		State:   NewStateTracker(store, logger),
	}
}

// HandleSnapshot dispatches one fetched snapshot to every tracker.
// Cache-backed snapshots still feed state accounting and parking
// (an asleep vehicle keeps losing charge); drive recording needs
// live coordinates.
func (t *Trackers) HandleSnapshot(vehicleID string, snap *upstream.Snapshot, now time.Time) {
	if snap == nil {
		return
	}
	t.State.Record(vehicleID, snap.State, now)
	t.Energy.Observe(vehicleID, snap, now)
	t.Parking.Record(vehicleID, snap, now)
	if snap.Live {
		t.Trip.Record(vehicleID, snap, now)
	}
}
