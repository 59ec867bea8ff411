package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/presence"
	"github.com/teslawerk/telemetry/internal/tracker"
	"github.com/teslawerk/telemetry/internal/upstream"
)

// Publisher pushes a serialized status update to connected clients.
type Publisher interface {
	Publish(data []byte)
}

// Fetcher produces one merged snapshot per poll. It never calls the
// data endpoint for a vehicle the API reports as asleep or offline,
// because that call wakes the car; those polls are served from cache.
type Fetcher struct {
	api      upstream.API
	store    *logstore.Store
	trackers *tracker.Trackers
	presence *presence.Manager
	pub      Publisher
	logger   *zap.Logger
}

func NewFetcher(api upstream.API, store *logstore.Store, trackers *tracker.Trackers, pres *presence.Manager, pub Publisher, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		api:      api,
		store:    store,
		trackers: trackers,
		presence: pres,
		pub:      pub,
		logger:   logger,
	}
}

// FetchOnce polls one vehicle and dispatches the resulting snapshot
// to the trackers and the live feed.
func (f *Fetcher) FetchOnce(ctx context.Context, vehicleID string) (*upstream.Snapshot, error) {
	now := time.Now()

	state, err := f.api.GetVehicleState(ctx, vehicleID)
	if err != nil {
		f.logger.Warn("Vehicle state probe failed",
			zap.String("vehicle_id", vehicleID), zap.Error(err))
		snap, cerr := f.cachedSnapshot(vehicleID, "")
		if cerr != nil {
			return nil, err
		}
		f.dispatch(vehicleID, snap, now)
		return snap, nil
	}

	var snap *upstream.Snapshot
	if state != upstream.StateOnline {
		// Asleep or offline. The data call would wake the car.
		snap, err = f.cachedSnapshot(vehicleID, state)
		if err != nil {
			snap = &upstream.Snapshot{VehicleID: vehicleID, State: state, Source: "cache"}
		}
	} else {
		live, derr := f.api.GetVehicleData(ctx, vehicleID)
		if derr != nil {
			f.logger.Warn("Vehicle data fetch failed, serving cache",
				zap.String("vehicle_id", vehicleID), zap.Error(derr))
			snap, err = f.cachedSnapshot(vehicleID, state)
			if err != nil {
				return nil, derr
			}
		} else {
			live.VehicleID = vehicleID
			live.State = state
			live.Live = true
			live.Source = "live"
			if serr := f.store.SaveCache(vehicleID, live); serr != nil {
				f.logger.Error("Failed to persist snapshot cache",
					zap.String("vehicle_id", vehicleID), zap.Error(serr))
			}
			snap = live
		}
	}

	f.dispatch(vehicleID, snap, now)
	return snap, nil
}

// cachedSnapshot loads the last persisted snapshot and downgrades it
// to a cache-backed view. The state override keeps the probe result
// visible even when the cached body is stale.
func (f *Fetcher) cachedSnapshot(vehicleID, state string) (*upstream.Snapshot, error) {
	var snap upstream.Snapshot
	if err := f.store.LoadCache(vehicleID, &snap); err != nil {
		if errors.Is(err, logstore.ErrCacheMiss) && state != "" {
			return &upstream.Snapshot{VehicleID: vehicleID, State: state, Source: "cache"}, nil
		}
		return nil, err
	}
	snap.VehicleID = vehicleID
	if state != "" {
		snap.State = state
	}
	snap.Live = false
	if snap.Source == "" {
		snap.Source = "cache"
	}
	if snap.Source == "live" {
		snap.Source = "cache"
	}
	return &snap, nil
}

func (f *Fetcher) dispatch(vehicleID string, snap *upstream.Snapshot, now time.Time) {
	if snap == nil {
		return
	}
	f.trackers.HandleSnapshot(vehicleID, snap, now)
	refined := f.presence.Observe(vehicleID, snap, now)

	if f.pub == nil {
		return
	}
	if machine, ok := f.presence.Get(vehicleID); ok {
		status := machine.Status()
		status.State = refined
		if data, err := json.Marshal(status); err == nil {
			f.pub.Publish(data)
		}
	}
}
