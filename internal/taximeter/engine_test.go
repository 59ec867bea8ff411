package taximeter

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/repository"
	"github.com/teslawerk/telemetry/internal/upstream"
)

func fptr(v float64) *float64 { return &v }

func testRides(t *testing.T) *repository.RideRepository {
	t.Helper()
	db, err := repository.New(filepath.Join(t.TempDir(), "taxi.db"))
	if err != nil {
		t.Fatalf("open ride db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repository.NewRideRepository(db)
}

func stubFetch(snap *upstream.Snapshot) FetchFunc {
	return func(ctx context.Context, vehicleID string) (*upstream.Snapshot, error) {
		return snap, nil
	}
}

func newTestEngine(t *testing.T, vehicleID string) *Engine {
	t.Helper()
	snap := &upstream.Snapshot{
		State: upstream.StateOnline,
		Live:  true,
		DriveState: &upstream.DriveState{
			Latitude:  fptr(48.1),
			Longitude: fptr(11.5),
			Speed:     fptr(0),
		},
	}
	// A sample interval of an hour keeps the worker quiet during tests.
	return NewEngine(stubFetch(snap), DefaultTariff, testRides(t), vehicleID, "Taxi Schauer", "", time.Hour, zap.NewNop())
}

func TestEngineRequiresVehicleID(t *testing.T) {
	e := newTestEngine(t, "")
	ctx := context.Background()

	if _, err := e.Start(ctx); err != ErrVehicleIDUnset {
		t.Errorf("Start: expected ErrVehicleIDUnset, got %v", err)
	}
	if _, err := e.Pause(ctx); err != ErrVehicleIDUnset {
		t.Errorf("Pause: expected ErrVehicleIDUnset, got %v", err)
	}
	if _, err := e.Stop(ctx); err != ErrVehicleIDUnset {
		t.Errorf("Stop: expected ErrVehicleIDUnset, got %v", err)
	}
	if _, err := e.Reset(ctx); err != ErrVehicleIDUnset {
		t.Errorf("Reset: expected ErrVehicleIDUnset, got %v", err)
	}
}

func TestEngineRideLifecycle(t *testing.T) {
	e := newTestEngine(t, "veh1")
	ctx := context.Background()

	if e.State() != StateReady {
		t.Fatalf("fresh engine must be ready, got %s", e.State())
	}

	ok, err := e.Start(ctx)
	if err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	if e.State() != StateActive {
		t.Fatalf("expected active, got %s", e.State())
	}

	// Double start is rejected without error.
	ok, err = e.Start(ctx)
	if err != nil || ok {
		t.Errorf("double start: ok=%v err=%v", ok, err)
	}

	ok, err = e.Pause(ctx)
	if err != nil || !ok {
		t.Fatalf("pause: ok=%v err=%v", ok, err)
	}
	if e.State() != StatePaused {
		t.Fatalf("expected paused, got %s", e.State())
	}

	// Pausing twice is a no-op.
	ok, err = e.Pause(ctx)
	if err != nil || ok {
		t.Errorf("double pause: ok=%v err=%v", ok, err)
	}

	// Resume and stop.
	ok, err = e.Start(ctx)
	if err != nil || !ok {
		t.Fatalf("resume: ok=%v err=%v", ok, err)
	}

	result, err := e.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result == nil {
		t.Fatal("stop must return a result")
	}
	if e.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", e.State())
	}
	// An untraveled ride prices at the rounded base fare.
	if math.Abs(result.Price-4.40) > 1e-9 {
		t.Errorf("expected base price 4.40, got %v", result.Price)
	}
	if result.Receipt.Text == "" {
		t.Error("stop must render a receipt")
	}

	// A second stop has nothing to do.
	result, err = e.Stop(ctx)
	if err != nil || result != nil {
		t.Errorf("double stop: result=%v err=%v", result, err)
	}

	ok, err = e.Reset(ctx)
	if err != nil || !ok {
		t.Fatalf("reset: ok=%v err=%v", ok, err)
	}
	if e.State() != StateReady {
		t.Fatalf("expected ready after reset, got %s", e.State())
	}
}

func TestEngineInvalidTransitions(t *testing.T) {
	e := newTestEngine(t, "veh1")
	ctx := context.Background()

	// Pause, stop and reset outside a ride do nothing.
	if ok, err := e.Pause(ctx); err != nil || ok {
		t.Errorf("pause while ready: ok=%v err=%v", ok, err)
	}
	if result, err := e.Stop(ctx); err != nil || result != nil {
		t.Errorf("stop while ready: result=%v err=%v", result, err)
	}
	// Reset from ready stays ready.
	if ok, err := e.Reset(ctx); err != nil || !ok {
		t.Errorf("reset while ready: ok=%v err=%v", ok, err)
	}

	if _, err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// Reset mid-ride is rejected.
	if ok, err := e.Reset(ctx); err != nil || ok {
		t.Errorf("reset while active: ok=%v err=%v", ok, err)
	}
	if _, err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestEngineVehicleRebind(t *testing.T) {
	e := newTestEngine(t, "veh1")
	ctx := context.Background()

	if !e.SetVehicleID("veh2") {
		t.Error("rebind must work while ready")
	}
	if _, err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if e.SetVehicleID("veh3") {
		t.Error("rebind must be blocked during a ride")
	}
	if _, err := e.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if e.SetVehicleID("veh3") {
		t.Error("rebind must be blocked while paused")
	}
	if _, err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if !e.SetVehicleID("veh3") {
		t.Error("rebind must work after stop")
	}
}

func TestEngineStatus(t *testing.T) {
	e := newTestEngine(t, "veh1")
	ctx := context.Background()

	s := e.Status()
	if s.Active || s.State != StateReady || s.RideID != 0 {
		t.Errorf("idle status wrong: %+v", s)
	}

	if _, err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	s = e.Status()
	if !s.Active || s.State != StateActive {
		t.Errorf("active status wrong: %+v", s)
	}
	if s.RideID == 0 {
		t.Error("active status must carry the ride id")
	}
	if math.Abs(s.Price-4.40) > 1e-9 {
		t.Errorf("fresh ride must show the base fare, got %v", s.Price)
	}

	if _, err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	s = e.Status()
	if s.Active || s.RideID != 0 {
		t.Errorf("stopped status wrong: %+v", s)
	}
}

func TestEngineStopPersistsRide(t *testing.T) {
	e := newTestEngine(t, "veh1")
	ctx := context.Background()

	if _, err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	result, err := e.Stop(ctx)
	if err != nil || result == nil {
		t.Fatalf("stop: result=%v err=%v", result, err)
	}

	ride, err := e.rides.Get(ctx, result.RideID)
	if err != nil {
		t.Fatalf("load ride: %v", err)
	}
	if ride.Status != repository.RideStopped {
		t.Errorf("expected stored status stopped, got %s", ride.Status)
	}
	if ride.EndedAt == nil {
		t.Error("stored ride must have an end timestamp")
	}
	if math.Abs(ride.CostTotal-4.40) > 1e-9 {
		t.Errorf("expected stored total 4.40, got %v", ride.CostTotal)
	}
	if ride.ReceiptJSON == "" {
		t.Error("stored ride must carry the receipt payload")
	}
}

func TestEngineConcurrentPauseAndStop(t *testing.T) {
	e := newTestEngine(t, "veh1")
	ctx := context.Background()

	if ok, err := e.Start(ctx); !ok || err != nil {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	// Racing pause against stop must not close the sampler channel
	// twice. Whichever loses the transition sees a no-op.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Pause(ctx)
	}()
	go func() {
		defer wg.Done()
		e.Stop(ctx)
	}()
	wg.Wait()

	// A stop that lost to pause still applies afterwards.
	if _, err := e.Stop(ctx); err != nil {
		t.Fatalf("stop after race: %v", err)
	}
	if state := e.State(); state != StateStopped {
		t.Errorf("expected stopped, got %q", state)
	}
}

func TestEngineDoubleStopConcurrent(t *testing.T) {
	e := newTestEngine(t, "veh1")
	ctx := context.Background()

	if ok, err := e.Start(ctx); !ok || err != nil {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Stop(ctx)
			if err != nil {
				t.Errorf("stop %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	priced := 0
	for _, res := range results {
		if res != nil {
			priced++
		}
	}
	if priced != 1 {
		t.Errorf("exactly one stop must price the ride, got %d", priced)
	}
}
