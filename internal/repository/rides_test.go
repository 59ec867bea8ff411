package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testRepo(t *testing.T) *RideRepository {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "taxi.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRideRepository(db)
}

func TestRideCreateAndGet(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	ride := &Ride{
		Status:             RideActive,
		StartedAt:          time.Now(),
		TariffSnapshotJSON: `{"base":4.4}`,
		VehicleID:          "veh1",
	}
	if err := repo.Create(ctx, ride); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ride.ID == 0 {
		t.Fatal("create must assign an id")
	}

	got, err := repo.Get(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != RideActive || got.VehicleID != "veh1" {
		t.Errorf("loaded ride wrong: %+v", got)
	}
	if got.EndedAt != nil {
		t.Error("an active ride has no end timestamp")
	}
	if got.TariffSnapshotJSON != `{"base":4.4}` {
		t.Errorf("tariff snapshot lost: %q", got.TariffSnapshotJSON)
	}
}

func TestRideComplete(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	ride := &Ride{Status: RideActive, StartedAt: time.Now(), VehicleID: "veh1"}
	if err := repo.Create(ctx, ride); err != nil {
		t.Fatal(err)
	}

	end := time.Now().Add(10 * time.Minute)
	ride.Status = RideStopped
	ride.EndedAt = &end
	ride.DurationS = 600
	ride.DistanceM = 3000
	ride.WaitTimeS = 25
	ride.CostBase = 4.40
	ride.CostDistance = 8.00
	ride.CostWait = 0.20
	ride.CostTotal = 12.60
	ride.ReceiptJSON = `{"total":12.6}`
	if err := repo.Complete(ctx, ride); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := repo.Get(ctx, ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RideStopped || got.EndedAt == nil {
		t.Errorf("completion not persisted: %+v", got)
	}
	if got.CostTotal != 12.60 || got.DistanceM != 3000 {
		t.Errorf("cost fields wrong: %+v", got)
	}
}

func TestRideSetStatus(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	ride := &Ride{Status: RideActive, StartedAt: time.Now(), VehicleID: "veh1"}
	if err := repo.Create(ctx, ride); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetStatus(ctx, ride.ID, RidePaused); err != nil {
		t.Fatal(err)
	}
	got, err := repo.Get(ctx, ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RidePaused {
		t.Errorf("expected paused, got %s", got.Status)
	}
}

func TestListByVehicleNewestFirst(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		ride := &Ride{Status: RideStopped, StartedAt: base.Add(time.Duration(i) * time.Minute), VehicleID: "veh1"}
		if err := repo.Create(ctx, ride); err != nil {
			t.Fatal(err)
		}
	}
	other := &Ride{Status: RideStopped, StartedAt: base, VehicleID: "veh2"}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatal(err)
	}

	rides, err := repo.ListByVehicle(ctx, "veh1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rides) != 3 {
		t.Fatalf("expected 3 rides for veh1, got %d", len(rides))
	}
	for i := 1; i < len(rides); i++ {
		if rides[i].StartedAt.After(rides[i-1].StartedAt) {
			t.Error("rides must be ordered newest first")
		}
	}

	limited, err := repo.ListByVehicle(ctx, "veh1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit must apply, got %d", len(limited))
	}
}

func TestRidePoints(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	ride := &Ride{Status: RideActive, StartedAt: time.Now(), VehicleID: "veh1"}
	if err := repo.Create(ctx, ride); err != nil {
		t.Fatal(err)
	}

	lat, lon, speed := 48.1, 11.5, 42.0
	for i := 0; i < 2; i++ {
		p := &Point{
			RideID:   ride.ID,
			TS:       time.Now(),
			Lat:      &lat,
			Lon:      &lon,
			SpeedKph: &speed,
			IsWait:   i == 1,
		}
		if err := repo.AddPoint(ctx, p); err != nil {
			t.Fatalf("add point: %v", err)
		}
		if p.ID == 0 {
			t.Error("add point must assign an id")
		}
	}

	points, err := repo.Points(ctx, ride.ID)
	if err != nil {
		t.Fatalf("points: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Lat == nil || *points[0].Lat != 48.1 {
		t.Errorf("point position lost: %+v", points[0])
	}
	if !points[1].IsWait {
		t.Error("wait flag must persist")
	}
}
