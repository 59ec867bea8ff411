package tracker

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/units"
	"github.com/teslawerk/telemetry/internal/upstream"
)

func driveSnapshot(lat, lon, speedMph float64, shift string) *upstream.Snapshot {
	return &upstream.Snapshot{
		State: upstream.StateOnline,
		Live:  true,
		DriveState: &upstream.DriveState{
			Latitude:   fptr(lat),
			Longitude:  fptr(lon),
			Speed:      fptr(speedMph),
			Power:      fptr(15),
			Heading:    fptr(90),
			ShiftState: sptr(shift),
		},
	}
}

func tripFileFor(t *testing.T, store *logstore.Store, vehicleID string) string {
	t.Helper()
	files := TripFilesIn(store.VehicleDir(vehicleID))
	if len(files) != 1 {
		t.Fatalf("expected one trip file, got %v", files)
	}
	return files[0]
}

func TestTripRecordWritesScaledRow(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewTripRecorder(store, zap.NewNop())

	now := localTime(1, 14, 0)
	tr.Record("veh1", driveSnapshot(48.137154, 11.576124, 30, "D"), now)

	data, err := os.ReadFile(tripFileFor(t, store, "veh1"))
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	parts := strings.Split(line, ",")
	if len(parts) != 7 {
		t.Fatalf("expected 7 columns, got %d: %q", len(parts), line)
	}
	if parts[1] != "48137154" || parts[2] != "11576124" {
		t.Errorf("coordinates must be scaled by 1e6, got %s,%s", parts[1], parts[2])
	}
	if parts[6] != "D" {
		t.Errorf("expected gear D, got %q", parts[6])
	}

	points := LoadTrip(tripFileFor(t, store, "veh1"))
	if len(points) != 1 {
		t.Fatalf("expected one point, got %d", len(points))
	}
	if math.Abs(points[0].Lat-48.137154) > 1e-9 {
		t.Errorf("descaled latitude mismatch: %v", points[0].Lat)
	}
	wantKph := units.MilesToKilometers(30)
	if points[0].SpeedKph == nil || math.Abs(*points[0].SpeedKph-wantKph) > 1e-9 {
		t.Errorf("speed must be stored in km/h, got %v", points[0].SpeedKph)
	}
}

func TestTripRecordSkipsSlowAndDuplicate(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewTripRecorder(store, zap.NewNop())

	now := localTime(1, 14, 0)
	// Below 1 km/h nothing is recorded.
	tr.Record("veh1", driveSnapshot(48.1, 11.5, 0.1, "D"), now)
	if files := TripFilesIn(store.VehicleDir("veh1")); len(files) != 0 {
		t.Fatalf("crawl speed must not open a trip file, got %v", files)
	}

	tr.Record("veh1", driveSnapshot(48.1, 11.5, 30, "D"), now.Add(time.Second))
	// Identical coordinates dedup.
	tr.Record("veh1", driveSnapshot(48.1, 11.5, 31, "D"), now.Add(2*time.Second))
	tr.Record("veh1", driveSnapshot(48.101, 11.501, 31, "D"), now.Add(3*time.Second))

	points := LoadTrip(tripFileFor(t, store, "veh1"))
	if len(points) != 2 {
		t.Fatalf("expected 2 points after dedup, got %d", len(points))
	}
}

func TestTripRecordClosingRowOnPark(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewTripRecorder(store, zap.NewNop())

	now := localTime(1, 14, 0)
	tr.Record("veh1", driveSnapshot(48.1, 11.5, 30, "D"), now)
	tr.Record("veh1", driveSnapshot(48.101, 11.501, 20, "D"), now.Add(10*time.Second))
	// Shifting to P writes one closing row even at speed zero.
	tr.Record("veh1", driveSnapshot(48.102, 11.502, 0, "P"), now.Add(20*time.Second))
	// Staying parked adds nothing further.
	tr.Record("veh1", driveSnapshot(48.102, 11.502, 0, "P"), now.Add(30*time.Second))

	points := LoadTrip(tripFileFor(t, store, "veh1"))
	if len(points) != 3 {
		t.Fatalf("expected 2 drive rows plus 1 closing row, got %d", len(points))
	}
	if points[2].Gear != "P" {
		t.Errorf("closing row must carry gear P, got %q", points[2].Gear)
	}
}

func TestTripRecordPauseCutoffResetsContext(t *testing.T) {
	store := logstore.New(t.TempDir())
	tr := NewTripRecorder(store, zap.NewNop())

	now := localTime(1, 14, 0)
	tr.Record("veh1", driveSnapshot(48.1, 11.5, 30, "D"), now)
	tr.Record("veh1", driveSnapshot(48.101, 11.501, 0, "P"), now.Add(time.Minute))

	// After more than ten minutes in P the context resets; the next
	// departure does not inherit the stale coordinate dedup.
	later := now.Add(15 * time.Minute)
	tr.Record("veh1", driveSnapshot(48.101, 11.501, 0, "P"), later)
	tr.Record("veh1", driveSnapshot(48.101, 11.501, 25, "D"), later.Add(time.Second))

	points := LoadTrip(tripFileFor(t, store, "veh1"))
	// drive, closing P, drive again at the same coordinate.
	if len(points) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(points))
	}
}

func writeTripFixture(t *testing.T, dir, day string, rows []string) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("trip_%s.csv", day))
	if err := os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTripDistanceAndMaxSpeed(t *testing.T) {
	dir := t.TempDir()
	// Roughly 1.11 km per 0.01 degree of latitude.
	path := writeTripFixture(t, dir, "20250601", []string{
		"1748772000000,48100000,11500000,50.4,10,90,D",
		"1748772010000,48110000,11500000,62.7,12,90,D",
		"1748772020000,48120000,11500000,30.1,8,90,D",
	})

	dist := TripDistance(path)
	if dist < 2.0 || dist > 2.5 {
		t.Errorf("expected ~2.2 km, got %v", dist)
	}
	if got := TripMaxSpeed(path); got != 63 {
		t.Errorf("max speed must round up to 63, got %d", got)
	}
}

func TestTripMaxSpeedEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTripFixture(t, dir, "20250601", []string{""})
	if got := TripMaxSpeed(path); got != 0 {
		t.Errorf("expected 0 for empty file, got %d", got)
	}
}

func TestSplitTripSegments(t *testing.T) {
	dir := t.TempDir()
	path := writeTripFixture(t, dir, "20250601", []string{
		// First ride: two minutes, one slow stretch.
		"1000,48100000,11500000,40,10,0,D",
		"61000,48110000,11500000,2,0,0,D",
		"121000,48120000,11500000,45,10,0,D",
		"130000,48120000,11500000,0,0,0,P",
		// Second ride after a park gap.
		"300000,48120000,11500000,30,10,0,D",
		"360000,48130000,11500000,35,10,0,D",
		"370000,48130000,11500000,0,0,0,P",
	})

	segments := SplitTripSegments(path)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}

	first := segments[0]
	if first.StartMs != 1000 || first.EndMs != 130000 {
		t.Errorf("first segment bounds: got %d..%d", first.StartMs, first.EndMs)
	}
	// The 2 km/h row precedes a 60s gap; that gap counts as waiting.
	if math.Abs(first.WaitSeconds-60) > 1e-6 {
		t.Errorf("expected 60s wait in first segment, got %v", first.WaitSeconds)
	}

	second := segments[1]
	if second.StartMs != 300000 || second.EndMs != 370000 {
		t.Errorf("second segment bounds: got %d..%d", second.StartMs, second.EndMs)
	}
	if second.DistanceKm <= 0 {
		t.Error("second segment must cover distance")
	}
}

func TestSplitTripSegmentsOpenEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeTripFixture(t, dir, "20250601", []string{
		"1000,48100000,11500000,40,10,0,D",
		"61000,48110000,11500000,42,10,0,D",
	})
	segments := SplitTripSegments(path)
	if len(segments) != 1 {
		t.Fatalf("an unterminated ride still forms a segment, got %d", len(segments))
	}
}

func TestTripFileDay(t *testing.T) {
	if got := TripFileDay("/data/veh1/trip_20250601.csv"); got != "2025-06-01" {
		t.Errorf("expected 2025-06-01, got %q", got)
	}
	if got := TripFileDay("/data/veh1/notes.txt"); got != "" {
		t.Errorf("expected empty day for foreign file, got %q", got)
	}
}
