package tracker

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/units"
	"github.com/teslawerk/telemetry/internal/upstream"
)

const (
	coordScale       = 1e6
	tripPauseCutoff  = 10 * time.Minute
	tripMinSpeedKph  = 1.0
	tripWaitSpeedKph = 5.0
)

// TripPoint is one parsed row of a trip CSV. Coordinates are stored
// scaled by 1e6 on disk and descaled here.
type TripPoint struct {
	TimeMs   int64
	Lat      float64
	Lon      float64
	SpeedKph *float64
	Power    *float64
	Heading  *float64
	Gear     string
}

// TripSegment is one ride within a day file, delimited by gear
// transitions out of and back into P.
type TripSegment struct {
	StartMs     int64
	EndMs       int64
	DistanceKm  float64
	WaitSeconds float64
}

type tripContext struct {
	file    string
	date    string
	pauseMs int64 // 0 when driving
	lastLat int64
	lastLon int64
	hasLast bool
}

// TripRecorder appends drive samples to per-day CSV files.
type TripRecorder struct {
	mu     sync.Mutex
	store  *logstore.Store
	logger *zap.Logger
	ctx    map[string]*tripContext
}

func NewTripRecorder(store *logstore.Store, logger *zap.Logger) *TripRecorder {
	return &TripRecorder{
		store:  store,
		logger: logger,
		ctx:    make(map[string]*tripContext),
	}
}

// Record maintains the current trip context and logs a point while
// the vehicle is in gear and moving. A stop into P writes one closing
// row; staying in P for more than ten minutes closes the context so
// the next departure starts fresh.
func (t *TripRecorder) Record(vehicleID string, snap *upstream.Snapshot, now time.Time) {
	if snap == nil || snap.DriveState == nil {
		return
	}
	drive := snap.DriveState
	shift := upstream.NormalizeShift(drive.ShiftState)

	ts := drive.Timestamp
	if ts > 0 && ts < 1e12 {
		ts *= 1000
	}
	if ts == 0 {
		ts = now.UnixMilli()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.ctx[vehicleID]
	if c == nil {
		c = &tripContext{}
		t.ctx[vehicleID] = c
	}

	if shift == "" || shift == "P" {
		if c.pauseMs == 0 {
			c.pauseMs = ts
			if drive.Latitude != nil && drive.Longitude != nil && c.file != "" {
				t.appendPoint(c, ts, drive, shift)
			}
		} else if ts-c.pauseMs > tripPauseCutoff.Milliseconds() {
			*c = tripContext{}
		}
		return
	}

	if c.pauseMs != 0 {
		if ts-c.pauseMs > tripPauseCutoff.Milliseconds() {
			*c = tripContext{}
		} else {
			c.pauseMs = 0
		}
	}

	if drive.Latitude == nil || drive.Longitude == nil {
		return
	}
	if kph := snap.SpeedKph(); kph == nil || *kph < tripMinSpeedKph {
		return
	}

	day := time.UnixMilli(ts).In(units.Location()).Format("20060102")
	if c.file == "" || c.date != day {
		c.file = t.store.Path(vehicleID, fmt.Sprintf("trip_%s.csv", day))
		c.date = day
		c.hasLast = false
	}

	latE6 := int64(math.Round(*drive.Latitude * coordScale))
	lonE6 := int64(math.Round(*drive.Longitude * coordScale))
	if c.hasLast && c.lastLat == latE6 && c.lastLon == lonE6 {
		return
	}
	t.appendPoint(c, ts, drive, shift)
	c.lastLat, c.lastLon = latE6, lonE6
	c.hasLast = true
}

func (t *TripRecorder) appendPoint(c *tripContext, ts int64, drive *upstream.DriveState, gear string) {
	latE6 := int64(math.Round(*drive.Latitude * coordScale))
	lonE6 := int64(math.Round(*drive.Longitude * coordScale))

	var speedKph string
	if drive.Speed != nil {
		speedKph = formatFloat(units.MilesToKilometers(*drive.Speed))
	}
	row := fmt.Sprintf("%d,%d,%d,%s,%s,%s,%s\n",
		ts, latE6, lonE6, speedKph,
		formatOptFloat(drive.Power), formatOptFloat(drive.Heading), gear)

	f, err := os.OpenFile(c.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.logger.Error("Failed to open trip file", zap.String("file", c.file), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(row); err != nil {
		t.logger.Error("Failed to append trip point", zap.String("file", c.file), zap.Error(err))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

// LoadTrip parses all points of a trip CSV, skipping malformed rows.
func LoadTrip(path string) []TripPoint {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var points []TripPoint
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(strings.TrimSpace(scanner.Text()), ",")
		if len(parts) < 3 {
			continue
		}
		ts, err1 := strconv.ParseInt(parts[0], 10, 64)
		lat, err2 := strconv.ParseInt(parts[1], 10, 64)
		lon, err3 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		p := TripPoint{
			TimeMs: ts,
			Lat:    float64(lat) / coordScale,
			Lon:    float64(lon) / coordScale,
		}
		if len(parts) >= 4 {
			p.SpeedKph = parseOptFloat(parts[3])
		}
		if len(parts) >= 5 {
			p.Power = parseOptFloat(parts[4])
		}
		if len(parts) >= 6 {
			p.Heading = parseOptFloat(parts[5])
		}
		if len(parts) >= 7 {
			p.Gear = parts[6]
		}
		points = append(points, p)
	}
	return points
}

func parseOptFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// TripDistance integrates the haversine distance over a day file.
func TripDistance(path string) float64 {
	return pointsDistance(LoadTrip(path))
}

func pointsDistance(points []TripPoint) float64 {
	var dist float64
	for i := 1; i < len(points); i++ {
		dist += units.Haversine(points[i-1].Lat, points[i-1].Lon, points[i].Lat, points[i].Lon)
	}
	return dist
}

// TripMaxSpeed returns the highest recorded speed in a day file,
// rounded up to a whole km/h.
func TripMaxSpeed(path string) int {
	var max float64
	for _, p := range LoadTrip(path) {
		if p.SpeedKph != nil && *p.SpeedKph > max {
			max = *p.SpeedKph
		}
	}
	return int(math.Ceil(max))
}

// SplitTripSegments splits a day file into rides. A segment opens on
// the first R, N or D row after P (or file start) and closes on the
// P row that follows.
func SplitTripSegments(path string) []TripSegment {
	points := LoadTrip(path)

	var segments [][]TripPoint
	var current []TripPoint
	prevGear := ""
	for _, p := range points {
		if len(current) > 0 {
			current = append(current, p)
			if p.Gear == "P" && inGear(prevGear) {
				segments = append(segments, current)
				current = nil
			}
		} else if inGear(p.Gear) && (prevGear == "P" || prevGear == "") {
			current = append(current, p)
		}
		prevGear = p.Gear
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}

	var out []TripSegment
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		s := TripSegment{StartMs: seg[0].TimeMs, EndMs: seg[len(seg)-1].TimeMs}
		for i := 1; i < len(seg); i++ {
			s.DistanceKm += units.Haversine(seg[i-1].Lat, seg[i-1].Lon, seg[i].Lat, seg[i].Lon)
			speed := seg[i-1].SpeedKph
			if speed != nil && *speed < tripWaitSpeedKph && seg[i].TimeMs > seg[i-1].TimeMs {
				s.WaitSeconds += float64(seg[i].TimeMs-seg[i-1].TimeMs) / 1000.0
			}
		}
		out = append(out, s)
	}
	return out
}

func inGear(g string) bool {
	return g == "R" || g == "N" || g == "D"
}

// TripFiles lists the trip CSVs for one vehicle, sorted by day.
func (t *TripRecorder) TripFiles(vehicleID string) []string {
	return TripFilesIn(t.store.VehicleDir(vehicleID))
}

// TripFilesIn lists trip CSVs under a directory, sorted by name, so
// chronological order falls out of the date-stamped filenames.
func TripFilesIn(dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "trip_*.csv"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// TripFileDay extracts the local-day key (YYYY-MM-DD) from a trip
// file name, or "" when the name does not parse.
func TripFileDay(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(strings.TrimPrefix(name, "trip_"), ".csv")
	day, err := time.ParseInLocation("20060102", name, units.Location())
	if err != nil {
		return ""
	}
	return day.Format("2006-01-02")
}
