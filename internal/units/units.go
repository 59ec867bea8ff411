package units

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/s2"
)

// MilesToKm is the exact conversion factor applied to every upstream
// value reported in miles.
const MilesToKm = 1.609344

// EarthRadiusKm matches the radius used by the trip and taximeter
// distance integrals.
const EarthRadiusKm = 6371.0

var (
	tzOnce sync.Once
	tz     *time.Location
)

// Location returns the local timezone used for day bucketing.
func Location() *time.Location {
	tzOnce.Do(func() {
		loc, err := time.LoadLocation("Europe/Berlin")
		if err != nil {
			loc = time.Local
		}
		tz = loc
	})
	return tz
}

// MilesToKilometers converts an upstream miles value to kilometres.
func MilesToKilometers(miles float64) float64 {
	return miles * MilesToKm
}

// Haversine returns the great-circle distance in kilometres between
// two coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusKm
}

// Bearing returns the initial heading in degrees from the first
// coordinate to the second, normalised to [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180
	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// DayString returns the local calendar date of t as YYYY-MM-DD.
func DayString(t time.Time) string {
	return t.In(Location()).Format("2006-01-02")
}

// NextMidnight returns the first local midnight strictly after t.
func NextMidnight(t time.Time) time.Time {
	local := t.In(Location())
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, Location())
}

// SplitByLocalDay partitions the interval [start, end) at local
// midnights and invokes fn with each day's share of seconds. The
// shares sum to the full interval length.
func SplitByLocalDay(start, end time.Time, fn func(day string, seconds float64)) {
	if !end.After(start) {
		return
	}
	cursor := start
	for cursor.Before(end) {
		boundary := NextMidnight(cursor)
		segmentEnd := end
		if boundary.Before(end) {
			segmentEnd = boundary
		}
		fn(DayString(cursor), segmentEnd.Sub(cursor).Seconds())
		cursor = segmentEnd
	}
}
