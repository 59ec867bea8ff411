package tracker

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/units"
	"github.com/teslawerk/telemetry/internal/upstream"
)

const lossTolerance = 0.01

// ParkingSample is one line of park-ui.log.
type ParkingSample struct {
	VehicleID  string   `json:"vehicle_id"`
	BatteryPct *float64 `json:"battery_pct"`
	RangeKm    *float64 `json:"range_km"`
	State      string   `json:"state"`
	Session    string   `json:"session"`
}

// LossRecord is one line of park-loss.log: a self-discharge interval
// derived from two consecutive samples of the same parked session.
type LossRecord struct {
	Key       string  `json:"key"`
	Session   string  `json:"session"`
	Start     string  `json:"start"`
	End       string  `json:"end"`
	EnergyPct float64 `json:"energy_pct"`
	RangeKm   float64 `json:"range_km"`
	Context   string  `json:"context"`
}

// DayLoss is the per-day self-discharge while parked.
type DayLoss struct {
	EnergyPct float64
	Km        float64
}

type parkingSession struct {
	ID      string
	Context string
}

// ParkingTracker records parked battery samples and derives daily
// self-discharge from them.
type ParkingTracker struct {
	mu     sync.Mutex
	store  *logstore.Store
	logger *zap.Logger

	active      map[string]*parkingSession
	lastSamples map[string]ParkingSample
}

func NewParkingTracker(store *logstore.Store, logger *zap.Logger) *ParkingTracker {
	return &ParkingTracker{
		store:       store,
		logger:      logger,
		active:      make(map[string]*parkingSession),
		lastSamples: make(map[string]ParkingSample),
	}
}

// Record emits a parking sample for a parked, non-charging vehicle.
// An explicit "P" opens a session; an open session keeps sampling
// through unknown shift states. Charging or shifting into gear ends
// the session.
func (t *ParkingTracker) Record(vehicleID string, snap *upstream.Snapshot, now time.Time) {
	if snap == nil {
		return
	}
	var shiftRaw *string
	var speed, power *float64
	if snap.DriveState != nil {
		shiftRaw = snap.DriveState.ShiftState
		speed = snap.DriveState.Speed
		power = snap.DriveState.Power
	}
	shift := upstream.NormalizeShift(shiftRaw)

	stationary := true
	if speed != nil && math.Abs(*speed) > 0.05 {
		stationary = false
	}
	if power != nil && math.Abs(*power) > 1 {
		stationary = false
	}

	t.mu.Lock()
	session := t.active[vehicleID]
	t.mu.Unlock()

	isPark := shift == "P"
	isUnknown := shift == ""
	assumeParked := isUnknown && stationary && knownIdleState(snap.State)
	parked := isPark || assumeParked || (session != nil && isUnknown)

	if parked && !snap.Charging() {
		t.mu.Lock()
		if session == nil {
			session = &parkingSession{
				ID: fmt.Sprintf("%s-%s", vehicleID, now.In(units.Location()).Format(time.RFC3339Nano)),
			}
			t.active[vehicleID] = session
		}
		if snap.State != "" {
			session.Context = snap.State
		}
		context := session.Context
		if context == "" {
			context = "parked"
		}
		sessionID := session.ID
		t.mu.Unlock()

		t.LogSample(vehicleID, now, snap.BatteryPct(), snap.RangeKm(), context, sessionID)
		return
	}

	t.mu.Lock()
	delete(t.active, vehicleID)
	t.mu.Unlock()
}

func knownIdleState(state string) bool {
	switch state {
	case "", upstream.StateOnline, upstream.StateAsleep, upstream.StateOffline, "parked":
		return true
	}
	return false
}

// LogSample appends one sample to park-ui.log unless it repeats the
// previous sample's (battery, range, state, session) tuple. Returns
// true when a line was written.
func (t *ParkingTracker) LogSample(vehicleID string, ts time.Time, batteryPct, rangeKm *float64, state, session string) bool {
	return t.LogSampleToFile(t.store.Path(vehicleID, "park-ui.log"), vehicleID, ts, batteryPct, rangeKm, state, session)
}

// LogSampleToFile is LogSample against an explicit log path.
func (t *ParkingTracker) LogSampleToFile(path, vehicleID string, ts time.Time, batteryPct, rangeKm *float64, state, session string) bool {
	if batteryPct == nil && rangeKm == nil && state == "" {
		return false
	}
	rec := ParkingSample{
		VehicleID:  vehicleID,
		BatteryPct: round6Ptr(batteryPct),
		RangeKm:    round6Ptr(rangeKm),
		State:      state,
		Session:    session,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastSamples[vehicleID]
	if !ok {
		if tail, found := lastSampleFromFile(path, vehicleID); found {
			last, ok = tail, true
			t.lastSamples[vehicleID] = tail
		}
	}
	if ok && sameSample(last, rec) {
		return false
	}

	if err := logstore.AppendFile(path, ts, rec); err != nil {
		t.logger.Error("Failed to append parking sample",
			zap.String("vehicle_id", vehicleID), zap.Error(err))
		return false
	}
	t.lastSamples[vehicleID] = rec
	return true
}

func sameSample(a, b ParkingSample) bool {
	return floatPtrEqual(a.BatteryPct, b.BatteryPct) &&
		floatPtrEqual(a.RangeKm, b.RangeKm) &&
		a.State == b.State &&
		a.Session == b.Session
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func round6Ptr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*1e6) / 1e6
	return &r
}

func lastSampleFromFile(path, vehicleID string) (ParkingSample, bool) {
	entries := logstore.ReadEntriesFile(path)
	for i := len(entries) - 1; i >= 0; i-- {
		var rec ParkingSample
		if err := entries[i].Decode(&rec); err != nil {
			continue
		}
		if rec.VehicleID != "" && rec.VehicleID != vehicleID {
			continue
		}
		return rec, true
	}
	return ParkingSample{}, false
}

// lossInterval is a derived drop between two samples of one session.
type lossInterval struct {
	session   string
	start     time.Time
	end       time.Time
	energyPct float64
	rangeKm   float64
	context   string
}

func (li lossInterval) key() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", li.session, li.start.UnixMilli(), li.end.UnixMilli())
	return fmt.Sprintf("%016x", h.Sum64())
}

// ComputeLosses derives the per-day parking losses for one vehicle,
// appending any newly observed loss intervals to park-loss.log.
func (t *ParkingTracker) ComputeLosses(vehicleID string) map[string]DayLoss {
	return t.ComputeLossesFile(
		t.store.Path(vehicleID, "park-ui.log"),
		t.store.Path(vehicleID, "park-loss.log"),
		t.store.Path(vehicleID, "api.log"),
	)
}

// ComputeLossesFile scans the parking sample log, falls back to the
// legacy api.log format only when the sample log held no parseable
// samples at all, and returns prorated per-day totals. An open
// session with no drop yet still counts as dashboard coverage. The side-effect append to
// park-loss.log is idempotent: each interval carries a content key
// and is written at most once.
func (t *ParkingTracker) ComputeLossesFile(parkUIPath, parkLossPath, legacyAPIPath string) map[string]DayLoss {
	intervals, sampled := deriveLossIntervals(logstore.ReadEntriesFile(parkUIPath))
	if !sampled && legacyAPIPath != "" {
		intervals = deriveLegacyLossIntervals(logstore.ReadEntriesFile(legacyAPIPath))
	}

	seen := make(map[string]bool)
	for _, e := range logstore.ReadEntriesFile(parkLossPath) {
		var rec LossRecord
		if err := e.Decode(&rec); err != nil {
			continue
		}
		seen[rec.Key] = true
	}

	totals := make(map[string]DayLoss)
	for _, li := range intervals {
		distributeLoss(totals, li)

		key := li.key()
		if seen[key] {
			continue
		}
		rec := LossRecord{
			Key:       key,
			Session:   li.session,
			Start:     li.start.In(units.Location()).Format(time.RFC3339Nano),
			End:       li.end.In(units.Location()).Format(time.RFC3339Nano),
			EnergyPct: math.Round(li.energyPct*1e6) / 1e6,
			RangeKm:   math.Round(li.rangeKm*1e6) / 1e6,
			Context:   li.context,
		}
		if err := logstore.AppendFile(parkLossPath, li.end, rec); err != nil {
			t.logger.Error("Failed to append park loss record", zap.Error(err))
			continue
		}
		seen[key] = true
	}
	return totals
}

// deriveLossIntervals walks samples grouped per (vehicle, session)
// and emits an interval for every drop below the session minimum.
// The minimum only advances after a counted drop, so an upward
// recalibration mid-session never inflates the loss: 80, 82, 77
// loses 3 points, not 5. The second return reports whether any
// sample could be parsed at all.
func deriveLossIntervals(entries []logstore.Entry) ([]lossInterval, bool) {
	type sessState struct {
		pctMin  *float64
		rngMin  *float64
		ts      time.Time
		context string
	}
	sessions := make(map[string]*sessState)
	var out []lossInterval
	sampled := false

	for _, e := range entries {
		var rec ParkingSample
		if err := e.Decode(&rec); err != nil {
			continue
		}
		sampled = true
		vid := rec.VehicleID
		if vid == "" {
			vid = "default"
		}
		key := vid + "|" + rec.Session

		s := sessions[key]
		if s == nil {
			sessions[key] = &sessState{pctMin: rec.BatteryPct, rngMin: rec.RangeKm, ts: e.Time, context: rec.State}
			continue
		}
		if rec.State != "" {
			s.context = rec.State
		}

		var pctLoss, rngLoss float64
		if rec.BatteryPct != nil && s.pctMin != nil {
			if drop := *s.pctMin - *rec.BatteryPct; drop > lossTolerance {
				pctLoss = drop
			}
		}
		if rec.RangeKm != nil && s.rngMin != nil {
			if drop := *s.rngMin - *rec.RangeKm; drop > lossTolerance {
				rngLoss = drop
			}
		}
		if (pctLoss > 0 || rngLoss > 0) && e.Time.After(s.ts) {
			context := s.context
			if context == "" {
				context = "parked"
			}
			out = append(out, lossInterval{
				session:   rec.Session,
				start:     s.ts,
				end:       e.Time,
				energyPct: pctLoss,
				rangeKm:   rngLoss,
				context:   context,
			})
		}

		updated := false
		if rec.BatteryPct != nil {
			if pctLoss > 0 || s.pctMin == nil {
				s.pctMin = rec.BatteryPct
			}
			updated = true
		}
		if rec.RangeKm != nil {
			if rngLoss > 0 || s.rngMin == nil {
				s.rngMin = rec.RangeKm
			}
			updated = true
		}
		if updated {
			s.ts = e.Time
		}
	}
	return out, sampled
}

// deriveLegacyLossIntervals reads the pre-dashboard api.log format,
// where full snapshots were dumped with an endpoint marker. Drops
// are measured against the same per-session minimum baseline as the
// dashboard log.
func deriveLegacyLossIntervals(entries []logstore.Entry) []lossInterval {
	type sessState struct {
		pctMin  *float64
		rngMin  *float64
		ts      time.Time
		context string
	}
	sessions := make(map[string]*sessState)
	var out []lossInterval

	for _, e := range entries {
		var wrapper struct {
			Endpoint string             `json:"endpoint"`
			Data     *upstream.Snapshot `json:"data"`
		}
		if err := e.Decode(&wrapper); err != nil || wrapper.Endpoint != "get_vehicle_data" || wrapper.Data == nil {
			continue
		}
		snap := wrapper.Data
		vid := snap.VehicleID
		if vid == "" {
			vid = "default"
		}

		var shiftRaw *string
		var speed, power *float64
		if snap.DriveState != nil {
			shiftRaw = snap.DriveState.ShiftState
			speed = snap.DriveState.Speed
			power = snap.DriveState.Power
		}
		shift := upstream.NormalizeShift(shiftRaw)

		stationary := true
		if speed != nil && math.Abs(*speed) > 0.05 {
			stationary = false
		}
		if power != nil && math.Abs(*power) > 1 {
			stationary = false
		}

		s := sessions[vid]
		parked := stationary && (shift == "P" || (s != nil && shift == ""))

		if !parked || snap.Charging() {
			delete(sessions, vid)
			continue
		}

		pct := snap.BatteryPct()
		rng := snap.RangeKm()
		if s == nil {
			sessions[vid] = &sessState{pctMin: pct, rngMin: rng, ts: e.Time, context: snap.State}
			continue
		}
		if snap.State != "" {
			s.context = snap.State
		}

		var pctLoss, rngLoss float64
		if pct != nil && s.pctMin != nil {
			if drop := *s.pctMin - *pct; drop > lossTolerance {
				pctLoss = drop
			}
		}
		if rng != nil && s.rngMin != nil {
			if drop := *s.rngMin - *rng; drop > lossTolerance {
				rngLoss = drop
			}
		}
		if (pctLoss > 0 || rngLoss > 0) && e.Time.After(s.ts) {
			context := s.context
			if context == "" {
				context = "parked"
			}
			out = append(out, lossInterval{
				session:   vid + "-legacy",
				start:     s.ts,
				end:       e.Time,
				energyPct: pctLoss,
				rangeKm:   rngLoss,
				context:   context,
			})
		}

		updated := false
		if pct != nil {
			if pctLoss > 0 || s.pctMin == nil {
				s.pctMin = pct
			}
			updated = true
		}
		if rng != nil {
			if rngLoss > 0 || s.rngMin == nil {
				s.rngMin = rng
			}
			updated = true
		}
		if updated {
			s.ts = e.Time
		}
	}
	return out
}

// distributeLoss prorates an interval's drop across the local days
// it spans, weighted by elapsed seconds.
func distributeLoss(totals map[string]DayLoss, li lossInterval) {
	total := li.end.Sub(li.start).Seconds()
	if total <= 0 {
		d := totals[units.DayString(li.end)]
		d.EnergyPct += li.energyPct
		d.Km += li.rangeKm
		totals[units.DayString(li.end)] = d
		return
	}
	units.SplitByLocalDay(li.start, li.end, func(day string, seconds float64) {
		share := seconds / total
		d := totals[day]
		d.EnergyPct += li.energyPct * share
		d.Km += li.rangeKm * share
		totals[day] = d
	})
}

// DistributeLossByDay prorates a single drop across days; exported
// for the aggregator's park-loss replay.
func DistributeLossByDay(totals map[string]DayLoss, start, end time.Time, energyPct, rangeKm float64) {
	distributeLoss(totals, lossInterval{start: start, end: end, energyPct: energyPct, rangeKm: rangeKm})
}
