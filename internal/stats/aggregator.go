package stats

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/tracker"
	"github.com/teslawerk/telemetry/internal/units"
)

const missingDayRebuildWindow = 3

// Aggregator folds the per-vehicle logs into the statistics database
// on a fixed cadence. Every input log is consumed through a persisted
// cursor so a tick without new data rewrites nothing.
type Aggregator struct {
	db       *DB
	store    *logstore.Store
	trackers *tracker.Trackers
	vehicles []string
	statFile string
	interval time.Duration
	logger   *zap.Logger

	// tickMu serialises background ticks with inline ticks triggered
	// by HTTP readers.
	tickMu       sync.Mutex
	forceRebuild bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	cacheMu   sync.Mutex
	cacheSig  uint64
	cacheRows map[string]Row
}

func NewAggregator(db *DB, store *logstore.Store, trackers *tracker.Trackers, vehicles []string, statFile string, interval time.Duration, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		db:       db,
		store:    store,
		trackers: trackers,
		vehicles: vehicles,
		statFile: statFile,
		interval: interval,
		logger:   logger,
	}
}

func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.stopCh = make(chan struct{})
	a.running = true
	a.mu.Unlock()

	a.logger.Info("Starting statistics aggregation",
		zap.Duration("interval", a.interval))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Tick(); err != nil {
			a.logger.Error("Statistics aggregation failed", zap.Error(err))
		}
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Tick(); err != nil {
					a.logger.Error("Statistics aggregation failed", zap.Error(err))
				}
			}
		}
	}()
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info("Statistics aggregation stopped")
}

func (a *Aggregator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// ForceRebuild wipes all aggregates on the next tick.
func (a *Aggregator) ForceRebuild() {
	a.tickMu.Lock()
	a.forceRebuild = true
	a.tickMu.Unlock()
}

// Tick runs one aggregation pass.
func (a *Aggregator) Tick() error {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	now := time.Now()

	initialized, _ := a.db.Meta("statistics_initialized")
	rebuildDueToGap := initialized == "1" && a.db.MissingRecentDays(now, missingDayRebuildWindow)
	if a.forceRebuild || rebuildDueToGap {
		if rebuildDueToGap {
			a.logger.Warn("Forcing statistics rebuild due to missing recent days")
		} else {
			a.logger.Warn("Forcing statistics rebuild")
		}
		if err := a.db.Reset(); err != nil {
			return fmt.Errorf("reset statistics state: %w", err)
		}
		a.forceRebuild = false
		initialized = ""
	}

	if initialized != "1" {
		if err := a.initialBackfill(now); err != nil {
			return fmt.Errorf("statistics backfill: %w", err)
		}
	}

	for _, vid := range a.vehicles {
		a.processStateIncrement(vid, now)
		a.processEnergyIncrement(vid)
		a.processParkingIncrement(vid)
	}
	a.processTripIncrement()

	if err := a.db.RebuildScope("monthly", 7); err != nil {
		return fmt.Errorf("rebuild monthly scope: %w", err)
	}
	if err := a.db.RebuildScope("yearly", 4); err != nil {
		return fmt.Errorf("rebuild yearly scope: %w", err)
	}
	return nil
}

// initialBackfill replays every log from the beginning, folds in the
// legacy JSON statistics file and positions all cursors at the
// current log ends.
func (a *Aggregator) initialBackfill(now time.Time) error {
	rows := make(map[string]Row)

	for _, vid := range a.vehicles {
		stateEntries := tracker.LoadStateEntries(a.store.ReadEntries(vid, "state.log"))
		for day, d := range tracker.ComputeStateStats(stateEntries, now) {
			r := rows[day]
			r.Online += d.Online
			r.Offline += d.Offline
			r.Asleep += d.Asleep
			rows[day] = r
		}
		for day, kwh := range a.trackers.Energy.ComputeStats(vid) {
			r := rows[day]
			r.Energy += kwh
			rows[day] = r
		}
		for day, loss := range a.trackers.Parking.ComputeLosses(vid) {
			r := rows[day]
			r.ParkEnergyPct += loss.EnergyPct
			r.ParkKm += loss.Km
			rows[day] = r
		}
		for _, path := range tracker.TripFilesIn(a.store.VehicleDir(vid)) {
			day := tracker.TripFileDay(path)
			if day == "" {
				continue
			}
			r := rows[day]
			r.Km += tracker.TripDistance(path)
			if speed := float64(tracker.TripMaxSpeed(path)); speed > r.Speed {
				r.Speed = speed
			}
			rows[day] = r
		}
	}

	a.foldLegacyStatFile(rows)

	for day, r := range rows {
		if err := a.db.WriteRow("daily", day, r); err != nil {
			return err
		}
	}

	for _, vid := range a.vehicles {
		statePath := a.store.Path(vid, "state.log")
		a.setMeta("state_offset:"+vid, strconv.FormatInt(fileSize(statePath), 10))
		// The backfill already accounted time up to now; increments
		// continue from here.
		a.setMeta("state_last_ts:"+vid, strconv.FormatFloat(float64(now.UnixMilli())/1000.0, 'f', 3, 64))
		if entries := tracker.LoadStateEntries(a.store.ReadEntries(vid, "state.log")); len(entries) > 0 {
			a.setMeta("state_last_state:"+vid, entries[len(entries)-1].State)
		}

		a.seedEnergySessions(vid)

		lossPath := a.store.Path(vid, "park-loss.log")
		a.setMeta("parking_offset:"+vid, strconv.FormatInt(fileSize(lossPath), 10))
	}
	a.snapshotTripFiles()

	return a.db.SetMeta("statistics_initialized", "1")
}

// foldLegacyStatFile merges days from the pre-database JSON dump that
// the logs no longer cover. Its state values are percentages of a
// full day and convert back to seconds here.
func (a *Aggregator) foldLegacyStatFile(rows map[string]Row) {
	if a.statFile == "" {
		return
	}
	raw, err := os.ReadFile(a.statFile)
	if err != nil {
		return
	}
	var legacy map[string]struct {
		Online        float64 `json:"online"`
		Offline       float64 `json:"offline"`
		Asleep        float64 `json:"asleep"`
		Km            float64 `json:"km"`
		Speed         float64 `json:"speed"`
		Energy        float64 `json:"energy"`
		ParkEnergyPct float64 `json:"park_energy_pct"`
		ParkKm        float64 `json:"park_km"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		a.logger.Warn("Ignoring unreadable legacy statistics file",
			zap.String("file", a.statFile), zap.Error(err))
		return
	}
	const daySeconds = 24 * 3600
	for day, old := range legacy {
		if _, ok := rows[day]; ok {
			continue
		}
		rows[day] = Row{
			Online:        old.Online / 100 * daySeconds,
			Offline:       old.Offline / 100 * daySeconds,
			Asleep:        old.Asleep / 100 * daySeconds,
			Km:            old.Km,
			Speed:         old.Speed,
			Energy:        old.Energy,
			ParkEnergyPct: old.ParkEnergyPct,
			ParkKm:        old.ParkKm,
		}
	}
}

func (a *Aggregator) seedEnergySessions(vid string) {
	for _, e := range a.store.ReadEntries(vid, "energy.log") {
		var rec tracker.EnergyRecord
		if err := e.Decode(&rec); err != nil {
			continue
		}
		if rec.AddedEnergy <= 0 {
			continue
		}
		key := energySessionKey(vid, rec)
		// Later lines of a session overwrite earlier ones so the seed
		// matches the value the backfill credited.
		if err := a.db.UpsertEnergySession(units.DayString(e.Time), key, rec.AddedEnergy); err != nil {
			a.logger.Error("Failed to record energy session", zap.String("session", key), zap.Error(err))
		}
	}
	a.setMeta("energy_offset:"+vid, strconv.FormatInt(fileSize(a.store.Path(vid, "energy.log")), 10))
}

func (a *Aggregator) mergeDailyRow(day string, delta Row) {
	if err := a.db.MergeDailyRow(day, delta); err != nil {
		a.logger.Error("Failed to merge daily row", zap.String("day", day), zap.Error(err))
	}
}

func (a *Aggregator) setMeta(key, value string) {
	if err := a.db.SetMeta(key, value); err != nil {
		a.logger.Error("Failed to store aggregation cursor", zap.String("key", key), zap.Error(err))
	}
}

func energySessionKey(vid string, rec tracker.EnergyRecord) string {
	id := rec.SessionID
	if id == "" {
		id = "__default__"
	}
	return vid + "|" + id
}

// processStateIncrement folds new state transitions into the daily
// rows and extends the open tail to now. Daily state columns hold raw
// seconds.
func (a *Aggregator) processStateIncrement(vid string, now time.Time) {
	path := a.store.Path(vid, "state.log")
	size := fileSize(path)
	offset := a.db.MetaInt("state_offset:" + vid)
	if offset > size {
		offset = 0
	}

	var lastTs time.Time
	if raw, ok := a.db.Meta("state_last_ts:" + vid); ok {
		if sec, err := strconv.ParseFloat(raw, 64); err == nil && sec > 0 {
			lastTs = time.UnixMilli(int64(sec * 1000)).In(units.Location())
		}
	}
	lastState, _ := a.db.Meta("state_last_state:" + vid)

	entries := readEntriesFrom(path, offset)

	if lastTs.IsZero() && len(entries) > 0 {
		var rec struct {
			State string `json:"state"`
		}
		if err := entries[0].Decode(&rec); err == nil {
			lastTs = entries[0].Time
			lastState = rec.State
		}
		entries = entries[1:]
	}

	distribute := func(start, end time.Time, state string) {
		if start.IsZero() || !end.After(start) || state == "" {
			return
		}
		units.SplitByLocalDay(start, end, func(day string, seconds float64) {
			var delta Row
			switch state {
			case "online":
				delta.Online = seconds
			case "asleep":
				delta.Asleep = seconds
			default:
				delta.Offline = seconds
			}
			a.mergeDailyRow(day, delta)
		})
	}

	for _, e := range entries {
		var rec struct {
			State string `json:"state"`
		}
		if err := e.Decode(&rec); err != nil {
			continue
		}
		distribute(lastTs, e.Time, lastState)
		lastTs = e.Time
		lastState = rec.State
	}

	if lastState != "" && !lastTs.IsZero() {
		distribute(lastTs, now, lastState)
		lastTs = now
	}

	if !lastTs.IsZero() {
		a.setMeta("state_last_ts:"+vid, strconv.FormatFloat(float64(lastTs.UnixMilli())/1000.0, 'f', 3, 64))
	}
	if lastState != "" {
		a.setMeta("state_last_state:"+vid, lastState)
	}
	a.setMeta("state_offset:"+vid, strconv.FormatInt(size, 10))
}

// processEnergyIncrement folds newly appended energy lines. Within a
// session only the growth over the already-credited value counts.
func (a *Aggregator) processEnergyIncrement(vid string) {
	path := a.store.Path(vid, "energy.log")
	size := fileSize(path)
	offset := a.db.MetaInt("energy_offset:" + vid)
	if offset > size {
		offset = 0
	}

	for _, e := range readEntriesFrom(path, offset) {
		var rec tracker.EnergyRecord
		if err := e.Decode(&rec); err != nil {
			continue
		}
		if rec.AddedEnergy <= 0 {
			continue
		}
		key := energySessionKey(vid, rec)
		day := units.DayString(e.Time)
		previous := a.db.EnergySessionValue(key)
		if rec.AddedEnergy > previous {
			a.mergeDailyRow(day, Row{Energy: rec.AddedEnergy - previous})
			if err := a.db.UpsertEnergySession(day, key, rec.AddedEnergy); err != nil {
				a.logger.Error("Failed to record energy session", zap.String("session", key), zap.Error(err))
			}
		}
	}
	a.setMeta("energy_offset:"+vid, strconv.FormatInt(size, 10))
}

// processParkingIncrement lets the parking tracker flush any newly
// derived loss intervals, then folds the park-loss lines appended
// since the stored byte offset.
func (a *Aggregator) processParkingIncrement(vid string) {
	a.trackers.Parking.ComputeLosses(vid)

	path := a.store.Path(vid, "park-loss.log")
	size := fileSize(path)
	offset := a.db.MetaInt("parking_offset:" + vid)
	if offset > size {
		offset = 0
	}

	for _, e := range readEntriesFrom(path, offset) {
		var rec tracker.LossRecord
		if err := e.Decode(&rec); err != nil {
			continue
		}
		start, serr := time.Parse(time.RFC3339Nano, rec.Start)
		end, eerr := time.Parse(time.RFC3339Nano, rec.End)
		if serr != nil || eerr != nil {
			continue
		}
		totals := make(map[string]tracker.DayLoss)
		tracker.DistributeLossByDay(totals, start, end, rec.EnergyPct, rec.RangeKm)
		for day, loss := range totals {
			a.mergeDailyRow(day, Row{ParkEnergyPct: loss.EnergyPct, ParkKm: loss.Km})
		}
	}
	a.setMeta("parking_offset:"+vid, strconv.FormatInt(size, 10))
}

type tripFileMeta struct {
	Mtime float64 `json:"mtime"`
	Size  int64   `json:"size"`
	Km    float64 `json:"km"`
	Speed float64 `json:"speed"`
}

// processTripIncrement credits distance growth of changed trip files
// to their day. Shrinking files never subtract.
func (a *Aggregator) processTripIncrement() {
	previous := make(map[string]tripFileMeta)
	if raw, ok := a.db.Meta("trip_files_meta"); ok {
		json.Unmarshal([]byte(raw), &previous)
	}

	updated := make(map[string]tripFileMeta)
	for _, vid := range a.vehicles {
		for _, path := range tracker.TripFilesIn(a.store.VehicleDir(vid)) {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			prev := previous[path]
			mtime := float64(info.ModTime().UnixNano()) / 1e9
			if mtime == prev.Mtime && info.Size() == prev.Size {
				updated[path] = prev
				continue
			}

			km := tracker.TripDistance(path)
			speed := float64(tracker.TripMaxSpeed(path))
			day := tracker.TripFileDay(path)
			if day != "" {
				delta := Row{Speed: speed}
				if km > prev.Km {
					delta.Km = km - prev.Km
				}
				a.mergeDailyRow(day, delta)
			}
			updated[path] = tripFileMeta{Mtime: mtime, Size: info.Size(), Km: km, Speed: speed}
		}
	}

	if raw, err := json.Marshal(updated); err == nil {
		a.setMeta("trip_files_meta", string(raw))
	}
}

func (a *Aggregator) snapshotTripFiles() {
	meta := make(map[string]tripFileMeta)
	for _, vid := range a.vehicles {
		for _, path := range tracker.TripFilesIn(a.store.VehicleDir(vid)) {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			meta[path] = tripFileMeta{
				Mtime: float64(info.ModTime().UnixNano()) / 1e9,
				Size:  info.Size(),
				Km:    tracker.TripDistance(path),
				Speed: float64(tracker.TripMaxSpeed(path)),
			}
		}
	}
	if raw, err := json.Marshal(meta); err == nil {
		a.setMeta("trip_files_meta", string(raw))
	}
}

// signature fingerprints every input file so readers can tell whether
// the cached daily rows are current.
func (a *Aggregator) signature() uint64 {
	h := fnv.New64a()
	var paths []string
	for _, vid := range a.vehicles {
		paths = append(paths,
			a.store.Path(vid, "state.log"),
			a.store.Path(vid, "energy.log"),
			a.store.Path(vid, "park-ui.log"),
			a.store.Path(vid, "park-loss.log"),
		)
		paths = append(paths, tracker.TripFilesIn(a.store.VehicleDir(vid))...)
	}
	sort.Strings(paths)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(h, "%s|missing;", path)
			continue
		}
		fmt.Fprintf(h, "%s|%d|%d;", path, info.ModTime().UnixNano(), info.Size())
	}
	return h.Sum64()
}

// CachedDaily serves the daily rows, re-aggregating only when an
// input changed or no background worker is running.
func (a *Aggregator) CachedDaily() (map[string]Row, error) {
	sig := a.signature()

	a.cacheMu.Lock()
	cachedSig := a.cacheSig
	hasCache := a.cacheRows != nil
	a.cacheMu.Unlock()

	if !a.Running() || !hasCache || cachedSig != sig {
		if err := a.Tick(); err != nil {
			return nil, err
		}
	}

	rows, err := a.db.LoadScope("daily")
	if err != nil {
		return nil, err
	}
	a.cacheMu.Lock()
	a.cacheSig = sig
	a.cacheRows = rows
	a.cacheMu.Unlock()
	return rows, nil
}

// ReportRow is one daily line of the statistics endpoint. State
// shares are normalized percentages over the observed time.
type ReportRow struct {
	Date            string  `json:"date"`
	Online          float64 `json:"online"`
	Offline         float64 `json:"offline"`
	Asleep          float64 `json:"asleep"`
	ObservedSeconds float64 `json:"observed_seconds"`
	Km              float64 `json:"km"`
	Speed           float64 `json:"speed"`
	Energy          float64 `json:"energy"`
	ParkEnergyPct   float64 `json:"park_energy_pct"`
	ParkKm          float64 `json:"park_km"`
}

// ScopeRow is one derived monthly or yearly line.
type ScopeRow struct {
	Online        float64 `json:"online"`
	Offline       float64 `json:"offline"`
	Asleep        float64 `json:"asleep"`
	Km            float64 `json:"km"`
	Speed         float64 `json:"speed"`
	Energy        float64 `json:"energy"`
	ParkEnergyPct float64 `json:"park_energy_pct"`
	ParkKm        float64 `json:"park_km"`
}

// Report assembles the full statistics payload.
type Report struct {
	Rows    []ReportRow         `json:"rows"`
	Monthly map[string]ScopeRow `json:"monthly"`
	Yearly  map[string]ScopeRow `json:"yearly"`
}

func (a *Aggregator) BuildReport() (*Report, error) {
	daily, err := a.CachedDaily()
	if err != nil {
		return nil, err
	}

	report := &Report{
		Monthly: make(map[string]ScopeRow),
		Yearly:  make(map[string]ScopeRow),
	}

	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		r := daily[day]
		observed := r.Observed()
		var online, offline, asleep float64
		if observed > 0 {
			online, offline, asleep = tracker.NormalizeStatePercentages(
				r.Online/observed*100, r.Offline/observed*100, r.Asleep/observed*100)
		}
		report.Rows = append(report.Rows, ReportRow{
			Date:            day,
			Online:          online,
			Offline:         offline,
			Asleep:          asleep,
			ObservedSeconds: round2(observed),
			Km:              round2(r.Km),
			Speed:           round2(r.Speed),
			Energy:          round2(r.Energy),
			ParkEnergyPct:   round2(r.ParkEnergyPct),
			ParkKm:          round2(r.ParkKm),
		})
	}

	for scope, dst := range map[string]map[string]ScopeRow{
		"monthly": report.Monthly,
		"yearly":  report.Yearly,
	} {
		rows, err := a.db.LoadScope(scope)
		if err != nil {
			return nil, err
		}
		for date, r := range rows {
			dst[date] = ScopeRow{
				Online:        r.Online,
				Offline:       r.Offline,
				Asleep:        r.Asleep,
				Km:            r.Km,
				Speed:         r.Speed,
				Energy:        r.Energy,
				ParkEnergyPct: r.ParkEnergyPct,
				ParkKm:        r.ParkKm,
			}
		}
	}
	return report, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// readEntriesFrom parses log lines starting at a byte offset.
func readEntriesFrom(path string, offset int64) []logstore.Entry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			return nil
		}
	}

	var entries []logstore.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "{")
		if idx < 0 {
			continue
		}
		ts, ok := logstore.ParseTime(strings.TrimSpace(line[:idx]))
		if !ok {
			continue
		}
		raw := line[idx:]
		if !json.Valid([]byte(raw)) {
			continue
		}
		entries = append(entries, logstore.Entry{Time: ts, Raw: json.RawMessage(raw)})
	}
	return entries
}
