package stats

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teslawerk/telemetry/internal/units"
)

// Row is one statistics_aggregate line. For the daily scope the state
// columns hold raw seconds; monthly and yearly rows hold percentages
// weighted by observed seconds.
type Row struct {
	Online        float64
	Offline       float64
	Asleep        float64
	Km            float64
	Speed         float64
	Energy        float64
	ParkEnergyPct float64
	ParkKm        float64
}

// Observed is the total accounted time of a daily row in seconds.
func (r Row) Observed() float64 {
	return r.Online + r.Offline + r.Asleep
}

// DB wraps the statistics database.
type DB struct {
	conn *sql.DB
}

// Open creates the statistics database, enables WAL and ensures the
// schema. A schema failure here is fatal to the aggregator.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create statistics dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open statistics db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.ensureSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS statistics_aggregate (
			scope TEXT NOT NULL,
			date TEXT NOT NULL,
			online REAL DEFAULT 0.0,
			offline REAL DEFAULT 0.0,
			asleep REAL DEFAULT 0.0,
			km REAL DEFAULT 0.0,
			speed REAL DEFAULT 0.0,
			energy REAL DEFAULT 0.0,
			park_energy_pct REAL DEFAULT 0.0,
			park_km REAL DEFAULT 0.0,
			PRIMARY KEY (scope, date)
		)`,
		`CREATE TABLE IF NOT EXISTS statistics_meta (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS statistics_energy_sessions (
			day TEXT NOT NULL,
			session_key TEXT PRIMARY KEY,
			value REAL DEFAULT 0.0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.conn.Exec(stmt); err != nil {
			return fmt.Errorf("ensure statistics schema: %w", err)
		}
	}
	return nil
}

func (d *DB) Meta(key string) (string, bool) {
	var value string
	err := d.conn.QueryRow("SELECT value FROM statistics_meta WHERE key=?", key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

func (d *DB) MetaInt(key string) int64 {
	raw, ok := d.Meta(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if f, ferr := strconv.ParseFloat(raw, 64); ferr == nil {
			return int64(f)
		}
		return 0
	}
	return v
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.conn.Exec(
		"INSERT INTO statistics_meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		key, value)
	return err
}

// Reset wipes every aggregate, cursor and session marker so the next
// tick backfills from scratch.
func (d *DB) Reset() error {
	for _, stmt := range []string{
		"DELETE FROM statistics_aggregate",
		"DELETE FROM statistics_energy_sessions",
		"DELETE FROM statistics_meta",
	} {
		if _, err := d.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadScope returns all rows of one scope keyed by date.
func (d *DB) LoadScope(scope string) (map[string]Row, error) {
	rows, err := d.conn.Query(
		`SELECT date, online, offline, asleep, km, speed, energy, park_energy_pct, park_km
		 FROM statistics_aggregate WHERE scope=?`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Row)
	for rows.Next() {
		var date string
		var r Row
		if err := rows.Scan(&date, &r.Online, &r.Offline, &r.Asleep, &r.Km,
			&r.Speed, &r.Energy, &r.ParkEnergyPct, &r.ParkKm); err != nil {
			return nil, err
		}
		out[date] = r
	}
	return out, rows.Err()
}

func (d *DB) LoadRow(scope, date string) (Row, bool) {
	var r Row
	err := d.conn.QueryRow(
		`SELECT online, offline, asleep, km, speed, energy, park_energy_pct, park_km
		 FROM statistics_aggregate WHERE scope=? AND date=?`, scope, date).
		Scan(&r.Online, &r.Offline, &r.Asleep, &r.Km, &r.Speed, &r.Energy, &r.ParkEnergyPct, &r.ParkKm)
	if err != nil {
		return Row{}, false
	}
	return r, true
}

func (d *DB) WriteRow(scope, date string, r Row) error {
	_, err := d.conn.Exec(
		`INSERT INTO statistics_aggregate (
			scope, date, online, offline, asleep, km, speed, energy, park_energy_pct, park_km
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, date) DO UPDATE SET
			online=excluded.online,
			offline=excluded.offline,
			asleep=excluded.asleep,
			km=excluded.km,
			speed=excluded.speed,
			energy=excluded.energy,
			park_energy_pct=excluded.park_energy_pct,
			park_km=excluded.park_km`,
		scope, date, r.Online, r.Offline, r.Asleep, r.Km, r.Speed, r.Energy, r.ParkEnergyPct, r.ParkKm)
	return err
}

// MergeDailyRow adds a delta onto the existing daily row. Speed is a
// running maximum, every other column accumulates.
func (d *DB) MergeDailyRow(date string, delta Row) error {
	current, _ := d.LoadRow("daily", date)
	merged := Row{
		Online:        round6(current.Online + delta.Online),
		Offline:       round6(current.Offline + delta.Offline),
		Asleep:        round6(current.Asleep + delta.Asleep),
		Km:            round6(current.Km + delta.Km),
		Speed:         math.Max(current.Speed, delta.Speed),
		Energy:        round6(current.Energy + delta.Energy),
		ParkEnergyPct: round6(current.ParkEnergyPct + delta.ParkEnergyPct),
		ParkKm:        round6(current.ParkKm + delta.ParkKm),
	}
	return d.WriteRow("daily", date, merged)
}

// EnergySessionValue returns the folded-in value for a session key.
func (d *DB) EnergySessionValue(key string) float64 {
	var v float64
	err := d.conn.QueryRow(
		"SELECT value FROM statistics_energy_sessions WHERE session_key=?", key).Scan(&v)
	if err != nil {
		return 0
	}
	return v
}

func (d *DB) UpsertEnergySession(day, key string, value float64) error {
	_, err := d.conn.Exec(
		`INSERT INTO statistics_energy_sessions(day, session_key, value) VALUES(?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET value=excluded.value`,
		day, key, value)
	return err
}

// MissingRecentDays reports whether any of the last n local days has
// no daily row yet, which forces a full rebuild.
func (d *DB) MissingRecentDays(now time.Time, n int) bool {
	if n <= 0 {
		return false
	}
	for i := 0; i < n; i++ {
		day := units.DayString(now.AddDate(0, 0, -i))
		if _, ok := d.LoadRow("daily", day); !ok {
			return true
		}
	}
	return false
}

// RebuildScope wipes and rewrites one derived scope from the current
// daily rows inside a single transaction, so readers never observe a
// partial rebuild. Daily state seconds become observed-time-weighted
// percentages; totals sum and speed keeps the maximum.
func (d *DB) RebuildScope(scope string, keyLen int) error {
	daily, err := d.LoadScope("daily")
	if err != nil {
		return err
	}

	type bucket struct {
		onlineSec  float64
		offlineSec float64
		asleepSec  float64
		weight     float64
		km         float64
		speed      float64
		energy     float64
		parkPct    float64
		parkKm     float64
	}
	buckets := make(map[string]*bucket)
	for date, r := range daily {
		if len(date) < keyLen {
			continue
		}
		key := date[:keyLen]
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		if observed := r.Observed(); observed > 0 {
			b.onlineSec += r.Online
			b.offlineSec += r.Offline
			b.asleepSec += r.Asleep
			b.weight += observed
		}
		b.km += r.Km
		b.speed = math.Max(b.speed, r.Speed)
		b.energy += r.Energy
		b.parkPct += r.ParkEnergyPct
		b.parkKm += r.ParkKm
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM statistics_aggregate WHERE scope=?", scope); err != nil {
		return err
	}
	for key, b := range buckets {
		w := b.weight
		if w <= 0 {
			w = 1
		}
		_, err := tx.Exec(
			`INSERT INTO statistics_aggregate (
				scope, date, online, offline, asleep, km, speed, energy, park_energy_pct, park_km
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			scope, key,
			round2(b.onlineSec/w*100), round2(b.offlineSec/w*100), round2(b.asleepSec/w*100),
			round2(b.km), round2(b.speed), round2(b.energy),
			round2(b.parkPct), round2(b.parkKm))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
