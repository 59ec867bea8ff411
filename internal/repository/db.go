package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the taximeter database.
type DB struct {
	Conn *sql.DB
}

// New opens the ride database and ensures the schema.
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create taximeter dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open taximeter db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db := &DB{Conn: conn}
	if err := db.ensureSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.Conn.Close()
}

func (db *DB) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS taximeter_rides (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			duration_s REAL DEFAULT 0,
			distance_m REAL DEFAULT 0,
			wait_time_s REAL DEFAULT 0,
			cost_base REAL DEFAULT 0,
			cost_distance REAL DEFAULT 0,
			cost_wait REAL DEFAULT 0,
			cost_total REAL DEFAULT 0,
			tariff_snapshot_json TEXT,
			receipt_json TEXT,
			user_id TEXT,
			vehicle_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS taximeter_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ride_id INTEGER NOT NULL REFERENCES taximeter_rides(id),
			ts TIMESTAMP NOT NULL,
			lat REAL,
			lon REAL,
			speed_kph REAL,
			heading_deg REAL,
			odo_m REAL,
			is_pause INTEGER DEFAULT 0,
			is_wait INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_taximeter_points_ride ON taximeter_points(ride_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Conn.Exec(stmt); err != nil {
			return fmt.Errorf("ensure taximeter schema: %w", err)
		}
	}
	return nil
}
