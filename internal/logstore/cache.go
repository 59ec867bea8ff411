package logstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/teslawerk/telemetry/internal/units"
)

// SaveCache persists the last known snapshot blob for a vehicle.
// Last writer wins; the temp-rename keeps readers off torn writes.
func (s *Store) SaveCache(vehicleID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	path := s.Path(vehicleID, "cache.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cache: %w", err)
	}
	return nil
}

// LoadCache reads the cached snapshot blob into v.
func (s *Store) LoadCache(vehicleID string, v any) error {
	data, err := os.ReadFile(s.Path(vehicleID, "cache.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrCacheMiss
		}
		return fmt.Errorf("read cache: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode cache: %w", err)
	}
	return nil
}

// SaveSessionStart records the start of a charging session so it
// survives process restarts.
func (s *Store) SaveSessionStart(vehicleID string, start time.Time) error {
	path := s.Path(vehicleID, "session_start")
	value := start.In(units.Location()).Format(time.RFC3339Nano)
	if err := os.WriteFile(path, []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("write session start: %w", err)
	}
	return nil
}

// LoadSessionStart returns the persisted session start, if any.
func (s *Store) LoadSessionStart(vehicleID string) (time.Time, bool) {
	data, err := os.ReadFile(s.Path(vehicleID, "session_start"))
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false
	}
	return t.In(units.Location()), true
}

// ClearSessionStart forgets the persisted session start.
func (s *Store) ClearSessionStart(vehicleID string) {
	_ = os.Remove(filepath.Join(s.VehicleDir(vehicleID), "session_start"))
}
