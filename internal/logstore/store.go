package logstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/teslawerk/telemetry/internal/units"
)

// ErrCacheMiss is returned when no cache blob exists for a vehicle.
var ErrCacheMiss = errors.New("logstore: cache miss")

const (
	timeFormatMillis = "2006-01-02 15:04:05,000"
	timeFormatPlain  = "2006-01-02 15:04:05"
)

// Store owns the per-vehicle data directory tree. Every log file is
// written by exactly one tracker goroutine; readers only append-scan.
type Store struct {
	dir string
}

func New(dataDir string) *Store {
	return &Store{dir: dataDir}
}

// Dir returns the root data directory.
func (s *Store) Dir() string {
	return s.dir
}

// VehicleDir returns (and creates) the directory for one vehicle.
func (s *Store) VehicleDir(vehicleID string) string {
	d := filepath.Join(s.dir, vehicleID)
	_ = os.MkdirAll(d, 0o755)
	return d
}

// Path returns the live log path for a vehicle-scoped file.
func (s *Store) Path(vehicleID, name string) string {
	return filepath.Join(s.VehicleDir(vehicleID), name)
}

// FormatTime renders a log line timestamp in local time with
// comma-separated milliseconds.
func FormatTime(t time.Time) string {
	return t.In(units.Location()).Format(timeFormatMillis)
}

// ParseTime parses a log line timestamp, with or without milliseconds.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range []string{timeFormatMillis, timeFormatPlain} {
		if t, err := time.ParseInLocation(layout, s, units.Location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Append writes one `<timestamp> <json>` line to the live log file.
func (s *Store) Append(vehicleID, name string, ts time.Time, payload any) error {
	return AppendFile(s.Path(vehicleID, name), ts, payload)
}

// AppendFile appends a log line to an explicit path.
func AppendFile(path string, ts time.Time, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal log payload: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s\n", FormatTime(ts), body); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

// Entry is one parsed log line.
type Entry struct {
	Time time.Time
	Raw  json.RawMessage
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// ReadEntries returns all entries for a vehicle-scoped log, including
// rotated siblings in timestamp order before the live file. Corrupt
// lines are skipped.
func (s *Store) ReadEntries(vehicleID, name string) []Entry {
	return ReadEntriesFile(s.Path(vehicleID, name))
}

// ReadEntriesFile reads a log file plus any rotated siblings
// (`<path>.<suffix>`), oldest first.
func ReadEntriesFile(path string) []Entry {
	var entries []Entry
	for _, p := range logChain(path) {
		entries = append(entries, readOne(p)...)
	}
	return entries
}

// logChain lists rotated files before the live one, ordered by the
// timestamp embedded in the rotation suffix. Files whose suffix is
// not a timestamp fall back to their modification time, so copied or
// restored rotations still read in rotation order.
func logChain(path string) []string {
	type candidate struct {
		path  string
		mtime time.Time
	}
	var rotated []candidate
	matches, _ := filepath.Glob(path + ".*")
	for _, m := range matches {
		if ts, ok := rotationSuffixTime(path, m); ok {
			rotated = append(rotated, candidate{path: m, mtime: ts})
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		rotated = append(rotated, candidate{path: m, mtime: info.ModTime()})
	}
	sort.Slice(rotated, func(i, j int) bool {
		if rotated[i].mtime.Equal(rotated[j].mtime) {
			return rotated[i].path < rotated[j].path
		}
		return rotated[i].mtime.Before(rotated[j].mtime)
	})
	out := make([]string, 0, len(rotated)+1)
	for _, c := range rotated {
		out = append(out, c.path)
	}
	if _, err := os.Stat(path); err == nil {
		out = append(out, path)
	}
	return out
}

const rotationSuffixLayout = "2006-01-02T150405"

// rotationSuffixTime parses `<base>.YYYY-MM-DDTHHMMSS*` rotation
// names. Trailing characters after the timestamp are ignored.
func rotationSuffixTime(base, path string) (time.Time, bool) {
	suffix := strings.TrimPrefix(path, base+".")
	if len(suffix) < len(rotationSuffixLayout) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(rotationSuffixLayout, suffix[:len(rotationSuffixLayout)], units.Location())
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func readOne(path string) []Entry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "{")
		if idx < 0 {
			continue
		}
		ts, ok := ParseTime(strings.TrimSpace(line[:idx]))
		if !ok {
			continue
		}
		raw := json.RawMessage(line[idx:])
		if !json.Valid(raw) {
			continue
		}
		entries = append(entries, Entry{Time: ts, Raw: raw})
	}
	return entries
}
