package upstream

import (
	"strings"

	"github.com/teslawerk/telemetry/internal/units"
)

// Vehicle connectivity states reported by the upstream API.
const (
	StateOnline  = "online"
	StateAsleep  = "asleep"
	StateOffline = "offline"
)

// Snapshot is one merged view of a vehicle. Live snapshots come from
// the upstream data call; cache-backed ones carry Source "cache" and
// Live false.
type Snapshot struct {
	VehicleID    string        `json:"vehicle_id,omitempty"`
	State        string        `json:"state"`
	ChargeState  *ChargeState  `json:"charge_state,omitempty"`
	DriveState   *DriveState   `json:"drive_state,omitempty"`
	VehicleState *VehicleState `json:"vehicle_state,omitempty"`
	Live         bool          `json:"_live"`
	Source       string        `json:"source,omitempty"`
}

type ChargeState struct {
	BatteryLevel       *float64 `json:"battery_level,omitempty"`
	UsableBatteryLevel *float64 `json:"usable_battery_level,omitempty"`
	IdealBatteryRange  *float64 `json:"ideal_battery_range,omitempty"`
	EstBatteryRange    *float64 `json:"est_battery_range,omitempty"`
	BatteryRange       *float64 `json:"battery_range,omitempty"`
	ChargingState      string   `json:"charging_state,omitempty"`
	ChargeEnergyAdded  *float64 `json:"charge_energy_added,omitempty"`
}

type DriveState struct {
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
	Power      *float64 `json:"power,omitempty"`
	Heading    *float64 `json:"heading,omitempty"`
	Odometer   *float64 `json:"odometer,omitempty"`
	ShiftState *string  `json:"shift_state,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
}

type VehicleState struct {
	AlarmState string `json:"alarm_state,omitempty"`
	Locked     *bool  `json:"locked,omitempty"`
	SentryMode *bool  `json:"sentry_mode,omitempty"`
}

// BatteryPct returns the usable battery level, falling back to the
// displayed level.
func (s *Snapshot) BatteryPct() *float64 {
	if s == nil || s.ChargeState == nil {
		return nil
	}
	if s.ChargeState.UsableBatteryLevel != nil {
		return s.ChargeState.UsableBatteryLevel
	}
	return s.ChargeState.BatteryLevel
}

// RangeKm returns the remaining range in kilometres using the
// dashboard preference order over the miles-based upstream fields.
func (s *Snapshot) RangeKm() *float64 {
	if s == nil || s.ChargeState == nil {
		return nil
	}
	for _, miles := range []*float64{
		s.ChargeState.IdealBatteryRange,
		s.ChargeState.EstBatteryRange,
		s.ChargeState.BatteryRange,
	} {
		if miles != nil && *miles >= 0 {
			km := units.MilesToKilometers(*miles)
			return &km
		}
	}
	return nil
}

// SpeedKph returns the current speed converted to km/h.
func (s *Snapshot) SpeedKph() *float64 {
	if s == nil || s.DriveState == nil || s.DriveState.Speed == nil {
		return nil
	}
	kph := units.MilesToKilometers(*s.DriveState.Speed)
	return &kph
}

// Charging reports whether the vehicle draws energy right now. A
// disconnected or absent charge cable never counts as charging.
func (s *Snapshot) Charging() bool {
	if s == nil || s.ChargeState == nil {
		return false
	}
	cs := s.ChargeState.ChargingState
	return cs != "" && cs != "Disconnected"
}

// NormalizeShift canonicalises a raw shift_state value. Unknown or
// empty markers collapse to "", "Park" spellings collapse to "P".
func NormalizeShift(shift *string) string {
	if shift == nil {
		return ""
	}
	v := strings.ToUpper(strings.TrimSpace(*shift))
	switch v {
	case "", "N/A", "NA", "UNKNOWN":
		return ""
	case "PARK":
		return "P"
	}
	return v
}
