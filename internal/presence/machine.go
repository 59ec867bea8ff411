package presence

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/teslawerk/telemetry/internal/upstream"
)

// Presence states. The upstream API only reports online, asleep and
// offline; driving and charging are refinements derived from the
// snapshot body while online.
const (
	StateOnline   = upstream.StateOnline
	StateAsleep   = upstream.StateAsleep
	StateOffline  = upstream.StateOffline
	StateDriving  = "driving"
	StateCharging = "charging"
)

const (
	EventWakeUp        = "wake_up"
	EventFallAsleep    = "fall_asleep"
	EventGoOffline     = "go_offline"
	EventStartDriving  = "start_driving"
	EventStopDriving   = "stop_driving"
	EventStartCharging = "start_charging"
	EventStopCharging  = "stop_charging"
)

// VehicleStatus is the live view pushed to dashboard clients.
type VehicleStatus struct {
	VehicleID  string    `json:"vehicle_id"`
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	BatteryPct *float64  `json:"battery_pct"`
	RangeKm    *float64  `json:"range_km"`
	SpeedKph   *float64  `json:"speed_kph"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	Locked     *bool     `json:"locked"`
	SentryMode *bool     `json:"sentry_mode"`
	AlarmState string    `json:"alarm_state,omitempty"`
	Live       bool      `json:"live"`
}

// Machine tracks one vehicle's presence.
type Machine struct {
	mu        sync.RWMutex
	vehicleID string
	fsm       *fsm.FSM
	status    VehicleStatus
	onChange  func(vehicleID, from, to string)
}

func NewMachine(vehicleID, initialState string, onChange func(vehicleID, from, to string)) *Machine {
	if initialState == "" {
		initialState = StateOffline
	}

	m := &Machine{
		vehicleID: vehicleID,
		onChange:  onChange,
		status: VehicleStatus{
			VehicleID: vehicleID,
			State:     initialState,
			Since:     time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			{Name: EventWakeUp, Src: []string{StateOffline, StateAsleep}, Dst: StateOnline},
			{Name: EventFallAsleep, Src: []string{StateOnline, StateDriving, StateCharging}, Dst: StateAsleep},
			{Name: EventGoOffline, Src: []string{StateOnline, StateAsleep, StateDriving, StateCharging}, Dst: StateOffline},
			{Name: EventStartDriving, Src: []string{StateOnline, StateCharging}, Dst: StateDriving},
			{Name: EventStopDriving, Src: []string{StateDriving}, Dst: StateOnline},
			{Name: EventStartCharging, Src: []string{StateOnline, StateDriving}, Dst: StateCharging},
			{Name: EventStopCharging, Src: []string{StateCharging}, Dst: StateOnline},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onChange != nil && e.Src != e.Dst {
					m.onChange(m.vehicleID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Status returns a copy of the live view.
func (m *Machine) Status() VehicleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.State = m.fsm.Current()
	return s
}

// Apply moves the machine to the state observed in a snapshot and
// refreshes the live view. Observations can jump arbitrarily (a poll
// gap can go straight from offline to driving), so unreachable direct
// transitions route through online.
func (m *Machine) Apply(snap *upstream.Snapshot, now time.Time) string {
	target := targetState(snap)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fsm.Current() != target {
		m.moveTo(target)
		m.status.Since = now
	}
	m.status.State = m.fsm.Current()
	m.refreshStatus(snap)
	return m.fsm.Current()
}

func (m *Machine) moveTo(target string) {
	for _, event := range routeEvents(m.fsm.Current(), target) {
		if err := m.fsm.Event(context.Background(), event); err != nil {
			return
		}
	}
}

// routeEvents yields the event chain from one state to another,
// inserting the online hop when no single edge exists.
func routeEvents(from, to string) []string {
	if from == to {
		return nil
	}
	direct := map[[2]string]string{
		{StateOffline, StateOnline}:   EventWakeUp,
		{StateAsleep, StateOnline}:    EventWakeUp,
		{StateOnline, StateAsleep}:    EventFallAsleep,
		{StateDriving, StateAsleep}:   EventFallAsleep,
		{StateCharging, StateAsleep}:  EventFallAsleep,
		{StateOnline, StateOffline}:   EventGoOffline,
		{StateAsleep, StateOffline}:   EventGoOffline,
		{StateDriving, StateOffline}:  EventGoOffline,
		{StateCharging, StateOffline}: EventGoOffline,
		{StateOnline, StateDriving}:   EventStartDriving,
		{StateCharging, StateDriving}: EventStartDriving,
		{StateDriving, StateOnline}:   EventStopDriving,
		{StateOnline, StateCharging}:  EventStartCharging,
		{StateDriving, StateCharging}: EventStartCharging,
		{StateCharging, StateOnline}:  EventStopCharging,
	}
	if ev, ok := direct[[2]string{from, to}]; ok {
		return []string{ev}
	}
	// No edge touching online means one endpoint is not a known
	// state; there is no route.
	if from == StateOnline || to == StateOnline {
		return nil
	}
	head := routeEvents(from, StateOnline)
	tail := routeEvents(StateOnline, to)
	return append(head, tail...)
}

func targetState(snap *upstream.Snapshot) string {
	if snap == nil {
		return StateOffline
	}
	switch snap.State {
	case upstream.StateAsleep:
		return StateAsleep
	case upstream.StateOnline:
	default:
		return StateOffline
	}
	if snap.Live {
		if snap.Charging() {
			return StateCharging
		}
		if snap.DriveState != nil {
			shift := upstream.NormalizeShift(snap.DriveState.ShiftState)
			if shift == "D" || shift == "R" || shift == "N" {
				return StateDriving
			}
		}
	}
	return StateOnline
}

func (m *Machine) refreshStatus(snap *upstream.Snapshot) {
	if snap == nil {
		return
	}
	m.status.Live = snap.Live
	if pct := snap.BatteryPct(); pct != nil {
		m.status.BatteryPct = pct
	}
	if rng := snap.RangeKm(); rng != nil {
		m.status.RangeKm = rng
	}
	if kph := snap.SpeedKph(); kph != nil {
		m.status.SpeedKph = kph
	} else {
		m.status.SpeedKph = nil
	}
	if snap.DriveState != nil {
		if snap.DriveState.Latitude != nil {
			m.status.Latitude = snap.DriveState.Latitude
		}
		if snap.DriveState.Longitude != nil {
			m.status.Longitude = snap.DriveState.Longitude
		}
	}
	if snap.VehicleState != nil {
		m.status.Locked = snap.VehicleState.Locked
		m.status.SentryMode = snap.VehicleState.SentryMode
		m.status.AlarmState = snap.VehicleState.AlarmState
	}
}

// Manager holds one machine per vehicle.
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(vehicleID, from, to string)
}

func NewManager(onChange func(vehicleID, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

func (m *Manager) GetOrCreate(vehicleID, initialState string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[vehicleID]; ok {
		return machine
	}
	machine := NewMachine(vehicleID, initialState, m.onChange)
	m.machines[vehicleID] = machine
	return machine
}

func (m *Manager) Get(vehicleID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[vehicleID]
	return machine, ok
}

// Observe applies a snapshot for a vehicle and returns the refined
// presence state.
func (m *Manager) Observe(vehicleID string, snap *upstream.Snapshot, now time.Time) string {
	initial := StateOffline
	if snap != nil {
		switch snap.State {
		case StateOnline, StateAsleep:
			initial = snap.State
		}
	}
	machine := m.GetOrCreate(vehicleID, initial)
	return machine.Apply(snap, now)
}

// AllStatuses returns the live view for every known vehicle.
func (m *Manager) AllStatuses() map[string]VehicleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]VehicleStatus, len(m.machines))
	for id, machine := range m.machines {
		out[id] = machine.Status()
	}
	return out
}
