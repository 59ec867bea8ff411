package taximeter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/repository"
	"github.com/teslawerk/telemetry/internal/units"
	"github.com/teslawerk/telemetry/internal/upstream"
)

// Ride states and transitions.
const (
	StateReady   = repository.RideReady
	StateActive  = repository.RideActive
	StatePaused  = repository.RidePaused
	StateStopped = repository.RideStopped

	eventStart = "start"
	eventPause = "pause"
	eventStop  = "stop"
	eventReset = "reset"
)

const movingThresholdKph = 5.0

// ErrVehicleIDUnset is returned by every public method when the
// engine has no vehicle bound.
var ErrVehicleIDUnset = errors.New("taximeter: vehicle_id not set")

// FetchFunc supplies the current snapshot for a vehicle.
type FetchFunc func(ctx context.Context, vehicleID string) (*upstream.Snapshot, error)

// TariffFunc supplies the tariff to snapshot on ride start.
type TariffFunc func() Tariff

// Status is the live meter view.
type Status struct {
	Active      bool    `json:"active"`
	State       string  `json:"state"`
	DistanceKm  float64 `json:"distance,omitempty"`
	Price       float64 `json:"price,omitempty"`
	DurationS   float64 `json:"duration,omitempty"`
	WaitTimeS   float64 `json:"wait_time,omitempty"`
	RideID      int64   `json:"ride_id,omitempty"`
	VehicleID   string  `json:"vehicle_id,omitempty"`
}

// Result is returned by Stop.
type Result struct {
	RideID     int64     `json:"ride_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationS  float64   `json:"duration"`
	DistanceKm float64   `json:"distance"`
	Price      float64   `json:"price"`
	Breakdown  Breakdown `json:"breakdown"`
	Receipt    Receipt   `json:"receipt"`
}

// Engine is the per-vehicle ride meter. All collaborators are
// injected; the sampler worker exists only while a ride is active.
type Engine struct {
	fetch          FetchFunc
	tariffFn       TariffFunc
	rides          *repository.RideRepository
	company        string
	slogan         string
	sampleInterval time.Duration
	logger         *zap.Logger

	mu        sync.Mutex
	machine   *fsm.FSM
	vehicleID string
	userID    string

	ride       *repository.Ride
	tariff     Tariff
	startTime  time.Time
	distanceKm float64
	waitTimeS  float64
	waitCost   float64
	price      float64
	lastLat    float64
	lastLon    float64
	hasLast    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewEngine(fetch FetchFunc, tariffFn TariffFunc, rides *repository.RideRepository, vehicleID, company, slogan string, sampleInterval time.Duration, logger *zap.Logger) *Engine {
	if sampleInterval <= 0 {
		sampleInterval = 2 * time.Second
	}
	e := &Engine{
		fetch:          fetch,
		tariffFn:       tariffFn,
		rides:          rides,
		vehicleID:      vehicleID,
		company:        company,
		slogan:         slogan,
		sampleInterval: sampleInterval,
		logger:         logger,
	}
	e.machine = fsm.NewFSM(
		StateReady,
		fsm.Events{
			{Name: eventStart, Src: []string{StateReady, StatePaused}, Dst: StateActive},
			{Name: eventPause, Src: []string{StateActive}, Dst: StatePaused},
			{Name: eventStop, Src: []string{StateActive, StatePaused}, Dst: StateStopped},
			{Name: eventReset, Src: []string{StateStopped, StateReady}, Dst: StateReady},
		},
		nil,
	)
	return e
}

// SetVehicleID rebinds the engine outside an active ride.
func (e *Engine) SetVehicleID(vehicleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine.Current() == StateActive || e.machine.Current() == StatePaused {
		return false
	}
	e.vehicleID = vehicleID
	return true
}

func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Current()
}

// Start begins a new ride from ready or resumes a paused one.
// Returns false when neither transition applies.
func (e *Engine) Start(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.vehicleID == "" {
		e.mu.Unlock()
		return false, ErrVehicleIDUnset
	}

	switch e.machine.Current() {
	case StateReady:
		e.tariff = e.tariffFn()
		e.distanceKm = 0
		e.waitTimeS = 0
		e.waitCost = 0
		e.price = RoundPrice(e.tariff.CalcPrice(0))
		e.hasLast = false
		e.startTime = time.Now()

		tariffJSON, _ := json.Marshal(e.tariff)
		ride := &repository.Ride{
			Status:             repository.RideActive,
			StartedAt:          e.startTime,
			TariffSnapshotJSON: string(tariffJSON),
			UserID:             e.userID,
			VehicleID:          e.vehicleID,
		}
		if err := e.rides.Create(ctx, ride); err != nil {
			e.mu.Unlock()
			return false, err
		}
		e.ride = ride
	case StatePaused:
		if err := e.rides.SetStatus(ctx, e.ride.ID, repository.RideActive); err != nil {
			e.mu.Unlock()
			return false, err
		}
		// Resuming keeps distance and wait totals; the gap itself is
		// not billed.
		e.hasLast = false
	default:
		e.mu.Unlock()
		return false, nil
	}

	e.machine.Event(ctx, eventStart)
	stopCh := make(chan struct{})
	e.stopCh = stopCh
	e.wg.Add(1)
	e.mu.Unlock()

	go e.sample(stopCh)
	return true, nil
}

// Pause suspends the meter, joining the sampler first.
func (e *Engine) Pause(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.vehicleID == "" {
		e.mu.Unlock()
		return false, ErrVehicleIDUnset
	}
	if e.machine.Current() != StateActive {
		e.mu.Unlock()
		return false, nil
	}
	// Transition and take the channel under the same lock hold so a
	// concurrent Pause or Stop cannot close it a second time.
	e.machine.Event(ctx, eventPause)
	stopCh := e.stopCh
	e.stopCh = nil
	rideID := e.ride.ID
	e.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		e.wg.Wait()
	}

	if err := e.rides.SetStatus(ctx, rideID, repository.RidePaused); err != nil {
		return true, err
	}
	return true, nil
}

// Stop ends the ride, prices it and persists the receipt. Returns
// nil when no ride is active or paused.
func (e *Engine) Stop(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.vehicleID == "" {
		e.mu.Unlock()
		return nil, ErrVehicleIDUnset
	}
	current := e.machine.Current()
	if current != StateActive && current != StatePaused {
		e.mu.Unlock()
		return nil, nil
	}
	// Same discipline as Pause: the transition claims the ride, and
	// the channel is taken before anyone else can see it.
	e.machine.Event(ctx, eventStop)
	stopCh := e.stopCh
	e.stopCh = nil
	e.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		e.wg.Wait()
	}

	e.mu.Lock()
	end := time.Now()
	breakdown := e.tariff.CalcBreakdown(e.distanceKm, e.waitTimeS, e.waitCost)
	printedAt := end.In(units.Location()).Format(ReceiptTimeFormat)
	receipt := Receipt{
		Company:    e.company,
		Slogan:     e.slogan,
		Breakdown:  breakdown,
		DistanceKm: e.distanceKm,
		PrintedAt:  printedAt,
	}
	receipt.Text = FormatReceipt(e.company, e.slogan, breakdown, e.distanceKm, printedAt)
	receiptJSON, _ := json.Marshal(receipt)

	ride := e.ride
	ride.Status = repository.RideStopped
	ride.EndedAt = &end
	ride.DurationS = end.Sub(e.startTime).Seconds()
	ride.DistanceM = e.distanceKm * 1000
	ride.WaitTimeS = e.waitTimeS
	ride.CostBase = breakdown.Base
	ride.CostDistance = breakdown.Cost12 + breakdown.Cost34 + breakdown.Cost5Plus
	ride.CostWait = breakdown.WaitCost
	ride.CostTotal = breakdown.Total
	ride.ReceiptJSON = string(receiptJSON)

	result := &Result{
		RideID:     ride.ID,
		StartTime:  e.startTime,
		EndTime:    end,
		DurationS:  ride.DurationS,
		DistanceKm: e.distanceKm,
		Price:      breakdown.Total,
		Breakdown:  breakdown,
		Receipt:    receipt,
	}
	e.mu.Unlock()

	if err := e.rides.Complete(ctx, ride); err != nil {
		e.logger.Error("Failed to persist ride", zap.Int64("ride_id", ride.ID), zap.Error(err))
		return result, err
	}
	return result, nil
}

// Reset clears a stopped meter back to ready.
func (e *Engine) Reset(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vehicleID == "" {
		return false, ErrVehicleIDUnset
	}
	current := e.machine.Current()
	if current != StateStopped && current != StateReady {
		return false, nil
	}
	e.machine.Event(ctx, eventReset)
	e.ride = nil
	e.distanceKm = 0
	e.waitTimeS = 0
	e.waitCost = 0
	e.price = 0
	e.hasLast = false
	e.startTime = time.Time{}
	return true, nil
}

// Status reports the live meter.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.machine.Current()
	s := Status{
		Active:    state == StateActive,
		State:     state,
		VehicleID: e.vehicleID,
	}
	if state == StateActive || state == StatePaused {
		s.DistanceKm = round3(e.distanceKm)
		s.Price = e.price
		s.DurationS = time.Since(e.startTime).Seconds()
		s.WaitTimeS = e.waitTimeS
		s.RideID = e.ride.ID
	}
	return s
}

// sample is the ride worker. Each tick it fetches a snapshot, grows
// the path and reprices the ride.
func (e *Engine) sample(stopCh chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			e.sampleOnce()
		}
	}
}

func (e *Engine) sampleOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), e.sampleInterval*2)
	defer cancel()

	e.mu.Lock()
	vid := e.vehicleID
	e.mu.Unlock()

	snap, err := e.fetch(ctx, vid)
	if err != nil {
		e.logger.Warn("Taximeter sample fetch failed",
			zap.String("vehicle_id", vid), zap.Error(err))
		return
	}
	if snap == nil || snap.DriveState == nil {
		return
	}
	drive := snap.DriveState

	now := time.Now()
	dt := e.sampleInterval.Seconds()

	var speedKph float64
	if kph := snap.SpeedKph(); kph != nil {
		speedKph = *kph
	}
	moving := speedKph >= movingThresholdKph

	e.mu.Lock()
	if e.machine.Current() != StateActive {
		e.mu.Unlock()
		return
	}

	if drive.Latitude != nil && drive.Longitude != nil {
		lat, lon := *drive.Latitude, *drive.Longitude
		if !e.hasLast {
			e.lastLat, e.lastLon = lat, lon
			e.hasLast = true
		} else if lat != e.lastLat || lon != e.lastLon {
			e.distanceKm += units.Haversine(e.lastLat, e.lastLon, lat, lon)
			e.lastLat, e.lastLon = lat, lon
		}
	}

	if !moving {
		e.waitTimeS += dt
		e.waitCost = float64(int(e.waitTimeS/10)) * e.tariff.WaitPer10s
	}
	e.price = RoundPrice(e.tariff.CalcPrice(e.distanceKm) + e.waitCost)

	point := &repository.Point{
		RideID:     e.ride.ID,
		TS:         now,
		Lat:        drive.Latitude,
		Lon:        drive.Longitude,
		HeadingDeg: drive.Heading,
		IsWait:     !moving,
	}
	if snap.SpeedKph() != nil {
		point.SpeedKph = snap.SpeedKph()
	}
	if drive.Odometer != nil {
		odoM := units.MilesToKilometers(*drive.Odometer) * 1000
		point.OdoM = &odoM
	}
	e.mu.Unlock()

	if err := e.rides.AddPoint(ctx, point); err != nil {
		e.logger.Error("Failed to persist ride point", zap.Error(err))
	}
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
