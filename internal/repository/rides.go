package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Ride status values.
const (
	RideReady   = "ready"
	RideActive  = "active"
	RidePaused  = "paused"
	RideStopped = "stopped"
)

// Ride is one taximeter ride row. A ride in active or paused state
// has no end timestamp yet.
type Ride struct {
	ID                 int64
	Status             string
	StartedAt          time.Time
	EndedAt            *time.Time
	DurationS          float64
	DistanceM          float64
	WaitTimeS          float64
	CostBase           float64
	CostDistance       float64
	CostWait           float64
	CostTotal          float64
	TariffSnapshotJSON string
	ReceiptJSON        string
	UserID             string
	VehicleID          string
}

// Point is one sampled position during a ride.
type Point struct {
	ID         int64
	RideID     int64
	TS         time.Time
	Lat        *float64
	Lon        *float64
	SpeedKph   *float64
	HeadingDeg *float64
	OdoM       *float64
	IsPause    bool
	IsWait     bool
}

// RideRepository persists taximeter rides and their sample points.
type RideRepository struct {
	db *DB
}

func NewRideRepository(db *DB) *RideRepository {
	return &RideRepository{db: db}
}

// Create inserts a new ride and fills in its id.
func (r *RideRepository) Create(ctx context.Context, ride *Ride) error {
	res, err := r.db.Conn.ExecContext(ctx, `
		INSERT INTO taximeter_rides (status, started_at, tariff_snapshot_json, user_id, vehicle_id)
		VALUES (?, ?, ?, ?, ?)`,
		ride.Status, ride.StartedAt, ride.TariffSnapshotJSON, ride.UserID, ride.VehicleID)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ride id: %w", err)
	}
	ride.ID = id
	return nil
}

// SetStatus updates only the status column.
func (r *RideRepository) SetStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.Conn.ExecContext(ctx,
		"UPDATE taximeter_rides SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update ride status: %w", err)
	}
	return nil
}

// Complete writes the end-of-ride fields.
func (r *RideRepository) Complete(ctx context.Context, ride *Ride) error {
	_, err := r.db.Conn.ExecContext(ctx, `
		UPDATE taximeter_rides SET
			status = ?,
			ended_at = ?,
			duration_s = ?,
			distance_m = ?,
			wait_time_s = ?,
			cost_base = ?,
			cost_distance = ?,
			cost_wait = ?,
			cost_total = ?,
			receipt_json = ?
		WHERE id = ?`,
		ride.Status, ride.EndedAt, ride.DurationS, ride.DistanceM, ride.WaitTimeS,
		ride.CostBase, ride.CostDistance, ride.CostWait, ride.CostTotal,
		ride.ReceiptJSON, ride.ID)
	if err != nil {
		return fmt.Errorf("complete ride: %w", err)
	}
	return nil
}

// AddPoint appends one sample to a ride.
func (r *RideRepository) AddPoint(ctx context.Context, p *Point) error {
	res, err := r.db.Conn.ExecContext(ctx, `
		INSERT INTO taximeter_points (ride_id, ts, lat, lon, speed_kph, heading_deg, odo_m, is_pause, is_wait)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RideID, p.TS, p.Lat, p.Lon, p.SpeedKph, p.HeadingDeg, p.OdoM, p.IsPause, p.IsWait)
	if err != nil {
		return fmt.Errorf("insert ride point: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = id
	}
	return nil
}

// Get loads one ride by id.
func (r *RideRepository) Get(ctx context.Context, id int64) (*Ride, error) {
	row := r.db.Conn.QueryRowContext(ctx, `
		SELECT id, status, started_at, ended_at, duration_s, distance_m, wait_time_s,
		       cost_base, cost_distance, cost_wait, cost_total,
		       COALESCE(tariff_snapshot_json, ''), COALESCE(receipt_json, ''),
		       COALESCE(user_id, ''), vehicle_id
		FROM taximeter_rides WHERE id = ?`, id)
	ride, err := scanRide(row)
	if err != nil {
		return nil, fmt.Errorf("load ride %d: %w", id, err)
	}
	return ride, nil
}

// ListByVehicle returns a vehicle's rides, newest first.
func (r *RideRepository) ListByVehicle(ctx context.Context, vehicleID string, limit int) ([]*Ride, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Conn.QueryContext(ctx, `
		SELECT id, status, started_at, ended_at, duration_s, distance_m, wait_time_s,
		       cost_base, cost_distance, cost_wait, cost_total,
		       COALESCE(tariff_snapshot_json, ''), COALESCE(receipt_json, ''),
		       COALESCE(user_id, ''), vehicle_id
		FROM taximeter_rides
		WHERE vehicle_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	defer rows.Close()

	var rides []*Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}

// Points returns all samples of a ride in insertion order.
func (r *RideRepository) Points(ctx context.Context, rideID int64) ([]*Point, error) {
	rows, err := r.db.Conn.QueryContext(ctx, `
		SELECT id, ride_id, ts, lat, lon, speed_kph, heading_deg, odo_m, is_pause, is_wait
		FROM taximeter_points WHERE ride_id = ? ORDER BY id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("list ride points: %w", err)
	}
	defer rows.Close()

	var points []*Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.RideID, &p.TS, &p.Lat, &p.Lon,
			&p.SpeedKph, &p.HeadingDeg, &p.OdoM, &p.IsPause, &p.IsWait); err != nil {
			return nil, fmt.Errorf("scan ride point: %w", err)
		}
		points = append(points, &p)
	}
	return points, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*Ride, error) {
	var ride Ride
	var endedAt sql.NullTime
	err := row.Scan(&ride.ID, &ride.Status, &ride.StartedAt, &endedAt,
		&ride.DurationS, &ride.DistanceM, &ride.WaitTimeS,
		&ride.CostBase, &ride.CostDistance, &ride.CostWait, &ride.CostTotal,
		&ride.TariffSnapshotJSON, &ride.ReceiptJSON, &ride.UserID, &ride.VehicleID)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		ride.EndedAt = &t
	}
	return &ride, nil
}
