package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/campus-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRequest(r *models.RideRequest) error {
	_, err := p.db.Exec(`INSERT INTO ride_requests(id, rider_id, rider_name, kind, origin_lat, origin_lon, dest_lat, dest_lon, pickup_label, dropoff_label, requested_pickup_at, target_ride_id, status, fare_hold_id, fare_cents, deadline, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, fare_hold_id=EXCLUDED.fare_hold_id`,
		r.ID, r.RiderID, r.RiderName, r.Kind, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		r.PickupLabel, r.DropoffLabel, r.RequestedPickupAt, r.TargetRideID, r.Status, r.FareHoldID, r.FareCents, r.Deadline, r.CreatedAt)
	return err
}

func (p *PostgresStore) GetRequest(id string) (*models.RideRequest, error) {
	row := p.db.QueryRow(`SELECT id, rider_id, rider_name, kind, origin_lat, origin_lon, dest_lat, dest_lon, pickup_label, dropoff_label, requested_pickup_at, target_ride_id, status, fare_hold_id, fare_cents, deadline, created_at FROM ride_requests WHERE id=$1`, id)
	var r models.RideRequest
	err := row.Scan(&r.ID, &r.RiderID, &r.RiderName, &r.Kind, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.PickupLabel, &r.DropoffLabel, &r.RequestedPickupAt, &r.TargetRideID, &r.Status, &r.FareHoldID, &r.FareCents, &r.Deadline, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) UpdateRequestStatus(id string, status models.RequestStatus) error {
	_, err := p.db.Exec(`UPDATE ride_requests SET status=$1, updated_at=$2 WHERE id=$3`, status, time.Now(), id)
	return err
}

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, driver_id, vehicle, origin_lat, origin_lon, dest_lat, dest_lon, status, seats_free, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, seats_free=EXCLUDED.seats_free, updated_at=EXCLUDED.updated_at`,
		r.ID, r.DriverID, r.Vehicle, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, r.Status, r.SeatsFree, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(id string) (*models.Ride, error) {
	row := p.db.QueryRow(`SELECT id, driver_id, vehicle, origin_lat, origin_lon, dest_lat, dest_lon, status, seats_free, created_at, updated_at FROM rides WHERE id=$1`, id)
	var r models.Ride
	err := row.Scan(&r.ID, &r.DriverID, &r.Vehicle, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &r.Status, &r.SeatsFree, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
