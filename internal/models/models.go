package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestKind distinguishes the two matching flows: a BOOKING walks a
// ranked candidate list with a broadcast fallback, a JOIN_RIDE targets
// the driver of one specific ride and has no fallback.
type RequestKind string

const (
	KindBooking  RequestKind = "BOOKING"
	KindJoinRide RequestKind = "JOIN_RIDE"
)

// RequestStatus is the business status of the ride request record.
type RequestStatus string

const (
	RequestPending      RequestStatus = "pending"
	RequestBroadcasting RequestStatus = "broadcasting"
	RequestMatched      RequestStatus = "matched"
	RequestExpired      RequestStatus = "expired"
	RequestCancelled    RequestStatus = "cancelled"
)

// Matchable reports whether a request in this status may still be offered
// to drivers.
func (s RequestStatus) Matchable() bool {
	return s == RequestPending || s == RequestBroadcasting
}

// RideRequest is the business record for one rider's ask. The dispatcher
// re-reads it by id rather than trusting event payloads.
type RideRequest struct {
	ID                string        `json:"id"`
	RiderID           string        `json:"rider_id"`
	RiderName         string        `json:"rider_name"`
	Kind              RequestKind   `json:"kind"`
	Origin            Coord         `json:"origin"`
	Destination       Coord         `json:"destination"`
	PickupLabel       string        `json:"pickup_label"`
	DropoffLabel      string        `json:"dropoff_label"`
	RequestedPickupAt time.Time     `json:"requested_pickup_at"`
	TargetRideID      string        `json:"target_ride_id,omitempty"` // JOIN_RIDE only
	Status            RequestStatus `json:"status"`
	FareHoldID        string        `json:"fare_hold_id,omitempty"`
	FareCents         int64         `json:"fare_cents"`
	Deadline          time.Time     `json:"deadline"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Driver is the view of a driver kept in the geo index: last location,
// rating, availability, and the ride they currently offer seats on.
type Driver struct {
	ID      string    `json:"id"`
	Name    string    `json:"name,omitempty"`
	Vehicle string    `json:"vehicle,omitempty"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	RideID  string    `json:"ride_id,omitempty"`
	Updated time.Time `json:"updated"`
}

// Proposal is one ranked driver+ride pairing returned by the ranking
// provider. Immutable once produced; never re-ranked mid-session.
type Proposal struct {
	RideID           string  `json:"ride_id"`
	DriverID         string  `json:"driver_id"`
	Score            float64 `json:"score"`
	FareCents        int64   `json:"fare_cents"`
	PickupETASeconds float64 `json:"pickup_eta_seconds"`
	DriverRating     float64 `json:"driver_rating"`
	Rank             int     `json:"rank"`
}

// Ride is the persisted ride a driver offers seats on.
type Ride struct {
	ID          string
	DriverID    string
	Vehicle     string
	Origin      Coord
	Destination Coord
	Status      string // posted, full, ongoing, completed, canceled
	SeatsFree   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
