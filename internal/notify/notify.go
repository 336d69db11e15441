package notify

import (
	"context"
	"time"
)

// RiderStatus tags a rider-status notification.
type RiderStatus string

const (
	StatusAccepted   RiderStatus = "ACCEPTED"
	StatusNoMatch    RiderStatus = "NO_MATCH"
	StatusJoinFailed RiderStatus = "JOIN_REQUEST_FAILED"
	StatusLifecycle  RiderStatus = "LIFECYCLE"
)

// DriverOffer is the payload presented to one driver: who is asking,
// where, for how much, and how long the offer stands.
type DriverOffer struct {
	RequestID       string    `json:"request_id"`
	RideID          string    `json:"ride_id"`
	DriverID        string    `json:"driver_id"`
	RiderID         string    `json:"rider_id"`
	RiderName       string    `json:"rider_name"`
	PickupLabel     string    `json:"pickup_label"`
	DropoffLabel    string    `json:"dropoff_label"`
	RequestedPickup time.Time `json:"requested_pickup"`
	FareCents       int64     `json:"fare_cents"`
	Rank            int       `json:"rank,omitempty"`
	Broadcast       bool      `json:"broadcast,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// MatchDetails carries the matched ride info on a success notification.
type MatchDetails struct {
	RideID           string  `json:"ride_id"`
	DriverID         string  `json:"driver_id"`
	DriverName       string  `json:"driver_name,omitempty"`
	Vehicle          string  `json:"vehicle,omitempty"`
	PickupETASeconds float64 `json:"pickup_eta_seconds,omitempty"`
}

// RiderUpdate is the payload sent to the rider when matching resolves.
type RiderUpdate struct {
	RequestID string        `json:"request_id"`
	Status    RiderStatus   `json:"status"`
	Message   string        `json:"message"`
	Match     *MatchDetails `json:"match,omitempty"`
}

// Gateway delivers offer and status payloads to end-user devices.
// Delivery guarantees are the gateway's concern; the dispatcher treats
// calls as fire-and-forget.
type Gateway interface {
	OfferToDriver(ctx context.Context, driverID string, offer DriverOffer) error
	NotifyRider(ctx context.Context, riderID string, update RiderUpdate) error
}
