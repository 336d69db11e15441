package commands

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the messages flowing through the per-request command
// stream. REQUEST_CREATED shares the stream so that creation, offers,
// responses and timeouts for one request are applied in a single order.
type Type string

const (
	TypeRequestCreated   Type = "REQUEST_CREATED"
	TypeSendNextOffer    Type = "SEND_NEXT_OFFER"
	TypeDriverTimeout    Type = "DRIVER_TIMEOUT"
	TypeDriverResponse   Type = "DRIVER_RESPONSE"
	TypeBroadcastTimeout Type = "BROADCAST_TIMEOUT"
	TypeCancelMatching   Type = "CANCEL_MATCHING"
	TypeDriverInterest   Type = "DRIVER_INTEREST"
)

// Command is the envelope for one dispatch command. CorrelationID is the
// idempotency token compared against the session's last processed id.
type Command struct {
	RequestID     string    `json:"request_id"`
	Type          Type      `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	DriverID      string    `json:"driver_id,omitempty"`
	RideID        string    `json:"ride_id,omitempty"`
	Broadcast     bool      `json:"broadcast,omitempty"`
	Accepted      bool      `json:"accepted,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"` // REQUEST_CREATED only
}

// New stamps a fresh correlation id onto a command for the given request.
func New(requestID string, t Type) Command {
	return Command{RequestID: requestID, Type: t, CorrelationID: uuid.NewString()}
}
