package session

import (
	"fmt"
	"time"

	"github.com/example/campus-dispatch/internal/models"
)

// Phase is the matching lifecycle state of one request.
type Phase string

const (
	PhaseMatching     Phase = "MATCHING"
	PhaseAwaiting     Phase = "AWAITING_CONFIRMATION"
	PhaseBroadcasting Phase = "BROADCASTING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseExpired      Phase = "EXPIRED"
	PhaseCancelled    Phase = "CANCELLED"
)

// Terminal reports whether the phase is a sink.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseExpired || p == PhaseCancelled
}

// transitions enumerates every legal phase edge. Anything absent is
// rejected, which keeps terminal phases as sinks and stops a session
// from re-entering the offer loop after broadcast.
var transitions = map[Phase][]Phase{
	PhaseMatching:     {PhaseAwaiting, PhaseBroadcasting, PhaseCompleted, PhaseExpired, PhaseCancelled},
	PhaseAwaiting:     {PhaseMatching, PhaseBroadcasting, PhaseCompleted, PhaseExpired, PhaseCancelled},
	PhaseBroadcasting: {PhaseAwaiting, PhaseCompleted, PhaseExpired, PhaseCancelled},
}

// ActiveOffer tracks the single outstanding offer for a session.
type ActiveOffer struct {
	DriverID  string    `json:"driver_id"`
	RideID    string    `json:"ride_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Matches reports whether a response or timeout refers to this offer.
func (o *ActiveOffer) Matches(driverID, rideID string) bool {
	return o != nil && o.DriverID == driverID && o.RideID == rideID
}

// Session is the aggregate root for one ride request's matching
// lifecycle. It is mutated exclusively by the dispatcher; per-request
// command ordering makes the read-mutate-persist cycle race-free.
type Session struct {
	RequestID        string             `json:"request_id"`
	Kind             models.RequestKind `json:"kind"`
	Phase            Phase              `json:"phase"`
	Proposals        []models.Proposal  `json:"proposals"`
	NextProposal     int                `json:"next_proposal"`
	Offer            *ActiveOffer       `json:"offer,omitempty"`
	NotifiedDrivers  map[string]bool    `json:"notified_drivers"`
	Deadline         time.Time          `json:"deadline"`
	RequestCreatedAt time.Time          `json:"request_created_at"`
	LastProcessedID  string             `json:"last_processed_id,omitempty"`
}

// New builds a fresh session in the MATCHING phase.
func New(req models.RideRequest, proposals []models.Proposal) *Session {
	return &Session{
		RequestID:        req.ID,
		Kind:             req.Kind,
		Phase:            PhaseMatching,
		Proposals:        proposals,
		NotifiedDrivers:  make(map[string]bool),
		Deadline:         req.Deadline,
		RequestCreatedAt: req.CreatedAt,
	}
}

// Transition moves the session to the target phase, rejecting edges the
// state machine does not allow. JOIN_RIDE sessions never broadcast.
func (s *Session) Transition(to Phase) error {
	if s.Kind == models.KindJoinRide && to == PhaseBroadcasting {
		return fmt.Errorf("session %s: join requests cannot broadcast", s.RequestID)
	}
	for _, allowed := range transitions[s.Phase] {
		if allowed == to {
			s.Phase = to
			if to != PhaseAwaiting {
				s.Offer = nil
			}
			return nil
		}
	}
	return fmt.Errorf("session %s: illegal transition %s -> %s", s.RequestID, s.Phase, to)
}

// BeginOffer records drv+ride as the single outstanding offer and moves
// the session into AWAITING_CONFIRMATION.
func (s *Session) BeginOffer(driverID, rideID string, expiresAt time.Time) error {
	if err := s.Transition(PhaseAwaiting); err != nil {
		return err
	}
	s.Offer = &ActiveOffer{DriverID: driverID, RideID: rideID, ExpiresAt: expiresAt}
	s.NotifiedDrivers[driverID] = true
	return nil
}

// MarkNotified records a driver as having been offered this request,
// sequentially or via broadcast fan-out.
func (s *Session) MarkNotified(driverID string) {
	if s.NotifiedDrivers == nil {
		s.NotifiedDrivers = make(map[string]bool)
	}
	s.NotifiedDrivers[driverID] = true
}

// WasNotified reports whether the driver was already offered this request.
func (s *Session) WasNotified(driverID string) bool {
	return s.NotifiedDrivers[driverID]
}

// HasNext reports whether the proposal cursor has candidates left.
func (s *Session) HasNext() bool {
	return s.NextProposal < len(s.Proposals)
}

// Next pops the next proposal by cursor. Each proposal is returned at
// most once, in the ranking provider's original order.
func (s *Session) Next() (models.Proposal, bool) {
	if !s.HasNext() {
		return models.Proposal{}, false
	}
	p := s.Proposals[s.NextProposal]
	s.NextProposal++
	return p, true
}

// Remaining is the time left of the session's single matching budget.
// The broadcast window is never more than this; the deadline is never
// extended.
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.Deadline.Sub(now)
}

// Duplicate reports whether correlationID was the immediately preceding
// command applied to this session.
func (s *Session) Duplicate(correlationID string) bool {
	return correlationID != "" && s.LastProcessedID == correlationID
}
