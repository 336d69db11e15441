package dispatch

import (
	"context"
	"fmt"

	"github.com/example/campus-dispatch/internal/commands"
	"github.com/example/campus-dispatch/internal/models"
	"github.com/example/campus-dispatch/internal/notify"
	"github.com/example/campus-dispatch/internal/observability"
	"github.com/example/campus-dispatch/internal/session"
)

// tryBroadcast escalates a booking whose sequential candidates are
// exhausted: fan the offer out to every eligible driver not yet asked,
// for whatever time remains of the original budget. Returns false when
// broadcast cannot start, leaving the caller on the unmatched path; a
// non-nil error means the broadcast timer could not be armed and the
// command must be redelivered.
func (d *Dispatcher) tryBroadcast(ctx context.Context, s *session.Session, req *models.RideRequest) (bool, error) {
	if s.Phase.Terminal() || s.Phase == session.PhaseBroadcasting {
		return false, nil
	}
	if !req.Status.Matchable() {
		return false, nil
	}
	remaining := s.Remaining(d.now())
	if remaining <= 0 {
		return false, nil
	}

	fanout := d.BroadcastFanout
	if fanout <= 0 {
		fanout = 50
	}
	nearby := d.Drivers.Nearby(req.Origin.Lat, req.Origin.Lon, fanout)
	eligible := make([]models.Driver, 0, len(nearby))
	for _, drv := range nearby {
		if drv.RideID == "" {
			// nothing posted to offer seats on
			continue
		}
		if s.WasNotified(drv.ID) {
			continue
		}
		eligible = append(eligible, drv)
	}
	if len(eligible) == 0 {
		return false, nil
	}

	// Arm the window timer before transitioning or fanning out. A timer
	// firing on a session that never reached BROADCASTING is dropped by
	// the phase guard; a broadcast with no timer never resolves.
	timeout := commands.New(s.RequestID, commands.TypeBroadcastTimeout)
	if err := d.Timers.Schedule(ctx, timeout, s.Deadline); err != nil {
		return false, retryable(fmt.Errorf("arm broadcast timer for request %s: %w", s.RequestID, err))
	}

	if err := s.Transition(session.PhaseBroadcasting); err != nil {
		d.Logger.Error("broadcast transition failed", "request_id", s.RequestID, "error", err)
		return false, nil
	}
	if err := d.Requests.UpdateRequestStatus(req.ID, models.RequestBroadcasting); err != nil {
		d.Logger.Error("request status update failed", "request_id", req.ID, "error", err)
	}

	for _, drv := range eligible {
		offer := notify.DriverOffer{
			RequestID:       req.ID,
			RideID:          drv.RideID,
			DriverID:        drv.ID,
			RiderID:         req.RiderID,
			RiderName:       req.RiderName,
			PickupLabel:     req.PickupLabel,
			DropoffLabel:    req.DropoffLabel,
			RequestedPickup: req.RequestedPickupAt,
			FareCents:       req.FareCents,
			Broadcast:       true,
			ExpiresAt:       s.Deadline, // remaining budget, never a fresh window
		}
		if err := d.Notifier.OfferToDriver(ctx, drv.ID, offer); err != nil {
			d.Logger.Warn("broadcast offer delivery failed", "request_id", req.ID, "driver_id", drv.ID, "error", err)
		}
		s.MarkNotified(drv.ID)
		observability.OffersSent.Inc()
	}

	observability.BroadcastsStarted.Inc()
	d.Logger.Info("broadcast started", "request_id", s.RequestID, "drivers", len(eligible), "window", remaining)
	return true, nil
}
