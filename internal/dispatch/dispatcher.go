package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/campus-dispatch/internal/commands"
	"github.com/example/campus-dispatch/internal/funds"
	"github.com/example/campus-dispatch/internal/geo"
	"github.com/example/campus-dispatch/internal/models"
	"github.com/example/campus-dispatch/internal/notify"
	"github.com/example/campus-dispatch/internal/observability"
	"github.com/example/campus-dispatch/internal/rank"
	"github.com/example/campus-dispatch/internal/session"
	"github.com/example/campus-dispatch/internal/storage"
)

// Dispatcher owns the matching state machine for ride requests. It is
// driven entirely by the per-request command stream: consumption order
// within one request is the only synchronization, so handlers run a full
// read-mutate-persist cycle with no locking.
type Dispatcher struct {
	Sessions session.Store
	Requests storage.RequestStore
	Ranker   rank.Provider
	Drivers  geo.Index
	Bus      commands.Bus
	Timers   commands.Scheduler
	Notifier notify.Gateway
	Funds    funds.Coordinator
	Logger   *slog.Logger

	OfferTimeout    time.Duration
	SessionTTL      time.Duration
	SkewTolerance   time.Duration
	BroadcastFanout int

	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) skew() time.Duration {
	if d.SkewTolerance > 0 {
		return d.SkewTolerance
	}
	return 5 * time.Second
}

// retryableError marks a failure that must leave the message uncommitted
// for redelivery: the mutated session was not persisted, so replaying the
// command starts over from the stored state.
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func retryable(err error) error { return retryableError{err: err} }

// Handle applies one command. A non-nil return means the command did not
// take effect and the message should be left for redelivery: the session
// store could not be read, or a timer or follow-up command could not be
// enqueued. Every other failure is logged here and swallowed so the
// consumer keeps moving.
func (d *Dispatcher) Handle(ctx context.Context, cmd commands.Command) error {
	start := d.now()
	observability.CommandsProcessed.WithLabelValues(string(cmd.Type)).Inc()
	defer func() {
		observability.CommandDuration.Observe(time.Since(start).Seconds())
		if rec := recover(); rec != nil {
			d.Logger.Error("panic in command handler",
				"request_id", cmd.RequestID, "type", cmd.Type, "panic", rec)
		}
	}()

	if cmd.Type == commands.TypeRequestCreated {
		return d.handleRequestCreated(ctx, cmd)
	}

	s, err := d.Sessions.Get(ctx, cmd.RequestID)
	if err != nil {
		d.Logger.Error("session read failed", "request_id", cmd.RequestID, "type", cmd.Type, "error", err)
		return err
	}
	if s == nil {
		d.Logger.Debug("command for unknown session dropped", "request_id", cmd.RequestID, "type", cmd.Type)
		return nil
	}
	if s.Duplicate(cmd.CorrelationID) {
		d.Logger.Debug("duplicate command dropped",
			"request_id", cmd.RequestID, "type", cmd.Type, "correlation_id", cmd.CorrelationID)
		return nil
	}
	if s.Phase.Terminal() {
		return nil
	}

	var herr error
	switch cmd.Type {
	case commands.TypeSendNextOffer:
		herr = d.sendNextOffer(ctx, s)
	case commands.TypeDriverTimeout:
		herr = d.handleDriverTimeout(ctx, s, cmd)
	case commands.TypeDriverResponse:
		herr = d.handleDriverResponse(ctx, s, cmd)
	case commands.TypeBroadcastTimeout:
		herr = d.handleBroadcastTimeout(ctx, s)
	case commands.TypeCancelMatching:
		herr = d.handleCancel(ctx, s)
	case commands.TypeDriverInterest:
		herr = d.handleDriverInterest(s, cmd)
	default:
		d.Logger.Warn("unknown command type dropped", "request_id", cmd.RequestID, "type", cmd.Type)
		return nil
	}
	if herr != nil {
		var re retryableError
		if errors.As(herr, &re) {
			// nothing was persisted; redelivery replays the command
			d.Logger.Error("command failed, leaving for redelivery",
				"request_id", cmd.RequestID, "type", cmd.Type, "correlation_id", cmd.CorrelationID, "error", herr)
			return herr
		}
		// one request's outcome degrades, the consumer keeps moving
		d.Logger.Error("command handling failed",
			"request_id", cmd.RequestID, "type", cmd.Type, "correlation_id", cmd.CorrelationID, "error", herr)
	}

	s.LastProcessedID = cmd.CorrelationID
	if err := d.Sessions.Put(ctx, s, d.SessionTTL); err != nil {
		d.Logger.Error("session persist failed", "request_id", s.RequestID, "error", err)
	}
	return nil
}

// handleRequestCreated starts (or restarts) matching for a request.
func (d *Dispatcher) handleRequestCreated(ctx context.Context, cmd commands.Command) error {
	existing, err := d.Sessions.Get(ctx, cmd.RequestID)
	if err != nil {
		d.Logger.Error("session read failed", "request_id", cmd.RequestID, "error", err)
		return err
	}
	if existing != nil {
		// A session left by a superseded creation event is stale when
		// the incoming event is newer by more than the skew tolerance.
		if cmd.CreatedAt.Sub(existing.RequestCreatedAt) > d.skew() {
			d.Logger.Info("purging stale session", "request_id", cmd.RequestID,
				"session_created_at", existing.RequestCreatedAt, "event_created_at", cmd.CreatedAt)
			if err := d.Sessions.Delete(ctx, cmd.RequestID); err != nil {
				d.Logger.Error("stale session delete failed", "request_id", cmd.RequestID, "error", err)
				return err
			}
		} else {
			d.Logger.Debug("duplicate creation event dropped", "request_id", cmd.RequestID)
			return nil
		}
	}

	req, err := d.Requests.GetRequest(cmd.RequestID)
	if err != nil {
		d.Logger.Error("request read failed", "request_id", cmd.RequestID, "error", err)
		return nil
	}
	if req == nil {
		d.Logger.Warn("creation event for missing request dropped", "request_id", cmd.RequestID)
		return nil
	}
	if !req.Status.Matchable() {
		d.Logger.Debug("request not matchable, ignoring", "request_id", req.ID, "status", req.Status)
		return nil
	}

	switch req.Kind {
	case models.KindJoinRide:
		return d.startJoinRide(ctx, req)
	default:
		return d.startBooking(ctx, req)
	}
}

func (d *Dispatcher) startBooking(ctx context.Context, req *models.RideRequest) error {
	proposals, err := d.Ranker.FindMatches(ctx, *req)
	if err != nil {
		d.Logger.Error("ranking failed", "request_id", req.ID, "error", err)
		proposals = nil
	}
	s := session.New(*req, proposals)

	if len(proposals) == 0 {
		// no sequential candidates at all: straight to broadcast,
		// or straight to no-match
		started, err := d.tryBroadcast(ctx, s, req)
		if err != nil {
			return err
		}
		if !started {
			d.markUnmatched(ctx, s, req)
		}
		if err := d.Sessions.Put(ctx, s, d.SessionTTL); err != nil {
			d.Logger.Error("session persist failed", "request_id", s.RequestID, "error", err)
		}
		return nil
	}

	if err := d.Sessions.Put(ctx, s, d.SessionTTL); err != nil {
		d.Logger.Error("session persist failed", "request_id", s.RequestID, "error", err)
		return err
	}
	next := commands.New(req.ID, commands.TypeSendNextOffer)
	if err := d.Bus.Publish(ctx, next); err != nil {
		d.Logger.Error("offer enqueue failed", "request_id", req.ID, "error", err)
	}
	d.Logger.Info("matching started", "request_id", req.ID, "candidates", len(proposals))
	return nil
}

func (d *Dispatcher) startJoinRide(ctx context.Context, req *models.RideRequest) error {
	ride, err := d.Requests.GetRide(req.TargetRideID)
	if err != nil {
		d.Logger.Error("ride read failed", "request_id", req.ID, "ride_id", req.TargetRideID, "error", err)
		return nil
	}
	if ride == nil {
		d.Logger.Warn("join target ride not found, abandoning", "request_id", req.ID, "ride_id", req.TargetRideID)
		return nil
	}

	s := session.New(*req, nil)
	expiresAt := d.offerExpiry(s)
	if err := d.dispatchOffer(ctx, s, req, ride.DriverID, ride.ID, 0, expiresAt); err != nil {
		return err
	}
	if err := d.Sessions.Put(ctx, s, d.SessionTTL); err != nil {
		d.Logger.Error("session persist failed", "request_id", s.RequestID, "error", err)
		return err
	}
	d.Logger.Info("join matching started", "request_id", req.ID, "driver_id", ride.DriverID)
	return nil
}

// sendNextOffer pops the cursor and offers to the next resolvable
// driver. One unresolvable candidate is skipped, never fatal.
func (d *Dispatcher) sendNextOffer(ctx context.Context, s *session.Session) error {
	req, err := d.Requests.GetRequest(s.RequestID)
	if err != nil || req == nil {
		return fmt.Errorf("request %s unavailable: %w", s.RequestID, err)
	}
	if s.Remaining(d.now()) <= 0 {
		d.markUnmatched(ctx, s, req)
		return nil
	}
	for {
		p, ok := s.Next()
		if !ok {
			return d.noMoreCandidates(ctx, s, req)
		}
		drv, found := d.Drivers.Driver(p.DriverID)
		if !found || !drv.Online {
			d.Logger.Debug("candidate driver unavailable, skipping",
				"request_id", s.RequestID, "driver_id", p.DriverID, "rank", p.Rank)
			continue
		}
		expiresAt := d.offerExpiry(s)
		if err := d.dispatchOffer(ctx, s, req, p.DriverID, p.RideID, p.Rank, expiresAt); err != nil {
			return err
		}
		return nil
	}
}

// dispatchOffer notifies one driver, records the active offer, and arms
// the response timer. Arming the timer for the same request supersedes
// any previous one.
func (d *Dispatcher) dispatchOffer(ctx context.Context, s *session.Session, req *models.RideRequest, driverID, rideID string, rnk int, expiresAt time.Time) error {
	// Arm the timer before touching the session or the driver. A timer
	// with no recorded offer fires into the offer-match guard and is
	// dropped; a recorded offer with no timer strands the session.
	timeout := commands.New(s.RequestID, commands.TypeDriverTimeout)
	timeout.DriverID = driverID
	timeout.RideID = rideID
	if err := d.Timers.Schedule(ctx, timeout, expiresAt); err != nil {
		return retryable(fmt.Errorf("arm offer timer for request %s: %w", s.RequestID, err))
	}

	offer := notify.DriverOffer{
		RequestID:       req.ID,
		RideID:          rideID,
		DriverID:        driverID,
		RiderID:         req.RiderID,
		RiderName:       req.RiderName,
		PickupLabel:     req.PickupLabel,
		DropoffLabel:    req.DropoffLabel,
		RequestedPickup: req.RequestedPickupAt,
		FareCents:       req.FareCents,
		Rank:            rnk,
		ExpiresAt:       expiresAt,
	}
	if err := d.Notifier.OfferToDriver(ctx, driverID, offer); err != nil {
		d.Logger.Warn("driver offer delivery failed", "request_id", req.ID, "driver_id", driverID, "error", err)
	}
	if err := s.BeginOffer(driverID, rideID, expiresAt); err != nil {
		return err
	}
	observability.OffersSent.Inc()
	d.Logger.Info("offer sent", "request_id", s.RequestID, "driver_id", driverID, "ride_id", rideID, "expires_at", expiresAt)
	return nil
}

// offerExpiry caps the per-offer window at the session deadline; the
// deadline is never extended.
func (d *Dispatcher) offerExpiry(s *session.Session) time.Time {
	exp := d.now().Add(d.OfferTimeout)
	if exp.After(s.Deadline) {
		return s.Deadline
	}
	return exp
}

func (d *Dispatcher) handleDriverTimeout(ctx context.Context, s *session.Session, cmd commands.Command) error {
	if !s.Offer.Matches(cmd.DriverID, cmd.RideID) {
		// fired after a response landed or the offer was superseded
		d.Logger.Debug("stale offer timeout dropped", "request_id", s.RequestID, "driver_id", cmd.DriverID)
		return nil
	}
	observability.DriverTimeouts.Inc()
	d.Logger.Info("offer timed out", "request_id", s.RequestID, "driver_id", cmd.DriverID)
	return d.advancePastOffer(ctx, s)
}

// advancePastOffer leaves the current offer behind: a join request has
// no next candidate and expires, a booking moves to the next one.
func (d *Dispatcher) advancePastOffer(ctx context.Context, s *session.Session) error {
	s.Offer = nil
	if s.Kind == models.KindJoinRide {
		req, err := d.Requests.GetRequest(s.RequestID)
		if err != nil || req == nil {
			return fmt.Errorf("request %s unavailable: %w", s.RequestID, err)
		}
		d.markUnmatched(ctx, s, req)
		return nil
	}
	if err := s.Transition(session.PhaseMatching); err != nil {
		return err
	}
	next := commands.New(s.RequestID, commands.TypeSendNextOffer)
	if err := d.Bus.Publish(ctx, next); err != nil {
		return retryable(fmt.Errorf("enqueue next offer for request %s: %w", s.RequestID, err))
	}
	return nil
}

func (d *Dispatcher) handleDriverResponse(ctx context.Context, s *session.Session, cmd commands.Command) error {
	if cmd.Broadcast {
		// broadcast acceptances are scoped to the broadcast phase; the
		// flag comes from the client and must not bypass the active
		// offer while a sequential candidate still holds it
		if s.Phase != session.PhaseBroadcasting {
			d.Logger.Debug("broadcast response outside broadcast phase dropped",
				"request_id", s.RequestID, "driver_id", cmd.DriverID, "phase", s.Phase)
			return nil
		}
		if !s.WasNotified(cmd.DriverID) {
			d.Logger.Debug("broadcast response from unoffered driver dropped",
				"request_id", s.RequestID, "driver_id", cmd.DriverID)
			return nil
		}
		if !cmd.Accepted {
			// broadcast declines carry no information; others may still accept
			return nil
		}
	} else {
		if !s.Offer.Matches(cmd.DriverID, cmd.RideID) {
			d.Logger.Debug("late or mismatched response dropped",
				"request_id", s.RequestID, "driver_id", cmd.DriverID, "ride_id", cmd.RideID)
			return nil
		}
		if !cmd.Accepted {
			observability.DriverResponses.WithLabelValues("false").Inc()
			d.Logger.Info("offer declined", "request_id", s.RequestID, "driver_id", cmd.DriverID)
			return d.advancePastOffer(ctx, s)
		}
	}
	return d.completeMatch(ctx, s, cmd)
}

// completeMatch is the single success path for both flows.
func (d *Dispatcher) completeMatch(ctx context.Context, s *session.Session, cmd commands.Command) error {
	if err := s.Transition(session.PhaseCompleted); err != nil {
		return err
	}
	observability.DriverResponses.WithLabelValues("true").Inc()
	observability.SessionsTerminal.WithLabelValues("completed").Inc()

	d.cancelTimers(ctx, s.RequestID)
	if err := d.Requests.UpdateRequestStatus(s.RequestID, models.RequestMatched); err != nil {
		d.Logger.Error("request status update failed", "request_id", s.RequestID, "error", err)
	}

	req, err := d.Requests.GetRequest(s.RequestID)
	if err != nil || req == nil {
		return fmt.Errorf("request %s unavailable after match: %w", s.RequestID, err)
	}
	update := d.buildSuccessUpdate(s, cmd)
	if err := d.Notifier.NotifyRider(ctx, req.RiderID, update); err != nil {
		d.Logger.Warn("rider notification failed", "request_id", s.RequestID, "error", err)
	}
	d.Logger.Info("request matched", "request_id", s.RequestID, "driver_id", cmd.DriverID, "ride_id", cmd.RideID, "broadcast", cmd.Broadcast)
	return nil
}

// buildSuccessUpdate picks the payload variant: join success, a full
// match payload when the accepted proposal is tracked, or a generic
// lifecycle acceptance for an untracked broadcast acceptance.
func (d *Dispatcher) buildSuccessUpdate(s *session.Session, cmd commands.Command) notify.RiderUpdate {
	details := &notify.MatchDetails{RideID: cmd.RideID, DriverID: cmd.DriverID}
	if drv, ok := d.Drivers.Driver(cmd.DriverID); ok {
		details.DriverName = drv.Name
		details.Vehicle = drv.Vehicle
	}

	if s.Kind == models.KindJoinRide {
		return notify.RiderUpdate{
			RequestID: s.RequestID,
			Status:    notify.StatusAccepted,
			Message:   "Your request to join the ride was accepted.",
			Match:     details,
		}
	}
	for _, p := range s.Proposals {
		if p.DriverID == cmd.DriverID && p.RideID == cmd.RideID {
			details.PickupETASeconds = p.PickupETASeconds
			return notify.RiderUpdate{
				RequestID: s.RequestID,
				Status:    notify.StatusAccepted,
				Message:   "A driver accepted your ride request.",
				Match:     details,
			}
		}
	}
	// broadcast acceptance with no tracked proposal
	return notify.RiderUpdate{
		RequestID: s.RequestID,
		Status:    notify.StatusLifecycle,
		Message:   "Your ride request was accepted.",
		Match:     details,
	}
}

func (d *Dispatcher) handleBroadcastTimeout(ctx context.Context, s *session.Session) error {
	if s.Phase != session.PhaseBroadcasting {
		d.Logger.Debug("broadcast timeout outside broadcast phase dropped", "request_id", s.RequestID, "phase", s.Phase)
		return nil
	}
	req, err := d.Requests.GetRequest(s.RequestID)
	if err != nil || req == nil {
		return fmt.Errorf("request %s unavailable: %w", s.RequestID, err)
	}
	d.Logger.Info("broadcast window elapsed", "request_id", s.RequestID)
	d.markUnmatched(ctx, s, req)
	return nil
}

func (d *Dispatcher) handleCancel(ctx context.Context, s *session.Session) error {
	if err := s.Transition(session.PhaseCancelled); err != nil {
		return err
	}
	observability.SessionsTerminal.WithLabelValues("cancelled").Inc()
	d.cancelTimers(ctx, s.RequestID)
	if err := d.Requests.UpdateRequestStatus(s.RequestID, models.RequestCancelled); err != nil {
		d.Logger.Error("request status update failed", "request_id", s.RequestID, "error", err)
	}
	req, err := d.Requests.GetRequest(s.RequestID)
	if err == nil && req != nil {
		d.releaseHold(ctx, req, "cancelled_by_rider")
	}
	d.Logger.Info("matching cancelled", "request_id", s.RequestID)
	return nil
}

// handleDriverInterest adds a driver claiming a broadcasting request to
// the notified set so a later response passes validation.
func (d *Dispatcher) handleDriverInterest(s *session.Session, cmd commands.Command) error {
	if s.Phase != session.PhaseBroadcasting {
		d.Logger.Debug("driver interest outside broadcast phase dropped",
			"request_id", s.RequestID, "driver_id", cmd.DriverID, "phase", s.Phase)
		return nil
	}
	s.MarkNotified(cmd.DriverID)
	d.Logger.Info("driver claimed broadcast", "request_id", s.RequestID, "driver_id", cmd.DriverID)
	return nil
}

// noMoreCandidates is the exhaustion handler: escalate to broadcast when
// the flow permits, otherwise give up.
func (d *Dispatcher) noMoreCandidates(ctx context.Context, s *session.Session, req *models.RideRequest) error {
	if s.Kind == models.KindBooking {
		started, err := d.tryBroadcast(ctx, s, req)
		if err != nil {
			return err
		}
		if started {
			return nil
		}
	}
	d.markUnmatched(ctx, s, req)
	return nil
}

// markUnmatched is the single terminal-failure path: expire, release the
// fare hold, tell the rider.
func (d *Dispatcher) markUnmatched(ctx context.Context, s *session.Session, req *models.RideRequest) {
	if err := s.Transition(session.PhaseExpired); err != nil {
		d.Logger.Error("expire transition failed", "request_id", s.RequestID, "error", err)
		return
	}
	observability.SessionsTerminal.WithLabelValues("expired").Inc()
	d.cancelTimers(ctx, s.RequestID)
	if err := d.Requests.UpdateRequestStatus(req.ID, models.RequestExpired); err != nil {
		d.Logger.Error("request status update failed", "request_id", req.ID, "error", err)
	}
	d.releaseHold(ctx, req, "no_match")

	update := notify.RiderUpdate{RequestID: req.ID}
	if s.Kind == models.KindJoinRide {
		update.Status = notify.StatusJoinFailed
		update.Message = "The driver did not respond to your join request."
	} else {
		update.Status = notify.StatusNoMatch
		update.Message = "No driver is available for your request right now."
	}
	if err := d.Notifier.NotifyRider(ctx, req.RiderID, update); err != nil {
		d.Logger.Warn("rider notification failed", "request_id", req.ID, "error", err)
	}
	d.Logger.Info("request unmatched", "request_id", req.ID, "kind", s.Kind)
}

func (d *Dispatcher) releaseHold(ctx context.Context, req *models.RideRequest, reason string) {
	if err := d.Funds.ReleaseHold(ctx, req.RiderID, req.ID, reason); err != nil {
		d.Logger.Error("fund hold release failed", "request_id", req.ID, "reason", reason, "error", err)
	}
}

func (d *Dispatcher) cancelTimers(ctx context.Context, requestID string) {
	if err := d.Timers.Cancel(ctx, requestID, commands.TypeDriverTimeout); err != nil {
		d.Logger.Warn("offer timer cancel failed", "request_id", requestID, "error", err)
	}
	if err := d.Timers.Cancel(ctx, requestID, commands.TypeBroadcastTimeout); err != nil {
		d.Logger.Warn("broadcast timer cancel failed", "request_id", requestID, "error", err)
	}
}
