package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-dispatch/internal/commands"
	"github.com/example/campus-dispatch/internal/geo"
	"github.com/example/campus-dispatch/internal/models"
	"github.com/example/campus-dispatch/internal/notify"
	"github.com/example/campus-dispatch/internal/session"
	"github.com/example/campus-dispatch/internal/storage"
)

type fakeRanker struct{ proposals []models.Proposal }

func (f *fakeRanker) FindMatches(ctx context.Context, req models.RideRequest) ([]models.Proposal, error) {
	return f.proposals, nil
}

type fakeBus struct{ queue []commands.Command }

func (f *fakeBus) Publish(ctx context.Context, cmd commands.Command) error {
	f.queue = append(f.queue, cmd)
	return nil
}

func (f *fakeBus) pop() (commands.Command, bool) {
	if len(f.queue) == 0 {
		return commands.Command{}, false
	}
	cmd := f.queue[0]
	f.queue = f.queue[1:]
	return cmd, true
}

type scheduledTimer struct {
	cmd commands.Command
	at  time.Time
}

type fakeTimers struct {
	scheduled   []scheduledTimer
	cancelled   []string
	scheduleErr error
}

func (f *fakeTimers) Schedule(ctx context.Context, cmd commands.Command, at time.Time) error {
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.scheduled = append(f.scheduled, scheduledTimer{cmd, at})
	return nil
}

func (f *fakeTimers) Cancel(ctx context.Context, requestID string, t commands.Type) error {
	f.cancelled = append(f.cancelled, requestID+"|"+string(t))
	return nil
}

func (f *fakeTimers) last(t commands.Type) (scheduledTimer, bool) {
	for i := len(f.scheduled) - 1; i >= 0; i-- {
		if f.scheduled[i].cmd.Type == t {
			return f.scheduled[i], true
		}
	}
	return scheduledTimer{}, false
}

type fakeGateway struct {
	offers  []notify.DriverOffer
	updates []notify.RiderUpdate
}

func (f *fakeGateway) OfferToDriver(ctx context.Context, driverID string, offer notify.DriverOffer) error {
	f.offers = append(f.offers, offer)
	return nil
}

func (f *fakeGateway) NotifyRider(ctx context.Context, riderID string, update notify.RiderUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

type fakeFunds struct{ released []string }

func (f *fakeFunds) PlaceHold(ctx context.Context, riderID string, amountCents int64, currency string) (string, error) {
	return "hold-1", nil
}

func (f *fakeFunds) ReleaseHold(ctx context.Context, riderID, requestID, reason string) error {
	f.released = append(f.released, requestID+":"+reason)
	return nil
}

func (f *fakeFunds) CaptureHold(ctx context.Context, holdID string) error { return nil }

type harness struct {
	d        *Dispatcher
	sessions *session.MemoryStore
	store    *storage.MemoryStore
	bus      *fakeBus
	timers   *fakeTimers
	gateway  *fakeGateway
	funds    *fakeFunds
	now      time.Time
}

func newHarness(t *testing.T, proposals []models.Proposal) *harness {
	t.Helper()
	h := &harness{
		sessions: session.NewMemoryStore(),
		store:    storage.NewMemoryStore(),
		bus:      &fakeBus{},
		timers:   &fakeTimers{},
		gateway:  &fakeGateway{},
		funds:    &fakeFunds{},
		now:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	h.d = &Dispatcher{
		Sessions:        h.sessions,
		Requests:        h.store,
		Ranker:          &fakeRanker{proposals: proposals},
		Drivers:         geo.NewMemoryIndex(),
		Bus:             h.bus,
		Timers:          h.timers,
		Notifier:        h.gateway,
		Funds:           h.funds,
		Logger:          slog.Default(),
		OfferTimeout:    25 * time.Second,
		SessionTTL:      30 * time.Minute,
		SkewTolerance:   5 * time.Second,
		BroadcastFanout: 50,
		Now:             func() time.Time { return h.now },
	}
	return h
}

func (h *harness) addDriver(id, rideID string) {
	h.d.Drivers.Upsert(models.Driver{ID: id, Name: "Driver " + id, Vehicle: "Civic", Rating: 4.5, Online: true, RideID: rideID})
}

func (h *harness) addRequest(t *testing.T, req models.RideRequest) models.RideRequest {
	t.Helper()
	if req.Status == "" {
		req.Status = models.RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = h.now
	}
	if req.Deadline.IsZero() {
		req.Deadline = h.now.Add(3 * time.Minute)
	}
	require.NoError(t, h.store.SaveRequest(&req))
	return req
}

// drain processes bus-published commands in order, the way the single
// partition consumer would.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		cmd, ok := h.bus.pop()
		if !ok {
			return
		}
		require.NoError(t, h.d.Handle(context.Background(), cmd))
	}
}

func (h *harness) created(t *testing.T, req models.RideRequest) {
	t.Helper()
	cmd := commands.New(req.ID, commands.TypeRequestCreated)
	cmd.CreatedAt = req.CreatedAt
	require.NoError(t, h.d.Handle(context.Background(), cmd))
	h.drain(t)
}

// fireTimer replays the latest scheduled timer of the given type back
// through the dispatcher, simulating the scheduler drain.
func (h *harness) fireTimer(t *testing.T, typ commands.Type) {
	t.Helper()
	st, ok := h.timers.last(typ)
	require.True(t, ok, "no %s timer scheduled", typ)
	h.now = st.at
	require.NoError(t, h.d.Handle(context.Background(), st.cmd))
	h.drain(t)
}

func (h *harness) respond(t *testing.T, requestID, driverID, rideID string, accepted, broadcast bool) commands.Command {
	t.Helper()
	cmd := commands.New(requestID, commands.TypeDriverResponse)
	cmd.DriverID = driverID
	cmd.RideID = rideID
	cmd.Accepted = accepted
	cmd.Broadcast = broadcast
	require.NoError(t, h.d.Handle(context.Background(), cmd))
	h.drain(t)
	return cmd
}

func (h *harness) session(t *testing.T, requestID string) *session.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), requestID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func bookingProposals() []models.Proposal {
	return []models.Proposal{
		{RideID: "ride-1", DriverID: "d1", Rank: 1, PickupETASeconds: 120},
		{RideID: "ride-2", DriverID: "d2", Rank: 2, PickupETASeconds: 180},
		{RideID: "ride-3", DriverID: "d3", Rank: 3, PickupETASeconds: 240},
	}
}

func TestBookingThirdCandidateAccepts(t *testing.T) {
	h := newHarness(t, bookingProposals())
	for i, id := range []string{"d1", "d2", "d3"} {
		h.addDriver(id, bookingProposals()[i].RideID)
	}
	req := h.addRequest(t, models.RideRequest{ID: "req-1", RiderID: "rider-1", RiderName: "Ana", Kind: models.KindBooking})

	h.created(t, req)
	s := h.session(t, req.ID)
	require.Equal(t, session.PhaseAwaiting, s.Phase)
	require.Equal(t, "d1", s.Offer.DriverID)

	h.fireTimer(t, commands.TypeDriverTimeout)
	require.Equal(t, "d2", h.session(t, req.ID).Offer.DriverID)

	h.fireTimer(t, commands.TypeDriverTimeout)
	require.Equal(t, "d3", h.session(t, req.ID).Offer.DriverID)

	h.respond(t, req.ID, "d3", "ride-3", true, false)

	s = h.session(t, req.ID)
	assert.Equal(t, session.PhaseCompleted, s.Phase)
	require.Len(t, h.gateway.updates, 1)
	upd := h.gateway.updates[0]
	assert.Equal(t, notify.StatusAccepted, upd.Status)
	require.NotNil(t, upd.Match)
	assert.Equal(t, "d3", upd.Match.DriverID)
	assert.Equal(t, "Driver d3", upd.Match.DriverName)
	assert.Empty(t, h.funds.released)

	got, err := h.store.GetRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestMatched, got.Status)
}

func TestBookingNoCandidatesBroadcastsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("b1", "ride-b1")
	h.addDriver("b2", "ride-b2")
	req := h.addRequest(t, models.RideRequest{ID: "req-2", RiderID: "rider-2", Kind: models.KindBooking})

	h.created(t, req)

	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseBroadcasting, s.Phase)
	assert.Len(t, h.gateway.offers, 2)
	assert.True(t, s.WasNotified("b1"))
	assert.True(t, s.WasNotified("b2"))

	got, err := h.store.GetRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestBroadcasting, got.Status)

	h.respond(t, req.ID, "b2", "ride-b2", true, true)

	s = h.session(t, req.ID)
	assert.Equal(t, session.PhaseCompleted, s.Phase)
	require.Len(t, h.gateway.updates, 1)
	assert.Equal(t, notify.StatusLifecycle, h.gateway.updates[0].Status)
	assert.Empty(t, h.funds.released)
}

func TestBookingAllTimeOutNoBroadcastDrivers(t *testing.T) {
	proposals := bookingProposals()[:2]
	h := newHarness(t, proposals)
	h.addDriver("d1", "ride-1")
	h.addDriver("d2", "ride-2")
	req := h.addRequest(t, models.RideRequest{ID: "req-3", RiderID: "rider-3", Kind: models.KindBooking})

	h.created(t, req)
	h.fireTimer(t, commands.TypeDriverTimeout)
	h.fireTimer(t, commands.TypeDriverTimeout)

	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseExpired, s.Phase)
	require.Len(t, h.funds.released, 1)
	assert.Equal(t, "req-3:no_match", h.funds.released[0])
	require.Len(t, h.gateway.updates, 1)
	assert.Equal(t, notify.StatusNoMatch, h.gateway.updates[0].Status)

	got, err := h.store.GetRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestExpired, got.Status)
}

func TestJoinRideDriverTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("host", "ride-join")
	require.NoError(t, h.store.SaveRide(&models.Ride{ID: "ride-join", DriverID: "host", Status: "posted", SeatsFree: 2}))
	req := h.addRequest(t, models.RideRequest{ID: "req-4", RiderID: "rider-4", Kind: models.KindJoinRide, TargetRideID: "ride-join"})

	h.created(t, req)
	s := h.session(t, req.ID)
	require.Equal(t, session.PhaseAwaiting, s.Phase)
	require.Equal(t, "host", s.Offer.DriverID)
	require.Len(t, h.gateway.offers, 1)

	h.fireTimer(t, commands.TypeDriverTimeout)

	s = h.session(t, req.ID)
	assert.Equal(t, session.PhaseExpired, s.Phase)
	require.Len(t, h.funds.released, 1)
	require.Len(t, h.gateway.updates, 1)
	assert.Equal(t, notify.StatusJoinFailed, h.gateway.updates[0].Status)
}

func TestStaleSessionPurgedOnNewerCreation(t *testing.T) {
	h := newHarness(t, bookingProposals()[:1])
	h.addDriver("d1", "ride-1")

	stale := session.New(models.RideRequest{ID: "req-5", Kind: models.KindBooking, CreatedAt: h.now.Add(-time.Minute), Deadline: h.now.Add(time.Minute)}, nil)
	require.NoError(t, h.sessions.Put(context.Background(), stale, time.Hour))

	req := h.addRequest(t, models.RideRequest{ID: "req-5", RiderID: "rider-5", Kind: models.KindBooking, CreatedAt: h.now})
	h.created(t, req)

	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseAwaiting, s.Phase)
	assert.Equal(t, h.now, s.RequestCreatedAt)
	assert.Len(t, s.Proposals, 1)
}

func TestDuplicateCreationWithinSkewIgnored(t *testing.T) {
	h := newHarness(t, bookingProposals()[:1])
	h.addDriver("d1", "ride-1")
	req := h.addRequest(t, models.RideRequest{ID: "req-6", RiderID: "rider-6", Kind: models.KindBooking})

	h.created(t, req)
	offersBefore := len(h.gateway.offers)

	// redelivered creation event, same timestamp
	h.created(t, req)
	assert.Equal(t, offersBefore, len(h.gateway.offers))
}

func TestDuplicateDriverResponseIsNoOp(t *testing.T) {
	h := newHarness(t, bookingProposals()[:1])
	h.addDriver("d1", "ride-1")
	req := h.addRequest(t, models.RideRequest{ID: "req-7", RiderID: "rider-7", Kind: models.KindBooking})

	h.created(t, req)
	cmd := h.respond(t, req.ID, "d1", "ride-1", true, false)
	require.Len(t, h.gateway.updates, 1)

	// exact duplicate delivery, same correlation id
	require.NoError(t, h.d.Handle(context.Background(), cmd))
	h.drain(t)
	assert.Len(t, h.gateway.updates, 1)
	assert.Equal(t, session.PhaseCompleted, h.session(t, req.ID).Phase)
}

func TestLateTimeoutAfterResponseIgnored(t *testing.T) {
	h := newHarness(t, bookingProposals()[:2])
	h.addDriver("d1", "ride-1")
	h.addDriver("d2", "ride-2")
	req := h.addRequest(t, models.RideRequest{ID: "req-8", RiderID: "rider-8", Kind: models.KindBooking})

	h.created(t, req)
	h.respond(t, req.ID, "d1", "ride-1", true, false)
	require.Equal(t, session.PhaseCompleted, h.session(t, req.ID).Phase)

	// the armed timer still fires; it no longer matches an active offer
	st, ok := h.timers.last(commands.TypeDriverTimeout)
	require.True(t, ok)
	require.NoError(t, h.d.Handle(context.Background(), st.cmd))
	h.drain(t)

	assert.Equal(t, session.PhaseCompleted, h.session(t, req.ID).Phase)
	assert.Len(t, h.gateway.updates, 1)
}

func TestResponseForWrongOfferIgnored(t *testing.T) {
	h := newHarness(t, bookingProposals()[:2])
	h.addDriver("d1", "ride-1")
	h.addDriver("d2", "ride-2")
	req := h.addRequest(t, models.RideRequest{ID: "req-9", RiderID: "rider-9", Kind: models.KindBooking})

	h.created(t, req)
	require.Equal(t, "d1", h.session(t, req.ID).Offer.DriverID)

	// d2 has no outstanding offer yet
	h.respond(t, req.ID, "d2", "ride-2", true, false)
	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseAwaiting, s.Phase)
	assert.Equal(t, "d1", s.Offer.DriverID)
	assert.Empty(t, h.gateway.updates)
}

func TestBroadcastResponseFromUnofferedDriverIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("b1", "ride-b1")
	req := h.addRequest(t, models.RideRequest{ID: "req-10", RiderID: "rider-10", Kind: models.KindBooking})

	h.created(t, req)
	require.Equal(t, session.PhaseBroadcasting, h.session(t, req.ID).Phase)

	h.respond(t, req.ID, "stranger", "ride-x", true, true)
	assert.Equal(t, session.PhaseBroadcasting, h.session(t, req.ID).Phase)
	assert.Empty(t, h.gateway.updates)
}

func TestDriverInterestThenBroadcastResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("b1", "ride-b1")
	req := h.addRequest(t, models.RideRequest{ID: "req-11", RiderID: "rider-11", Kind: models.KindBooking})

	h.created(t, req)
	require.Equal(t, session.PhaseBroadcasting, h.session(t, req.ID).Phase)

	claim := commands.New(req.ID, commands.TypeDriverInterest)
	claim.DriverID = "latecomer"
	require.NoError(t, h.d.Handle(context.Background(), claim))
	require.True(t, h.session(t, req.ID).WasNotified("latecomer"))

	h.respond(t, req.ID, "latecomer", "ride-l", true, true)
	assert.Equal(t, session.PhaseCompleted, h.session(t, req.ID).Phase)
}

func TestBroadcastTimeoutExpiresSession(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("b1", "ride-b1")
	req := h.addRequest(t, models.RideRequest{ID: "req-12", RiderID: "rider-12", Kind: models.KindBooking})

	h.created(t, req)
	h.fireTimer(t, commands.TypeBroadcastTimeout)

	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseExpired, s.Phase)
	require.Len(t, h.funds.released, 1)
	require.Len(t, h.gateway.updates, 1)
	assert.Equal(t, notify.StatusNoMatch, h.gateway.updates[0].Status)
}

func TestBroadcastWindowNeverExceedsDeadline(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("b1", "ride-b1")
	deadline := h.now.Add(90 * time.Second)
	req := h.addRequest(t, models.RideRequest{ID: "req-13", RiderID: "rider-13", Kind: models.KindBooking, Deadline: deadline})

	h.created(t, req)

	st, ok := h.timers.last(commands.TypeBroadcastTimeout)
	require.True(t, ok)
	assert.Equal(t, deadline, st.at)
}

func TestOfferExpiryCappedAtDeadline(t *testing.T) {
	h := newHarness(t, bookingProposals()[:1])
	h.addDriver("d1", "ride-1")
	deadline := h.now.Add(10 * time.Second) // shorter than the offer window
	req := h.addRequest(t, models.RideRequest{ID: "req-14", RiderID: "rider-14", Kind: models.KindBooking, Deadline: deadline})

	h.created(t, req)
	s := h.session(t, req.ID)
	require.NotNil(t, s.Offer)
	assert.Equal(t, deadline, s.Offer.ExpiresAt)
}

func TestCancelFromAnyNonTerminalPhase(t *testing.T) {
	h := newHarness(t, bookingProposals()[:1])
	h.addDriver("d1", "ride-1")
	req := h.addRequest(t, models.RideRequest{ID: "req-15", RiderID: "rider-15", Kind: models.KindBooking})

	h.created(t, req)
	require.Equal(t, session.PhaseAwaiting, h.session(t, req.ID).Phase)

	cancel := commands.New(req.ID, commands.TypeCancelMatching)
	require.NoError(t, h.d.Handle(context.Background(), cancel))
	assert.Equal(t, session.PhaseCancelled, h.session(t, req.ID).Phase)
	require.Len(t, h.funds.released, 1)

	// second cancel is a no-op on the terminal session
	cancel2 := commands.New(req.ID, commands.TypeCancelMatching)
	require.NoError(t, h.d.Handle(context.Background(), cancel2))
	assert.Equal(t, session.PhaseCancelled, h.session(t, req.ID).Phase)
	assert.Len(t, h.funds.released, 1)
}

func TestJoinRideNeverBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("host", "ride-join")
	h.addDriver("other", "ride-other")
	require.NoError(t, h.store.SaveRide(&models.Ride{ID: "ride-join", DriverID: "host", Status: "posted"}))
	req := h.addRequest(t, models.RideRequest{ID: "req-16", RiderID: "rider-16", Kind: models.KindJoinRide, TargetRideID: "ride-join"})

	h.created(t, req)
	h.fireTimer(t, commands.TypeDriverTimeout)

	// the join target timed out: the session expires instead of
	// escalating to the other online driver
	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseExpired, s.Phase)
	assert.Len(t, h.gateway.offers, 1)
}

func TestUnresolvableCandidateSkipped(t *testing.T) {
	h := newHarness(t, bookingProposals()[:2])
	// d1 never registered in the geo index; d2 is
	h.addDriver("d2", "ride-2")
	req := h.addRequest(t, models.RideRequest{ID: "req-17", RiderID: "rider-17", Kind: models.KindBooking})

	h.created(t, req)
	s := h.session(t, req.ID)
	require.NotNil(t, s.Offer)
	assert.Equal(t, "d2", s.Offer.DriverID)
	assert.Len(t, h.gateway.offers, 1)
}

func TestCommandsAfterTerminalAreNoOps(t *testing.T) {
	h := newHarness(t, bookingProposals()[:1])
	h.addDriver("d1", "ride-1")
	req := h.addRequest(t, models.RideRequest{ID: "req-18", RiderID: "rider-18", Kind: models.KindBooking})

	h.created(t, req)
	h.respond(t, req.ID, "d1", "ride-1", true, false)
	require.Equal(t, session.PhaseCompleted, h.session(t, req.ID).Phase)

	for _, typ := range []commands.Type{
		commands.TypeSendNextOffer,
		commands.TypeDriverTimeout,
		commands.TypeBroadcastTimeout,
		commands.TypeCancelMatching,
		commands.TypeDriverInterest,
	} {
		cmd := commands.New(req.ID, typ)
		cmd.DriverID = "d1"
		cmd.RideID = "ride-1"
		require.NoError(t, h.d.Handle(context.Background(), cmd))
		h.drain(t)
		assert.Equal(t, session.PhaseCompleted, h.session(t, req.ID).Phase, "after %s", typ)
	}
	assert.Len(t, h.gateway.updates, 1)
	assert.Empty(t, h.funds.released)
}

func TestSequentialDeclineAdvancesCursor(t *testing.T) {
	h := newHarness(t, bookingProposals()[:2])
	h.addDriver("d1", "ride-1")
	h.addDriver("d2", "ride-2")
	req := h.addRequest(t, models.RideRequest{ID: "req-19", RiderID: "rider-19", Kind: models.KindBooking})

	h.created(t, req)
	h.respond(t, req.ID, "d1", "ride-1", false, false)

	s := h.session(t, req.ID)
	require.NotNil(t, s.Offer)
	assert.Equal(t, "d2", s.Offer.DriverID)
}

func TestBroadcastFlaggedResponseDuringSequentialOfferIgnored(t *testing.T) {
	h := newHarness(t, bookingProposals()[:2])
	h.addDriver("d1", "ride-1")
	h.addDriver("d2", "ride-2")
	req := h.addRequest(t, models.RideRequest{ID: "req-21", RiderID: "rider-21", Kind: models.KindBooking})

	h.created(t, req)
	h.fireTimer(t, commands.TypeDriverTimeout)
	require.Equal(t, "d2", h.session(t, req.ID).Offer.DriverID)

	// d1 lost the offer but replays its acceptance with the broadcast
	// flag set; d2 still holds the only active offer
	h.respond(t, req.ID, "d1", "ride-1", true, true)

	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseAwaiting, s.Phase)
	require.NotNil(t, s.Offer)
	assert.Equal(t, "d2", s.Offer.DriverID)
	assert.Empty(t, h.gateway.updates)

	got, err := h.store.GetRequest(req.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.RequestMatched, got.Status)
}

func TestOfferTimerFailureLeavesCommandForRedelivery(t *testing.T) {
	h := newHarness(t, bookingProposals()[:1])
	h.addDriver("d1", "ride-1")
	req := h.addRequest(t, models.RideRequest{ID: "req-22", RiderID: "rider-22", Kind: models.KindBooking})

	h.timers.scheduleErr = errors.New("timer store down")
	cmd := commands.New(req.ID, commands.TypeRequestCreated)
	cmd.CreatedAt = req.CreatedAt
	require.NoError(t, h.d.Handle(context.Background(), cmd))

	next, ok := h.bus.pop()
	require.True(t, ok)
	require.Error(t, h.d.Handle(context.Background(), next))

	// nothing took effect: no offer sent, cursor not persisted, the
	// driver was never contacted
	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseMatching, s.Phase)
	assert.Nil(t, s.Offer)
	assert.Zero(t, s.NextProposal)
	assert.Empty(t, h.gateway.offers)

	// redelivery after the timer store recovers
	h.timers.scheduleErr = nil
	require.NoError(t, h.d.Handle(context.Background(), next))
	s = h.session(t, req.ID)
	assert.Equal(t, session.PhaseAwaiting, s.Phase)
	require.NotNil(t, s.Offer)
	assert.Equal(t, "d1", s.Offer.DriverID)
	_, ok = h.timers.last(commands.TypeDriverTimeout)
	assert.True(t, ok)
}

func TestBroadcastTimerFailureLeavesCommandForRedelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("b1", "ride-b1")
	req := h.addRequest(t, models.RideRequest{ID: "req-23", RiderID: "rider-23", Kind: models.KindBooking})

	h.timers.scheduleErr = errors.New("timer store down")
	cmd := commands.New(req.ID, commands.TypeRequestCreated)
	cmd.CreatedAt = req.CreatedAt
	require.Error(t, h.d.Handle(context.Background(), cmd))

	s, err := h.sessions.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Empty(t, h.gateway.offers)

	h.timers.scheduleErr = nil
	require.NoError(t, h.d.Handle(context.Background(), cmd))
	got := h.session(t, req.ID)
	assert.Equal(t, session.PhaseBroadcasting, got.Phase)
	st, ok := h.timers.last(commands.TypeBroadcastTimeout)
	require.True(t, ok)
	assert.Equal(t, got.Deadline, st.at)
}

func TestBroadcastSkipsDriversWithoutPostedRide(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("b1", "ride-b1")
	h.addDriver("idle", "")
	req := h.addRequest(t, models.RideRequest{ID: "req-24", RiderID: "rider-24", Kind: models.KindBooking})

	h.created(t, req)

	s := h.session(t, req.ID)
	require.Equal(t, session.PhaseBroadcasting, s.Phase)
	require.Len(t, h.gateway.offers, 1)
	assert.Equal(t, "b1", h.gateway.offers[0].DriverID)
	assert.False(t, s.WasNotified("idle"))
}

func TestBroadcastNeedsDriverWithPostedRide(t *testing.T) {
	h := newHarness(t, nil)
	h.addDriver("idle", "")
	req := h.addRequest(t, models.RideRequest{ID: "req-25", RiderID: "rider-25", Kind: models.KindBooking})

	h.created(t, req)

	s := h.session(t, req.ID)
	assert.Equal(t, session.PhaseExpired, s.Phase)
	assert.Empty(t, h.gateway.offers)
	require.Len(t, h.gateway.updates, 1)
	assert.Equal(t, notify.StatusNoMatch, h.gateway.updates[0].Status)
}

func TestRequestNotMatchableIgnored(t *testing.T) {
	h := newHarness(t, bookingProposals())
	req := h.addRequest(t, models.RideRequest{ID: "req-20", RiderID: "rider-20", Kind: models.KindBooking, Status: models.RequestCancelled})

	h.created(t, req)
	s, err := h.sessions.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Empty(t, h.gateway.offers)
}
