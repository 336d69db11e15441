package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-dispatch/internal/models"
)

func testRequest(kind models.RequestKind) models.RideRequest {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return models.RideRequest{
		ID:        "req-1",
		Kind:      kind,
		CreatedAt: now,
		Deadline:  now.Add(3 * time.Minute),
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseMatching, PhaseAwaiting, true},
		{PhaseMatching, PhaseBroadcasting, true},
		{PhaseMatching, PhaseExpired, true},
		{PhaseAwaiting, PhaseMatching, true},
		{PhaseAwaiting, PhaseBroadcasting, true},
		{PhaseAwaiting, PhaseCompleted, true},
		{PhaseBroadcasting, PhaseCompleted, true},
		{PhaseBroadcasting, PhaseExpired, true},
		{PhaseBroadcasting, PhaseMatching, false},
		{PhaseCompleted, PhaseMatching, false},
		{PhaseCompleted, PhaseCancelled, false},
		{PhaseExpired, PhaseBroadcasting, false},
		{PhaseCancelled, PhaseAwaiting, false},
	}
	for _, tc := range cases {
		s := New(testRequest(models.KindBooking), nil)
		s.Phase = tc.from
		err := s.Transition(tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.to, s.Phase)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.from, s.Phase)
		}
	}
}

func TestJoinRideCannotBroadcast(t *testing.T) {
	s := New(testRequest(models.KindJoinRide), nil)
	assert.Error(t, s.Transition(PhaseBroadcasting))
	assert.Equal(t, PhaseMatching, s.Phase)
}

func TestCursorReturnsEachProposalOnce(t *testing.T) {
	proposals := []models.Proposal{
		{DriverID: "a", Rank: 1},
		{DriverID: "b", Rank: 2},
		{DriverID: "c", Rank: 3},
	}
	s := New(testRequest(models.KindBooking), proposals)

	seen := []string{}
	for s.HasNext() {
		p, ok := s.Next()
		require.True(t, ok)
		seen = append(seen, p.DriverID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	_, ok := s.Next()
	assert.False(t, ok)
}

func TestBeginOfferSetsActiveOfferAndPhase(t *testing.T) {
	s := New(testRequest(models.KindBooking), nil)
	exp := s.Deadline.Add(-time.Minute)
	require.NoError(t, s.BeginOffer("d1", "ride-1", exp))

	assert.Equal(t, PhaseAwaiting, s.Phase)
	require.NotNil(t, s.Offer)
	assert.True(t, s.Offer.Matches("d1", "ride-1"))
	assert.False(t, s.Offer.Matches("d1", "ride-2"))
	assert.False(t, s.Offer.Matches("d2", "ride-1"))
	assert.True(t, s.WasNotified("d1"))
}

func TestOfferClearedOnLeavingAwaiting(t *testing.T) {
	s := New(testRequest(models.KindBooking), nil)
	require.NoError(t, s.BeginOffer("d1", "ride-1", s.Deadline))
	require.NoError(t, s.Transition(PhaseMatching))
	assert.Nil(t, s.Offer)
}

func TestDuplicateDetection(t *testing.T) {
	s := New(testRequest(models.KindBooking), nil)
	assert.False(t, s.Duplicate("c1"))
	s.LastProcessedID = "c1"
	assert.True(t, s.Duplicate("c1"))
	assert.False(t, s.Duplicate("c2"))
	assert.False(t, s.Duplicate(""))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	s := New(testRequest(models.KindBooking), []models.Proposal{{DriverID: "a"}})
	require.NoError(t, store.Put(ctx, s, time.Hour))

	got, err = store.Get(ctx, s.RequestID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.RequestID, got.RequestID)

	require.NoError(t, store.Delete(ctx, s.RequestID))
	got, err = store.Get(ctx, s.RequestID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreGetReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := New(testRequest(models.KindBooking), []models.Proposal{{DriverID: "a"}})
	require.NoError(t, store.Put(ctx, s, time.Hour))

	// mutations on a read copy stay invisible until Put, like the
	// Redis store
	first, err := store.Get(ctx, s.RequestID)
	require.NoError(t, err)
	first.NextProposal = 1
	first.MarkNotified("a")

	second, err := store.Get(ctx, s.RequestID)
	require.NoError(t, err)
	assert.Zero(t, second.NextProposal)
	assert.False(t, second.WasNotified("a"))
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := New(testRequest(models.KindBooking), nil)
	require.NoError(t, store.Put(ctx, s, time.Nanosecond))
	time.Sleep(5 * time.Millisecond)

	got, err := store.Get(ctx, s.RequestID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRemainingNeverExtended(t *testing.T) {
	s := New(testRequest(models.KindBooking), nil)
	at := s.Deadline.Add(-30 * time.Second)
	assert.Equal(t, 30*time.Second, s.Remaining(at))
	assert.True(t, s.Remaining(s.Deadline.Add(time.Second)) < 0)
}
