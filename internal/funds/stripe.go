package funds

import (
	"context"
	"fmt"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/campus-dispatch/internal/storage"
)

// StripeCoordinator backs fare holds with manual-capture PaymentIntents.
// ReleaseHold cancels the intent recorded on the request; CaptureHold
// finalizes it after a completed ride.
type StripeCoordinator struct {
	Requests storage.RequestStore
}

// NewStripeCoordinator initializes the stripe client with the
// STRIPE_API_KEY env var.
func NewStripeCoordinator(requests storage.RequestStore) *StripeCoordinator {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeCoordinator{Requests: requests}
}

func (s *StripeCoordinator) PlaceHold(ctx context.Context, riderID string, amountCents int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeCoordinator) ReleaseHold(ctx context.Context, riderID, requestID, reason string) error {
	req, err := s.Requests.GetRequest(requestID)
	if err != nil {
		return fmt.Errorf("release hold for request %s: %w", requestID, err)
	}
	if req == nil || req.FareHoldID == "" {
		return nil
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(cancelReason(reason)),
	}
	_, err = paymentintent.Cancel(req.FareHoldID, params)
	return err
}

// cancelReason maps dispatcher reasons onto the values stripe accepts.
func cancelReason(reason string) string {
	if reason == "cancelled_by_rider" {
		return "requested_by_customer"
	}
	return "abandoned"
}

func (s *StripeCoordinator) CaptureHold(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}
