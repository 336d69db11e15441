package funds

import "context"

// Coordinator releases a previously placed fare hold when a request ends
// without a match. Best-effort: failures are logged by the caller and do
// not abort the state transition.
type Coordinator interface {
	PlaceHold(ctx context.Context, riderID string, amountCents int64, currency string) (string, error)
	ReleaseHold(ctx context.Context, riderID, requestID, reason string) error
	CaptureHold(ctx context.Context, holdID string) error
}
