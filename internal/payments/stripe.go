package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeGateway backs the ride payment flow with PaymentIntents: a
// manual-capture hold when a driver accepts, capture at completion,
// cancel when the ride is cancelled.
type StripeGateway struct {
	Currency string
}

// NewStripeGateway initializes the stripe client with the given API key.
func NewStripeGateway(apiKey, currency string) *StripeGateway {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeGateway{Currency: currency}
}

// Hold creates a PaymentIntent with capture_method=manual, tagged with
// the ride id, and returns its ID.
func (s *StripeGateway) Hold(ctx context.Context, amountCents int64, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(s.Currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeGateway) Capture(ctx context.Context, ref string) error {
	_, err := paymentintent.Capture(ref, nil)
	return err
}

// Release cancels the hold.
func (s *StripeGateway) Release(ctx context.Context, ref string) error {
	_, err := paymentintent.Cancel(ref, nil)
	return err
}
