package widget

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v82"
)

type confirmFunc func(ctx context.Context, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)

// Stripe confirms payment intents server-side with a payment method collected
// by the browser.
type Stripe struct {
	confirm confirmFunc
}

// NewStripe creates a Stripe confirmer using secretKey
func NewStripe(secretKey string) *Stripe {
	sc := stripe.NewClient(secretKey)
	return &Stripe{confirm: sc.V1PaymentIntents.Confirm}
}

// PaymentIntentID extracts the intent id from a client secret of the form
// pi_xxx_secret_yyy.
func PaymentIntentID(clientSecret string) string {
	if i := strings.Index(clientSecret, "_secret_"); i > 0 {
		return clientSecret[:i]
	}
	return clientSecret
}

func (s *Stripe) Confirm(ctx context.Context, req Request) Result {
	params := &stripe.PaymentIntentConfirmParams{}
	if req.ReturnURL != "" {
		params.ReturnURL = stripe.String(req.ReturnURL)
	}
	if req.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodID)
	}

	pi, err := s.confirm(ctx, PaymentIntentID(req.ClientSecret), params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
			return Result{Outcome: ProviderError, Message: stripeErr.Msg, Err: err}
		}
		return Result{Outcome: ProviderError, Message: GenericErrorMessage, Err: err}
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return Result{Outcome: Success}
	case stripe.PaymentIntentStatusCanceled:
		return Result{Outcome: UserCanceled}
	case stripe.PaymentIntentStatusRequiresAction:
		return Result{Outcome: ProviderError, Message: "Additional authentication is required to complete this payment."}
	}
	return Result{Outcome: ProviderError, Message: GenericErrorMessage}
}
