// Package widget models the external payment widget that confirms a payment
// session with the processor.
package widget

import "context"

// Outcome is the terminal result of a confirmation attempt
type Outcome string

const (
	Success       Outcome = "success"
	UserCanceled  Outcome = "canceled"
	ProviderError Outcome = "error"
)

// GenericErrorMessage is shown when the provider gives nothing displayable
const GenericErrorMessage = "Something went wrong processing your payment. Please try again."

// Request is handed to the widget
type Request struct {
	ClientSecret    string
	ReturnURL       string
	PaymentMethodID string
}

// Result is what the widget reports back
type Result struct {
	Outcome Outcome
	Message string
	Err     error
}

// Confirmer confirms a payment session. Implementations report failures through
// Result rather than panicking.
type Confirmer interface {
	Confirm(ctx context.Context, req Request) Result
}

// ConfirmerFunc adapts a function to Confirmer
type ConfirmerFunc func(ctx context.Context, req Request) Result

func (f ConfirmerFunc) Confirm(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// Reported is a result the browser widget already produced and posted back
type Reported Result

func (r Reported) Confirm(context.Context, Request) Result {
	res := Result(r)
	if res.Outcome == ProviderError && res.Message == "" {
		res.Message = GenericErrorMessage
	}
	return res
}

// ParseOutcome maps a reported outcome string, defaulting to ProviderError
func ParseOutcome(s string) Outcome {
	switch Outcome(s) {
	case Success, UserCanceled:
		return Outcome(s)
	}
	return ProviderError
}
