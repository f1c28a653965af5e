package service

import (
	"math"

	"contribution-checkout/models"
	"contribution-checkout/resolver"
)

// SessionView is the part of a payment session the browser needs
type SessionView struct {
	ClientSecret string           `json:"client_secret"`
	EmailHash    string           `json:"email_hash"`
	Amount       float64          `json:"amount"`
	Frequency    models.Frequency `json:"frequency"`
	Status       string           `json:"status"`
}

// Snapshot is a read-only view of a checkout
type Snapshot struct {
	ID               string              `json:"id"`
	State            State               `json:"state"`
	Failure          FailureKind         `json:"failure,omitempty"`
	Busy             bool                `json:"busy"`
	Frequency        models.Frequency    `json:"frequency"`
	Amount           *float64            `json:"amount"`
	IsCustomOverride bool                `json:"is_custom_amount"`
	PayFees          bool                `json:"pay_fees"`
	FeeAmount        float64             `json:"fee_amount"`
	OfferedFee       float64             `json:"offered_fee"`
	Total            *float64            `json:"total"`
	MailingCountry   string              `json:"mailing_country,omitempty"`
	CurrencySymbol   string              `json:"currency_symbol,omitempty"`
	Presets          []float64           `json:"presets"`
	AllowOther       bool                `json:"allow_other"`
	FieldErrors      map[string][]string `json:"field_errors,omitempty"`
	Error            string              `json:"error,omitempty"`
	Session          *SessionView        `json:"session,omitempty"`
}

// Snapshot returns the current view of the checkout
func (c *Checkout) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.intent
	np := c.page.IsNonprofit
	snap := Snapshot{
		ID:               c.ID,
		State:            c.state,
		Failure:          c.failure,
		Busy:             c.busyLocked(),
		Frequency:        in.Frequency,
		IsCustomOverride: c.custom,
		PayFees:          in.PayFees,
		FeeAmount:        in.FeeAmount,
		OfferedFee:       c.deps.Fees.Fee(in.Amount, in.Frequency, true, np),
		MailingCountry:   in.MailingCountry,
		CurrencySymbol:   c.page.CurrencySymbol,
		Presets:          resolver.Presets(c.page, in.Frequency),
		AllowOther:       resolver.AllowsOther(c.page),
		FieldErrors:      c.fieldErrors,
		Error:            c.message,
	}
	if finite(in.Amount) {
		amount := in.Amount
		total := c.deps.Fees.Total(in.Amount, in.PayFees, in.Frequency, np)
		snap.Amount = &amount
		snap.Total = &total
	}
	if sess, ok := c.store.Current(); ok && sess.Status != models.SessionCanceled {
		snap.Session = &SessionView{
			ClientSecret: sess.ClientSecret,
			EmailHash:    sess.EmailHash,
			Amount:       sess.Amount,
			Frequency:    sess.Frequency,
			Status:       string(sess.Status),
		}
	}
	return snap
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
