// Package fees computes processor fees for contributions when the donor elects
// to cover them.
package fees

import (
	"math"

	"github.com/shopspring/decimal"

	"contribution-checkout/models"
)

// Schedule is a processor fee schedule. The fee is grossed up so the
// beneficiary nets the base amount after the processor takes its cut.
type Schedule struct {
	NonprofitRate      float64
	StandardRate       float64
	RecurringSurcharge float64
	Fixed              float64
}

// DefaultSchedule is the processor's published pricing
var DefaultSchedule = Schedule{
	NonprofitRate:      0.022,
	StandardRate:       0.029,
	RecurringSurcharge: 0.005,
	Fixed:              0.30,
}

func (s Schedule) rate(frequency models.Frequency, nonprofit bool) decimal.Decimal {
	rate := s.StandardRate
	if nonprofit {
		rate = s.NonprofitRate
	}
	if frequency.Recurring() {
		rate += s.RecurringSurcharge
	}
	return decimal.NewFromFloat(rate)
}

// cents normalizes an amount to whole cents before any fee math.
func cents(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).Round(2)
}

// gross returns the unrounded amount that must be charged so that base remains
// after fees.
func (s Schedule) gross(base decimal.Decimal, frequency models.Frequency, nonprofit bool) decimal.Decimal {
	denominator := decimal.NewFromInt(1).Sub(s.rate(frequency, nonprofit))
	if !denominator.IsPositive() {
		return base
	}
	return base.Add(decimal.NewFromFloat(s.Fixed)).Div(denominator)
}

func (s Schedule) fee(base decimal.Decimal, frequency models.Frequency, nonprofit bool) decimal.Decimal {
	return s.gross(base, frequency, nonprofit).Sub(base).Round(2)
}

// Fee returns the processing fee for amount, or 0 when the payer does not cover
// fees or amount is not a usable number.
func (s Schedule) Fee(amount float64, frequency models.Frequency, payerCoversFee, nonprofit bool) float64 {
	if !payerCoversFee || !usable(amount) {
		return 0
	}
	return round(s.fee(cents(amount), frequency, nonprofit))
}

// Total returns the amount payable including the fee when elected. When the fee
// is elected the total is always the cent-rounded amount plus Fee.
func (s Schedule) Total(amount float64, payerCoversFee bool, frequency models.Frequency, nonprofit bool) float64 {
	if !payerCoversFee || !usable(amount) {
		return amount
	}
	base := cents(amount)
	return round(base.Add(s.fee(base, frequency, nonprofit)))
}

// ComputeFee applies DefaultSchedule.
func ComputeFee(amount float64, frequency models.Frequency, payerCoversFee, nonprofit bool) float64 {
	return DefaultSchedule.Fee(amount, frequency, payerCoversFee, nonprofit)
}

// ComputeTotal applies DefaultSchedule.
func ComputeTotal(amount float64, payerCoversFee bool, frequency models.Frequency, nonprofit bool) float64 {
	return DefaultSchedule.Total(amount, payerCoversFee, frequency, nonprofit)
}

// Round rounds a monetary value half-up to cents.
func Round(amount float64) float64 {
	if !usable(amount) {
		return amount
	}
	return round(decimal.NewFromFloat(amount))
}

func round(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func usable(amount float64) bool {
	return !math.IsNaN(amount) && !math.IsInf(amount, 0) && amount >= 0
}
