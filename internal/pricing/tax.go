// Package pricing holds the money arithmetic shared by checkout and
// settlement.  Amounts are integer minor units; tour prices are published
// tax inclusive, so the tax share is always back-calculated from a total.
package pricing

import "math"

// DefaultTaxRatePercent is the prevailing VAT rate applied to tour sales.
const DefaultTaxRatePercent = 19.0

// Breakdown is a tax-inclusive total split into its parts.  Subtotal + Tax
// always equals Total exactly.
type Breakdown struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	TaxCents      int64 `json:"tax_cents"`
	TotalCents    int64 `json:"total_cents"`
}

// CalculateFromTaxInclusiveAmount splits total into subtotal and tax at the
// given rate.  The subtotal is rounded half-up and the tax takes the
// remainder, so rounding never leaks a unit.
func CalculateFromTaxInclusiveAmount(totalCents int64, ratePercent float64) Breakdown {
	if totalCents <= 0 {
		return Breakdown{TotalCents: totalCents, SubtotalCents: totalCents}
	}
	if ratePercent <= 0 {
		return Breakdown{SubtotalCents: totalCents, TotalCents: totalCents}
	}
	subtotal := int64(math.Round(float64(totalCents) / (1 + ratePercent/100)))
	return Breakdown{
		SubtotalCents: subtotal,
		TaxCents:      totalCents - subtotal,
		TotalCents:    totalCents,
	}
}

// LineTotal multiplies a unit price by a head count.
func LineTotal(unitPriceCents int64, participants int) int64 {
	return unitPriceCents * int64(participants)
}

// WithinTolerance reports whether a client-supplied total matches the
// recomputed one within toleranceCents.
func WithinTolerance(clientCents, serverCents, toleranceCents int64) bool {
	d := clientCents - serverCents
	if d < 0 {
		d = -d
	}
	return d <= toleranceCents
}
