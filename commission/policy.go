// Package commission computes the platform fee split for a gross escrow
// amount. The policy is a pure function: the rate is injected by the caller
// (see platform.Reader), never read from global state.
package commission

import "github.com/shopspring/decimal"

// Split is the outcome of applying the commission policy to a gross amount.
// Payout is computed as the remainder after the rounded fee, so
// Fee + Payout always equals the gross amount exactly.
type Split struct {
	Fee    decimal.Decimal
	Payout decimal.Decimal
}

// ComputeSplit applies rate to gross and returns the fee/payout split at
// currency precision. Rate range enforcement belongs to the settings
// boundary (platform package); this function computes mechanically.
func ComputeSplit(gross, rate decimal.Decimal) Split {
	fee := gross.Mul(rate).Round(2)
	return Split{
		Fee:    fee,
		Payout: gross.Sub(fee),
	}
}
