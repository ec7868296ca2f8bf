// Package platform exposes the admin-configured settings the engine reads.
// The commission rate is validated here, at the settings boundary, so the
// commission policy itself can stay a mechanical computation.
package platform

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
)

var (
	// RateMin and RateMax bound the platform commission rate.
	RateMin = decimal.RequireFromString("0.10")
	RateMax = decimal.RequireFromString("0.13")
)

// Settings mirrors the single platform_settings row.
type Settings struct {
	CommissionRate decimal.Decimal
	UpdatedAt      time.Time
	UpdatedBy      *string
}

// ValidateRate rejects commission rates outside [0.10, 0.13].
func ValidateRate(rate decimal.Decimal) error {
	if rate.LessThan(RateMin) || rate.GreaterThan(RateMax) {
		return apperr.Validation("commission_rate",
			"must be between "+RateMin.String()+" and "+RateMax.String())
	}
	return nil
}
