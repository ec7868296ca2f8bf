// Package gateway declares the payment-processor boundary. The concrete
// processor lives outside this repository; the engine only needs hold,
// release, and refund primitives keyed by an opaque reference.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ref identifies a hold at the external processor. The processor is assumed
// idempotent per reference, so replaying a release or refund with the same
// Ref is safe.
type Ref string

// Gateway is the capability surface the escrow ledger depends on.
type Gateway interface {
	Hold(ctx context.Context, amount decimal.Decimal) (Ref, error)
	Release(ctx context.Context, ref Ref) error
	Refund(ctx context.Context, ref Ref) error
}
