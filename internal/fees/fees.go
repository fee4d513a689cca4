// Package fees computes trading fees for notional changes. The exact
// formula is venue policy, external to the accounting core — the vault only
// sees the resulting amount.
package fees

import "github.com/shopspring/decimal"

// Service returns the fee, in USD, charged against a USD notional change.
type Service interface {
	Fee(notionalUsd decimal.Decimal) decimal.Decimal
}

var bpsDivisor = decimal.NewFromInt(10_000)

// BasisPoint charges a flat fraction of notional, expressed in basis
// points.
type BasisPoint struct {
	bps decimal.Decimal
}

// NewBasisPoint creates a fee service charging bps basis points.
func NewBasisPoint(bps int64) *BasisPoint {
	return &BasisPoint{bps: decimal.NewFromInt(bps)}
}

// Fee implements Service.
func (b *BasisPoint) Fee(notionalUsd decimal.Decimal) decimal.Decimal {
	return notionalUsd.Mul(b.bps).Div(bpsDivisor)
}
