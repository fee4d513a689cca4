// Package model defines the core domain types shared across the vault engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Asset is the registry record for one tradable token. Created by an
// administrator call, never deleted, only updated.
type Asset struct {
	Symbol        string `json:"symbol" db:"symbol"`
	Decimals      int32  `json:"decimals" db:"decimals"`
	IsStable      bool   `json:"is_stable" db:"is_stable"`
	IsWhitelisted bool   `json:"is_whitelisted" db:"is_whitelisted"`
	PriceFeed     string `json:"price_feed" db:"price_feed"`
}

// Unit returns 10^decimals, the scale factor between native token units
// and whole tokens.
func (a *Asset) Unit() decimal.Decimal {
	return decimal.New(1, a.Decimals)
}

// PositionKey identifies one position: an account's exposure to one
// index asset backed by one collateral asset, long or short.
type PositionKey struct {
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	IsLong          bool   `json:"is_long"`
}

// String renders the key in a stable form usable as a map or cache key.
func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return fmt.Sprintf("%s:%s:%s:%s", k.Account, k.CollateralAsset, k.IndexAsset, side)
}

// Position is an open margin position. SizeUsd > 0 while the position is
// open; a record with SizeUsd == 0 is logically absent and must not be
// persisted.
type Position struct {
	Key PositionKey `json:"key"`

	// Collateral is denominated in native units of the collateral asset.
	Collateral decimal.Decimal `json:"collateral"`

	// SizeUsd is the USD notional of the exposure.
	SizeUsd decimal.Decimal `json:"size_usd"`

	// AvgEntryPrice is the size-weighted mean of all entry prices, in USD.
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`

	// ReserveAsset names the pool this position reserves liquidity from.
	// It is always the collateral asset, which for longs is also the
	// index asset.
	ReserveAsset string `json:"reserve_asset"`

	// ReservedAmount is the earmarked pool liquidity, in native units of
	// the reserve asset.
	ReservedAmount decimal.Decimal `json:"reserved_amount"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsOpen reports whether the position currently carries exposure.
func (p *Position) IsOpen() bool {
	return p != nil && p.SizeUsd.IsPositive()
}

// PoolState is the per-asset liquidity pool accounting record. Custody of
// the underlying tokens lives in the vault; PoolState tracks claims.
type PoolState struct {
	Asset string `json:"asset" db:"asset"`

	// TotalLiquidity is provider-supplied liquidity net of withdrawals and
	// net of realized trading PnL, in native units.
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`

	// TotalReserved is the sum of ReservedAmount across open positions
	// backed by this pool. Invariant: TotalReserved <= TotalLiquidity.
	TotalReserved decimal.Decimal `json:"total_reserved"`

	// TotalShares is the outstanding LP share supply.
	TotalShares decimal.Decimal `json:"total_shares"`
}

// Available returns the liquidity not currently backing open positions.
func (p *PoolState) Available() decimal.Decimal {
	return p.TotalLiquidity.Sub(p.TotalReserved)
}

// ProviderShare is one provider's share balance in one asset pool.
// Removed when the balance returns to zero.
type ProviderShare struct {
	Provider string          `json:"provider"`
	Asset    string          `json:"asset"`
	Shares   decimal.Decimal `json:"shares"`
}
