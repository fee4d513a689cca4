// Package lp manages the per-asset liquidity pools: provider deposits and
// withdrawals, share issuance, and pool valuation. Token custody lives in
// the vault; this package only moves accounting claims.
package lp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/events"
	"github.com/openperp/vault-engine/internal/metrics"
	"github.com/openperp/vault-engine/internal/model"
	"github.com/openperp/vault-engine/internal/pricing"
	"github.com/openperp/vault-engine/internal/registry"
	"github.com/openperp/vault-engine/internal/store"
	"github.com/openperp/vault-engine/internal/vault"
)

// Holder is the pool's custody account at the token bank. Deposits are
// staged here by the caller before Deposit runs; the pool holds nothing
// long-term, it forwards staged tokens into vault custody.
const Holder = "lp"

// Manager runs the liquidity pools. Pool operations take the vault's
// write lock and reentrancy guard through BeginPoolOp, so a deposit, a
// withdrawal, and a position operation on the same pool can never
// interleave. The manager's own mutex only protects initialization.
type Manager struct {
	store    store.Store
	oracle   pricing.Oracle
	registry *registry.Registry
	hub      *events.Hub // optional

	mu sync.Mutex

	initialized bool
	vault       *vault.Vault
}

// New creates an uninitialized manager. Initialize must be called exactly
// once with the vault before any pool operation.
func New(st store.Store, oracle pricing.Oracle, reg *registry.Registry, hub *events.Hub) *Manager {
	return &Manager{
		store:    st,
		oracle:   oracle,
		registry: reg,
		hub:      hub,
	}
}

// Initialize wires the vault that custodies pool tokens. Calling it a
// second time fails with a StateError.
func (m *Manager) Initialize(v *vault.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return fmt.Errorf("%w: lp manager already initialized", model.ErrState)
	}
	if v == nil {
		return fmt.Errorf("%w: vault is required", model.ErrValidation)
	}

	m.vault = v
	m.initialized = true
	return nil
}

// ledger returns the custody vault, or a StateError before Initialize.
func (m *Manager) ledger() (*vault.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("%w: lp manager not initialized", model.ErrState)
	}
	return m.vault, nil
}

// Deposit adds amount of asset to the pool on behalf of provider and
// issues shares against the pool's current value. The first deposit into
// an empty pool receives shares equal to the amount. The tokens must
// already sit at the pool's custody account (Holder), staged there by the
// caller.
func (m *Manager) Deposit(ctx context.Context, provider, asset string, amount decimal.Decimal) (shares decimal.Decimal, err error) {
	start := time.Now()
	defer func() { observe("pool_deposit", start, err) }()

	v, err := m.ledger()
	if err != nil {
		return decimal.Zero, err
	}
	if err = v.BeginPoolOp(asset); err != nil {
		return decimal.Zero, err
	}
	defer v.EndPoolOp(asset)

	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: deposit amount must be positive", model.ErrValidation)
	}
	whitelisted, err := m.registry.IsWhitelisted(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if !whitelisted {
		return decimal.Zero, fmt.Errorf("%w: asset %s is not whitelisted", model.ErrValidation, asset)
	}

	pool, err := m.store.GetPoolState(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if pool == nil {
		pool = &model.PoolState{Asset: asset}
	}

	// Share price is pool value per share, where pool value marks open
	// positions to the current oracle price. Issuing against value rather
	// than raw liquidity keeps existing providers whole when traders are
	// in profit or loss.
	if pool.TotalShares.IsZero() {
		shares = amount
	} else {
		value, verr := m.poolValue(ctx, pool)
		if verr != nil {
			return decimal.Zero, verr
		}
		if !value.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: pool %s value is not positive", model.ErrState, asset)
		}
		shares = amount.Mul(pool.TotalShares).Div(value)
	}

	// Forward the staged tokens from pool custody into vault custody.
	if err = v.ReceiveFrom(ctx, asset, Holder, amount); err != nil {
		return decimal.Zero, err
	}

	pool.TotalLiquidity = pool.TotalLiquidity.Add(amount)
	pool.TotalShares = pool.TotalShares.Add(shares)

	share, err := m.store.GetProviderShare(ctx, provider, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if share == nil {
		share = &model.ProviderShare{Provider: provider, Asset: asset}
	}
	share.Shares = share.Shares.Add(shares)

	err = m.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SavePoolState(ctx, pool); err != nil {
			return err
		}
		return tx.SaveProviderShare(ctx, share)
	})
	if err != nil {
		return decimal.Zero, err
	}

	publishPoolGauges(pool)

	slog.Info("pool deposit",
		"provider", provider,
		"asset", asset,
		"amount", amount.String(),
		"shares", shares.String(),
		"total_liquidity", pool.TotalLiquidity.String(),
	)

	if m.hub != nil {
		m.hub.Broadcast(events.Message{
			ID:       uuid.New().String(),
			Type:     events.TypePoolDeposit,
			Provider: provider,
			Asset:    asset,
			Amount:   amount.String(),
		})
	}
	return shares, nil
}

// Withdraw redeems shares for the underlying asset at the pool's current
// value per share. Fails with a LiquidityError if the withdrawal would
// leave the pool unable to cover its reserved liquidity.
func (m *Manager) Withdraw(ctx context.Context, provider, asset string, shares decimal.Decimal) (amount decimal.Decimal, err error) {
	start := time.Now()
	defer func() { observe("pool_withdraw", start, err) }()

	v, err := m.ledger()
	if err != nil {
		return decimal.Zero, err
	}
	if err = v.BeginPoolOp(asset); err != nil {
		return decimal.Zero, err
	}
	defer v.EndPoolOp(asset)

	if !shares.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: share amount must be positive", model.ErrValidation)
	}

	share, err := m.store.GetProviderShare(ctx, provider, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if share == nil || share.Shares.LessThan(shares) {
		return decimal.Zero, fmt.Errorf("%w: insufficient shares in pool %s", model.ErrValidation, asset)
	}

	pool, err := m.store.GetPoolState(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if pool == nil || pool.TotalShares.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: no pool state for %s", model.ErrState, asset)
	}

	value, err := m.poolValue(ctx, pool)
	if err != nil {
		return decimal.Zero, err
	}
	if value.IsNegative() {
		value = decimal.Zero
	}
	amount = shares.Mul(value).Div(pool.TotalShares)

	if amount.GreaterThan(pool.TotalLiquidity) {
		amount = pool.TotalLiquidity
	}
	if pool.TotalLiquidity.Sub(amount).LessThan(pool.TotalReserved) {
		return decimal.Zero, fmt.Errorf("%w: withdrawal would break reserve cover for %s", model.ErrLiquidity, asset)
	}

	if amount.IsPositive() {
		if err = v.PayOut(ctx, asset, provider, amount); err != nil {
			return decimal.Zero, err
		}
	}

	pool.TotalLiquidity = pool.TotalLiquidity.Sub(amount)
	pool.TotalShares = pool.TotalShares.Sub(shares)
	share.Shares = share.Shares.Sub(shares)

	err = m.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SavePoolState(ctx, pool); err != nil {
			return err
		}
		if share.Shares.IsZero() {
			return tx.DeleteProviderShare(ctx, provider, asset)
		}
		return tx.SaveProviderShare(ctx, share)
	})
	if err != nil {
		return decimal.Zero, err
	}

	publishPoolGauges(pool)

	slog.Info("pool withdraw",
		"provider", provider,
		"asset", asset,
		"shares", shares.String(),
		"amount", amount.String(),
		"total_liquidity", pool.TotalLiquidity.String(),
	)

	if m.hub != nil {
		m.hub.Broadcast(events.Message{
			ID:       uuid.New().String(),
			Type:     events.TypePoolWithdraw,
			Provider: provider,
			Asset:    asset,
			Amount:   amount.String(),
		})
	}
	return amount, nil
}

// PoolState returns the accounting record for one asset pool, or nil if
// the pool has never been touched.
func (m *Manager) PoolState(ctx context.Context, asset string) (*model.PoolState, error) {
	return m.store.GetPoolState(ctx, asset)
}

// PoolStates returns every pool with recorded state.
func (m *Manager) PoolStates(ctx context.Context) ([]model.PoolState, error) {
	return m.store.ListPoolStates(ctx)
}

// Shares returns provider's share balance in one asset pool (zero if none).
func (m *Manager) Shares(ctx context.Context, provider, asset string) (decimal.Decimal, error) {
	share, err := m.store.GetProviderShare(ctx, provider, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if share == nil {
		return decimal.Zero, nil
	}
	return share.Shares, nil
}

// PoolValue returns the pool's mark-to-market value in native units.
func (m *Manager) PoolValue(ctx context.Context, asset string) (decimal.Decimal, error) {
	pool, err := m.store.GetPoolState(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if pool == nil {
		return decimal.Zero, nil
	}
	return m.poolValue(ctx, pool)
}

// poolValue marks the pool to market: recorded liquidity minus the
// unrealized PnL of every open position this pool backs. Trader gains are
// a claim against the pool and reduce its value; trader losses accrete.
func (m *Manager) poolValue(ctx context.Context, pool *model.PoolState) (decimal.Decimal, error) {
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	assetPrice, err := m.oracle.Price(ctx, pool.Asset)
	if err != nil {
		return decimal.Zero, err
	}
	assetDecimals, err := m.registry.Decimals(ctx, pool.Asset)
	if err != nil {
		return decimal.Zero, err
	}

	value := pool.TotalLiquidity
	for _, pos := range positions {
		if pos.ReserveAsset != pool.Asset {
			continue
		}
		indexPrice, perr := m.oracle.Price(ctx, pos.Key.IndexAsset)
		if perr != nil {
			return decimal.Zero, perr
		}
		pnlUsd := pos.SizeUsd.Mul(indexPrice.Sub(pos.AvgEntryPrice)).Div(pos.AvgEntryPrice)
		if !pos.Key.IsLong {
			pnlUsd = pnlUsd.Neg()
		}
		pnlTokens := pnlUsd.Mul(decimal.New(1, assetDecimals)).Div(assetPrice)
		value = value.Sub(pnlTokens)
	}
	return value, nil
}

func publishPoolGauges(pool *model.PoolState) {
	metrics.PoolLiquidity.WithLabelValues(pool.Asset).Set(pool.TotalLiquidity.InexactFloat64())
	metrics.PoolReserved.WithLabelValues(pool.Asset).Set(pool.TotalReserved.InexactFloat64())
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
