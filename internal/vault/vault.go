// Package vault is the position ledger: it custodies every token the
// engine holds, owns all position records, and enforces the solvency
// invariants on increase, decrease, and liquidation.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every operation is all-or-nothing: state is read and staged first, all
// checks run against the staged values, and mutations are committed only
// after the last check passes.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/events"
	"github.com/openperp/vault-engine/internal/fees"
	"github.com/openperp/vault-engine/internal/metrics"
	"github.com/openperp/vault-engine/internal/model"
	"github.com/openperp/vault-engine/internal/pricing"
	"github.com/openperp/vault-engine/internal/registry"
	"github.com/openperp/vault-engine/internal/store"
	"github.com/openperp/vault-engine/internal/token"
)

// Holder is the vault's account identifier at the token bank. Callers
// transfer collateral here before invoking IncreasePosition.
const Holder = "vault"

var bpsDivisor = decimal.NewFromInt(10_000)

// Config carries the vault's risk parameters.
type Config struct {
	// MaxLeverage caps notional size against posted collateral value.
	MaxLeverage decimal.Decimal

	// MaintenanceMarginBps defines the liquidation threshold as a
	// fraction of notional size, in basis points.
	MaintenanceMarginBps int64

	// LiquidationFeeUsd is the keeper reward for a successful
	// liquidation, capped by the position's remaining collateral.
	LiquidationFeeUsd decimal.Decimal
}

// DefaultConfig returns the production defaults: 50x leverage cap, 1%
// maintenance margin, 5 USD liquidation reward.
func DefaultConfig() Config {
	return Config{
		MaxLeverage:          decimal.NewFromInt(50),
		MaintenanceMarginBps: 100,
		LiquidationFeeUsd:    decimal.NewFromInt(5),
	}
}

// Vault is the position ledger. A single mutex serializes every mutating
// operation, including the liquidity manager's pool operations, which
// enter through BeginPoolOp (single logical writer). The key guard
// additionally rejects reentrant entry on the same position or pool key
// while a collaborator call is outstanding.
type Vault struct {
	store  store.Store
	bank   token.Bank
	oracle pricing.Oracle
	hub    *events.Hub // optional
	cfg    Config

	mu    sync.Mutex
	guard *KeyGuard

	initialized bool
	registry    *registry.Registry
	fees        fees.Service
}

// New creates an uninitialized vault. Initialize must be called exactly
// once before any position operation. Pass nil for hub if WebSocket
// broadcasting is not needed.
func New(st store.Store, bank token.Bank, oracle pricing.Oracle, hub *events.Hub, cfg Config) *Vault {
	return &Vault{
		store:  st,
		bank:   bank,
		oracle: oracle,
		hub:    hub,
		cfg:    cfg,
		guard:  NewKeyGuard(),
	}
}

// Initialize wires the asset registry and fee service. Calling it a
// second time on the same instance fails with a StateError.
func (v *Vault) Initialize(reg *registry.Registry, feeSvc fees.Service) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.initialized {
		return fmt.Errorf("%w: vault already initialized", model.ErrState)
	}
	if reg == nil || feeSvc == nil {
		return fmt.Errorf("%w: registry and fee service are required", model.ErrValidation)
	}

	v.registry = reg
	v.fees = feeSvc
	v.initialized = true
	return nil
}

func (v *Vault) requireInitialized() error {
	if !v.initialized {
		return fmt.Errorf("%w: vault not initialized", model.ErrState)
	}
	return nil
}

// BeginPoolOp takes exclusive ownership of one pool on behalf of the
// liquidity manager: the pool key goes onto the shared reentrancy guard,
// then the ledger write lock is held until EndPoolOp. Pool mutations and
// position operations touching the same records serialize on this one
// lock.
func (v *Vault) BeginPoolOp(asset string) error {
	if err := v.guard.Acquire(poolGuardKey(asset)); err != nil {
		return err
	}
	v.mu.Lock()
	return nil
}

// EndPoolOp releases the lock and guard taken by BeginPoolOp.
func (v *Vault) EndPoolOp(asset string) {
	v.mu.Unlock()
	v.guard.Release(poolGuardKey(asset))
}

func poolGuardKey(asset string) string { return "pool:" + asset }

// --- Unit conversions ---

// tokenToUsd converts native token units to USD at the given price.
func tokenToUsd(amount, price decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Mul(price).Div(decimal.New(1, decimals))
}

// usdToToken converts a USD value to native token units at the given price.
func usdToToken(usd, price decimal.Decimal, decimals int32) decimal.Decimal {
	return usd.Mul(decimal.New(1, decimals)).Div(price)
}

// --- Custody ---

// ReceiveFrom pulls amount of asset from a holder into vault custody and
// records it. Used by the liquidity pool to forward provider deposits;
// the caller holds the pool lock via BeginPoolOp.
func (v *Vault) ReceiveFrom(ctx context.Context, asset, from string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: receive amount must be positive", model.ErrValidation)
	}
	if err := v.bank.Transfer(asset, from, Holder, amount); err != nil {
		return err
	}

	recorded, err := v.store.GetCustodyBalance(ctx, asset)
	if err != nil {
		return err
	}
	return v.store.SaveCustodyBalance(ctx, asset, recorded.Add(amount))
}

// PayOut sends amount of asset from vault custody to a holder and records
// it. Used by the liquidity pool for provider withdrawals.
func (v *Vault) PayOut(ctx context.Context, asset, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: payout amount must be positive", model.ErrValidation)
	}
	if err := v.bank.Transfer(asset, Holder, to, amount); err != nil {
		return err
	}

	recorded, err := v.store.GetCustodyBalance(ctx, asset)
	if err != nil {
		return err
	}
	return v.store.SaveCustodyBalance(ctx, asset, recorded.Sub(amount))
}

// Custody returns the vault's recorded holding of an asset.
func (v *Vault) Custody(ctx context.Context, asset string) (decimal.Decimal, error) {
	return v.store.GetCustodyBalance(ctx, asset)
}

// pendingDeposit returns tokens transferred to the vault since the last
// recorded custody balance — the collateral posted for the current call.
func (v *Vault) pendingDeposit(ctx context.Context, asset string) (delta, actual decimal.Decimal, err error) {
	recorded, err := v.store.GetCustodyBalance(ctx, asset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	actual = v.bank.BalanceOf(asset, Holder)
	return actual.Sub(recorded), actual, nil
}

// --- Queries ---

// Position returns the open position for key, or nil if none exists.
func (v *Vault) Position(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	if err := v.requireInitialized(); err != nil {
		return nil, err
	}
	return v.store.GetPosition(ctx, key)
}

// Positions returns all open positions for an account.
func (v *Vault) Positions(ctx context.Context, account string) ([]model.Position, error) {
	if err := v.requireInitialized(); err != nil {
		return nil, err
	}
	return v.store.ListPositionsByAccount(ctx, account)
}

// --- Operations ---

// IncreasePosition opens or grows a position. The collateral for this
// call must already sit in vault custody (transferred by the caller); the
// vault discovers it as the custody balance delta. sizeDeltaUsd is the
// notional to add.
func (v *Vault) IncreasePosition(ctx context.Context, key model.PositionKey, sizeDeltaUsd decimal.Decimal) (err error) {
	start := time.Now()
	defer func() { observe("increase", start, err) }()

	if key.IsLong && key.CollateralAsset != key.IndexAsset {
		return fmt.Errorf("%w: long positions must post the index asset as collateral", model.ErrValidation)
	}

	if err = v.guard.Acquire(key.String()); err != nil {
		return err
	}
	defer v.guard.Release(key.String())

	// The backing pool is always the collateral-asset pool: shorts reserve
	// the collateral asset, and longs post the index asset as collateral.
	if err = v.guard.Acquire(poolGuardKey(key.CollateralAsset)); err != nil {
		return err
	}
	defer v.guard.Release(poolGuardKey(key.CollateralAsset))

	v.mu.Lock()
	defer v.mu.Unlock()

	if err = v.requireInitialized(); err != nil {
		return err
	}
	if !sizeDeltaUsd.IsPositive() {
		return fmt.Errorf("%w: size delta must be positive", model.ErrValidation)
	}
	if err = v.requireWhitelisted(ctx, key.CollateralAsset, key.IndexAsset); err != nil {
		return err
	}

	colDecimals, err := v.registry.Decimals(ctx, key.CollateralAsset)
	if err != nil {
		return err
	}

	indexPrice, err := v.oracle.Price(ctx, key.IndexAsset)
	if err != nil {
		return err
	}
	collateralPrice, err := v.oracle.Price(ctx, key.CollateralAsset)
	if err != nil {
		return err
	}

	// Collateral posted for this call: custody delta since last record.
	deposit, actualCustody, err := v.pendingDeposit(ctx, key.CollateralAsset)
	if err != nil {
		return err
	}
	if deposit.IsNegative() {
		return fmt.Errorf("%w: custody balance below recorded for %s", model.ErrState, key.CollateralAsset)
	}

	feeUsd := v.fees.Fee(sizeDeltaUsd)
	feeTokens := usdToToken(feeUsd, collateralPrice, colDecimals)

	// Stage the position mutation.
	pos, err := v.store.GetPosition(ctx, key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if pos == nil {
		// The pool pays winners in the asset it holds, so the backing
		// pool must match the payout asset. Payouts are always in the
		// collateral asset, hence the reserve is too: shorts reserve it
		// directly, longs because their collateral is the index asset.
		pos = &model.Position{
			Key:           key,
			AvgEntryPrice: indexPrice,
			ReserveAsset:  key.CollateralAsset,
		}
	} else {
		// Size-weighted mean of all entry prices.
		weighted := pos.SizeUsd.Mul(pos.AvgEntryPrice).Add(sizeDeltaUsd.Mul(indexPrice))
		pos.AvgEntryPrice = weighted.Div(pos.SizeUsd.Add(sizeDeltaUsd))
	}
	pos.SizeUsd = pos.SizeUsd.Add(sizeDeltaUsd)
	pos.Collateral = pos.Collateral.Add(deposit).Sub(feeTokens)
	pos.UpdatedAt = now

	if pos.Collateral.IsNegative() {
		return fmt.Errorf("%w: collateral cannot cover fee", model.ErrMargin)
	}

	// Reserve pool liquidity, in collateral units, to back the added
	// notional.
	requiredReserve := usdToToken(sizeDeltaUsd, collateralPrice, colDecimals)

	pool, err := v.store.GetPoolState(ctx, pos.ReserveAsset)
	if err != nil {
		return err
	}
	if pool == nil {
		pool = &model.PoolState{Asset: pos.ReserveAsset}
	}
	if pool.TotalReserved.Add(requiredReserve).GreaterThan(pool.TotalLiquidity) {
		metrics.ReserveRejections.Inc()
		return fmt.Errorf("%w: reserve %s exceeds available pool liquidity for %s",
			model.ErrLiquidity, requiredReserve, pos.ReserveAsset)
	}
	pool.TotalReserved = pool.TotalReserved.Add(requiredReserve)
	pos.ReservedAmount = pos.ReservedAmount.Add(requiredReserve)

	// Leverage cap against post-fee collateral value.
	collateralUsd := tokenToUsd(pos.Collateral, collateralPrice, colDecimals)
	if pos.SizeUsd.GreaterThan(collateralUsd.Mul(v.cfg.MaxLeverage)) {
		return fmt.Errorf("%w: size %s exceeds %sx leverage on collateral %s USD",
			model.ErrMargin, pos.SizeUsd, v.cfg.MaxLeverage, collateralUsd)
	}

	// Commit all writes together.
	err = v.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.SavePoolState(ctx, pool); err != nil {
			return err
		}
		return tx.SaveCustodyBalance(ctx, key.CollateralAsset, actualCustody)
	})
	if err != nil {
		return err
	}

	v.publishPoolGauges(pool)
	v.refreshOpenPositions(ctx)

	slog.Info("position increased",
		"account", key.Account,
		"collateral_asset", key.CollateralAsset,
		"index_asset", key.IndexAsset,
		"is_long", key.IsLong,
		"size_delta_usd", sizeDeltaUsd.String(),
		"entry_price", indexPrice.String(),
		"avg_entry_price", pos.AvgEntryPrice.String(),
		"reserved", pos.ReservedAmount.String(),
	)

	if v.hub != nil {
		v.hub.Broadcast(events.Message{
			ID:              uuid.New().String(),
			Type:            events.TypePositionIncreased,
			Account:         key.Account,
			CollateralAsset: key.CollateralAsset,
			IndexAsset:      key.IndexAsset,
			IsLong:          key.IsLong,
			SizeUsd:         pos.SizeUsd.String(),
			Price:           indexPrice.String(),
		})
	}
	return nil
}

// DecreasePosition closes part or all of a position, realizing PnL on the
// closed portion and paying out withdrawn collateral to the account.
func (v *Vault) DecreasePosition(ctx context.Context, key model.PositionKey, collateralDelta, sizeDelta decimal.Decimal) (err error) {
	start := time.Now()
	defer func() { observe("decrease", start, err) }()

	if err = v.guard.Acquire(key.String()); err != nil {
		return err
	}
	defer v.guard.Release(key.String())

	if err = v.guard.Acquire(poolGuardKey(key.CollateralAsset)); err != nil {
		return err
	}
	defer v.guard.Release(poolGuardKey(key.CollateralAsset))

	v.mu.Lock()
	defer v.mu.Unlock()

	if err = v.requireInitialized(); err != nil {
		return err
	}

	pos, err := v.store.GetPosition(ctx, key)
	if err != nil {
		return err
	}
	if !pos.IsOpen() {
		return fmt.Errorf("%w: no open position for %s", model.ErrState, key)
	}
	if !sizeDelta.IsPositive() || sizeDelta.GreaterThan(pos.SizeUsd) {
		return fmt.Errorf("%w: size delta must be in (0, %s]", model.ErrValidation, pos.SizeUsd)
	}
	if collateralDelta.IsNegative() || collateralDelta.GreaterThan(pos.Collateral) {
		return fmt.Errorf("%w: collateral delta must be in [0, %s]", model.ErrValidation, pos.Collateral)
	}

	colDecimals, err := v.registry.Decimals(ctx, key.CollateralAsset)
	if err != nil {
		return err
	}

	indexPrice, err := v.oracle.Price(ctx, key.IndexAsset)
	if err != nil {
		return err
	}
	collateralPrice, err := v.oracle.Price(ctx, key.CollateralAsset)
	if err != nil {
		return err
	}

	pnlUsd := realizedPnl(sizeDelta, indexPrice, pos.AvgEntryPrice, key.IsLong)
	feeUsd := v.fees.Fee(sizeDelta)
	feeTokens := usdToToken(feeUsd, collateralPrice, colDecimals)

	pool, err := v.store.GetPoolState(ctx, pos.ReserveAsset)
	if err != nil {
		return err
	}
	if pool == nil {
		return fmt.Errorf("%w: no pool state for reserve asset %s", model.ErrState, pos.ReserveAsset)
	}

	// Release the proportional reserve and settle PnL against the pool:
	// the pool is the counterparty, so trader gains drain it and trader
	// losses feed it. Settlement stays in collateral units, the asset the
	// pool holds and the payout is denominated in.
	releasedReserve := pos.ReservedAmount.Mul(sizeDelta).Div(pos.SizeUsd)
	pool.TotalReserved = clampZero(pool.TotalReserved.Sub(releasedReserve))

	var gainTokens decimal.Decimal // collateral units paid out on top of the withdrawal
	if pnlUsd.IsPositive() {
		gainTokens = usdToToken(pnlUsd, collateralPrice, colDecimals)
		if gainTokens.GreaterThan(pool.TotalLiquidity) {
			return fmt.Errorf("%w: pool %s cannot cover realized gain", model.ErrLiquidity, pos.ReserveAsset)
		}
		pool.TotalLiquidity = pool.TotalLiquidity.Sub(gainTokens)
	} else if pnlUsd.IsNegative() {
		loss := pnlUsd.Neg()
		pool.TotalLiquidity = pool.TotalLiquidity.Add(usdToToken(loss, collateralPrice, colDecimals))
	}
	if pool.TotalReserved.GreaterThan(pool.TotalLiquidity) {
		return fmt.Errorf("%w: pool %s reserved exceeds liquidity", model.ErrLiquidity, pos.ReserveAsset)
	}

	// Payout = withdrawn collateral + realized gain − fee. Losses and any
	// fee shortfall come out of the collateral that stays behind.
	payout := collateralDelta.Add(gainTokens).Sub(feeTokens)
	remaining := pos.Collateral.Sub(collateralDelta)
	if pnlUsd.IsNegative() {
		remaining = remaining.Sub(usdToToken(pnlUsd.Neg(), collateralPrice, colDecimals))
	}
	if payout.IsNegative() {
		remaining = remaining.Add(payout)
		payout = decimal.Zero
	}
	if remaining.IsNegative() {
		return fmt.Errorf("%w: loss and fee exceed remaining collateral", model.ErrMargin)
	}

	newSize := pos.SizeUsd.Sub(sizeDelta)
	closed := newSize.IsZero()
	if closed {
		payout = payout.Add(remaining)
		remaining = decimal.Zero
	} else {
		// A position that stays open must still satisfy the leverage cap
		// with the collateral it keeps; otherwise a trader could withdraw
		// everything while closing a token amount of size.
		remainingUsd := tokenToUsd(remaining, collateralPrice, colDecimals)
		if newSize.GreaterThan(remainingUsd.Mul(v.cfg.MaxLeverage)) {
			return fmt.Errorf("%w: remaining size %s exceeds %sx leverage on remaining collateral %s USD",
				model.ErrMargin, newSize, v.cfg.MaxLeverage, remainingUsd)
		}
		pos.SizeUsd = newSize
		pos.Collateral = remaining
		pos.ReservedAmount = clampZero(pos.ReservedAmount.Sub(releasedReserve))
		pos.UpdatedAt = time.Now().UTC()
	}

	// External transfer before the store commit; the guard stays held so
	// a transfer hook cannot re-enter this key.
	if payout.IsPositive() {
		if err = v.bank.Transfer(key.CollateralAsset, Holder, key.Account, payout); err != nil {
			return err
		}
	}

	// Commit all writes together.
	err = v.store.WithinTx(ctx, func(tx store.Store) error {
		if closed {
			if err := tx.DeletePosition(ctx, key); err != nil {
				return err
			}
		} else if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.SavePoolState(ctx, pool); err != nil {
			return err
		}
		if payout.IsPositive() {
			recorded, err := tx.GetCustodyBalance(ctx, key.CollateralAsset)
			if err != nil {
				return err
			}
			return tx.SaveCustodyBalance(ctx, key.CollateralAsset, recorded.Sub(payout))
		}
		return nil
	})
	if err != nil {
		return err
	}

	v.publishPoolGauges(pool)
	v.refreshOpenPositions(ctx)

	slog.Info("position decreased",
		"account", key.Account,
		"collateral_asset", key.CollateralAsset,
		"index_asset", key.IndexAsset,
		"is_long", key.IsLong,
		"size_delta_usd", sizeDelta.String(),
		"realized_pnl_usd", pnlUsd.String(),
		"payout", payout.String(),
		"closed", closed,
	)

	if v.hub != nil {
		v.hub.Broadcast(events.Message{
			ID:              uuid.New().String(),
			Type:            events.TypePositionDecreased,
			Account:         key.Account,
			CollateralAsset: key.CollateralAsset,
			IndexAsset:      key.IndexAsset,
			IsLong:          key.IsLong,
			SizeUsd:         newSize.String(),
			Price:           indexPrice.String(),
		})
	}
	return nil
}

// LiquidatePosition force-closes an undermargined position. Callable by
// any keeper; the reward is paid from the position's remaining collateral
// and the rest of the collateral accrues to the backing pool.
func (v *Vault) LiquidatePosition(ctx context.Context, key model.PositionKey, keeper string) (err error) {
	start := time.Now()
	defer func() { observe("liquidate", start, err) }()

	if err = v.guard.Acquire(key.String()); err != nil {
		return err
	}
	defer v.guard.Release(key.String())

	if err = v.guard.Acquire(poolGuardKey(key.CollateralAsset)); err != nil {
		return err
	}
	defer v.guard.Release(poolGuardKey(key.CollateralAsset))

	v.mu.Lock()
	defer v.mu.Unlock()

	if err = v.requireInitialized(); err != nil {
		return err
	}

	pos, err := v.store.GetPosition(ctx, key)
	if err != nil {
		return err
	}
	if !pos.IsOpen() {
		return fmt.Errorf("%w: no open position for %s", model.ErrState, key)
	}

	colDecimals, err := v.registry.Decimals(ctx, key.CollateralAsset)
	if err != nil {
		return err
	}

	indexPrice, err := v.oracle.Price(ctx, key.IndexAsset)
	if err != nil {
		return err
	}
	collateralPrice, err := v.oracle.Price(ctx, key.CollateralAsset)
	if err != nil {
		return err
	}

	// Liquidation eligibility is recomputed from scratch on every
	// attempt; there is no persisted "flagged" state.
	pnlUsd := realizedPnl(pos.SizeUsd, indexPrice, pos.AvgEntryPrice, key.IsLong)
	collateralUsd := tokenToUsd(pos.Collateral, collateralPrice, colDecimals)
	threshold := pos.SizeUsd.Mul(decimal.NewFromInt(v.cfg.MaintenanceMarginBps)).Div(bpsDivisor)

	equity := collateralUsd.Add(pnlUsd)
	if equity.GreaterThanOrEqual(threshold) {
		return fmt.Errorf("%w: position healthy (equity %s >= maintenance %s)",
			model.ErrState, equity, threshold)
	}

	pool, err := v.store.GetPoolState(ctx, pos.ReserveAsset)
	if err != nil {
		return err
	}
	if pool == nil {
		return fmt.Errorf("%w: no pool state for reserve asset %s", model.ErrState, pos.ReserveAsset)
	}

	pool.TotalReserved = clampZero(pool.TotalReserved.Sub(pos.ReservedAmount))

	// Keeper reward from whatever collateral value is left, then the
	// remainder of the collateral accrues to the pool as counterparty
	// gain.
	remainingUsd := clampZero(equity)
	rewardUsd := decimal.Min(v.cfg.LiquidationFeeUsd, remainingUsd)
	rewardTokens := usdToToken(rewardUsd, collateralPrice, colDecimals)

	poolGainUsd := clampZero(collateralUsd.Sub(rewardUsd))
	pool.TotalLiquidity = pool.TotalLiquidity.Add(usdToToken(poolGainUsd, collateralPrice, colDecimals))

	if rewardTokens.IsPositive() {
		if err = v.bank.Transfer(key.CollateralAsset, Holder, keeper, rewardTokens); err != nil {
			return err
		}
	}

	// Commit all writes together.
	err = v.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.DeletePosition(ctx, key); err != nil {
			return err
		}
		if err := tx.SavePoolState(ctx, pool); err != nil {
			return err
		}
		if rewardTokens.IsPositive() {
			recorded, err := tx.GetCustodyBalance(ctx, key.CollateralAsset)
			if err != nil {
				return err
			}
			return tx.SaveCustodyBalance(ctx, key.CollateralAsset, recorded.Sub(rewardTokens))
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.LiquidationsTotal.Inc()
	v.publishPoolGauges(pool)
	v.refreshOpenPositions(ctx)

	slog.Info("position liquidated",
		"account", key.Account,
		"collateral_asset", key.CollateralAsset,
		"index_asset", key.IndexAsset,
		"is_long", key.IsLong,
		"size_usd", pos.SizeUsd.String(),
		"equity_usd", equity.String(),
		"keeper", keeper,
		"reward_usd", rewardUsd.String(),
	)

	if v.hub != nil {
		v.hub.Broadcast(events.Message{
			ID:              uuid.New().String(),
			Type:            events.TypePositionLiquidated,
			Account:         key.Account,
			CollateralAsset: key.CollateralAsset,
			IndexAsset:      key.IndexAsset,
			IsLong:          key.IsLong,
			SizeUsd:         pos.SizeUsd.String(),
			Price:           indexPrice.String(),
		})
	}
	return nil
}

// --- Helpers ---

// realizedPnl computes the USD PnL on a closed notional slice: longs gain
// when price rises, shorts gain when it falls.
func realizedPnl(sizeUsd, price, avgEntry decimal.Decimal, isLong bool) decimal.Decimal {
	pnl := sizeUsd.Mul(price.Sub(avgEntry)).Div(avgEntry)
	if !isLong {
		pnl = pnl.Neg()
	}
	return pnl
}

func (v *Vault) requireWhitelisted(ctx context.Context, symbols ...string) error {
	for _, s := range symbols {
		ok, err := v.registry.IsWhitelisted(ctx, s)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: asset %s is not whitelisted", model.ErrValidation, s)
		}
	}
	return nil
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func (v *Vault) publishPoolGauges(pool *model.PoolState) {
	metrics.PoolLiquidity.WithLabelValues(pool.Asset).Set(pool.TotalLiquidity.InexactFloat64())
	metrics.PoolReserved.WithLabelValues(pool.Asset).Set(pool.TotalReserved.InexactFloat64())
}

func (v *Vault) refreshOpenPositions(ctx context.Context) {
	if positions, err := v.store.ListOpenPositions(ctx); err == nil {
		metrics.OpenPositions.Set(float64(len(positions)))
	}
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
