// Package pricing supplies USD prices to the vault core. The Oracle
// interface is satisfied by a deterministic faucet (tests, dev mode) and by
// a Redis-backed feed adapter fed by an external price keeper — selected by
// dependency injection so no test-only code path leaks into the core.
package pricing

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/model"
)

// Oracle returns the current USD price for an asset. A missing or
// non-positive price is an OracleError.
type Oracle interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Faucet is a deterministic oracle with settable prices. Used for tests
// and for development without a live keeper.
type Faucet struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewFaucet creates an empty faucet oracle.
func NewFaucet() *Faucet {
	return &Faucet{prices: make(map[string]decimal.Decimal)}
}

// SetPrice sets the faucet price for an asset. Setting zero clears it.
func (f *Faucet) SetPrice(asset string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = price
}

// Price implements Oracle.
func (f *Faucet) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	f.mu.RLock()
	price, ok := f.prices[asset]
	f.mu.RUnlock()

	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", model.ErrOracle, asset)
	}
	return price, nil
}

// Feed reads keeper-pushed prices from Redis. The keeper writes the latest
// price for each asset under feedKey(asset); stale entries expire with the
// keeper's own TTL, so an expired key surfaces as an OracleError here
// rather than a silently stale price.
type Feed struct {
	rdb *redis.Client
}

// NewFeed creates a Redis-backed price feed.
func NewFeed(rdb *redis.Client) *Feed {
	return &Feed{rdb: rdb}
}

// Price implements Oracle.
func (f *Feed) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	raw, err := f.rdb.Get(ctx, feedKey(asset)).Result()
	if err == redis.Nil {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", model.ErrOracle, asset)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: feed read for %s: %v", model.ErrOracle, asset, err)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bad price %q for %s", model.ErrOracle, raw, asset)
	}
	return price, nil
}

func feedKey(asset string) string { return fmt.Sprintf("price:%s", asset) }
