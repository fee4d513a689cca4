// Package token abstracts the fungible-asset transfer primitive the vault
// settles against. The engine only assumes standard conservation-of-supply
// transfer semantics; Mint exists for tests and development faucets.
package token

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/model"
)

// Bank moves token balances between holders. Amounts are native units.
type Bank interface {
	// Transfer moves amount of asset from one holder to another.
	Transfer(asset, from, to string, amount decimal.Decimal) error

	// BalanceOf returns the holder's balance of asset.
	BalanceOf(asset, holder string) decimal.Decimal
}

// Minter is the test/dev extension of Bank: create supply out of thin air.
type Minter interface {
	Bank
	Mint(asset, to string, amount decimal.Decimal)
}

// MemoryBank implements Minter with in-memory balances.
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal // asset:holder → balance
}

// NewMemoryBank creates an empty in-memory bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[string]decimal.Decimal)}
}

func balanceKey(asset, holder string) string { return asset + ":" + holder }

// Mint credits newly created supply to a holder.
func (b *MemoryBank) Mint(asset, to string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := balanceKey(asset, to)
	b.balances[key] = b.balances[key].Add(amount)
}

// Transfer implements Bank. Fails if the sender's balance is insufficient.
func (b *MemoryBank) Transfer(asset, from, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: transfer amount must be positive", model.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fromKey := balanceKey(asset, from)
	if b.balances[fromKey].LessThan(amount) {
		return fmt.Errorf("%w: insufficient %s balance for %s", model.ErrValidation, asset, from)
	}

	toKey := balanceKey(asset, to)
	b.balances[fromKey] = b.balances[fromKey].Sub(amount)
	b.balances[toKey] = b.balances[toKey].Add(amount)
	return nil
}

// BalanceOf implements Bank.
func (b *MemoryBank) BalanceOf(asset, holder string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.balances[balanceKey(asset, holder)]
}
