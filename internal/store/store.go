// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Getters return (nil, nil) when the record does not exist — absence is a
// legitimate domain state (a closed position, an unregistered asset), not
// an error.
type Store interface {
	// --- Asset registry entries ---

	// UpsertAsset creates or overwrites a registry record.
	UpsertAsset(ctx context.Context, a *model.Asset) error

	// GetAsset retrieves a registry record by symbol.
	GetAsset(ctx context.Context, symbol string) (*model.Asset, error)

	// ListAssets returns all registered assets.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// --- Positions ---

	// SavePosition creates or overwrites a position record.
	SavePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by its key.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// DeletePosition removes a closed position record.
	DeletePosition(ctx context.Context, key model.PositionKey) error

	// ListOpenPositions returns every open position.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// ListPositionsByAccount returns an account's open positions.
	ListPositionsByAccount(ctx context.Context, account string) ([]model.Position, error)

	// --- Pool state ---

	// SavePoolState creates or overwrites a per-asset pool record.
	SavePoolState(ctx context.Context, p *model.PoolState) error

	// GetPoolState retrieves the pool record for an asset.
	GetPoolState(ctx context.Context, asset string) (*model.PoolState, error)

	// ListPoolStates returns all pool records.
	ListPoolStates(ctx context.Context) ([]model.PoolState, error)

	// --- Provider shares ---

	// SaveProviderShare creates or overwrites a share balance.
	SaveProviderShare(ctx context.Context, s *model.ProviderShare) error

	// GetProviderShare retrieves one provider's share balance in one pool.
	GetProviderShare(ctx context.Context, provider, asset string) (*model.ProviderShare, error)

	// DeleteProviderShare removes a zeroed share balance.
	DeleteProviderShare(ctx context.Context, provider, asset string) error

	// --- Custody bookkeeping ---

	// SaveCustodyBalance records the vault's last known holding of an asset.
	SaveCustodyBalance(ctx context.Context, asset string, amount decimal.Decimal) error

	// GetCustodyBalance returns the recorded holding, zero if never recorded.
	GetCustodyBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// --- Transactions ---

	// WithinTx runs fn against a store whose writes commit together when
	// fn returns nil; any error discards them all.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
