// Package registry is the asset registry: per-asset decimal scale,
// whitelist flag, stable flag, and price feed reference. The vault and the
// liquidity pool consult it before touching any asset.
//
// Mutators are administrator-only. The admin credential is injected at
// construction and checked at the call boundary, so the registry itself
// carries no ambient global state and is testable in isolation.
package registry

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/openperp/vault-engine/internal/model"
	"github.com/openperp/vault-engine/internal/store"
)

// Registry stores static asset metadata. Entries are created on first
// mutator call for a symbol, never deleted, only overwritten — every
// setter is idempotent.
type Registry struct {
	store    store.Store
	adminKey string
}

// New creates a registry backed by the given store. adminKey gates all
// mutators.
func New(st store.Store, adminKey string) *Registry {
	return &Registry{store: st, adminKey: adminKey}
}

func (r *Registry) authorize(key string) error {
	if subtle.ConstantTimeCompare([]byte(key), []byte(r.adminKey)) != 1 {
		return fmt.Errorf("%w: admin key required", model.ErrUnauthorized)
	}
	return nil
}

// load fetches the existing record or a fresh zero-value one for symbol.
func (r *Registry) load(ctx context.Context, symbol string) (*model.Asset, error) {
	a, err := r.store.GetAsset(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if a == nil {
		a = &model.Asset{Symbol: symbol}
	}
	return a, nil
}

// SetPriceFeed records the oracle feed reference for an asset.
func (r *Registry) SetPriceFeed(ctx context.Context, adminKey, symbol, feed string) error {
	if err := r.authorize(adminKey); err != nil {
		return err
	}
	if feed == "" {
		return fmt.Errorf("%w: empty price feed for %s", model.ErrValidation, symbol)
	}

	a, err := r.load(ctx, symbol)
	if err != nil {
		return err
	}
	a.PriceFeed = feed
	if err := r.store.UpsertAsset(ctx, a); err != nil {
		return err
	}

	slog.Info("price feed set", "asset", symbol, "feed", feed)
	return nil
}

// SetDecimals records the decimal scale for an asset (e.g. 8 or 18).
func (r *Registry) SetDecimals(ctx context.Context, adminKey, symbol string, decimals int32) error {
	if err := r.authorize(adminKey); err != nil {
		return err
	}
	if decimals <= 0 {
		return fmt.Errorf("%w: decimals must be positive for %s", model.ErrValidation, symbol)
	}

	a, err := r.load(ctx, symbol)
	if err != nil {
		return err
	}
	a.Decimals = decimals
	if err := r.store.UpsertAsset(ctx, a); err != nil {
		return err
	}

	slog.Info("decimals set", "asset", symbol, "decimals", decimals)
	return nil
}

// SetStableToken flags an asset as stable.
func (r *Registry) SetStableToken(ctx context.Context, adminKey, symbol string) error {
	if err := r.authorize(adminKey); err != nil {
		return err
	}

	a, err := r.load(ctx, symbol)
	if err != nil {
		return err
	}
	a.IsStable = true
	if err := r.store.UpsertAsset(ctx, a); err != nil {
		return err
	}

	slog.Info("stable token set", "asset", symbol)
	return nil
}

// SetWhitelistToken admits an asset for use as collateral or index.
func (r *Registry) SetWhitelistToken(ctx context.Context, adminKey, symbol string) error {
	if err := r.authorize(adminKey); err != nil {
		return err
	}

	a, err := r.load(ctx, symbol)
	if err != nil {
		return err
	}
	a.IsWhitelisted = true
	if err := r.store.UpsertAsset(ctx, a); err != nil {
		return err
	}

	slog.Info("token whitelisted", "asset", symbol)
	return nil
}

// Get returns the registered record for symbol, or a ValidationError if
// the asset was never registered.
func (r *Registry) Get(ctx context.Context, symbol string) (*model.Asset, error) {
	a, err := r.store.GetAsset(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: asset %s not registered", model.ErrValidation, symbol)
	}
	return a, nil
}

// Decimals returns the decimal scale for symbol. Fails with a
// ValidationError if the asset was never registered or has no scale.
func (r *Registry) Decimals(ctx context.Context, symbol string) (int32, error) {
	a, err := r.Get(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if a.Decimals == 0 {
		return 0, fmt.Errorf("%w: decimals not set for %s", model.ErrValidation, symbol)
	}
	return a.Decimals, nil
}

// IsWhitelisted reports whether symbol may be used as collateral or index.
// Unregistered assets are simply not whitelisted.
func (r *Registry) IsWhitelisted(ctx context.Context, symbol string) (bool, error) {
	a, err := r.store.GetAsset(ctx, symbol)
	if err != nil {
		return false, err
	}
	return a != nil && a.IsWhitelisted, nil
}

// PriceFeedOf returns the configured feed reference, failing with a
// ValidationError if unset.
func (r *Registry) PriceFeedOf(ctx context.Context, symbol string) (string, error) {
	a, err := r.Get(ctx, symbol)
	if err != nil {
		return "", err
	}
	if a.PriceFeed == "" {
		return "", fmt.Errorf("%w: price feed not set for %s", model.ErrValidation, symbol)
	}
	return a.PriceFeed, nil
}

// List returns all registered assets.
func (r *Registry) List(ctx context.Context) ([]model.Asset, error) {
	return r.store.ListAssets(ctx)
}
