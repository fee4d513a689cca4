package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for registry assets and pool states — the records every position
// operation reads. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Assets (read-through) ---

func (s *CachedStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.UpsertAsset(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, assetKey(a.Symbol), a)
	return nil
}

func (s *CachedStore) GetAsset(ctx context.Context, symbol string) (*model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetKey(symbol)).Bytes()
	if err == nil {
		var a model.Asset
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAsset(ctx, symbol)
	if err != nil || a == nil {
		return a, err
	}

	s.cacheJSON(ctx, assetKey(symbol), a)
	return a, nil
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	return s.primary.ListAssets(ctx)
}

// --- Pool states (read-through) ---

func (s *CachedStore) SavePoolState(ctx context.Context, p *model.PoolState) error {
	if err := s.primary.SavePoolState(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, poolKey(p.Asset))
	return nil
}

func (s *CachedStore) GetPoolState(ctx context.Context, asset string) (*model.PoolState, error) {
	data, err := s.rdb.Get(ctx, poolKey(asset)).Bytes()
	if err == nil {
		var p model.PoolState
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPoolState(ctx, asset)
	if err != nil || p == nil {
		return p, err
	}

	s.cacheJSON(ctx, poolKey(asset), p)
	return p, nil
}

func (s *CachedStore) ListPoolStates(ctx context.Context) ([]model.PoolState, error) {
	return s.primary.ListPoolStates(ctx)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	return s.primary.SavePosition(ctx, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.primary.GetPosition(ctx, key)
}

func (s *CachedStore) DeletePosition(ctx context.Context, key model.PositionKey) error {
	return s.primary.DeletePosition(ctx, key)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListOpenPositions(ctx)
}

func (s *CachedStore) ListPositionsByAccount(ctx context.Context, account string) ([]model.Position, error) {
	return s.primary.ListPositionsByAccount(ctx, account)
}

func (s *CachedStore) SaveProviderShare(ctx context.Context, sh *model.ProviderShare) error {
	return s.primary.SaveProviderShare(ctx, sh)
}

func (s *CachedStore) GetProviderShare(ctx context.Context, provider, asset string) (*model.ProviderShare, error) {
	return s.primary.GetProviderShare(ctx, provider, asset)
}

func (s *CachedStore) DeleteProviderShare(ctx context.Context, provider, asset string) error {
	return s.primary.DeleteProviderShare(ctx, provider, asset)
}

func (s *CachedStore) SaveCustodyBalance(ctx context.Context, asset string, amount decimal.Decimal) error {
	return s.primary.SaveCustodyBalance(ctx, asset, amount)
}

func (s *CachedStore) GetCustodyBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return s.primary.GetCustodyBalance(ctx, asset)
}

// WithinTx delegates to the primary store's transaction and invalidates
// the cached records the transaction wrote, after it commits.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	var touched txTouched
	err := s.primary.WithinTx(ctx, func(tx Store) error {
		return fn(&recordingStore{Store: tx, touched: &touched})
	})
	if err != nil {
		return err
	}

	for _, symbol := range touched.assets {
		s.rdb.Del(ctx, assetKey(symbol))
	}
	for _, asset := range touched.pools {
		s.rdb.Del(ctx, poolKey(asset))
	}
	return nil
}

type txTouched struct {
	assets []string
	pools  []string
}

// recordingStore notes which cached records a transaction writes so the
// wrapper can invalidate them once the transaction commits.
type recordingStore struct {
	Store
	touched *txTouched
}

func (r *recordingStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	if err := r.Store.UpsertAsset(ctx, a); err != nil {
		return err
	}
	r.touched.assets = append(r.touched.assets, a.Symbol)
	return nil
}

func (r *recordingStore) SavePoolState(ctx context.Context, p *model.PoolState) error {
	if err := r.Store.SavePoolState(ctx, p); err != nil {
		return err
	}
	r.touched.pools = append(r.touched.pools, p.Asset)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func assetKey(symbol string) string { return fmt.Sprintf("asset:%s", symbol) }
func poolKey(asset string) string   { return fmt.Sprintf("pool:%s", asset) }
