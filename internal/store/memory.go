package store

import (
	"context"
	"maps"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	assets    map[string]*model.Asset
	positions map[string]*model.Position
	pools     map[string]*model.PoolState
	shares    map[string]*model.ProviderShare
	custody   map[string]decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:    make(map[string]*model.Asset),
		positions: make(map[string]*model.Position),
		pools:     make(map[string]*model.PoolState),
		shares:    make(map[string]*model.ProviderShare),
		custody:   make(map[string]decimal.Decimal),
	}
}

func shareKey(provider, asset string) string { return provider + ":" + asset }

func (s *MemoryStore) UpsertAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.assets[a.Symbol] = &cp
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, symbol string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[symbol]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, *a)
	}
	return assets, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[p.Key.String()] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key.String()]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, key model.PositionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, key.String())
	return nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, account string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.Key.Account == account {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) SavePoolState(_ context.Context, p *model.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.pools[p.Asset] = &cp
	return nil
}

func (s *MemoryStore) GetPoolState(_ context.Context, asset string) (*model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[asset]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPoolStates(_ context.Context) ([]model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.PoolState, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	return pools, nil
}

func (s *MemoryStore) SaveProviderShare(_ context.Context, sh *model.ProviderShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sh
	s.shares[shareKey(sh.Provider, sh.Asset)] = &cp
	return nil
}

func (s *MemoryStore) GetProviderShare(_ context.Context, provider, asset string) (*model.ProviderShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shares[shareKey(provider, asset)]
	if !ok {
		return nil, nil
	}
	cp := *sh
	return &cp, nil
}

func (s *MemoryStore) DeleteProviderShare(_ context.Context, provider, asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.shares, shareKey(provider, asset))
	return nil
}

func (s *MemoryStore) SaveCustodyBalance(_ context.Context, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.custody[asset] = amount
	return nil
}

func (s *MemoryStore) GetCustodyBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.custody[asset], nil
}

// WithinTx stages fn's writes on a cloned map set and swaps it in only
// when fn succeeds. Shallow clones are enough because every setter stores
// a fresh copy; isolation between writers comes from the ledger's single
// write lock, not from the store.
func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Store) error) error {
	s.mu.RLock()
	staged := &MemoryStore{
		assets:    maps.Clone(s.assets),
		positions: maps.Clone(s.positions),
		pools:     maps.Clone(s.pools),
		shares:    maps.Clone(s.shares),
		custody:   maps.Clone(s.custody),
	}
	s.mu.RUnlock()

	if err := fn(staged); err != nil {
		return err
	}

	s.mu.Lock()
	s.assets = staged.assets
	s.positions = staged.positions
	s.pools = staged.pools
	s.shares = staged.shares
	s.custody = staged.custody
	s.mu.Unlock()
	return nil
}
