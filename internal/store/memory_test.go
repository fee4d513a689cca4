package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/model"
	"github.com/openperp/vault-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testKey(account string) model.PositionKey {
	return model.PositionKey{
		Account:         account,
		CollateralAsset: "FBTC",
		IndexAsset:      "FETH",
		IsLong:          false,
	}
}

func TestAssetRoundTrip(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	got, err := ms.GetAsset(ctx, "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing asset")
	}

	a := &model.Asset{Symbol: "FBTC", Decimals: 8, IsWhitelisted: true}
	if err := ms.UpsertAsset(ctx, a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err = ms.GetAsset(ctx, "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Decimals != 8 || !got.IsWhitelisted {
		t.Errorf("unexpected asset: %+v", got)
	}

	// Mutating the returned copy must not affect the stored record.
	got.Decimals = 99
	again, _ := ms.GetAsset(ctx, "FBTC")
	if again.Decimals != 8 {
		t.Error("store returned a shared reference instead of a copy")
	}
}

func TestPositionRoundTrip(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	key := testKey("trader1")

	got, err := ms.GetPosition(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing position")
	}

	p := &model.Position{
		Key:            key,
		Collateral:     d(19.8e8),
		SizeUsd:        d(3_600_000),
		AvgEntryPrice:  d(1800),
		ReserveAsset:   "FBTC",
		ReservedAmount: d(200e8),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := ms.SavePosition(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err = ms.GetPosition(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.SizeUsd.Equal(d(3_600_000)) {
		t.Errorf("unexpected position: %+v", got)
	}

	if err := ms.DeletePosition(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = ms.GetPosition(ctx, key)
	if got != nil {
		t.Error("position should be gone after delete")
	}
}

func TestListPositions(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	keys := []model.PositionKey{
		{Account: "trader1", CollateralAsset: "FBTC", IndexAsset: "FETH", IsLong: true},
		{Account: "trader1", CollateralAsset: "FBTC", IndexAsset: "FETH", IsLong: false},
		{Account: "trader2", CollateralAsset: "FBTC", IndexAsset: "FETH", IsLong: true},
	}
	for _, key := range keys {
		p := &model.Position{Key: key, SizeUsd: d(1000), AvgEntryPrice: d(1800), ReserveAsset: "FBTC"}
		if err := ms.SavePosition(ctx, p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	all, err := ms.ListOpenPositions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 open positions, got %d", len(all))
	}

	byAccount := mustList(t, ms, "trader1")
	if len(byAccount) != 2 {
		t.Errorf("expected 2 positions for trader1, got %d", len(byAccount))
	}
}

func mustList(t *testing.T, ms *store.MemoryStore, account string) []model.Position {
	t.Helper()
	positions, err := ms.ListPositionsByAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return positions
}

func TestPoolStateRoundTrip(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	got, err := ms.GetPoolState(ctx, "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing pool")
	}

	p := &model.PoolState{Asset: "FBTC", TotalLiquidity: d(500e8), TotalShares: d(500e8)}
	if err := ms.SavePoolState(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err = ms.GetPoolState(ctx, "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.TotalLiquidity.Equal(d(500e8)) {
		t.Errorf("unexpected pool: %+v", got)
	}

	pools, err := ms.ListPoolStates(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pools) != 1 {
		t.Errorf("expected 1 pool, got %d", len(pools))
	}
}

func TestProviderShareRoundTrip(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	s := &model.ProviderShare{Provider: "lp1", Asset: "FBTC", Shares: d(100)}
	if err := ms.SaveProviderShare(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ms.GetProviderShare(ctx, "lp1", "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.Shares.Equal(d(100)) {
		t.Errorf("unexpected share: %+v", got)
	}

	if err := ms.DeleteProviderShare(ctx, "lp1", "FBTC"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = ms.GetProviderShare(ctx, "lp1", "FBTC")
	if got != nil {
		t.Error("share should be gone after delete")
	}
}

func TestCustodyBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	got, err := ms.GetCustodyBalance(ctx, "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero for unrecorded custody, got %s", got)
	}

	if err := ms.SaveCustodyBalance(ctx, "FBTC", d(520e8)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = ms.GetCustodyBalance(ctx, "FBTC")
	if !got.Equal(d(520e8)) {
		t.Errorf("custody = %s, want 520e8", got)
	}
}

func TestWithinTx_CommitsTogether(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	err := ms.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SavePoolState(ctx, &model.PoolState{Asset: "FBTC", TotalLiquidity: d(500e8)}); err != nil {
			return err
		}
		return tx.SaveCustodyBalance(ctx, "FBTC", d(500e8))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pool, _ := ms.GetPoolState(ctx, "FBTC")
	if pool == nil || !pool.TotalLiquidity.Equal(d(500e8)) {
		t.Errorf("pool should be committed, got %+v", pool)
	}
	custody, _ := ms.GetCustodyBalance(ctx, "FBTC")
	if !custody.Equal(d(500e8)) {
		t.Errorf("custody = %s, want 500e8", custody)
	}
}

func TestWithinTx_RollsBackAllWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.SavePoolState(ctx, &model.PoolState{Asset: "FBTC", TotalLiquidity: d(500e8)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ms.SaveCustodyBalance(ctx, "FBTC", d(500e8)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failure := errors.New("save rejected")
	err := ms.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SavePoolState(ctx, &model.PoolState{Asset: "FBTC", TotalLiquidity: d(1)}); err != nil {
			return err
		}
		if err := tx.SaveCustodyBalance(ctx, "FBTC", decimal.Zero); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &model.Position{Key: testKey("trader1"), SizeUsd: d(1000), UpdatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected the callback error, got %v", err)
	}

	// Every staged write is discarded.
	pool, _ := ms.GetPoolState(ctx, "FBTC")
	if !pool.TotalLiquidity.Equal(d(500e8)) {
		t.Errorf("pool liquidity = %s, want untouched 500e8", pool.TotalLiquidity)
	}
	custody, _ := ms.GetCustodyBalance(ctx, "FBTC")
	if !custody.Equal(d(500e8)) {
		t.Errorf("custody = %s, want untouched 500e8", custody)
	}
	pos, _ := ms.GetPosition(ctx, testKey("trader1"))
	if pos != nil {
		t.Error("position should not exist after rollback")
	}
}
