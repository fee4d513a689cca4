package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/openperp/vault-engine/internal/model"
	"github.com/openperp/vault-engine/internal/registry"
	"github.com/openperp/vault-engine/internal/store"
)

const adminKey = "test-admin-key"

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(store.NewMemoryStore(), adminKey)
}

func TestSetDecimals(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetDecimals(ctx, adminKey, "FBTC", 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dec, err := reg.Decimals(ctx, "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != 8 {
		t.Errorf("decimals = %d, want 8", dec)
	}
}

func TestSetDecimals_Idempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetDecimals(ctx, adminKey, "FBTC", 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.SetDecimals(ctx, adminKey, "FBTC", 8); err != nil {
		t.Fatalf("second call should succeed: %v", err)
	}
}

func TestMutators_RequireAdminKey(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetDecimals(ctx, "wrong-key", "FBTC", 8); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("SetDecimals: expected unauthorized, got %v", err)
	}
	if err := reg.SetPriceFeed(ctx, "wrong-key", "FBTC", "feed-fbtc"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("SetPriceFeed: expected unauthorized, got %v", err)
	}
	if err := reg.SetStableToken(ctx, "wrong-key", "FUSD"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("SetStableToken: expected unauthorized, got %v", err)
	}
	if err := reg.SetWhitelistToken(ctx, "wrong-key", "FBTC"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("SetWhitelistToken: expected unauthorized, got %v", err)
	}
}

func TestWhitelist(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	ok, err := reg.IsWhitelisted(ctx, "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("unregistered asset should not be whitelisted")
	}

	if err := reg.SetWhitelistToken(ctx, adminKey, "FBTC"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err = reg.IsWhitelisted(ctx, "FBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("asset should be whitelisted after SetWhitelistToken")
	}
}

func TestMutatorsPreserveOtherFields(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetDecimals(ctx, adminKey, "FUSD", 6); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.SetStableToken(ctx, adminKey, "FUSD"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.SetWhitelistToken(ctx, adminKey, "FUSD"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := reg.Get(ctx, "FUSD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Decimals != 6 || !a.IsStable || !a.IsWhitelisted {
		t.Errorf("fields lost across mutators: %+v", a)
	}
}

func TestDecimals_Unset(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Decimals(ctx, "FBTC"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for unregistered asset, got %v", err)
	}

	// Registered via whitelist but decimals never configured.
	if err := reg.SetWhitelistToken(ctx, adminKey, "FBTC"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Decimals(ctx, "FBTC"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for unset decimals, got %v", err)
	}
}

func TestPriceFeedOf(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetPriceFeed(ctx, adminKey, "FETH", "feed-feth"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	feed, err := reg.PriceFeedOf(ctx, "FETH")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feed != "feed-feth" {
		t.Errorf("feed = %q, want feed-feth", feed)
	}
}

func TestList(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetDecimals(ctx, adminKey, "FBTC", 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.SetDecimals(ctx, adminKey, "FETH", 18); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assets, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assets) != 2 {
		t.Errorf("expected 2 assets, got %d", len(assets))
	}
}
