package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/api"
	"github.com/openperp/vault-engine/internal/fees"
	"github.com/openperp/vault-engine/internal/lp"
	"github.com/openperp/vault-engine/internal/model"
	"github.com/openperp/vault-engine/internal/pricing"
	"github.com/openperp/vault-engine/internal/registry"
	"github.com/openperp/vault-engine/internal/store"
	"github.com/openperp/vault-engine/internal/token"
	"github.com/openperp/vault-engine/internal/vault"
)

const adminKey = "test-admin-key"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func units(f float64, decimals int32) decimal.Decimal {
	return decimal.NewFromFloat(f).Mul(decimal.New(1, decimals))
}

type testEnv struct {
	router chi.Router
	bank   *token.MemoryBank
}

// newTestEnv stands up the full HTTP surface on in-memory collaborators
// with a faucet oracle.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ms := store.NewMemoryStore()
	bank := token.NewMemoryBank()
	faucet := pricing.NewFaucet()
	reg := registry.New(ms, adminKey)

	v := vault.New(ms, bank, faucet, nil, vault.DefaultConfig())
	if err := v.Initialize(reg, fees.NewBasisPoint(10)); err != nil {
		t.Fatalf("failed to initialize vault: %v", err)
	}
	mgr := lp.New(ms, faucet, reg, nil)
	if err := mgr.Initialize(v); err != nil {
		t.Fatalf("failed to initialize lp manager: %v", err)
	}

	handlers := api.New(v, mgr, reg, faucet, bank)
	r := chi.NewRouter()
	r.Route("/api/v1", handlers.Mount)

	return &testEnv{router: r, bank: bank}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// configureAssets registers FBTC and FETH and sets faucet prices through
// the admin API.
func configureAssets(t *testing.T, env *testEnv) {
	t.Helper()
	steps := []struct {
		path string
		body any
	}{
		{"/api/v1/admin/assets/FBTC/decimals", map[string]int32{"decimals": 8}},
		{"/api/v1/admin/assets/FBTC/whitelist", nil},
		{"/api/v1/admin/prices/FBTC", map[string]decimal.Decimal{"price": d(18000)}},
		{"/api/v1/admin/assets/FETH/decimals", map[string]int32{"decimals": 18}},
		{"/api/v1/admin/assets/FETH/whitelist", nil},
		{"/api/v1/admin/prices/FETH", map[string]decimal.Decimal{"price": d(1800)}},
	}
	for _, s := range steps {
		if w := env.do(t, "POST", s.path, s.body, true); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", s.path, w.Code, w.Body.String())
		}
	}
}

func TestAdmin_RequiresKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/assets/FBTC/decimals", map[string]int32{"decimals": 8}, false)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	configureAssets(t, env)

	// Fund the pool through the LP endpoint.
	env.bank.Mint("FBTC", "lp1", units(500, 8))
	w := env.do(t, "POST", "/api/v1/pool/deposit", api.PoolRequest{
		Provider: "lp1",
		Asset:    "FBTC",
		Amount:   units(500, 8),
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("pool deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Open a 3.6M USD short on FETH with 20 FBTC collateral.
	env.bank.Mint("FBTC", "trader1", units(20, 8))
	w = env.do(t, "POST", "/api/v1/positions/increase", api.IncreaseRequest{
		PositionRequest: api.PositionRequest{
			Account:         "trader1",
			CollateralAsset: "FBTC",
			IndexAsset:      "FETH",
			IsLong:          false,
		},
		CollateralAmount: units(20, 8),
		SizeDeltaUsd:     d(3_600_000),
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("increase: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var pos model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &pos); err != nil {
		t.Fatalf("failed to decode position: %v", err)
	}
	if !pos.SizeUsd.Equal(d(3_600_000)) {
		t.Errorf("size = %s, want 3600000", pos.SizeUsd)
	}
	if !pos.AvgEntryPrice.Equal(d(1800)) {
		t.Errorf("entry price = %s, want 1800", pos.AvgEntryPrice)
	}

	// Position shows up under the account.
	w = env.do(t, "GET", "/api/v1/positions/trader1", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("list positions: expected 200, got %d", w.Code)
	}
	var positions []model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &positions); err != nil {
		t.Fatalf("failed to decode positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}

	// Close it flat.
	w = env.do(t, "POST", "/api/v1/positions/decrease", api.DecreaseRequest{
		PositionRequest: api.PositionRequest{
			Account:         "trader1",
			CollateralAsset: "FBTC",
			IndexAsset:      "FETH",
			IsLong:          false,
		},
		CollateralDelta: decimal.Zero,
		SizeDeltaUsd:    d(3_600_000),
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("decrease: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/positions/trader1", nil, false)
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 0 {
		t.Errorf("expected no open positions after close, got %d", len(positions))
	}
}

func TestIncrease_InsufficientLiquidityMapsTo409(t *testing.T) {
	env := newTestEnv(t)
	configureAssets(t, env)

	// Pool too small for the requested reserve.
	env.bank.Mint("FBTC", "lp1", units(10, 8))
	env.do(t, "POST", "/api/v1/pool/deposit", api.PoolRequest{
		Provider: "lp1", Asset: "FBTC", Amount: units(10, 8),
	}, false)

	env.bank.Mint("FBTC", "trader1", units(20, 8))
	w := env.do(t, "POST", "/api/v1/positions/increase", api.IncreaseRequest{
		PositionRequest: api.PositionRequest{
			Account:         "trader1",
			CollateralAsset: "FBTC",
			IndexAsset:      "FETH",
			IsLong:          false,
		},
		CollateralAmount: units(20, 8),
		SizeDeltaUsd:     d(3_600_000),
	}, false)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetPrice_MissingMapsTo502(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/prices/FBTC", nil, false)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetPool_WithProviderShares(t *testing.T) {
	env := newTestEnv(t)
	configureAssets(t, env)

	env.bank.Mint("FBTC", "lp1", units(500, 8))
	env.do(t, "POST", "/api/v1/pool/deposit", api.PoolRequest{
		Provider: "lp1", Asset: "FBTC", Amount: units(500, 8),
	}, false)

	w := env.do(t, "GET", "/api/v1/pool/FBTC?provider=lp1", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Value          string `json:"value"`
		ProviderShares string `json:"provider_shares"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ProviderShares == "" || resp.ProviderShares == "0" {
		t.Errorf("expected provider shares, got %q", resp.ProviderShares)
	}
}
