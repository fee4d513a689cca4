// Package api provides the HTTP handlers for the vault engine: admin
// registry management, price faucet, position operations, and pool
// deposits/withdrawals.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/openperp/vault-engine/internal/lp"
	"github.com/openperp/vault-engine/internal/model"
	"github.com/openperp/vault-engine/internal/pricing"
	"github.com/openperp/vault-engine/internal/registry"
	"github.com/openperp/vault-engine/internal/token"
	"github.com/openperp/vault-engine/internal/vault"
)

// adminKeyHeader carries the admin credential on registry mutations.
const adminKeyHeader = "X-Admin-Key"

// API wires the domain services to the HTTP surface.
type API struct {
	vault    *vault.Vault
	pool     *lp.Manager
	registry *registry.Registry
	oracle   pricing.Oracle
	bank     token.Bank

	adminLimiter *rate.Limiter
}

// New creates the handler set. The admin rate limiter allows short bursts
// of registry configuration while keeping brute-force key guessing slow.
func New(v *vault.Vault, pool *lp.Manager, reg *registry.Registry, oracle pricing.Oracle, bank token.Bank) *API {
	return &API{
		vault:        v,
		pool:         pool,
		registry:     reg,
		oracle:       oracle,
		bank:         bank,
		adminLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Mount registers all routes on the given router under the current path.
func (a *API) Mount(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(a.rateLimitAdmin)
		r.Post("/assets/{symbol}/price-feed", a.SetPriceFeed)
		r.Post("/assets/{symbol}/decimals", a.SetDecimals)
		r.Post("/assets/{symbol}/stable", a.SetStableToken)
		r.Post("/assets/{symbol}/whitelist", a.SetWhitelistToken)
		r.Post("/prices/{symbol}", a.SetPrice)
	})

	r.Get("/assets", a.ListAssets)
	r.Get("/assets/{symbol}", a.GetAsset)
	r.Get("/prices/{symbol}", a.GetPrice)

	r.Post("/positions/increase", a.IncreasePosition)
	r.Post("/positions/decrease", a.DecreasePosition)
	r.Post("/positions/liquidate", a.LiquidatePosition)
	r.Get("/positions/{account}", a.ListPositions)

	r.Post("/pool/deposit", a.PoolDeposit)
	r.Post("/pool/withdraw", a.PoolWithdraw)
	r.Get("/pool", a.ListPools)
	r.Get("/pool/{asset}", a.GetPool)
}

func (a *API) rateLimitAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.adminLimiter.Allow() {
			writeError(w, "admin rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request/Response types ---

// PositionRequest identifies a position in operation bodies.
type PositionRequest struct {
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	IsLong          bool   `json:"is_long"`
}

func (p PositionRequest) key() model.PositionKey {
	return model.PositionKey{
		Account:         p.Account,
		CollateralAsset: p.CollateralAsset,
		IndexAsset:      p.IndexAsset,
		IsLong:          p.IsLong,
	}
}

// IncreaseRequest is the JSON body for POST /positions/increase.
// CollateralAmount is pulled from the account's bank balance into vault
// custody before the increase runs; zero adds size against existing
// collateral only.
type IncreaseRequest struct {
	PositionRequest
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	SizeDeltaUsd     decimal.Decimal `json:"size_delta_usd"`
}

// DecreaseRequest is the JSON body for POST /positions/decrease.
type DecreaseRequest struct {
	PositionRequest
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	SizeDeltaUsd    decimal.Decimal `json:"size_delta_usd"`
}

// LiquidateRequest is the JSON body for POST /positions/liquidate.
type LiquidateRequest struct {
	PositionRequest
	Keeper string `json:"keeper"`
}

// PoolRequest is the JSON body for pool deposits and withdrawals. Amount
// is used by deposits, Shares by withdrawals.
type PoolRequest struct {
	Provider string          `json:"provider"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
	Shares   decimal.Decimal `json:"shares"`
}

// --- Admin handlers ---

// SetPriceFeed handles POST /api/v1/admin/assets/{symbol}/price-feed
func (a *API) SetPriceFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feed string `json:"feed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	symbol := chi.URLParam(r, "symbol")
	if err := a.registry.SetPriceFeed(r.Context(), r.Header.Get(adminKeyHeader), symbol, req.Feed); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "feed": req.Feed})
}

// SetDecimals handles POST /api/v1/admin/assets/{symbol}/decimals
func (a *API) SetDecimals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decimals int32 `json:"decimals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	symbol := chi.URLParam(r, "symbol")
	if err := a.registry.SetDecimals(r.Context(), r.Header.Get(adminKeyHeader), symbol, req.Decimals); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "decimals": req.Decimals})
}

// SetStableToken handles POST /api/v1/admin/assets/{symbol}/stable
func (a *API) SetStableToken(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := a.registry.SetStableToken(r.Context(), r.Header.Get(adminKeyHeader), symbol); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "is_stable": true})
}

// SetWhitelistToken handles POST /api/v1/admin/assets/{symbol}/whitelist
func (a *API) SetWhitelistToken(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := a.registry.SetWhitelistToken(r.Context(), r.Header.Get(adminKeyHeader), symbol); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "is_whitelisted": true})
}

// SetPrice handles POST /api/v1/admin/prices/{symbol}. Only available
// when the engine runs against the development faucet oracle.
func (a *API) SetPrice(w http.ResponseWriter, r *http.Request) {
	faucet, ok := a.oracle.(*pricing.Faucet)
	if !ok {
		writeError(w, "price faucet not available with external oracle", http.StatusConflict)
		return
	}

	var req struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	symbol := chi.URLParam(r, "symbol")
	faucet.SetPrice(symbol, req.Price)
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "price": req.Price.String()})
}

// --- Query handlers ---

// ListAssets handles GET /api/v1/assets
func (a *API) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := a.registry.List(r.Context())
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset handles GET /api/v1/assets/{symbol}
func (a *API) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := a.registry.Get(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// GetPrice handles GET /api/v1/prices/{symbol}
func (a *API) GetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	price, err := a.oracle.Price(r.Context(), symbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "price": price.String()})
}

// --- Position handlers ---

// IncreasePosition handles POST /api/v1/positions/increase
func (a *API) IncreasePosition(w http.ResponseWriter, r *http.Request) {
	var req IncreaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	// Move the posted collateral into vault custody first; the vault
	// discovers it as a balance delta.
	if req.CollateralAmount.IsPositive() {
		if err := a.bank.Transfer(req.CollateralAsset, req.Account, vault.Holder, req.CollateralAmount); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	key := req.key()
	if err := a.vault.IncreasePosition(r.Context(), key, req.SizeDeltaUsd); err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := a.vault.Position(r.Context(), key)
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// DecreasePosition handles POST /api/v1/positions/decrease
func (a *API) DecreasePosition(w http.ResponseWriter, r *http.Request) {
	var req DecreaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key := req.key()
	if err := a.vault.DecreasePosition(r.Context(), key, req.CollateralDelta, req.SizeDeltaUsd); err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := a.vault.Position(r.Context(), key)
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	if pos == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// LiquidatePosition handles POST /api/v1/positions/liquidate
func (a *API) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Keeper == "" {
		writeError(w, "keeper is required", http.StatusBadRequest)
		return
	}

	if err := a.vault.LiquidatePosition(r.Context(), req.key(), req.Keeper); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"liquidated": true})
}

// ListPositions handles GET /api/v1/positions/{account}
func (a *API) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := a.vault.Positions(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Pool handlers ---

// PoolDeposit handles POST /api/v1/pool/deposit
func (a *API) PoolDeposit(w http.ResponseWriter, r *http.Request) {
	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Provider == "" {
		writeError(w, "provider is required", http.StatusBadRequest)
		return
	}

	// Stage the tokens at the pool's custody account; Deposit forwards
	// them into vault custody.
	if req.Amount.IsPositive() {
		if err := a.bank.Transfer(req.Asset, req.Provider, lp.Holder, req.Amount); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	shares, err := a.pool.Deposit(r.Context(), req.Provider, req.Asset, req.Amount)
	if err != nil {
		// Return staged tokens on a rejected deposit.
		if req.Amount.IsPositive() {
			_ = a.bank.Transfer(req.Asset, lp.Holder, req.Provider, req.Amount)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"provider": req.Provider,
		"asset":    req.Asset,
		"amount":   req.Amount.String(),
		"shares":   shares.String(),
	})
}

// PoolWithdraw handles POST /api/v1/pool/withdraw
func (a *API) PoolWithdraw(w http.ResponseWriter, r *http.Request) {
	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Provider == "" {
		writeError(w, "provider is required", http.StatusBadRequest)
		return
	}

	amount, err := a.pool.Withdraw(r.Context(), req.Provider, req.Asset, req.Shares)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"provider": req.Provider,
		"asset":    req.Asset,
		"shares":   req.Shares.String(),
		"amount":   amount.String(),
	})
}

// ListPools handles GET /api/v1/pool
func (a *API) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := a.pool.PoolStates(r.Context())
	if err != nil {
		writeError(w, "failed to list pools", http.StatusInternalServerError)
		return
	}
	if pools == nil {
		pools = []model.PoolState{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// GetPool handles GET /api/v1/pool/{asset}. With ?provider=, includes the
// provider's share balance.
func (a *API) GetPool(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	state, err := a.pool.PoolState(r.Context(), asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if state == nil {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}

	value, err := a.pool.PoolValue(r.Context(), asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"state": state,
		"value": value.String(),
	}
	if provider := r.URL.Query().Get("provider"); provider != "" {
		shares, serr := a.pool.Shares(r.Context(), provider, asset)
		if serr != nil {
			writeDomainError(w, serr)
			return
		}
		resp["provider_shares"] = shares.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

// writeDomainError maps domain sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrOracle):
		status = http.StatusBadGateway
	case errors.Is(err, model.ErrLiquidity),
		errors.Is(err, model.ErrMargin),
		errors.Is(err, model.ErrState):
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
