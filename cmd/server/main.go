package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/api"
	"github.com/openperp/vault-engine/internal/events"
	"github.com/openperp/vault-engine/internal/fees"
	"github.com/openperp/vault-engine/internal/lp"
	"github.com/openperp/vault-engine/internal/metrics"
	"github.com/openperp/vault-engine/internal/pricing"
	"github.com/openperp/vault-engine/internal/registry"
	"github.com/openperp/vault-engine/internal/store"
	"github.com/openperp/vault-engine/internal/token"
	"github.com/openperp/vault-engine/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	adminKey := os.Getenv("ADMIN_KEY")
	if adminKey == "" {
		slog.Error("ADMIN_KEY is required")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	var rdb *redis.Client

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Oracle ---
	var oracle pricing.Oracle
	if os.Getenv("ORACLE") == "redis" {
		if rdb == nil {
			slog.Error("ORACLE=redis requires REDIS_URL")
			os.Exit(1)
		}
		oracle = pricing.NewFeed(rdb)
		slog.Info("using Redis price feed oracle")
	} else {
		oracle = pricing.NewFaucet()
		slog.Warn("using development price faucet, set prices via the admin API")
	}

	// --- Token bank ---
	bank := token.NewMemoryBank()

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Domain services ---
	reg := registry.New(st, adminKey)

	cfg := vault.DefaultConfig()
	if v := os.Getenv("MAX_LEVERAGE"); v != "" {
		if lev, err := decimal.NewFromString(v); err == nil && lev.IsPositive() {
			cfg.MaxLeverage = lev
		}
	}
	if v := os.Getenv("MAINTENANCE_MARGIN_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil && bps > 0 {
			cfg.MaintenanceMarginBps = bps
		}
	}
	if v := os.Getenv("LIQUIDATION_FEE_USD"); v != "" {
		if fee, err := decimal.NewFromString(v); err == nil && !fee.IsNegative() {
			cfg.LiquidationFeeUsd = fee
		}
	}

	feeBps := int64(10)
	if v := os.Getenv("FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil && bps >= 0 {
			feeBps = bps
		}
	}
	feeSvc := fees.NewBasisPoint(feeBps)

	vlt := vault.New(st, bank, oracle, hub, cfg)
	if err := vlt.Initialize(reg, feeSvc); err != nil {
		slog.Error("vault initialization failed", "err", err)
		os.Exit(1)
	}

	poolMgr := lp.New(st, oracle, reg, hub)
	if err := poolMgr.Initialize(vlt); err != nil {
		slog.Error("lp manager initialization failed", "err", err)
		os.Exit(1)
	}

	handlers := api.New(vlt, poolMgr, reg, oracle, bank)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"vault-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position and pool updates.
		r.Get("/ws", hub.HandleWS)

		handlers.Mount(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("vault-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down vault-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("vault-engine stopped")
}
