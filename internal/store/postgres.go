package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/model"
)

// pgxQuerier is the query surface shared by *pgxpool.Pool and pgx.Tx, so
// every statement below runs unchanged inside or outside a transaction.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   pgxQuerier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// WithinTx runs fn against a store bound to a database transaction. A
// nested call joins the enclosing transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO assets (symbol, decimals, is_stable, is_whitelisted, price_feed)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (symbol) DO UPDATE
		 SET decimals = $2, is_stable = $3, is_whitelisted = $4, price_feed = $5`,
		a.Symbol, a.Decimals, a.IsStable, a.IsWhitelisted, a.PriceFeed,
	)
	return err
}

func (s *PostgresStore) GetAsset(ctx context.Context, symbol string) (*model.Asset, error) {
	var a model.Asset
	err := s.db.QueryRow(ctx,
		`SELECT symbol, decimals, is_stable, is_whitelisted, price_feed
		 FROM assets WHERE symbol = $1`, symbol).
		Scan(&a.Symbol, &a.Decimals, &a.IsStable, &a.IsWhitelisted, &a.PriceFeed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", symbol, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.db.Query(ctx,
		`SELECT symbol, decimals, is_stable, is_whitelisted, price_feed
		 FROM assets ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		if err := rows.Scan(&a.Symbol, &a.Decimals, &a.IsStable, &a.IsWhitelisted, &a.PriceFeed); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (account, collateral_asset, index_asset, is_long,
		        collateral, size_usd, avg_entry_price, reserve_asset, reserved_amount, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10)
		 ON CONFLICT (account, collateral_asset, index_asset, is_long) DO UPDATE
		 SET collateral = $5::NUMERIC, size_usd = $6::NUMERIC, avg_entry_price = $7::NUMERIC,
		     reserve_asset = $8, reserved_amount = $9::NUMERIC, updated_at = $10`,
		p.Key.Account, p.Key.CollateralAsset, p.Key.IndexAsset, p.Key.IsLong,
		p.Collateral.String(), p.SizeUsd.String(), p.AvgEntryPrice.String(),
		p.ReserveAsset, p.ReservedAmount.String(), p.UpdatedAt,
	)
	return err
}

const positionColumns = `account, collateral_asset, index_asset, is_long,
		        collateral::TEXT, size_usd::TEXT, avg_entry_price::TEXT,
		        reserve_asset, reserved_amount::TEXT, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE account = $1 AND collateral_asset = $2 AND index_asset = $3 AND is_long = $4`,
		key.Account, key.CollateralAsset, key.IndexAsset, key.IsLong)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", key, err)
	}
	return p, nil
}

func (s *PostgresStore) DeletePosition(ctx context.Context, key model.PositionKey) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM positions
		 WHERE account = $1 AND collateral_asset = $2 AND index_asset = $3 AND is_long = $4`,
		key.Account, key.CollateralAsset, key.IndexAsset, key.IsLong)
	return err
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, account string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account = $1 ORDER BY updated_at`,
		account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func (s *PostgresStore) SavePoolState(ctx context.Context, p *model.PoolState) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO pool_states (asset, total_liquidity, total_reserved, total_shares)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (asset) DO UPDATE
		 SET total_liquidity = $2::NUMERIC, total_reserved = $3::NUMERIC, total_shares = $4::NUMERIC`,
		p.Asset, p.TotalLiquidity.String(), p.TotalReserved.String(), p.TotalShares.String(),
	)
	return err
}

func (s *PostgresStore) GetPoolState(ctx context.Context, asset string) (*model.PoolState, error) {
	var p model.PoolState
	var liq, res, shares string

	err := s.db.QueryRow(ctx,
		`SELECT asset, total_liquidity::TEXT, total_reserved::TEXT, total_shares::TEXT
		 FROM pool_states WHERE asset = $1`, asset).
		Scan(&p.Asset, &liq, &res, &shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool state %s: %w", asset, err)
	}

	p.TotalLiquidity, _ = decimal.NewFromString(liq)
	p.TotalReserved, _ = decimal.NewFromString(res)
	p.TotalShares, _ = decimal.NewFromString(shares)
	return &p, nil
}

func (s *PostgresStore) ListPoolStates(ctx context.Context) ([]model.PoolState, error) {
	rows, err := s.db.Query(ctx,
		`SELECT asset, total_liquidity::TEXT, total_reserved::TEXT, total_shares::TEXT
		 FROM pool_states ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.PoolState
	for rows.Next() {
		var p model.PoolState
		var liq, res, shares string
		if err := rows.Scan(&p.Asset, &liq, &res, &shares); err != nil {
			return nil, err
		}
		p.TotalLiquidity, _ = decimal.NewFromString(liq)
		p.TotalReserved, _ = decimal.NewFromString(res)
		p.TotalShares, _ = decimal.NewFromString(shares)
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) SaveProviderShare(ctx context.Context, sh *model.ProviderShare) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO provider_shares (provider, asset, shares)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (provider, asset) DO UPDATE SET shares = $3::NUMERIC`,
		sh.Provider, sh.Asset, sh.Shares.String(),
	)
	return err
}

func (s *PostgresStore) GetProviderShare(ctx context.Context, provider, asset string) (*model.ProviderShare, error) {
	var sh model.ProviderShare
	var shares string

	err := s.db.QueryRow(ctx,
		`SELECT provider, asset, shares::TEXT
		 FROM provider_shares WHERE provider = $1 AND asset = $2`, provider, asset).
		Scan(&sh.Provider, &sh.Asset, &shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider share %s/%s: %w", provider, asset, err)
	}

	sh.Shares, _ = decimal.NewFromString(shares)
	return &sh, nil
}

func (s *PostgresStore) DeleteProviderShare(ctx context.Context, provider, asset string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM provider_shares WHERE provider = $1 AND asset = $2`, provider, asset)
	return err
}

func (s *PostgresStore) SaveCustodyBalance(ctx context.Context, asset string, amount decimal.Decimal) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO custody_balances (asset, amount)
		 VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (asset) DO UPDATE SET amount = $2::NUMERIC`,
		asset, amount.String(),
	)
	return err
}

func (s *PostgresStore) GetCustodyBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var amount string
	err := s.db.QueryRow(ctx,
		`SELECT amount::TEXT FROM custody_balances WHERE asset = $1`, asset).
		Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get custody balance %s: %w", asset, err)
	}

	d, _ := decimal.NewFromString(amount)
	return d, nil
}

// scanPosition reads one position row.
func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var collateral, sizeUsd, avgPrice, reserved string

	if err := row.Scan(&p.Key.Account, &p.Key.CollateralAsset, &p.Key.IndexAsset, &p.Key.IsLong,
		&collateral, &sizeUsd, &avgPrice,
		&p.ReserveAsset, &reserved, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Collateral, _ = decimal.NewFromString(collateral)
	p.SizeUsd, _ = decimal.NewFromString(sizeUsd)
	p.AvgEntryPrice, _ = decimal.NewFromString(avgPrice)
	p.ReservedAmount, _ = decimal.NewFromString(reserved)
	return &p, nil
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}
