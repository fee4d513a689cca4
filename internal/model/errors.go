package model

import "errors"

// Error taxonomy for the vault core. Every operation either completes in
// full or fails with one of these sentinels wrapped via %w, leaving all
// state untouched. Callers decide whether to resubmit; the core never
// retries internally.
var (
	// ErrValidation covers unregistered or non-whitelisted assets and
	// non-positive amounts.
	ErrValidation = errors.New("validation error")

	// ErrLiquidity is returned when a requested reserve or withdrawal
	// exceeds the pool liquidity available for it.
	ErrLiquidity = errors.New("liquidity error")

	// ErrMargin is returned when leverage exceeds the configured maximum
	// or post-liquidation collateral is insufficient.
	ErrMargin = errors.New("margin error")

	// ErrOracle is returned when a price is missing or zero.
	ErrOracle = errors.New("oracle error")

	// ErrState covers double initialization, operations on nonexistent
	// positions, liquidation of healthy positions, and reentrant entry.
	ErrState = errors.New("state error")

	// ErrUnauthorized is returned when a registry mutator is invoked
	// without the administrator key.
	ErrUnauthorized = errors.New("unauthorized")
)
