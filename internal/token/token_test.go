package token_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/openperp/vault-engine/internal/model"
	"github.com/openperp/vault-engine/internal/token"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestTransfer(t *testing.T) {
	bank := token.NewMemoryBank()
	bank.Mint("FBTC", "alice", d(100))

	if err := bank.Transfer("FBTC", "alice", "bob", d(40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := bank.BalanceOf("FBTC", "alice"); !got.Equal(d(60)) {
		t.Errorf("alice balance = %s, want 60", got)
	}
	if got := bank.BalanceOf("FBTC", "bob"); !got.Equal(d(40)) {
		t.Errorf("bob balance = %s, want 40", got)
	}
}

func TestTransfer_Insufficient(t *testing.T) {
	bank := token.NewMemoryBank()
	bank.Mint("FBTC", "alice", d(10))

	err := bank.Transfer("FBTC", "alice", "bob", d(11))
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if got := bank.BalanceOf("FBTC", "alice"); !got.Equal(d(10)) {
		t.Errorf("alice balance changed on failed transfer: %s", got)
	}
}

func TestTransfer_NonPositive(t *testing.T) {
	bank := token.NewMemoryBank()
	bank.Mint("FBTC", "alice", d(10))

	if err := bank.Transfer("FBTC", "alice", "bob", decimal.Zero); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for zero amount, got %v", err)
	}
	if err := bank.Transfer("FBTC", "alice", "bob", d(-1)); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for negative amount, got %v", err)
	}
}

func TestBalancesPerAsset(t *testing.T) {
	bank := token.NewMemoryBank()
	bank.Mint("FBTC", "alice", d(5))
	bank.Mint("FETH", "alice", d(7))

	if got := bank.BalanceOf("FBTC", "alice"); !got.Equal(d(5)) {
		t.Errorf("FBTC balance = %s, want 5", got)
	}
	if got := bank.BalanceOf("FETH", "alice"); !got.Equal(d(7)) {
		t.Errorf("FETH balance = %s, want 7", got)
	}
}
