package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

// setupUnderwater deposits 10 WETH at $2,000, mints 10,000 DSC (health factor
// exactly 1.0), then drops the price to $1,800 so the account is liquidatable.
func setupUnderwater(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()

	f.depositWeth(t, user, ether(10))
	if err := f.eng.MintDsc(ctx, user, ether(10_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	f.ethFeed.SetAnswer(big.NewInt(1800e8), f.now.Unix())

	// Give the liquidator DSC to cover debt with. Minted directly with the
	// engine credential so their own ledger stays debt-free.
	if _, err := f.dsc.Mint(ctx, engineAddr, liquidator, ether(10_000)); err != nil {
		t.Fatalf("fund liquidator: %v", err)
	}
	return f
}

func TestLiquidateHealthyAccountRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.depositWeth(t, user, ether(10))
	if err := f.eng.MintDsc(ctx, user, ether(5_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := f.eng.Liquidate(ctx, liquidator, user, wethAddr, ether(1_000))
	if !errors.Is(err, ErrHealthFactorOk) {
		t.Fatalf("expected ErrHealthFactorOk, got %v", err)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(10)) != 0 {
		t.Fatalf("balances must be unchanged, collateral = %s", got)
	}
	if got := f.eng.GetDscMinted(user); got.Cmp(ether(5_000)) != 0 {
		t.Fatalf("balances must be unchanged, debt = %s", got)
	}
}

func TestLiquidateImprovesHealthFactor(t *testing.T) {
	f := setupUnderwater(t)
	ctx := context.Background()

	starting, err := f.eng.GetHealthFactor(ctx, user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if starting.Cmp(MinHealthFactor) >= 0 {
		t.Fatalf("setup should be underwater, hf = %s", starting)
	}

	debtToCover := ether(5_000)
	base, err := f.eng.GetTokenAmountFromUsd(ctx, wethAddr, debtToCover)
	if err != nil {
		t.Fatalf("token amount: %v", err)
	}
	bonus := new(big.Int).Div(new(big.Int).Mul(base, big.NewInt(LiquidationBonus)), big.NewInt(LiquidationPrecision))
	wantSeized := new(big.Int).Add(base, bonus)

	if err := f.eng.Liquidate(ctx, liquidator, user, wethAddr, debtToCover); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	ending, err := f.eng.GetHealthFactor(ctx, user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if ending.Cmp(starting) <= 0 {
		t.Fatalf("liquidation must strictly improve the health factor: %s -> %s", starting, ending)
	}

	if got := f.eng.GetDscMinted(user); got.Cmp(ether(5_000)) != 0 {
		t.Fatalf("debt after liquidation = %s", got)
	}
	held, _ := f.weth.BalanceOf(ctx, liquidator)
	if held.Cmp(wantSeized) != 0 {
		t.Fatalf("liquidator should hold base+bonus collateral: want %s got %s", wantSeized, held)
	}

	wantRemaining := new(big.Int).Sub(ether(10), wantSeized)
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(wantRemaining) != 0 {
		t.Fatalf("remaining collateral: want %s got %s", wantRemaining, got)
	}
}

func TestLiquidateBurnsLiquidatorDsc(t *testing.T) {
	f := setupUnderwater(t)
	ctx := context.Background()

	before, _ := f.dsc.BalanceOf(ctx, liquidator)
	if err := f.eng.Liquidate(ctx, liquidator, user, wethAddr, ether(5_000)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	after, _ := f.dsc.BalanceOf(ctx, liquidator)

	spent := new(big.Int).Sub(before, after)
	if spent.Cmp(ether(5_000)) != 0 {
		t.Fatalf("liquidator should fund the debt reduction: spent %s", spent)
	}
	engineHeld, _ := f.dsc.BalanceOf(ctx, engineAddr)
	if engineHeld.Sign() != 0 {
		t.Fatalf("covered dsc must be burned, engine holds %s", engineHeld)
	}
}

func TestLiquidateEmitsEvents(t *testing.T) {
	f := setupUnderwater(t)
	f.events = nil

	if err := f.eng.Liquidate(context.Background(), liquidator, user, wethAddr, ether(5_000)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	var redeemed, liquidation bool
	for _, ev := range f.events {
		switch ev.Kind {
		case EventCollateralRedeemed:
			redeemed = true
			if ev.From != user || ev.To != liquidator {
				t.Fatalf("redeem event should record account and liquidator: %#v", ev)
			}
		case EventLiquidation:
			liquidation = true
			if ev.DebtCovered.Cmp(ether(5_000)) != 0 {
				t.Fatalf("liquidation event debt covered = %s", ev.DebtCovered)
			}
		}
	}
	if !redeemed || !liquidation {
		t.Fatalf("expected redeem and liquidation events, got %#v", f.events)
	}
}

func TestLiquidateRollsBackOnTransferFailure(t *testing.T) {
	f := setupUnderwater(t)
	ctx := context.Background()

	f.events = nil
	f.weth.FailTransfers = true
	err := f.eng.Liquidate(ctx, liquidator, user, wethAddr, ether(5_000))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if got := f.eng.GetDscMinted(user); got.Cmp(ether(10_000)) != 0 {
		t.Fatalf("debt must be restored, got %s", got)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(10)) != 0 {
		t.Fatalf("collateral must be restored, got %s", got)
	}

	// The already-delivered seizure and liquidation events must be netted out.
	collateral, debt := netEvents(f.events)
	if collateral.Sign() != 0 || debt.Sign() != 0 {
		t.Fatalf("event log must net to zero: collateral %s debt %s (%#v)", collateral, debt, f.events)
	}
}

// A position whose collateral value is at or below 110% of its debt cannot be
// improved by seizing 110% of the covered value, so the liquidation must be
// rejected wholesale.
func TestLiquidateRejectsWhenHealthFactorNotImproved(t *testing.T) {
	f := setupUnderwater(t)
	ctx := context.Background()

	// $1,000 puts collateral value exactly at the 10,000 debt.
	f.ethFeed.SetAnswer(big.NewInt(1000e8), f.now.Unix())
	f.events = nil

	liquidatorDscBefore, _ := f.dsc.BalanceOf(ctx, liquidator)

	err := f.eng.Liquidate(ctx, liquidator, user, wethAddr, ether(1_000))
	if !errors.Is(err, ErrHealthFactorNotImproved) {
		t.Fatalf("expected ErrHealthFactorNotImproved, got %v", err)
	}

	if got := f.eng.GetDscMinted(user); got.Cmp(ether(10_000)) != 0 {
		t.Fatalf("debt must be untouched, got %s", got)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(10)) != 0 {
		t.Fatalf("collateral must be untouched, got %s", got)
	}
	liquidatorDscAfter, _ := f.dsc.BalanceOf(ctx, liquidator)
	if liquidatorDscAfter.Cmp(liquidatorDscBefore) != 0 {
		t.Fatalf("liquidator dsc must be untouched: %s -> %s", liquidatorDscBefore, liquidatorDscAfter)
	}
	if len(f.events) != 0 {
		t.Fatalf("rejected liquidation must not emit events, got %#v", f.events)
	}
}

func TestLiquidateSeizeExceedsCollateral(t *testing.T) {
	f := setupUnderwater(t)

	// Covering the full 10,000 debt would seize ~6.1 WETH base plus bonus, but
	// pushing debtToCover far beyond the account's collateral must fail
	// without touching balances.
	err := f.eng.Liquidate(context.Background(), liquidator, user, wethAddr, ether(50_000))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.eng.GetCollateralBalanceOfUser(user, wethAddr); got.Cmp(ether(10)) != 0 {
		t.Fatalf("collateral must be untouched, got %s", got)
	}
}
