package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dsc-engine/internal/registry"
)

// Liquidate repairs an undercollateralized account. The liquidator covers
// debtToCover (18-decimal USD) of the account's debt with their own synthetic
// tokens, which are burned, and receives the equivalent collateral plus a
// bonus. The operation fails unless the account starts below the minimum
// health factor and strictly improves.
func (e *Engine) Liquidate(ctx context.Context, liquidator, account, tok common.Address, debtToCover *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.opGuard.Unlock()

	if err := validAmount(debtToCover); err != nil {
		return err
	}
	if liquidator == (common.Address{}) || account == (common.Address{}) {
		return ErrZeroAddress
	}
	if !e.registry.Allowed(tok) {
		return &registry.TokenNotAllowedError{Token: tok}
	}

	startingHealth, err := e.healthFactorOf(ctx, account)
	if err != nil {
		return err
	}
	if startingHealth.Cmp(MinHealthFactor) >= 0 {
		return ErrHealthFactorOk
	}

	baseAmount, err := e.GetTokenAmountFromUsd(ctx, tok, debtToCover)
	if err != nil {
		return err
	}
	bonus := new(big.Int).Mul(baseAmount, big.NewInt(LiquidationBonus))
	bonus.Div(bonus, big.NewInt(LiquidationPrecision))
	seized := new(big.Int).Add(baseAmount, bonus)

	var rb rollback

	if err := e.ledger.debitCollateral(account, tok, seized); err != nil {
		return err
	}
	rb.add(func() { e.ledger.creditCollateral(account, tok, seized) })

	if err := e.ledger.subDebt(account, debtToCover); err != nil {
		rb.run()
		return err
	}
	rb.add(func() { e.ledger.addDebt(account, debtToCover) })

	endingHealth, err := e.healthFactorOf(ctx, account)
	if err != nil {
		rb.run()
		return err
	}
	if endingHealth.Cmp(startingHealth) <= 0 {
		rb.run()
		return ErrHealthFactorNotImproved
	}

	// The liquidator's own debt is untouched here, but the check guards
	// symmetric call patterns and future extensions.
	if err := e.revertIfHealthFactorBroken(ctx, liquidator); err != nil {
		rb.run()
		return err
	}

	e.emit(Event{Kind: EventCollateralRedeemed, From: account, To: liquidator, Token: tok, Amount: new(big.Int).Set(seized)})
	e.emit(Event{Kind: EventLiquidation, From: account, To: liquidator, Token: tok, Amount: new(big.Int).Set(seized), DebtCovered: new(big.Int).Set(debtToCover)})
	rb.add(func() {
		// Net out the seizure and the debt reduction the liquidation event
		// recorded.
		e.emit(Event{Kind: EventCollateralDeposited, From: account, To: account, Token: tok, Amount: new(big.Int).Set(seized)})
		e.emit(Event{Kind: EventDscMinted, From: e.self, To: account, Amount: new(big.Int).Set(debtToCover)})
	})

	ok, transferErr := e.collateral[tok].Transfer(ctx, e.self, liquidator, seized)
	if transferErr != nil {
		rb.run()
		return fmt.Errorf("%w: %v", ErrTransferFailed, transferErr)
	}
	if !ok {
		rb.run()
		return ErrTransferFailed
	}
	rb.add(func() { e.recallCollateral(ctx, tok, liquidator, seized) })

	ok, transferErr = e.dsc.TransferFrom(ctx, e.self, liquidator, e.self, debtToCover)
	if transferErr != nil {
		rb.run()
		return fmt.Errorf("%w: %v", ErrTransferFailed, transferErr)
	}
	if !ok {
		rb.run()
		return ErrTransferFailed
	}
	rb.add(func() { e.returnDsc(ctx, liquidator, debtToCover) })

	if err := e.dsc.Burn(ctx, e.self, debtToCover); err != nil {
		rb.run()
		return fmt.Errorf("engine: burn dsc: %w", err)
	}

	e.logger.Info().
		Str("account", account.Hex()).
		Str("liquidator", liquidator.Hex()).
		Str("token", tok.Hex()).
		Str("debt_covered", debtToCover.String()).
		Str("collateral_seized", seized.String()).
		Str("health_before", startingHealth.String()).
		Str("health_after", endingHealth.String()).
		Msg("account liquidated")
	return nil
}
