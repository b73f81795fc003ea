package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dsc-engine/internal/registry"
)

// rollback accumulates compensation steps as an operation commits effects and
// interactions. On failure the steps run in reverse, restoring the state that
// held at entry. Ledger undos cannot fail; external undos are best effort and
// logged when they do. An event already delivered to the sink cannot be
// recalled, so each emit registers a step that nets it out with the opposite
// kind.
type rollback struct {
	steps []func()
}

func (r *rollback) add(fn func()) {
	r.steps = append(r.steps, fn)
}

func (r *rollback) run() {
	for i := len(r.steps) - 1; i >= 0; i-- {
		r.steps[i]()
	}
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrMustBeMoreThanZero
	}
	return nil
}

// DepositCollateral pulls amount of tok from caller into engine custody and
// credits the caller's ledger balance. Deposits only improve solvency, so no
// health check runs.
func (e *Engine) DepositCollateral(ctx context.Context, caller, tok common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.opGuard.Unlock()

	var rb rollback
	if err := e.depositCollateralLocked(ctx, caller, tok, amount, &rb); err != nil {
		rb.run()
		return err
	}

	e.logger.Info().Str("account", caller.Hex()).Str("token", tok.Hex()).Str("amount", amount.String()).Msg("collateral deposited")
	return nil
}

// MintDsc increases the caller's debt and mints the synthetic asset to them.
// The health factor is checked both before and after the debt increase.
func (e *Engine) MintDsc(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.opGuard.Unlock()

	var rb rollback
	if err := e.mintDscLocked(ctx, caller, amount, &rb); err != nil {
		rb.run()
		return err
	}

	e.logger.Info().Str("account", caller.Hex()).Str("amount", amount.String()).Msg("dsc minted")
	return nil
}

// DepositCollateralAndMintDsc composes deposit and mint as one atomic unit.
func (e *Engine) DepositCollateralAndMintDsc(ctx context.Context, caller, tok common.Address, collateralAmount, dscAmount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.opGuard.Unlock()

	var rb rollback
	if err := e.depositCollateralLocked(ctx, caller, tok, collateralAmount, &rb); err != nil {
		rb.run()
		return err
	}
	if err := e.mintDscLocked(ctx, caller, dscAmount, &rb); err != nil {
		rb.run()
		return err
	}

	e.logger.Info().Str("account", caller.Hex()).Str("token", tok.Hex()).
		Str("collateral", collateralAmount.String()).Str("dsc", dscAmount.String()).
		Msg("collateral deposited and dsc minted")
	return nil
}

// RedeemCollateral returns amount of tok to the caller, failing if the
// caller's health factor would drop below the minimum.
func (e *Engine) RedeemCollateral(ctx context.Context, caller, tok common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.opGuard.Unlock()

	var rb rollback
	if err := e.redeemCollateralLocked(ctx, caller, caller, tok, amount, &rb); err != nil {
		rb.run()
		return err
	}

	e.logger.Info().Str("account", caller.Hex()).Str("token", tok.Hex()).Str("amount", amount.String()).Msg("collateral redeemed")
	return nil
}

// BurnDsc retires amount of the caller's synthetic asset and reduces their
// debt. Burning only improves health; the trailing check is a safety net.
func (e *Engine) BurnDsc(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.opGuard.Unlock()

	var rb rollback
	if err := e.burnDscLocked(ctx, amount, caller, caller, &rb); err != nil {
		rb.run()
		return err
	}
	if err := e.revertIfHealthFactorBroken(ctx, caller); err != nil {
		rb.run()
		return err
	}

	e.logger.Info().Str("account", caller.Hex()).Str("amount", amount.String()).Msg("dsc burned")
	return nil
}

// RedeemCollateralForDsc burns dscAmount then redeems collateralAmount of tok,
// so the trailing health check sees the reduced debt.
func (e *Engine) RedeemCollateralForDsc(ctx context.Context, caller, tok common.Address, collateralAmount, dscAmount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.opGuard.Unlock()

	var rb rollback
	if err := e.burnDscLocked(ctx, dscAmount, caller, caller, &rb); err != nil {
		rb.run()
		return err
	}
	if err := e.redeemCollateralLocked(ctx, caller, caller, tok, collateralAmount, &rb); err != nil {
		rb.run()
		return err
	}

	e.logger.Info().Str("account", caller.Hex()).Str("token", tok.Hex()).
		Str("collateral", collateralAmount.String()).Str("dsc", dscAmount.String()).
		Msg("collateral redeemed for dsc")
	return nil
}

func (e *Engine) depositCollateralLocked(ctx context.Context, caller, tok common.Address, amount *big.Int, rb *rollback) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if caller == (common.Address{}) {
		return ErrZeroAddress
	}
	if !e.registry.Allowed(tok) {
		return &registry.TokenNotAllowedError{Token: tok}
	}

	e.ledger.creditCollateral(caller, tok, amount)
	rb.add(func() { _ = e.ledger.debitCollateral(caller, tok, amount) })

	e.emit(Event{Kind: EventCollateralDeposited, From: caller, To: caller, Token: tok, Amount: new(big.Int).Set(amount)})
	rb.add(func() {
		e.emit(Event{Kind: EventCollateralRedeemed, From: caller, To: caller, Token: tok, Amount: new(big.Int).Set(amount)})
	})

	ok, err := e.collateral[tok].TransferFrom(ctx, e.self, caller, e.self, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return ErrTransferFailed
	}
	rb.add(func() { e.refundCollateral(ctx, tok, caller, amount) })
	return nil
}

func (e *Engine) mintDscLocked(ctx context.Context, caller common.Address, amount *big.Int, rb *rollback) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if caller == (common.Address{}) {
		return ErrZeroAddress
	}

	// The pre-increase check also rejects minting from an account that is
	// already underwater. Kept alongside the post-increase check.
	if err := e.revertIfHealthFactorBroken(ctx, caller); err != nil {
		return err
	}

	e.ledger.addDebt(caller, amount)
	rb.add(func() { _ = e.ledger.subDebt(caller, amount) })

	if err := e.revertIfHealthFactorBroken(ctx, caller); err != nil {
		return err
	}

	e.emit(Event{Kind: EventDscMinted, From: e.self, To: caller, Amount: new(big.Int).Set(amount)})
	rb.add(func() {
		e.emit(Event{Kind: EventDscBurned, From: caller, To: e.self, Amount: new(big.Int).Set(amount)})
	})

	ok, err := e.dsc.Mint(ctx, e.self, caller, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	if !ok {
		return ErrMintFailed
	}
	rb.add(func() { e.reclaimDsc(ctx, caller, amount) })
	return nil
}

// redeemCollateralLocked debits from's balance, checks from's health against
// the post-redeem state, then pushes the tokens from custody to the recipient.
func (e *Engine) redeemCollateralLocked(ctx context.Context, from, to, tok common.Address, amount *big.Int, rb *rollback) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if !e.registry.Allowed(tok) {
		return &registry.TokenNotAllowedError{Token: tok}
	}

	if err := e.ledger.debitCollateral(from, tok, amount); err != nil {
		return err
	}
	rb.add(func() { e.ledger.creditCollateral(from, tok, amount) })

	if err := e.revertIfHealthFactorBroken(ctx, from); err != nil {
		return err
	}

	e.emit(Event{Kind: EventCollateralRedeemed, From: from, To: to, Token: tok, Amount: new(big.Int).Set(amount)})
	rb.add(func() {
		e.emit(Event{Kind: EventCollateralDeposited, From: from, To: from, Token: tok, Amount: new(big.Int).Set(amount)})
	})

	ok, err := e.collateral[tok].Transfer(ctx, e.self, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return ErrTransferFailed
	}
	rb.add(func() { e.recallCollateral(ctx, tok, to, amount) })
	return nil
}

// burnDscLocked reduces onBehalfOf's debt, pulls the tokens from dscFrom into
// custody and retires them.
func (e *Engine) burnDscLocked(ctx context.Context, amount *big.Int, onBehalfOf, dscFrom common.Address, rb *rollback) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	if err := e.ledger.subDebt(onBehalfOf, amount); err != nil {
		return err
	}
	rb.add(func() { e.ledger.addDebt(onBehalfOf, amount) })

	e.emit(Event{Kind: EventDscBurned, From: dscFrom, To: e.self, Amount: new(big.Int).Set(amount)})
	rb.add(func() {
		e.emit(Event{Kind: EventDscMinted, From: e.self, To: onBehalfOf, Amount: new(big.Int).Set(amount)})
	})

	ok, err := e.dsc.TransferFrom(ctx, e.self, dscFrom, e.self, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return ErrTransferFailed
	}
	rb.add(func() { e.returnDsc(ctx, dscFrom, amount) })

	if err := e.dsc.Burn(ctx, e.self, amount); err != nil {
		return fmt.Errorf("engine: burn dsc: %w", err)
	}
	rb.add(func() { e.remintDsc(ctx, amount) })
	return nil
}

// Best-effort external compensations. The ledger is already restored by the
// time these run; a failure here means custody and the collaborator token
// disagree, which is loud in the logs.

func (e *Engine) refundCollateral(ctx context.Context, tok, to common.Address, amount *big.Int) {
	if ok, err := e.collateral[tok].Transfer(ctx, e.self, to, amount); err != nil || !ok {
		e.logger.Error().Err(err).Str("token", tok.Hex()).Str("to", to.Hex()).Str("amount", amount.String()).Msg("collateral refund failed during rollback")
	}
}

func (e *Engine) recallCollateral(ctx context.Context, tok, from common.Address, amount *big.Int) {
	if ok, err := e.collateral[tok].TransferFrom(ctx, e.self, from, e.self, amount); err != nil || !ok {
		e.logger.Error().Err(err).Str("token", tok.Hex()).Str("from", from.Hex()).Str("amount", amount.String()).Msg("collateral recall failed during rollback")
	}
}

func (e *Engine) reclaimDsc(ctx context.Context, from common.Address, amount *big.Int) {
	ok, err := e.dsc.TransferFrom(ctx, e.self, from, e.self, amount)
	if err != nil || !ok {
		e.logger.Error().Err(err).Str("from", from.Hex()).Str("amount", amount.String()).Msg("dsc reclaim failed during rollback")
		return
	}
	if err := e.dsc.Burn(ctx, e.self, amount); err != nil {
		e.logger.Error().Err(err).Str("amount", amount.String()).Msg("dsc retire failed during rollback")
	}
}

func (e *Engine) returnDsc(ctx context.Context, to common.Address, amount *big.Int) {
	if ok, err := e.dsc.Transfer(ctx, e.self, to, amount); err != nil || !ok {
		e.logger.Error().Err(err).Str("to", to.Hex()).Str("amount", amount.String()).Msg("dsc return failed during rollback")
	}
}

func (e *Engine) remintDsc(ctx context.Context, amount *big.Int) {
	if ok, err := e.dsc.Mint(ctx, e.self, e.self, amount); err != nil || !ok {
		e.logger.Error().Err(err).Str("amount", amount.String()).Msg("dsc remint failed during rollback")
	}
}
