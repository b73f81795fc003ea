package engine

import (
	"errors"
	"fmt"
	"math/big"
)

// Engine errors. Every failure aborts the whole operation; no partial ledger
// mutation survives a returned error.
var (
	ErrMustBeMoreThanZero      = errors.New("engine: amount must be more than zero")
	ErrZeroAddress             = errors.New("engine: zero address not allowed")
	ErrTransferFailed          = errors.New("engine: token transfer failed")
	ErrMintFailed              = errors.New("engine: stablecoin mint failed")
	ErrInsufficientBalance     = errors.New("engine: amount exceeds recorded balance")
	ErrHealthFactorOk          = errors.New("engine: health factor above minimum, account not liquidatable")
	ErrHealthFactorNotImproved = errors.New("engine: liquidation did not improve target health factor")
	ErrReentrantCall           = errors.New("engine: reentrant call rejected")
)

// BrokenHealthFactorError reports a post-condition solvency check failure.
type BrokenHealthFactorError struct {
	Actual  *big.Int
	Minimum *big.Int
}

func (e *BrokenHealthFactorError) Error() string {
	return fmt.Sprintf("engine: health factor %s below minimum %s", e.Actual, e.Minimum)
}
