// Package token defines the fungible-token collaborators the engine moves
// value through, plus in-memory implementations backing tests and the
// simulate-liquidation command. Callers pass their own identity explicitly in
// place of an ambient transaction sender.
package token

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ERC20 is the transfer surface of a collateral asset. A false return without
// an error is still fatal to the enclosing operation.
type ERC20 interface {
	Transfer(ctx context.Context, caller, to common.Address, amount *big.Int) (bool, error)
	TransferFrom(ctx context.Context, caller, from, to common.Address, amount *big.Int) (bool, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Stablecoin is the synthetic asset. Mint is gated by the minter credential
// injected at construction; Burn requires the caller to hold the balance.
type Stablecoin interface {
	ERC20
	Mint(ctx context.Context, caller, to common.Address, amount *big.Int) (bool, error)
	Burn(ctx context.Context, caller common.Address, amount *big.Int) error
}
